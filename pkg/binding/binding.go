package binding

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/realtime"
)

// State is the binding lifecycle state. Publish and UpdatePresence are valid
// only while Active.
type State string

const (
	StateUnmounted State = "unmounted"
	StateAcquiring State = "acquiring"
	StateActive    State = "active"
	StateReleasing State = "releasing"
)

const (
	snapshotTimeout = 5 * time.Second
	leaveTimeout    = 5 * time.Second
)

// Binding binds one channel to one component lifetime. One instance per
// mounted component; the client is injected and externally owned.
type Binding struct {
	client      realtime.Client
	channelName string
	enterData   json.RawMessage
	logger      zerolog.Logger

	mu       sync.Mutex
	state    State
	entered  bool
	ch       realtime.Channel
	msgSub   realtime.Subscription
	presSubs []realtime.Subscription
	messages []realtime.Message
	members  []realtime.Member
	dispatch chan func()
	done     chan struct{}

	updates chan struct{}
}

type Option func(*Binding)

// WithInitialPresence makes Acquire enter presence with the given payload
// before the first snapshot fetch.
func WithInitialPresence(data any) Option {
	return func(b *Binding) {
		raw, err := realtime.RawPayload(data)
		if err != nil {
			b.logger.Warn().Err(err).Msg("invalid initial presence payload, ignoring")
			return
		}
		if raw == nil {
			raw = json.RawMessage(`{}`)
		}
		b.enterData = raw
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Binding) {
		b.logger = logger
	}
}

// New builds an unmounted binding for the named channel.
func New(client realtime.Client, channelName string, opts ...Option) (*Binding, error) {
	if client == nil {
		return nil, errors.New("binding client is nil")
	}
	if channelName == "" {
		return nil, errors.New("binding channel name is empty")
	}
	b := &Binding{
		client:      client,
		channelName: channelName,
		state:       StateUnmounted,
		updates:     make(chan struct{}, 1),
		logger:      log.With().Str("component", "binding").Str("channel", channelName).Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Acquire obtains the channel, attaches the message listener and the three
// presence listeners, enters presence when an initial payload was configured,
// and fetches the first presence snapshot. Failures roll back every
// registration made so far and are fatal to this mount.
func (b *Binding) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateUnmounted {
		st := b.state
		b.mu.Unlock()
		return errors.Errorf("acquire called while %s", st)
	}
	b.state = StateAcquiring
	b.messages = nil
	b.members = nil
	b.entered = false
	b.dispatch = make(chan func(), 64)
	b.done = make(chan struct{})
	dispatch, done := b.dispatch, b.done
	b.mu.Unlock()

	ch, err := b.client.Channel(b.channelName)
	if err != nil {
		b.resetUnmounted()
		return errors.WithMessagef(realtime.ErrChannelAcquisition, "channel %q: %v", b.channelName, err)
	}

	msgSub, err := ch.Subscribe(b.onMessage)
	if err != nil {
		_ = ch.Detach()
		b.resetUnmounted()
		return errors.WithMessagef(realtime.ErrChannelAcquisition, "subscribe on %q: %v", b.channelName, err)
	}

	presSubs := make([]realtime.Subscription, 0, len(realtime.PresenceEventKinds))
	rollback := func() {
		for _, s := range presSubs {
			s.Unsubscribe()
		}
		msgSub.Unsubscribe()
		_ = ch.Detach()
		b.resetUnmounted()
	}
	for _, kind := range realtime.PresenceEventKinds {
		sub, err := ch.Presence().Subscribe(kind, b.onPresence)
		if err != nil {
			rollback()
			return errors.WithMessagef(realtime.ErrChannelAcquisition, "presence subscribe (%s) on %q: %v", kind, b.channelName, err)
		}
		presSubs = append(presSubs, sub)
	}

	entered := false
	if b.enterData != nil {
		if err := ch.Presence().Enter(ctx, b.enterData); err != nil {
			rollback()
			return errors.WithMessagef(realtime.ErrChannelAcquisition, "presence enter on %q: %v", b.channelName, err)
		}
		entered = true
	}

	members, err := ch.Presence().Get(ctx)
	if err != nil {
		if entered {
			leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			_ = ch.Presence().Leave(leaveCtx)
			cancel()
		}
		rollback()
		return errors.WithMessagef(realtime.ErrChannelAcquisition, "presence snapshot on %q: %v", b.channelName, err)
	}

	go b.runDispatch(dispatch, done)

	b.mu.Lock()
	b.ch = ch
	b.msgSub = msgSub
	b.presSubs = presSubs
	b.entered = entered
	b.members = members
	b.state = StateActive
	b.mu.Unlock()
	b.logger.Debug().Int("members", len(members)).Msg("binding active")
	b.notify()
	return nil
}

// Publish sends a message on the acquired channel. Guarded: outside the
// Active state it fails with realtime.ErrPublish instead of dropping.
func (b *Binding) Publish(ctx context.Context, msgType string, payload any) error {
	b.mu.Lock()
	ch := b.ch
	active := b.state == StateActive
	b.mu.Unlock()
	if !active || ch == nil {
		return errors.WithMessagef(realtime.ErrPublish, "channel %q: binding is not active", b.channelName)
	}
	if err := ch.Publish(ctx, msgType, payload); err != nil {
		return errors.WithMessagef(realtime.ErrPublish, "channel %q: %v", b.channelName, err)
	}
	return nil
}

// UpdatePresence updates this participant's presence data. It fails with
// realtime.ErrPresenceUpdate when presence was never entered.
func (b *Binding) UpdatePresence(ctx context.Context, payload any) error {
	b.mu.Lock()
	ch := b.ch
	active := b.state == StateActive
	entered := b.entered
	b.mu.Unlock()
	if !active || ch == nil {
		return errors.WithMessagef(realtime.ErrPresenceUpdate, "channel %q: binding is not active", b.channelName)
	}
	if !entered {
		return errors.WithMessagef(realtime.ErrPresenceUpdate, "channel %q: presence was never entered", b.channelName)
	}
	if err := ch.Presence().Update(ctx, payload); err != nil {
		return errors.WithMessagef(realtime.ErrPresenceUpdate, "channel %q: %v", b.channelName, err)
	}
	return nil
}

// Release tears the binding down: flip to Releasing so late events are
// dropped, fire a best-effort presence leave without awaiting it, then
// deregister the presence listeners, reset the presence set, deregister the
// message listener and detach the channel. Safe to call more than once; only
// the first call from Active does work.
func (b *Binding) Release() {
	b.mu.Lock()
	if b.state != StateActive {
		st := b.state
		b.mu.Unlock()
		if st == StateAcquiring || st == StateReleasing {
			b.logger.Warn().Str("state", string(st)).Msg("release ignored")
		}
		return
	}
	b.state = StateReleasing
	ch, msgSub, presSubs, entered, done := b.ch, b.msgSub, b.presSubs, b.entered, b.done
	b.ch, b.msgSub, b.presSubs = nil, nil, nil
	b.entered = false
	b.mu.Unlock()

	close(done)

	if entered {
		pres := ch.Presence()
		logger := b.logger
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			defer cancel()
			if err := pres.Leave(ctx); err != nil {
				logger.Warn().
					Err(errors.WithMessagef(realtime.ErrPresenceLeave, "%v", err)).
					Msg("best-effort presence leave failed")
			}
		}()
	}

	for _, s := range presSubs {
		s.Unsubscribe()
	}
	b.mu.Lock()
	b.members = nil
	b.mu.Unlock()
	msgSub.Unsubscribe()
	if err := ch.Detach(); err != nil {
		b.logger.Warn().Err(err).Msg("channel detach failed")
	}

	b.mu.Lock()
	b.state = StateUnmounted
	b.dispatch = nil
	b.done = nil
	b.mu.Unlock()
	b.logger.Debug().Msg("binding released")
	b.notify()
}

// Messages returns the visible message log in arrival order.
func (b *Binding) Messages() []realtime.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]realtime.Message(nil), b.messages...)
}

// PresenceSet returns the visible presence snapshot.
func (b *Binding) PresenceSet() []realtime.Member {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]realtime.Member(nil), b.members...)
}

func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Binding) ChannelName() string {
	return b.channelName
}

// Updates is a coalesced change signal: one pending wakeup at most, consumers
// re-read Messages/PresenceSet after each receive.
func (b *Binding) Updates() <-chan struct{} {
	return b.updates
}

// onMessage appends via the dispatch loop so only one goroutine ever mutates
// visible state, whatever the transport's delivery concurrency.
func (b *Binding) onMessage(m realtime.Message) {
	b.enqueue(func() {
		b.mu.Lock()
		if b.state != StateActive {
			b.mu.Unlock()
			return
		}
		b.messages = append(b.messages, m)
		b.mu.Unlock()
		b.notify()
	})
}

// onPresence replaces the snapshot with a fresh full fetch, never applies the
// event as a delta.
func (b *Binding) onPresence(ev realtime.PresenceEvent) {
	b.enqueue(func() {
		b.mu.Lock()
		if b.state != StateActive || b.ch == nil {
			b.mu.Unlock()
			return
		}
		pres := b.ch.Presence()
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		members, err := pres.Get(ctx)
		cancel()
		if err != nil {
			b.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("presence snapshot refresh failed")
			return
		}

		b.mu.Lock()
		if b.state != StateActive {
			// release started while the snapshot was in flight
			b.mu.Unlock()
			return
		}
		b.members = members
		b.mu.Unlock()
		b.notify()
	})
}

func (b *Binding) enqueue(fn func()) {
	b.mu.Lock()
	dispatch, done := b.dispatch, b.done
	b.mu.Unlock()
	if dispatch == nil || done == nil {
		return
	}
	select {
	case dispatch <- fn:
	case <-done:
	}
}

func (b *Binding) runDispatch(dispatch chan func(), done chan struct{}) {
	for {
		select {
		case fn := <-dispatch:
			fn()
		case <-done:
			return
		}
	}
}

func (b *Binding) notify() {
	select {
	case b.updates <- struct{}{}:
	default:
	}
}

func (b *Binding) resetUnmounted() {
	b.mu.Lock()
	b.state = StateUnmounted
	b.dispatch = nil
	if b.done != nil {
		close(b.done)
		b.done = nil
	}
	b.mu.Unlock()
}
