package binding

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/cricket/pkg/realtime"
)

// fakeClient is an in-process realtime.Client that counts every
// registration/deregistration pair so tests can assert symmetry.
type fakeClient struct {
	mu         sync.Mutex
	channels   map[string]*fakeChannel
	channelErr error
	loopback   bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{channels: map[string]*fakeChannel{}}
}

func (c *fakeClient) Channel(name string) (realtime.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch, ok := c.channels[name]
	if !ok {
		ch = &fakeChannel{
			name:     name,
			loopback: c.loopback,
			presence: &fakePresence{
				data:      map[string]json.RawMessage{},
				listeners: map[realtime.PresenceEventKind][]realtime.PresenceListener{},
			},
		}
		ch.presence.channel = ch
		c.channels[name] = ch
	}
	return ch, nil
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) channel(name string) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

type fakeChannel struct {
	name     string
	loopback bool
	presence *fakePresence

	mu           sync.Mutex
	listeners    []realtime.MessageListener
	subscribeErr error
	publishErr   error
	published    []realtime.Message
	subscribes   int
	unsubscribes int
	detaches     int
	callOrder    []string
}

func (ch *fakeChannel) Name() string { return ch.name }

func (ch *fakeChannel) Subscribe(l realtime.MessageListener) (realtime.Subscription, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.subscribeErr != nil {
		return nil, ch.subscribeErr
	}
	ch.subscribes++
	ch.callOrder = append(ch.callOrder, "subscribe")
	idx := len(ch.listeners)
	ch.listeners = append(ch.listeners, l)
	return &fakeSub{unsub: func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		ch.unsubscribes++
		ch.listeners[idx] = nil
	}}, nil
}

func (ch *fakeChannel) Publish(_ context.Context, msgType string, payload any) error {
	ch.mu.Lock()
	if ch.publishErr != nil {
		err := ch.publishErr
		ch.mu.Unlock()
		return err
	}
	raw, err := realtime.RawPayload(payload)
	if err != nil {
		ch.mu.Unlock()
		return err
	}
	msg := realtime.Message{Type: msgType, Payload: raw}
	ch.published = append(ch.published, msg)
	loopback := ch.loopback
	ch.mu.Unlock()
	if loopback {
		ch.deliver(msg)
	}
	return nil
}

func (ch *fakeChannel) Presence() realtime.Presence { return ch.presence }

func (ch *fakeChannel) Detach() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.detaches++
	return nil
}

// deliver invokes the currently-registered message listeners, the way a
// transport would on an inbound frame.
func (ch *fakeChannel) deliver(msg realtime.Message) {
	ch.mu.Lock()
	ls := append([]realtime.MessageListener(nil), ch.listeners...)
	ch.mu.Unlock()
	for _, l := range ls {
		if l != nil {
			l(msg)
		}
	}
}

// liveListeners returns the registered listeners so tests can simulate a
// stale in-flight delivery after release.
func (ch *fakeChannel) liveListeners() []realtime.MessageListener {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := []realtime.MessageListener{}
	for _, l := range ch.listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

type fakePresence struct {
	channel *fakeChannel

	mu           sync.Mutex
	order        []string
	data         map[string]json.RawMessage
	listeners    map[realtime.PresenceEventKind][]realtime.PresenceListener
	subscribeErr map[realtime.PresenceEventKind]error
	enterErr     error
	leaveErr     error
	getErr       error
	enters       int
	leaves       int
	updatesCalls int
	subscribes   int
	unsubscribes int
}

func (p *fakePresence) Enter(_ context.Context, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enterErr != nil {
		return p.enterErr
	}
	p.enters++
	p.channel.recordCall("enter")
	raw, err := realtime.RawPayload(data)
	if err != nil {
		return err
	}
	p.addLocked("self", raw)
	return nil
}

func (p *fakePresence) Update(_ context.Context, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updatesCalls++
	raw, err := realtime.RawPayload(data)
	if err != nil {
		return err
	}
	if _, ok := p.data["self"]; !ok {
		return errors.New("participant not present")
	}
	p.data["self"] = raw
	return nil
}

func (p *fakePresence) Leave(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves++
	if p.leaveErr != nil {
		return p.leaveErr
	}
	p.removeLocked("self")
	return nil
}

func (p *fakePresence) Get(_ context.Context) ([]realtime.Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	p.channel.recordCall("get")
	out := make([]realtime.Member, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, realtime.Member{ParticipantID: id, Data: p.data[id]})
	}
	return out, nil
}

func (p *fakePresence) Subscribe(kind realtime.PresenceEventKind, l realtime.PresenceListener) (realtime.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.subscribeErr[kind]; err != nil {
		return nil, err
	}
	p.subscribes++
	p.channel.recordCall("subscribe:" + string(kind))
	idx := len(p.listeners[kind])
	p.listeners[kind] = append(p.listeners[kind], l)
	return &fakeSub{unsub: func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.unsubscribes++
		p.listeners[kind][idx] = nil
	}}, nil
}

// enterRemote simulates another participant joining.
func (p *fakePresence) enterRemote(id string, data json.RawMessage) {
	p.mu.Lock()
	p.addLocked(id, data)
	p.mu.Unlock()
	p.fire(realtime.PresenceEvent{Kind: realtime.PresenceEnter, Member: realtime.Member{ParticipantID: id, Data: data}})
}

func (p *fakePresence) leaveRemote(id string) {
	p.mu.Lock()
	p.removeLocked(id)
	p.mu.Unlock()
	p.fire(realtime.PresenceEvent{Kind: realtime.PresenceLeave, Member: realtime.Member{ParticipantID: id}})
}

func (p *fakePresence) fire(ev realtime.PresenceEvent) {
	p.mu.Lock()
	ls := append([]realtime.PresenceListener(nil), p.listeners[ev.Kind]...)
	p.mu.Unlock()
	for _, l := range ls {
		if l != nil {
			l(ev)
		}
	}
}

func (p *fakePresence) addLocked(id string, data json.RawMessage) {
	if _, ok := p.data[id]; !ok {
		p.order = append(p.order, id)
	}
	p.data[id] = data
}

func (p *fakePresence) removeLocked(id string) {
	delete(p.data, id)
	for i, o := range p.order {
		if o == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (ch *fakeChannel) recordCall(name string) {
	ch.mu.Lock()
	ch.callOrder = append(ch.callOrder, name)
	ch.mu.Unlock()
}

type fakeSub struct {
	once  sync.Once
	unsub func()
}

func (s *fakeSub) Unsubscribe() { s.once.Do(s.unsub) }
