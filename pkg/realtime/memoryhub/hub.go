// Package memoryhub is an in-process realtime transport backed by watermill's
// gochannel pub/sub. It serves tests, demos and single-process setups; every
// client connected to the same hub shares its channels and presence.
package memoryhub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/realtime"
	"github.com/go-go-golems/cricket/pkg/realtime/wmlog"
)

func msgTopic(channel string) string  { return "cricket.msg." + channel }
func presTopic(channel string) string { return "cricket.presence." + channel }

// Hub is the shared in-process broker. Clients are cheap handles onto it.
type Hub struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger

	mu       sync.Mutex
	presence map[string]*registry
}

func New() *Hub {
	logger := log.With().Str("component", "memoryhub").Logger()
	return &Hub{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			wmlog.New(logger),
		),
		logger:   logger,
		presence: map[string]*registry{},
	}
}

// Connect returns a client identified by participantID (generated when empty).
func (h *Hub) Connect(participantID string) realtime.Client {
	if participantID == "" {
		participantID = uuid.NewString()
	}
	return &client{hub: h, participant: participantID}
}

func (h *Hub) Close() error {
	return h.pubsub.Close()
}

func (h *Hub) registry(channel string) *registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.presence[channel]
	if !ok {
		reg = &registry{data: map[string]json.RawMessage{}}
		h.presence[channel] = reg
	}
	return reg
}

func (h *Hub) publishEvent(topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return h.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), b))
}

type client struct {
	hub         *Hub
	participant string

	mu       sync.Mutex
	channels map[string]*channel
}

func (c *client) Channel(name string) (realtime.Channel, error) {
	if name == "" {
		return nil, errors.New("channel name is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels == nil {
		c.channels = map[string]*channel{}
	}
	ch, ok := c.channels[name]
	if !ok {
		ch = &channel{hub: c.hub, name: name, participant: c.participant}
		ch.pres = &presence{channel: ch}
		c.channels[name] = ch
	}
	return ch, nil
}

// Close leaves presence on every channel this client entered. The hub itself
// stays up for other clients.
func (c *client) Close() error {
	c.mu.Lock()
	chans := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()
	for _, ch := range chans {
		_ = ch.pres.Leave(context.Background())
		_ = ch.Detach()
	}
	return nil
}

type channel struct {
	hub         *Hub
	name        string
	participant string
	pres        *presence

	mu   sync.Mutex
	subs []*subscription
}

func (ch *channel) Name() string { return ch.name }

func (ch *channel) Subscribe(l realtime.MessageListener) (realtime.Subscription, error) {
	return ch.subscribeTopic(msgTopic(ch.name), func(payload []byte) {
		var m realtime.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			ch.hub.logger.Warn().Err(err).Str("channel", ch.name).Msg("dropping undecodable message")
			return
		}
		l(m)
	})
}

func (ch *channel) Publish(_ context.Context, msgType string, payload any) error {
	if msgType == "" {
		return errors.New("message type is empty")
	}
	raw, err := realtime.RawPayload(payload)
	if err != nil {
		return err
	}
	return ch.hub.publishEvent(msgTopic(ch.name), realtime.Message{Type: msgType, Payload: raw})
}

func (ch *channel) Presence() realtime.Presence { return ch.pres }

// Detach cancels any subscription the owner forgot to release.
func (ch *channel) Detach() error {
	ch.mu.Lock()
	subs := ch.subs
	ch.subs = nil
	ch.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

func (ch *channel) subscribeTopic(topic string, handle func([]byte)) (realtime.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := ch.hub.pubsub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	sub := &subscription{cancel: cancel}
	ch.mu.Lock()
	ch.subs = append(ch.subs, sub)
	ch.mu.Unlock()
	go func() {
		for msg := range msgs {
			handle(msg.Payload)
			msg.Ack()
		}
	}()
	return sub, nil
}

type subscription struct {
	once   sync.Once
	cancel context.CancelFunc
}

func (s *subscription) Unsubscribe() { s.once.Do(s.cancel) }

type presence struct {
	channel *channel
}

func (p *presence) Enter(_ context.Context, data any) error {
	raw, err := realtime.RawPayload(data)
	if err != nil {
		return err
	}
	reg := p.channel.hub.registry(p.channel.name)
	reg.set(p.channel.participant, raw)
	return p.publish(realtime.PresenceEnter, raw)
}

func (p *presence) Update(_ context.Context, data any) error {
	raw, err := realtime.RawPayload(data)
	if err != nil {
		return err
	}
	reg := p.channel.hub.registry(p.channel.name)
	if !reg.has(p.channel.participant) {
		return errors.Errorf("participant %q is not present on %q", p.channel.participant, p.channel.name)
	}
	reg.set(p.channel.participant, raw)
	return p.publish(realtime.PresenceUpdate, raw)
}

func (p *presence) Leave(_ context.Context) error {
	reg := p.channel.hub.registry(p.channel.name)
	if !reg.remove(p.channel.participant) {
		return nil
	}
	return p.publish(realtime.PresenceLeave, nil)
}

func (p *presence) Get(_ context.Context) ([]realtime.Member, error) {
	return p.channel.hub.registry(p.channel.name).snapshot(), nil
}

func (p *presence) Subscribe(kind realtime.PresenceEventKind, l realtime.PresenceListener) (realtime.Subscription, error) {
	return p.channel.subscribeTopic(presTopic(p.channel.name), func(payload []byte) {
		var ev realtime.PresenceEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			p.channel.hub.logger.Warn().Err(err).Str("channel", p.channel.name).Msg("dropping undecodable presence event")
			return
		}
		if ev.Kind == kind {
			l(ev)
		}
	})
}

func (p *presence) publish(kind realtime.PresenceEventKind, data json.RawMessage) error {
	return p.channel.hub.publishEvent(presTopic(p.channel.name), realtime.PresenceEvent{
		Kind:   kind,
		Member: realtime.Member{ParticipantID: p.channel.participant, Data: data},
	})
}

type registry struct {
	mu    sync.Mutex
	order []string
	data  map[string]json.RawMessage
}

func (r *registry) set(id string, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		r.order = append(r.order, id)
	}
	r.data[id] = data
}

func (r *registry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.data[id]
	return ok
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		return false
	}
	delete(r.data, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry) snapshot() []realtime.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.Member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, realtime.Member{ParticipantID: id, Data: r.data[id]})
	}
	return out
}
