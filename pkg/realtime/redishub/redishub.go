// Package redishub is a realtime transport over Redis Streams: per-channel
// message and presence-event streams via watermill-redisstream, and a
// per-channel Redis hash as the presence registry. Each subscription gets its
// own consumer group created at the stream tail, so subscribers fan out
// without replaying history.
package redishub

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/realtime"
	"github.com/go-go-golems/cricket/pkg/realtime/wmlog"
)

// Settings holds the Redis Streams transport configuration.
type Settings struct {
	Addr          string `yaml:"addr"`
	Group         string `yaml:"group"`
	ParticipantID string `yaml:"participant_id"`
}

func (s Settings) withDefaults() Settings {
	if s.Addr == "" {
		s.Addr = "localhost:6379"
	}
	if s.Group == "" {
		s.Group = "cricket"
	}
	if s.ParticipantID == "" {
		s.ParticipantID = uuid.NewString()
	}
	return s
}

func msgStream(channel string) string  { return "cricket:msg:" + channel }
func presStream(channel string) string { return "cricket:presence:" + channel }
func membersKey(channel string) string { return "cricket:members:" + channel }

const opTimeout = 5 * time.Second

// Connect establishes the Redis session and builds the stream publisher.
// Failures surface as realtime.ErrConnection.
func Connect(ctx context.Context, s Settings) (realtime.Client, error) {
	s = s.withDefaults()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.WithMessagef(realtime.ErrConnection, "redis %s: %v", s.Addr, err)
	}

	logger := log.With().Str("component", "redishub").Str("addr", s.Addr).Logger()
	wmLogger := wmlog.New(logger)
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     rdb,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, wmLogger)
	if err != nil {
		_ = rdb.Close()
		return nil, errors.WithMessagef(realtime.ErrConnection, "redis publisher: %v", err)
	}

	return &client{
		rdb:      rdb,
		pub:      pub,
		settings: s,
		logger:   logger,
		wmLogger: wmLogger,
	}, nil
}

type client struct {
	rdb      *redis.Client
	pub      *rstream.Publisher
	settings Settings
	logger   zerolog.Logger
	wmLogger watermill.LoggerAdapter

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
		ch = &channel{client: c, name: name}
		ch.pres = &presence{channel: ch}
		c.channels[name] = ch
	}
	return ch, nil
}

func (c *client) Close() error {
	if err := c.pub.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("closing stream publisher failed")
	}
	return c.rdb.Close()
}

type channel struct {
	client *client
	name   string
	pres   *presence

	mu   sync.Mutex
	subs []*subscription
}

func (ch *channel) Name() string { return ch.name }

func (ch *channel) Subscribe(l realtime.MessageListener) (realtime.Subscription, error) {
	return ch.subscribeStream(msgStream(ch.name), func(payload []byte) {
		var m realtime.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			ch.client.logger.Warn().Err(err).Str("channel", ch.name).Msg("dropping undecodable message")
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
	b, err := json.Marshal(realtime.Message{Type: msgType, Payload: raw})
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	return ch.client.pub.Publish(msgStream(ch.name), watermillMessage(b))
}

func (ch *channel) Presence() realtime.Presence { return ch.pres }

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

// subscribeStream attaches a fresh consumer group at the stream tail. The
// group is destroyed again on unsubscribe so redis does not accumulate one
// group per past subscriber.
func (ch *channel) subscribeStream(stream string, handle func([]byte)) (realtime.Subscription, error) {
	c := ch.client
	group := c.settings.Group + ":" + uuid.NewString()[:8]

	setupCtx, setupCancel := context.WithTimeout(context.Background(), opTimeout)
	defer setupCancel()
	if err := ensureGroupAtTail(setupCtx, c.rdb, stream, group); err != nil {
		return nil, errors.Wrapf(err, "create group %s on %s", group, stream)
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        c.rdb,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      c.settings.ParticipantID,
	}, c.wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "build stream subscriber")
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	msgs, err := sub.Subscribe(readCtx, stream)
	if err != nil {
		readCancel()
		_ = sub.Close()
		return nil, errors.Wrapf(err, "subscribe %s", stream)
	}

	s := &subscription{
		cancel: func() {
			readCancel()
			if err := sub.Close(); err != nil {
				c.logger.Debug().Err(err).Str("stream", stream).Msg("subscriber close failed")
			}
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), opTimeout)
			defer cleanupCancel()
			if err := c.rdb.XGroupDestroy(cleanupCtx, stream, group).Err(); err != nil {
				c.logger.Debug().Err(err).Str("stream", stream).Str("group", group).Msg("group destroy failed")
			}
		},
	}
	ch.mu.Lock()
	ch.subs = append(ch.subs, s)
	ch.mu.Unlock()

	go func() {
		for msg := range msgs {
			handle(msg.Payload)
			msg.Ack()
		}
	}()
	return s, nil
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() { s.once.Do(s.cancel) }

type presence struct {
	channel *channel
}

func (p *presence) Enter(ctx context.Context, data any) error {
	raw, err := realtime.RawPayload(data)
	if err != nil {
		return err
	}
	c := p.channel.client
	if err := c.rdb.HSet(ctx, membersKey(p.channel.name), c.settings.ParticipantID, string(raw)).Err(); err != nil {
		return errors.Wrap(err, "presence enter")
	}
	return p.publish(realtime.PresenceEnter, raw)
}

func (p *presence) Update(ctx context.Context, data any) error {
	raw, err := realtime.RawPayload(data)
	if err != nil {
		return err
	}
	c := p.channel.client
	key := membersKey(p.channel.name)
	present, err := c.rdb.HExists(ctx, key, c.settings.ParticipantID).Result()
	if err != nil {
		return errors.Wrap(err, "presence update")
	}
	if !present {
		return errors.Errorf("participant %q is not present on %q", c.settings.ParticipantID, p.channel.name)
	}
	if err := c.rdb.HSet(ctx, key, c.settings.ParticipantID, string(raw)).Err(); err != nil {
		return errors.Wrap(err, "presence update")
	}
	return p.publish(realtime.PresenceUpdate, raw)
}

func (p *presence) Leave(ctx context.Context) error {
	c := p.channel.client
	removed, err := c.rdb.HDel(ctx, membersKey(p.channel.name), c.settings.ParticipantID).Result()
	if err != nil {
		return errors.Wrap(err, "presence leave")
	}
	if removed == 0 {
		return nil
	}
	return p.publish(realtime.PresenceLeave, nil)
}

func (p *presence) Get(ctx context.Context) ([]realtime.Member, error) {
	c := p.channel.client
	entries, err := c.rdb.HGetAll(ctx, membersKey(p.channel.name)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "presence get")
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	// hash iteration order is unstable; sort for a deterministic snapshot
	sort.Strings(ids)
	out := make([]realtime.Member, 0, len(ids))
	for _, id := range ids {
		var data json.RawMessage
		if v := entries[id]; v != "" {
			data = json.RawMessage(v)
		}
		out = append(out, realtime.Member{ParticipantID: id, Data: data})
	}
	return out, nil
}

func (p *presence) Subscribe(kind realtime.PresenceEventKind, l realtime.PresenceListener) (realtime.Subscription, error) {
	return p.channel.subscribeStream(presStream(p.channel.name), func(payload []byte) {
		var ev realtime.PresenceEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			p.channel.client.logger.Warn().Err(err).Str("channel", p.channel.name).Msg("dropping undecodable presence event")
			return
		}
		if ev.Kind == kind {
			l(ev)
		}
	})
}

func (p *presence) publish(kind realtime.PresenceEventKind, data json.RawMessage) error {
	c := p.channel.client
	b, err := json.Marshal(realtime.PresenceEvent{
		Kind:   kind,
		Member: realtime.Member{ParticipantID: c.settings.ParticipantID, Data: data},
	})
	if err != nil {
		return errors.Wrap(err, "marshal presence event")
	}
	return c.pub.Publish(presStream(p.channel.name), watermillMessage(b))
}

func watermillMessage(payload []byte) *message.Message {
	return message.NewMessage(watermill.NewUUID(), payload)
}

// ensureGroupAtTail creates the consumer group at $ so a fresh subscription
// never replays stream history. BUSYGROUP means it already exists.
func ensureGroupAtTail(ctx context.Context, rdb *redis.Client, stream, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
