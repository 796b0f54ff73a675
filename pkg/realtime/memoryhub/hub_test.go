package memoryhub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/cricket/pkg/realtime"
)

type recorder struct {
	mu       sync.Mutex
	messages []realtime.Message
	events   []realtime.PresenceEvent
}

func (r *recorder) onMessage(m realtime.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) onPresence(ev realtime.PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	hub := New()
	defer func() { _ = hub.Close() }()

	alice, err := hub.Connect("alice").Channel("room-1")
	require.NoError(t, err)
	bob, err := hub.Connect("bob").Channel("room-1")
	require.NoError(t, err)

	recA, recB := &recorder{}, &recorder{}
	subA, err := alice.Subscribe(recA.onMessage)
	require.NoError(t, err)
	defer subA.Unsubscribe()
	subB, err := bob.Subscribe(recB.onMessage)
	require.NoError(t, err)
	defer subB.Unsubscribe()

	require.NoError(t, alice.Publish(context.Background(), "chat", map[string]any{"text": "hi"}))

	require.Eventually(t, func() bool {
		return recA.messageCount() == 1 && recB.messageCount() == 1
	}, time.Second, 5*time.Millisecond)

	recB.mu.Lock()
	require.Equal(t, "chat", recB.messages[0].Type)
	require.JSONEq(t, `{"text":"hi"}`, string(recB.messages[0].Payload))
	recB.mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := New()
	defer func() { _ = hub.Close() }()

	ch, err := hub.Connect("alice").Channel("room-1")
	require.NoError(t, err)

	rec := &recorder{}
	sub, err := ch.Subscribe(rec.onMessage)
	require.NoError(t, err)

	require.NoError(t, ch.Publish(context.Background(), "chat", map[string]any{"n": 1}))
	require.Eventually(t, func() bool {
		return rec.messageCount() == 1
	}, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Publish(context.Background(), "chat", map[string]any{"n": 2}))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.messageCount())
}

func TestPresenceRegistryIsSharedAcrossClients(t *testing.T) {
	hub := New()
	defer func() { _ = hub.Close() }()

	alice, err := hub.Connect("alice").Channel("room-1")
	require.NoError(t, err)
	bob, err := hub.Connect("bob").Channel("room-1")
	require.NoError(t, err)

	rec := &recorder{}
	sub, err := bob.Presence().Subscribe(realtime.PresenceEnter, rec.onPresence)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, alice.Presence().Enter(context.Background(), map[string]any{"mood": "here"}))

	require.Eventually(t, func() bool {
		return rec.eventCount() == 1
	}, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	require.Equal(t, "alice", rec.events[0].Member.ParticipantID)
	rec.mu.Unlock()

	members, err := bob.Presence().Get(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "alice", members[0].ParticipantID)
	require.JSONEq(t, `{"mood":"here"}`, string(members[0].Data))

	require.NoError(t, alice.Presence().Leave(context.Background()))
	members, err = bob.Presence().Get(context.Background())
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestPresenceUpdateRequiresPriorEnter(t *testing.T) {
	hub := New()
	defer func() { _ = hub.Close() }()

	ch, err := hub.Connect("ghost").Channel("room-1")
	require.NoError(t, err)
	err = ch.Presence().Update(context.Background(), json.RawMessage(`{"mood":"spooky"}`))
	require.ErrorContains(t, err, "not present")
}

func TestPresenceSubscribeFiltersByKind(t *testing.T) {
	hub := New()
	defer func() { _ = hub.Close() }()

	alice, err := hub.Connect("alice").Channel("room-1")
	require.NoError(t, err)
	watcher, err := hub.Connect("watcher").Channel("room-1")
	require.NoError(t, err)

	leaves := &recorder{}
	sub, err := watcher.Presence().Subscribe(realtime.PresenceLeave, leaves.onPresence)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, alice.Presence().Enter(context.Background(), nil))
	require.NoError(t, alice.Presence().Update(context.Background(), json.RawMessage(`{"mood":"antsy"}`)))
	require.NoError(t, alice.Presence().Leave(context.Background()))

	require.Eventually(t, func() bool {
		return leaves.eventCount() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, leaves.eventCount())
}
