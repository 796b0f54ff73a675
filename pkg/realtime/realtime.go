package realtime

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Message is one record delivered on a channel. Payload stays raw JSON so
// transports never reinterpret application data.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Member is one participant's current presence entry on a channel.
type Member struct {
	ParticipantID string          `json:"participantId"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// PresenceEventKind identifies a presence transition.
type PresenceEventKind string

const (
	PresenceEnter  PresenceEventKind = "enter"
	PresenceLeave  PresenceEventKind = "leave"
	PresenceUpdate PresenceEventKind = "update"
)

// PresenceEventKinds lists all transition kinds in registration order.
var PresenceEventKinds = []PresenceEventKind{PresenceEnter, PresenceLeave, PresenceUpdate}

// PresenceEvent is one presence transition observed on a channel.
type PresenceEvent struct {
	Kind   PresenceEventKind `json:"kind"`
	Member Member            `json:"member"`
}

type MessageListener func(Message)

type PresenceListener func(PresenceEvent)

// Subscription pairs one registration with its exactly-once deregistration.
// Unsubscribe is idempotent; calling it more than once is a no-op.
type Subscription interface {
	Unsubscribe()
}

// Client is a connected realtime session. It is externally owned and shared;
// channels obtained from it are owned by their acquirer.
type Client interface {
	Channel(name string) (Channel, error)
	Close() error
}

// Channel is a named publish/subscribe endpoint with a presence registry.
type Channel interface {
	Name() string
	Subscribe(l MessageListener) (Subscription, error)
	Publish(ctx context.Context, msgType string, payload any) error
	Presence() Presence
	Detach() error
}

// Presence is the per-channel registry of currently-joined participants.
// Get returns a full snapshot, never a delta.
type Presence interface {
	Enter(ctx context.Context, data any) error
	Update(ctx context.Context, data any) error
	Leave(ctx context.Context) error
	Get(ctx context.Context) ([]Member, error)
	Subscribe(kind PresenceEventKind, l PresenceListener) (Subscription, error)
}

// RawPayload normalizes an arbitrary payload value to raw JSON.
func RawPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "marshal payload")
		}
		return json.RawMessage(b), nil
	}
}
