package gateway

import (
	"encoding/json"

	"github.com/go-go-golems/cricket/pkg/realtime"
)

const (
	frameMessage  = "message"
	framePresence = "presence"
	frameError    = "error"

	actionPublish  = "publish"
	actionPresence = "presence"
)

// serverFrame is one gateway-to-client event.
type serverFrame struct {
	Type    string            `json:"type"`
	Message *realtime.Message `json:"message,omitempty"`
	Members []realtime.Member `json:"members,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// clientFrame is one client-to-gateway command.
type clientFrame struct {
	Action  string          `json:"action"`
	MsgType string          `json:"msgType,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
