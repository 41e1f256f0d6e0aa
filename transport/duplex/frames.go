package duplex

import (
	"encoding/json"
	"time"

	"github.com/toolgate-io/toolgate/stream"
)

// Frame types. Callers send call, ping, and stream_data; the server sends
// pong, progress, complete, and error. Every server frame that belongs to a
// call references its session identifier.
const (
	TypeCall       = "call"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeStreamData = "stream_data"
	TypeProgress   = string(stream.KindProgress)
	TypeComplete   = string(stream.KindComplete)
	TypeError      = string(stream.KindError)
)

type (
	// Frame is the duplex wire unit. Payload stays raw on the inbound side so
	// each frame type decodes its own shape.
	Frame struct {
		Type      string          `json:"type"`
		SessionID string          `json:"sessionId,omitempty"`
		Sequence  *uint64         `json:"sequence,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
	}

	// outFrame is the server-to-caller frame shape. Payload is marshaled
	// directly from in-memory values.
	outFrame struct {
		Type      string    `json:"type"`
		SessionID string    `json:"sessionId,omitempty"`
		Sequence  *uint64   `json:"sequence,omitempty"`
		Payload   any       `json:"payload,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	// errorPayload is the payload of a terminal error frame.
	errorPayload struct {
		Reason string `json:"reason"`
	}
)

// eventFrame converts one session event into its wire frame.
func eventFrame(wireID string, ev stream.Event) outFrame {
	f := outFrame{
		Type:      string(ev.Kind),
		SessionID: wireID,
		Sequence:  &ev.Sequence,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
	if ev.Kind == stream.KindError {
		f.Payload = errorPayload{Reason: ev.Reason}
	}
	return f
}
