// Package protocol defines the JSON frame types exchanged over the relay's
// persistent connections. Every frame is a single JSON object carrying a
// "type" discriminator; payload decoding is deferred until the type is known.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/kidtalk/chat-app/internal/store"
)

// Client -> Server frame types.
const (
	TypeAuth    = "auth"
	TypeMessage = "message"
)

// Server -> Client frame types. TypeMessage is shared: the server uses it to
// deliver a stored message to the receiver.
const (
	TypeStatus       = "status"
	TypeMessageSent  = "message_sent"
	TypeNotification = "notification"
	TypeError        = "error"
)

// Presence values carried by status frames.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// AuthFrame binds the connection to an account. It must be the first frame a
// client sends; everything else is ignored until authentication.
type AuthFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

// MessageFrame carries outbound message text from an authenticated client.
type MessageFrame struct {
	Type       string `json:"type"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// StatusFrame announces a friend going online or offline.
type StatusFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

// MessageDeliveryFrame carries a stored message to the receiver's live
// connection.
type MessageDeliveryFrame struct {
	Type    string         `json:"type"`
	Message *store.Message `json:"message"`
}

// MessageSentFrame acknowledges a send to its author with the authoritative
// persisted message (redacted content, real id, flags).
type MessageSentFrame struct {
	Type    string         `json:"type"`
	Message *store.Message `json:"message"`
}

// NotificationFrame pushes a freshly created notification to its owner.
type NotificationFrame struct {
	Type         string              `json:"type"`
	Notification *store.Notification `json:"notification"`
}

// ErrorFrame reports a request failure to the sender. The connection stays
// open.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientFrame parses raw WebSocket bytes into a typed client frame.
// It returns the frame type string, the decoded struct, and any error
// encountered. Server-only and unknown types are errors.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerFrame creates a JSON-encoded byte slice for a server frame with
// the given type injected under the "type" key.
func NewServerFrame(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = frameType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server frame: %w", err)
	}
	return out, nil
}
