// Package protocol defines the WebSocket message types exchanged between
// the chat client and server. All messages are serialized as JSON with a
// "type" discriminator field.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server message types.
const (
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected       = "connected"
	TypePresence        = "presence"
	TypeTypingLabel     = "typing_label"
	TypeExpiryWarning   = "expiry_warning"
	TypeSessionReplaced = "session_replaced"
	TypeError           = "error"
	TypePong            = "pong"
)

// Presence kinds carried by PresenceMsg.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Envelope holds the message type and raw JSON payload for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later into the appropriate struct.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// TypingStartMsg signals that the user began typing in a chat.
type TypingStartMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// TypingStopMsg signals that the user stopped typing in a chat.
type TypingStopMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg acknowledges a successfully authenticated connection and
// lists the chat rooms the connection was joined to.
type ConnectedMsg struct {
	Type    string   `json:"type"`
	ChatIDs []string `json:"chat_ids"`
}

// PresenceMsg announces that a chat participant came online or went
// offline.
type PresenceMsg struct {
	Type     string `json:"type"`
	Kind     string `json:"kind"` // "online" | "offline"
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// TypingLabelMsg carries the recomputed typing display label for a chat. An
// empty label clears the indicator.
type TypingLabelMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Label  string `json:"label"`
}

// ExpiryWarningMsg warns the client that its session is about to expire.
type ExpiryWarningMsg struct {
	Type      string `json:"type"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

// SessionReplacedMsg tells a connection it is being closed because its
// session reconnected elsewhere or was rotated.
type SessionReplacedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"` // "duplicate_connection" | "session_rotated"
}

// ErrorMsg communicates an error condition to the client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message. It returns the message type, the decoded struct, and any parse
// error. Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates the JSON bytes for a server message, injecting
// msgType under the "type" key of the marshalled payload.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
