package presence

import "encoding/json"

// RoomName returns the transport room for a chat id.
func RoomName(chatID string) string {
	return "chat:" + chatID
}

// RoomEvent is the envelope published to the broker for room-scoped
// presence traffic. Data holds the already-encoded protocol message;
// Origin is the connection id the event must not be echoed back to (only
// meaningful on the instance that owns that connection).
type RoomEvent struct {
	Room   string          `json:"room"`
	Origin string          `json:"origin"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data"`
}
