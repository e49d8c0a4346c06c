package ws

import (
	"log"
	"time"

	"github.com/jericirenej/svelte-chat-app-sub000/internal/protocol"
)

// MessageHandler is the callback signature for a parsed client message. The
// msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g. protocol.TypingStartMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered
// handlers by message type. The built-in ping/pong keepalive is handled
// internally; malformed or unsupported messages produce structured error
// responses.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a handler with a message type, silently replacing any
// previous handler for that type.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback. It parses raw bytes into a
// typed message, answers pings directly, and routes everything else to the
// registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong conn=%s: %v", conn.ID, err)
	}
}
