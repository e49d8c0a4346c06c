// Package presence owns the real-time connection lifecycle: it binds
// authenticated sockets to sessions, evicts stale duplicates, schedules
// expiry warnings, and fans presence and typing events out to the chat
// rooms of the acting user.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jericirenej/svelte-chat-app-sub000/internal/auth"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/metrics"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/protocol"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/session"
)

// Transport is the realtime layer the coordinator drives. Implemented by
// ws.Server; tests substitute a fake.
type Transport interface {
	Send(connID string, data []byte) error
	EmitToRoom(room, exceptID string, data []byte)
	Join(connID, room string)
	Leave(connID, room string)
	Disconnect(connID string)
	IsLive(connID string) bool
}

// ChatDirectory resolves the chats a user participates in. Implemented by
// chatstore.Store.
type ChatDirectory interface {
	ChatIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Broker carries room events across server instances. Implemented by
// messaging.Client; nil disables cross-instance fan-out (single-instance
// deployments and tests).
type Broker interface {
	PublishPresence(chatID string, data []byte) error
	SubscribeRoom(chatID string, handler func(data []byte)) error
	UnsubscribeRoom(chatID string) error
}

// Identity describes the authenticated principal behind a connection,
// returned from Connect so the transport can label its connection record.
type Identity struct {
	SessionID string
	UserID    string
	Username  string
	ChatIDs   []string
}

// Disconnect reasons sent to a connection before it is force-closed.
const (
	ReasonDuplicate = "duplicate_connection"
	ReasonRotated   = "session_rotated"
	ReasonLoggedOut = "logged_out"
)

type connState struct {
	sessionID string
	userID    string
	username  string
	chatIDs   []string
	warnTimer *time.Timer
}

// Coordinator enforces the at-most-one-connection-per-session invariant
// and owns all presence side effects of connect and disconnect.
type Coordinator struct {
	transport Transport
	sessions  *session.Store
	authn     *auth.Authenticator
	chats     ChatDirectory
	broker    Broker
	warnLead  time.Duration

	mu        sync.Mutex
	conns     map[string]*connState // connID -> state
	bySession map[string]string     // sessionID -> local connID
	roomRefs  map[string]int        // room -> local member count
	typing    *typingRegistry
}

// NewCoordinator wires a Coordinator. warnLead is how long before session
// expiry the warning fires; broker may be nil.
func NewCoordinator(transport Transport, sessions *session.Store, authn *auth.Authenticator, chats ChatDirectory, broker Broker, warnLead time.Duration) *Coordinator {
	return &Coordinator{
		transport: transport,
		sessions:  sessions,
		authn:     authn,
		chats:     chats,
		broker:    broker,
		warnLead:  warnLead,
		conns:     make(map[string]*connState),
		bySession: make(map[string]string),
		roomRefs:  make(map[string]int),
		typing:    newTypingRegistry(),
	}
}

// Connect runs the full connect sequence for a freshly upgraded socket:
// authenticate, evict any duplicate connection for the session, record the
// binding, schedule the expiry warning, join chat rooms, and announce the
// user online. Any cache failure rejects the connection (fail closed).
func (c *Coordinator) Connect(ctx context.Context, connID, sessionID, csrfToken string) (*Identity, error) {
	user, err := c.authn.AuthenticateSocket(ctx, sessionID, csrfToken)
	if err != nil {
		return nil, err
	}

	// Evict a lingering previous connection for this session. The binding
	// may be stale (lazy cleanup after disconnect); only a connection the
	// transport still tracks is actually disconnected.
	prior, err := c.sessions.GetSocketSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("presence: socket lookup: %w", err)
	}
	if prior != "" && prior != connID && c.transport.IsLive(prior) {
		c.notifyReplaced(prior, ReasonDuplicate)
		c.transport.Disconnect(prior)
		metrics.DuplicateEvictions.Inc()
		log.Printf("presence: evicted duplicate conn=%s session=%s", prior, sessionID)
	}

	bound, err := c.sessions.SetSocketSession(ctx, sessionID, connID)
	if err != nil {
		return nil, fmt.Errorf("presence: socket bind: %w", err)
	}
	if bound == "" {
		// Session expired between authentication and binding.
		return nil, auth.ErrUnauthenticated
	}

	chatIDs, err := c.chats.ChatIDsForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("presence: chat memberships: %w", err)
	}

	state := &connState{
		sessionID: sessionID,
		userID:    user.ID,
		username:  user.Username,
		chatIDs:   chatIDs,
	}

	// The warning is advisory: failures to schedule are logged and never
	// block the connection (fail open).
	if ttl, err := c.sessions.SessionTTL(ctx, sessionID); err != nil {
		log.Printf("presence: expiry warning not scheduled for session=%s: %v", sessionID, err)
	} else {
		state.warnTimer = c.scheduleWarning(connID, ttl)
	}

	c.mu.Lock()
	c.conns[connID] = state
	c.bySession[sessionID] = connID
	c.mu.Unlock()

	for _, chatID := range chatIDs {
		c.joinRoom(connID, chatID)
	}

	if ack, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ChatIDs: chatIDs,
	}); err == nil {
		_ = c.transport.Send(connID, ack)
	}

	c.broadcastPresence(connID, state, protocol.PresenceOnline)

	return &Identity{
		SessionID: sessionID,
		UserID:    user.ID,
		Username:  user.Username,
		ChatIDs:   chatIDs,
	}, nil
}

// HandleDisconnect runs the disconnect sequence for a connection the
// transport has dropped: cancel the expiry warning, clear typing state,
// announce offline, release rooms. The socket binding in the cache is left
// for the next connect to evict, which tolerates out-of-order
// disconnect/reconnect races.
func (c *Coordinator) HandleDisconnect(connID string) {
	c.mu.Lock()
	state, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.conns, connID)
	if c.bySession[state.sessionID] == connID {
		delete(c.bySession, state.sessionID)
	}
	c.mu.Unlock()

	if state.warnTimer != nil {
		state.warnTimer.Stop()
	}

	rooms := make([]string, 0, len(state.chatIDs))
	for _, chatID := range state.chatIDs {
		rooms = append(rooms, RoomName(chatID))
	}
	for _, room := range c.typing.RemoveFromRooms(state.userID, rooms) {
		c.emitTypingLabel(connID, room)
	}

	c.broadcastPresence(connID, state, protocol.PresenceOffline)

	for _, chatID := range state.chatIDs {
		c.leaveRoom(connID, chatID)
	}
}

// DisconnectSession force-closes the local connection bound to sessionID,
// if any, after telling it why. Used by rotation and logout. Returns
// whether a connection was dropped.
func (c *Coordinator) DisconnectSession(sessionID, reason string) bool {
	c.mu.Lock()
	connID, ok := c.bySession[sessionID]
	c.mu.Unlock()
	if !ok || !c.transport.IsLive(connID) {
		return false
	}

	c.notifyReplaced(connID, reason)
	c.transport.Disconnect(connID)
	return true
}

// TypingStart marks the connection's user as typing in the chat and
// rebroadcasts the room's typing label.
func (c *Coordinator) TypingStart(connID, chatID string) {
	state := c.stateFor(connID)
	if state == nil || !state.inChat(chatID) {
		return
	}
	room := RoomName(chatID)
	if c.typing.Add(room, state.userID, state.username) {
		c.emitTypingLabel(connID, room)
	}
}

// TypingStop clears the typing mark and rebroadcasts the label. An empty
// label is still broadcast so peers clear their indicator.
func (c *Coordinator) TypingStop(connID, chatID string) {
	state := c.stateFor(connID)
	if state == nil || !state.inChat(chatID) {
		return
	}
	room := RoomName(chatID)
	if c.typing.Remove(room, state.userID) {
		c.emitTypingLabel(connID, room)
	}
}

// HandleRoomEvent delivers a broker event to local room members. The
// origin connection is excluded; on every instance but the origin's it is
// simply not present.
func (c *Coordinator) HandleRoomEvent(data []byte) {
	var ev RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("presence: bad room event: %v", err)
		return
	}
	c.transport.EmitToRoom(ev.Room, ev.Origin, ev.Data)
}

func (s *connState) inChat(chatID string) bool {
	for _, id := range s.chatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func (c *Coordinator) stateFor(connID string) *connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[connID]
}

// scheduleWarning arms the one-shot expiry warning at ttl - warnLead. A
// session already inside the warning window is warned immediately.
func (c *Coordinator) scheduleWarning(connID string, ttl time.Duration) *time.Timer {
	delay := ttl - c.warnLead
	if delay < 0 {
		delay = 0
	}
	return time.AfterFunc(delay, func() {
		remaining := int(c.warnLead.Seconds())
		data, err := protocol.NewServerMessage(protocol.TypeExpiryWarning, protocol.ExpiryWarningMsg{
			ExpiresIn: remaining,
		})
		if err != nil {
			return
		}
		// A warning racing a disconnect is a harmless no-op.
		if err := c.transport.Send(connID, data); err == nil {
			metrics.ExpiryWarnings.Inc()
			metrics.PresenceEvents.WithLabelValues("expiry_warning").Inc()
		}
	})
}

func (c *Coordinator) notifyReplaced(connID, reason string) {
	if data, err := protocol.NewServerMessage(protocol.TypeSessionReplaced, protocol.SessionReplacedMsg{
		Reason: reason,
	}); err == nil {
		_ = c.transport.Send(connID, data)
	}
}

func (c *Coordinator) broadcastPresence(connID string, state *connState, kind string) {
	for _, chatID := range state.chatIDs {
		data, err := protocol.NewServerMessage(protocol.TypePresence, protocol.PresenceMsg{
			Kind:     kind,
			ChatID:   chatID,
			UserID:   state.userID,
			Username: state.username,
		})
		if err != nil {
			continue
		}
		c.emitToRoom(RoomName(chatID), connID, kind, data)
	}
	metrics.PresenceEvents.WithLabelValues(kind).Inc()
}

func (c *Coordinator) emitTypingLabel(originConn, room string) {
	// chatID is the room name minus the prefix; RoomName is the inverse.
	chatID := room[len("chat:"):]
	label, _ := Label(c.typing.Names(room))
	data, err := protocol.NewServerMessage(protocol.TypeTypingLabel, protocol.TypingLabelMsg{
		ChatID: chatID,
		Label:  label,
	})
	if err != nil {
		return
	}
	c.emitToRoom(room, originConn, "typing", data)
	metrics.PresenceEvents.WithLabelValues("typing").Inc()
}

// emitToRoom routes a room event through the broker when one is attached,
// so every instance (this one included) delivers it to its local members;
// without a broker it emits locally.
func (c *Coordinator) emitToRoom(room, originConn, kind string, data []byte) {
	if c.broker == nil {
		c.transport.EmitToRoom(room, originConn, data)
		return
	}

	ev, err := json.Marshal(RoomEvent{Room: room, Origin: originConn, Kind: kind, Data: data})
	if err != nil {
		c.transport.EmitToRoom(room, originConn, data)
		return
	}
	chatID := room[len("chat:"):]
	if err := c.broker.PublishPresence(chatID, ev); err != nil {
		log.Printf("presence: broker publish room=%s: %v (delivering locally)", room, err)
		c.transport.EmitToRoom(room, originConn, data)
	}
}

func (c *Coordinator) joinRoom(connID, chatID string) {
	room := RoomName(chatID)
	c.transport.Join(connID, room)

	if c.broker == nil {
		return
	}
	c.mu.Lock()
	c.roomRefs[room]++
	first := c.roomRefs[room] == 1
	c.mu.Unlock()

	if first {
		if err := c.broker.SubscribeRoom(chatID, c.HandleRoomEvent); err != nil {
			log.Printf("presence: subscribe room=%s: %v", room, err)
		}
	}
}

func (c *Coordinator) leaveRoom(connID, chatID string) {
	room := RoomName(chatID)
	c.transport.Leave(connID, room)

	if c.broker == nil {
		return
	}
	c.mu.Lock()
	c.roomRefs[room]--
	last := c.roomRefs[room] <= 0
	if last {
		delete(c.roomRefs, room)
	}
	c.mu.Unlock()

	if last {
		if err := c.broker.UnsubscribeRoom(chatID); err != nil {
			log.Printf("presence: unsubscribe room=%s: %v", room, err)
		}
	}
}
