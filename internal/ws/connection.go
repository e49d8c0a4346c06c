package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket connection. The
// connection id is its own UUID, distinct from the session id it is bound
// to; a session may outlive many connections.
type Connection struct {
	ID        string    // connection id (UUID)
	SessionID string    // session this connection authenticated under
	UserID    string    // authenticated user id
	Username  string    // display username for presence events
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for poller lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last activity observed from the client

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read
}

// WriteMessage sends a WebSocket text frame. The write mutex ensures
// concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections with O(1)
// lookup by connection id and file descriptor, plus chat-room membership
// used to target presence broadcasts.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byFd   map[int]*Connection
	rooms  map[string]map[string]*Connection // room -> connID -> conn
	joined map[string]map[string]struct{}    // connID -> room set
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		rooms:  make(map[string]map[string]*Connection),
		joined: make(map[string]map[string]struct{}),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id, leaves all of its rooms, and closes
// the underlying network connection. Returns true if the connection was
// found, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		cm.leaveAllLocked(id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections, safe to iterate
// without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Join adds the connection to a room. Joining a room twice is a no-op.
func (cm *ConnectionManager) Join(connID, room string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[connID]
	if !ok {
		return
	}
	if cm.rooms[room] == nil {
		cm.rooms[room] = make(map[string]*Connection)
	}
	cm.rooms[room][connID] = conn
	if cm.joined[connID] == nil {
		cm.joined[connID] = make(map[string]struct{})
	}
	cm.joined[connID][room] = struct{}{}
}

// Leave removes the connection from a room.
func (cm *ConnectionManager) Leave(connID, room string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.leaveRoomLocked(connID, room)
}

// RoomsOf returns the rooms the connection has joined.
func (cm *ConnectionManager) RoomsOf(connID string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	set := cm.joined[connID]
	rooms := make([]string, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
	}
	return rooms
}

// RoomMembers returns a snapshot of the connections in a room.
func (cm *ConnectionManager) RoomMembers(room string) []*Connection {
	cm.mu.RLock()
	members := make([]*Connection, 0, len(cm.rooms[room]))
	for _, conn := range cm.rooms[room] {
		members = append(members, conn)
	}
	cm.mu.RUnlock()
	return members
}

// RoomCount returns the number of rooms with at least one member.
func (cm *ConnectionManager) RoomCount() int {
	cm.mu.RLock()
	n := len(cm.rooms)
	cm.mu.RUnlock()
	return n
}

// EmitToRoom sends data to every member of a room except the connection
// identified by exceptID (pass "" to include everyone). Errors on
// individual connections are ignored; dead connections are reaped by the
// poller or heartbeat.
func (cm *ConnectionManager) EmitToRoom(room, exceptID string, data []byte) {
	for _, conn := range cm.RoomMembers(room) {
		if conn.ID == exceptID {
			continue
		}
		_ = conn.WriteMessage(data)
	}
}

func (cm *ConnectionManager) leaveAllLocked(connID string) {
	for room := range cm.joined[connID] {
		cm.leaveRoomLocked(connID, room)
	}
}

func (cm *ConnectionManager) leaveRoomLocked(connID, room string) {
	if members, ok := cm.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(cm.rooms, room)
		}
	}
	if set, ok := cm.joined[connID]; ok {
		delete(set, room)
		if len(set) == 0 {
			delete(cm.joined, connID)
		}
	}
}
