// Package ws provides the WebSocket transport for the chat server: HTTP
// upgrade on a fixed path, connection registry with room membership, a
// poller-driven read loop, and heartbeat-based dead-connection eviction.
// Authentication decisions belong to the connect callback, not this
// package.
package ws

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/jericirenej/svelte-chat-app-sub000/internal/auth"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/csrf"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/metrics"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	SocketPath     string        // fixed upgrade path, e.g. "/socket"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:     "/socket",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// ConnectFunc authorizes and registers a freshly upgraded connection. The
// session id and CSRF token are taken from the handshake request; a non-nil
// error rejects the connection, which is then closed after an error frame.
type ConnectFunc func(ctx context.Context, conn *Connection, sessionID, csrfToken string) error

// Server is the WebSocket server built on gobwas/ws and the platform
// poller. It upgrades HTTP connections arriving on the configured path,
// hands them to the connect callback for authentication, and dispatches
// readable connections to a bounded worker pool.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onConnect    ConnectFunc
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. The message callback is invoked from a worker
// goroutine whenever a complete text frame arrives from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers the handshake callback. It must be set before the
// upgrade handler is mounted; connections are rejected while it is nil.
func (s *Server) SetOnConnect(fn ConnectFunc) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked after a connection has been
// removed (read error, heartbeat timeout, eviction, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetOnMessage registers the message callback. Supports wiring the server
// before the dispatcher that consumes it exists.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// Start initializes the poller, the event loop, and the heartbeat monitor.
// It does not listen on its own: the upgrade handler is mounted on the
// caller's HTTP mux so socket traffic shares the port with regular routes.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: transport ready path=%s (workers=%d, max_conns=%d)",
		s.config.SocketPath, s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// HandleUpgrade upgrades an HTTP request into an authenticated WebSocket
// connection. The session cookie and CSRF header are captured from the
// handshake request before the protocol switch and passed to the connect
// callback; a rejected connection receives an error frame and is closed.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// Credentials live on the handshake request only; after UpgradeHTTP the
	// request is gone.
	sessionID := auth.SessionIDFromRequest(r)
	csrfToken := r.Header.Get(csrf.Header)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	// Register before the connect callback runs: the callback needs the
	// registry to deliver the connected ack and to evict a duplicate.
	s.conns.Add(c)

	if s.onConnect == nil {
		s.reject(c, "unavailable", "server not accepting connections")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.onConnect(ctx, c, sessionID, csrfToken); err != nil {
		log.Printf("ws: connection rejected conn=%s: %v", c.ID, err)
		s.reject(c, "unauthenticated", "authentication failed")
		return
	}

	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	metrics.ConnectionsActive.Set(float64(s.conns.Count()))
	log.Printf("ws: new connection conn=%s session=%s fd=%d (total=%d)",
		c.ID, c.SessionID, c.Fd, s.conns.Count())
}

// reject sends an error frame and tears the connection down without
// invoking the disconnect callback (the connection never went live).
func (s *Server) reject(c *Connection, code, message string) {
	if data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	}); err == nil {
		_ = c.WriteMessage(data)
	}
	s.conns.Remove(c.ID)
}

// startEventLoop runs the poller wait loop, dispatching each ready
// connection to a worker goroutine bounded by the pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a
// data frame that may never arrive. Read failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale poller
		// dispatch); the heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from the poller and the registry
// and closes the socket. Exported so the heartbeat monitor and the presence
// layer can evict connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Only proceed if the connection was actually registered; prevents
	// double cleanup when read error and heartbeat race to remove it.
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	metrics.ConnectionsActive.Set(float64(s.conns.Count()))
	metrics.RoomsActive.Set(float64(s.conns.RoomCount()))
	log.Printf("ws: connection closed conn=%s session=%s (total=%d)",
		c.ID, c.SessionID, s.conns.Count())
}

// Send writes a text frame to the connection identified by connID.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Join adds the connection to a chat room.
func (s *Server) Join(connID, room string) {
	s.conns.Join(connID, room)
	metrics.RoomsActive.Set(float64(s.conns.RoomCount()))
}

// Leave removes the connection from a chat room.
func (s *Server) Leave(connID, room string) {
	s.conns.Leave(connID, room)
	metrics.RoomsActive.Set(float64(s.conns.RoomCount()))
}

// EmitToRoom sends data to every local member of a room except exceptID.
func (s *Server) EmitToRoom(room, exceptID string, data []byte) {
	s.conns.EmitToRoom(room, exceptID, data)
}

// IsLive reports whether connID is a registered live connection.
func (s *Server) IsLive(connID string) bool {
	return s.conns.Get(connID) != nil
}

// Disconnect force-closes the identified connection, running the normal
// disconnect path. Unknown ids are a no-op.
func (s *Server) Disconnect(connID string) {
	if c := s.conns.Get(connID); c != nil {
		s.RemoveConnection(c)
	}
}

// Connections returns the ConnectionManager for the heartbeat monitor and
// tests.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime returns how long the transport has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Shutdown stops the event loop and closes all active connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down transport...")

	close(s.done)

	for _, c := range s.conns.All() {
		_ = s.poller.Remove(c.Conn)
		s.conns.Remove(c.ID)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: transport stopped, all connections closed")
	return nil
}

// isEINTR checks for the interrupted-syscall error, which is expected
// during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
