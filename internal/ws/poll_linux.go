//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller wraps Linux epoll for efficient WebSocket I/O multiplexing.
// Instead of a goroutine per connection, file descriptors are registered
// with the kernel and the event loop is woken only when data is ready.
type Poller struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // fd -> net.Conn mapping
	mu          sync.RWMutex      // protects connections map
	events      []unix.EpollEvent // reusable event buffer for Wait
}

// NewPoller creates an epoll instance via epoll_create1.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a network connection for read-readiness notifications. The
// underlying file descriptor joins the epoll interest list with EPOLLIN and
// EPOLLHUP events.
func (p *Poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.connections[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove unregisters a network connection from the poller.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.connections, fd)
	p.mu.Unlock()
	return nil
}

// Wait blocks until one or more registered connections are ready for
// reading. Connections removed between epoll_wait returning and the lookup
// are silently skipped.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, ok := p.connections[int(p.events[i].Fd)]
		if ok {
			conns = append(conns, conn)
		}
	}
	p.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connections = nil
	return unix.Close(p.fd)
}

// socketFD extracts the file descriptor from a net.Conn via the SyscallConn
// interface. This avoids duplicating the descriptor (as File() would),
// keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
