package stream

import (
	"net"
	"sync"
	"time"
)

// Conn adapts a Stream to net.Conn so TLS (or anything else expecting a
// socket) can run on top of it.
type Conn struct {
	stream *Stream

	mu            sync.RWMutex
	readDeadline  time.Time
	writeDeadline time.Time
}

// NewConn wraps the stream in a net.Conn.
func NewConn(s *Stream) *Conn {
	return &Conn{stream: s}
}

func (c *Conn) Read(p []byte) (int, error) {
	c.mu.RLock()
	deadline := c.readDeadline
	c.mu.RUnlock()
	return c.stream.read(p, deadline)
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.RLock()
	deadline := c.writeDeadline
	c.mu.RUnlock()
	return c.stream.write(p, deadline)
}

func (c *Conn) Close() error {
	return c.stream.Close()
}

// LocalAddr returns a placeholder; a tunneled stream has no socket address.
func (c *Conn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (c *Conn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}
