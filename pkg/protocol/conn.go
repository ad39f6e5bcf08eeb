package protocol

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Conn wraps a stream connection with framed Send/Recv, serializing
// writers so concurrent senders on one logical connection (the host's
// inbound handler and its outbound work-queue drain, for instance)
// never interleave a partial frame onto the wire.
type Conn struct {
	rw net.Conn
	r  *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps an established stream connection.
func NewConn(rw net.Conn) *Conn {
	return &Conn{rw: rw, r: bufio.NewReader(rw)}
}

// Recv blocks for the next complete frame. FIFO is guaranteed by the
// underlying stream socket itself: reads consume bytes in the order
// the peer wrote them (spec.md §8.3).
func (c *Conn) Recv() (Frame, error) {
	return ReadFrame(c.r)
}

// Send writes one frame, atomically with respect to other Send calls
// on this Conn.
func (c *Conn) Send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.rw, f)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.rw.Close()
}

// LocalAddr and RemoteAddr expose the underlying socket's endpoints,
// used for logging in internal/host and internal/agent.
func (c *Conn) LocalAddr() net.Addr  { return c.rw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.rw.RemoteAddr() }

var _ io.Closer = (*Conn)(nil)
