//go:build linux

package netlink

import (
	"context"
	"errors"
	"syscall"
)

// Monitor drives a Socket's receive loop, delivering parsed Messages on
// a channel until ctx is cancelled. It is the kernel-group counterpart
// of the host router's netlink listener (spec.md §4.5) and the
// udev-group counterpart used by the container agent for local
// rebroadcast observation, if ever needed.
type Monitor struct {
	sock *Socket
}

// NewMonitor opens a socket bound to the given groups and wraps it.
func NewMonitor(groups uint32) (*Monitor, error) {
	sock, err := Open(groups)
	if err != nil {
		return nil, err
	}
	return &Monitor{sock: sock}, nil
}

// Close releases the underlying socket.
func (m *Monitor) Close() error {
	return m.sock.Close()
}

// Received pairs a parsed Message with the rebuildBloom flag Recv
// produced for it.
type Received struct {
	Msg          *Message
	RebuildBloom bool
}

// Run reads datagrams until ctx is done, sending each successfully
// parsed message to out. Malformed datagrams are skipped rather than
// terminating the loop -- a single corrupt uevent must not take down
// the listener. The socket is polled with a short read timeout so ctx
// cancellation is observed promptly instead of blocking forever in
// Recvfrom.
func (m *Monitor) Run(ctx context.Context, out chan<- Received) error {
	defer close(out)

	tv := syscall.Timeval{Sec: 1}
	if err := syscall.SetsockoptTimeval(m.sock.fd, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, rebuild, err := m.sock.Recv()
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}

		select {
		case out <- Received{Msg: msg, RebuildBloom: rebuild}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
