// Package host implements the privileged host daemon's event router
// (spec.md C5): accepting container connections, running per-client
// filter rules, arbitrating cgroup device access, and fanning out
// kernel uevents to every ready client.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cdevfabric/cdevd/pkg/device"
	"github.com/cdevfabric/cdevd/pkg/protocol"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
)

// State is a Client's position in its handshake/ready/closing state
// machine (spec.md §4.5).
type State int

const (
	StateHandshake State = iota
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// workItem is one deferred outbound action on a client's work queue
// (spec.md §4.5).
type workItem struct {
	kind string // "SEND_UEVENT_RAW" or "HANDLE_UEVENT"

	buffer []byte

	d      *device.Device
	action string
	event  []byte
	source ruleset.Source
}

// Client is one connected container's server-side record (spec.md §3's
// "Client record (host)"): a monotonic id, the framed connection, a
// deferred-send work queue, its name, readiness, dry-run flag, and
// compiled ruleset.
type Client struct {
	ID   uint64
	Name string

	conn  *protocol.Conn
	state State

	Dry     bool
	RuleSet ruleset.RuleSet

	work chan workItem
	log  *slog.Logger

	handler *Router
}

const handshakeTimeout = 10 * time.Second

// newClient constructs a Client in StateHandshake, not yet named.
func newClient(id uint64, conn *protocol.Conn, r *Router, log *slog.Logger) *Client {
	return &Client{
		ID:    id,
		conn:  conn,
		state: StateHandshake,
		work:  make(chan workItem, 64),
		log:   log.With("client_id", id),
		handler: r,
	}
}

// runHandshake sends HELLO and waits up to handshakeTimeout for the
// client's "hello <name>" reply (spec.md §4.5).
func (c *Client) runHandshake(ctx context.Context) error {
	if err := c.conn.Send(protocol.Frame{Command: "HELLO", Type: protocol.TypePlain}); err != nil {
		return fmt.Errorf("host: send HELLO: %w", err)
	}

	type result struct {
		f   protocol.Frame
		err error
	}
	recvCh := make(chan result, 1)
	go func() {
		f, err := c.conn.Recv()
		recvCh <- result{f, err}
	}()

	select {
	case res := <-recvCh:
		if res.err != nil {
			return fmt.Errorf("host: handshake recv: %w", res.err)
		}
		name, dry, err := parseHello(res.f)
		if err != nil {
			_ = c.conn.Send(protocol.Frame{Command: "BYE", Data: []byte("bad handshake")})
			return err
		}
		c.Name = name
		c.Dry = dry
		c.state = StateReady
		return nil
	case <-time.After(handshakeTimeout):
		_ = c.conn.Send(protocol.Frame{Command: "BYE", Data: []byte("handshake timeout")})
		return fmt.Errorf("host: handshake timeout for client %d", c.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseHello accepts an initial "hello <name>" frame. runHandshake
// calls this against the single first frame only, so dry is always
// false here; a "dry_run" arriving as a second frame is handled by the
// normal Ready-loop dispatch once accepted.
func parseHello(f protocol.Frame) (name string, dry bool, err error) {
	if f.Command != "hello" {
		return "", false, fmt.Errorf("host: expected hello, got %q", f.Command)
	}
	name = strings.TrimSpace(string(f.Data))
	if name == "" {
		return "", false, fmt.Errorf("host: empty client name in hello")
	}
	return name, false, nil
}

// enqueue adds an item to the client's outbound work queue (spec.md
// §4.5's "work queue for deferred outbound events").
func (c *Client) enqueue(item workItem) {
	select {
	case c.work <- item:
	default:
		c.log.Warn("work queue full, dropping deferred item", "kind", item.kind)
	}
}
