package host

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cdevfabric/cdevd/internal/metrics"
	"github.com/cdevfabric/cdevd/internal/runtime"
	"github.com/cdevfabric/cdevd/pkg/cgroup"
	"github.com/cdevfabric/cdevd/pkg/device"
	"github.com/cdevfabric/cdevd/pkg/netlink"
	"github.com/cdevfabric/cdevd/pkg/protocol"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
)

// Config configures a Router.
type Config struct {
	SocketPath       string
	ContainerRulesDir string
	Registry          *device.Registry
	Cgroups           cgroup.Manager
	Compiler          ruleset.Compiler
	Shutdown          *runtime.Shutdown
	Log               *slog.Logger

	// UpstreamGroup is the netlink group the router listens on for
	// live events: GroupKernel or GroupUdev (spec.md §6: --kernel-events).
	UpstreamGroup netlink.Group
}

// Router is the host daemon's event router (spec.md C5).
type Router struct {
	cfg Config

	listener net.Listener

	mu      sync.Mutex
	clients map[uint64]*Client
	nextID  uint64

	upstream *netlink.Socket
}

// NewRouter validates cfg and constructs a Router, not yet listening.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("host: Config.Registry is required")
	}
	if cfg.Shutdown == nil {
		cfg.Shutdown = runtime.NewShutdown()
	}
	return &Router{cfg: cfg, clients: make(map[uint64]*Client)}, nil
}

// Listen binds the control Unix socket at cfg.SocketPath, removing a
// stale socket file first.
func (r *Router) Listen() error {
	_ = os.Remove(r.cfg.SocketPath)
	l, err := net.Listen("unix", r.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("host: listen on %s: %w", r.cfg.SocketPath, err)
	}
	r.listener = l
	return nil
}

// SetListener injects an already-bound listener, used for systemd
// socket activation (spec.md §6: --systemd).
func (r *Router) SetListener(l net.Listener) {
	r.listener = l
}

// OpenUpstream opens the netlink socket the router listens to for live
// events, on cfg.UpstreamGroup (spec.md §6: --kernel-events selects the
// kernel channel instead of the default udev channel).
func (r *Router) OpenUpstream() error {
	group := r.cfg.UpstreamGroup
	if group == 0 {
		group = netlink.GroupUdev
	}
	sock, err := netlink.Open(uint32(group))
	if err != nil {
		return fmt.Errorf("host: open netlink upstream: %w", err)
	}
	r.upstream = sock
	return nil
}

// Serve runs the accept loop and the netlink listener loop until
// cfg.Shutdown completes, then closes the listener and the upstream
// netlink socket, waits for the accept and netlink loops to return, and
// unlinks the socket file (spec.md §4.7). It does not wait for the
// per-client goroutines started by the accept loop.
func (r *Router) Serve(ctx context.Context) error {
	if r.listener == nil {
		return fmt.Errorf("host: Serve called before Listen/SetListener")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.acceptLoop(ctx)
	}()

	if r.upstream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.netlinkLoop(ctx)
		}()
	}

	<-r.cfg.Shutdown.Done()
	r.cfg.Log.Info("shutting down host router", "reason", r.cfg.Shutdown.Reason())

	_ = r.listener.Close()
	if r.upstream != nil {
		_ = r.upstream.Close()
	}

	wg.Wait()

	if u, ok := r.listener.Addr().(*net.UnixAddr); ok && u.Name != "" {
		_ = os.Remove(u.Name)
	}

	return nil
}

func (r *Router) acceptLoop(ctx context.Context) {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.cfg.Shutdown.Done():
				return
			default:
			}
			r.cfg.Log.Warn("accept failed", "error", err)
			return
		}

		id := atomic.AddUint64(&r.nextID, 1)
		client := newClient(id, protocol.NewConn(conn), r, r.cfg.Log)

		r.mu.Lock()
		r.clients[id] = client
		r.mu.Unlock()
		metrics.ClientsConnected.Inc()

		go r.runClient(ctx, client)
	}
}

// runClient drives one client through handshake and the ready loop,
// removing it from the client list on exit regardless of cause
// (spec.md §4.5, §8.6: failing one client never affects another).
func (r *Router) runClient(ctx context.Context, c *Client) {
	defer func() {
		r.mu.Lock()
		delete(r.clients, c.ID)
		r.mu.Unlock()
		metrics.ClientsConnected.Dec()
		_ = c.conn.Close()
	}()

	if err := c.runHandshake(ctx); err != nil {
		c.log.Info("handshake failed", "error", err)
		return
	}

	c.RuleSet = r.loadRuleSetFor(c.Name)
	c.log.Info("client ready", "name", c.Name)

	r.readyLoop(ctx, c)
}

func (r *Router) loadRuleSetFor(name string) ruleset.RuleSet {
	if r.cfg.Compiler == nil {
		return ruleset.Default
	}
	path := r.cfg.ContainerRulesDir + "/" + name + ".rules"
	rs, err := r.cfg.Compiler.Compile(path)
	if err == nil {
		return rs
	}
	lower := r.cfg.ContainerRulesDir + "/" + strings.ToLower(name) + ".rules"
	if lower != path {
		if rs, err2 := r.cfg.Compiler.Compile(lower); err2 == nil {
			return rs
		}
	}
	r.cfg.Log.Warn("no ruleset for client, using default forwarding", "name", name, "error", err)
	return ruleset.Default
}

// readyLoop concurrently awaits the next inbound frame, the next
// work-queue item, and program shutdown (spec.md §4.5).
func (r *Router) readyLoop(ctx context.Context, c *Client) {
	type inbound struct {
		f   protocol.Frame
		err error
	}
	recvCh := make(chan inbound, 1)
	armRecv := func() {
		go func() {
			f, err := c.conn.Recv()
			recvCh <- inbound{f, err}
		}()
	}
	armRecv()

	for {
		select {
		case <-r.cfg.Shutdown.Done():
			_ = c.conn.Send(protocol.Frame{Command: "BYE", Data: []byte(r.cfg.Shutdown.Reason())})
			return

		case in := <-recvCh:
			if in.err != nil {
				c.log.Info("client connection closed", "error", in.err)
				return
			}
			if r.dispatch(ctx, c, in.f) {
				return
			}
			armRecv()

		case item := <-c.work:
			r.runWorkItem(ctx, c, item)
		}
	}
}

func (r *Router) runWorkItem(ctx context.Context, c *Client, item workItem) {
	switch item.kind {
	case "SEND_UEVENT_RAW":
		_ = c.conn.Send(protocol.Frame{Command: "UEVENT", Data: item.buffer})
	case "HANDLE_UEVENT":
		r.handleUevent(ctx, c, item.d, item.action, item.event, item.source)
	}
}

// dispatch handles one inbound command, returning true if the client
// should be torn down (spec.md §4.5).
func (r *Router) dispatch(ctx context.Context, c *Client, f protocol.Frame) bool {
	switch f.Command {
	case "bye":
		c.log.Info("client said bye", "reason", string(f.Data))
		_ = c.conn.Send(protocol.Frame{Command: "BYE", Data: []byte("ACK")})
		return true

	case "boot", "shutdown":
		r.handleBulkReplay(ctx, c, f.Command)
		return false

	case "dry_run":
		c.Dry = true
		return false

	case "echo":
		_ = c.conn.Send(protocol.Frame{Command: "ECHO", Data: f.Data})
		return false

	case "status":
		_ = c.conn.Send(protocol.Frame{Command: "STATUS_REPLY", Data: r.statusReport(c.ID)})
		return false

	default:
		c.log.Warn("unknown command from client", "command", f.Command)
		return false
	}
}
