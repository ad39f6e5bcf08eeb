// Package agent implements the per-container device agent (spec.md
// C6): the client-protocol peer that connects to the host router,
// evaluates container-local rules, materializes device nodes under
// the container's /dev, rebroadcasts events on the container's own
// udev netlink channel, and serves a udev-admin-compatible control
// socket.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cdevfabric/cdevd/internal/runtime"
	"github.com/cdevfabric/cdevd/pkg/device"
	"github.com/cdevfabric/cdevd/pkg/netlink"
	"github.com/cdevfabric/cdevd/pkg/protocol"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
)

// Config configures an Agent.
type Config struct {
	Name       string
	SocketPath string
	RulesDir   string
	DevRoot    string // overridable for tests; defaults to "/dev"

	Boot     bool
	BootOnly bool
	Shutdown bool
	Dry      bool

	Registry *device.Registry
	Compiler ruleset.Compiler
	Log      *slog.Logger

	// Rebroadcast is the netlink socket used to rebroadcast events on
	// the container's own udev multicast group. Nil disables
	// rebroadcast (used by tests).
	Rebroadcast *netlink.Socket
}

// Agent runs the container-side main loop.
type Agent struct {
	cfg  Config
	conn *protocol.Conn

	rules *ruleset.Multi

	shutdown *runtime.Shutdown
}

// Dial connects to the host's control socket.
func Dial(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent: Config.Name is required")
	}
	if cfg.DevRoot == "" {
		cfg.DevRoot = "/dev"
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = device.NewRegistry(&device.SysfsScraper{})
	}

	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("agent: dial %s: %w", cfg.SocketPath, err)
	}

	return &Agent{
		cfg:      cfg,
		conn:     protocol.NewConn(conn),
		shutdown: runtime.NewShutdown(),
	}, nil
}

const agentHandshakeTimeout = 10 * time.Second

// Start runs the startup sequence (spec.md §4.6 steps 1-5): await
// HELLO, send hello <name>, optionally dry_run, load rules, then
// boot/shutdown replay requests. The rebroadcast socket is opened by the
// caller and passed in through Config.Rebroadcast.
func (a *Agent) Start(ctx context.Context) error {
	type result struct {
		f   protocol.Frame
		err error
	}
	recvCh := make(chan result, 1)
	go func() {
		f, err := a.conn.Recv()
		recvCh <- result{f, err}
	}()

	select {
	case res := <-recvCh:
		if res.err != nil || res.f.Command != "HELLO" {
			_ = a.conn.Send(protocol.Frame{Command: "bye", Data: []byte("unexpected greeting")})
			return fmt.Errorf("agent: expected HELLO, got %+v (err=%v)", res.f, res.err)
		}
	case <-time.After(agentHandshakeTimeout):
		_ = a.conn.Send(protocol.Frame{Command: "bye"})
		return fmt.Errorf("agent: timed out waiting for HELLO")
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := a.conn.Send(protocol.Frame{Command: "hello", Data: []byte(a.cfg.Name)}); err != nil {
		return fmt.Errorf("agent: send hello: %w", err)
	}
	if a.cfg.Dry {
		if err := a.conn.Send(protocol.Frame{Command: "dry_run"}); err != nil {
			return fmt.Errorf("agent: send dry_run: %w", err)
		}
	}

	a.rules = a.loadRules()

	if a.cfg.Boot || a.cfg.BootOnly {
		if err := a.conn.Send(protocol.Frame{Command: "boot"}); err != nil {
			return fmt.Errorf("agent: send boot: %w", err)
		}
	}
	if a.cfg.Shutdown {
		if err := a.conn.Send(protocol.Frame{Command: "shutdown"}); err != nil {
			return fmt.Errorf("agent: send shutdown: %w", err)
		}
	}

	return nil
}

// loadRules parses every file in RulesDir in lexical order, logging
// and skipping any that fail to compile (spec.md §4.6 step 3).
func (a *Agent) loadRules() *ruleset.Multi {
	m := &ruleset.Multi{
		OnError: func(i int, err error) {
			a.cfg.Log.Warn("rule evaluation error", "index", i, "error", err)
		},
	}
	if a.cfg.Compiler == nil || a.cfg.RulesDir == "" {
		return m
	}

	entries, err := os.ReadDir(a.cfg.RulesDir)
	if err != nil {
		a.cfg.Log.Warn("failed to read rules_dir", "dir", a.cfg.RulesDir, "error", err)
		return m
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(a.cfg.RulesDir, name)
		rs, err := a.cfg.Compiler.Compile(path)
		if err != nil {
			a.cfg.Log.Warn("skipping rules file that failed to parse", "path", path, "error", err)
			continue
		}
		m.Sets = append(m.Sets, rs)
	}
	return m
}

// Run executes the main loop until the connection closes or the
// program is asked to shut down (spec.md §4.6 step 6).
func (a *Agent) Run(ctx context.Context) error {
	go func() {
		select {
		case <-a.shutdown.Done():
		case <-ctx.Done():
		}
		_ = a.conn.Close()
	}()
	for {
		select {
		case <-a.shutdown.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := a.conn.Recv()
		if err != nil {
			select {
			case <-a.shutdown.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("agent: connection lost: %w", err)
		}

		if a.dispatch(ctx, f) {
			return nil
		}
	}
}

// dispatch handles one server-originated command, returning true when
// the main loop should exit.
func (a *Agent) dispatch(ctx context.Context, f protocol.Frame) bool {
	switch f.Command {
	case "UEVENT":
		a.handleInboundUevent(ctx, f.Data)
		return false

	case "SYNC":
		a.handleSync(f.Data)
		return false

	case "BEGINCMD":
		return false

	case "ENDCMD":
		return a.cfg.BootOnly || a.cfg.Shutdown

	case "BYE":
		a.cfg.Log.Info("host said bye", "reason", string(f.Data))
		_ = a.conn.Send(protocol.Frame{Command: "bye"})
		return true

	case "ECHO":
		a.cfg.Log.Info("echo from host", "payload", string(f.Data))
		return false

	default:
		a.cfg.Log.Warn("unknown command from host", "command", f.Command)
		return false
	}
}

func (a *Agent) handleSync(data []byte) {
	parts := strings.SplitN(string(data), "\x00", 3)
	if len(parts) != 3 {
		a.cfg.Log.Warn("malformed SYNC payload")
		return
	}
	devpath, selStr := parts[0], parts[1]
	buf := []byte(parts[2])

	d, err := a.cfg.Registry.LookupOrCreate(devpath)
	if err != nil {
		a.cfg.Log.Warn("SYNC: failed to resolve device", "devpath", devpath, "error", err)
		return
	}
	_ = device.ParseSelector(selStr)
	if err := device.Deserialize(d, buf); err != nil {
		a.cfg.Log.Warn("SYNC: failed to deserialize", "devpath", devpath, "error", err)
	}
}

func (a *Agent) handleInboundUevent(ctx context.Context, raw []byte) {
	msg, _, err := netlink.Parse(raw)
	if err != nil {
		a.cfg.Log.Warn("failed to parse inbound UEVENT", "error", err)
		return
	}

	d, err := a.cfg.Registry.LookupOrCreate(msg.Devpath)
	if err != nil {
		a.cfg.Log.Warn("failed to resolve device for inbound UEVENT", "devpath", msg.Devpath, "error", err)
		return
	}
	for k, v := range msg.Properties {
		d.SetProperty(k, v)
	}

	rc := ruleset.NewContext(d, msg.Action, ruleset.SourceUdev)
	if a.rules != nil {
		_ = runtime.RunWithTimeout(ctx, runtime.RuleTimeout, func(tctx context.Context) error {
			return a.rules.Evaluate(tctx, rc)
		})
	}

	if !a.cfg.Dry {
		for modified := range rc.ModifiedDevices {
			_ = a.cfg.Registry.Flush(modified)
		}
	}

	a.materialize(d, msg.Action, rc)

	if a.cfg.Rebroadcast != nil {
		_ = a.cfg.Rebroadcast.Send(raw, netlink.GroupUdev)
	}
}
