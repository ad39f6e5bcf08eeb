// Command cdev-agent is the per-container device agent (spec.md C6):
// it connects to the host daemon's control socket, evaluates
// container-local rules against forwarded events, materializes device
// nodes under the container's /dev, rebroadcasts events on the
// container's own udev netlink channel, and serves a udev-admin-
// compatible control socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cdevfabric/cdevd/internal/agent"
	"github.com/cdevfabric/cdevd/internal/config"
	"github.com/cdevfabric/cdevd/internal/logging"
	"github.com/cdevfabric/cdevd/internal/runtime"
	"github.com/cdevfabric/cdevd/internal/systemd"
	"github.com/cdevfabric/cdevd/pkg/netlink"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
	"github.com/cdevfabric/cdevd/pkg/udevctrl"
)

// Options is cdev-agent's flat CLI/TOML/env-configurable option set
// (spec.md §6 "CLI surface (container agent)").
type Options struct {
	Config string `help:"path to TOML config file"`

	Name              string `toml:"agent.name" env:"NAME"`
	Boot              bool   `toml:"agent.boot" env:"BOOT"`
	BootOnly          bool   `toml:"agent.boot_only" env:"BOOT_ONLY"`
	Shutdown          bool   `toml:"agent.shutdown" env:"SHUTDOWN"`
	SocketPath        string `toml:"agent.socket_path" env:"SOCKET_PATH"`
	RulesDir          string `toml:"agent.rules_dir" env:"RULES_DIR"`
	Systemd           bool   `toml:"agent.systemd" env:"SYSTEMD"`
	Dry               bool   `toml:"agent.dry" env:"DRY"`
	UdevControlSocket string `toml:"agent.udev_control_socket" env:"UDEV_CONTROL_SOCKET"`
	MetricsAddr       string `toml:"agent.metrics_addr" env:"METRICS_ADDR"`

	LoggingLevel  string `toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `toml:"logging.format" env:"LOGGING_FORMAT"`
}

func main() {
	root := &cobra.Command{Use: "cdev-agent", Short: "Per-container device hotplug agent"}

	opts := &Options{}
	root.Flags().StringVarP(&opts.Config, "config", "c", "", "path to TOML config file")
	root.Flags().StringVar(&opts.Name, "name", "", "container name (required)")
	root.Flags().BoolVar(&opts.Boot, "boot", false, "replay adds for devices already present at connect time")
	root.Flags().BoolVar(&opts.BootOnly, "boot-only", false, "run the boot replay then exit")
	root.Flags().BoolVar(&opts.Shutdown, "shutdown", false, "run the shutdown replay then exit")
	root.Flags().StringVar(&opts.SocketPath, "socket-path", "cdev.control", "host daemon control socket path")
	root.Flags().StringVar(&opts.RulesDir, "rules-dir", "rules.d", "container-local rules directory")
	root.Flags().BoolVar(&opts.Systemd, "systemd", false, "accept a systemd-activated control socket")
	root.Flags().BoolVar(&opts.Dry, "dry", false, "evaluate rules without touching the filesystem")
	root.Flags().StringVar(&opts.UdevControlSocket, "udev-control-socket", "/run/udev/control", "udevadm-compatible control socket path")
	root.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, empty disables")
	root.Flags().StringVar(&opts.LoggingLevel, "logging-level", "info", "log level (debug, info, warn, error)")
	root.Flags().StringVar(&opts.LoggingFormat, "logging-format", "text", "log format (text, json)")

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd, opts)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func runAgent(cmd *cobra.Command, opts *Options) error {
	if err := config.LoadConfig(opts, cmd); err != nil {
		fmt.Fprintln(os.Stderr, "cdev-agent: config:", err)
	}

	if opts.Name == "" {
		fmt.Fprintln(os.Stderr, "cdev-agent: --name is required")
		os.Exit(einval)
	}
	if opts.Systemd && (opts.BootOnly || opts.Shutdown) {
		fmt.Fprintln(os.Stderr, "cdev-agent: --systemd is mutually exclusive with --boot-only/--shutdown")
		os.Exit(einval)
	}
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "cdev-agent: must run as root to materialize device nodes")
		os.Exit(eperm)
	}

	logging.Initialize(logging.Config{Level: opts.LoggingLevel, Format: opts.LoggingFormat})
	log := logging.GetLogger("agent")

	sd := runtime.NewShutdown()
	ctx, stop := runtime.WatchSignals(sd)
	defer stop()

	var rebroadcast *netlink.Socket
	if !opts.Dry {
		sock, err := netlink.Open(0)
		if err != nil {
			log.Warn("failed to open rebroadcast socket", "error", err)
		} else {
			rebroadcast = sock
			defer rebroadcast.Close()
		}
	}

	a, err := agent.Dial(agent.Config{
		Name:        opts.Name,
		SocketPath:  opts.SocketPath,
		RulesDir:    opts.RulesDir,
		Boot:        opts.Boot,
		BootOnly:    opts.BootOnly,
		Shutdown:    opts.Shutdown,
		Dry:         opts.Dry,
		Compiler:    ruleset.NopCompiler{},
		Log:         log,
		Rebroadcast: rebroadcast,
	})
	if err != nil {
		log.Error("failed to connect to host daemon", "error", err)
		return err
	}

	if err := a.Start(ctx); err != nil {
		log.Error("startup sequence failed", "error", err)
		return err
	}

	if opts.UdevControlSocket != "" {
		startControlSocket(ctx, opts, a, log)
	}

	var metricsServer *http.Server
	if opts.MetricsAddr != "" {
		metricsServer = startMetricsServer(opts.MetricsAddr, log)
	}

	systemd.NotifyReady()
	log.Info("agent running", "name", opts.Name)

	err = a.Run(ctx)

	systemd.NotifyStopping()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	return err
}

// startControlSocket opens the udevadm-compatible control socket and
// serves it in the background until ctx is done (spec.md C4, S6).
func startControlSocket(ctx context.Context, opts *Options, a *agent.Agent, log *slog.Logger) {
	sock, err := udevctrl.Listen(opts.UdevControlSocket)
	if err != nil {
		log.Warn("failed to open udev control socket, continuing without it", "path", opts.UdevControlSocket, "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = sock.Close()
	}()
	go a.ServeControl(sock)
}

func startMetricsServer(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return srv
}

// POSIX errno values for the exit-code convention spec.md §6 specifies
// (negative errno, not the raw errno).
const (
	eperm  = -1 // -EPERM
	einval = -22 // -EINVAL
)
