// Command cdev-hostd is the privileged host daemon (spec.md C5): it
// accepts container agent connections over a Unix control socket, runs
// each client's compiled ruleset against live and replayed device
// events, arbitrates cgroup device access, and fans out kernel/udev
// events to every ready client.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cdevfabric/cdevd/internal/config"
	"github.com/cdevfabric/cdevd/internal/host"
	"github.com/cdevfabric/cdevd/internal/logging"
	"github.com/cdevfabric/cdevd/internal/runtime"
	"github.com/cdevfabric/cdevd/internal/systemd"
	"github.com/cdevfabric/cdevd/pkg/cgroup"
	"github.com/cdevfabric/cdevd/pkg/device"
	"github.com/cdevfabric/cdevd/pkg/netlink"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
)

// Options is cdev-hostd's flat CLI/TOML/env-configurable option set
// (spec.md §6 "CLI surface (host daemon)").
type Options struct {
	Config string `help:"path to TOML config file"`

	SocketPath        string `toml:"host.socket_path" env:"SOCKET_PATH"`
	ContainerRulesDir string `toml:"host.container_rules_dir" env:"CONTAINER_RULES_DIR"`
	KernelEvents      bool   `toml:"host.kernel_events" env:"KERNEL_EVENTS"`
	Systemd           bool   `toml:"host.systemd" env:"SYSTEMD"`
	RuntimeDir        string `toml:"host.runtime_dir" env:"RUNTIME_DIR"`
	CgroupRoot        string `toml:"host.cgroup_root" env:"CGROUP_ROOT"`
	MetricsAddr       string `toml:"host.metrics_addr" env:"METRICS_ADDR"`

	LoggingLevel  string `toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `toml:"logging.format" env:"LOGGING_FORMAT"`
}

func main() {
	root := &cobra.Command{
		Use:   "cdev-hostd",
		Short: "Device hotplug fabric host daemon",
	}

	opts := &Options{}
	root.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&opts.SocketPath, "socket-path", "cdev.control", "Unix control socket path")
	root.PersistentFlags().StringVar(&opts.ContainerRulesDir, "container-rules-dir", "containers.d", "per-container rules directory")
	root.PersistentFlags().BoolVar(&opts.KernelEvents, "kernel-events", false, "listen on the kernel netlink channel instead of udev")
	root.PersistentFlags().BoolVar(&opts.Systemd, "systemd", false, "accept a systemd-activated listener on fd 3")
	root.PersistentFlags().StringVar(&opts.RuntimeDir, "runtime-dir", "/run/cdev", "persistent device-registry runtime directory")
	root.PersistentFlags().StringVar(&opts.CgroupRoot, "cgroup-root", "/sys/fs/cgroup/devices", "cgroup v1 devices controller mount point")
	root.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, empty disables")
	root.PersistentFlags().StringVar(&opts.LoggingLevel, "logging-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.LoggingFormat, "logging-format", "text", "log format (text, json)")

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runHostd(cmd, opts)
	}
	root.AddCommand(newStatusCmd(opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func runHostd(cmd *cobra.Command, opts *Options) error {
	if err := config.LoadConfig(opts, cmd); err != nil {
		fmt.Fprintln(os.Stderr, "cdev-hostd: config:", err)
	}

	logging.Initialize(logging.Config{Level: opts.LoggingLevel, Format: opts.LoggingFormat})
	log := logging.GetLogger("hostd")

	registry := device.NewRegistry(device.NewSysfsScraper())
	if err := registry.EnablePersistentRegistry(opts.RuntimeDir); err != nil {
		log.Warn("failed to enable persistent registry", "error", err)
	}

	cgroupMgr := cgroup.NewFSManager(map[string]string{
		"devices": opts.CgroupRoot,
	})

	sd := runtime.NewShutdown()
	ctx, stop := runtime.WatchSignals(sd)
	defer stop()

	upstreamGroup := netlink.GroupUdev
	if opts.KernelEvents {
		upstreamGroup = netlink.GroupKernel
	}

	router, err := host.NewRouter(host.Config{
		SocketPath:        opts.SocketPath,
		ContainerRulesDir: opts.ContainerRulesDir,
		Registry:          registry,
		Cgroups:           cgroupMgr,
		Compiler:          ruleset.NopCompiler{},
		Shutdown:          sd,
		Log:               log,
		UpstreamGroup:     upstreamGroup,
	})
	if err != nil {
		return err
	}

	if opts.Systemd {
		if l, ok := systemd.ListenerFromEnvironment(); ok {
			router.SetListener(l)
		} else {
			log.Warn("--systemd given but no activation listener present, binding directly")
			if err := router.Listen(); err != nil {
				return err
			}
		}
	} else {
		if err := router.Listen(); err != nil {
			return err
		}
	}

	if err := router.OpenUpstream(); err != nil {
		log.Error("failed to open netlink upstream", "error", err)
		return err
	}

	watchContainerRulesDir(ctx, opts.ContainerRulesDir, log)
	watchSIGHUP(sd, log)

	var metricsServer *http.Server
	if opts.MetricsAddr != "" {
		metricsServer = startMetricsServer(opts.MetricsAddr, log)
	}

	systemd.NotifyReady()
	log.Info("host router listening", "socket", opts.SocketPath)

	err = router.Serve(ctx)

	systemd.NotifyStopping()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}

	return err
}

// watchContainerRulesDir triggers shutdown-free, best-effort rescans by
// simply logging: the actual per-client ruleset resolution in
// internal/host already recompiles lazily per client handshake, so all
// a directory watch needs to do here is invalidate nothing and let the
// next handshake pick up new files (spec.md §6: "a new
// <name>.rules file is honored without restarting the daemon").
func watchContainerRulesDir(ctx context.Context, dir string, log *slog.Logger) {
	w := config.NewConfigWatcher(dir, func(string) (struct{}, error) {
		return struct{}{}, nil
	}, log)
	w.OnReload(func(struct{}) {
		log.Info("container rules directory changed, next client handshake will pick up new rules", "dir", dir)
	})
	if err := w.Start(); err != nil {
		log.Warn("failed to watch container rules directory", "dir", dir, "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = w.Stop()
	}()
}

// watchSIGHUP gives operators without inotify (e.g. some overlay
// filesystems) a belt-and-suspenders rescan trigger equivalent to the
// fsnotify watch above (SPEC_FULL.md §4 supplemented feature).
func watchSIGHUP(sd *runtime.Shutdown, log *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ch:
				log.Info("SIGHUP received, container rules will be re-resolved on next handshake")
			case <-sd.Done():
				signal.Stop(ch)
				return
			}
		}
	}()
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
