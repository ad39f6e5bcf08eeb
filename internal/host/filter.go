package host

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/cdevfabric/cdevd/internal/metrics"
	"github.com/cdevfabric/cdevd/internal/runtime"
	"github.com/cdevfabric/cdevd/pkg/device"
	"github.com/cdevfabric/cdevd/pkg/netlink"
	"github.com/cdevfabric/cdevd/pkg/protocol"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
)

// handleUevent is the per-client filter pipeline (spec.md §4.5). If
// the client isn't ready (still in its handshake) the event is dropped.
func (r *Router) handleUevent(ctx context.Context, c *Client, d *device.Device, action string, event []byte, source ruleset.Source) {
	rc := ruleset.NewContext(d, action, source)
	metrics.UeventsTotal.WithLabelValues(string(source), action).Inc()
	if c.state != StateReady {
		return
	}

	if c.RuleSet != nil {
		err := runtime.RunWithTimeout(ctx, runtime.RuleTimeout, func(tctx context.Context) error {
			return c.RuleSet.Evaluate(tctx, rc)
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				metrics.RuleTimeoutsTotal.Inc()
			}
			c.log.Warn("rule evaluation did not complete cleanly, proceeding with partial context", "error", err)
		}
	}

	if !rc.Result {
		return
	}

	// 1. Cgroup arbitration.
	if len(rc.Cgroups) > 0 && !c.Dry && (action == "add" || action == "remove") && r.cfg.Cgroups != nil {
		for controllerName := range rc.Cgroups {
			ctl, err := r.cfg.Cgroups.Controller(controllerName)
			if err != nil {
				c.log.Warn("no cgroup controller", "controller", controllerName, "error", err)
				continue
			}
			if action == "add" {
				err = ctl.Allow(c.Name, d)
			} else {
				err = ctl.Deny(c.Name, d)
			}
			result := "ok"
			if err != nil {
				result = "error"
				c.log.Warn("cgroup arbitration failed", "controller", controllerName, "action", action, "error", err)
			}
			metrics.CgroupUpdatesTotal.WithLabelValues(controllerName, result).Inc()
		}
	}

	// 2. State forwarding.
	idfile := d.IDFilename()
	if idfile != "" && action != "remove" && len(rc.Forward) > 0 {
		sel := forwardSelector(rc.Forward)
		if sel != 0 {
			buf := device.Serialize(d, sel)
			payload := append([]byte(d.Devpath+"\x00"+sel.String()+"\x00"), buf...)
			if !c.Dry {
				_ = c.conn.Send(protocol.Frame{Command: "SYNC", Data: payload})
			}
		}
	}

	// 3. Event emission.
	var outBuf []byte
	_, forwardsEnv := rc.Forward["ENV"]
	if event != nil && !forwardsEnv {
		outBuf = netlink.BuildLibudev(&netlink.Message{
			Action:     action,
			Devpath:    d.Devpath,
			Subsystem:  d.Subsystem,
			Properties: stripEnv(d.Properties()),
		}, netlink.BuildTagBloom(d.Tags()))
	} else if event != nil {
		outBuf = event
	} else {
		outBuf = netlink.BuildLibudev(&netlink.Message{
			Action:     action,
			Devpath:    d.Devpath,
			Subsystem:  d.Subsystem,
			Properties: d.Properties(),
		}, netlink.BuildTagBloom(d.Tags()))
	}
	_ = c.conn.Send(protocol.Frame{Command: "UEVENT", Data: outBuf})

	// 4. Emit directive.
	if rc.Emit != nil {
		r.handleEmit(c, d, action, rc.Emit)
	}

	for modified := range rc.ModifiedDevices {
		if !c.Dry {
			_ = r.cfg.Registry.Flush(modified)
		}
	}
}

func forwardSelector(forward map[string]struct{}) device.Selector {
	var sel device.Selector
	if _, ok := forward["ENV"]; ok {
		sel |= device.SelectEnv
	}
	if _, ok := forward["TAGS"]; ok {
		sel |= device.SelectTags
	}
	return sel
}

func stripEnv(props map[string]string) map[string]string {
	out := make(map[string]string, 2)
	if v, ok := props["SUBSYSTEM"]; ok {
		out["SUBSYSTEM"] = v
	}
	if v, ok := props["DEVNAME"]; ok {
		out["DEVNAME"] = v
	}
	return out
}

func (r *Router) handleEmit(c *Client, d *device.Device, currentAction string, emit *ruleset.Emit) {
	var target *device.Device
	var emitAction string = emit.Action

	if emit.Subpath == "" || emit.Subpath == "." {
		target = d
	} else {
		syspath := filepath.Join(d.Syspath, emit.Subpath)
		resolved, err := r.cfg.Registry.LookupOrCreate(syspath)
		if err != nil {
			c.log.Warn("emit: failed to resolve device", "syspath", syspath, "error", err)
			return
		}
		target = resolved
	}

	props := target.Properties()
	if emit.HasOption("noenv") {
		props = stripEnv(props)
	}

	buf := netlink.BuildLibudev(&netlink.Message{
		Action:     emitAction,
		Devpath:    target.Devpath,
		Subsystem:  target.Subsystem,
		Properties: props,
	}, netlink.BuildTagBloom(target.Tags()))

	if emit.HasOption("queue") {
		c.enqueue(workItem{kind: "SEND_UEVENT_RAW", buffer: buf})
		return
	}
	_ = c.conn.Send(protocol.Frame{Command: "UEVENT", Data: buf})
}
