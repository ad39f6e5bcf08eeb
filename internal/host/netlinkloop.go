package host

import (
	"context"

	"github.com/cdevfabric/cdevd/pkg/netlink"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
)

// netlinkLoop is the global netlink listener (spec.md §4.5): for each
// received uevent, resolve the device, rebuild its bloom filter from
// tags when the source was the kernel, then synchronously invoke
// handle_uevent for every live client. On remove, after all clients
// are notified, invalidate the device.
func (r *Router) netlinkLoop(ctx context.Context) {
	for {
		msg, rebuildBloom, err := r.upstream.Recv()
		if err != nil {
			select {
			case <-r.cfg.Shutdown.Done():
				return
			default:
			}
			r.cfg.Log.Warn("netlink recv error", "error", err)
			continue
		}

		syspath := msg.Devpath
		d, err := r.cfg.Registry.LookupOrCreate(syspath)
		if err != nil {
			r.cfg.Log.Warn("failed to resolve device for uevent", "devpath", syspath, "error", err)
			continue
		}

		for k, v := range msg.Properties {
			d.SetProperty(k, v)
		}

		if rebuildBloom {
			msg.TagBloom = netlink.BuildTagBloom(d.Tags())
		}

		source := ruleset.SourceKernel
		if msg.Libudev {
			source = ruleset.SourceUdev
		}

		r.mu.Lock()
		clients := make([]*Client, 0, len(r.clients))
		for _, c := range r.clients {
			clients = append(clients, c)
		}
		r.mu.Unlock()

		for _, c := range clients {
			r.handleUevent(ctx, c, d, msg.Action, msg.Raw, source)
		}

		if msg.Action == "remove" {
			r.cfg.Registry.Invalidate(d)
		}
	}
}
