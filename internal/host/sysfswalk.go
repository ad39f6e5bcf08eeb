package host

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cdevfabric/cdevd/pkg/protocol"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
)

// sysfsRoot is overridden by tests to walk a fixture tree instead of
// the real /sys.
var sysfsRoot = "/sys"

// handleBulkReplay implements spec.md §4.5's boot/shutdown command:
// reply BEGINCMD, walk /sys/devices top-down yielding every directory
// containing a uevent file, invoke handle_uevent for each with a
// synthetic add/remove, then reply ENDCMD.
func (r *Router) handleBulkReplay(ctx context.Context, c *Client, cmd string) {
	_ = c.conn.Send(protocol.Frame{Command: "BEGINCMD", Data: []byte(cmd)})

	action := "add"
	if cmd == "shutdown" {
		action = "remove"
	}

	root := filepath.Join(sysfsRoot, "devices")
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(path, "uevent")); statErr != nil {
			return nil
		}

		syspath := "/" + strings.TrimPrefix(strings.TrimPrefix(path, sysfsRoot), "/")
		dev, lookupErr := r.cfg.Registry.LookupOrCreate(syspath)
		if lookupErr != nil {
			r.cfg.Log.Warn("bulk replay: failed to read device", "syspath", syspath, "error", lookupErr)
			return nil
		}

		r.handleUevent(ctx, c, dev, action, nil, ruleset.SourceSys)
		return nil
	})

	_ = c.conn.Send(protocol.Frame{Command: "ENDCMD", Data: []byte(cmd)})
}
