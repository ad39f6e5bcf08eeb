//go:build linux

package agent

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cdevfabric/cdevd/internal/metrics"
	"github.com/cdevfabric/cdevd/pkg/device"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
)

const defaultDevnodeMode = 0o660

// materialize creates or removes d's device node and devlinks under
// the container's /dev (spec.md §4.6 "Device node materialization").
// It is a no-op unless d has a node and the client isn't dry-run.
func (a *Agent) materialize(d *device.Device, action string, rc *ruleset.Context) {
	if d.Devnum.IsZero() || d.Devnode == "" || a.cfg.Dry {
		return
	}

	path := filepath.Join(a.cfg.DevRoot, d.Devnode)

	switch action {
	case "add":
		a.materializeAdd(d, path, rc)
	case "remove":
		a.materializeRemove(d, path)
	}
}

func (a *Agent) materializeAdd(d *device.Device, path string, rc *ruleset.Context) {
	mode := resolveMode(rc, d)
	uid, gid := a.resolveOwner(rc, d)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		a.cfg.Log.Warn("failed to create devnode parent directory", "path", path, "error", err)
		return
	}

	if _, err := os.Lstat(path); err == nil {
		a.cfg.Log.Error("devnode already exists, skipping creation", "path", path)
		return
	}

	kind := uint32(syscall.S_IFCHR)
	if d.Subsystem == "block" {
		kind = syscall.S_IFBLK
	}
	devT := int(unixMkdev(d.Devnum.Major, d.Devnum.Minor))

	if err := syscall.Mknod(path, kind|mode, devT); err != nil {
		a.cfg.Log.Error("mknod failed", "path", path, "error", err)
		return
	}
	metrics.DevnodesActive.Inc()
	if err := os.Chown(path, uid, gid); err != nil {
		a.cfg.Log.Warn("chown failed", "path", path, "error", err)
	}
	// A second chmod is required: mknod's mode argument is subject to
	// the process umask, chmod is not.
	if err := os.Chmod(path, os.FileMode(mode)); err != nil {
		a.cfg.Log.Warn("chmod failed", "path", path, "error", err)
	}

	for _, link := range d.Devlinks() {
		a.createDevlink(link, path)
	}
}

func (a *Agent) createDevlink(link, targetPath string) {
	linkPath := filepath.Join(a.cfg.DevRoot, link)
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		a.cfg.Log.Warn("failed to create devlink parent directory", "path", linkPath, "error", err)
		return
	}
	if _, err := os.Lstat(linkPath); err == nil {
		a.cfg.Log.Warn("devlink already exists, skipping", "path", linkPath)
		return
	}
	if err := os.Symlink(targetPath, linkPath); err != nil {
		a.cfg.Log.Warn("symlink failed", "path", linkPath, "error", err)
	}
}

func (a *Agent) materializeRemove(d *device.Device, path string) {
	for _, link := range d.Devlinks() {
		a.removeDevlink(link, path)
	}

	info, err := os.Lstat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.cfg.Log.Warn("stat failed during devnode removal", "path", path, "error", err)
		}
		return
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	if uint32(st.Rdev) != unixMkdev(d.Devnum.Major, d.Devnum.Minor) {
		a.cfg.Log.Warn("devnode rdev mismatch, not removing", "path", path)
		return
	}
	if err := os.Remove(path); err != nil {
		a.cfg.Log.Warn("failed to remove devnode", "path", path, "error", err)
		return
	}
	metrics.DevnodesActive.Dec()
	a.pruneEmptyDirsUpward(filepath.Dir(path))
}

func (a *Agent) removeDevlink(link, targetPath string) {
	linkPath := filepath.Join(a.cfg.DevRoot, link)
	resolved, err := os.Readlink(linkPath)
	if err != nil {
		if !os.IsNotExist(err) {
			a.cfg.Log.Warn("readlink failed", "path", linkPath, "error", err)
		}
		return
	}
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(linkPath), resolved)
	}
	if filepath.Clean(resolved) != filepath.Clean(targetPath) {
		a.cfg.Log.Warn("devlink does not point at our node, skipping", "path", linkPath)
		return
	}
	if err := os.Remove(linkPath); err != nil {
		a.cfg.Log.Warn("failed to remove devlink", "path", linkPath, "error", err)
		return
	}
	a.pruneEmptyDirsUpward(filepath.Dir(linkPath))
}

// pruneEmptyDirsUpward removes dir and its ancestors while they are
// empty, stopping at cfg.DevRoot (spec.md §4.6: "walk upward within
// /dev removing empty directories").
func (a *Agent) pruneEmptyDirsUpward(dir string) {
	root := filepath.Clean(a.cfg.DevRoot)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !isUnder(root, dir) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func isUnder(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	return err == nil && rel != ".." && rel != "." && len(rel) > 0 && rel[0] != '.'
}

func resolveMode(rc *ruleset.Context, d *device.Device) uint32 {
	if rc.Mode != nil {
		return *rc.Mode
	}
	if v, ok := d.Property("DEVNODE_MODE"); ok {
		if m, err := strconv.ParseUint(v, 8, 32); err == nil {
			return uint32(m)
		}
	}
	return defaultDevnodeMode
}

func (a *Agent) resolveOwner(rc *ruleset.Context, d *device.Device) (uid, gid int) {
	userName := rc.User
	if userName == "" {
		userName, _ = d.Property("DEVNODE_USER")
	}
	groupName := rc.Group
	if groupName == "" {
		groupName, _ = d.Property("DEVNODE_GROUP")
	}

	if userName != "" {
		if u, err := user.Lookup(userName); err == nil {
			uid, _ = strconv.Atoi(u.Uid)
		} else {
			a.cfg.Log.Error("failed to resolve devnode user", "user", userName, "error", err)
		}
	}
	if groupName != "" {
		if g, err := user.LookupGroup(groupName); err == nil {
			gid, _ = strconv.Atoi(g.Gid)
		} else {
			a.cfg.Log.Error("failed to resolve devnode group", "group", groupName, "error", err)
		}
	}
	return uid, gid
}

// unixMkdev builds the userspace dev_t encoding that mknod(2) expects
// (the glibc makedev layout, truncated to 32 bits) without pulling in
// golang.org/x/sys/unix solely for this one constant arithmetic
// expression.
func unixMkdev(major, minor uint32) uint32 {
	return (major << 8) | (minor & 0xff) | ((minor &^ 0xff) << 12)
}
