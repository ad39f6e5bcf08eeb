//go:build linux

package cgroup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cdevfabric/cdevd/pkg/device"
)

// FSController drives the cgroup v1 "devices" controller by writing to
// <root>/<container>/devices.allow and devices.deny. This targets
// cgroup v1's text-file interface rather than cgroup v2's eBPF-based
// device filter: see DESIGN.md for why v1 was chosen.
type FSController struct {
	// Root is the devices controller's mount point, e.g.
	// /sys/fs/cgroup/devices.
	Root string
}

// NewFSController returns a controller rooted at the standard cgroup
// v1 devices hierarchy mount point.
func NewFSController(root string) *FSController {
	return &FSController{Root: root}
}

func (c *FSController) rule(d *device.Device) (string, error) {
	if d.Devnum.IsZero() {
		return "", fmt.Errorf("cgroup: device %s has no devnum", d.Syspath)
	}
	kind := "c"
	if d.Subsystem == "block" {
		kind = "b"
	}
	return fmt.Sprintf("%s %d:%d rwm", kind, d.Devnum.Major, d.Devnum.Minor), nil
}

func (c *FSController) write(container, file, rule string) error {
	path := filepath.Join(c.Root, container, file)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cgroup: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(rule); err != nil {
		return fmt.Errorf("cgroup: write %s: %w", path, err)
	}
	return nil
}

// Allow writes a permissive rule to the container's devices.allow.
func (c *FSController) Allow(container string, d *device.Device) error {
	rule, err := c.rule(d)
	if err != nil {
		return err
	}
	return c.write(container, "devices.allow", rule)
}

// Deny writes a matching rule to the container's devices.deny.
func (c *FSController) Deny(container string, d *device.Device) error {
	rule, err := c.rule(d)
	if err != nil {
		return err
	}
	return c.write(container, "devices.deny", rule)
}

// FSManager resolves controllers by name under a configured set of
// controller roots (e.g. {"devices": "/sys/fs/cgroup/devices"}).
type FSManager struct {
	roots map[string]string
}

// NewFSManager builds a Manager from a controller-name → mount-point
// map.
func NewFSManager(roots map[string]string) *FSManager {
	return &FSManager{roots: roots}
}

// Controller returns the FSController for name, or an error if no root
// is configured for it.
func (m *FSManager) Controller(name string) (Controller, error) {
	root, ok := m.roots[name]
	if !ok {
		return nil, fmt.Errorf("cgroup: no controller configured for %q", name)
	}
	return NewFSController(root), nil
}
