// Package cgroup implements the narrow device-controller interface the
// host router arbitrates through (spec.md §1: "cgroup controller
// drivers (the core uses a narrow allow/deny interface)"). cdevd only
// needs to allow or deny a container's access to a specific device
// node; it does not manage cgroup membership or hierarchy creation.
package cgroup

import "github.com/cdevfabric/cdevd/pkg/device"

// Controller arbitrates a single container's access to device nodes
// via one cgroup controller.
type Controller interface {
	// Allow permits container to access d's device node (spec.md
	// §4.5: called on "add" when context.cgroups names this
	// controller).
	Allow(container string, d *device.Device) error
	// Deny revokes access (called on "remove").
	Deny(container string, d *device.Device) error
}

// Manager resolves a controller by name; the container is passed to
// the returned Controller's Allow/Deny calls. Handles are not cached
// per container (spec.md §4.5: "obtain the controller manager for each
// requested controller").
type Manager interface {
	Controller(name string) (Controller, error)
}
