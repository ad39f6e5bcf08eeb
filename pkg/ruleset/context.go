// Package ruleset defines the interface cdevd's router and agent use
// to evaluate rules against a device event (spec.md §1: "the rules-file
// parser and the rules expression evaluator" are external
// collaborators; the core only consumes a compiled RuleSet through
// this package's call interface). A minimal reference implementation
// is provided for tests and as a fallback when no rules file is
// present.
package ruleset

import "github.com/cdevfabric/cdevd/pkg/device"

// Source identifies where an event originated (spec.md §3).
type Source string

const (
	SourceSys    Source = "sys"
	SourceUdev   Source = "udev"
	SourceKernel Source = "kernel"
)

// Emit describes a secondary synthetic event a rule requested
// (spec.md §3, §4.5 step 4).
type Emit struct {
	// Subpath is "" or "." for "clone the current event", or a path
	// relative to the device's syspath to resolve via the registry.
	Subpath string
	Action  string
	// Options is a small fixed vocabulary: "queue" (defer send on the
	// client's outbound work queue) and "noenv" (strip env from the
	// secondary event).
	Options map[string]struct{}
}

// HasOption reports whether name is present in Options.
func (e *Emit) HasOption(name string) bool {
	if e == nil || e.Options == nil {
		return false
	}
	_, ok := e.Options[name]
	return ok
}

// Context is created per event and threaded through rule evaluation
// (spec.md §3). Rules mutate it in place; the router/agent act on the
// final state once evaluation completes or times out.
type Context struct {
	Device *device.Device
	Action string
	Source Source

	// Result starts true; a rule clears it to drop the event.
	Result bool

	// Container-side overrides for device-node materialization.
	Mode  *uint32
	User  string
	Group string

	// Host-side: which cgroup controllers to update for this event.
	Cgroups map[string]struct{}

	// Host-side: which state components to ship in a SYNC message
	// ("ENV" and/or "TAGS", translated to device.Selector by the
	// router).
	Forward map[string]struct{}

	// Emit requests a secondary synthetic event, or nil.
	Emit *Emit

	// ModifiedDevices accumulates devices whose persisted state must
	// be flushed once evaluation completes.
	ModifiedDevices map[*device.Device]struct{}
}

// NewContext builds a Context with Result defaulted to true, per
// spec.md's "initially true" invariant.
func NewContext(d *device.Device, action string, source Source) *Context {
	return &Context{
		Device:          d,
		Action:          action,
		Source:          source,
		Result:          true,
		Cgroups:         make(map[string]struct{}),
		Forward:         make(map[string]struct{}),
		ModifiedDevices: make(map[*device.Device]struct{}),
	}
}

// Drop clears Result, the mechanism by which a rule drops an event.
func (c *Context) Drop() {
	c.Result = false
}

// MarkModified records d as needing a persistence flush.
func (c *Context) MarkModified(d *device.Device) {
	c.ModifiedDevices[d] = struct{}{}
}

// RequestCgroup adds a controller to the set the host should arbitrate
// for this event.
func (c *Context) RequestCgroup(controller string) {
	c.Cgroups[controller] = struct{}{}
}

// RequestForward adds a state component ("ENV" or "TAGS") to forward.
func (c *Context) RequestForward(component string) {
	c.Forward[component] = struct{}{}
}
