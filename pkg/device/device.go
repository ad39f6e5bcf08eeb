// Package device implements the process-wide device registry shared by
// the host router and the container agent (spec.md C1): a map from
// sysfs path to Device, plus a compact sync buffer for carrying
// selected device state across the host/container boundary.
package device

import "sync"

// Devnum is a kernel major:minor pair. The zero value (0:0) means "no
// device node".
type Devnum struct {
	Major uint32
	Minor uint32
}

// IsZero reports whether d is the "no node" sentinel.
func (d Devnum) IsZero() bool {
	return d.Major == 0 && d.Minor == 0
}

// Device represents a kernel device, keyed by its sysfs path. There is
// exactly one Device per path, process-wide; the registry is the only
// way to obtain one.
type Device struct {
	mu sync.Mutex

	// Syspath is the canonical identifier: the device's path under
	// /sys with the /sys prefix removed. Immutable after construction.
	Syspath string

	Subsystem  string
	Kernelname string
	Devpath    string
	Devnode    string
	Devnum     Devnum

	properties map[string]string
	tags       map[string]struct{}
	devlinks   []string
}

// NewDevice builds a Device from attributes typically scraped from
// sysfs (spec.md §3: "the low-level sysfs scraper that constructs a
// Device from a sysfs path" is an external collaborator; this
// constructor is the seam it writes through).
func NewDevice(syspath, subsystem, kernelname, devpath string) *Device {
	return &Device{
		Syspath:    syspath,
		Subsystem:  subsystem,
		Kernelname: kernelname,
		Devpath:    devpath,
		properties: make(map[string]string),
		tags:       make(map[string]struct{}),
	}
}

// Property returns a property value and whether it was set.
func (d *Device) Property(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.properties[key]
	return v, ok
}

// SetProperty overlays a property value. It is called by rule
// evaluation and when event, sysfs or sync-buffer properties are
// applied to a Device.
func (d *Device) SetProperty(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.properties[key] = value
}

// Properties returns a snapshot copy of the property map.
func (d *Device) Properties() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.properties))
	for k, v := range d.properties {
		out[k] = v
	}
	return out
}

// HasTag reports whether tag is set.
func (d *Device) HasTag(tag string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tags[tag]
	return ok
}

// AddTag sets tag.
func (d *Device) AddTag(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tags[tag] = struct{}{}
}

// RemoveTag clears tag.
func (d *Device) RemoveTag(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tags, tag)
}

// Tags returns a snapshot slice of the current tag set.
func (d *Device) Tags() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.tags))
	for t := range d.tags {
		out = append(out, t)
	}
	return out
}

// Devlinks returns a snapshot of the devlinks slice, paths relative to
// /dev per spec.md §3.
func (d *Device) Devlinks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.devlinks))
	copy(out, d.devlinks)
	return out
}

// AddDevlink appends a devlink if not already present.
func (d *Device) AddDevlink(link string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.devlinks {
		if l == link {
			return
		}
	}
	d.devlinks = append(d.devlinks, link)
}

// IDFilename derives the deterministic persistence filename for this
// device (spec.md §4.1): by devnum when the device owns a node,
// otherwise by a sanitized form of its devpath.
func (d *Device) IDFilename() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Devnum.IsZero() {
		kind := "c"
		if d.Subsystem == "block" {
			kind = "b"
		}
		return kind + itoa(d.Devnum.Major) + ":" + itoa(d.Devnum.Minor)
	}
	return "+" + d.Subsystem + ":" + sanitizePath(d.Devpath)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func sanitizePath(p string) string {
	out := make([]byte, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			out[i] = '_'
		} else {
			out[i] = p[i]
		}
	}
	return string(out)
}
