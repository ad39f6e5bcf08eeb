package device

import (
	"os"
	"path/filepath"
	"sync"
)

// SysfsReader constructs a Device from a sysfs path on first
// observation. It is the "low-level sysfs scraper" spec.md §1 treats
// as an external collaborator; Registry only depends on this narrow
// interface, never on /sys directly.
type SysfsReader interface {
	ReadDevice(syspath string) (*Device, error)
}

// Registry is the process-wide sysfs-path → Device map (spec.md C1).
// It is single-writer within the daemon's cooperative scheduler
// (spec.md §5); the mutex here exists only to make that single-writer
// discipline safe under Go's runtime even when call sites are not
// perfectly serialized by construction (e.g. a test calling concurrently).
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	reader  SysfsReader

	runtimeDir string
}

// NewRegistry creates an empty registry backed by reader for
// first-observation construction.
func NewRegistry(reader SysfsReader) *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		reader:  reader,
	}
}

// LookupOrCreate returns the shared Device for syspath, constructing it
// via the SysfsReader on first observation. Two calls for the same
// path within the same process return the same entity (spec.md §8.1).
func (r *Registry) LookupOrCreate(syspath string) (*Device, error) {
	r.mu.RLock()
	d, ok := r.devices[syspath]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[syspath]; ok {
		return d, nil
	}

	d, err := r.reader.ReadDevice(syspath)
	if err != nil {
		return nil, err
	}
	r.devices[syspath] = d
	return d, nil
}

// Lookup returns the Device for syspath if already present, without
// constructing one.
func (r *Registry) Lookup(syspath string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[syspath]
	return d, ok
}

// Invalidate removes syspath's entry. A handle already held by another
// caller remains valid for the remainder of that caller's operation,
// since Go only frees the Device once its last reference drops; the
// next LookupOrCreate for the same path constructs a fresh one
// (spec.md §8.1).
func (r *Registry) Invalidate(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.devices[d.Syspath]; ok && cur == d {
		delete(r.devices, d.Syspath)
	}
}

// EnablePersistentRegistry turns on on-disk backing under dir (default
// /run/cdev per spec.md §4.1). Idempotent; only the host calls this.
func (r *Registry) EnablePersistentRegistry(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runtimeDir == dir {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	r.runtimeDir = dir
	return nil
}

// Flush serializes d's mutable state (tags and property overlays) to
// its per-device runtime file, replacing the whole file atomically via
// rename-over (spec.md §4.1, §5). A no-op if persistence isn't enabled.
func (r *Registry) Flush(d *Device) error {
	r.mu.RLock()
	dir := r.runtimeDir
	r.mu.RUnlock()
	if dir == "" {
		return nil
	}

	buf := Serialize(d, SelectEnv|SelectTags)
	path := filepath.Join(dir, d.IDFilename())

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
