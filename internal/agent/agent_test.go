package agent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cdevfabric/cdevd/pkg/device"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
)

type orderCompiler struct {
	order *[]string
}

func (c orderCompiler) Compile(path string) (ruleset.RuleSet, error) {
	*c.order = append(*c.order, filepath.Base(path))
	return ruleset.RuleSetFunc(func(context.Context, *ruleset.Context) error { return nil }), nil
}

func TestLoadRulesLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"20-video.rules", "10-base.rules", "05-seat.rules"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(""), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	var order []string
	a := &Agent{
		cfg: Config{
			RulesDir: dir,
			Compiler: orderCompiler{order: &order},
			Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}

	m := a.loadRules()
	if len(m.Sets) != 3 {
		t.Fatalf("expected 3 rulesets loaded, got %d", len(m.Sets))
	}
	want := []string{"05-seat.rules", "10-base.rules", "20-video.rules"}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("load order[%d] = %q, want %q", i, order[i], name)
		}
	}
}

type failingCompiler struct{}

func (failingCompiler) Compile(path string) (ruleset.RuleSet, error) {
	if filepath.Base(path) == "bad.rules" {
		return nil, errBadRules
	}
	return ruleset.RuleSetFunc(func(context.Context, *ruleset.Context) error { return nil }), nil
}

var errBadRules = &parseError{"syntax error"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

func TestLoadRulesSkipsParseFailures(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"bad.rules", "good.rules"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	a := &Agent{
		cfg: Config{
			RulesDir: dir,
			Compiler: failingCompiler{},
			Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}

	m := a.loadRules()
	if len(m.Sets) != 1 {
		t.Fatalf("expected the bad file to be excluded, got %d rulesets", len(m.Sets))
	}
}

func TestHandleSyncMergesIntoDevice(t *testing.T) {
	reg := device.NewRegistry(stubReader{})
	a := &Agent{
		cfg: Config{
			Registry: reg,
			Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}

	buf := device.Serialize(sampleDevice(), device.SelectEnv|device.SelectTags)
	payload := append([]byte("/devices/virtual/sound/card0\x00EG\x00"), buf...)

	a.handleSync(payload)

	d, ok := reg.Lookup("/devices/virtual/sound/card0")
	if !ok {
		t.Fatalf("expected device to be created by handleSync")
	}
	if v, _ := d.Property("DEVNAME"); v != "snd/pcmC0D0p" {
		t.Errorf("expected DEVNAME merged, got %q", v)
	}
	if !d.HasTag("seat") {
		t.Errorf("expected seat tag merged")
	}
}

type stubReader struct{}

func (stubReader) ReadDevice(syspath string) (*device.Device, error) {
	return device.NewDevice(syspath, "sound", "card0", syspath), nil
}

func sampleDevice() *device.Device {
	d := device.NewDevice("/devices/virtual/sound/card0", "sound", "card0", "/devices/virtual/sound/card0")
	d.SetProperty("DEVNAME", "snd/pcmC0D0p")
	d.AddTag("seat")
	return d
}
