package host

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/cdevfabric/cdevd/internal/runtime"
	"github.com/cdevfabric/cdevd/pkg/cgroup"
	"github.com/cdevfabric/cdevd/pkg/device"
	"github.com/cdevfabric/cdevd/pkg/protocol"
	"github.com/cdevfabric/cdevd/pkg/ruleset"
)

type fakeReader struct{}

func (fakeReader) ReadDevice(syspath string) (*device.Device, error) {
	return device.NewDevice(syspath, "sound", "card0", syspath), nil
}

type recordingController struct {
	allowed, denied []string
}

func (c *recordingController) Allow(container string, d *device.Device) error {
	c.allowed = append(c.allowed, container)
	return nil
}
func (c *recordingController) Deny(container string, d *device.Device) error {
	c.denied = append(c.denied, container)
	return nil
}

type fakeManager struct {
	ctl *recordingController
}

func (m *fakeManager) Controller(name string) (cgroup.Controller, error) {
	return m.ctl, nil
}

func newTestRouter(t *testing.T, ctl *recordingController) *Router {
	t.Helper()
	reg := device.NewRegistry(fakeReader{})
	r, err := NewRouter(Config{
		SocketPath: t.TempDir() + "/cdev.control",
		Registry:   reg,
		Cgroups:    &fakeManager{ctl: ctl},
		Shutdown:   runtime.NewShutdown(),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func newTestClientPair(t *testing.T) (*Client, *protocol.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })

	c := newClient(1, protocol.NewConn(serverSide), nil, discardLogger())
	c.state = StateReady
	return c, protocol.NewConn(clientSide)
}

func TestHandleUeventCgroupArbitrationOnAdd(t *testing.T) {
	ctl := &recordingController{}
	r := newTestRouter(t, ctl)
	c, peer := newTestClientPair(t)
	c.Name = "container-a"

	go func() {
		for i := 0; i < 2; i++ {
			if _, err := peer.Recv(); err != nil {
				return
			}
		}
	}()

	d := device.NewDevice("/devices/pci0000:00/video0", "video4linux", "video0", "/devices/pci0000:00/video0")
	d.Devnum = device.Devnum{Major: 81, Minor: 0}

	c.RuleSet = ruleset.RuleSetFunc(func(_ context.Context, rc *ruleset.Context) error {
		rc.RequestCgroup("devices")
		rc.RequestForward("ENV")
		return nil
	})

	r.handleUevent(context.Background(), c, d, "add", nil, ruleset.SourceKernel)

	time.Sleep(50 * time.Millisecond)
	if len(ctl.allowed) != 1 || ctl.allowed[0] != "container-a" {
		t.Errorf("expected one Allow call for container-a, got %v", ctl.allowed)
	}
}

func TestHandleUeventDropsWhenRuleClearsResult(t *testing.T) {
	ctl := &recordingController{}
	r := newTestRouter(t, ctl)
	c, peer := newTestClientPair(t)
	c.Name = "container-a"

	recvDone := make(chan error, 1)
	go func() {
		_, err := peer.Recv()
		recvDone <- err
	}()

	d := device.NewDevice("/devices/x", "misc", "x", "/devices/x")
	c.RuleSet = ruleset.RuleSetFunc(func(_ context.Context, rc *ruleset.Context) error {
		rc.Drop()
		return nil
	})

	r.handleUevent(context.Background(), c, d, "add", nil, ruleset.SourceKernel)

	select {
	case <-recvDone:
		t.Fatalf("expected no message sent to dropped-event client")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleUeventSkipsDryRunCgroups(t *testing.T) {
	ctl := &recordingController{}
	r := newTestRouter(t, ctl)
	c, peer := newTestClientPair(t)
	c.Name = "container-a"
	c.Dry = true

	go func() {
		for {
			if _, err := peer.Recv(); err != nil {
				return
			}
		}
	}()

	d := device.NewDevice("/devices/pci0000:00/video0", "video4linux", "video0", "/devices/pci0000:00/video0")
	d.Devnum = device.Devnum{Major: 81, Minor: 0}
	c.RuleSet = ruleset.RuleSetFunc(func(_ context.Context, rc *ruleset.Context) error {
		rc.RequestCgroup("devices")
		return nil
	})

	r.handleUevent(context.Background(), c, d, "add", nil, ruleset.SourceKernel)

	time.Sleep(50 * time.Millisecond)
	if len(ctl.allowed) != 0 {
		t.Errorf("expected no cgroup calls in dry-run mode, got %v", ctl.allowed)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
