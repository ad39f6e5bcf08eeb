package host

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cdevfabric/cdevd/pkg/protocol"
)

func TestClientHandshakeSuccess(t *testing.T) {
	r := newTestRouter(t, &recordingController{})
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	c := newClient(1, protocol.NewConn(serverSide), r, discardLogger())

	clientConn := protocol.NewConn(clientSide)
	done := make(chan error, 1)
	go func() { done <- c.runHandshake(context.Background()) }()

	hello, err := clientConn.Recv()
	if err != nil {
		t.Fatalf("Recv HELLO: %v", err)
	}
	if hello.Command != "HELLO" {
		t.Fatalf("expected HELLO, got %q", hello.Command)
	}
	if err := clientConn.Send(protocol.Frame{Command: "hello", Data: []byte("container-a")}); err != nil {
		t.Fatalf("Send hello: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("runHandshake: %v", err)
	}
	if c.Name != "container-a" {
		t.Errorf("Name: got %q want container-a", c.Name)
	}
	if c.state != StateReady {
		t.Errorf("state: got %v want Ready", c.state)
	}
}

func TestClientHandshakeRejectsWrongCommand(t *testing.T) {
	r := newTestRouter(t, &recordingController{})
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	c := newClient(1, protocol.NewConn(serverSide), r, discardLogger())
	clientConn := protocol.NewConn(clientSide)

	done := make(chan error, 1)
	go func() { done <- c.runHandshake(context.Background()) }()

	if _, err := clientConn.Recv(); err != nil {
		t.Fatalf("Recv HELLO: %v", err)
	}
	if err := clientConn.Send(protocol.Frame{Command: "echo", Data: []byte("nope")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// net.Pipe is unbuffered: the BYE must be read before runHandshake
	// can return.
	if _, err := clientConn.Recv(); err != nil {
		t.Fatalf("expected a BYE frame after rejected handshake: %v", err)
	}
	if err := <-done; err == nil {
		t.Fatalf("expected handshake to fail on a non-hello reply")
	}
}

func TestDispatchEcho(t *testing.T) {
	r := newTestRouter(t, &recordingController{})
	c, peer := newTestClientPair(t)
	c.Name = "container-a"

	recvDone := make(chan protocol.Frame, 1)
	go func() {
		f, err := peer.Recv()
		if err == nil {
			recvDone <- f
		}
	}()

	teardown := r.dispatch(context.Background(), c, protocol.Frame{Command: "echo", Data: []byte("ping")})
	if teardown {
		t.Errorf("expected echo not to tear down the client")
	}

	select {
	case f := <-recvDone:
		if f.Command != "ECHO" || string(f.Data) != "ping" {
			t.Errorf("got %+v, want ECHO ping", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for ECHO reply")
	}
}

func TestDispatchBye(t *testing.T) {
	r := newTestRouter(t, &recordingController{})
	c, peer := newTestClientPair(t)
	c.Name = "container-a"

	recvDone := make(chan protocol.Frame, 1)
	go func() {
		f, err := peer.Recv()
		if err == nil {
			recvDone <- f
		}
	}()

	teardown := r.dispatch(context.Background(), c, protocol.Frame{Command: "bye", Data: []byte("done")})
	if !teardown {
		t.Errorf("expected bye to tear down the client")
	}

	select {
	case f := <-recvDone:
		if f.Command != "BYE" {
			t.Errorf("got %+v, want BYE", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for BYE ack")
	}
}

func TestDispatchUnknownCommandDropsWithoutTeardown(t *testing.T) {
	r := newTestRouter(t, &recordingController{})
	c, _ := newTestClientPair(t)
	c.Name = "container-a"

	if teardown := r.dispatch(context.Background(), c, protocol.Frame{Command: "bogus"}); teardown {
		t.Errorf("expected unknown command not to tear down the client")
	}
}

// TestNoCrossClientInterference covers spec.md §8's "no cross-client
// interference" property: one client dropping its connection abruptly
// must not affect another client's session or the router's shutdown
// future.
func TestNoCrossClientInterference(t *testing.T) {
	r := newTestRouter(t, &recordingController{})
	if err := r.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- r.Serve(ctx) }()

	dial := func(name string) *protocol.Conn {
		conn, err := net.Dial("unix", r.listener.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		pc := protocol.NewConn(conn)
		if _, err := pc.Recv(); err != nil {
			t.Fatalf("recv HELLO: %v", err)
		}
		if err := pc.Send(protocol.Frame{Command: "hello", Data: []byte(name)}); err != nil {
			t.Fatalf("send hello: %v", err)
		}
		return pc
	}

	flaky := dial("flaky")
	survivor := dial("survivor")

	// Simulate one client dying mid-stream without a clean bye.
	if err := flaky.Close(); err != nil {
		t.Fatalf("close flaky: %v", err)
	}

	// The surviving client's session must still work.
	if err := survivor.Send(protocol.Frame{Command: "echo", Data: []byte("ping")}); err != nil {
		t.Fatalf("send echo: %v", err)
	}
	reply, err := survivor.Recv()
	if err != nil {
		t.Fatalf("recv echo reply: %v", err)
	}
	if reply.Command != "ECHO" || string(reply.Data) != "ping" {
		t.Fatalf("got %+v, want ECHO ping", reply)
	}

	r.cfg.Shutdown.Trigger("test complete")
	select {
	case err := <-serveDone:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after shutdown")
	}
	_ = survivor.Close()
}
