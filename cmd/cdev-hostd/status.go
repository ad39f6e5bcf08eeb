package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cdevfabric/cdevd/internal/config"
	"github.com/cdevfabric/cdevd/pkg/protocol"
)

// newStatusCmd implements `cdev-hostd status` (SPEC_FULL.md §4
// supplemented feature): connect to the running daemon's own control
// socket like any other client, ask for a client roster, and print it.
// This reuses the existing framed protocol (C3) rather than inventing
// a parallel admin channel.
func newStatusCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List container agents currently connected to the host daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(opts, cmd); err != nil {
				fmt.Fprintln(os.Stderr, "cdev-hostd: config:", err)
			}
			return runStatus(opts.SocketPath)
		},
	}
	return cmd
}

func runStatus(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("cdev-hostd: connect %s: %w", socketPath, err)
	}
	pc := protocol.NewConn(conn)
	defer pc.Close()

	hello, err := pc.Recv()
	if err != nil {
		return fmt.Errorf("cdev-hostd: waiting for HELLO: %w", err)
	}
	if hello.Command != "HELLO" {
		return fmt.Errorf("cdev-hostd: unexpected greeting %q", hello.Command)
	}

	if err := pc.Send(protocol.Frame{Command: "hello", Data: []byte("cdevctl-status")}); err != nil {
		return fmt.Errorf("cdev-hostd: send hello: %w", err)
	}
	if err := pc.Send(protocol.Frame{Command: "status"}); err != nil {
		return fmt.Errorf("cdev-hostd: send status: %w", err)
	}

	reply, err := pc.Recv()
	if err != nil {
		return fmt.Errorf("cdev-hostd: waiting for STATUS_REPLY: %w", err)
	}
	_ = pc.Send(protocol.Frame{Command: "bye", Data: []byte("done")})

	if reply.Command != "STATUS_REPLY" {
		return fmt.Errorf("cdev-hostd: unexpected reply %q", reply.Command)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"NAME", "STATE"})

	scanner := bufio.NewScanner(strings.NewReader(string(reply.Data)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		t.AppendRow(table.Row{parts[0], parts[1]})
	}
	t.Render()
	return nil
}
