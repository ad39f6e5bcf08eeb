// Package runtime provides the cooperative scheduling glue shared by
// cdev-hostd and cdev-agent (spec.md C7): a program-wide shutdown
// future completed by SIGINT/SIGTERM, and a bounded rule-evaluation
// timeout standing in for the alarm-based mechanism spec.md §5
// describes (Go has no SIGALRM-driven function-level timeout, so the
// canonical substitute is a worker goroutine raced against a
// context.Context deadline -- the semantic requirement, that the
// router never block more than ~2s on one event, is preserved either
// way).
package runtime

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Shutdown is a program-wide, once-completed signal: the first of
// SIGINT/SIGTERM (or an explicit Trigger call) closes Done and records
// Reason.
type Shutdown struct {
	once   sync.Once
	done   chan struct{}
	reason string
}

// NewShutdown creates an armed-but-not-yet-triggered Shutdown.
func NewShutdown() *Shutdown {
	return &Shutdown{done: make(chan struct{})}
}

// Done returns a channel closed once shutdown has been triggered.
func (s *Shutdown) Done() <-chan struct{} {
	return s.done
}

// Reason returns the signal name or trigger reason, valid only after
// Done is closed.
func (s *Shutdown) Reason() string {
	return s.reason
}

// Trigger completes the shutdown future with reason, idempotently --
// only the first call has any effect (spec.md §4.7: SIGINT/SIGTERM
// "complete the program-wide shutdown future").
func (s *Shutdown) Trigger(reason string) {
	s.once.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// WatchSignals arms SIGINT/SIGTERM handling that triggers sd on
// receipt, and returns a function to stop watching. The returned
// context is cancelled when sd fires, for passing to anything that
// wants cancellation instead of a channel.
func WatchSignals(sd *Shutdown) (ctx context.Context, stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		select {
		case sig := <-ch:
			sd.Trigger(sig.String())
			cancel()
		case <-sd.Done():
			cancel()
		case <-stopped:
		}
	}()

	return ctx, func() {
		signal.Stop(ch)
		close(stopped)
	}
}
