package runtime

import (
	"context"
	"time"
)

// RuleTimeout is the canonical bound from spec.md §5: rule evaluation
// must not block the router for more than ~2 seconds on any one event.
const RuleTimeout = 2 * time.Second

// RunWithTimeout races fn against d (defaulting to RuleTimeout when
// d <= 0). If fn finishes first, its error is returned. If the
// deadline elapses first, RunWithTimeout returns context.DeadlineExceeded
// immediately and fn continues running in the background; its
// eventual completion is discarded -- the caller (the router) already
// proceeded with the Context's partially-evaluated state, matching
// spec.md §4.5: "on timeout, log and proceed with whatever the
// partially evaluated context contains."
func RunWithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		d = RuleTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}
