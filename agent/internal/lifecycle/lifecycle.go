package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrGraceExceeded is returned by Run when units are still running after
// the shutdown grace period.
var ErrGraceExceeded = errors.New("lifecycle: shutdown grace period exceeded")

// RunFunc is one unit of execution. It must return promptly once ctx is
// cancelled. A non-nil error is a unit failure and stops every other unit.
type RunFunc func(ctx context.Context) error

type unit struct {
	name string
	run  RunFunc
}

// Coordinator runs a fixed set of units that share one cancellation signal.
type Coordinator struct {
	grace time.Duration
	units []unit
}

// New creates a Coordinator with the given shutdown grace period.
func New(grace time.Duration) *Coordinator {
	return &Coordinator{grace: grace}
}

// Add registers a unit. Units must be added before Run.
func (c *Coordinator) Add(name string, run RunFunc) {
	c.units = append(c.units, unit{name: name, run: run})
}

type result struct {
	name string
	err  error
}

// Run starts every unit in its own goroutine and blocks until ctx is
// cancelled or a unit returns. Either way the shared context is cancelled
// and Run waits up to the grace period for all units to return.
//
// It returns the first unit failure, ErrGraceExceeded if a unit did not
// stop in time, or nil after a clean shutdown. A unit that returns nil
// before shutdown is treated as finished and does not stop the others.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(c.units))
	var wg sync.WaitGroup
	for _, u := range c.units {
		wg.Add(1)
		go func(u unit) {
			defer wg.Done()
			results <- result{name: u.name, err: safeRun(runCtx, u)}
		}(u)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	var firstErr error
	running := len(c.units)
wait:
	for running > 0 {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle: shutdown requested", "units", running)
			break wait
		case r := <-results:
			running--
			if r.err != nil {
				slog.Error("lifecycle: unit failed, stopping", "unit", r.name, "err", r.err)
				firstErr = fmt.Errorf("lifecycle: unit %s: %w", r.name, r.err)
				break wait
			}
			slog.Info("lifecycle: unit finished", "unit", r.name)
		}
	}
	cancel()

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-allDone:
	case <-timer.C:
		slog.Error("lifecycle: units did not stop within grace period", "grace", c.grace)
		if firstErr != nil {
			return errors.Join(firstErr, ErrGraceExceeded)
		}
		return ErrGraceExceeded
	}

	// Report failures that happened during shutdown.
	close(results)
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lifecycle: unit %s: %w", r.name, r.err)
		}
	}
	slog.Info("lifecycle: all units stopped")
	return firstErr
}

// safeRun converts a panic in the unit into an error.
func safeRun(ctx context.Context, u unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lifecycle: unit panicked", "unit", u.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return u.run(ctx)
}
