package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockUntilDone returns a unit that records that it stopped.
func blockUntilDone(stopped *atomic.Int32) RunFunc {
	return func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Add(1)
		return nil
	}
}

func TestRun_CleanShutdown(t *testing.T) {
	var stopped atomic.Int32
	c := New(time.Second)
	c.Add("acquire", blockUntilDone(&stopped))
	c.Add("shipper", blockUntilDone(&stopped))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, int32(2), stopped.Load())
}

func TestRun_FailureStopsOthers(t *testing.T) {
	var stopped atomic.Int32
	boom := errors.New("boom")

	c := New(time.Second)
	c.Add("acquire", blockUntilDone(&stopped))
	c.Add("metrics", func(context.Context) error { return boom })

	err := c.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "metrics")
	assert.Equal(t, int32(1), stopped.Load())
}

func TestRun_PanicBecomesError(t *testing.T) {
	var stopped atomic.Int32
	c := New(time.Second)
	c.Add("acquire", blockUntilDone(&stopped))
	c.Add("shipper", func(context.Context) error { panic("nil map") })

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: nil map")
	assert.Equal(t, int32(1), stopped.Load())
}

func TestRun_GraceExceeded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	c := New(30 * time.Millisecond)
	c.Add("stuck", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, ErrGraceExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_EarlyNilReturnKeepsOthersRunning(t *testing.T) {
	var stopped atomic.Int32
	c := New(time.Second)
	c.Add("oneshot", func(context.Context) error { return nil })
	c.Add("acquire", blockUntilDone(&stopped))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), stopped.Load(), "acquire stopped before shutdown")

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), stopped.Load())
}

func TestRun_FailureDuringShutdownReported(t *testing.T) {
	flushErr := errors.New("final flush failed")
	c := New(time.Second)
	c.Add("acquire", func(ctx context.Context) error {
		<-ctx.Done()
		return flushErr
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Run(ctx), flushErr)
}
