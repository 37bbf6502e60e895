package shipper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlog/datalogger/agent/internal/buffer"
	"github.com/fieldlog/datalogger/agent/internal/config"
	"github.com/fieldlog/datalogger/agent/internal/metrics"
	"github.com/fieldlog/datalogger/pkg/types"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakePublisher records every attempted batch. The first `fail` attempts
// return err (a transient StatusError when err is nil).
type fakePublisher struct {
	mu      sync.Mutex
	fail    int
	err     error
	batches []*types.Batch
}

func (p *fakePublisher) Publish(_ context.Context, b *types.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, b)
	if len(p.batches) <= p.fail {
		if p.err != nil {
			return p.err
		}
		return &StatusError{Code: 503}
	}
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func roomyDisk(string) (buffer.DiskUsage, error) {
	return buffer.DiskUsage{Total: 100 << 30, Avail: 90 << 30}, nil
}

// createTestStore opens a store holding n PENDING readings with ids 1..n.
func createTestStore(t *testing.T, maxRows int64, n int) *buffer.Store {
	t.Helper()
	s, err := buffer.Open(filepath.Join(t.TempDir(), "test.db"), buffer.Options{MaxRows: maxRows, DiskUsage: roomyDisk})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rows := make([]types.Reading, n)
	for i := range rows {
		rows[i] = types.Reading{
			Timestamp: baseTime.Add(time.Duration(i) * time.Second),
			DeviceID:  "dev-1",
			Payload:   types.Payload(fmt.Sprintf(`{"seq":%d}`, i)),
		}
	}
	if n > 0 {
		_, err = s.AppendBatch(context.Background(), rows)
		require.NoError(t, err)
	}
	return s
}

func shipperConfig() *config.Config {
	return &config.Config{
		Upstream: config.Upstream{
			Kind:               "http",
			Timeout:            time.Second,
			PublishInterval:    time.Hour,
			BatchSize:          50,
			MaxBatchesPerCycle: 10,
			Retry: config.Retry{
				MaxAttempts:  3,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
			},
		},
		Storage: config.Storage{MinFreeFraction: 0.1, EvictChunk: 30},
	}
}

// newTestShipper returns a shipper whose retry waits are recorded instead
// of slept.
func newTestShipper(cfg *config.Config, store Store, pub Publisher) (*Shipper, *metrics.Pipeline, *[]time.Duration) {
	m := metrics.New()
	s := New(cfg, store, pub, "dev-1", m)
	var waits []time.Duration
	s.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return s, m, &waits
}

func pendingIDs(t *testing.T, s *buffer.Store) []int64 {
	t.Helper()
	rows, err := s.FetchPending(context.Background(), 1_000_000)
	require.NoError(t, err)
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func idRange(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestCycle_DeliversInBatches(t *testing.T) {
	store := createTestStore(t, 1000, 120)
	pub := &fakePublisher{}
	s, m, _ := newTestShipper(shipperConfig(), store, pub)

	res := s.Cycle(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, int64(120), res.Delivered)
	require.Len(t, pub.batches, 3)
	assert.Equal(t, idRange(1, 50), pub.batches[0].IDs())
	assert.Equal(t, idRange(51, 100), pub.batches[1].IDs())
	assert.Equal(t, idRange(101, 120), pub.batches[2].IDs())
	assert.Equal(t, "dev-1", pub.batches[0].DeviceID)
	assert.Empty(t, pendingIDs(t, store))

	assert.Equal(t, 120.0, testutil.ToFloat64(m.Published))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PublishAttempts.WithLabelValues(metrics.ResultSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Pending))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.Delivered))
}

func TestCycle_EmptyStore(t *testing.T) {
	store := createTestStore(t, 1000, 0)
	pub := &fakePublisher{}
	s, _, _ := newTestShipper(shipperConfig(), store, pub)

	res := s.Cycle(context.Background())
	assert.NoError(t, res.Err)
	assert.Zero(t, res.Batches)
	assert.Zero(t, pub.attempts())
}

func TestCycle_RetryBudgetExhausted(t *testing.T) {
	store := createTestStore(t, 1000, 100)
	pub := &fakePublisher{fail: 1000}
	s, m, waits := newTestShipper(shipperConfig(), store, pub)

	res := s.Cycle(context.Background())

	require.Error(t, res.Err)
	var se *StatusError
	assert.True(t, errors.As(res.Err, &se), "err = %v", res.Err)
	assert.Equal(t, 3, pub.attempts())
	assert.Len(t, *waits, 2, "waits between 3 attempts")
	assert.Zero(t, res.Delivered)
	assert.Equal(t, idRange(1, 100), pendingIDs(t, store), "no row delivered")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PublishAttempts.WithLabelValues(metrics.ResultFailure)))

	// The next cycle re-fetches exactly the same ids.
	s.Cycle(context.Background())
	require.Equal(t, 6, pub.attempts())
	assert.Equal(t, pub.batches[0].IDs(), pub.batches[3].IDs())
	assert.Equal(t, pub.batches[0].BatchID, pub.batches[3].BatchID)
}

func TestCycle_RecoversAfterTransientFailures(t *testing.T) {
	store := createTestStore(t, 1000, 10)
	pub := &fakePublisher{fail: 2}
	s, _, _ := newTestShipper(shipperConfig(), store, pub)

	res := s.Cycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 3, pub.attempts())
	assert.Equal(t, int64(10), res.Delivered)
	assert.Empty(t, pendingIDs(t, store))
}

func TestCycle_PermanentErrorStopsRetry(t *testing.T) {
	store := createTestStore(t, 1000, 10)
	pub := &fakePublisher{fail: 1000, err: &PermanentError{Err: &StatusError{Code: 401}}}
	s, m, waits := newTestShipper(shipperConfig(), store, pub)

	res := s.Cycle(context.Background())
	assert.True(t, IsPermanent(res.Err))
	assert.Equal(t, 1, pub.attempts())
	assert.Empty(t, *waits)
	assert.Len(t, pendingIDs(t, store), 10)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishAttempts.WithLabelValues(metrics.ResultPermanent)))
}

func TestCycle_MaxBatchesPerCycle(t *testing.T) {
	store := createTestStore(t, 1000, 200)
	cfg := shipperConfig()
	cfg.Upstream.MaxBatchesPerCycle = 2
	pub := &fakePublisher{}
	s, _, _ := newTestShipper(cfg, store, pub)

	res := s.Cycle(context.Background())
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, idRange(101, 200), pendingIDs(t, store))
}

func TestCycle_NoNewAttemptAfterCancel(t *testing.T) {
	store := createTestStore(t, 1000, 10)
	pub := &fakePublisher{fail: 1000}
	s, _, _ := newTestShipper(shipperConfig(), store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	s.wait = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	res := s.Cycle(ctx)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, pub.attempts())
	assert.Len(t, pendingIDs(t, store), 10)
}

func TestCycle_CancelledBeforeStart(t *testing.T) {
	store := createTestStore(t, 1000, 10)
	pub := &fakePublisher{}
	s, _, _ := newTestShipper(shipperConfig(), store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Cycle(ctx)
	assert.Zero(t, pub.attempts())
}

func TestCycle_EvictsDeliveredUnderPressure(t *testing.T) {
	store := createTestStore(t, 40, 100)
	cfg := shipperConfig()
	cfg.Upstream.BatchSize = 100
	pub := &fakePublisher{}
	s, m, _ := newTestShipper(cfg, store, pub)

	res := s.Cycle(context.Background())
	require.NoError(t, res.Err)

	// 100 rows against 40 max: three chunks of 30 bring it to 10 rows.
	assert.Equal(t, int64(90), res.Evicted.Delivered)
	assert.Zero(t, res.Evicted.Pending)
	assert.Equal(t, 90.0, testutil.ToFloat64(m.Evicted.WithLabelValues(metrics.StateDelivered)))

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Delivered)
	assert.InDelta(t, 0.75, testutil.ToFloat64(m.FreeFraction), 1e-9)
}

func TestCycle_EvictsPendingWhenNothingDelivered(t *testing.T) {
	store := createTestStore(t, 40, 100)
	pub := &fakePublisher{fail: 1000}
	s, m, _ := newTestShipper(shipperConfig(), store, pub)

	res := s.Cycle(context.Background())
	require.Error(t, res.Err)

	assert.Zero(t, res.Evicted.Delivered)
	assert.Equal(t, int64(90), res.Evicted.Pending)
	assert.Equal(t, idRange(91, 100), pendingIDs(t, store), "oldest pending evicted first")
	assert.Equal(t, 90.0, testutil.ToFloat64(m.Evicted.WithLabelValues(metrics.StatePending)))
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := createTestStore(t, 1000, 5)
	pub := &fakePublisher{}
	s, _, _ := newTestShipper(shipperConfig(), store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for pub.attempts() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, pub.attempts())
	assert.Empty(t, pendingIDs(t, store))
}

func TestBackoff_GrowsWithJitterAndCaps(t *testing.T) {
	bo := newBackoff(time.Second, 4*time.Second)
	wantBase := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, base := range wantBase {
		d := bo.next()
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		if d < lo || d > hi {
			t.Errorf("next() #%d = %v, want within [%v, %v]", i, d, lo, hi)
		}
	}
}

func TestPermanentStatus(t *testing.T) {
	cases := map[int]bool{
		400: true, 401: true, 403: true, 404: true, 413: true,
		408: false, 429: false, 500: false, 502: false, 503: false,
	}
	for code, want := range cases {
		if got := permanentStatus(code); got != want {
			t.Errorf("permanentStatus(%d) = %v, want %v", code, got, want)
		}
	}
}
