package shipper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/fieldlog/datalogger/agent/internal/buffer"
	"github.com/fieldlog/datalogger/agent/internal/config"
	"github.com/fieldlog/datalogger/agent/internal/metrics"
	"github.com/fieldlog/datalogger/pkg/types"
)

const backoffMultiplier = 2.0

// Store is the part of the buffer the shipping loop uses.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]types.Reading, error)
	MarkDelivered(ctx context.Context, ids []int64) (int64, error)
	Relieve(ctx context.Context, target float64, chunk int) (buffer.EvictionReport, error)
	Pressure(ctx context.Context) (buffer.Pressure, error)
	Stats(ctx context.Context) (buffer.Stats, error)
}

// CycleResult summarises one shipping cycle.
type CycleResult struct {
	// Batches is the number of batches published and marked.
	Batches int
	// Delivered is the number of rows that changed to DELIVERED.
	Delivered int64
	// Err is the error that ended the cycle early, if any.
	Err     error
	Evicted buffer.EvictionReport
}

// Shipper moves PENDING rows upstream and keeps the buffer within bounds.
type Shipper struct {
	cfg      config.Upstream
	storage  config.Storage
	store    Store
	pub      Publisher
	deviceID string
	m        *metrics.Pipeline

	wait func(ctx context.Context, d time.Duration) error // injectable for tests
}

// New creates a Shipper. cfg supplies the upstream and storage sections.
func New(cfg *config.Config, store Store, pub Publisher, deviceID string, m *metrics.Pipeline) *Shipper {
	return &Shipper{
		cfg:      cfg.Upstream,
		storage:  cfg.Storage,
		store:    store,
		pub:      pub,
		deviceID: deviceID,
		m:        m,
		wait:     sleep,
	}
}

// Run runs a cycle immediately and then every PublishInterval until ctx is
// cancelled. It always returns nil: every failure is absorbed and retried on
// a later cycle.
func (s *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PublishInterval)
	defer ticker.Stop()

	slog.Info("shipper: started",
		"kind", s.cfg.Kind,
		"interval", s.cfg.PublishInterval,
		"batch_size", s.cfg.BatchSize)

	s.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle publishes up to MaxBatchesPerCycle batches and then relieves
// storage pressure. It stops early on an empty or partial fetch, on a
// publish failure, or when ctx is cancelled.
func (s *Shipper) Cycle(ctx context.Context) CycleResult {
	var res CycleResult

	for i := 0; i < s.cfg.MaxBatchesPerCycle && ctx.Err() == nil; i++ {
		rows, err := s.store.FetchPending(ctx, s.cfg.BatchSize)
		if err != nil {
			slog.Error("shipper: fetch pending failed", "err", err)
			res.Err = err
			break
		}
		if len(rows) == 0 {
			break
		}

		batch := types.NewBatch(s.deviceID, rows)
		if err := s.publish(ctx, batch); err != nil {
			slog.Warn("shipper: batch not delivered, rows stay pending",
				"batch_id", batch.BatchID,
				"count", len(rows),
				"err", err)
			res.Err = err
			break
		}

		// The publish has been acknowledged; finish the mark even if
		// shutdown started meanwhile.
		n, err := s.store.MarkDelivered(context.WithoutCancel(ctx), batch.IDs())
		if err != nil {
			slog.Error("shipper: mark delivered failed, batch will be re-sent",
				"batch_id", batch.BatchID,
				"err", err)
			res.Err = err
			break
		}
		res.Batches++
		res.Delivered += n
		s.m.Published.Add(float64(n))
		slog.Debug("shipper: batch delivered",
			"batch_id", batch.BatchID,
			"count", len(rows),
			"first_id", rows[0].ID,
			"last_id", rows[len(rows)-1].ID)

		if len(rows) < s.cfg.BatchSize {
			break
		}
	}

	res.Evicted = s.relieve(ctx)
	s.observe(ctx)
	return res
}

// publish tries the batch up to MaxAttempts times. Each attempt gets its own
// timeout and is not interrupted by ctx; ctx only prevents new attempts.
func (s *Shipper) publish(ctx context.Context, batch *types.Batch) error {
	bo := newBackoff(s.cfg.Retry.InitialDelay, s.cfg.Retry.MaxDelay)

	var err error
	for attempt := 1; attempt <= s.cfg.Retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("shipper: publish abandoned after %d attempts: %w", attempt-1, ctx.Err())
		}

		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
		err = s.pub.Publish(attemptCtx, batch)
		cancel()

		if err == nil {
			s.m.PublishAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
			return nil
		}
		if IsPermanent(err) {
			s.m.PublishAttempts.WithLabelValues(metrics.ResultPermanent).Inc()
			slog.Error("shipper: permanent publish error, giving up this cycle",
				"batch_id", batch.BatchID,
				"attempt", attempt,
				"err", err)
			return err
		}
		s.m.PublishAttempts.WithLabelValues(metrics.ResultFailure).Inc()

		if attempt == s.cfg.Retry.MaxAttempts {
			break
		}
		delay := bo.next()
		slog.Warn("shipper: publish failed, will retry",
			"batch_id", batch.BatchID,
			"attempt", attempt,
			"err", err,
			"retry_in", delay)
		if werr := s.wait(ctx, delay); werr != nil {
			return fmt.Errorf("shipper: publish abandoned after %d attempts: %w", attempt, werr)
		}
	}
	return fmt.Errorf("shipper: publish failed after %d attempts: %w", s.cfg.Retry.MaxAttempts, err)
}

// relieve evicts while the buffer is below its free-space target.
func (s *Shipper) relieve(ctx context.Context) buffer.EvictionReport {
	if ctx.Err() != nil {
		return buffer.EvictionReport{}
	}
	rep, err := s.store.Relieve(ctx, s.storage.MinFreeFraction, s.storage.EvictChunk)
	if err != nil {
		slog.Error("shipper: eviction failed", "err", err)
	}
	if rep.Delivered > 0 {
		s.m.Evicted.WithLabelValues(metrics.StateDelivered).Add(float64(rep.Delivered))
		slog.Info("shipper: evicted delivered readings", "count", rep.Delivered)
	}
	if rep.Pending > 0 {
		s.m.Evicted.WithLabelValues(metrics.StatePending).Add(float64(rep.Pending))
	}
	return rep
}

// observe refreshes the buffer gauges.
func (s *Shipper) observe(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if st, err := s.store.Stats(ctx); err == nil {
		s.m.Pending.Set(float64(st.Pending))
		s.m.Delivered.Set(float64(st.Delivered))
	} else {
		slog.Debug("shipper: stats failed", "err", err)
	}
	if p, err := s.store.Pressure(ctx); err == nil {
		s.m.FreeFraction.Set(p.FreeFraction())
	} else {
		slog.Debug("shipper: pressure failed", "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, maxDelay time.Duration) *backoff {
	return &backoff{max: maxDelay, current: initial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > b.max {
		b.current = b.max
	}
	return d
}
