package acquire

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fieldlog/datalogger/agent/internal/config"
	"github.com/fieldlog/datalogger/agent/internal/instrument"
	"github.com/fieldlog/datalogger/agent/internal/metrics"
	"github.com/fieldlog/datalogger/pkg/types"
)

// Appender is the part of the buffer the loop writes to.
type Appender interface {
	AppendBatch(ctx context.Context, rows []types.Reading) ([]int64, error)
}

// State is the loop's flush state.
type State int

const (
	Accumulating State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "DRAINING"
	}
	return "ACCUMULATING"
}

// Loop samples the instrument on a fixed period and flushes batches of
// readings to the buffer. Its in-memory batch is private to Run.
type Loop struct {
	cfg       config.Acquisition
	txTimeout time.Duration
	client    instrument.Client
	registers []config.Register
	deviceID  string
	store     Appender
	m         *metrics.Pipeline

	now   func() time.Time // injectable for tests
	batch []types.Reading
	state State
}

// New creates a Loop. cfg supplies the acquisition section and the storage
// transaction timeout used for the final flush.
func New(cfg *config.Config, client instrument.Client, registers []config.Register, deviceID string, store Appender, m *metrics.Pipeline) *Loop {
	return &Loop{
		cfg:       cfg.Acquisition,
		txTimeout: cfg.Storage.TxTimeout,
		client:    client,
		registers: registers,
		deviceID:  deviceID,
		store:     store,
		m:         m,
		now:       time.Now,
	}
}

// Run samples immediately and then every SampleInterval until ctx is
// cancelled. On cancellation it makes one best-effort flush of whatever is
// still in memory and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.SampleInterval)
	defer ticker.Stop()

	slog.Info("acquire: started",
		"interval", l.cfg.SampleInterval,
		"batch_size", l.cfg.BatchSize,
		"registers", len(l.registers))

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick takes one sample and flushes if the batch is due.
func (l *Loop) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	l.sample(ctx)
	l.trim()
	if l.due() {
		l.flush(ctx)
	}
	l.m.MemoryBatch.Set(float64(len(l.batch)))
}

func (l *Loop) sample(ctx context.Context) {
	readCtx, cancel := context.WithTimeout(ctx, l.cfg.ReadTimeout)
	defer cancel()

	at := l.now().UTC()
	values, err := l.client.Read(readCtx, l.registers)
	if err != nil {
		l.m.SampleErrors.WithLabelValues(errorKind(err)).Inc()
		slog.Warn("acquire: instrument read failed, skipping tick", "err", err)
		return
	}

	payload, err := types.EncodeValues(values)
	if err != nil {
		l.m.SampleErrors.WithLabelValues("encode").Inc()
		slog.Warn("acquire: encode payload failed, skipping tick", "err", err)
		return
	}

	l.batch = append(l.batch, types.Reading{
		Timestamp: at,
		DeviceID:  l.deviceID,
		Payload:   payload,
		State:     types.StatePending,
	})
	l.m.Samples.Inc()
}

// trim enforces the high-water mark by dropping the oldest unpersisted
// samples.
func (l *Loop) trim() {
	over := len(l.batch) - l.cfg.MaxPending
	if over <= 0 {
		return
	}
	l.batch = append([]types.Reading(nil), l.batch[over:]...)
	l.m.Dropped.WithLabelValues(metrics.ReasonOverflow).Add(float64(over))
	slog.Warn("acquire: memory batch over high-water mark, dropped oldest samples",
		"event", "data_loss",
		"count", over,
		"max_pending", l.cfg.MaxPending)
}

// due reports whether the batch is full or its oldest sample is too old.
// A batch retained after a failed flush stays due, so the flush is retried
// on every following tick.
func (l *Loop) due() bool {
	if len(l.batch) == 0 {
		return false
	}
	if len(l.batch) >= l.cfg.BatchSize {
		return true
	}
	return l.cfg.MaxBatchAge > 0 && l.now().Sub(l.batch[0].Timestamp) >= l.cfg.MaxBatchAge
}

// flush appends the whole batch in one transaction. On failure the batch is
// kept in memory.
func (l *Loop) flush(ctx context.Context) bool {
	l.state = Draining
	defer func() { l.state = Accumulating }()

	ids, err := l.store.AppendBatch(ctx, l.batch)
	if err != nil {
		l.m.FlushFailures.Inc()
		slog.Error("acquire: flush failed, keeping batch in memory",
			"count", len(l.batch),
			"err", err)
		return false
	}

	l.m.Persisted.Add(float64(len(ids)))
	if len(ids) > 0 {
		slog.Debug("acquire: batch flushed",
			"count", len(ids),
			"first_id", ids[0],
			"last_id", ids[len(ids)-1])
	}
	l.batch = nil
	return true
}

// drain flushes the remaining batch on a fresh context so a cancelled
// parent does not abort the final write.
func (l *Loop) drain() {
	if len(l.batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.txTimeout)
	defer cancel()

	n := len(l.batch)
	if l.flush(ctx) {
		slog.Info("acquire: final flush complete", "count", n)
	} else {
		slog.Warn("acquire: final flush failed, samples lost",
			"event", "data_loss",
			"count", n)
	}
	l.m.MemoryBatch.Set(float64(len(l.batch)))
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, instrument.ErrTimeout):
		return "timeout"
	case errors.Is(err, instrument.ErrConnection):
		return "connection"
	case errors.Is(err, instrument.ErrProtocol):
		return "protocol"
	}
	return "other"
}
