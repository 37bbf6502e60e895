package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
)

// Pressure describes how close the buffer is to its capacity bound.
type Pressure struct {
	Rows    int64
	MaxRows int64

	// RowFree is 1 - Rows/MaxRows, clamped to [0, 1].
	RowFree float64

	// DiskFree is the free fraction of the filesystem holding the database,
	// counting SQLite freelist pages as free. 1 when unknown.
	DiskFree float64
}

// FreeFraction is the tighter of the row and disk headroom.
func (p Pressure) FreeFraction() float64 {
	return min(p.RowFree, p.DiskFree)
}

// Below reports whether the free fraction is under target. A buffer holding
// more than MaxRows rows is always below target.
func (p Pressure) Below(target float64) bool {
	if p.MaxRows > 0 && p.Rows > p.MaxRows {
		return true
	}
	return p.FreeFraction() < target
}

// EvictionReport counts the rows removed by one Evict call. Pending rows are
// undelivered data that was lost.
type EvictionReport struct {
	Delivered int64
	Pending   int64
}

// Total returns the number of rows removed.
func (r EvictionReport) Total() int64 {
	return r.Delivered + r.Pending
}

// Pressure measures the current storage pressure.
func (s *Store) Pressure(ctx context.Context) (Pressure, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TxTimeout)
	defer cancel()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Pressure{}, &StorageError{Op: "pressure", Err: err}
	}
	defer conn.Close()

	p, err := s.measure(ctx, conn)
	if err != nil {
		return Pressure{}, &StorageError{Op: "pressure", Err: err}
	}
	return p, nil
}

// Evict frees space in one transaction.
//
// Phase 1 deletes up to chunk of the oldest DELIVERED rows. Phase 2 runs
// only when phase 1 found no DELIVERED row at all and the free fraction is
// below target; it deletes up to chunk of the oldest rows, which are all
// PENDING at that point. DELIVERED rows are therefore always removed before
// any PENDING row, oldest id first within each state. One call removes at
// most chunk rows; callers repeat it while pressure persists.
func (s *Store) Evict(ctx context.Context, target float64, chunk int) (EvictionReport, error) {
	var rep EvictionReport
	if chunk <= 0 {
		return rep, nil
	}

	err := s.withTx(ctx, "evict", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM readings
			WHERE id IN (
				SELECT id FROM readings WHERE delivered = 1 ORDER BY id LIMIT ?
			)
		`, chunk)
		if err != nil {
			return fmt.Errorf("delete delivered: %w", err)
		}
		if rep.Delivered, err = res.RowsAffected(); err != nil {
			return err
		}

		if rep.Delivered > 0 {
			return nil
		}

		p, err := s.measure(ctx, tx)
		if err != nil {
			return err
		}
		if !p.Below(target) {
			return nil
		}

		res, err = tx.ExecContext(ctx, `
			DELETE FROM readings
			WHERE id IN (
				SELECT id FROM readings WHERE delivered = 0 ORDER BY id LIMIT ?
			)
		`, chunk)
		if err != nil {
			return fmt.Errorf("delete pending: %w", err)
		}
		rep.Pending, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return EvictionReport{}, err
	}

	if rep.Pending > 0 {
		slog.Warn("buffer: evicted undelivered readings",
			"event", "data_loss", "count", rep.Pending)
	}
	return rep, nil
}

// querier is satisfied by *sql.Conn and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// measure computes Pressure using q, so that inside a transaction it sees
// the transaction's own deletes.
func (s *Store) measure(ctx context.Context, q querier) (Pressure, error) {
	p := Pressure{MaxRows: s.opts.MaxRows, DiskFree: 1}

	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&p.Rows); err != nil {
		return p, fmt.Errorf("count rows: %w", err)
	}
	p.RowFree = clamp01(1 - float64(p.Rows)/float64(p.MaxRows))

	var freePages, pageSize int64
	if err := q.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freePages); err != nil {
		return p, fmt.Errorf("freelist_count: %w", err)
	}
	if err := q.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return p, fmt.Errorf("page_size: %w", err)
	}

	du, err := s.opts.DiskUsage(filepath.Dir(s.path))
	if err != nil {
		// Unknown disk state must not stop eviction on the row bound.
		slog.Debug("buffer: disk usage unavailable", "err", err)
		return p, nil
	}
	if du.Total > 0 {
		free := float64(du.Avail) + float64(freePages*pageSize)
		p.DiskFree = clamp01(free / float64(du.Total))
	}
	return p, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Relieve repeats Evict until the free fraction reaches target, a pass
// removes nothing, or ctx is done. Each pass is its own transaction. It
// returns the summed report; on error the rows removed by earlier passes
// are still counted.
func (s *Store) Relieve(ctx context.Context, target float64, chunk int) (EvictionReport, error) {
	var total EvictionReport
	for ctx.Err() == nil {
		p, err := s.Pressure(ctx)
		if err != nil {
			return total, err
		}
		if !p.Below(target) {
			return total, nil
		}

		rep, err := s.Evict(ctx, target, chunk)
		if err != nil {
			return total, err
		}
		total.Delivered += rep.Delivered
		total.Pending += rep.Pending
		if rep.Total() == 0 {
			return total, nil
		}
	}
	return total, ctx.Err()
}
