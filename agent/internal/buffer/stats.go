package buffer

import (
	"context"
	"database/sql"
	"os"
	"time"
)

// Stats is a point-in-time summary used by the status command and gauges.
type Stats struct {
	Pending   int64 `json:"pending"`
	Delivered int64 `json:"delivered"`

	// OldestPending is the capture time of the lowest-id PENDING row, nil if
	// there is none.
	OldestPending *time.Time `json:"oldest_pending,omitempty"`

	// LastID is the highest id ever assigned (0 for a new store).
	LastID int64 `json:"last_id"`

	// FileBytes is the size of the database file plus its WAL.
	FileBytes int64 `json:"file_bytes"`
}

// Stats reads the current buffer summary.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TxTimeout)
	defer cancel()

	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN delivered = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered = 1 THEN 1 ELSE 0 END), 0)
		FROM readings
	`).Scan(&st.Pending, &st.Delivered)
	if err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}

	var oldest sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT captured_at FROM readings WHERE delivered = 0 ORDER BY id LIMIT 1
	`).Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64).UTC()
		st.OldestPending = &t
	}

	// sqlite_sequence keeps the high-water mark even after eviction.
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM sqlite_sequence WHERE name = 'readings'
	`).Scan(&st.LastID)
	if err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}

	for _, p := range []string{s.path, s.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			st.FileBytes += fi.Size()
		}
	}
	return st, nil
}
