package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fieldlog/datalogger/pkg/types"
)

// markChunk bounds the number of ids bound into one UPDATE statement.
const markChunk = 500

// AppendBatch inserts every row in one transaction and returns the assigned
// ids in input order. Either all rows are committed or none are. ID and
// State of the input rows are ignored; new rows are always PENDING.
func (s *Store) AppendBatch(ctx context.Context, rows []types.Reading) ([]int64, error) {
	if len(rows) == 0 {
		return []int64{}, nil
	}

	ids := make([]int64, 0, len(rows))
	err := s.withTx(ctx, "append batch", func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO readings (captured_at, device_id, payload, delivered)
			VALUES (?, ?, ?, 0)
		`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for i, r := range rows {
			payload := []byte(r.Payload)
			if payload == nil {
				payload = []byte{}
			}
			res, err := stmt.ExecContext(ctx, r.Timestamp.UTC().UnixNano(), r.DeviceID, payload)
			if err != nil {
				return fmt.Errorf("insert row %d: %w", i, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("row %d id: %w", i, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FetchPending returns up to limit PENDING rows in ascending id order.
// It never changes state.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]types.Reading, error) {
	if limit <= 0 {
		return []types.Reading{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.TxTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, captured_at, device_id, payload
		FROM readings
		WHERE delivered = 0
		ORDER BY id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, &StorageError{Op: "fetch pending", Err: err}
	}
	defer rows.Close()

	// Return empty slice instead of nil
	out := make([]types.Reading, 0, limit)
	for rows.Next() {
		var (
			r          types.Reading
			capturedAt int64
			payload    []byte
		)
		if err := rows.Scan(&r.ID, &capturedAt, &r.DeviceID, &payload); err != nil {
			return nil, &StorageError{Op: "fetch pending", Err: err}
		}
		r.Timestamp = time.Unix(0, capturedAt).UTC()
		r.Payload = types.Payload(payload)
		r.State = types.StatePending
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "fetch pending", Err: err}
	}
	return out, nil
}

// MarkDelivered transitions the named rows from PENDING to DELIVERED in one
// transaction and returns how many rows changed. Already delivered or
// missing ids are ignored, so repeating a call is harmless.
func (s *Store) MarkDelivered(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var changed int64
	err := s.withTx(ctx, "mark delivered", func(ctx context.Context, tx *sql.Tx) error {
		for start := 0; start < len(ids); start += markChunk {
			end := min(start+markChunk, len(ids))
			chunk := ids[start:end]

			query := `UPDATE readings SET delivered = 1 WHERE delivered = 0 AND id IN (` +
				placeholders(len(chunk)) + `)`
			args := make([]any, len(chunk))
			for i, id := range chunk {
				args[i] = id
			}

			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			changed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
