package buffer

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - readings table with delivered flag
const currentSchemaVersion = 1

// Defaults used when Options fields are zero.
const (
	DefaultMaxRows     = 1_000_000
	DefaultSynchronous = "FULL"
	DefaultTxTimeout   = 5 * time.Second
)

// Options configures a Store.
type Options struct {
	// MaxRows is the capacity bound in rows.
	MaxRows int64

	// Synchronous is the SQLite synchronous pragma. FULL makes every
	// committed batch survive power loss.
	Synchronous string

	// TxTimeout bounds every operation, including the wait for the single
	// connection.
	TxTimeout time.Duration

	// DiskUsage reports the filesystem holding the database. Nil uses statfs.
	DiskUsage func(path string) (DiskUsage, error)
}

// StorageError is returned by every Store operation that fails inside SQLite.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("buffer: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorage reports whether err came from a Store operation.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Store is the durable reading buffer shared by the acquisition and shipping
// loops. All cross-loop coordination goes through its transactions.
type Store struct {
	db   *sql.DB
	path string
	opts Options
}

// Open creates or opens the buffer database at path.
//
// The database is configured with:
//   - WAL mode so the shipping loop can read while a batch commits
//   - the configured synchronous mode (FULL by default)
//   - 5-second busy timeout for lock contention
//   - write transactions started with BEGIN IMMEDIATE
//
// Open failure is fatal for the agent.
func Open(path string, opts Options) (*Store, error) {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	if opts.Synchronous == "" {
		opts.Synchronous = DefaultSynchronous
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = DefaultTxTimeout
	}
	if opts.DiskUsage == nil {
		opts.DiskUsage = StatDisk
	}
	switch opts.Synchronous {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("unknown synchronous mode %q", opts.Synchronous)}
	}

	db, err := sql.Open("sqlite3", dsn(path, opts.Synchronous))
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	// One connection: SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	return &Store{db: db, path: path, opts: opts}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// MaxRows returns the configured capacity bound.
func (s *Store) MaxRows() int64 {
	return s.opts.MaxRows
}

// dsn carries the pragmas as driver parameters so that every connection
// the pool opens, including a replacement for a broken one, gets them.
func dsn(path, synchronous string) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", synchronous)
	params.Set("_busy_timeout", "5000")
	return path + "?" + params.Encode()
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// withTx runs fn in one write transaction bounded by TxTimeout. The
// transaction commits only if fn returns nil.
func (s *Store) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}
