// Package store persists sessions, agents, events, findings and analysis
// results in an embedded SQLite database.
//
// A single connection serves all callers, serialized by one mutex. The
// lock is held for the duration of each operation and never across
// network I/O or analysis compute; analysis snapshots its inputs, works
// outside the lock, then reacquires it to persist.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/haasonsaas/argus/internal/observability"
)

// ErrIntegrity reports a constraint violation. It fails the single call,
// never the process; callers treat it as "record not written".
var ErrIntegrity = errors.New("store integrity error")

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("record not found")

// cleanupMinInterval rate-limits background cleanup so it never
// dominates the event ingestion hot path.
const cleanupMinInterval = time.Minute

// cleanupEveryNEvents triggers opportunistic cleanup during ingestion.
const cleanupEveryNEvents = 100

// Options configures a Store.
type Options struct {
	// Mode is "sqlite" for a file-backed database or "memory".
	Mode string

	// Path locates the database file in sqlite mode.
	Path string

	// MaxEvents caps the per-session event ring buffer.
	MaxEvents int

	// RetentionMinutes is the cleanup horizon for incomplete sessions.
	RetentionMinutes int

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Store is the trace store. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	opts Options

	logger  *observability.Logger
	metrics *observability.Metrics

	eventCounter int64
	lastCleanup  time.Time
	nowFunc      func() time.Time
}

// Open opens (or creates) the database, applies pragmas and runs the
// idempotent schema migration.
func Open(opts Options) (*Store, error) {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 10000
	}
	if opts.RetentionMinutes <= 0 {
		opts.RetentionMinutes = 30
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{Level: "info"})
	}

	dsn := opts.Path
	if opts.Mode == "memory" || dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection, serialized by the store mutex.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{
		db:      db,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		nowFunc: time.Now,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

// withTx runs fn in a transaction under the store lock.
func (s *Store) withTx(op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTxLocked(op, fn)
}

// withTxLocked is withTx for callers that already hold the lock.
func (s *Store) withTxLocked(op string, fn func(tx *sql.Tx) error) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}()

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrapIntegrity(op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapIntegrity(op, err)
	}
	return nil
}

// wrapIntegrity tags constraint violations with ErrIntegrity so callers
// can distinguish them from transient failures.
func wrapIntegrity(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w: %v", op, ErrIntegrity, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// now returns the store clock in UTC.
func (s *Store) now() time.Time {
	return s.nowFunc().UTC()
}
