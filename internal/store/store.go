// Package store provides the single durable SQLite store shared by the
// scheduler, project queue, health monitor, and auto-merge runner. WAL mode
// allows those processes to read and write concurrently; writes use
// immediate transactions so lock acquisition fails fast and is retried here
// with capped backoff.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Common errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBadInterval       = errors.New("interval_minutes must be positive")
	ErrSchemaTooNew      = errors.New("store schema is newer than this binary")
)

// busy retry policy for "database is locked" errors.
const (
	busyInitialDelay = 50 * time.Millisecond
	busyMaxDelay     = 1 * time.Second
	busyTotalBudget  = 10 * time.Second
)

// Store wraps the SQLite connection with Foreman-specific operations.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.Mutex // serializes writes within this process
	now  func() time.Time
}

// Open opens (creating if needed) the store at path, enables WAL, and
// applies pending migrations. It refuses to open a store whose schema is
// newer than this binary understands.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	// _txlock=immediate makes write transactions take the reserved lock at
	// BEGIN, so conflicts surface immediately instead of at COMMIT.
	conn, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, path: path, now: time.Now}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

// Path returns the store file location.
func (s *Store) Path() string { return s.path }

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// isBusy reports whether err is a transient SQLite lock error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs fn, retrying transient lock errors with capped exponential
// backoff (50ms doubling to 1s, 10s total).
func withRetry(fn func() error) error {
	delay := busyInitialDelay
	deadline := time.Now().Add(busyTotalBudget)
	for {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("store busy after %v: %w", busyTotalBudget, err)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > busyMaxDelay {
			delay = busyMaxDelay
		}
	}
}

// tx runs fn inside a single write transaction with busy retry.
func (s *Store) tx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(func() error {
		tx, err := s.conn.Begin()
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Time encoding: RFC3339 UTC, matching the registry's JSON files.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func timeOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
