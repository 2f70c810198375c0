// Package store persists users and challenge instances in an embedded
// SQLite database and provides the transactional primitives the deployment
// workers rely on for race-safe state transitions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	// The import also registers the pure-Go "sqlite" driver (no CGO required).
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/unitedctf/instancer/internal/sentinel"
)

// ErrDatabaseLocked is returned by Open when another instancer process
// already holds the database lock file.
const ErrDatabaseLocked = sentinel.Error("database is locked by another process")

// schema is applied on every Open. Statements are idempotent so reopening
// an existing database is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	username       TEXT NOT NULL,
	display_name   TEXT NOT NULL,
	avatar         TEXT NOT NULL,
	creation_time  INTEGER NOT NULL,
	instance_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS challenge_instances (
	user_id      TEXT NOT NULL,
	challenge_id TEXT NOT NULL,
	state        TEXT NOT NULL,
	details      TEXT,
	stop_time    INTEGER,
	PRIMARY KEY (user_id, challenge_id)
);
`

// Store owns all durable records. It is safe for concurrent use; the
// underlying pool is capped at a single connection, which makes every
// conditional UPDATE linearizable (single-writer SQLite).
//
// Failure semantics: any underlying I/O error propagates to the caller
// unwrapped except for context. The store never retries internally; a worker
// receiving a store error aborts its current request and surfaces it.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	log  *slog.Logger
}

// Open opens (creating if missing) the SQLite database at path, applies the
// schema, and takes an exclusive lock file next to it so two instancer
// processes cannot share a database. Returns ErrDatabaseLocked when the lock
// is already held.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	lock := flock.New(path + ".lock")
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire database lock: %w", err)
	}
	if !held {
		return nil, fmt.Errorf("%s: %w", path, ErrDatabaseLocked)
	}

	// WAL with a generous busy timeout; NORMAL synchronous keeps commit
	// latency low while surviving process crashes (the at-least-once
	// recovery path tolerates a lost tail on power loss).
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		unlockErr := lock.Unlock()
		return nil, errors.Join(fmt.Errorf("open sqlite %s: %w", path, err), unlockErr)
	}

	// Single connection: all transitions serialize through one writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		closeErr := db.Close()
		unlockErr := lock.Unlock()
		return nil, errors.Join(fmt.Errorf("apply schema: %w", err), closeErr, unlockErr)
	}

	return &Store{db: db, lock: lock, log: log}, nil
}

// Close closes the database and releases the lock file.
func (s *Store) Close() error {
	var errs []error
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sqlite: %w", err))
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("release database lock: %w", err))
	}
	return errors.Join(errs...)
}

// isUniqueViolation reports whether err is a SQLite primary-key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	default:
		return false
	}
}
