// Package store is the relational persistence layer: repositories, pull
// requests, check runs, and the append-only state-transition history. Backed
// by SQLite through sqlx; use ":memory:" for tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	failure_count INTEGER NOT NULL DEFAULT 0,
	config_override TEXT NOT NULL DEFAULT '{}',
	last_polled_at TIMESTAMP,
	polling_interval INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pull_requests (
	id TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	pr_number INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	draft INTEGER NOT NULL DEFAULT 0,
	base_branch TEXT NOT NULL DEFAULT '',
	base_sha TEXT NOT NULL DEFAULT '',
	head_branch TEXT NOT NULL DEFAULT '',
	head_sha TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	last_checked_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (repository_id, pr_number)
);
CREATE INDEX IF NOT EXISTS idx_pr_repository ON pull_requests(repository_id);

CREATE TABLE IF NOT EXISTS check_runs (
	id TEXT PRIMARY KEY,
	pull_request_id TEXT NOT NULL REFERENCES pull_requests(id) ON DELETE CASCADE,
	external_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	conclusion TEXT NOT NULL DEFAULT '',
	logs_url TEXT NOT NULL DEFAULT '',
	details_url TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (external_id)
);
CREATE INDEX IF NOT EXISTS idx_check_pr ON check_runs(pull_request_id);

CREATE TABLE IF NOT EXISTS pr_state_history (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	old_state TEXT NOT NULL DEFAULT '',
	new_state TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_entity ON pr_state_history(entity_id);
`

// Store owns the database handle. Safe for concurrent use; SQLite serialises
// writes internally and each logical operation runs on its own connection
// from the pool.
type Store struct {
	db *sqlx.DB
}

// New opens (or creates) the database at the given URL and applies the
// schema. Use ":memory:" for an ephemeral store.
func New(url string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent sub-transactions.
	// With one pooled connection the pragma below sticks for the process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for components that compose queries.
func (s *Store) DB() *sqlx.DB { return s.db }

// Ping verifies the connection, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isConstraintViolation reports whether err is a duplicate-key or other
// constraint failure from the sqlite driver. Extended result codes carry the
// primary code in the low byte.
func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func nowUTC() time.Time { return time.Now().UTC() }
