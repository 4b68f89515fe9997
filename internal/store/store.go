// Copyright 2025 The Dazzle Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the embedded persistence layer of the engine: runs,
// human tasks, signals, step audit rows, schedule state, lifecycle events,
// DSL versions and version migrations, all in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed storage for engine state.
type Store struct {
	db *sql.DB
}

// Config contains store configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// Open opens (creating if necessary) the database and runs migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// SQLite connection string with WAL mode for better concurrency
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// With WAL mode, SQLite can handle multiple readers concurrently.
	// An in-memory database is per-connection, so it must stay on one.
	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	if cfg.Path == ":memory:" {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	// Enable foreign keys (disabled by default in SQLite)
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrations := []string{
		// One row per run of a process
		`CREATE TABLE IF NOT EXISTS process_runs (
			run_id TEXT PRIMARY KEY,
			process_name TEXT NOT NULL,
			process_version TEXT,
			dsl_version TEXT,
			status TEXT NOT NULL,
			current_step TEXT,
			inputs TEXT,
			context TEXT,
			outputs TEXT,
			error TEXT,
			idempotency_key TEXT UNIQUE,
			started_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON process_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_process ON process_runs(process_name, status)`,
		// Partial index: most runs predate version tracking
		`CREATE INDEX IF NOT EXISTS idx_runs_dsl_version ON process_runs(dsl_version) WHERE dsl_version IS NOT NULL`,

		// Human tasks owned by a run
		`CREATE TABLE IF NOT EXISTS process_tasks (
			task_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES process_runs(run_id),
			step_name TEXT NOT NULL,
			surface_name TEXT,
			entity_name TEXT,
			entity_id TEXT,
			assignee_id TEXT,
			assignee_role TEXT,
			status TEXT NOT NULL,
			outcome TEXT,
			outcome_data TEXT,
			due_at INTEGER NOT NULL,
			escalated_at INTEGER,
			completed_at INTEGER,
			completed_by TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON process_tasks(assignee_id)`,
		// Scheduler escalation scan
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON process_tasks(status, due_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run ON process_tasks(run_id)`,

		// Signals consumed at most once by a waiting step
		`CREATE TABLE IF NOT EXISTS process_signals (
			signal_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES process_runs(run_id),
			signal_name TEXT NOT NULL,
			payload TEXT,
			processed INTEGER NOT NULL DEFAULT 0,
			processed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pending ON process_signals(run_id, signal_name, processed)`,

		// Immutable audit record of step attempts
		`CREATE TABLE IF NOT EXISTS step_executions (
			execution_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES process_runs(run_id),
			step_name TEXT NOT NULL,
			step_kind TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			outputs TEXT,
			error TEXT,
			completed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_run ON step_executions(run_id)`,

		// Per-schedule bookkeeping consulted by the scheduler loop
		`CREATE TABLE IF NOT EXISTS schedule_runs (
			schedule_name TEXT PRIMARY KEY,
			last_run_at INTEGER,
			last_run_id TEXT,
			next_run_at INTEGER,
			run_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_at INTEGER NOT NULL
		)`,

		// Persisted lifecycle events
		`CREATE TABLE IF NOT EXISTS process_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT REFERENCES process_runs(run_id),
			process_name TEXT,
			schema_name TEXT NOT NULL,
			event_data TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON process_events(run_id)`,

		// Deployed DSL generations
		`CREATE TABLE IF NOT EXISTS dsl_versions (
			version_id TEXT PRIMARY KEY,
			deployed_at INTEGER NOT NULL,
			dsl_hash TEXT,
			manifest_json TEXT,
			status TEXT NOT NULL
		)`,

		// Linear migration history between DSL generations
		`CREATE TABLE IF NOT EXISTS version_migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_version TEXT REFERENCES dsl_versions(version_id),
			to_version TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			status TEXT NOT NULL,
			runs_drained INTEGER NOT NULL DEFAULT 0,
			runs_remaining INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
// This is exported for testing and advanced use cases.
func (s *Store) DB() *sql.DB {
	return s.db
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Timestamps are stored as Unix nanoseconds.

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func timeAt(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := timeAt(n.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalBag serialises a bag to JSON, mapping nil to SQL NULL.
func marshalBag(bag map[string]any) (any, error) {
	if bag == nil {
		return nil, nil
	}
	data, err := json.Marshal(bag)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bag: %w", err)
	}
	return string(data), nil
}

func unmarshalBag(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var bag map[string]any
	if err := json.Unmarshal(data, &bag); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bag: %w", err)
	}
	return bag, nil
}
