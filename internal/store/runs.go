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

package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
)

const runColumns = `run_id, process_name, process_version, dsl_version, status,
	current_step, inputs, context, outputs, error, idempotency_key,
	started_at, updated_at, completed_at`

// terminalRunStatuses guards every run mutation: once terminal, a run's
// status never changes.
const terminalRunStatuses = `('completed', 'failed', 'cancelled')`

// CreateRun inserts a run. When the request carries an idempotency key that
// already exists, the existing run is returned instead; the check and the
// insert share one transaction. The second return value reports whether a
// new row was inserted.
func (s *Store) CreateRun(ctx context.Context, run *backend.Run) (*backend.Run, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if run.IdempotencyKey != "" {
		row := tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM process_runs WHERE idempotency_key = ?`,
			run.IdempotencyKey,
		)
		existing, err := scanRun(row)
		if err == nil {
			return existing, false, nil
		}
		if !stderrors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	inputs, err := marshalBag(run.Inputs)
	if err != nil {
		return nil, false, err
	}
	contextBag, err := marshalBag(run.Context)
	if err != nil {
		return nil, false, err
	}
	outputs, err := marshalBag(run.Outputs)
	if err != nil {
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO process_runs (run_id, process_name, process_version, dsl_version,
			status, current_step, inputs, context, outputs, error, idempotency_key,
			started_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ProcessName, nullString(run.ProcessVersion), nullString(run.DSLVersion),
		string(run.Status), nullString(run.CurrentStep), inputs, contextBag, outputs,
		nullString(run.Error), nullString(run.IdempotencyKey),
		nanos(run.StartedAt), nanos(run.UpdatedAt), nullNanos(run.CompletedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit run: %w", err)
	}
	return run, true, nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*backend.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM process_runs WHERE run_id = ?`, runID)

	run, err := scanRun(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunByIdempotencyKey returns the run holding the key, or nil when no run
// holds it. StartProcess consults the key before applying overlap policies.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, key string) (*backend.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM process_runs WHERE idempotency_key = ?`, key)

	run, err := scanRun(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	query := `SELECT ` + runColumns + ` FROM process_runs WHERE 1=1`
	args := []any{}

	if filter.ProcessName != "" {
		query += " AND process_name = ?"
		args = append(args, filter.ProcessName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.DSLVersion != "" {
		query += " AND dsl_version = ?"
		args = append(args, filter.DSLVersion)
	}

	query += " ORDER BY started_at DESC"
	query, args = appendLimit(query, args, filter.Limit, filter.Offset)

	return s.queryRuns(ctx, query, args...)
}

// ListRunsByStatus returns every run currently in the given status.
func (s *Store) ListRunsByStatus(ctx context.Context, status backend.RunStatus) ([]*backend.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM process_runs WHERE status = ? ORDER BY started_at ASC`,
		string(status))
}

// FindRunningRun returns the most recent in-flight run of a process, or nil.
// Consulted by overlap policies before a new start.
func (s *Store) FindRunningRun(ctx context.Context, processName string) (*backend.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM process_runs
		WHERE process_name = ? AND status IN ('pending', 'running', 'waiting')
		ORDER BY started_at DESC LIMIT 1`,
		processName)

	run, err := scanRun(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find running run: %w", err)
	}
	return run, nil
}

// ListRunsByVersion returns runs bound to a DSL version, newest first.
func (s *Store) ListRunsByVersion(ctx context.Context, version string, limit, offset int) ([]*backend.Run, error) {
	query := `SELECT ` + runColumns + ` FROM process_runs WHERE dsl_version = ? ORDER BY started_at DESC`
	args := []any{version}
	query, args = appendLimit(query, args, limit, offset)
	return s.queryRuns(ctx, query, args...)
}

// ListActiveRunsByVersion returns runs in an active status bound to a version.
func (s *Store) ListActiveRunsByVersion(ctx context.Context, version string) ([]*backend.Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM process_runs
		WHERE dsl_version = ? AND status IN ('pending', 'running', 'suspended', 'waiting')
		ORDER BY started_at ASC`,
		version)
}

// CountActiveRunsByVersion counts runs in an active status bound to a version.
func (s *Store) CountActiveRunsByVersion(ctx context.Context, version string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM process_runs
		WHERE dsl_version = ? AND status IN ('pending', 'running', 'suspended', 'waiting')`,
		version).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs: %w", err)
	}
	return count, nil
}

// UpdateRunStatus moves a non-terminal run to a new status. It reports
// whether a row changed; terminal runs are left untouched.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status backend.RunStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_runs SET status = ?, updated_at = ?
		WHERE run_id = ? AND status NOT IN `+terminalRunStatuses,
		string(status), nanos(time.Now()), runID)
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}
	return changed(result)
}

// SaveRunContext persists the current step and accumulated context. Called
// at every step boundary so a suspended run can resume where it stopped.
func (s *Store) SaveRunContext(ctx context.Context, runID, currentStep string, contextBag map[string]any) error {
	data, err := marshalBag(contextBag)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE process_runs SET current_step = ?, context = ?, updated_at = ?
		WHERE run_id = ?`,
		nullString(currentStep), data, nanos(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("failed to save run context: %w", err)
	}
	return nil
}

// CompleteRun marks a run completed with its flattened outputs.
func (s *Store) CompleteRun(ctx context.Context, runID string, outputs map[string]any) (bool, error) {
	data, err := marshalBag(outputs)
	if err != nil {
		return false, err
	}
	now := nanos(time.Now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_runs SET status = 'completed', outputs = ?, error = NULL,
			completed_at = ?, updated_at = ?
		WHERE run_id = ? AND status NOT IN `+terminalRunStatuses,
		data, now, now, runID)
	if err != nil {
		return false, fmt.Errorf("failed to complete run: %w", err)
	}
	return changed(result)
}

// FailRun marks a run failed with an error message.
func (s *Store) FailRun(ctx context.Context, runID, errMsg string) (bool, error) {
	now := nanos(time.Now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_runs SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE run_id = ? AND status NOT IN `+terminalRunStatuses,
		errMsg, now, now, runID)
	if err != nil {
		return false, fmt.Errorf("failed to fail run: %w", err)
	}
	return changed(result)
}

// CancelRun marks a run cancelled with the caller's reason.
func (s *Store) CancelRun(ctx context.Context, runID, reason string) (bool, error) {
	now := nanos(time.Now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_runs SET status = 'cancelled', error = ?, completed_at = ?, updated_at = ?
		WHERE run_id = ? AND status NOT IN `+terminalRunStatuses,
		nullString(reason), now, now, runID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel run: %w", err)
	}
	return changed(result)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*backend.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(sc scanner) (*backend.Run, error) {
	var run backend.Run
	var processVersion, dslVersion, currentStep, errMsg, idempotencyKey sql.NullString
	var inputs, contextBag, outputs []byte
	var startedAt, updatedAt int64
	var completedAt sql.NullInt64
	var status string

	err := sc.Scan(
		&run.RunID, &run.ProcessName, &processVersion, &dslVersion, &status,
		&currentStep, &inputs, &contextBag, &outputs, &errMsg, &idempotencyKey,
		&startedAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.ProcessVersion = processVersion.String
	run.DSLVersion = dslVersion.String
	run.Status = backend.RunStatus(status)
	run.CurrentStep = currentStep.String
	run.Error = errMsg.String
	run.IdempotencyKey = idempotencyKey.String
	run.StartedAt = timeAt(startedAt)
	run.UpdatedAt = timeAt(updatedAt)
	run.CompletedAt = nullTime(completedAt)

	if run.Inputs, err = unmarshalBag(inputs); err != nil {
		return nil, err
	}
	if run.Context, err = unmarshalBag(contextBag); err != nil {
		return nil, err
	}
	if run.Outputs, err = unmarshalBag(outputs); err != nil {
		return nil, err
	}
	return &run, nil
}

func changed(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// appendLimit adds LIMIT/OFFSET clauses. SQLite requires a LIMIT before an
// OFFSET, so an offset without a limit gets LIMIT -1.
func appendLimit(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	} else if offset > 0 {
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}
