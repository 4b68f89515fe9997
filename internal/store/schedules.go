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
)

const scheduleColumns = `schedule_name, last_run_at, last_run_id, next_run_at,
	run_count, error_count, last_error, updated_at`

// GetScheduleState returns the bookkeeping row for a schedule, or nil when
// the schedule has never fired.
func (s *Store) GetScheduleState(ctx context.Context, name string) (*backend.ScheduleState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_runs WHERE schedule_name = ?`, name)

	state, err := scanScheduleState(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule state: %w", err)
	}
	return state, nil
}

// ListScheduleStates returns every schedule's bookkeeping row.
func (s *Store) ListScheduleStates(ctx context.Context) ([]*backend.ScheduleState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_runs ORDER BY schedule_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule states: %w", err)
	}
	defer rows.Close()

	var states []*backend.ScheduleState
	for rows.Next() {
		state, err := scanScheduleState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// RecordScheduleRun upserts the schedule row after a successful trigger:
// last_run_at/last_run_id move forward and run_count increments.
func (s *Store) RecordScheduleRun(ctx context.Context, name, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (schedule_name, last_run_at, last_run_id, run_count, error_count, updated_at)
		VALUES (?, ?, ?, 1, 0, ?)
		ON CONFLICT(schedule_name) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_run_id = excluded.last_run_id,
			run_count = schedule_runs.run_count + 1,
			updated_at = excluded.updated_at`,
		name, nanos(at), runID, nanos(at))
	if err != nil {
		return fmt.Errorf("failed to record schedule run: %w", err)
	}
	return nil
}

// RecordScheduleError upserts the schedule row after a failed trigger:
// error_count increments and last_error is stashed.
func (s *Store) RecordScheduleError(ctx context.Context, name, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (schedule_name, run_count, error_count, last_error, updated_at)
		VALUES (?, 0, 1, ?, ?)
		ON CONFLICT(schedule_name) DO UPDATE SET
			error_count = schedule_runs.error_count + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		name, errMsg, nanos(at))
	if err != nil {
		return fmt.Errorf("failed to record schedule error: %w", err)
	}
	return nil
}

func scanScheduleState(sc scanner) (*backend.ScheduleState, error) {
	var state backend.ScheduleState
	var lastRunAt, nextRunAt sql.NullInt64
	var lastRunID, lastError sql.NullString
	var updatedAt int64

	err := sc.Scan(&state.ScheduleName, &lastRunAt, &lastRunID, &nextRunAt,
		&state.RunCount, &state.ErrorCount, &lastError, &updatedAt)
	if err != nil {
		return nil, err
	}

	state.LastRunAt = nullTime(lastRunAt)
	state.NextRunAt = nullTime(nextRunAt)
	state.LastRunID = lastRunID.String
	state.LastError = lastError.String
	state.UpdatedAt = timeAt(updatedAt)
	return &state, nil
}
