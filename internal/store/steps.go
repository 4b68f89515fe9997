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
	"fmt"

	"github.com/dazzlehq/dazzle/pkg/backend"
)

// RecordStepExecution appends an immutable audit row for one step attempt.
func (s *Store) RecordStepExecution(ctx context.Context, exec *backend.StepExecution) error {
	outputs, err := marshalBag(exec.Outputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_executions (execution_id, run_id, step_name, step_kind,
			attempt, status, outputs, error, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID, exec.RunID, exec.StepName, exec.StepKind,
		exec.Attempt, string(exec.Status), outputs, nullString(exec.Error),
		nanos(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record step execution: %w", err)
	}
	return nil
}

// ListStepExecutions returns a run's audit rows in insertion order.
func (s *Store) ListStepExecutions(ctx context.Context, runID string) ([]*backend.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, run_id, step_name, step_kind, attempt, status, outputs, error, completed_at
		FROM step_executions WHERE run_id = ? ORDER BY rowid ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}
	defer rows.Close()

	var execs []*backend.StepExecution
	for rows.Next() {
		var exec backend.StepExecution
		var outputs []byte
		var errMsg sql.NullString
		var completedAt int64
		var status string

		if err := rows.Scan(&exec.ExecutionID, &exec.RunID, &exec.StepName, &exec.StepKind,
			&exec.Attempt, &status, &outputs, &errMsg, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		exec.Status = backend.StepExecutionStatus(status)
		exec.Error = errMsg.String
		exec.CompletedAt = timeAt(completedAt)
		if exec.Outputs, err = unmarshalBag(outputs); err != nil {
			return nil, err
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}
