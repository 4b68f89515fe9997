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

const taskColumns = `task_id, run_id, step_name, surface_name, entity_name, entity_id,
	assignee_id, assignee_role, status, outcome, outcome_data,
	due_at, escalated_at, completed_at, completed_by, created_at`

// Task statuses in {completed, expired, cancelled} never change again.
const terminalTaskStatuses = `('completed', 'expired', 'cancelled')`

// CreateTask inserts a human task row.
func (s *Store) CreateTask(ctx context.Context, task *backend.Task) error {
	outcomeData, err := marshalBag(task.OutcomeData)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_tasks (task_id, run_id, step_name, surface_name, entity_name,
			entity_id, assignee_id, assignee_role, status, outcome, outcome_data,
			due_at, escalated_at, completed_at, completed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.RunID, task.StepName, nullString(task.SurfaceName),
		nullString(task.EntityName), nullString(task.EntityID),
		nullString(task.AssigneeID), nullString(task.AssigneeRole),
		string(task.Status), nullString(task.Outcome), outcomeData,
		nanos(task.DueAt), nullNanos(task.EscalatedAt), nullNanos(task.CompletedAt),
		nullString(task.CompletedBy), nanos(task.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask returns a human task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*backend.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM process_tasks WHERE task_id = ?`, taskID)

	task, err := scanTask(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter backend.TaskFilter) ([]*backend.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM process_tasks WHERE 1=1`
	args := []any{}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.AssigneeID != "" {
		query += " AND assignee_id = ?"
		args = append(args, filter.AssigneeID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at DESC"
	query, args = appendLimit(query, args, filter.Limit, filter.Offset)

	return s.queryTasks(ctx, query, args...)
}

// CompleteTask records an outcome on an open task. Reports whether the task
// changed; terminal tasks are left untouched.
func (s *Store) CompleteTask(ctx context.Context, taskID, outcome string, data map[string]any, by string) (bool, error) {
	outcomeData, err := marshalBag(data)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_tasks SET status = 'completed', outcome = ?, outcome_data = ?,
			completed_at = ?, completed_by = ?
		WHERE task_id = ? AND status NOT IN `+terminalTaskStatuses,
		outcome, outcomeData, nanos(time.Now()), nullString(by), taskID)
	if err != nil {
		return false, fmt.Errorf("failed to complete task: %w", err)
	}
	return changed(result)
}

// ReassignTask moves an open task to a new assignee.
func (s *Store) ReassignTask(ctx context.Context, taskID, newAssignee string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_tasks SET assignee_id = ?, status = 'assigned'
		WHERE task_id = ? AND status NOT IN `+terminalTaskStatuses,
		nullString(newAssignee), taskID)
	if err != nil {
		return false, fmt.Errorf("failed to reassign task: %w", err)
	}
	return changed(result)
}

// EscalateTask marks an open task escalated. The escalated_at guard makes
// escalation happen at most once per task.
func (s *Store) EscalateTask(ctx context.Context, taskID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_tasks SET status = 'escalated', escalated_at = ?
		WHERE task_id = ? AND escalated_at IS NULL AND status NOT IN `+terminalTaskStatuses,
		nanos(time.Now()), taskID)
	if err != nil {
		return false, fmt.Errorf("failed to escalate task: %w", err)
	}
	return changed(result)
}

// ExpireTask marks an open task expired after its due time passed.
func (s *Store) ExpireTask(ctx context.Context, taskID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_tasks SET status = 'expired', completed_at = ?
		WHERE task_id = ? AND status NOT IN `+terminalTaskStatuses,
		nanos(time.Now()), taskID)
	if err != nil {
		return false, fmt.Errorf("failed to expire task: %w", err)
	}
	return changed(result)
}

// CancelOpenTasksForRun cancels every open task of a run. Used when the run
// itself terminates so no orphaned task keeps waiting for a human.
func (s *Store) CancelOpenTasksForRun(ctx context.Context, runID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_tasks SET status = 'cancelled', completed_at = ?
		WHERE run_id = ? AND status NOT IN `+terminalTaskStatuses,
		nanos(time.Now()), runID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel open tasks: %w", err)
	}
	return result.RowsAffected()
}

// ListEscalatableTasks returns pending tasks past due that have never been
// escalated. The scheduler escalates each on its tick.
func (s *Store) ListEscalatableTasks(ctx context.Context, now time.Time) ([]*backend.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM process_tasks
		WHERE status = 'pending' AND due_at < ? AND escalated_at IS NULL
		ORDER BY due_at ASC`,
		nanos(now))
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*backend.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*backend.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(sc scanner) (*backend.Task, error) {
	var task backend.Task
	var surface, entityName, entityID, assigneeID, assigneeRole sql.NullString
	var outcome, completedBy sql.NullString
	var outcomeData []byte
	var dueAt, createdAt int64
	var escalatedAt, completedAt sql.NullInt64
	var status string

	err := sc.Scan(
		&task.TaskID, &task.RunID, &task.StepName, &surface, &entityName, &entityID,
		&assigneeID, &assigneeRole, &status, &outcome, &outcomeData,
		&dueAt, &escalatedAt, &completedAt, &completedBy, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	task.SurfaceName = surface.String
	task.EntityName = entityName.String
	task.EntityID = entityID.String
	task.AssigneeID = assigneeID.String
	task.AssigneeRole = assigneeRole.String
	task.Status = backend.TaskStatus(status)
	task.Outcome = outcome.String
	task.CompletedBy = completedBy.String
	task.DueAt = timeAt(dueAt)
	task.EscalatedAt = nullTime(escalatedAt)
	task.CompletedAt = nullTime(completedAt)
	task.CreatedAt = timeAt(createdAt)

	if task.OutcomeData, err = unmarshalBag(outcomeData); err != nil {
		return nil, err
	}
	return &task, nil
}
