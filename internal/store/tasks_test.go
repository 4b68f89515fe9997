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
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dazzlehq/dazzle/pkg/backend"
	dazzleerrors "github.com/dazzlehq/dazzle/pkg/errors"
)

func seedTask(t *testing.T, s *Store, runID string, due time.Time) *backend.Task {
	t.Helper()
	task := &backend.Task{
		TaskID:      uuid.NewString(),
		RunID:       runID,
		StepName:    "approval",
		SurfaceName: "approvals",
		EntityName:  "order",
		EntityID:    "42",
		AssigneeID:  "u1",
		Status:      backend.TaskPending,
		DueAt:       due,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return task
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order")
	task := seedTask(t, s, run.RunID, time.Now().Add(time.Hour))

	got, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.StepName != "approval" || got.AssigneeID != "u1" || got.Status != backend.TaskPending {
		t.Errorf("GetTask() = %+v", got)
	}
	if got.EscalatedAt != nil || got.CompletedAt != nil {
		t.Error("fresh task carries escalation or completion stamps")
	}

	_, err = s.GetTask(ctx, "missing")
	if !dazzleerrors.IsNotFound(err) {
		t.Errorf("GetTask(missing) error = %v, want not found", err)
	}
}

func TestCompleteTaskOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order")
	task := seedTask(t, s, run.RunID, time.Now().Add(time.Hour))

	done, err := s.CompleteTask(ctx, task.TaskID, "approve", map[string]any{"note": "ok"}, "u2")
	if err != nil || !done {
		t.Fatalf("CompleteTask() = %v, %v", done, err)
	}

	got, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != backend.TaskCompleted || got.Outcome != "approve" || got.CompletedBy != "u2" {
		t.Errorf("completed task = %+v", got)
	}
	if got.OutcomeData["note"] != "ok" {
		t.Errorf("outcome data = %v", got.OutcomeData)
	}

	// A second completion is refused; the first outcome stands.
	done, err = s.CompleteTask(ctx, task.TaskID, "reject", nil, "u3")
	if err != nil || done {
		t.Fatalf("second CompleteTask() = %v, %v", done, err)
	}
	got, _ = s.GetTask(ctx, task.TaskID)
	if got.Outcome != "approve" {
		t.Errorf("outcome overwritten to %q", got.Outcome)
	}
}

func TestEscalateTaskAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order")
	task := seedTask(t, s, run.RunID, time.Now().Add(-time.Minute))

	done, err := s.EscalateTask(ctx, task.TaskID)
	if err != nil || !done {
		t.Fatalf("EscalateTask() = %v, %v", done, err)
	}
	first, _ := s.GetTask(ctx, task.TaskID)
	if first.Status != backend.TaskEscalated || first.EscalatedAt == nil {
		t.Fatalf("escalated task = %+v", first)
	}

	done, err = s.EscalateTask(ctx, task.TaskID)
	if err != nil || done {
		t.Fatalf("second EscalateTask() = %v, %v", done, err)
	}
	second, _ := s.GetTask(ctx, task.TaskID)
	if !second.EscalatedAt.Equal(*first.EscalatedAt) {
		t.Error("escalated_at moved on the second escalation")
	}
}

func TestListEscalatableTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order")

	overdue := seedTask(t, s, run.RunID, time.Now().Add(-time.Minute))
	seedTask(t, s, run.RunID, time.Now().Add(time.Hour)) // not yet due

	due, err := s.ListEscalatableTasks(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListEscalatableTasks() error = %v", err)
	}
	if len(due) != 1 || due[0].TaskID != overdue.TaskID {
		t.Fatalf("ListEscalatableTasks() = %+v", due)
	}

	// Once escalated, the task drops out of the scan.
	if _, err := s.EscalateTask(ctx, overdue.TaskID); err != nil {
		t.Fatal(err)
	}
	due, err = s.ListEscalatableTasks(ctx, time.Now())
	if err != nil || len(due) != 0 {
		t.Fatalf("scan after escalation = %+v, %v", due, err)
	}
}

func TestExpireAndCancelTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order")

	expired := seedTask(t, s, run.RunID, time.Now().Add(-time.Minute))
	open := seedTask(t, s, run.RunID, time.Now().Add(time.Hour))
	completed := seedTask(t, s, run.RunID, time.Now().Add(time.Hour))
	if _, err := s.CompleteTask(ctx, completed.TaskID, "approve", nil, "u1"); err != nil {
		t.Fatal(err)
	}

	if done, err := s.ExpireTask(ctx, expired.TaskID); err != nil || !done {
		t.Fatalf("ExpireTask() = %v, %v", done, err)
	}

	// Run termination cancels only the still-open task.
	count, err := s.CancelOpenTasksForRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("CancelOpenTasksForRun() error = %v", err)
	}
	if count != 1 {
		t.Errorf("cancelled %d tasks, want 1", count)
	}

	got, _ := s.GetTask(ctx, open.TaskID)
	if got.Status != backend.TaskCancelled {
		t.Errorf("open task status = %q, want cancelled", got.Status)
	}
	got, _ = s.GetTask(ctx, completed.TaskID)
	if got.Status != backend.TaskCompleted {
		t.Errorf("completed task status = %q, want completed", got.Status)
	}
}

func TestReassignTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order")
	task := seedTask(t, s, run.RunID, time.Now().Add(time.Hour))

	done, err := s.ReassignTask(ctx, task.TaskID, "u9")
	if err != nil || !done {
		t.Fatalf("ReassignTask() = %v, %v", done, err)
	}
	got, _ := s.GetTask(ctx, task.TaskID)
	if got.AssigneeID != "u9" || got.Status != backend.TaskAssigned {
		t.Errorf("reassigned task = %+v", got)
	}
}

func TestListTasksFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runA := seedRun(t, s, "order")
	runB := seedRun(t, s, "billing")

	seedTask(t, s, runA.RunID, time.Now().Add(time.Hour))
	taskB := seedTask(t, s, runB.RunID, time.Now().Add(time.Hour))
	if _, err := s.ReassignTask(ctx, taskB.TaskID, "u7"); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.ListTasks(ctx, backend.TaskFilter{RunID: runA.RunID})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("ListTasks(run) = %d, %v", len(tasks), err)
	}

	tasks, err = s.ListTasks(ctx, backend.TaskFilter{AssigneeID: "u7"})
	if err != nil || len(tasks) != 1 || tasks[0].TaskID != taskB.TaskID {
		t.Fatalf("ListTasks(assignee) = %+v, %v", tasks, err)
	}

	tasks, err = s.ListTasks(ctx, backend.TaskFilter{Status: backend.TaskPending})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("ListTasks(pending) = %d, %v", len(tasks), err)
	}
}
