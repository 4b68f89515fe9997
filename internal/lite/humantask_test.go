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

package lite

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
	"github.com/dazzlehq/dazzle/pkg/process"
)

func waitForTask(t *testing.T, e *Engine, runID string) *backend.Task {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		tasks, err := e.ListTasks(context.Background(), backend.TaskFilter{RunID: runID})
		if err != nil {
			t.Fatalf("ListTasks() error = %v", err)
		}
		if len(tasks) > 0 {
			return tasks[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no task created for run %s", runID)
	return nil
}

func waitForTaskStatus(t *testing.T, e *Engine, taskID string, status backend.TaskStatus) *backend.Task {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	var last *backend.Task
	for time.Now().Before(deadline) {
		task, err := e.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if task.Status == status {
			return task
		}
		last = task
		time.Sleep(10 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("task %s never reached %s, last status %s", taskID, status, last.Status)
	}
	t.Fatalf("task %s never reached %s", taskID, status)
	return nil
}

// reviewProcess returns a single human_task process with approve and reject
// outcomes, optionally customised by the caller.
func reviewProcess(mutate func(*process.StepSpec)) *process.ProcessSpec {
	step := process.StepSpec{
		Name:           "review",
		Kind:           process.StepHumanTask,
		TimeoutSeconds: 30,
		HumanTask: &process.HumanTaskSpec{
			Surface:            "review-queue",
			EntityPath:         "inputs.order",
			AssigneeExpression: "inputs.approver",
			AssigneeRole:       "manager",
			Outcomes: []process.OutcomeSpec{
				{Name: "approve", Label: "Approve"},
				{Name: "reject", Label: "Reject"},
			},
		},
	}
	if mutate != nil {
		mutate(&step)
	}
	return &process.ProcessSpec{Name: "review-flow", Steps: []process.StepSpec{step}}
}

func TestHumanTaskLifecycle(t *testing.T) {
	e := newTestEngine(t)
	rec := recordEvents(e)
	mustRegister(t, e, reviewProcess(nil))

	run := mustStart(t, e, backend.StartProcessRequest{
		ProcessName: "review-flow",
		Inputs: map[string]any{
			"approver": "u1",
			"order":    map[string]any{"id": "o-1"},
		},
	})

	task := waitForTask(t, e, run.RunID)
	if task.Status != backend.TaskPending {
		t.Errorf("task status = %s, want pending", task.Status)
	}
	if task.AssigneeID != "u1" {
		t.Errorf("assignee = %q, want u1", task.AssigneeID)
	}
	if task.AssigneeRole != "manager" {
		t.Errorf("assignee role = %q, want manager", task.AssigneeRole)
	}
	if task.EntityID != "o-1" {
		t.Errorf("entity id = %q, want o-1", task.EntityID)
	}
	if task.EntityName != "order" {
		t.Errorf("entity name = %q, want order", task.EntityName)
	}
	if task.SurfaceName != "review-queue" {
		t.Errorf("surface = %q, want review-queue", task.SurfaceName)
	}
	if task.StepName != "review" {
		t.Errorf("step name = %q, want review", task.StepName)
	}

	ev := waitForEvent(t, rec, run.RunID, process.SchemaHumanTaskAssigned)
	if ev.Data["task_id"] != task.TaskID {
		t.Errorf("event task_id = %v, want %s", ev.Data["task_id"], task.TaskID)
	}
	if ev.Data["surface"] != "review-queue" {
		t.Errorf("event surface = %v", ev.Data["surface"])
	}

	// The run parks as waiting while the task is open.
	waitForRunStatus(t, e, run.RunID, backend.RunWaiting)

	err := e.CompleteTask(context.Background(), task.TaskID, "approve", map[string]any{"note": "ok"}, "u1")
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}

	final := waitForRunStatus(t, e, run.RunID, backend.RunCompleted)
	if final.Outputs["review.outcome"] != "approve" {
		t.Errorf("outputs[review.outcome] = %v, want approve", final.Outputs["review.outcome"])
	}
	if final.Outputs["review.note"] != "ok" {
		t.Errorf("outputs[review.note] = %v, want ok", final.Outputs["review.note"])
	}
	if final.Outputs["review.task_id"] != task.TaskID {
		t.Errorf("outputs[review.task_id] = %v, want %s", final.Outputs["review.task_id"], task.TaskID)
	}

	done, err := e.GetTask(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if done.Status != backend.TaskCompleted {
		t.Errorf("task status = %s, want completed", done.Status)
	}
	if done.CompletedBy != "u1" {
		t.Errorf("completed by = %q, want u1", done.CompletedBy)
	}
}

func TestCompleteTaskValidation(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, reviewProcess(nil))

	run := mustStart(t, e, backend.StartProcessRequest{
		ProcessName: "review-flow",
		Inputs:      map[string]any{"approver": "u1"},
	})
	task := waitForTask(t, e, run.RunID)

	t.Run("unknown task", func(t *testing.T) {
		err := e.CompleteTask(context.Background(), "no-such-task", "approve", nil, "u1")
		if !errors.IsNotFound(err) {
			t.Errorf("error = %v, want not found", err)
		}
	})

	t.Run("undeclared outcome", func(t *testing.T) {
		err := e.CompleteTask(context.Background(), task.TaskID, "escalate", nil, "u1")
		if !errors.IsValidation(err) {
			t.Fatalf("error = %v, want validation error", err)
		}
		if !strings.Contains(err.Error(), "escalate") {
			t.Errorf("error %q does not name the bad outcome", err.Error())
		}
	})

	t.Run("double completion", func(t *testing.T) {
		if err := e.CompleteTask(context.Background(), task.TaskID, "reject", nil, "u1"); err != nil {
			t.Fatalf("CompleteTask() error = %v", err)
		}
		err := e.CompleteTask(context.Background(), task.TaskID, "approve", nil, "u2")
		if !errors.IsValidation(err) {
			t.Errorf("error = %v, want validation error", err)
		}
	})

	waitForRunStatus(t, e, run.RunID, backend.RunCompleted)
}

func TestHumanTaskExpires(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, reviewProcess(func(s *process.StepSpec) {
		s.TimeoutSeconds = 1
	}))

	run := mustStart(t, e, backend.StartProcessRequest{
		ProcessName: "review-flow",
		Inputs:      map[string]any{"approver": "u1"},
	})
	task := waitForTask(t, e, run.RunID)

	final := waitForRunStatus(t, e, run.RunID, backend.RunFailed)
	if final.Error != "Human task timed out" {
		t.Errorf("run error = %q, want %q", final.Error, "Human task timed out")
	}

	expired, err := e.GetTask(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if expired.Status != backend.TaskExpired {
		t.Errorf("task status = %s, want expired", expired.Status)
	}
}

func TestHumanTaskEscalates(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, reviewProcess(func(s *process.StepSpec) {
		s.HumanTask.EscalationTimeoutSeconds = 1
	}))

	run := mustStart(t, e, backend.StartProcessRequest{
		ProcessName: "review-flow",
		Inputs:      map[string]any{"approver": "u1"},
	})
	task := waitForTask(t, e, run.RunID)

	escalated := waitForTaskStatus(t, e, task.TaskID, backend.TaskEscalated)
	if escalated.EscalatedAt == nil {
		t.Error("escalated task has no escalated_at")
	}

	// Escalation does not settle the task; completion still works.
	cur, err := e.GetRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if cur.Status.IsTerminal() {
		t.Fatalf("run status = %s after escalation, want still open", cur.Status)
	}

	if err := e.CompleteTask(context.Background(), task.TaskID, "approve", nil, "u2"); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	waitForRunStatus(t, e, run.RunID, backend.RunCompleted)
}

func TestReassignTask(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, reviewProcess(nil))

	run := mustStart(t, e, backend.StartProcessRequest{
		ProcessName: "review-flow",
		Inputs:      map[string]any{"approver": "u1"},
	})
	task := waitForTask(t, e, run.RunID)

	if err := e.ReassignTask(context.Background(), task.TaskID, "u2", "u1 is away"); err != nil {
		t.Fatalf("ReassignTask() error = %v", err)
	}
	moved, err := e.GetTask(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if moved.AssigneeID != "u2" {
		t.Errorf("assignee = %q, want u2", moved.AssigneeID)
	}
	if moved.Status != backend.TaskAssigned {
		t.Errorf("status = %s, want assigned", moved.Status)
	}

	if err := e.CompleteTask(context.Background(), task.TaskID, "approve", nil, "u2"); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	waitForRunStatus(t, e, run.RunID, backend.RunCompleted)

	// Terminal tasks cannot be reassigned.
	err = e.ReassignTask(context.Background(), task.TaskID, "u3", "")
	if !errors.IsValidation(err) {
		t.Errorf("reassign terminal task error = %v, want validation error", err)
	}
}

func TestRunCancelCancelsOpenTask(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, reviewProcess(nil))

	run := mustStart(t, e, backend.StartProcessRequest{
		ProcessName: "review-flow",
		Inputs:      map[string]any{"approver": "u1"},
	})
	task := waitForTask(t, e, run.RunID)

	if err := e.CancelProcess(context.Background(), run.RunID, "order withdrawn"); err != nil {
		t.Fatalf("CancelProcess() error = %v", err)
	}
	waitForRunStatus(t, e, run.RunID, backend.RunCancelled)

	cancelled := waitForTaskStatus(t, e, task.TaskID, backend.TaskCancelled)
	if cancelled.CompletedAt == nil {
		t.Error("cancelled task has no completed_at")
	}
}

func TestHumanTaskOutcomeSets(t *testing.T) {
	e := newTestEngine(t)

	var mu sync.Mutex
	var gotEffects []map[string]any
	var gotCtx map[string]any
	e.Registry().SetEffectExecutor(func(_ context.Context, effects []map[string]any, effectCtx map[string]any) ([]map[string]any, error) {
		mu.Lock()
		gotEffects = effects
		gotCtx = effectCtx
		mu.Unlock()
		return nil, nil
	})

	spec := reviewProcess(nil)
	spec.Steps[0].HumanTask.Outcomes[0].Sets = []process.FieldAssignment{
		{Field: "status", Value: "approved"},
	}
	mustRegister(t, e, spec)

	run := mustStart(t, e, backend.StartProcessRequest{
		ProcessName: "review-flow",
		Inputs: map[string]any{
			"approver": "u1",
			"order":    map[string]any{"id": "o-9"},
		},
	})
	task := waitForTask(t, e, run.RunID)

	if err := e.CompleteTask(context.Background(), task.TaskID, "approve", map[string]any{"note": "fine"}, "u1"); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	waitForRunStatus(t, e, run.RunID, backend.RunCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(gotEffects) != 1 {
		t.Fatalf("effect descriptors = %d, want 1", len(gotEffects))
	}
	if gotEffects[0]["op"] != "set" || gotEffects[0]["field"] != "status" || gotEffects[0]["value"] != "approved" {
		t.Errorf("descriptor = %v", gotEffects[0])
	}
	if gotCtx["entity_id"] != "o-9" {
		t.Errorf("effect ctx entity_id = %v, want o-9", gotCtx["entity_id"])
	}
	if gotCtx["outcome"] != "approve" {
		t.Errorf("effect ctx outcome = %v, want approve", gotCtx["outcome"])
	}
}

func TestHumanTaskAdoptedAfterResume(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, reviewProcess(nil))

	run := mustStart(t, e, backend.StartProcessRequest{
		ProcessName: "review-flow",
		Inputs:      map[string]any{"approver": "u1"},
	})
	task := waitForTask(t, e, run.RunID)

	if err := e.SuspendProcess(context.Background(), run.RunID); err != nil {
		t.Fatalf("SuspendProcess() error = %v", err)
	}
	waitForRunStatus(t, e, run.RunID, backend.RunSuspended)

	if err := e.ResumeProcess(context.Background(), run.RunID); err != nil {
		t.Fatalf("ResumeProcess() error = %v", err)
	}
	waitForRunStatus(t, e, run.RunID, backend.RunWaiting)

	// The resumed step adopted the existing task instead of creating another.
	tasks, err := e.ListTasks(context.Background(), backend.TaskFilter{RunID: run.RunID})
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks after resume = %d, want 1", len(tasks))
	}

	if err := e.CompleteTask(context.Background(), task.TaskID, "approve", nil, "u1"); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	waitForRunStatus(t, e, run.RunID, backend.RunCompleted)
}
