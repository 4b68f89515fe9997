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
	"fmt"
	"strings"
	"time"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/internal/metrics"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
	"github.com/dazzlehq/dazzle/pkg/process"
)

// executeHumanTask creates (or adopts) the task row for this step and polls
// it until completion or expiry. Escalation fires once, between polls, and
// does not end the wait.
func (e *Engine) executeHumanTask(ctx context.Context, run *backend.Run, step *process.StepSpec, pctx *process.Context) (map[string]any, error) {
	ht := step.HumanTask
	if ht == nil {
		return nil, errors.StepFailedFatal("human_task step has no task configuration")
	}

	task, err := e.adoptOpenTask(ctx, run.RunID, step.Name)
	if err != nil {
		return nil, err
	}
	if task == nil {
		task, err = e.createTask(ctx, run, step, ht, pctx)
		if err != nil {
			return nil, err
		}
	}

	var escalateAt time.Time
	if ht.EscalationTimeoutSeconds > 0 {
		escalateAt = task.CreatedAt.Add(time.Duration(ht.EscalationTimeoutSeconds) * time.Second)
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		cur, err := e.store.GetTask(ctx, task.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("task poll failed",
				log.String(log.TaskIDKey, task.TaskID), log.Error(err))
		} else {
			switch cur.Status {
			case backend.TaskCompleted:
				return e.taskOutcome(ctx, ht, cur, pctx), nil
			case backend.TaskExpired:
				return nil, errors.StepFailed("Human task timed out")
			case backend.TaskCancelled:
				return nil, errors.StepFailed("Human task cancelled")
			}

			now := time.Now().UTC()
			if now.After(cur.DueAt) {
				expired, err := e.store.ExpireTask(ctx, task.TaskID)
				if err != nil {
					e.logger.Error("failed to expire task",
						log.String(log.TaskIDKey, task.TaskID), log.Error(err))
				} else if expired {
					metrics.RecordTask("expired")
					return nil, errors.StepFailed("Human task timed out")
				}
				// Lost the race to a concurrent completion; the next poll
				// reads the terminal status.
			} else if !escalateAt.IsZero() && now.After(escalateAt) && cur.EscalatedAt == nil {
				escalated, err := e.store.EscalateTask(ctx, task.TaskID)
				if err != nil {
					e.logger.Error("failed to escalate task",
						log.String(log.TaskIDKey, task.TaskID), log.Error(err))
				} else if escalated {
					metrics.RecordTask("escalated")
					e.logger.Info("task escalated",
						log.String(log.TaskIDKey, task.TaskID),
						log.String(log.RunIDKey, run.RunID),
						log.String(log.StepKey, step.Name))
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// adoptOpenTask finds a non-terminal task already created for this
// (run, step) pair, so a resumed run waits on the original task instead of
// issuing a duplicate.
func (e *Engine) adoptOpenTask(ctx context.Context, runID, stepName string) (*backend.Task, error) {
	tasks, err := e.store.ListTasks(ctx, backend.TaskFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.StepName == stepName && !t.Status.IsTerminal() {
			e.logger.Info("adopted open task",
				log.String(log.TaskIDKey, t.TaskID),
				log.String(log.RunIDKey, runID),
				log.String(log.StepKey, stepName))
			return t, nil
		}
	}
	return nil, nil
}

// createTask resolves the assignee and entity reference and inserts the
// pending task row, then announces it.
func (e *Engine) createTask(ctx context.Context, run *backend.Run, step *process.StepSpec, ht *process.HumanTaskSpec, pctx *process.Context) (*backend.Task, error) {
	var assignee string
	if ht.AssigneeExpression != "" {
		assignee = stringifyValue(pctx.Resolve(ht.AssigneeExpression))
	}

	var entityID, entityName string
	if ht.EntityPath != "" {
		entityID = stringifyValue(pctx.Resolve(ht.EntityPath + ".id"))
		segments := strings.Split(ht.EntityPath, ".")
		entityName = segments[len(segments)-1]
	}

	now := time.Now().UTC()
	task := &backend.Task{
		TaskID:       newID(),
		RunID:        run.RunID,
		StepName:     step.Name,
		SurfaceName:  ht.Surface,
		EntityName:   entityName,
		EntityID:     entityID,
		AssigneeID:   assignee,
		AssigneeRole: ht.AssigneeRole,
		Status:       backend.TaskPending,
		DueAt:        now.Add(step.Timeout()),
		CreatedAt:    now,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	e.emitter.EmitHumanTaskAssigned(context.WithoutCancel(ctx), run.RunID, run.ProcessName, task.TaskID, step.Name, ht.Surface)
	metrics.RecordTask("pending")
	e.logger.Info("human task created",
		log.String(log.TaskIDKey, task.TaskID),
		log.String(log.RunIDKey, run.RunID),
		log.String(log.StepKey, step.Name),
		log.String("assignee", assignee))
	return task, nil
}

// taskOutcome applies the declared field assignments of the chosen outcome
// through the effect executor and builds the step result bag. Outcome data
// comes first; outcome and task_id always win on key collisions.
func (e *Engine) taskOutcome(ctx context.Context, ht *process.HumanTaskSpec, task *backend.Task, pctx *process.Context) map[string]any {
	outcome := ht.OutcomeFor(task.Outcome)
	if outcome != nil && len(outcome.Sets) > 0 {
		e.applyOutcomeSets(ctx, outcome, task, pctx)
	} else if outcome == nil {
		e.logger.Warn("task completed with undeclared outcome",
			log.String(log.TaskIDKey, task.TaskID),
			log.String("outcome", task.Outcome))
	}

	result := make(map[string]any, len(task.OutcomeData)+2)
	for k, v := range task.OutcomeData {
		result[k] = v
	}
	result["outcome"] = task.Outcome
	result["task_id"] = task.TaskID
	return result
}

// applyOutcomeSets hands the outcome's field assignments to the effect
// executor as set descriptors. Absent executor or errors only log.
func (e *Engine) applyOutcomeSets(ctx context.Context, outcome *process.OutcomeSpec, task *backend.Task, pctx *process.Context) {
	executor, ok := e.registry.Effects()
	if !ok {
		return
	}

	effects := make([]map[string]any, 0, len(outcome.Sets))
	for _, set := range outcome.Sets {
		effects = append(effects, map[string]any{
			"op":    "set",
			"field": set.Field,
			"value": set.Value,
		})
	}
	effectCtx := map[string]any{
		"entity_id":    task.EntityID,
		"entity_name":  task.EntityName,
		"inputs":       pctx.Inputs,
		"outcome":      task.Outcome,
		"outcome_data": task.OutcomeData,
	}

	if _, err := executor(ctx, effects, effectCtx); err != nil {
		e.logger.Warn("outcome effects failed",
			log.String(log.TaskIDKey, task.TaskID),
			log.String("outcome", outcome.Name),
			log.Error(err))
	}
}

// GetTask returns a task by id.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*backend.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// ListTasks returns tasks matching the filter.
func (e *Engine) ListTasks(ctx context.Context, filter backend.TaskFilter) ([]*backend.Task, error) {
	return e.store.ListTasks(ctx, filter)
}

// CompleteTask records an outcome for a task. The outcome must be one the
// owning step declared; the waiting step observes the completion on its next
// poll.
func (e *Engine) CompleteTask(ctx context.Context, taskID, outcome string, data map[string]any, by string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	run, err := e.store.GetRun(ctx, task.RunID)
	if err != nil {
		return err
	}

	spec := e.processSpec(run.ProcessName)
	if spec == nil {
		return &errors.ValidationError{
			Field:   "task_id",
			Message: "process " + run.ProcessName + " is not registered",
		}
	}
	step := findStep(spec.Steps, task.StepName)
	if step == nil || step.HumanTask == nil {
		return &errors.ValidationError{
			Field:   "task_id",
			Message: "task step " + task.StepName + " is not a human task of " + run.ProcessName,
		}
	}
	if step.HumanTask.OutcomeFor(outcome) == nil {
		return &errors.ValidationError{
			Field:      "outcome",
			Message:    fmt.Sprintf("outcome %q is not declared by step %s", outcome, task.StepName),
			Suggestion: "declared outcomes: " + strings.Join(outcomeNames(step.HumanTask), ", "),
		}
	}

	changed, err := e.store.CompleteTask(ctx, taskID, outcome, data, by)
	if err != nil {
		return err
	}
	if !changed {
		return &errors.ValidationError{
			Field:   "task_id",
			Message: "task " + taskID + " is already in a terminal status",
		}
	}

	metrics.RecordTask("completed")
	e.logger.Info("task completed",
		log.String(log.TaskIDKey, taskID),
		log.String("outcome", outcome),
		log.String("completed_by", by))
	return nil
}

// ReassignTask moves an open task to a new assignee. The reason is retained
// in the log stream only.
func (e *Engine) ReassignTask(ctx context.Context, taskID, newAssignee, reason string) error {
	changed, err := e.store.ReassignTask(ctx, taskID, newAssignee)
	if err != nil {
		return err
	}
	if !changed {
		return &errors.ValidationError{
			Field:   "task_id",
			Message: "task " + taskID + " is already in a terminal status",
		}
	}

	metrics.RecordTask("reassigned")
	e.logger.Info("task reassigned",
		log.String(log.TaskIDKey, taskID),
		log.String("assignee", newAssignee),
		log.String("reason", reason))
	return nil
}

// findStep searches the step tree, including parallel children, by name.
func findStep(steps []process.StepSpec, name string) *process.StepSpec {
	for i := range steps {
		if steps[i].Name == name {
			return &steps[i]
		}
		if len(steps[i].ParallelSteps) > 0 {
			if found := findStep(steps[i].ParallelSteps, name); found != nil {
				return found
			}
		}
	}
	return nil
}

// outcomeNames lists the declared outcome identifiers of a task spec.
func outcomeNames(ht *process.HumanTaskSpec) []string {
	names := make([]string, 0, len(ht.Outcomes))
	for _, o := range ht.Outcomes {
		names = append(names, o.Name)
	}
	return names
}

// stringifyValue renders a resolved context value for storage in a task
// column. Nil resolutions become the empty string.
func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
