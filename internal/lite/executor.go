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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/internal/metrics"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
	"github.com/dazzlehq/dazzle/pkg/process"
)

// executeRun drives one run to a terminal status (or to suspension). It owns
// every status transition of the run after dispatch.
//
// Persistence and event emission use a context detached from the run context
// so that cancellation of the run never loses its own bookkeeping.
func (e *Engine) executeRun(ctx context.Context, h *runHandle, spec *process.ProcessSpec, run *backend.Run, ancestors []string, resume bool) {
	bg := context.WithoutCancel(ctx)
	logger := log.WithRunContext(e.logger, run.RunID, run.ProcessName)

	// Subprocess chain for cycle detection. Copied so parallel children
	// never append into a shared backing array.
	chain := make([]string, 0, len(ancestors)+1)
	chain = append(chain, ancestors...)
	chain = append(chain, spec.Name)

	pctx := process.NewContext(run.Inputs)
	var completedOrder []string
	if resume {
		if len(run.Context) > 0 {
			pctx = process.FromBag(run.Context)
		}
		completedOrder = e.completedStepNames(bg, run.RunID, spec)
	}

	ctx, span := e.tracer.Start(ctx, "lite.run",
		trace.WithAttributes(
			attribute.String("dazzle.run_id", run.RunID),
			attribute.String("dazzle.process", run.ProcessName),
			attribute.Bool("dazzle.resume", resume),
		))
	defer span.End()

	if _, err := e.store.UpdateRunStatus(bg, run.RunID, backend.RunRunning); err != nil {
		logger.Error("failed to mark run running", log.Error(err))
	}
	if !resume {
		e.emitter.EmitProcessStarted(bg, run.RunID, run.ProcessName)
	}
	logger.Info("run started", log.Bool("resume", resume))

	i := 0
	if resume && run.CurrentStep != "" {
		if idx := spec.StepIndex(run.CurrentStep); idx >= 0 {
			i = idx
		}
	}

	for i < len(spec.Steps) {
		if ctx.Err() != nil {
			e.finishRun(bg, h, spec, run, pctx, completedOrder, nil, logger)
			span.SetStatus(codes.Ok, "interrupted")
			return
		}

		step := &spec.Steps[i]

		if step.Kind == process.StepCondition {
			result := pctx.EvaluateCondition(step.Condition)
			next := step.OnFalse
			if result {
				next = step.OnTrue
			}
			logger.Debug("condition evaluated",
				log.String(log.StepKey, step.Name),
				log.Bool("result", result),
				log.String("next", next))

			if next == "complete" {
				break
			}
			if next == "fail" {
				sf := errors.StepFailedFatal("condition routed to fail")
				sf.Step = step.Name
				e.finishRun(bg, h, spec, run, pctx, completedOrder, sf, logger)
				span.SetStatus(codes.Error, sf.Error())
				return
			}
			if next == "" {
				i++
				continue
			}
			idx := spec.StepIndex(next)
			if idx < 0 {
				sf := errors.StepFailedFatal("Unknown step: " + next)
				sf.Step = step.Name
				e.finishRun(bg, h, spec, run, pctx, completedOrder, sf, logger)
				span.SetStatus(codes.Error, sf.Error())
				return
			}
			i = idx
			continue
		}

		pctx.CurrentStep = step.Name
		if err := e.store.SaveRunContext(bg, run.RunID, step.Name, pctx.ToBag()); err != nil {
			logger.Error("failed to persist run context",
				log.String(log.StepKey, step.Name), log.Error(err))
		}

		// Parked steps surface as waiting so operators can tell a blocked
		// run from a crunching one.
		parked := step.Kind == process.StepWait || step.Kind == process.StepHumanTask
		if parked {
			if _, err := e.store.UpdateRunStatus(bg, run.RunID, backend.RunWaiting); err != nil {
				logger.Error("failed to mark run waiting", log.Error(err))
			}
		}

		outputs, err := e.executeStep(ctx, h, run, spec, step, pctx, chain)
		if err != nil {
			e.finishRun(bg, h, spec, run, pctx, completedOrder, err, logger)
			span.SetStatus(codes.Error, err.Error())
			return
		}

		if parked {
			if _, err := e.store.UpdateRunStatus(bg, run.RunID, backend.RunRunning); err != nil {
				logger.Error("failed to mark run running", log.Error(err))
			}
		}

		pctx.RecordStepOutput(step.Name, outputs)
		completedOrder = append(completedOrder, step.Name)
		if err := e.store.SaveRunContext(bg, run.RunID, step.Name, pctx.ToBag()); err != nil {
			logger.Error("failed to persist run context",
				log.String(log.StepKey, step.Name), log.Error(err))
		}
		e.emitter.EmitStepCompleted(bg, run.RunID, run.ProcessName, step.Name)

		if step.OnSuccess != "" {
			if step.OnSuccess == "complete" {
				break
			}
			idx := spec.StepIndex(step.OnSuccess)
			if idx < 0 {
				sf := errors.StepFailedFatal("Unknown step: " + step.OnSuccess)
				sf.Step = step.Name
				e.finishRun(bg, h, spec, run, pctx, completedOrder, sf, logger)
				span.SetStatus(codes.Error, sf.Error())
				return
			}
			i = idx
			continue
		}
		i++
	}

	outputs := flattenOutputs(pctx)
	if _, err := e.store.CompleteRun(bg, run.RunID, outputs); err != nil {
		logger.Error("failed to complete run", log.Error(err))
	}
	e.emitter.EmitProcessCompleted(bg, run.RunID, run.ProcessName, outputs)
	metrics.RecordRunCompleted(run.ProcessName, string(backend.RunCompleted), time.Since(run.StartedAt))
	span.SetStatus(codes.Ok, "completed")
	logger.Info("run completed", log.Duration("duration", time.Since(run.StartedAt).Milliseconds()))
}

// finishRun settles a run that did not reach the end of its step list.
// Precedence: suspension (graceful shutdown or explicit suspend) parks the
// run without compensation or events; cancellation compensates and cancels;
// anything else compensates and fails.
func (e *Engine) finishRun(bg context.Context, h *runHandle, spec *process.ProcessSpec, run *backend.Run, pctx *process.Context, completedOrder []string, stepErr error, logger *slog.Logger) {
	if h.suspend.Load() || e.draining.Load() {
		e.suspendRun(bg, run, pctx, logger)
		return
	}

	reason := h.cancelReason()
	cancelled := reason != "" || stepErr == nil || errors.IsCancelled(stepErr)
	if cancelled {
		if reason == "" {
			reason = "shutdown in progress"
		}
		e.compensate(bg, spec, run, pctx, completedOrder, logger)
		if _, err := e.store.CancelRun(bg, run.RunID, reason); err != nil {
			logger.Error("failed to cancel run", log.Error(err))
		}
		if n, err := e.store.CancelOpenTasksForRun(bg, run.RunID); err != nil {
			logger.Error("failed to cancel open tasks", log.Error(err))
		} else if n > 0 {
			metrics.RecordTask("cancelled")
		}
		e.emitter.EmitProcessCancelled(bg, run.RunID, run.ProcessName, reason)
		metrics.RecordRunCompleted(run.ProcessName, string(backend.RunCancelled), time.Since(run.StartedAt))
		logger.Info("run cancelled", log.String("reason", reason))
		return
	}

	errMsg := stepErr.Error()
	if sf, ok := errors.AsStepFailed(stepErr); ok {
		errMsg = sf.Message
	}

	if e.hasCompensations(spec, completedOrder) {
		if _, err := e.store.UpdateRunStatus(bg, run.RunID, backend.RunCompensating); err != nil {
			logger.Error("failed to mark run compensating", log.Error(err))
		}
	}
	e.compensate(bg, spec, run, pctx, completedOrder, logger)

	if _, err := e.store.FailRun(bg, run.RunID, errMsg); err != nil {
		logger.Error("failed to fail run", log.Error(err))
	}
	if n, err := e.store.CancelOpenTasksForRun(bg, run.RunID); err != nil {
		logger.Error("failed to cancel open tasks", log.Error(err))
	} else if n > 0 {
		metrics.RecordTask("cancelled")
	}
	e.emitter.EmitProcessFailed(bg, run.RunID, run.ProcessName, errMsg)
	metrics.RecordRunCompleted(run.ProcessName, string(backend.RunFailed), time.Since(run.StartedAt))
	logger.Warn("run failed", log.String("error", errMsg))
}

// suspendRun parks the run so a later resume (or restart) continues from the
// persisted current step. No compensation, no lifecycle events.
func (e *Engine) suspendRun(bg context.Context, run *backend.Run, pctx *process.Context, logger *slog.Logger) {
	if err := e.store.SaveRunContext(bg, run.RunID, pctx.CurrentStep, pctx.ToBag()); err != nil {
		logger.Error("failed to persist context before suspension", log.Error(err))
	}
	if _, err := e.store.UpdateRunStatus(bg, run.RunID, backend.RunSuspended); err != nil {
		logger.Error("failed to suspend run", log.Error(err))
		return
	}
	logger.Info("run suspended", log.String(log.StepKey, pctx.CurrentStep))
}

// hasCompensations reports whether any completed step declares a
// compensation, which decides whether the run passes through compensating.
func (e *Engine) hasCompensations(spec *process.ProcessSpec, completedOrder []string) bool {
	for _, name := range completedOrder {
		idx := spec.StepIndex(name)
		if idx >= 0 && spec.Steps[idx].CompensateWith != "" {
			return true
		}
	}
	return false
}

// compensate walks the completed steps in reverse order and invokes each
// declared compensation handler under its own timeout. Failures are logged
// and never stop the walk.
func (e *Engine) compensate(bg context.Context, spec *process.ProcessSpec, run *backend.Run, pctx *process.Context, completedOrder []string, logger *slog.Logger) {
	seen := make(map[string]bool, len(completedOrder))
	for i := len(completedOrder) - 1; i >= 0; i-- {
		name := completedOrder[i]
		if seen[name] {
			continue
		}
		seen[name] = true

		idx := spec.StepIndex(name)
		if idx < 0 || spec.Steps[idx].CompensateWith == "" {
			continue
		}
		comp := spec.CompensationFor(spec.Steps[idx].CompensateWith)
		if comp == nil {
			logger.Warn("compensation not declared",
				log.String(log.StepKey, name),
				log.String("compensate_with", spec.Steps[idx].CompensateWith))
			continue
		}

		handler, ok := e.registry.Service(comp.Service)
		if !ok {
			logger.Warn("compensation service not registered",
				log.String("compensation", comp.Name),
				log.String("service", comp.Service))
			continue
		}

		cctx, cancel := context.WithTimeout(bg, comp.Timeout())
		_, err := handler(cctx, pctx.BuildStepInputs(comp.Inputs))
		cancel()
		if err != nil {
			logger.Error("compensation failed",
				log.String("compensation", comp.Name),
				log.String(log.StepKey, name),
				log.Error(err))
			continue
		}
		logger.Info("compensation applied",
			log.String("compensation", comp.Name),
			log.String(log.StepKey, name))
	}
}

// completedStepNames reconstructs the completion order of top-level steps
// from the audit trail, for resumes that may later need compensation.
func (e *Engine) completedStepNames(ctx context.Context, runID string, spec *process.ProcessSpec) []string {
	execs, err := e.store.ListStepExecutions(ctx, runID)
	if err != nil {
		e.logger.Error("failed to list step executions",
			log.String(log.RunIDKey, runID), log.Error(err))
		return nil
	}

	var names []string
	seen := make(map[string]bool)
	for _, exec := range execs {
		if exec.Status != backend.StepExecutionCompleted {
			continue
		}
		if spec.StepIndex(exec.StepName) < 0 {
			// Parallel children audit under their own names; compensation
			// only covers top-level steps.
			continue
		}
		if seen[exec.StepName] {
			continue
		}
		seen[exec.StepName] = true
		names = append(names, exec.StepName)
	}
	return names
}

// flattenOutputs produces the run's outputs bag: one level of
// "step.field" keys over every recorded step output.
func flattenOutputs(pctx *process.Context) map[string]any {
	out := make(map[string]any)
	for step, bag := range pctx.StepOutputs {
		for k, v := range bag {
			out[step+"."+k] = v
		}
	}
	return out
}
