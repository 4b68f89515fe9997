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
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
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

// executeStep runs one step to completion or to exhaustion of its retry
// policy. Attempts are 0-based internally; audit rows carry attempt+1.
// Fatal failures re-raise immediately without an audit row.
func (e *Engine) executeStep(ctx context.Context, h *runHandle, run *backend.Run, spec *process.ProcessSpec, step *process.StepSpec, pctx *process.Context, chain []string) (map[string]any, error) {
	logger := log.WithStepContext(e.logger, run.RunID, step.Name)

	ctx, span := e.tracer.Start(ctx, "lite.step",
		trace.WithAttributes(
			attribute.String("dazzle.step", step.Name),
			attribute.String("dazzle.step_kind", string(step.Kind)),
		))
	defer span.End()

	retry := step.Retry
	if retry == nil {
		retry = e.opts.DefaultRetry
	}
	attempts := retry.Attempts()

	var lastErr string
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			logger.Info("retrying step", log.Int("attempt", attempt+1))
		}

		start := time.Now()
		outputs, err := e.dispatchStep(ctx, h, run, spec, step, pctx, chain)
		if err == nil {
			outputs = e.runEffects(ctx, step, pctx, outputs, logger)
			e.recordStepExecution(ctx, run.RunID, step, attempt+1, backend.StepExecutionCompleted, outputs, "")
			metrics.RecordStep(string(step.Kind), "completed", time.Since(start))
			span.SetStatus(codes.Ok, "")
			logger.Debug("step completed",
				log.Int("attempt", attempt+1),
				log.Duration("duration", time.Since(start).Milliseconds()))
			return outputs, nil
		}

		if ctx.Err() != nil {
			// The run was cancelled or suspended mid-attempt; the executor
			// settles the run, not the retry loop.
			return nil, ctx.Err()
		}

		if sf, ok := errors.AsStepFailed(err); ok && sf.Fatal {
			if sf.Step == "" {
				sf.Step = step.Name
			}
			metrics.RecordStep(string(step.Kind), "failed", time.Since(start))
			span.SetStatus(codes.Error, sf.Error())
			return nil, sf
		}

		lastErr = failureMessage(err)
		e.recordStepExecution(ctx, run.RunID, step, attempt+1, backend.StepExecutionFailed, nil, lastErr)
		metrics.RecordStep(string(step.Kind), "failed", time.Since(start))
		logger.Warn("step attempt failed",
			log.Int("attempt", attempt+1),
			log.String("error", lastErr))

		if attempt+1 < attempts {
			if err := sleepCtx(ctx, retry.Interval(attempt)); err != nil {
				return nil, err
			}
		}
	}

	sf := errors.StepFailed(lastErr)
	sf.Step = step.Name
	span.SetStatus(codes.Error, sf.Error())
	return nil, sf
}

// dispatchStep selects the kind-specific body. Condition steps never reach
// here; the run executor routes them.
func (e *Engine) dispatchStep(ctx context.Context, h *runHandle, run *backend.Run, spec *process.ProcessSpec, step *process.StepSpec, pctx *process.Context, chain []string) (map[string]any, error) {
	switch step.Kind {
	case process.StepService:
		return e.executeService(ctx, step, pctx)
	case process.StepSend:
		return e.executeSend(ctx, step, pctx)
	case process.StepWait:
		return e.executeWait(ctx, run, step)
	case process.StepHumanTask:
		return e.executeHumanTask(ctx, run, step, pctx)
	case process.StepSubprocess:
		return e.executeSubprocess(ctx, h, run, step, pctx, chain)
	case process.StepParallel:
		return e.executeParallel(ctx, h, run, spec, step, pctx, chain)
	default:
		return nil, errors.StepFailedFatal("unsupported step kind: " + string(step.Kind))
	}
}

// executeService invokes the registered handler under the step deadline.
// An unregistered service is a logged no-op; a missing service name is fatal.
func (e *Engine) executeService(ctx context.Context, step *process.StepSpec, pctx *process.Context) (map[string]any, error) {
	if step.Service == "" {
		return nil, errors.StepFailedFatal("service step has no service name")
	}
	handler, ok := e.registry.Service(step.Service)
	if !ok {
		e.logger.Warn("service not registered, treating step as no-op",
			log.String("service", step.Service),
			log.String(log.StepKey, step.Name))
		return map[string]any{}, nil
	}

	inputs := pctx.BuildStepInputs(step.Inputs)

	actx, cancel := context.WithTimeout(ctx, step.Timeout())
	defer cancel()

	type result struct {
		outputs map[string]any
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		outputs, err := handler(actx, inputs)
		resCh <- result{outputs: outputs, err: err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			if actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, errors.StepFailed(timeoutMsg(step))
			}
			return nil, r.err
		}
		if r.outputs == nil {
			r.outputs = map[string]any{}
		}
		return r.outputs, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.StepFailed(timeoutMsg(step))
	}
}

// executeSend interpolates channel and message against the run context and
// hands them to the send handler when one is registered. The result bag is
// always constructed, never taken from the handler.
func (e *Engine) executeSend(ctx context.Context, step *process.StepSpec, pctx *process.Context) (map[string]any, error) {
	if step.Channel == "" || step.Message == "" {
		return nil, errors.StepFailedFatal("send step requires channel and message")
	}

	channel := pctx.Interpolate(step.Channel)
	message := pctx.Interpolate(step.Message)

	if handler, ok := e.registry.Send(); ok {
		inputs := pctx.BuildStepInputs(step.Inputs)

		actx, cancel := context.WithTimeout(ctx, step.Timeout())
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- handler(actx, channel, message, inputs) }()

		select {
		case err := <-errCh:
			if err != nil {
				if actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
					return nil, errors.StepFailed(timeoutMsg(step))
				}
				return nil, err
			}
		case <-actx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.StepFailed(timeoutMsg(step))
		}
	} else {
		e.logger.Debug("no send handler registered",
			log.String("channel", channel),
			log.String(log.StepKey, step.Name))
	}

	return map[string]any{"sent": true, "channel": channel, "message": message}, nil
}

// executeWait sleeps for a fixed duration or parks until a signal arrives.
func (e *Engine) executeWait(ctx context.Context, run *backend.Run, step *process.StepSpec) (map[string]any, error) {
	if step.WaitForSignal != "" {
		return e.waitForSignal(ctx, run, step)
	}
	if step.WaitDurationSeconds > 0 {
		if err := sleepCtx(ctx, time.Duration(step.WaitDurationSeconds)*time.Second); err != nil {
			return nil, err
		}
		return map[string]any{"waited_seconds": step.WaitDurationSeconds}, nil
	}
	return nil, errors.StepFailedFatal("wait step requires wait_duration_seconds or wait_for_signal")
}

// waitForSignal polls the signal table until one is consumed or the step
// timeout elapses. A zero timeout waits indefinitely (bounded by the run
// context). Consumption is atomic in the store, so concurrent waiters never
// double-consume.
func (e *Engine) waitForSignal(ctx context.Context, run *backend.Run, step *process.StepSpec) (map[string]any, error) {
	name := step.WaitForSignal

	var deadline <-chan time.Time
	if step.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(step.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		sig, err := e.store.ConsumeSignal(ctx, run.RunID, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("signal poll failed",
				log.String(log.RunIDKey, run.RunID),
				log.String("signal", name),
				log.Error(err))
		} else if sig != nil {
			metrics.RecordSignalConsumed()
			return map[string]any{"signal": name, "payload": sig.Payload}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, errors.StepFailed("Timeout waiting for signal: " + name)
		case <-ticker.C:
		}
	}
}

// executeSubprocess starts (or adopts) a child run and polls it to a terminal
// status. The idempotency key ties the child to this (run, step) pair so a
// resumed or retried parent picks up the same child instead of forking one.
func (e *Engine) executeSubprocess(ctx context.Context, h *runHandle, run *backend.Run, step *process.StepSpec, pctx *process.Context, chain []string) (map[string]any, error) {
	child := step.Subprocess
	if child == "" {
		return nil, errors.StepFailedFatal("subprocess step has no process name")
	}
	for _, ancestor := range chain {
		if ancestor == child {
			return nil, errors.StepFailedFatal("subprocess cycle detected: " + child)
		}
	}

	req := backend.StartProcessRequest{
		ProcessName:    child,
		Inputs:         pctx.BuildStepInputs(step.Inputs),
		IdempotencyKey: "subprocess:" + run.RunID + ":" + step.Name,
		DSLVersion:     run.DSLVersion,
	}
	childRun, err := e.startRun(ctx, req, chain)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.StepFailedFatal("subprocess " + child + " is not registered")
		}
		return nil, err
	}

	var deadline <-chan time.Time
	if step.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(step.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		cur, err := e.store.GetRun(ctx, childRun.RunID)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("subprocess poll failed",
					log.String(log.RunIDKey, childRun.RunID), log.Error(err))
			}
		} else {
			switch cur.Status {
			case backend.RunCompleted:
				return map[string]any{
					"subprocess_run_id": cur.RunID,
					"outputs":           cur.Outputs,
				}, nil
			case backend.RunFailed, backend.RunCancelled:
				msg := cur.Error
				if msg == "" {
					msg = "subprocess " + child + " " + string(cur.Status)
				}
				return nil, errors.StepFailed(msg)
			case backend.RunSuspended:
				// The parent is live, so wake the child instead of waiting
				// for an operator.
				if err := e.ResumeProcess(ctx, cur.RunID); err != nil {
					e.logger.Warn("failed to resume suspended subprocess",
						log.String(log.RunIDKey, cur.RunID), log.Error(err))
				}
			}
		}

		select {
		case <-ctx.Done():
			if !h.suspend.Load() && !e.draining.Load() {
				e.cascadeCancel(childRun.RunID)
			}
			return nil, ctx.Err()
		case <-deadline:
			return nil, errors.StepFailed(timeoutMsg(step))
		case <-ticker.C:
		}
	}
}

// cascadeCancel cancels a child run after its parent was cancelled. Runs on
// a fresh context because the parent's is already dead.
func (e *Engine) cascadeCancel(childRunID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.CancelProcess(ctx, childRunID, "parent run cancelled"); err != nil {
		e.logger.Warn("failed to cancel subprocess",
			log.String(log.RunIDKey, childRunID), log.Error(err))
	}
}

// executeParallel runs the inner steps concurrently, each through the full
// retry machinery, sharing the parent's context bag read-only. Results are
// keyed by child name inside this step's own bag.
func (e *Engine) executeParallel(ctx context.Context, h *runHandle, run *backend.Run, spec *process.ProcessSpec, step *process.StepSpec, pctx *process.Context, chain []string) (map[string]any, error) {
	if len(step.ParallelSteps) == 0 {
		return map[string]any{}, nil
	}

	var cctx context.Context
	var cancel context.CancelFunc
	if step.TimeoutSeconds > 0 {
		cctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type childResult struct {
		name    string
		outputs map[string]any
		err     error
	}

	resCh := make(chan childResult, len(step.ParallelSteps))
	var wg sync.WaitGroup
	for i := range step.ParallelSteps {
		childStep := &step.ParallelSteps[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			outputs, err := e.executeStep(cctx, h, run, spec, childStep, pctx, chain)
			resCh <- childResult{name: childStep.Name, outputs: outputs, err: err}
		}()
	}

	failFast := step.ParallelPolicy != process.ParallelWaitAll
	results := make(map[string]any, len(step.ParallelSteps))
	failures := make(map[string]error)

	for range step.ParallelSteps {
		r := <-resCh
		if r.err != nil {
			failures[r.name] = r.err
			if failFast {
				cancel()
			}
			continue
		}
		results[r.name] = r.outputs
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cctx.Err() == context.DeadlineExceeded {
		return nil, errors.StepFailed(timeoutMsg(step))
	}
	if len(failures) == 0 {
		return results, nil
	}

	// Siblings cancelled by fail_fast are casualties, not causes; report
	// them only when no genuine failure exists.
	var hard, soft []string
	for i := range step.ParallelSteps {
		name := step.ParallelSteps[i].Name
		err, ok := failures[name]
		if !ok {
			continue
		}
		if stderrors.Is(err, context.Canceled) {
			soft = append(soft, name)
		} else {
			hard = append(hard, name)
		}
	}
	names := hard
	if len(names) == 0 {
		names = soft
	}
	return nil, errors.StepFailed("parallel failures: " + strings.Join(names, ", "))
}

// runEffects invokes the registered effect executor for steps that declare
// effects. Executor errors are logged; they never fail the step.
func (e *Engine) runEffects(ctx context.Context, step *process.StepSpec, pctx *process.Context, outputs map[string]any, logger *slog.Logger) map[string]any {
	if len(step.Effects) == 0 {
		return outputs
	}
	executor, ok := e.registry.Effects()
	if !ok {
		return outputs
	}

	effectCtx := map[string]any{
		"step":    step.Name,
		"inputs":  pctx.BuildStepInputs(step.Inputs),
		"outputs": outputs,
	}
	results, err := executor(ctx, step.Effects, effectCtx)
	if err != nil {
		logger.Warn("effect executor failed",
			log.String(log.StepKey, step.Name), log.Error(err))
		return outputs
	}

	if outputs == nil {
		outputs = map[string]any{}
	}
	outputs["_effects"] = results
	return outputs
}

// recordStepExecution appends an audit row, detached from run cancellation.
func (e *Engine) recordStepExecution(ctx context.Context, runID string, step *process.StepSpec, attempt int, status backend.StepExecutionStatus, outputs map[string]any, errMsg string) {
	err := e.store.RecordStepExecution(context.WithoutCancel(ctx), &backend.StepExecution{
		ExecutionID: newID(),
		RunID:       runID,
		StepName:    step.Name,
		StepKind:    string(step.Kind),
		Attempt:     attempt,
		Status:      status,
		Outputs:     outputs,
		Error:       errMsg,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error("failed to record step execution",
			log.String(log.RunIDKey, runID),
			log.String(log.StepKey, step.Name),
			log.Error(err))
	}
}

// failureMessage extracts the bare message carried by a step failure.
func failureMessage(err error) string {
	if sf, ok := errors.AsStepFailed(err); ok {
		return sf.Message
	}
	return err.Error()
}

// timeoutMsg renders the per-attempt timeout failure text.
func timeoutMsg(step *process.StepSpec) string {
	return fmt.Sprintf("step timed out after %ds", int(step.Timeout().Seconds()))
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
