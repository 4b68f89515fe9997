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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/internal/metrics"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
	"github.com/dazzlehq/dazzle/pkg/process"
)

func newID() string { return uuid.NewString() }

// runHandle is the concurrency handle of one driving goroutine. CancelProcess
// and Shutdown reach a run through its handle; the executor reads the suspend
// flag and cancel reason when its context ends.
type runHandle struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}

	cancelOnce sync.Once
	suspend    atomic.Bool

	mu     sync.Mutex
	reason string
}

// stop cancels the run with a caller-supplied reason. Idempotent; the first
// reason wins.
func (h *runHandle) stop(reason string) {
	h.cancelOnce.Do(func() {
		h.mu.Lock()
		h.reason = reason
		h.mu.Unlock()
		h.cancel()
	})
}

// suspendNow marks the run for suspension and cancels its context. The
// executor persists state and parks the run as suspended instead of
// cancelling it.
func (h *runHandle) suspendNow() {
	h.suspend.Store(true)
	h.cancelOnce.Do(h.cancel)
}

// cancelReason returns the reason recorded by stop, or "".
func (h *runHandle) cancelReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// StartProcess starts a run of a registered process. The idempotency key is
// consulted first, then the process's overlap policy, and only then is a
// pending run row created and its goroutine dispatched.
func (e *Engine) StartProcess(ctx context.Context, req backend.StartProcessRequest) (*backend.Run, error) {
	return e.startRun(ctx, req, nil)
}

// startRun is StartProcess plus the subprocess ancestor chain used for
// cycle detection.
func (e *Engine) startRun(ctx context.Context, req backend.StartProcessRequest, ancestors []string) (*backend.Run, error) {
	if e.store == nil {
		return nil, &errors.BackendError{Backend: "lite", Op: "start_process", Cause: errors.New("backend not initialized")}
	}
	if e.draining.Load() {
		return nil, &errors.BackendError{Backend: "lite", Op: "start_process", Cause: errors.New("engine is shutting down")}
	}

	spec := e.processSpec(req.ProcessName)
	if spec == nil {
		return nil, &errors.NotFoundError{Resource: "process", ID: req.ProcessName}
	}

	if req.IdempotencyKey != "" {
		existing, err := e.store.GetRunByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	switch spec.OverlapPolicy {
	case process.OverlapSkip:
		prev, err := e.store.FindRunningRun(ctx, req.ProcessName)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			e.logger.Debug("overlap policy skip: returning in-flight run",
				log.String(log.ProcessKey, req.ProcessName),
				log.String(log.RunIDKey, prev.RunID))
			return prev, nil
		}
	case process.OverlapCancelPrevious:
		prev, err := e.store.FindRunningRun(ctx, req.ProcessName)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			if err := e.CancelProcess(ctx, prev.RunID, "cancelled by overlap policy"); err != nil {
				e.logger.Warn("overlap policy cancel_previous failed",
					log.String(log.RunIDKey, prev.RunID), log.Error(err))
			}
		}
	}

	version := req.DSLVersion
	if version == "" {
		version = e.opts.DefaultDSLVersion
	}

	now := time.Now().UTC()
	run := &backend.Run{
		RunID:          newID(),
		ProcessName:    req.ProcessName,
		ProcessVersion: spec.Version,
		DSLVersion:     version,
		Status:         backend.RunPending,
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	created, inserted, err := e.store.CreateRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// A concurrent start holding the same idempotency key won the insert.
		return created, nil
	}

	metrics.RecordRunStarted(req.ProcessName)
	e.dispatch(created, spec, ancestors, false)
	return created, nil
}

// dispatch registers a handle and launches the driving goroutine.
func (e *Engine) dispatch(run *backend.Run, spec *process.ProcessSpec, ancestors []string, resume bool) {
	runCtx, cancel := context.WithCancel(e.baseCtx)
	h := &runHandle{
		runID:  run.RunID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.trackRun(h)

	go func() {
		defer close(h.done)
		defer e.untrackRun(run.RunID)
		defer cancel()
		e.executeRun(runCtx, h, spec, run, ancestors, resume)
	}()
}

// GetRun returns a run by id.
func (e *Engine) GetRun(ctx context.Context, runID string) (*backend.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns returns runs matching the filter, newest first.
func (e *Engine) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// ListRunsByVersion returns runs bound to a DSL version.
func (e *Engine) ListRunsByVersion(ctx context.Context, version string, limit, offset int) ([]*backend.Run, error) {
	return e.store.ListRunsByVersion(ctx, version, limit, offset)
}

// CountActiveRunsByVersion counts pending, running, suspended, and waiting
// runs bound to a DSL version.
func (e *Engine) CountActiveRunsByVersion(ctx context.Context, version string) (int, error) {
	return e.store.CountActiveRunsByVersion(ctx, version)
}

// CancelProcess cancels a run. In-flight runs are stopped through their
// handle and finalized by the executor (compensation included); runs at rest
// are finalized directly. Terminal runs are a no-op.
func (e *Engine) CancelProcess(ctx context.Context, runID, reason string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	if h := e.handle(runID); h != nil {
		h.stop(reason)
		return nil
	}

	// No goroutine owns the run (it was suspended, or orphaned by a crash).
	e.finalizeCancelledRun(ctx, run, reason)
	return nil
}

// finalizeCancelledRun compensates and cancels a run that has no driving
// goroutine, using its persisted context and audit trail.
func (e *Engine) finalizeCancelledRun(ctx context.Context, run *backend.Run, reason string) {
	logger := log.WithRunContext(e.logger, run.RunID, run.ProcessName)

	spec := e.processSpec(run.ProcessName)
	if spec != nil {
		pctx := process.NewContext(run.Inputs)
		if len(run.Context) > 0 {
			pctx = process.FromBag(run.Context)
		}
		completed := e.completedStepNames(ctx, run.RunID, spec)
		e.compensate(ctx, spec, run, pctx, completed, logger)
	} else {
		logger.Warn("cancelling run without registered process; skipping compensation")
	}

	changed, err := e.store.CancelRun(ctx, run.RunID, reason)
	if err != nil {
		logger.Error("failed to cancel run", log.Error(err))
		return
	}
	if !changed {
		return
	}
	if n, err := e.store.CancelOpenTasksForRun(ctx, run.RunID); err != nil {
		logger.Error("failed to cancel open tasks", log.Error(err))
	} else if n > 0 {
		metrics.RecordTask("cancelled")
	}
	e.emitter.EmitProcessCancelled(ctx, run.RunID, run.ProcessName, reason)
	metrics.RecordRunCompleted(run.ProcessName, string(backend.RunCancelled), time.Since(run.StartedAt))
}

// SuspendProcess parks an in-flight run as suspended so a later
// ResumeProcess or engine restart can pick it up. Suspended and terminal
// runs are a no-op.
func (e *Engine) SuspendProcess(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() || run.Status == backend.RunSuspended {
		return nil
	}

	if h := e.handle(runID); h != nil {
		h.suspendNow()
		return nil
	}

	_, err = e.store.UpdateRunStatus(ctx, runID, backend.RunSuspended)
	return err
}

// ResumeProcess redispatches a suspended run from its persisted current
// step. Non-suspended runs are a no-op.
func (e *Engine) ResumeProcess(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != backend.RunSuspended {
		return nil
	}
	if e.handle(runID) != nil {
		return nil
	}

	spec := e.processSpec(run.ProcessName)
	if spec == nil {
		return &errors.ValidationError{
			Field:      "process_name",
			Message:    "process " + run.ProcessName + " is not registered",
			Suggestion: "register the process before resuming its runs",
		}
	}

	e.logger.Info("resuming suspended run",
		log.String(log.RunIDKey, runID),
		log.String(log.ProcessKey, run.ProcessName),
		log.String(log.StepKey, run.CurrentStep))

	e.dispatch(run, spec, nil, true)
	return nil
}

// SignalProcess appends a signal row for a run. Only a wait step for the
// same signal name consumes it; unconsumed signals persist until the run
// terminates.
func (e *Engine) SignalProcess(ctx context.Context, runID, name string, payload map[string]any) error {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return err
	}
	if name == "" {
		return &errors.ValidationError{Field: "signal_name", Message: "signal name cannot be empty"}
	}

	err := e.store.InsertSignal(ctx, &backend.Signal{
		SignalID:   newID(),
		RunID:      runID,
		SignalName: name,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	metrics.RecordSignalDelivered()
	return nil
}
