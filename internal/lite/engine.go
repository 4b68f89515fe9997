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

// Package lite is the single-process execution backend. Runs are driven by
// goroutines against an embedded SQLite store; signals, human tasks, and
// subprocesses are polled. A background scheduler fires cron and interval
// schedules, and a drain watcher advances version migrations.
package lite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/internal/metrics"
	"github.com/dazzlehq/dazzle/internal/store"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
	"github.com/dazzlehq/dazzle/pkg/process"
)

// Options configures the lite engine.
type Options struct {
	// DBPath is the SQLite database path (":memory:" for tests)
	DBPath string

	// PollInterval is the cadence of signal, task, and subprocess polls
	PollInterval time.Duration

	// SchedulerInterval is the cadence of the schedule trigger loop
	SchedulerInterval time.Duration

	// DrainCheckInterval is the cadence of the migration drain watcher
	DrainCheckInterval time.Duration

	// DefaultDSLVersion is stamped on runs started without a version
	DefaultDSLVersion string

	// DefaultRetry applies to steps without their own retry policy
	DefaultRetry *process.RetryConfig

	// DisableAutoCompleteMigrations stops the drain watcher from completing
	// a migration when its remaining run count reaches zero; completion then
	// needs an explicit CompleteMigration call
	DisableAutoCompleteMigrations bool

	// Logger is the parent logger; a component logger is derived from it
	Logger *slog.Logger
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		PollInterval:       time.Second,
		SchedulerInterval:  30 * time.Second,
		DrainCheckInterval: 5 * time.Second,
		DefaultDSLVersion:  backend.DefaultDSLVersion,
	}
}

// Engine is the lite implementation of backend.Backend. All engine state is
// instance-scoped so tests can run independent engines side by side.
type Engine struct {
	opts     Options
	logger   *slog.Logger
	registry *process.Registry
	emitter  *process.Emitter
	tracer   trace.Tracer

	store *store.Store

	mu        sync.RWMutex
	processes map[string]*process.ProcessSpec
	schedules map[string]*process.ScheduleSpec

	runMu   sync.Mutex
	running map[string]*runHandle

	draining atomic.Bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	sched   *scheduler
	drainer *drainWatcher
}

// New builds an engine. Zero option fields fall back to DefaultOptions;
// Initialize must be called before any run operation.
func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.SchedulerInterval <= 0 {
		opts.SchedulerInterval = def.SchedulerInterval
	}
	if opts.DrainCheckInterval <= 0 {
		opts.DrainCheckInterval = def.DrainCheckInterval
	}
	if opts.DefaultDSLVersion == "" {
		opts.DefaultDSLVersion = def.DefaultDSLVersion
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.DefaultConfig())
	}

	e := &Engine{
		opts:      opts,
		logger:    log.WithComponent(opts.Logger, "lite"),
		registry:  process.NewRegistry(),
		emitter:   process.NewEmitter(false),
		tracer:    otel.Tracer("github.com/dazzlehq/dazzle/internal/lite"),
		processes: make(map[string]*process.ProcessSpec),
		schedules: make(map[string]*process.ScheduleSpec),
		running:   make(map[string]*runHandle),
	}

	// The persistence listener is registered first so the events table row
	// exists before host listeners observe the event.
	e.emitter.OnAny(e.persistEvent)

	return e
}

// Name identifies the backend implementation.
func (e *Engine) Name() string { return "lite" }

// Registry exposes the service, send, and effect registries so hosts can
// wire handlers before starting runs.
func (e *Engine) Registry() *process.Registry { return e.registry }

// Events returns the lifecycle event emitter.
func (e *Engine) Events() *process.Emitter { return e.emitter }

// Store exposes the underlying store for maintenance tooling and tests.
func (e *Engine) Store() *store.Store { return e.store }

// Initialize opens the store, seeds the default DSL version, resumes runs
// suspended by a previous shutdown, and starts the background loops.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.store != nil {
		return nil
	}

	st, err := store.Open(store.Config{Path: e.opts.DBPath})
	if err != nil {
		return &errors.BackendError{Backend: "lite", Op: "initialize", Cause: err}
	}
	e.store = st

	if err := e.ensureDefaultVersion(ctx); err != nil {
		return err
	}

	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())

	e.resumeSuspended(ctx, "")

	e.sched = newScheduler(e, e.opts.SchedulerInterval)
	e.sched.start()
	e.drainer = newDrainWatcher(e, e.opts.DrainCheckInterval, !e.opts.DisableAutoCompleteMigrations)
	e.drainer.start()

	e.logger.Info("lite backend initialized",
		log.String("db_path", e.opts.DBPath),
		slog.Duration("poll_interval", e.opts.PollInterval),
		slog.Duration("scheduler_interval", e.opts.SchedulerInterval))
	return nil
}

// ensureDefaultVersion seeds the dsl_versions table so runs started before
// any explicit deploy still bind to an existing version row.
func (e *Engine) ensureDefaultVersion(ctx context.Context) error {
	_, err := e.store.GetVersion(ctx, e.opts.DefaultDSLVersion)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return err
	}
	return e.store.InsertVersion(ctx, &backend.DSLVersion{
		VersionID:  e.opts.DefaultDSLVersion,
		DeployedAt: time.Now().UTC(),
		Status:     backend.VersionActive,
	})
}

// Shutdown drains the engine: background loops stop, in-flight runs are
// suspended after their context persists, and the store closes once every
// run goroutine has exited or the context expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}

	if e.sched != nil {
		e.sched.stop()
	}
	if e.drainer != nil {
		e.drainer.stop()
	}

	e.runMu.Lock()
	handles := make([]*runHandle, 0, len(e.running))
	for _, h := range e.running {
		handles = append(handles, h)
	}
	e.runMu.Unlock()

	for _, h := range handles {
		h.suspendNow()
	}

	err := e.waitForDrain(ctx)

	if e.baseCancel != nil {
		e.baseCancel()
	}
	if e.store != nil {
		if cerr := e.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	e.logger.Info("lite backend shut down")
	return err
}

// waitForDrain blocks until every run goroutine exits or ctx expires.
func (e *Engine) waitForDrain(ctx context.Context) error {
	if e.activeRunCount() == 0 {
		return nil
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			remaining := e.activeRunCount()
			if remaining > 0 {
				return fmt.Errorf("drain timeout: %d run(s) still active", remaining)
			}
			return nil
		case <-ticker.C:
			if e.activeRunCount() == 0 {
				return nil
			}
		}
	}
}

// RegisterProcess validates and registers a process spec, then resumes any
// suspended runs of it so recovery does not depend on registration order.
func (e *Engine) RegisterProcess(ctx context.Context, spec *process.ProcessSpec) error {
	if spec == nil {
		return &errors.ValidationError{Field: "process", Message: "process spec cannot be nil"}
	}
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.processes[spec.Name] = spec
	e.mu.Unlock()

	e.logger.Info("process registered",
		log.String(log.ProcessKey, spec.Name),
		log.Int("steps", len(spec.Steps)))

	if e.store != nil {
		e.resumeSuspended(ctx, spec.Name)
	}
	return nil
}

// RegisterSchedule validates and registers a schedule. The schedule's
// implicit process is registered alongside so StartProcess can run it.
func (e *Engine) RegisterSchedule(ctx context.Context, spec *process.ScheduleSpec) error {
	if spec == nil {
		return &errors.ValidationError{Field: "schedule", Message: "schedule spec cannot be nil"}
	}
	proc := spec.Process()
	proc.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.schedules[spec.Name] = spec
	e.processes[proc.Name] = proc
	e.mu.Unlock()

	e.logger.Info("schedule registered",
		log.String(log.ScheduleKey, spec.Name),
		log.String("cron", spec.Cron),
		log.Int("interval_seconds", spec.IntervalSeconds))

	if e.store != nil {
		e.resumeSuspended(ctx, proc.Name)
	}
	return nil
}

// processSpec returns the registered spec for a process name, or nil.
func (e *Engine) processSpec(name string) *process.ProcessSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.processes[name]
}

// scheduleSpecs snapshots the registered schedules for the scheduler loop.
func (e *Engine) scheduleSpecs() []*process.ScheduleSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()

	specs := make([]*process.ScheduleSpec, 0, len(e.schedules))
	for _, s := range e.schedules {
		specs = append(specs, s)
	}
	return specs
}

// resumeSuspended redispatches suspended runs. With a process name it limits
// the scan to that process; Initialize passes "" to sweep everything whose
// spec is already registered.
func (e *Engine) resumeSuspended(ctx context.Context, processName string) {
	filter := backend.RunFilter{Status: backend.RunSuspended, ProcessName: processName}
	runs, err := e.store.ListRuns(ctx, filter)
	if err != nil {
		e.logger.Error("failed to list suspended runs", log.Error(err))
		return
	}

	for _, run := range runs {
		if e.processSpec(run.ProcessName) == nil {
			e.logger.Warn("suspended run awaiting process registration",
				log.String(log.RunIDKey, run.RunID),
				log.String(log.ProcessKey, run.ProcessName))
			continue
		}
		if err := e.ResumeProcess(ctx, run.RunID); err != nil {
			e.logger.Error("failed to resume suspended run",
				log.String(log.RunIDKey, run.RunID), log.Error(err))
		}
	}
}

// persistEvent is the OnAny listener that writes every lifecycle event to
// the events table before host listeners run.
func (e *Engine) persistEvent(ctx context.Context, ev *process.Event) error {
	if e.store == nil {
		return nil
	}
	err := e.store.InsertEvent(ctx, &backend.Event{
		EventID:     newID(),
		RunID:       ev.RunID,
		ProcessName: ev.ProcessName,
		SchemaName:  string(ev.Schema),
		EventData:   ev.Data,
		CreatedAt:   ev.Timestamp,
	})
	if err != nil {
		e.logger.Error("failed to persist event",
			log.String(log.EventKey, string(ev.Schema)),
			log.String(log.RunIDKey, ev.RunID),
			log.Error(err))
	}
	return nil
}

// trackRun registers a driving goroutine's handle.
func (e *Engine) trackRun(h *runHandle) {
	e.runMu.Lock()
	e.running[h.runID] = h
	e.runMu.Unlock()
	metrics.IncActiveRuns()
}

// untrackRun removes a handle once its goroutine exits.
func (e *Engine) untrackRun(runID string) {
	e.runMu.Lock()
	delete(e.running, runID)
	e.runMu.Unlock()
	metrics.DecActiveRuns()
}

// handle returns the live handle for a run, or nil.
func (e *Engine) handle(runID string) *runHandle {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running[runID]
}

// activeRunCount reports how many run goroutines are still live.
func (e *Engine) activeRunCount() int {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return len(e.running)
}
