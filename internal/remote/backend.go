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

// Package remote delegates run durability to an external workflow service
// over JSON-gRPC. Runs, signals, and timers live on the service; human tasks,
// DSL versions, and events stay in the local store, and each started run
// leaves a local mirror row anchoring its task and event rows. Completing a
// task additionally signals the owning remote run so its waiting step resumes
// without waiting for the service's periodic recheck.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/internal/metrics"
	"github.com/dazzlehq/dazzle/internal/store"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
	"github.com/dazzlehq/dazzle/pkg/process"
)

// SignalTaskCompleted is the signal delivered to a remote run when one of
// its human tasks completes.
const SignalTaskCompleted = "task_completed"

// Options configures the remote backend.
type Options struct {
	// Host and Port locate the remote workflow service
	Host string
	Port int

	// Namespace scopes workflows on the service
	Namespace string

	// TaskQueue is the base queue name; runs route to "<queue>-v<version>"
	TaskQueue string

	// DBPath is the local SQLite path holding tasks, versions, and events
	DBPath string

	// ConnectTimeout bounds the initial health probe
	ConnectTimeout time.Duration

	// RequestTimeout bounds each service call
	RequestTimeout time.Duration

	// DefaultDSLVersion is stamped on runs started without a version
	DefaultDSLVersion string

	// Logger is the parent logger; a component logger is derived from it
	Logger *slog.Logger
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Host:              "localhost",
		Port:              7233,
		Namespace:         "default",
		TaskQueue:         "dazzle",
		ConnectTimeout:    defaultConnectTimeout,
		RequestTimeout:    defaultRequestTimeout,
		DefaultDSLVersion: backend.DefaultDSLVersion,
	}
}

// Backend is the remote implementation of backend.Backend.
type Backend struct {
	opts    Options
	logger  *slog.Logger
	client  *Client
	store   *store.Store
	emitter *process.Emitter

	mu        sync.RWMutex
	processes map[string]*process.ProcessSpec
}

// New builds a remote backend. Zero option fields fall back to
// DefaultOptions; Initialize must be called before any run operation.
func New(opts Options) *Backend {
	def := DefaultOptions()
	if opts.Host == "" {
		opts.Host = def.Host
	}
	if opts.Port == 0 {
		opts.Port = def.Port
	}
	if opts.Namespace == "" {
		opts.Namespace = def.Namespace
	}
	if opts.TaskQueue == "" {
		opts.TaskQueue = def.TaskQueue
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.DefaultDSLVersion == "" {
		opts.DefaultDSLVersion = def.DefaultDSLVersion
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.DefaultConfig())
	}

	b := &Backend{
		opts:      opts,
		logger:    log.WithComponent(opts.Logger, "remote"),
		emitter:   process.NewEmitter(false),
		processes: make(map[string]*process.ProcessSpec),
	}
	b.emitter.OnAny(b.persistEvent)
	return b
}

// Name identifies the backend implementation.
func (b *Backend) Name() string { return "remote" }

// Events returns the lifecycle event emitter. Run lifecycle events originate
// on the remote service; this emitter carries the locally observable ones
// (task activity, registrations).
func (b *Backend) Events() *process.Emitter { return b.emitter }

// Store exposes the local store so a host's task-producing worker can share
// the tasks table.
func (b *Backend) Store() *store.Store { return b.store }

// Initialize opens the local store, seeds the default DSL version, and
// connects to the remote service.
func (b *Backend) Initialize(ctx context.Context) error {
	if b.client != nil {
		return nil
	}

	st, err := store.Open(store.Config{Path: b.opts.DBPath})
	if err != nil {
		return &errors.BackendError{Backend: "remote", Op: "initialize", Cause: err}
	}
	b.store = st

	if err := b.ensureDefaultVersion(ctx); err != nil {
		st.Close()
		b.store = nil
		return err
	}

	cli, err := NewClient(Config{
		Addr:           net.JoinHostPort(b.opts.Host, strconv.Itoa(b.opts.Port)),
		Namespace:      b.opts.Namespace,
		TaskQueue:      b.opts.TaskQueue,
		ConnectTimeout: b.opts.ConnectTimeout,
		RequestTimeout: b.opts.RequestTimeout,
	}, b.opts.Logger)
	if err != nil {
		st.Close()
		b.store = nil
		return err
	}
	if err := cli.Connect(ctx); err != nil {
		cli.Close()
		st.Close()
		b.store = nil
		return err
	}
	b.client = cli

	b.logger.Info("remote backend initialized",
		log.String("addr", net.JoinHostPort(b.opts.Host, strconv.Itoa(b.opts.Port))),
		log.String("namespace", b.opts.Namespace),
		log.String("task_queue", b.opts.TaskQueue))
	return nil
}

// ensureDefaultVersion seeds the dsl_versions table so runs started before
// any explicit deploy still bind to an existing version row.
func (b *Backend) ensureDefaultVersion(ctx context.Context) error {
	_, err := b.store.GetVersion(ctx, b.opts.DefaultDSLVersion)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return err
	}
	return b.store.InsertVersion(ctx, &backend.DSLVersion{
		VersionID:  b.opts.DefaultDSLVersion,
		DeployedAt: time.Now().UTC(),
		Status:     backend.VersionActive,
	})
}

// Shutdown closes the client connection and the local store. In-flight runs
// keep executing on the remote service.
func (b *Backend) Shutdown(ctx context.Context) error {
	var err error
	if b.client != nil {
		err = b.client.Close()
		b.client = nil
	}
	if b.store != nil {
		if cerr := b.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
		b.store = nil
	}
	b.logger.Info("remote backend shut down")
	return err
}

// RegisterProcess validates a process spec, records it locally, and pushes
// it to the remote service.
func (b *Backend) RegisterProcess(ctx context.Context, spec *process.ProcessSpec) error {
	if spec == nil {
		return &errors.ValidationError{Field: "process", Message: "process spec cannot be nil"}
	}
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}

	if err := b.client.RegisterProcess(ctx, spec); err != nil {
		return err
	}

	b.mu.Lock()
	b.processes[spec.Name] = spec
	b.mu.Unlock()

	b.logger.Info("process registered",
		log.String(log.ProcessKey, spec.Name),
		log.Int("steps", len(spec.Steps)))
	return nil
}

// RegisterSchedule validates a schedule and pushes it to the remote service,
// which owns the trigger loop. The implicit process is registered alongside
// so StartProcess can run it manually.
func (b *Backend) RegisterSchedule(ctx context.Context, spec *process.ScheduleSpec) error {
	if spec == nil {
		return &errors.ValidationError{Field: "schedule", Message: "schedule spec cannot be nil"}
	}
	proc := spec.Process()
	proc.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}

	if err := b.client.RegisterSchedule(ctx, spec); err != nil {
		return err
	}

	b.mu.Lock()
	b.processes[proc.Name] = proc
	b.mu.Unlock()

	b.logger.Info("schedule registered",
		log.String(log.ScheduleKey, spec.Name),
		log.String("cron", spec.Cron),
		log.Int("interval_seconds", spec.IntervalSeconds))
	return nil
}

// processSpec returns the registered spec for a process name, or nil.
func (b *Backend) processSpec(name string) *process.ProcessSpec {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.processes[name]
}

// StartProcess starts a run on the remote service, routed to the task queue
// of its DSL version and stamped with a searchable version attribute.
func (b *Backend) StartProcess(ctx context.Context, req backend.StartProcessRequest) (*backend.Run, error) {
	spec := b.processSpec(req.ProcessName)
	if spec == nil {
		return nil, &errors.NotFoundError{Resource: "process", ID: req.ProcessName}
	}

	version := req.DSLVersion
	if version == "" {
		version = b.opts.DefaultDSLVersion
	}

	wf, err := b.client.StartWorkflow(ctx, &StartWorkflowRequest{
		TaskQueue:      b.client.taskQueueFor(version),
		WorkflowID:     uuid.NewString(),
		ProcessName:    spec.Name,
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
		DSLVersion:     version,
		SearchAttributes: map[string]any{
			"dsl_version": version,
		},
	})
	if err != nil {
		return nil, err
	}

	run := wf.Run()
	b.mirrorRun(ctx, run)

	metrics.RecordRunStarted(spec.Name)
	b.logger.Info("run started",
		log.String(log.RunIDKey, wf.WorkflowID),
		log.String(log.ProcessKey, spec.Name),
		log.String(log.VersionKey, version))
	return run, nil
}

// mirrorRun inserts a local copy of a remotely started run. Task and event
// rows reference runs by foreign key, so every run needs a local anchor row
// even though the service holds the authoritative state. CreateRun dedupes
// on the idempotency key, so a replayed start maps onto the existing mirror.
func (b *Backend) mirrorRun(ctx context.Context, run *backend.Run) {
	if _, _, err := b.store.CreateRun(ctx, run); err != nil {
		b.logger.Error("failed to mirror run locally",
			log.String(log.RunIDKey, run.RunID), log.Error(err))
	}
}

// GetRun returns a run by id.
func (b *Backend) GetRun(ctx context.Context, runID string) (*backend.Run, error) {
	wf, err := b.client.GetWorkflow(ctx, runID)
	if err != nil {
		return nil, err
	}
	return wf.Run(), nil
}

// ListRuns returns runs matching the filter, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	wfs, err := b.client.ListWorkflows(ctx, &ListWorkflowsRequest{
		ProcessName: filter.ProcessName,
		Status:      string(filter.Status),
		DSLVersion:  filter.DSLVersion,
		Limit:       filter.Limit,
		Offset:      filter.Offset,
	})
	if err != nil {
		return nil, err
	}
	return workflowsToRuns(wfs), nil
}

// CancelProcess aborts a remote run and cancels any local tasks still open
// for it.
func (b *Backend) CancelProcess(ctx context.Context, runID, reason string) error {
	if err := b.client.CancelWorkflow(ctx, runID, reason); err != nil {
		return err
	}

	if n, err := b.store.CancelOpenTasksForRun(ctx, runID); err != nil {
		b.logger.Error("failed to cancel open tasks for run",
			log.String(log.RunIDKey, runID), log.Error(err))
	} else if n > 0 {
		b.logger.Info("cancelled open tasks for run",
			log.String(log.RunIDKey, runID), log.Int64("count", n))
	}
	if _, err := b.store.CancelRun(ctx, runID, reason); err != nil {
		b.logger.Error("failed to update local run mirror",
			log.String(log.RunIDKey, runID), log.Error(err))
	}

	b.logger.Info("run cancelled",
		log.String(log.RunIDKey, runID),
		log.String("reason", reason))
	return nil
}

// SuspendProcess is not supported: the remote service owns run lifecycles
// and parks waiting runs itself.
func (b *Backend) SuspendProcess(ctx context.Context, runID string) error {
	b.logger.Warn("suspend requested on remote backend",
		log.String(log.RunIDKey, runID))
	return &errors.ValidationError{
		Message:    "the remote backend does not support suspending runs",
		Suggestion: "the durable service parks waiting runs itself; use signals to influence them",
	}
}

// ResumeProcess is not supported for the same reason as SuspendProcess.
func (b *Backend) ResumeProcess(ctx context.Context, runID string) error {
	b.logger.Warn("resume requested on remote backend",
		log.String(log.RunIDKey, runID))
	return &errors.ValidationError{
		Message:    "the remote backend does not support resuming runs",
		Suggestion: "deliver the signal the run is waiting for instead",
	}
}

// SignalProcess delivers a named signal to a remote run.
func (b *Backend) SignalProcess(ctx context.Context, runID, name string, payload map[string]any) error {
	if name == "" {
		return &errors.ValidationError{Field: "signal", Message: "signal name cannot be empty"}
	}
	if err := b.client.SignalWorkflow(ctx, runID, name, payload); err != nil {
		return err
	}
	metrics.RecordSignalDelivered()
	return nil
}

// GetTask returns a human task by id from the local store.
func (b *Backend) GetTask(ctx context.Context, taskID string) (*backend.Task, error) {
	return b.store.GetTask(ctx, taskID)
}

// ListTasks returns human tasks matching the filter from the local store.
func (b *Backend) ListTasks(ctx context.Context, filter backend.TaskFilter) ([]*backend.Task, error) {
	return b.store.ListTasks(ctx, filter)
}

// CompleteTask records an outcome on a local task and signals the owning
// remote run so its waiting step resumes immediately. If the signal cannot
// be delivered the completion stands; the service's periodic recheck picks
// it up.
func (b *Backend) CompleteTask(ctx context.Context, taskID, outcome string, data map[string]any, by string) error {
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	wf, err := b.client.GetWorkflow(ctx, task.RunID)
	if err != nil {
		return err
	}
	spec := b.processSpec(wf.ProcessName)
	if spec == nil {
		return &errors.ValidationError{
			Field:   "task_id",
			Message: "process " + wf.ProcessName + " is not registered",
		}
	}
	step := findStep(spec.Steps, task.StepName)
	if step == nil || step.HumanTask == nil {
		return &errors.ValidationError{
			Field:   "task_id",
			Message: "task step " + task.StepName + " is not a human task of " + wf.ProcessName,
		}
	}
	if step.HumanTask.OutcomeFor(outcome) == nil {
		return &errors.ValidationError{
			Field:      "outcome",
			Message:    fmt.Sprintf("outcome %q is not declared by step %s", outcome, task.StepName),
			Suggestion: "declared outcomes: " + strings.Join(outcomeNames(step.HumanTask), ", "),
		}
	}

	changed, err := b.store.CompleteTask(ctx, taskID, outcome, data, by)
	if err != nil {
		return err
	}
	if !changed {
		return &errors.ValidationError{
			Field:   "task_id",
			Message: "task " + taskID + " is already in a terminal status",
		}
	}

	if err := b.client.SignalWorkflow(ctx, task.RunID, SignalTaskCompleted, map[string]any{
		"step_name":    task.StepName,
		"outcome":      outcome,
		"outcome_data": data,
	}); err != nil {
		b.logger.Warn("task completion signal not delivered",
			log.String(log.TaskIDKey, taskID),
			log.String(log.RunIDKey, task.RunID),
			log.Error(err))
	}

	metrics.RecordTask("completed")
	b.logger.Info("task completed",
		log.String(log.TaskIDKey, taskID),
		log.String("outcome", outcome),
		log.String("completed_by", by))
	return nil
}

// ReassignTask moves an open local task to a new assignee.
func (b *Backend) ReassignTask(ctx context.Context, taskID, newAssignee, reason string) error {
	changed, err := b.store.ReassignTask(ctx, taskID, newAssignee)
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
	b.logger.Info("task reassigned",
		log.String(log.TaskIDKey, taskID),
		log.String("assignee", newAssignee),
		log.String("reason", reason))
	return nil
}

// ListRunsByVersion queries the service by the dsl_version attribute.
func (b *Backend) ListRunsByVersion(ctx context.Context, version string, limit, offset int) ([]*backend.Run, error) {
	wfs, err := b.client.ListWorkflows(ctx, &ListWorkflowsRequest{
		DSLVersion: version,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, err
	}
	return workflowsToRuns(wfs), nil
}

// CountActiveRunsByVersion counts remote runs in an active status bound to a
// DSL version; drains watch this number fall to zero.
func (b *Backend) CountActiveRunsByVersion(ctx context.Context, version string) (int, error) {
	return b.client.CountWorkflows(ctx, &CountWorkflowsRequest{
		DSLVersion: version,
		ActiveOnly: true,
	})
}

// persistEvent is the OnAny listener that writes every lifecycle event to
// the local events table before host listeners run.
func (b *Backend) persistEvent(ctx context.Context, ev *process.Event) error {
	if b.store == nil {
		return nil
	}
	err := b.store.InsertEvent(ctx, &backend.Event{
		EventID:     uuid.NewString(),
		RunID:       ev.RunID,
		ProcessName: ev.ProcessName,
		SchemaName:  string(ev.Schema),
		EventData:   ev.Data,
		CreatedAt:   ev.Timestamp,
	})
	if err != nil {
		b.logger.Error("failed to persist event",
			log.String(log.EventKey, string(ev.Schema)),
			log.String(log.RunIDKey, ev.RunID),
			log.Error(err))
	}
	return nil
}

// workflowsToRuns converts a wire workflow list.
func workflowsToRuns(wfs []*Workflow) []*backend.Run {
	runs := make([]*backend.Run, 0, len(wfs))
	for _, wf := range wfs {
		runs = append(runs, wf.Run())
	}
	return runs
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
