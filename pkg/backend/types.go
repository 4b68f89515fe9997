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

package backend

import "time"

// DefaultDSLVersion is recorded on runs started without an explicit version.
const DefaultDSLVersion = "0.1"

// Kind selects a backend implementation.
type Kind string

const (
	// KindAuto selects remote when its server is reachable, otherwise lite.
	KindAuto Kind = "auto"

	// KindLite is the single-process embedded backend.
	KindLite Kind = "lite"

	// KindRemote delegates run execution to a durable workflow service.
	KindRemote Kind = "remote"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunRunning      RunStatus = "running"
	RunDraining     RunStatus = "draining"
	RunSuspended    RunStatus = "suspended"
	RunWaiting      RunStatus = "waiting"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
	RunCompensating RunStatus = "compensating"
	RunCancelled    RunStatus = "cancelled"
)

// IsTerminal reports whether the status never changes again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// IsActive reports whether the run still counts against a version drain.
func (s RunStatus) IsActive() bool {
	switch s {
	case RunPending, RunRunning, RunSuspended, RunWaiting:
		return true
	}
	return false
}

// ActiveRunStatuses are the statuses counted by version drains.
var ActiveRunStatuses = []RunStatus{RunPending, RunRunning, RunSuspended, RunWaiting}

// TaskStatus is the lifecycle state of a human task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskEscalated  TaskStatus = "escalated"
	TaskExpired    TaskStatus = "expired"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the task can no longer change status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskExpired, TaskCancelled:
		return true
	}
	return false
}

// StepExecutionStatus is the outcome of one step attempt.
type StepExecutionStatus string

const (
	StepExecutionCompleted StepExecutionStatus = "completed"
	StepExecutionFailed    StepExecutionStatus = "failed"
)

// VersionStatus is the deployment state of a DSL version.
type VersionStatus string

const (
	VersionActive   VersionStatus = "active"
	VersionDraining VersionStatus = "draining"
	VersionArchived VersionStatus = "archived"
)

// MigrationStatus is the state of a version migration.
type MigrationStatus string

const (
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
	MigrationRolledBack MigrationStatus = "rolled_back"
)

// Run is a single execution of a named process.
type Run struct {
	RunID          string         `json:"run_id"`
	ProcessName    string         `json:"process_name"`
	ProcessVersion string         `json:"process_version,omitempty"`
	DSLVersion     string         `json:"dsl_version,omitempty"`
	Status         RunStatus      `json:"status"`
	CurrentStep    string         `json:"current_step,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Task is a pending human assignment produced by a human_task step.
type Task struct {
	TaskID       string         `json:"task_id"`
	RunID        string         `json:"run_id"`
	StepName     string         `json:"step_name"`
	SurfaceName  string         `json:"surface_name,omitempty"`
	EntityName   string         `json:"entity_name,omitempty"`
	EntityID     string         `json:"entity_id,omitempty"`
	AssigneeID   string         `json:"assignee_id,omitempty"`
	AssigneeRole string         `json:"assignee_role,omitempty"`
	Status       TaskStatus     `json:"status"`
	Outcome      string         `json:"outcome,omitempty"`
	OutcomeData  map[string]any `json:"outcome_data,omitempty"`
	DueAt        time.Time      `json:"due_at"`
	EscalatedAt  *time.Time     `json:"escalated_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CompletedBy  string         `json:"completed_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Signal is an asynchronous message targeted at a run, consumed at most
// once by a waiting step.
type Signal struct {
	SignalID    string         `json:"signal_id"`
	RunID       string         `json:"run_id"`
	SignalName  string         `json:"signal_name"`
	Payload     map[string]any `json:"payload,omitempty"`
	Processed   bool           `json:"processed"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// StepExecution is an immutable audit record of one step attempt.
type StepExecution struct {
	ExecutionID string              `json:"execution_id"`
	RunID       string              `json:"run_id"`
	StepName    string              `json:"step_name"`
	StepKind    string              `json:"step_kind"`
	Attempt     int                 `json:"attempt"`
	Status      StepExecutionStatus `json:"status"`
	Outputs     map[string]any      `json:"outputs,omitempty"`
	Error       string              `json:"error,omitempty"`
	CompletedAt time.Time           `json:"completed_at"`
}

// ScheduleState is the per-schedule bookkeeping row consulted by the
// scheduler loop.
type ScheduleState struct {
	ScheduleName string     `json:"schedule_name"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastRunID    string     `json:"last_run_id,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	RunCount     int        `json:"run_count"`
	ErrorCount   int        `json:"error_count"`
	LastError    string     `json:"last_error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Event is a persisted lifecycle event row.
type Event struct {
	EventID     string         `json:"event_id"`
	RunID       string         `json:"run_id"`
	ProcessName string         `json:"process_name"`
	SchemaName  string         `json:"schema_name"`
	EventData   map[string]any `json:"event_data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DSLVersion is one deployed generation of the DSL.
type DSLVersion struct {
	VersionID  string         `json:"version_id"`
	DeployedAt time.Time      `json:"deployed_at"`
	DSLHash    string         `json:"dsl_hash,omitempty"`
	Manifest   map[string]any `json:"manifest,omitempty"`
	Status     VersionStatus  `json:"status"`
}

// VersionMigration tracks one drain from one DSL version to the next.
type VersionMigration struct {
	ID            int64           `json:"id"`
	FromVersion   string          `json:"from_version,omitempty"`
	ToVersion     string          `json:"to_version"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Status        MigrationStatus `json:"status"`
	RunsDrained   int             `json:"runs_drained"`
	RunsRemaining int             `json:"runs_remaining"`
}

// StartProcessRequest carries the arguments of StartProcess.
type StartProcessRequest struct {
	// ProcessName names a previously registered process
	ProcessName string `json:"process_name"`

	// Inputs is the opaque input bag exposed to steps as inputs.<path>
	Inputs map[string]any `json:"inputs,omitempty"`

	// IdempotencyKey dedupes starts; a reused key returns the existing run
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// DSLVersion binds the run to a DSL generation (default "0.1")
	DSLVersion string `json:"dsl_version,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ProcessName string    `json:"process_name,omitempty"`
	Status      RunStatus `json:"status,omitempty"`
	DSLVersion  string    `json:"dsl_version,omitempty"`
	Limit       int       `json:"limit,omitempty"`
	Offset      int       `json:"offset,omitempty"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	RunID      string     `json:"run_id,omitempty"`
	AssigneeID string     `json:"assignee_id,omitempty"`
	Status     TaskStatus `json:"status,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}
