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

// Package backend defines the pluggable execution backend contract. Two
// implementations satisfy it: the lite backend (embedded store, in-process
// executor and scheduler) and the remote backend (delegates run durability
// to an external workflow service). Callers obtain one through the factory
// and never depend on the concrete type.
package backend

import (
	"context"

	"github.com/dazzlehq/dazzle/pkg/process"
)

// Backend is the execution contract shared by the lite and remote
// implementations.
type Backend interface {
	// Name identifies the implementation ("lite" or "remote").
	Name() string

	// Initialize prepares the backend for work. The lite backend opens its
	// store, resumes suspended runs, and starts the scheduler; the remote
	// backend connects to its server.
	Initialize(ctx context.Context) error

	// Shutdown stops accepting work and releases resources. In-flight runs
	// are suspended so a later Initialize can resume them.
	Shutdown(ctx context.Context) error

	// Events exposes the lifecycle event emitter for subscription.
	Events() *process.Emitter

	// RegisterProcess makes a process spec startable by name.
	RegisterProcess(ctx context.Context, spec *process.ProcessSpec) error

	// RegisterSchedule registers a schedule and its implicit process.
	RegisterSchedule(ctx context.Context, spec *process.ScheduleSpec) error

	// StartProcess starts (or, under an idempotency key or overlap policy,
	// returns) a run of a registered process.
	StartProcess(ctx context.Context, req StartProcessRequest) (*Run, error)

	// GetRun returns a run by id.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// CancelProcess aborts a run with a reason. Terminal runs are no-ops.
	CancelProcess(ctx context.Context, runID, reason string) error

	// SuspendProcess parks a running run so it can be resumed later.
	SuspendProcess(ctx context.Context, runID string) error

	// ResumeProcess restarts a suspended run from its recorded step.
	ResumeProcess(ctx context.Context, runID string) error

	// SignalProcess appends a named signal for a run; a waiting step
	// consumes it at most once.
	SignalProcess(ctx context.Context, runID, name string, payload map[string]any) error

	// GetTask returns a human task by id.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ListTasks returns human tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// CompleteTask records an outcome on an open task. The waiting
	// human_task step observes it on its next poll (the remote backend
	// additionally signals the owning run).
	CompleteTask(ctx context.Context, taskID, outcome string, data map[string]any, by string) error

	// ReassignTask moves an open task to a new assignee.
	ReassignTask(ctx context.Context, taskID, newAssignee, reason string) error

	// ListRunsByVersion returns runs bound to a DSL version, newest first.
	ListRunsByVersion(ctx context.Context, version string, limit, offset int) ([]*Run, error)

	// CountActiveRunsByVersion counts runs in an active status bound to a
	// DSL version; drains watch this number fall to zero.
	CountActiveRunsByVersion(ctx context.Context, version string) (int, error)

	VersionManager
}

// VersionManager tracks DSL generations and drains runs between them.
// Version rows live in the local store for both backends.
type VersionManager interface {
	// DeployVersion records a new version as active. Duplicate ids are
	// rejected.
	DeployVersion(ctx context.Context, versionID, hash string, manifest map[string]any) (*DSLVersion, error)

	// GetVersion returns a version row by id.
	GetVersion(ctx context.Context, versionID string) (*DSLVersion, error)

	// ListVersions returns all version rows, newest deployment first.
	ListVersions(ctx context.Context) ([]*DSLVersion, error)

	// StartMigration marks from as draining and opens a migration row
	// holding the count of active runs still bound to it.
	StartMigration(ctx context.Context, from, to string) (*VersionMigration, error)

	// CheckMigration recounts the active runs of the draining version and
	// returns the refreshed migration row.
	CheckMigration(ctx context.Context, id int64) (*VersionMigration, error)

	// CompleteMigration archives the drained version and closes the
	// migration.
	CompleteMigration(ctx context.Context, id int64) error

	// RollbackMigration reactivates the draining version, archives its
	// successor, and marks the migration rolled back.
	RollbackMigration(ctx context.Context, id int64) error

	// SuspendRemaining force-drains a version by suspending every active
	// run still bound to it; returns how many were suspended.
	SuspendRemaining(ctx context.Context, versionID string) (int, error)
}
