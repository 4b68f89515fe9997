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

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
)

// DeployVersion inserts a new DSL version with status active. Deploying does
// not touch older versions; draining them is StartMigration's job.
func (e *Engine) DeployVersion(ctx context.Context, versionID, hash string, manifest map[string]any) (*backend.DSLVersion, error) {
	if versionID == "" {
		return nil, &errors.ValidationError{Field: "version_id", Message: "version id cannot be empty"}
	}

	v := &backend.DSLVersion{
		VersionID:  versionID,
		DeployedAt: time.Now().UTC(),
		DSLHash:    hash,
		Manifest:   manifest,
		Status:     backend.VersionActive,
	}
	if err := e.store.InsertVersion(ctx, v); err != nil {
		return nil, err
	}

	e.logger.Info("dsl version deployed",
		log.String(log.VersionKey, versionID),
		log.String("hash", hash))
	return v, nil
}

// GetVersion returns a deployed DSL version.
func (e *Engine) GetVersion(ctx context.Context, versionID string) (*backend.DSLVersion, error) {
	return e.store.GetVersion(ctx, versionID)
}

// ListVersions returns every deployed DSL version, newest first.
func (e *Engine) ListVersions(ctx context.Context) ([]*backend.DSLVersion, error) {
	return e.store.ListVersions(ctx)
}

// StartMigration begins draining from one version to another: the from
// version stops accepting new runs (status draining) while its in-flight
// runs finish, tracked by the returned migration row.
func (e *Engine) StartMigration(ctx context.Context, from, to string) (*backend.VersionMigration, error) {
	if from == "" || to == "" {
		return nil, &errors.ValidationError{Field: "version_id", Message: "migration requires both from and to versions"}
	}
	if from == to {
		return nil, &errors.ValidationError{Field: "to_version", Message: "cannot migrate a version to itself"}
	}
	if _, err := e.store.GetVersion(ctx, from); err != nil {
		return nil, err
	}
	if _, err := e.store.GetVersion(ctx, to); err != nil {
		return nil, err
	}

	remaining, err := e.store.CountActiveRunsByVersion(ctx, from)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.UpdateVersionStatus(ctx, from, backend.VersionDraining); err != nil {
		return nil, err
	}

	id, err := e.store.InsertMigration(ctx, &backend.VersionMigration{
		FromVersion:   from,
		ToVersion:     to,
		StartedAt:     time.Now().UTC(),
		Status:        backend.MigrationInProgress,
		RunsDrained:   0,
		RunsRemaining: remaining,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("version migration started",
		log.String("from_version", from),
		log.String("to_version", to),
		log.Int("runs_remaining", remaining))
	return e.store.GetMigration(ctx, id)
}

// CheckMigration recounts the remaining active runs of the from version and
// persists the refreshed progress.
func (e *Engine) CheckMigration(ctx context.Context, id int64) (*backend.VersionMigration, error) {
	m, err := e.store.GetMigration(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.refreshMigration(ctx, m)
}

// refreshMigration recounts and persists progress for an in-progress
// migration. Terminal migrations are returned unchanged.
func (e *Engine) refreshMigration(ctx context.Context, m *backend.VersionMigration) (*backend.VersionMigration, error) {
	if m.Status != backend.MigrationInProgress {
		return m, nil
	}

	remaining, err := e.store.CountActiveRunsByVersion(ctx, m.FromVersion)
	if err != nil {
		return nil, err
	}

	drained := m.RunsDrained
	if delta := m.RunsRemaining - remaining; delta > 0 {
		drained += delta
	}
	if err := e.store.UpdateMigrationProgress(ctx, m.ID, drained, remaining); err != nil {
		return nil, err
	}

	m.RunsDrained = drained
	m.RunsRemaining = remaining
	return m, nil
}

// CompleteMigration archives the from version and marks the migration
// completed. Only in-progress migrations can complete.
func (e *Engine) CompleteMigration(ctx context.Context, id int64) error {
	m, err := e.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != backend.MigrationInProgress {
		return &errors.ValidationError{
			Field:   "migration_id",
			Message: "migration is " + string(m.Status) + ", expected in_progress",
		}
	}

	if _, err := e.store.UpdateVersionStatus(ctx, m.FromVersion, backend.VersionArchived); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := e.store.SetMigrationStatus(ctx, id, backend.MigrationCompleted, &now); err != nil {
		return err
	}

	e.logger.Info("version migration completed",
		log.String("from_version", m.FromVersion),
		log.String("to_version", m.ToVersion))
	return nil
}

// RollbackMigration reactivates the from version, archives the to version,
// and marks the migration rolled back. Works on in-progress and completed
// migrations.
func (e *Engine) RollbackMigration(ctx context.Context, id int64) error {
	m, err := e.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != backend.MigrationInProgress && m.Status != backend.MigrationCompleted {
		return &errors.ValidationError{
			Field:   "migration_id",
			Message: "migration is " + string(m.Status) + ", cannot roll back",
		}
	}

	if _, err := e.store.UpdateVersionStatus(ctx, m.FromVersion, backend.VersionActive); err != nil {
		return err
	}
	if _, err := e.store.UpdateVersionStatus(ctx, m.ToVersion, backend.VersionArchived); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := e.store.SetMigrationStatus(ctx, id, backend.MigrationRolledBack, &now); err != nil {
		return err
	}

	e.logger.Warn("version migration rolled back",
		log.String("from_version", m.FromVersion),
		log.String("to_version", m.ToVersion))
	return nil
}

// SuspendRemaining force-drains a version by suspending every active run
// bound to it. Returns how many runs were told to suspend.
func (e *Engine) SuspendRemaining(ctx context.Context, versionID string) (int, error) {
	runs, err := e.store.ListActiveRunsByVersion(ctx, versionID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, run := range runs {
		if err := e.SuspendProcess(ctx, run.RunID); err != nil {
			e.logger.Error("failed to suspend run during force drain",
				log.String(log.RunIDKey, run.RunID),
				log.String(log.VersionKey, versionID),
				log.Error(err))
			continue
		}
		count++
	}

	e.logger.Info("force drain suspended runs",
		log.String(log.VersionKey, versionID),
		log.Int("count", count))
	return count, nil
}

// drainWatcher advances in-progress migrations in the background and, when
// enabled, completes them as their remaining run count hits zero.
type drainWatcher struct {
	engine       *Engine
	interval     time.Duration
	autoComplete bool
	logger       *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func newDrainWatcher(e *Engine, interval time.Duration, autoComplete bool) *drainWatcher {
	return &drainWatcher{
		engine:       e,
		interval:     interval,
		autoComplete: autoComplete,
		logger:       log.WithComponent(e.logger, "drain-watcher"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func (w *drainWatcher) start() { go w.run() }

// stop signals the loop and waits for the in-flight sweep to finish.
func (w *drainWatcher) stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *drainWatcher) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep refreshes every in-progress migration and auto-completes the drained
// ones.
func (w *drainWatcher) sweep() {
	ctx := w.engine.baseCtx

	migrations, err := w.engine.store.ListMigrationsByStatus(ctx, backend.MigrationInProgress)
	if err != nil {
		w.logger.Error("failed to list in-progress migrations", log.Error(err))
		return
	}

	for _, m := range migrations {
		refreshed, err := w.engine.refreshMigration(ctx, m)
		if err != nil {
			w.logger.Error("failed to refresh migration progress",
				log.Int64("migration_id", m.ID), log.Error(err))
			continue
		}
		if refreshed.RunsRemaining > 0 || !w.autoComplete {
			continue
		}
		if err := w.engine.CompleteMigration(ctx, refreshed.ID); err != nil {
			w.logger.Error("failed to auto-complete migration",
				log.Int64("migration_id", refreshed.ID), log.Error(err))
			continue
		}
		w.logger.Info("migration auto-completed",
			log.Int64("migration_id", refreshed.ID),
			log.String("from_version", refreshed.FromVersion),
			log.String("to_version", refreshed.ToVersion))
	}
}
