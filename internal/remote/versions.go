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

package remote

import (
	"context"
	"time"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
)

// Version rows live in the local store; only the active-run counts that feed
// migration progress come from the remote service.

// DeployVersion inserts a new DSL version with status active.
func (b *Backend) DeployVersion(ctx context.Context, versionID, hash string, manifest map[string]any) (*backend.DSLVersion, error) {
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
	if err := b.store.InsertVersion(ctx, v); err != nil {
		return nil, err
	}

	b.logger.Info("dsl version deployed",
		log.String(log.VersionKey, versionID),
		log.String("hash", hash))
	return v, nil
}

// GetVersion returns a deployed DSL version.
func (b *Backend) GetVersion(ctx context.Context, versionID string) (*backend.DSLVersion, error) {
	return b.store.GetVersion(ctx, versionID)
}

// ListVersions returns every deployed DSL version, newest first.
func (b *Backend) ListVersions(ctx context.Context) ([]*backend.DSLVersion, error) {
	return b.store.ListVersions(ctx)
}

// StartMigration marks from as draining and opens a migration row seeded
// with the remote count of active runs still bound to it.
func (b *Backend) StartMigration(ctx context.Context, from, to string) (*backend.VersionMigration, error) {
	if from == "" || to == "" {
		return nil, &errors.ValidationError{Field: "version_id", Message: "migration requires both from and to versions"}
	}
	if from == to {
		return nil, &errors.ValidationError{Field: "to_version", Message: "cannot migrate a version to itself"}
	}
	if _, err := b.store.GetVersion(ctx, from); err != nil {
		return nil, err
	}
	if _, err := b.store.GetVersion(ctx, to); err != nil {
		return nil, err
	}

	remaining, err := b.CountActiveRunsByVersion(ctx, from)
	if err != nil {
		return nil, err
	}
	if _, err := b.store.UpdateVersionStatus(ctx, from, backend.VersionDraining); err != nil {
		return nil, err
	}

	id, err := b.store.InsertMigration(ctx, &backend.VersionMigration{
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

	b.logger.Info("version migration started",
		log.String("from_version", from),
		log.String("to_version", to),
		log.Int("runs_remaining", remaining))
	return b.store.GetMigration(ctx, id)
}

// CheckMigration recounts the remaining active runs of the from version on
// the remote service and persists the refreshed progress.
func (b *Backend) CheckMigration(ctx context.Context, id int64) (*backend.VersionMigration, error) {
	m, err := b.store.GetMigration(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != backend.MigrationInProgress {
		return m, nil
	}

	remaining, err := b.CountActiveRunsByVersion(ctx, m.FromVersion)
	if err != nil {
		return nil, err
	}

	drained := m.RunsDrained
	if delta := m.RunsRemaining - remaining; delta > 0 {
		drained += delta
	}
	if err := b.store.UpdateMigrationProgress(ctx, m.ID, drained, remaining); err != nil {
		return nil, err
	}

	m.RunsDrained = drained
	m.RunsRemaining = remaining
	return m, nil
}

// CompleteMigration archives the from version and marks the migration
// completed. Only in-progress migrations can complete.
func (b *Backend) CompleteMigration(ctx context.Context, id int64) error {
	m, err := b.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != backend.MigrationInProgress {
		return &errors.ValidationError{
			Field:   "migration_id",
			Message: "migration is " + string(m.Status) + ", expected in_progress",
		}
	}

	if _, err := b.store.UpdateVersionStatus(ctx, m.FromVersion, backend.VersionArchived); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := b.store.SetMigrationStatus(ctx, id, backend.MigrationCompleted, &now); err != nil {
		return err
	}

	b.logger.Info("version migration completed",
		log.String("from_version", m.FromVersion),
		log.String("to_version", m.ToVersion))
	return nil
}

// RollbackMigration reactivates the from version, archives the to version,
// and marks the migration rolled back. Works on in-progress and completed
// migrations.
func (b *Backend) RollbackMigration(ctx context.Context, id int64) error {
	m, err := b.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != backend.MigrationInProgress && m.Status != backend.MigrationCompleted {
		return &errors.ValidationError{
			Field:   "migration_id",
			Message: "migration is " + string(m.Status) + ", cannot roll back",
		}
	}

	if _, err := b.store.UpdateVersionStatus(ctx, m.FromVersion, backend.VersionActive); err != nil {
		return err
	}
	if _, err := b.store.UpdateVersionStatus(ctx, m.ToVersion, backend.VersionArchived); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := b.store.SetMigrationStatus(ctx, id, backend.MigrationRolledBack, &now); err != nil {
		return err
	}

	b.logger.Warn("version migration rolled back",
		log.String("from_version", m.FromVersion),
		log.String("to_version", m.ToVersion))
	return nil
}

// SuspendRemaining cannot force-drain remote runs; the durable service owns
// their lifecycles.
func (b *Backend) SuspendRemaining(ctx context.Context, versionID string) (int, error) {
	b.logger.Warn("force drain requested on remote backend",
		log.String(log.VersionKey, versionID))
	return 0, &errors.ValidationError{
		Message:    "the remote backend cannot suspend runs to force a drain",
		Suggestion: "signal or cancel the remaining runs, or wait for them to finish",
	}
}
