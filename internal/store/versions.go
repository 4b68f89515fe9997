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

package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
)

const versionColumns = `version_id, deployed_at, dsl_hash, manifest_json, status`

const migrationColumns = `id, from_version, to_version, started_at, completed_at,
	status, runs_drained, runs_remaining`

// InsertVersion records a deployed DSL version. Duplicate ids are rejected
// with a validation error; the check and the insert share one transaction.
func (s *Store) InsertVersion(ctx context.Context, v *backend.DSLVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dsl_versions WHERE version_id = ?`, v.VersionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check version id: %w", err)
	}
	if exists > 0 {
		return &errors.ValidationError{
			Field:      "version_id",
			Message:    fmt.Sprintf("version already deployed: %s", v.VersionID),
			Suggestion: "deploy under a new version id",
		}
	}

	manifest, err := marshalBag(v.Manifest)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dsl_versions (version_id, deployed_at, dsl_hash, manifest_json, status)
		VALUES (?, ?, ?, ?, ?)`,
		v.VersionID, nanos(v.DeployedAt), nullString(v.DSLHash), manifest, string(v.Status))
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit version: %w", err)
	}
	return nil
}

// GetVersion returns a version row by id.
func (s *Store) GetVersion(ctx context.Context, versionID string) (*backend.DSLVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM dsl_versions WHERE version_id = ?`, versionID)

	v, err := scanVersion(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "version", ID: versionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// ListVersions returns every version row, newest deployment first.
func (s *Store) ListVersions(ctx context.Context) ([]*backend.DSLVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM dsl_versions ORDER BY deployed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []*backend.DSLVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// UpdateVersionStatus moves a version through active/draining/archived.
func (s *Store) UpdateVersionStatus(ctx context.Context, versionID string, status backend.VersionStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE dsl_versions SET status = ? WHERE version_id = ?`,
		string(status), versionID)
	if err != nil {
		return false, fmt.Errorf("failed to update version status: %w", err)
	}
	return changed(result)
}

// InsertMigration opens a migration row and returns its id.
func (s *Store) InsertMigration(ctx context.Context, m *backend.VersionMigration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO version_migrations (from_version, to_version, started_at, completed_at,
			status, runs_drained, runs_remaining)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullString(m.FromVersion), m.ToVersion, nanos(m.StartedAt), nullNanos(m.CompletedAt),
		string(m.Status), m.RunsDrained, m.RunsRemaining)
	if err != nil {
		return 0, fmt.Errorf("failed to insert migration: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read migration id: %w", err)
	}
	return id, nil
}

// GetMigration returns a migration row by id.
func (s *Store) GetMigration(ctx context.Context, id int64) (*backend.VersionMigration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+migrationColumns+` FROM version_migrations WHERE id = ?`, id)

	m, err := scanMigration(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "migration", ID: fmt.Sprintf("%d", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get migration: %w", err)
	}
	return m, nil
}

// ListMigrationsByStatus returns migrations in a status, oldest first. The
// drain watcher polls the in_progress set.
func (s *Store) ListMigrationsByStatus(ctx context.Context, status backend.MigrationStatus) ([]*backend.VersionMigration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+migrationColumns+` FROM version_migrations WHERE status = ? ORDER BY id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var migrations []*backend.VersionMigration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		migrations = append(migrations, m)
	}
	return migrations, rows.Err()
}

// UpdateMigrationProgress refreshes the drain counters of a migration.
func (s *Store) UpdateMigrationProgress(ctx context.Context, id int64, drained, remaining int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE version_migrations SET runs_drained = ?, runs_remaining = ? WHERE id = ?`,
		drained, remaining, id)
	if err != nil {
		return fmt.Errorf("failed to update migration progress: %w", err)
	}
	return nil
}

// SetMigrationStatus closes or reopens a migration row.
func (s *Store) SetMigrationStatus(ctx context.Context, id int64, status backend.MigrationStatus, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE version_migrations SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), nullNanos(completedAt), id)
	if err != nil {
		return fmt.Errorf("failed to set migration status: %w", err)
	}
	return nil
}

func scanVersion(sc scanner) (*backend.DSLVersion, error) {
	var v backend.DSLVersion
	var hash sql.NullString
	var manifest []byte
	var deployedAt int64
	var status string

	if err := sc.Scan(&v.VersionID, &deployedAt, &hash, &manifest, &status); err != nil {
		return nil, err
	}

	v.DSLHash = hash.String
	v.DeployedAt = timeAt(deployedAt)
	v.Status = backend.VersionStatus(status)

	var err error
	if v.Manifest, err = unmarshalBag(manifest); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanMigration(sc scanner) (*backend.VersionMigration, error) {
	var m backend.VersionMigration
	var fromVersion sql.NullString
	var startedAt int64
	var completedAt sql.NullInt64
	var status string

	err := sc.Scan(&m.ID, &fromVersion, &m.ToVersion, &startedAt, &completedAt,
		&status, &m.RunsDrained, &m.RunsRemaining)
	if err != nil {
		return nil, err
	}

	m.FromVersion = fromVersion.String
	m.StartedAt = timeAt(startedAt)
	m.CompletedAt = nullTime(completedAt)
	m.Status = backend.MigrationStatus(status)
	return &m, nil
}
