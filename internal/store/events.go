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
	"fmt"

	"github.com/dazzlehq/dazzle/pkg/backend"
)

// InsertEvent persists one lifecycle event.
func (s *Store) InsertEvent(ctx context.Context, ev *backend.Event) error {
	data, err := marshalBag(ev.EventData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_events (event_id, run_id, process_name, schema_name, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventID, nullString(ev.RunID), nullString(ev.ProcessName),
		ev.SchemaName, data, nanos(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEventsForRun returns a run's persisted events in emission order.
func (s *Store) ListEventsForRun(ctx context.Context, runID string) ([]*backend.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, process_name, schema_name, event_data, created_at
		FROM process_events WHERE run_id = ? ORDER BY rowid ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*backend.Event
	for rows.Next() {
		var ev backend.Event
		var evRunID, processName sql.NullString
		var data []byte
		var createdAt int64

		if err := rows.Scan(&ev.EventID, &evRunID, &processName,
			&ev.SchemaName, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.RunID = evRunID.String
		ev.ProcessName = processName.String
		ev.CreatedAt = timeAt(createdAt)
		if ev.EventData, err = unmarshalBag(data); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
