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
)

// InsertSignal appends a signal for a run.
func (s *Store) InsertSignal(ctx context.Context, sig *backend.Signal) error {
	payload, err := marshalBag(sig.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_signals (signal_id, run_id, signal_name, payload, processed, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sig.SignalID, sig.RunID, sig.SignalName, payload,
		boolToInt(sig.Processed), nullNanos(sig.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

// ConsumeSignal atomically claims the oldest unprocessed signal matching
// (run_id, signal_name). Exactly one consumer wins when several race: the
// processed flag flips from 0 to 1 inside the transaction, and a reader that
// lost the race gets nil. Returns nil when no signal is waiting.
func (s *Store) ConsumeSignal(ctx context.Context, runID, signalName string) (*backend.Signal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sig backend.Signal
	var payload []byte
	// FIFO per (run_id, signal_name): rowid preserves insertion order.
	err = tx.QueryRowContext(ctx, `
		SELECT signal_id, run_id, signal_name, payload FROM process_signals
		WHERE run_id = ? AND signal_name = ? AND processed = 0
		ORDER BY rowid ASC LIMIT 1`,
		runID, signalName,
	).Scan(&sig.SignalID, &sig.RunID, &sig.SignalName, &payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find signal: %w", err)
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE process_signals SET processed = 1, processed_at = ?
		WHERE signal_id = ? AND processed = 0`,
		nanos(now), sig.SignalID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume signal: %w", err)
	}
	won, err := changed(result)
	if err != nil {
		return nil, err
	}
	if !won {
		// A concurrent consumer claimed it first.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit signal consumption: %w", err)
	}

	sig.Processed = true
	sig.ProcessedAt = &now
	if sig.Payload, err = unmarshalBag(payload); err != nil {
		return nil, err
	}
	return &sig, nil
}

// ListSignals returns every signal recorded for a run, oldest first.
func (s *Store) ListSignals(ctx context.Context, runID string) ([]*backend.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id, run_id, signal_name, payload, processed, processed_at
		FROM process_signals WHERE run_id = ? ORDER BY rowid ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []*backend.Signal
	for rows.Next() {
		var sig backend.Signal
		var payload []byte
		var processed int
		var processedAt sql.NullInt64

		if err := rows.Scan(&sig.SignalID, &sig.RunID, &sig.SignalName,
			&payload, &processed, &processedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}

		sig.Processed = processed != 0
		sig.ProcessedAt = nullTime(processedAt)
		if sig.Payload, err = unmarshalBag(payload); err != nil {
			return nil, err
		}
		signals = append(signals, &sig)
	}
	return signals, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
