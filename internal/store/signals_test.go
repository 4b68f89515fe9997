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
	"testing"

	"github.com/google/uuid"

	"github.com/dazzlehq/dazzle/pkg/backend"
)

func insertSignal(t *testing.T, s *Store, runID, name string, payload map[string]any) *backend.Signal {
	t.Helper()
	sig := &backend.Signal{
		SignalID:   uuid.NewString(),
		RunID:      runID,
		SignalName: name,
		Payload:    payload,
	}
	if err := s.InsertSignal(context.Background(), sig); err != nil {
		t.Fatalf("InsertSignal() error = %v", err)
	}
	return sig
}

func TestConsumeSignalAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order")

	insertSignal(t, s, run.RunID, "approve", map[string]any{"by": "u1"})

	sig, err := s.ConsumeSignal(ctx, run.RunID, "approve")
	if err != nil {
		t.Fatalf("ConsumeSignal() error = %v", err)
	}
	if sig == nil || sig.Payload["by"] != "u1" {
		t.Fatalf("ConsumeSignal() = %+v", sig)
	}
	if !sig.Processed || sig.ProcessedAt == nil {
		t.Error("consumed signal not stamped")
	}

	// The same signal is never delivered twice.
	sig, err = s.ConsumeSignal(ctx, run.RunID, "approve")
	if err != nil || sig != nil {
		t.Fatalf("second ConsumeSignal() = %+v, %v", sig, err)
	}
}

func TestConsumeSignalFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order")

	first := insertSignal(t, s, run.RunID, "tick", map[string]any{"n": 1})
	second := insertSignal(t, s, run.RunID, "tick", map[string]any{"n": 2})

	got, err := s.ConsumeSignal(ctx, run.RunID, "tick")
	if err != nil || got == nil || got.SignalID != first.SignalID {
		t.Fatalf("first consume = %+v, %v", got, err)
	}
	got, err = s.ConsumeSignal(ctx, run.RunID, "tick")
	if err != nil || got == nil || got.SignalID != second.SignalID {
		t.Fatalf("second consume = %+v, %v", got, err)
	}
}

func TestConsumeSignalScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runA := seedRun(t, s, "order")
	runB := seedRun(t, s, "order")

	insertSignal(t, s, runA.RunID, "approve", nil)

	// Wrong run or wrong name sees nothing.
	if sig, err := s.ConsumeSignal(ctx, runB.RunID, "approve"); err != nil || sig != nil {
		t.Fatalf("cross-run consume = %+v, %v", sig, err)
	}
	if sig, err := s.ConsumeSignal(ctx, runA.RunID, "reject"); err != nil || sig != nil {
		t.Fatalf("cross-name consume = %+v, %v", sig, err)
	}

	if sig, err := s.ConsumeSignal(ctx, runA.RunID, "approve"); err != nil || sig == nil {
		t.Fatalf("owner consume = %+v, %v", sig, err)
	}
}

func TestListSignals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order")

	insertSignal(t, s, run.RunID, "approve", nil)
	insertSignal(t, s, run.RunID, "reject", nil)
	if _, err := s.ConsumeSignal(ctx, run.RunID, "approve"); err != nil {
		t.Fatal(err)
	}

	signals, err := s.ListSignals(ctx, run.RunID)
	if err != nil {
		t.Fatalf("ListSignals() error = %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("len(signals) = %d, want 2", len(signals))
	}
	if !signals[0].Processed || signals[1].Processed {
		t.Errorf("processed flags = %v, %v", signals[0].Processed, signals[1].Processed)
	}
}
