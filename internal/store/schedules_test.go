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
	"time"
)

func TestScheduleStateBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.GetScheduleState(ctx, "nightly")
	if err != nil || state != nil {
		t.Fatalf("GetScheduleState() on empty store = %+v, %v", state, err)
	}

	t1 := time.Now().UTC().Truncate(time.Second)
	if err := s.RecordScheduleRun(ctx, "nightly", "run-1", t1); err != nil {
		t.Fatalf("RecordScheduleRun() error = %v", err)
	}

	state, err = s.GetScheduleState(ctx, "nightly")
	if err != nil || state == nil {
		t.Fatalf("GetScheduleState() = %+v, %v", state, err)
	}
	if state.RunCount != 1 || state.LastRunID != "run-1" {
		t.Errorf("state after first run = %+v", state)
	}
	if state.LastRunAt == nil || !state.LastRunAt.Equal(t1) {
		t.Errorf("last_run_at = %v, want %v", state.LastRunAt, t1)
	}

	t2 := t1.Add(time.Minute)
	if err := s.RecordScheduleRun(ctx, "nightly", "run-2", t2); err != nil {
		t.Fatal(err)
	}
	state, _ = s.GetScheduleState(ctx, "nightly")
	if state.RunCount != 2 || state.LastRunID != "run-2" || !state.LastRunAt.Equal(t2) {
		t.Errorf("state after second run = %+v", state)
	}

	if err := s.RecordScheduleError(ctx, "nightly", "start failed", t2.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	state, _ = s.GetScheduleState(ctx, "nightly")
	if state.ErrorCount != 1 || state.LastError != "start failed" {
		t.Errorf("state after error = %+v", state)
	}
	// Errors do not advance the run bookkeeping.
	if state.RunCount != 2 || state.LastRunID != "run-2" {
		t.Errorf("error overwrote run bookkeeping: %+v", state)
	}
}

func TestRecordScheduleErrorFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// An error on a schedule that never fired still creates its row.
	if err := s.RecordScheduleError(ctx, "flaky", "boom", time.Now()); err != nil {
		t.Fatalf("RecordScheduleError() error = %v", err)
	}
	state, err := s.GetScheduleState(ctx, "flaky")
	if err != nil || state == nil {
		t.Fatalf("GetScheduleState() = %+v, %v", state, err)
	}
	if state.ErrorCount != 1 || state.RunCount != 0 || state.LastRunAt != nil {
		t.Errorf("state = %+v", state)
	}
}

func TestListScheduleStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.RecordScheduleRun(ctx, "b-schedule", "r1", now); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordScheduleRun(ctx, "a-schedule", "r2", now); err != nil {
		t.Fatal(err)
	}

	states, err := s.ListScheduleStates(ctx)
	if err != nil {
		t.Fatalf("ListScheduleStates() error = %v", err)
	}
	if len(states) != 2 || states[0].ScheduleName != "a-schedule" {
		t.Errorf("ListScheduleStates() = %+v", states)
	}
}
