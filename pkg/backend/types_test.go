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

import "testing"

func TestRunStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   bool
	}{
		{RunPending, false},
		{RunRunning, false},
		{RunDraining, false},
		{RunSuspended, false},
		{RunWaiting, false},
		{RunCompensating, false},
		{RunCompleted, true},
		{RunFailed, true},
		{RunCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRunStatusIsActive(t *testing.T) {
	active := map[RunStatus]bool{
		RunPending:   true,
		RunRunning:   true,
		RunSuspended: true,
		RunWaiting:   true,
	}

	all := []RunStatus{
		RunPending, RunRunning, RunDraining, RunSuspended, RunWaiting,
		RunCompleted, RunFailed, RunCompensating, RunCancelled,
	}
	for _, status := range all {
		if got := status.IsActive(); got != active[status] {
			t.Errorf("IsActive(%q) = %v, want %v", status, got, active[status])
		}
	}

	if len(ActiveRunStatuses) != 4 {
		t.Errorf("ActiveRunStatuses has %d entries, want 4", len(ActiveRunStatuses))
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		TaskCompleted: true,
		TaskExpired:   true,
		TaskCancelled: true,
	}

	all := []TaskStatus{
		TaskPending, TaskAssigned, TaskInProgress, TaskCompleted,
		TaskEscalated, TaskExpired, TaskCancelled,
	}
	for _, status := range all {
		if got := status.IsTerminal(); got != terminal[status] {
			t.Errorf("IsTerminal(%q) = %v, want %v", status, got, terminal[status])
		}
	}
}
