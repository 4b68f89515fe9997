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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dazzlehq/dazzle/pkg/backend"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}
	assert.Equal(t, "json", codec.Name())

	completed := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	in := &Workflow{
		WorkflowID:     "wf-1",
		ProcessName:    "order-approval",
		TaskQueue:      "dazzle-v0.1",
		DSLVersion:     "0.1",
		Status:         string(backend.RunCompleted),
		CurrentStep:    "review",
		Inputs:         map[string]any{"order_id": "o-1", "amount": 42.5},
		Outputs:        map[string]any{"outcome": "approve"},
		IdempotencyKey: "key-1",
		StartedAt:      completed.Add(-time.Hour),
		UpdatedAt:      completed,
		CompletedAt:    &completed,
	}

	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out Workflow
	require.NoError(t, codec.Unmarshal(data, &out))

	assert.Equal(t, in.WorkflowID, out.WorkflowID)
	assert.Equal(t, in.ProcessName, out.ProcessName)
	assert.Equal(t, in.TaskQueue, out.TaskQueue)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Inputs, out.Inputs)
	assert.Equal(t, in.IdempotencyKey, out.IdempotencyKey)
	require.NotNil(t, out.CompletedAt)
	assert.True(t, out.CompletedAt.Equal(completed))
}

func TestJSONCodecOmitsEmptyFields(t *testing.T) {
	data, err := jsonCodec{}.Marshal(&Workflow{WorkflowID: "wf-1", Status: "running"})
	require.NoError(t, err)

	body := string(data)
	assert.NotContains(t, body, "completed_at")
	assert.NotContains(t, body, "idempotency_key")
	assert.NotContains(t, body, "search_attributes")
}

func TestFullMethod(t *testing.T) {
	assert.Equal(t, "/dazzle.v1.DazzleService/StartWorkflow", fullMethod("StartWorkflow"))
	assert.Equal(t, "/dazzle.v1.DazzleService/CancelWorkflow", fullMethod("CancelWorkflow"))
}

func TestServiceDescShape(t *testing.T) {
	require.Equal(t, ServiceName, ServiceDesc.ServiceName)
	assert.Empty(t, ServiceDesc.Streams)

	want := []string{
		"RegisterProcess",
		"RegisterSchedule",
		"StartWorkflow",
		"GetWorkflow",
		"ListWorkflows",
		"CountWorkflows",
		"CancelWorkflow",
		"SignalWorkflow",
	}
	got := make([]string, 0, len(ServiceDesc.Methods))
	for _, m := range ServiceDesc.Methods {
		got = append(got, m.MethodName)
		assert.NotNil(t, m.Handler, "method %s has no handler", m.MethodName)
	}
	assert.Equal(t, want, got)
}

func TestWorkflowRunMapping(t *testing.T) {
	completed := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	wf := &Workflow{
		WorkflowID:     "wf-7",
		ProcessName:    "invoice-chase",
		DSLVersion:     "2.0",
		Status:         string(backend.RunFailed),
		CurrentStep:    "notify",
		Inputs:         map[string]any{"invoice": "i-7"},
		Context:        map[string]any{"attempt": 3.0},
		Outputs:        map[string]any{"sent": true},
		Error:          "channel unreachable",
		IdempotencyKey: "key-7",
		StartedAt:      completed.Add(-time.Minute),
		UpdatedAt:      completed,
		CompletedAt:    &completed,
	}

	run := wf.Run()
	require.NotNil(t, run)
	assert.Equal(t, "wf-7", run.RunID)
	assert.Equal(t, "invoice-chase", run.ProcessName)
	assert.Equal(t, "2.0", run.DSLVersion)
	assert.Equal(t, backend.RunFailed, run.Status)
	assert.Equal(t, "notify", run.CurrentStep)
	assert.Equal(t, wf.Inputs, run.Inputs)
	assert.Equal(t, wf.Context, run.Context)
	assert.Equal(t, wf.Outputs, run.Outputs)
	assert.Equal(t, "channel unreachable", run.Error)
	assert.Equal(t, "key-7", run.IdempotencyKey)
	require.NotNil(t, run.CompletedAt)
	assert.True(t, run.CompletedAt.Equal(completed))
}
