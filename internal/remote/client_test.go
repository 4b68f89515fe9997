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
	"testing"
	"time"

	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/pkg/errors"
	"github.com/dazzlehq/dazzle/pkg/process"
)

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Addr:           addr,
		TaskQueue:      "dazzle-test",
		ConnectTimeout: waitTimeout,
		RequestTimeout: waitTimeout,
	}, log.New(quietLogger()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func TestClientRequiresAddr(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	var cfgErr *errors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want config error", err)
	}
	if cfgErr.Key != "remote.host" {
		t.Errorf("key = %q, want remote.host", cfgErr.Key)
	}
}

func TestTaskQueueFor(t *testing.T) {
	c, err := NewClient(Config{Addr: "localhost:1", TaskQueue: "dazzle-test"}, log.New(quietLogger()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	tests := []struct {
		version string
		want    string
	}{
		{"", "dazzle-test"},
		{"0.1", "dazzle-test-v0.1"},
		{"2.0", "dazzle-test-v2.0"},
	}
	for _, tt := range tests {
		if got := c.taskQueueFor(tt.version); got != tt.want {
			t.Errorf("taskQueueFor(%q) = %q, want %q", tt.version, got, tt.want)
		}
	}
}

// Connect retries health probes, so a service that comes up slowly is still
// reachable within the connect timeout.
func TestClientConnectWaitsForServing(t *testing.T) {
	fake := newFakeService()
	addr, hs := startServer(t, fake)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	c, err := NewClient(Config{
		Addr:           addr,
		ConnectTimeout: waitTimeout,
		RequestTimeout: time.Second,
	}, log.New(quietLogger()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	go func() {
		time.Sleep(300 * time.Millisecond)
		hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Healthy(context.Background()); err != nil {
		t.Errorf("Healthy() error = %v", err)
	}
}

func TestClientConnectTimesOut(t *testing.T) {
	fake := newFakeService()
	addr, hs := startServer(t, fake)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	c, err := NewClient(Config{
		Addr:           addr,
		ConnectTimeout: 300 * time.Millisecond,
		RequestTimeout: time.Second,
	}, log.New(quietLogger()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	err = c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() succeeded against a non-serving service")
	}
	var bErr *errors.BackendError
	if !errors.As(err, &bErr) {
		t.Errorf("error = %v, want backend error", err)
	}
}

func TestClientErrorMapping(t *testing.T) {
	fake := newFakeService()
	addr, _ := startServer(t, fake)
	c := newTestClient(t, addr)

	// The service rejects nameless specs with InvalidArgument.
	err := c.RegisterProcess(context.Background(), &process.ProcessSpec{})
	if !errors.IsValidation(err) {
		t.Errorf("nameless spec error = %v, want validation error", err)
	}

	if _, err := c.GetWorkflow(context.Background(), "missing"); !errors.IsNotFound(err) {
		t.Errorf("GetWorkflow(missing) error = %v, want not found", err)
	}
	if err := c.CancelWorkflow(context.Background(), "missing", ""); !errors.IsNotFound(err) {
		t.Errorf("CancelWorkflow(missing) error = %v, want not found", err)
	}
	if err := c.SignalWorkflow(context.Background(), "missing", "ping", nil); !errors.IsNotFound(err) {
		t.Errorf("SignalWorkflow(missing) error = %v, want not found", err)
	}
}

// The workflow shape survives a start/get round trip through the JSON codec.
func TestClientWorkflowRoundTrip(t *testing.T) {
	fake := newFakeService()
	addr, _ := startServer(t, fake)
	c := newTestClient(t, addr)

	wf, err := c.StartWorkflow(context.Background(), &StartWorkflowRequest{
		TaskQueue:   c.taskQueueFor("1.0"),
		WorkflowID:  "wf-1",
		ProcessName: "order-approval",
		Inputs:      map[string]any{"order_id": "o-1", "amount": 42.5},
		DSLVersion:  "1.0",
	})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	if wf.WorkflowID != "wf-1" {
		t.Errorf("workflow id = %q, want wf-1", wf.WorkflowID)
	}
	if wf.TaskQueue != "dazzle-test-v1.0" {
		t.Errorf("task queue = %q, want dazzle-test-v1.0", wf.TaskQueue)
	}

	got, err := c.GetWorkflow(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if got.ProcessName != "order-approval" {
		t.Errorf("process = %q, want order-approval", got.ProcessName)
	}
	if got.Inputs["order_id"] != "o-1" {
		t.Errorf("inputs order_id = %v, want o-1", got.Inputs["order_id"])
	}
	if got.Inputs["amount"] != 42.5 {
		t.Errorf("inputs amount = %v, want 42.5", got.Inputs["amount"])
	}
	if got.StartedAt.IsZero() {
		t.Error("workflow has zero started_at")
	}

	run := got.Run()
	if run.RunID != "wf-1" || run.DSLVersion != "1.0" {
		t.Errorf("run = %s/%s, want wf-1/1.0", run.RunID, run.DSLVersion)
	}
}
