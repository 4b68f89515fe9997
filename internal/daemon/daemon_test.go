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

package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/dazzlehq/dazzle/internal/config"
	"github.com/dazzlehq/dazzle/pkg/backend"
)

const waitTimeout = 10 * time.Second

const calcDocument = `
processes:
  - name: calc
    version: "1"
    steps:
      - name: compute
        kind: service
        service: eval
        inputs:
          - source: inputs.expression
            target: expression
`

const lateDocument = `
processes:
  - name: late-process
    version: "1"
    steps:
      - name: compute
        kind: service
        service: eval
        inputs:
          - source: inputs.expression
            target: expression
`

// testConfig builds a lite-backed configuration rooted in a temp directory,
// with the API on an ephemeral port and limits high enough that test polling
// never trips the rate limiter.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Backend = string(backend.KindLite)
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.ProcessesDir = filepath.Join(dir, "processes")
	cfg.Lite.DBPath = filepath.Join(dir, "data", "dazzle.db")
	cfg.API.Addr = "127.0.0.1:0"
	cfg.API.RateLimitPerSecond = 1000
	cfg.API.RateLimitBurst = 2000
	cfg.Log.Level = "error"
	cfg.ShutdownTimeoutSeconds = 5
	return cfg
}

func writeDefinition(t *testing.T, dir, name, doc string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitForAPI blocks until /healthz answers 200 and returns the bound address.
func waitForAPI(t *testing.T, d *Daemon) string {
	t.Helper()
	var addr string
	waitFor(t, "api to serve", func() bool {
		addr = d.APIAddr()
		if addr == "" {
			return false
		}
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	return addr
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)
	writeDefinition(t, cfg.ProcessesDir, "calc.yaml", calcDocument)

	d, err := New(cfg, Options{Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := d.Shutdown(sctx); err != nil {
			t.Errorf("Shutdown in cleanup: %v", err)
		}
	})

	if err := d.Start(ctx); err == nil {
		t.Fatal("second Start should fail while running")
	}

	// Definitions load synchronously during Start, so the process is
	// registered before Start returns.
	run, err := d.Backend().StartProcess(ctx, backend.StartProcessRequest{
		ProcessName: "calc",
		Inputs:      map[string]any{"expression": "2 + 3"},
	})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	var got *backend.Run
	waitFor(t, "run to complete", func() bool {
		got, err = d.Backend().GetRun(ctx, run.RunID)
		return err == nil && got.Status == backend.RunCompleted
	})
	if v := fmt.Sprintf("%v", got.Outputs["compute.result"]); v != "5" {
		t.Fatalf("compute.result = %v, want 5", got.Outputs["compute.result"])
	}

	addr := d.APIAddr()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("APIAddr = %q, want a bound address", addr)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// A definition dropped in while the daemon runs is picked up by the
	// watcher and becomes startable.
	writeDefinition(t, cfg.ProcessesDir, "late.yaml", lateDocument)
	waitFor(t, "watcher to register late-process", func() bool {
		_, err := d.Backend().StartProcess(ctx, backend.StartProcessRequest{
			ProcessName: "late-process",
			Inputs:      map[string]any{"expression": "1"},
		})
		return err == nil
	})

	sctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := d.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := d.Shutdown(sctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestRunStopsOnSignal(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, Options{Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	waitForAPI(t, d)

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after SIGTERM, want nil", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after SIGTERM")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, Options{Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitForAPI(t, d)

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancel, want nil", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestNewRemoteUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := testConfig(t)
	cfg.Backend = string(backend.KindRemote)
	cfg.Remote.Host = "127.0.0.1"
	cfg.Remote.Port = port
	cfg.Remote.ConnectTimeoutSeconds = 1

	if _, err := New(cfg, Options{Version: "test"}); err == nil {
		t.Fatal("New should fail when the remote service is unreachable")
	}
}
