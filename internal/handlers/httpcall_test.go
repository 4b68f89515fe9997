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

package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dazzlehq/dazzle/pkg/process"
)

func TestHTTPRequestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("query page = %q, want 2", got)
		}
		if got := r.Header.Get("X-Token"); got != "secret" {
			t.Errorf("header X-Token = %q, want secret", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"items":2}`)
	}))
	defer srv.Close()

	h := NewHTTPRequest()
	out, err := h.Handle(context.Background(), map[string]any{
		"url":     srv.URL,
		"query":   map[string]any{"page": 2},
		"headers": map[string]any{"X-Token": "secret"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if sc, ok := out["status_code"].(int); !ok || sc != 200 {
		t.Errorf("status_code = %v, want 200", out["status_code"])
	}
	if isErr, ok := out["is_error"].(bool); !ok || isErr {
		t.Errorf("is_error = %v, want false", out["is_error"])
	}
	body, ok := out["body"].(map[string]any)
	if !ok || body["ok"] != true {
		t.Errorf("body = %v", out["body"])
	}
}

func TestHTTPRequestPostsJSONBody(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
			t.Errorf("content type = %q, want JSON", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"o-1"}`)
	}))
	defer srv.Close()

	h := NewHTTPRequest()
	out, err := h.Handle(context.Background(), map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"sku": "W-1", "qty": 3},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if sc, _ := out["status_code"].(int); sc != 201 {
		t.Errorf("status_code = %v, want 201", out["status_code"])
	}
	if gotBody["sku"] != "W-1" {
		t.Errorf("posted body = %v", gotBody)
	}
}

func TestHTTPRequestErrorStatusIsData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	h := NewHTTPRequest()
	out, err := h.Handle(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("Handle() error = %v, want nil for error status", err)
	}
	if sc, _ := out["status_code"].(int); sc != 404 {
		t.Errorf("status_code = %v, want 404", out["status_code"])
	}
	if isErr, _ := out["is_error"].(bool); !isErr {
		t.Error("is_error = false, want true")
	}
}

func TestHTTPRequestTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "pong")
	}))
	defer srv.Close()

	h := NewHTTPRequest()
	out, err := h.Handle(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if out["body"] != "pong" {
		t.Errorf("body = %v, want pong", out["body"])
	}
}

func TestHTTPRequestMissingURL(t *testing.T) {
	h := NewHTTPRequest()
	_, err := h.Handle(context.Background(), map[string]any{"method": "GET"})
	if !isFatal(err) {
		t.Errorf("error = %v, want fatal step failure", err)
	}
}

func TestHTTPRequestConnectionFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	h := NewHTTPRequest()
	_, err := h.Handle(context.Background(), map[string]any{"url": url})
	if err == nil {
		t.Fatal("Handle() error = nil, want connection failure")
	}
	if isFatal(err) {
		t.Errorf("connection error %v should stay retryable", err)
	}
}

func TestChannelSendPostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	send := NewChannelSend(srv.URL)
	err := send(context.Background(), "email", "Order o-7 shipped", map[string]any{"to": "a@b.c"})
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	if got["channel"] != "email" {
		t.Errorf("channel = %v, want email", got["channel"])
	}
	if got["message"] != "Order o-7 shipped" {
		t.Errorf("message = %v", got["message"])
	}
	inputs, ok := got["inputs"].(map[string]any)
	if !ok || inputs["to"] != "a@b.c" {
		t.Errorf("inputs = %v", got["inputs"])
	}
}

func TestChannelSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	send := NewChannelSend(srv.URL)
	err := send(context.Background(), "email", "hello", nil)
	if err == nil {
		t.Fatal("send error = nil, want webhook failure")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want status in message", err.Error())
	}
}

func TestRegisterBindsBuiltins(t *testing.T) {
	reg := process.NewRegistry()
	Register(reg)
	for _, name := range []string{"transform", "eval", "http"} {
		if _, ok := reg.Service(name); !ok {
			t.Errorf("service %q not registered", name)
		}
	}
}
