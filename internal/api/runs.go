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

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dazzlehq/dazzle/pkg/backend"
)

// runsHandler serves process run routes.
type runsHandler struct {
	backend backend.Backend
}

func newRunsHandler(be backend.Backend) *runsHandler {
	return &runsHandler{backend: be}
}

func (h *runsHandler) mount(r chi.Router) {
	r.Post("/processes/{name}/runs", h.handleStart)
	r.Get("/runs", h.handleList)
	r.Get("/runs/{id}", h.handleGet)
	r.Post("/runs/{id}/cancel", h.handleCancel)
	r.Post("/runs/{id}/suspend", h.handleSuspend)
	r.Post("/runs/{id}/resume", h.handleResume)
	r.Post("/runs/{id}/signals", h.handleSignal)
}

// StartRunRequest is the body of POST /processes/{name}/runs.
type StartRunRequest struct {
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	DSLVersion     string         `json:"dsl_version,omitempty"`
}

// CancelRunRequest is the body of POST /runs/{id}/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SignalRequest is the body of POST /runs/{id}/signals.
type SignalRequest struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (h *runsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	run, err := h.backend.StartProcess(r.Context(), backend.StartProcessRequest{
		ProcessName:    chi.URLParam(r, "name"),
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
		DSLVersion:     req.DSLVersion,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *runsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := backend.RunFilter{
		ProcessName: r.URL.Query().Get("process_name"),
		Status:      backend.RunStatus(r.URL.Query().Get("status")),
		DSLVersion:  r.URL.Query().Get("dsl_version"),
		Limit:       queryInt(r, "limit"),
		Offset:      queryInt(r, "offset"),
	}

	runs, err := h.backend.ListRuns(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *runsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.backend.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *runsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRunRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.backend.CancelProcess(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *runsHandler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.SuspendProcess(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (h *runsHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.ResumeProcess(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *runsHandler) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.backend.SignalProcess(r.Context(), chi.URLParam(r, "id"), req.Name, req.Payload); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// queryInt parses an integer query parameter, treating absent or malformed
// values as zero.
func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
