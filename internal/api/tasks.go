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

	"github.com/go-chi/chi/v5"

	"github.com/dazzlehq/dazzle/pkg/backend"
)

// tasksHandler serves human task routes.
type tasksHandler struct {
	backend backend.Backend
}

func newTasksHandler(be backend.Backend) *tasksHandler {
	return &tasksHandler{backend: be}
}

func (h *tasksHandler) mount(r chi.Router) {
	r.Get("/tasks", h.handleList)
	r.Get("/tasks/{id}", h.handleGet)
	r.Post("/tasks/{id}/complete", h.handleComplete)
	r.Post("/tasks/{id}/reassign", h.handleReassign)
}

// CompleteTaskRequest is the body of POST /tasks/{id}/complete.
type CompleteTaskRequest struct {
	Outcome     string         `json:"outcome"`
	OutcomeData map[string]any `json:"outcome_data,omitempty"`
	CompletedBy string         `json:"completed_by,omitempty"`
}

// ReassignTaskRequest is the body of POST /tasks/{id}/reassign.
type ReassignTaskRequest struct {
	AssigneeID string `json:"assignee_id"`
	Reason     string `json:"reason,omitempty"`
}

func (h *tasksHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := backend.TaskFilter{
		RunID:      r.URL.Query().Get("run_id"),
		AssigneeID: r.URL.Query().Get("assignee_id"),
		Status:     backend.TaskStatus(r.URL.Query().Get("status")),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	}

	tasks, err := h.backend.ListTasks(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (h *tasksHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := h.backend.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *tasksHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteTaskRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	err := h.backend.CompleteTask(r.Context(), chi.URLParam(r, "id"), req.Outcome, req.OutcomeData, req.CompletedBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *tasksHandler) handleReassign(w http.ResponseWriter, r *http.Request) {
	var req ReassignTaskRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	err := h.backend.ReassignTask(r.Context(), chi.URLParam(r, "id"), req.AssigneeID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reassigned"})
}
