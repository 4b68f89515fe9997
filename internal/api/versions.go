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
	"github.com/dazzlehq/dazzle/pkg/errors"
)

// versionsHandler serves DSL version and migration routes.
type versionsHandler struct {
	backend backend.Backend
}

func newVersionsHandler(be backend.Backend) *versionsHandler {
	return &versionsHandler{backend: be}
}

func (h *versionsHandler) mount(r chi.Router) {
	r.Get("/versions", h.handleList)
	r.Post("/versions", h.handleDeploy)
	r.Get("/versions/{id}", h.handleGet)
	r.Post("/migrations", h.handleStartMigration)
	r.Get("/migrations/{id}", h.handleCheckMigration)
	r.Post("/migrations/{id}/complete", h.handleCompleteMigration)
	r.Post("/migrations/{id}/rollback", h.handleRollbackMigration)
}

// DeployVersionRequest is the body of POST /versions.
type DeployVersionRequest struct {
	VersionID string         `json:"version_id"`
	DSLHash   string         `json:"dsl_hash,omitempty"`
	Manifest  map[string]any `json:"manifest,omitempty"`
}

// StartMigrationRequest is the body of POST /migrations.
type StartMigrationRequest struct {
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version"`
}

func (h *versionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	versions, err := h.backend.ListVersions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"count":    len(versions),
	})
}

func (h *versionsHandler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployVersionRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	version, err := h.backend.DeployVersion(r.Context(), req.VersionID, req.DSLHash, req.Manifest)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (h *versionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	version, err := h.backend.GetVersion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (h *versionsHandler) handleStartMigration(w http.ResponseWriter, r *http.Request) {
	var req StartMigrationRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	migration, err := h.backend.StartMigration(r.Context(), req.FromVersion, req.ToVersion)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, migration)
}

func (h *versionsHandler) handleCheckMigration(w http.ResponseWriter, r *http.Request) {
	id, err := migrationID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	migration, err := h.backend.CheckMigration(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, migration)
}

func (h *versionsHandler) handleCompleteMigration(w http.ResponseWriter, r *http.Request) {
	id, err := migrationID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.backend.CompleteMigration(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *versionsHandler) handleRollbackMigration(w http.ResponseWriter, r *http.Request) {
	id, err := migrationID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.backend.RollbackMigration(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

// migrationID parses the numeric {id} path parameter.
func migrationID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, &errors.ValidationError{Field: "id", Message: "migration id must be an integer"}
	}
	return id, nil
}
