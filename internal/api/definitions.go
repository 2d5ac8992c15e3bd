// Copyright 2025 Tom Barlow
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
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/workflowengine/internal/httputil"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// handleListDefs handles GET /definitions.
func (s *Server) handleListDefs(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.ListDefs(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, defs)
}

// handleCreateDef handles POST /definitions. A missing id is assigned a
// fresh UUID; an existing id overwrites that definition (spec.md leaves
// create/update as a single upsert operation, opaque to the engine).
func (s *Server) handleCreateDef(w http.ResponseWriter, r *http.Request) {
	var def workflowtypes.WorkflowDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	if err := s.engine.SaveDef(r.Context(), &def); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, def)
}
