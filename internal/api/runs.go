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

	"github.com/tombee/workflowengine/internal/httputil"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// handleListRuns handles GET /runs?workflowId=&status=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := workflowtypes.RunFilter{
		WorkflowID: r.URL.Query().Get("workflowId"),
		Status:     workflowtypes.RunStatus(r.URL.Query().Get("status")),
	}
	runs, err := s.engine.ListRuns(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

// createRunRequest is the body of POST /runs.
type createRunRequest struct {
	WorkflowID string `json:"workflowId"`
	Task       string `json:"task"`
}

// handleCreateRun handles POST /runs: looks up the named definition and
// starts a new run from it.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WorkflowID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "workflowId is required")
		return
	}

	def, err := s.engine.GetDef(r.Context(), req.WorkflowID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	run, err := s.engine.StartRun(r.Context(), def, req.Task)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, run)
}

// handleGetRun handles GET /runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handlePauseRun handles POST /runs/{id}/pause.
func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.PauseRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleResumeRun handles POST /runs/{id}/resume.
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.ResumeRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleCancelRun handles DELETE /runs/{id}.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.CancelRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}
