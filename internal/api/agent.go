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
)

// bearerToken extracts the optional bearer token from the request. Unlike
// BearerAuthenticator.Authenticate, a missing or malformed header is not
// itself an error here: claim() treats an absent token as "scan every
// running run" (spec.md §4.5); complete/fail require one, enforced by their
// callers via engine.VerifyStepToken rejecting an empty token as not-found.
func (s *Server) bearerToken(r *http.Request) string {
	token, err := s.authn.ExtractBearerToken(r)
	if err != nil {
		return ""
	}
	return token
}

// handleClaim handles POST /claim/{agentId}.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	token := s.bearerToken(r)

	result, err := s.engine.ClaimStep(r.Context(), agentID, token)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// completeRequest is the body of POST /complete/{stepId}.
type completeRequest struct {
	Output string `json:"output"`
}

// handleComplete handles POST /complete/{stepId}.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	stepID := r.PathValue("stepId")

	if err := s.engine.VerifyStepToken(r.Context(), stepID, s.bearerToken(r)); err != nil {
		writeEngineError(w, err)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.engine.CompleteStep(r.Context(), stepID, req.Output)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// failRequest is the body of POST /fail/{stepId}.
type failRequest struct {
	Error string `json:"error"`
}

// handleFail handles POST /fail/{stepId}.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	stepID := r.PathValue("stepId")

	if err := s.engine.VerifyStepToken(r.Context(), stepID, s.bearerToken(r)); err != nil {
		writeEngineError(w, err)
		return
	}

	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.engine.FailStep(r.Context(), stepID, req.Error)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}
