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

// Package api implements the workflow engine's HTTP surface: operator
// endpoints for definitions and run lifecycle, and agent endpoints for the
// claim/complete/fail protocol. Every handler delegates state changes to
// internal/engine; this package only does request parsing, auth, and
// response shaping.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/workflowengine/internal/auth"
	"github.com/tombee/workflowengine/internal/engine"
)

// Server holds the HTTP routes for the workflow engine.
type Server struct {
	mux     *http.ServeMux
	engine  *engine.Engine
	authn   *auth.BearerAuthenticator
	limiter *auth.RateLimiter
	log     *slog.Logger
}

// Option configures a Server at construction.
type Option func(*Server)

// WithLogger sets the structured logger used for request logging.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithRateLimiter installs per-agent-id rate limiting on the claim endpoint.
// The default is a disabled limiter, so rate limiting is opt-in.
func WithRateLimiter(limiter *auth.RateLimiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// New builds a Server backed by e. Routes are registered immediately; call
// Handler to obtain the http.Handler to mount.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		engine:  e,
		authn:   auth.NewBearerAuthenticator(),
		limiter: auth.NewRateLimiter(auth.RateLimitConfig{Enabled: false}),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /definitions", s.handleListDefs)
	s.mux.HandleFunc("POST /definitions", s.handleCreateDef)

	s.mux.HandleFunc("GET /runs", s.handleListRuns)
	s.mux.HandleFunc("POST /runs", s.handleCreateRun)
	s.mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("POST /runs/{id}/pause", s.handlePauseRun)
	s.mux.HandleFunc("POST /runs/{id}/resume", s.handleResumeRun)
	s.mux.HandleFunc("DELETE /runs/{id}", s.handleCancelRun)

	// The rate limiter keys on the agentId path segment, so it wraps the
	// claim handler directly rather than the whole mux: PathValue is only
	// populated once the mux has matched the route.
	s.mux.Handle("POST /claim/{agentId}", s.limiter.Middleware(http.HandlerFunc(s.handleClaim)))
	s.mux.HandleFunc("POST /complete/{stepId}", s.handleComplete)
	s.mux.HandleFunc("POST /fail/{stepId}", s.handleFail)
}

// Handler returns the http.Handler for the engine's HTTP surface, wrapped
// with request logging. Host processes mount it under whatever prefix they
// choose (spec.md §6); this package itself registers routes with no prefix.
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.mux)
}

// withLogging logs method/path/status/duration per request, the same shape
// as the teacher's HTTP middleware.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

// statusWriter captures the status code written so withLogging can report it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
