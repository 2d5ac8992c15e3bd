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

// Package engine implements the workflow run state machine: starting runs,
// claiming steps on behalf of agents, folding completed or failed step
// output back into run state, the nested loop-over-stories sub-machine, and
// pause/resume/cancel. The engine is the only writer of Run records; every
// exported method here loads, mutates, and saves exactly one run under that
// run's keyed lock (runlock.go).
package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/workflowengine/internal/metrics"
	"github.com/tombee/workflowengine/internal/store"
	wferrors "github.com/tombee/workflowengine/pkg/errors"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// Engine is the workflow run state machine. It is safe for concurrent use;
// callers never need their own locking around engine calls.
type Engine struct {
	store  store.Storage
	locks  *runLocks
	tracer trace.Tracer
	log    *slog.Logger
	now    func() time.Time
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithTracer sets the tracer used for engine operation spans. The default is
// the no-op tracer, so tracing is opt-in.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithLogger sets the structured logger used for engine-level diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New builds an Engine backed by the given storage.
func New(s store.Storage, opts ...Option) *Engine {
	e := &Engine{
		store: s,
		locks: newRunLocks(),
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = trace.NewNoopTracerProvider().Tracer("internal/engine")
	}
	return e
}

// StartRun materializes a new Run from def and persists it. stepIndex 0
// begins pending; every other step begins waiting. Context is seeded with
// task. The run's token is a fresh, cryptographically random 256-bit
// base64url secret — the only credential that scopes agent calls to this
// run.
func (e *Engine) StartRun(ctx context.Context, def *workflowtypes.WorkflowDef, task string) (*workflowtypes.Run, error) {
	ctx, span := e.tracer.Start(ctx, "engine.StartRun")
	defer span.End()

	token, err := newRunToken()
	if err != nil {
		return nil, fmt.Errorf("engine: generate run token: %w", err)
	}

	now := e.now()
	run := &workflowtypes.Run{
		ID:           uuid.New().String(),
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		Task:         task,
		Status:       workflowtypes.RunStatusRunning,
		Context:      map[string]string{"task": task},
		RunToken:     token,
		Steps:        make([]*workflowtypes.RunStep, len(def.Steps)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for i, sd := range def.Steps {
		status := workflowtypes.RunStepStatusWaiting
		if i == 0 {
			status = workflowtypes.RunStepStatusPending
		}
		maxRetries := sd.MaxRetries
		if maxRetries == 0 {
			maxRetries = workflowtypes.DefaultMaxRetries
		}
		run.Steps[i] = &workflowtypes.RunStep{
			ID:            fmt.Sprintf("%s-%d", run.ID, i),
			RunID:         run.ID,
			StepID:        sd.ID,
			AgentID:       sd.AgentID,
			StepIndex:     i,
			InputTemplate: sd.InputTemplate,
			Type:          sd.Type,
			LoopConfig:    sd.LoopConfig.Clone(),
			Status:        status,
			MaxRetries:    maxRetries,
			UpdatedAt:     now,
		}
	}

	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("engine: save new run: %w", err)
	}
	metrics.ActiveRuns.Inc()

	return run.Clone(), nil
}

// newRunToken returns a base64url-encoded 256-bit random secret.
func newRunToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// withRun loads run id under its keyed lock, calls fn to mutate it, and
// saves the result unless fn returns an error. fn must not retain run beyond
// its call — the save at the end is the only commit point.
func (e *Engine) withRun(ctx context.Context, id string, fn func(run *workflowtypes.Run) error) (*workflowtypes.Run, error) {
	release := e.locks.Acquire(id)
	defer release()

	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(run); err != nil {
		return nil, err
	}

	run.UpdatedAt = e.now()
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("engine: save run %s: %w", id, err)
	}

	if isTerminal(run.Status) {
		e.locks.Purge(id)
	}

	return run, nil
}

func isTerminal(status workflowtypes.RunStatus) bool {
	switch status {
	case workflowtypes.RunStatusCompleted, workflowtypes.RunStatusCancelled:
		return true
	default:
		return false
	}
}

// notRunning builds the illegal-transition error agent endpoints return when
// a run is not in status running.
func notRunning(resource, id string, run *workflowtypes.Run, attempted string) error {
	return &wferrors.IllegalTransitionError{
		Resource:  resource,
		ID:        id,
		FromState: string(run.Status),
		Attempted: attempted,
	}
}
