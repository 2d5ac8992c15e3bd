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

package engine

import (
	"context"
	"crypto/subtle"
	"fmt"

	wferrors "github.com/tombee/workflowengine/pkg/errors"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// ListDefs returns every workflow definition.
func (e *Engine) ListDefs(ctx context.Context) ([]*workflowtypes.WorkflowDef, error) {
	return e.store.ListDefs(ctx)
}

// GetDef returns a single workflow definition by id.
func (e *Engine) GetDef(ctx context.Context, id string) (*workflowtypes.WorkflowDef, error) {
	return e.store.GetDef(ctx, id)
}

// SaveDef upserts a workflow definition, rejecting with a ValidationError any
// loop step whose LoopConfig.Over is not "stories". Definitions carry no lock
// of their own: they are immutable from an in-flight run's perspective
// because every Run clones the StepDef fields it needs at start time.
func (e *Engine) SaveDef(ctx context.Context, def *workflowtypes.WorkflowDef) error {
	for _, s := range def.Steps {
		if s.Type == workflowtypes.StepTypeLoop && s.LoopConfig != nil && s.LoopConfig.Over != "stories" {
			return &wferrors.ValidationError{
				Field:   "loopConfig.over",
				Message: fmt.Sprintf("step %s: unsupported loop source %q", s.ID, s.LoopConfig.Over),
			}
		}
	}
	return e.store.SaveDef(ctx, def)
}

// DeleteDef removes a workflow definition. It does not affect runs already
// started from it.
func (e *Engine) DeleteDef(ctx context.Context, id string) error {
	return e.store.DeleteDef(ctx, id)
}

// ListRuns returns run summaries matching filter, sorted by createdAt
// descending.
func (e *Engine) ListRuns(ctx context.Context, filter workflowtypes.RunFilter) ([]workflowtypes.RunSummary, error) {
	summaries, err := e.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	sortRunSummariesDescending(summaries)
	return summaries, nil
}

// GetRun returns a single run by id, including its full step and story
// detail.
func (e *Engine) GetRun(ctx context.Context, id string) (*workflowtypes.Run, error) {
	return e.store.GetRun(ctx, id)
}

// VerifyStepToken authorizes a step-scoped agent call (complete/fail)
// against the runToken of the run that owns stepID, using the same
// constant-time comparison ClaimStep uses. A missing or mismatched token is
// rejected as not-found rather than forbidden, so a step's existence is
// never revealed to a caller presenting the wrong credential.
func (e *Engine) VerifyStepToken(ctx context.Context, stepID, token string) error {
	runID, err := e.findRunIDForStep(ctx, stepID)
	if err != nil {
		return err
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(run.RunToken), []byte(token)) != 1 {
		return &wferrors.NotFoundError{Resource: "step", ID: stepID}
	}
	return nil
}

func sortRunSummariesDescending(summaries []workflowtypes.RunSummary) {
	for i := 1; i < len(summaries); i++ {
		for j := i; j > 0 && summaries[j-1].CreatedAt.Before(summaries[j].CreatedAt); j-- {
			summaries[j-1], summaries[j] = summaries[j], summaries[j-1]
		}
	}
}
