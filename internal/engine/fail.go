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
	"fmt"
	"time"

	"github.com/tombee/workflowengine/internal/metrics"
	wferrors "github.com/tombee/workflowengine/pkg/errors"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// FailResult is the outcome of a failed step report.
type FailResult struct {
	Retrying  bool `json:"retrying"`
	RunFailed bool `json:"runFailed"`
}

// FailStep applies the bounded-retry policy (§4.4.4): a loop step actively
// processing a story retries at the story level; any other step retries at
// the step level. Either way, reaching maxRetries moves the offending
// record and the run to failed instead of retrying again.
func (e *Engine) FailStep(ctx context.Context, stepID, errMsg string) (FailResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.FailStep")
	defer span.End()

	runID, err := e.findRunIDForStep(ctx, stepID)
	if err != nil {
		return FailResult{}, err
	}

	release := e.locks.Acquire(runID)
	defer release()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return FailResult{}, err
	}
	if run.Status != workflowtypes.RunStatusRunning {
		return FailResult{}, notRunning("run", runID, run, "fail")
	}

	step := findStepByID(run, stepID)
	if step == nil {
		return FailResult{}, &wferrors.NotFoundError{Resource: "step", ID: stepID}
	}

	now := e.now()
	result := e.applyFailure(run, step, errMsg, now)

	run.UpdatedAt = now
	if err := e.store.SaveRun(ctx, run); err != nil {
		return FailResult{}, fmt.Errorf("engine: save run %s: %w", runID, err)
	}
	if isTerminal(run.Status) {
		e.locks.Purge(runID)
	}
	return result, nil
}

func (e *Engine) applyFailure(run *workflowtypes.Run, step *workflowtypes.RunStep, errMsg string, now time.Time) FailResult {
	if step.Type == workflowtypes.StepTypeLoop && step.CurrentStoryID != "" {
		story := findStoryByID(run, step.CurrentStoryID)
		story.RetryCount++
		story.Output = errMsg
		story.UpdatedAt = now
		step.CurrentStoryID = ""
		step.UpdatedAt = now
		metrics.RetriesTotal.WithLabelValues("story").Inc()

		if story.RetryCount >= story.MaxRetries {
			story.Status = workflowtypes.StoryStatusFailed
			step.Status = workflowtypes.RunStepStatusFailed
			run.Status = workflowtypes.RunStatusFailed
			metrics.StepsFailedTotal.WithLabelValues(step.StepID).Inc()
			metrics.RunsTotal.WithLabelValues(string(workflowtypes.RunStatusFailed)).Inc()
			metrics.ActiveRuns.Dec()
			return FailResult{RunFailed: true}
		}

		story.Status = workflowtypes.StoryStatusPending
		step.Status = workflowtypes.RunStepStatusPending
		return FailResult{Retrying: true}
	}

	step.RetryCount++
	step.Output = errMsg
	step.UpdatedAt = now
	metrics.RetriesTotal.WithLabelValues("step").Inc()

	if step.RetryCount >= step.MaxRetries {
		step.Status = workflowtypes.RunStepStatusFailed
		run.Status = workflowtypes.RunStatusFailed
		metrics.StepsFailedTotal.WithLabelValues(step.StepID).Inc()
		metrics.RunsTotal.WithLabelValues(string(workflowtypes.RunStatusFailed)).Inc()
		metrics.ActiveRuns.Dec()
		return FailResult{RunFailed: true}
	}

	step.Status = workflowtypes.RunStepStatusPending
	return FailResult{Retrying: true}
}
