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
	"time"

	"github.com/tombee/workflowengine/internal/metrics"
	"github.com/tombee/workflowengine/internal/template"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// ClaimResult is the outcome of a claim attempt.
type ClaimResult struct {
	Found         bool   `json:"found"`
	StepID        string `json:"stepId,omitempty"`
	RunID         string `json:"runId,omitempty"`
	ResolvedInput string `json:"resolvedInput,omitempty"`
}

// ClaimStep walks active runs looking for a pending RunStep bound to
// agentID. If runToken is non-empty, only the run whose stored RunToken
// matches it byte-for-byte is considered. Within a matching run, a loop step
// that has exhausted its stories is auto-completed and the pipeline is
// advanced before the scan continues, so a single call may advance several
// steps internally but returns at most one claim.
func (e *Engine) ClaimStep(ctx context.Context, agentID, runToken string) (ClaimResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ClaimStep")
	defer span.End()

	summaries, err := e.store.ListRuns(ctx, workflowtypes.RunFilter{Status: workflowtypes.RunStatusRunning})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("engine: list running runs: %w", err)
	}

	for _, sum := range summaries {
		result, claimed, err := e.tryClaimRun(ctx, sum.ID, agentID, runToken)
		if err != nil {
			return ClaimResult{}, err
		}
		if claimed {
			metrics.ClaimsTotal.WithLabelValues(agentID, "found").Inc()
			return result, nil
		}
	}

	metrics.ClaimsTotal.WithLabelValues(agentID, "empty").Inc()
	return ClaimResult{Found: false}, nil
}

// tryClaimRun attempts a claim scoped to a single run, under that run's lock.
func (e *Engine) tryClaimRun(ctx context.Context, runID, agentID, runToken string) (ClaimResult, bool, error) {
	release := e.locks.Acquire(runID)
	defer release()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return ClaimResult{}, false, nil // run vanished between list and lock; skip it
	}
	if run.Status != workflowtypes.RunStatusRunning {
		return ClaimResult{}, false, nil
	}
	if runToken != "" && subtle.ConstantTimeCompare([]byte(run.RunToken), []byte(runToken)) != 1 {
		return ClaimResult{}, false, nil
	}

	now := e.now()
	result, claimed, mutated := claimWithinRun(run, agentID, now)
	if mutated {
		run.UpdatedAt = now
		if err := e.store.SaveRun(ctx, run); err != nil {
			return ClaimResult{}, false, fmt.Errorf("engine: save run %s: %w", runID, err)
		}
	}
	return result, claimed, nil
}

// claimWithinRun scans run for a step claimable by agentID, auto-advancing
// any exhausted loop steps it passes over. mutated reports whether run was
// changed (auto-advance, claim, or both) and therefore needs saving.
func claimWithinRun(run *workflowtypes.Run, agentID string, now time.Time) (result ClaimResult, claimed bool, mutated bool) {
	for {
		step := firstPendingStepForAgent(run, agentID)
		if step == nil {
			return ClaimResult{}, false, mutated
		}

		if step.Type == workflowtypes.StepTypeLoop && firstPendingStory(run) == nil {
			step.Status = workflowtypes.RunStepStatusDone
			step.UpdatedAt = now
			advancePipeline(run, now)
			mutated = true
			continue
		}

		if step.Type == workflowtypes.StepTypeLoop {
			story := firstPendingStory(run)
			story.Status = workflowtypes.StoryStatusRunning
			story.UpdatedAt = now
			step.Status = workflowtypes.RunStepStatusRunning
			step.CurrentStoryID = story.ID
			step.UpdatedAt = now
			enrichLoopContext(run, story)
		} else {
			step.Status = workflowtypes.RunStepStatusRunning
			step.UpdatedAt = now
		}

		resolved := template.Resolve(step.InputTemplate, run.Context)
		return ClaimResult{
			Found:         true,
			StepID:        step.ID,
			RunID:         run.ID,
			ResolvedInput: resolved,
		}, true, true
	}
}

// firstPendingStepForAgent returns the first RunStep (by stepIndex) bound to
// agentID and currently pending.
func firstPendingStepForAgent(run *workflowtypes.Run, agentID string) *workflowtypes.RunStep {
	for _, s := range run.Steps {
		if s.AgentID == agentID && s.Status == workflowtypes.RunStepStatusPending {
			return s
		}
	}
	return nil
}

// advancePipeline flips the first waiting step to pending, or completes the
// run if none remain.
func advancePipeline(run *workflowtypes.Run, now time.Time) {
	for _, s := range run.Steps {
		if s.Status == workflowtypes.RunStepStatusWaiting {
			s.Status = workflowtypes.RunStepStatusPending
			s.UpdatedAt = now
			return
		}
	}
	run.Status = workflowtypes.RunStatusCompleted
	metrics.RunsTotal.WithLabelValues(string(workflowtypes.RunStatusCompleted)).Inc()
	metrics.ActiveRuns.Dec()
}
