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
	"strings"
	"time"

	"github.com/tombee/workflowengine/internal/metrics"
	"github.com/tombee/workflowengine/internal/storyparser"
	wferrors "github.com/tombee/workflowengine/pkg/errors"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// CompleteResult is the outcome of a completed step.
type CompleteResult struct {
	Advanced     bool `json:"advanced"`
	RunCompleted bool `json:"runCompleted"`
}

// CompleteStep folds an agent's step output into the owning run: merges
// KEY: value context lines, attempts to parse a STORIES_JSON block, and
// dispatches by step kind (loop iteration, verify step, or plain step) to
// decide how the pipeline advances. Exactly one SaveRun commits the result.
func (e *Engine) CompleteStep(ctx context.Context, stepID, output string) (CompleteResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CompleteStep")
	defer span.End()

	runID, err := e.findRunIDForStep(ctx, stepID)
	if err != nil {
		return CompleteResult{}, err
	}

	release := e.locks.Acquire(runID)
	defer release()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return CompleteResult{}, err
	}
	if run.Status != workflowtypes.RunStatusRunning {
		return CompleteResult{}, notRunning("run", runID, run, "complete")
	}

	step := findStepByID(run, stepID)
	if step == nil {
		return CompleteResult{}, &wferrors.NotFoundError{Resource: "step", ID: stepID}
	}

	mergeContextLines(run, output)
	now := e.now()
	result := e.applyCompletion(run, step, output, now)

	run.UpdatedAt = now
	if err := e.store.SaveRun(ctx, run); err != nil {
		return CompleteResult{}, fmt.Errorf("engine: save run %s: %w", runID, err)
	}
	if isTerminal(run.Status) {
		e.locks.Purge(runID)
	}
	return result, nil
}

// applyCompletion mutates run and step per §4.4.3's dispatch and returns the
// resulting CompleteResult. It never saves; the caller owns persistence.
func (e *Engine) applyCompletion(run *workflowtypes.Run, step *workflowtypes.RunStep, output string, now time.Time) CompleteResult {
	stories, err := storyparser.ParseStories(output)
	if err != nil {
		// Malformed STORIES_JSON is terminal for the step and the run: the
		// defect is in the agent's payload shape, not a transient failure,
		// so it is never retried.
		step.Status = workflowtypes.RunStepStatusFailed
		step.Output = fmt.Sprintf("story parse error: %v", err)
		step.UpdatedAt = now
		run.Status = workflowtypes.RunStatusFailed
		metrics.StepsFailedTotal.WithLabelValues(step.StepID).Inc()
		metrics.RunsTotal.WithLabelValues(string(workflowtypes.RunStatusFailed)).Inc()
		metrics.ActiveRuns.Dec()
		return CompleteResult{}
	}
	if len(stories) > 0 {
		e.appendStories(run, stories)
	}

	if step.Type == workflowtypes.StepTypeLoop && step.CurrentStoryID != "" {
		return e.completeLoopIteration(run, step, output, now)
	}
	if loopStep := findLoopStepForVerify(run, step.StepID); loopStep != nil {
		return e.completeVerifyStep(run, step, loopStep, output, now)
	}
	return e.completePlainStep(run, step, output, now)
}

// completeLoopIteration handles a loop step completing the story it was
// actively processing (§4.4.3.4.a).
func (e *Engine) completeLoopIteration(run *workflowtypes.Run, step *workflowtypes.RunStep, output string, now time.Time) CompleteResult {
	story := findStoryByID(run, step.CurrentStoryID)
	story.Status = workflowtypes.StoryStatusDone
	story.Output = output
	story.UpdatedAt = now

	step.CurrentStoryID = ""
	step.Output = output
	step.UpdatedAt = now

	if step.LoopConfig != nil && step.LoopConfig.VerifyEach && step.LoopConfig.VerifyStep != "" {
		if verifyStep := findStepByStepDefID(run, step.LoopConfig.VerifyStep); verifyStep != nil {
			verifyStep.Status = workflowtypes.RunStepStatusPending
			verifyStep.UpdatedAt = now
		}
		// The loop step stays running while the verify step fires; the
		// pipeline has not moved.
		return CompleteResult{}
	}

	if hasPendingStories(run) {
		step.Status = workflowtypes.RunStepStatusPending
		return CompleteResult{}
	}

	step.Status = workflowtypes.RunStepStatusDone
	metrics.StepsCompletedTotal.WithLabelValues(step.StepID).Inc()
	advancePipeline(run, now)
	return CompleteResult{Advanced: true, RunCompleted: run.Status == workflowtypes.RunStatusCompleted}
}

// findLoopStepForVerify returns the currently-running loop step whose
// loopConfig.verifyStep names verifyStepDefID, identifying a step completion
// as a verify-each callback rather than a plain step (§4.4.3.4.b).
func findLoopStepForVerify(run *workflowtypes.Run, verifyStepDefID string) *workflowtypes.RunStep {
	for _, s := range run.Steps {
		if s.Type == workflowtypes.StepTypeLoop &&
			s.LoopConfig != nil &&
			s.LoopConfig.VerifyStep == verifyStepDefID &&
			s.Status == workflowtypes.RunStepStatusRunning {
			return s
		}
	}
	return nil
}

// completeVerifyStep handles a verify-each agent reporting on the iteration
// it just checked (§4.4.3.4.b). The verify step always returns to waiting so
// it can fire again on a later iteration.
func (e *Engine) completeVerifyStep(run *workflowtypes.Run, verifyStep, loopStep *workflowtypes.RunStep, output string, now time.Time) CompleteResult {
	verifyStep.Status = workflowtypes.RunStepStatusWaiting
	verifyStep.Output = output
	verifyStep.UpdatedAt = now

	if strings.ToLower(run.Context["status"]) == "retry" {
		story := mostRecentlyUpdatedDoneStory(run)
		story.RetryCount++
		story.UpdatedAt = now
		metrics.RetriesTotal.WithLabelValues("story").Inc()

		if story.RetryCount >= story.MaxRetries {
			story.Status = workflowtypes.StoryStatusFailed
			loopStep.Status = workflowtypes.RunStepStatusFailed
			loopStep.UpdatedAt = now
			run.Status = workflowtypes.RunStatusFailed
			metrics.StepsFailedTotal.WithLabelValues(loopStep.StepID).Inc()
			metrics.RunsTotal.WithLabelValues(string(workflowtypes.RunStatusFailed)).Inc()
			metrics.ActiveRuns.Dec()
			return CompleteResult{}
		}

		story.Status = workflowtypes.StoryStatusPending
		loopStep.Status = workflowtypes.RunStepStatusPending
		loopStep.UpdatedAt = now
		return CompleteResult{}
	}

	delete(run.Context, ctxKeyVerifyFeedback)

	if hasPendingStories(run) {
		loopStep.Status = workflowtypes.RunStepStatusPending
		loopStep.UpdatedAt = now
		return CompleteResult{}
	}

	loopStep.Status = workflowtypes.RunStepStatusDone
	loopStep.UpdatedAt = now
	metrics.StepsCompletedTotal.WithLabelValues(loopStep.StepID).Inc()
	advancePipeline(run, now)
	return CompleteResult{Advanced: true, RunCompleted: run.Status == workflowtypes.RunStatusCompleted}
}

// completePlainStep handles a single-type step, or a loop step that reached
// here outside an active story iteration (§4.4.3.4.c).
func (e *Engine) completePlainStep(run *workflowtypes.Run, step *workflowtypes.RunStep, output string, now time.Time) CompleteResult {
	step.Status = workflowtypes.RunStepStatusDone
	step.Output = output
	step.UpdatedAt = now
	metrics.StepsCompletedTotal.WithLabelValues(step.StepID).Inc()
	advancePipeline(run, now)
	return CompleteResult{Advanced: true, RunCompleted: run.Status == workflowtypes.RunStatusCompleted}
}

// appendStories turns parsed story payloads into run-scoped Story records,
// contiguing storyIndex after any stories already on the run.
func (e *Engine) appendStories(run *workflowtypes.Run, parsed []storyparser.ParsedStory) {
	base := len(run.Stories)
	now := e.now()
	for i, p := range parsed {
		run.Stories = append(run.Stories, &workflowtypes.Story{
			ID:                 fmt.Sprintf("%s-story-%d", run.ID, base+i),
			RunID:              run.ID,
			StoryIndex:         base + i,
			StoryID:            p.StoryID,
			Title:              p.Title,
			Description:        p.Description,
			AcceptanceCriteria: p.AcceptanceCriteria,
			Status:             workflowtypes.StoryStatusPending,
			MaxRetries:         workflowtypes.DefaultMaxRetries,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}
}
