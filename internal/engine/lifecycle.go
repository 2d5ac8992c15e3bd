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

	"github.com/tombee/workflowengine/internal/metrics"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// PauseRun transitions a running run to paused. Pausing a run that is not
// currently running is rejected; the source tolerates calling pause
// redundantly, but this engine treats that ambiguity as a caller bug worth
// surfacing rather than silently accepting it.
func (e *Engine) PauseRun(ctx context.Context, runID string) (*workflowtypes.Run, error) {
	ctx, span := e.tracer.Start(ctx, "engine.PauseRun")
	defer span.End()

	return e.withRun(ctx, runID, func(run *workflowtypes.Run) error {
		if run.Status != workflowtypes.RunStatusRunning {
			return notRunning("run", runID, run, "pause")
		}
		run.Status = workflowtypes.RunStatusPaused
		metrics.ActiveRuns.Dec()
		return nil
	})
}

// ResumeRun transitions a paused or failed run back to running. If a step is
// in failed, it is flipped to pending and its currentStoryId cleared; the
// first failed Story (and only the first) is reset to pending, leaving any
// other failed stories untouched.
func (e *Engine) ResumeRun(ctx context.Context, runID string) (*workflowtypes.Run, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ResumeRun")
	defer span.End()

	return e.withRun(ctx, runID, func(run *workflowtypes.Run) error {
		if run.Status != workflowtypes.RunStatusFailed && run.Status != workflowtypes.RunStatusPaused {
			return notRunning("run", runID, run, "resume")
		}

		now := e.now()
		for _, s := range run.Steps {
			if s.Status == workflowtypes.RunStepStatusFailed {
				s.Status = workflowtypes.RunStepStatusPending
				s.CurrentStoryID = ""
				s.UpdatedAt = now
				break
			}
		}
		for _, s := range run.Stories {
			if s.Status == workflowtypes.StoryStatusFailed {
				s.Status = workflowtypes.StoryStatusPending
				s.UpdatedAt = now
				break
			}
		}

		run.Status = workflowtypes.RunStatusRunning
		metrics.ActiveRuns.Inc()
		return nil
	})
}

// CancelRun unconditionally transitions a run to cancelled.
func (e *Engine) CancelRun(ctx context.Context, runID string) (*workflowtypes.Run, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CancelRun")
	defer span.End()

	return e.withRun(ctx, runID, func(run *workflowtypes.Run) error {
		wasRunning := run.Status == workflowtypes.RunStatusRunning
		run.Status = workflowtypes.RunStatusCancelled
		metrics.RunsTotal.WithLabelValues(string(workflowtypes.RunStatusCancelled)).Inc()
		if wasRunning {
			metrics.ActiveRuns.Dec()
		}
		return nil
	})
}
