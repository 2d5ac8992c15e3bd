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

	wferrors "github.com/tombee/workflowengine/pkg/errors"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// findRunIDForStep locates the running run that owns the RunStep with the
// given id. complete() and fail() only ever act on a step belonging to a
// running run — anything else is rejected as a not-found, since a step in a
// paused, failed, completed, or cancelled run cannot be legally completed or
// failed anyway.
func (e *Engine) findRunIDForStep(ctx context.Context, stepID string) (string, error) {
	summaries, err := e.store.ListRuns(ctx, workflowtypes.RunFilter{Status: workflowtypes.RunStatusRunning})
	if err != nil {
		return "", fmt.Errorf("engine: list running runs: %w", err)
	}

	for _, sum := range summaries {
		run, err := e.store.GetRun(ctx, sum.ID)
		if err != nil {
			continue
		}
		for _, s := range run.Steps {
			if s.ID == stepID {
				return run.ID, nil
			}
		}
	}

	return "", &wferrors.NotFoundError{Resource: "step", ID: stepID}
}

func findStepByID(run *workflowtypes.Run, stepID string) *workflowtypes.RunStep {
	for _, s := range run.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

func findStepByStepDefID(run *workflowtypes.Run, stepDefID string) *workflowtypes.RunStep {
	for _, s := range run.Steps {
		if s.StepID == stepDefID {
			return s
		}
	}
	return nil
}
