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

package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workflowengine/internal/engine"
	"github.com/tombee/workflowengine/internal/store"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

func newTestEnv(t *testing.T) (*store.LocalStore, *engine.Engine) {
	t.Helper()
	s, err := store.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, engine.New(s)
}

func testDef() *workflowtypes.WorkflowDef {
	return &workflowtypes.WorkflowDef{
		ID:   "linear",
		Name: "Linear",
		Steps: []workflowtypes.StepDef{
			{ID: "plan", AgentID: "planner", InputTemplate: "plan: {{task}}", Type: workflowtypes.StepTypeSingle, MaxRetries: 1},
			{ID: "build", AgentID: "builder", InputTemplate: "build: {{task}}", Type: workflowtypes.StepTypeSingle},
		},
	}
}

// backdateRunningStep claims a step on behalf of agentID then rewrites its
// UpdatedAt directly through storage, simulating a step that has sat running
// for longer than any staleness threshold without the agent ever reporting
// back through Complete or Fail.
func backdateRunningStep(t *testing.T, ctx context.Context, s *store.LocalStore, e *engine.Engine, runID, agentID string, age time.Duration) string {
	t.Helper()
	claim, err := e.ClaimStep(ctx, agentID, "")
	require.NoError(t, err)
	require.True(t, claim.Found)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	for _, step := range run.Steps {
		if step.ID == claim.StepID {
			step.UpdatedAt = time.Now().Add(-age)
		}
	}
	require.NoError(t, s.SaveRun(ctx, run))
	return claim.StepID
}

func TestSweepReclaimsStaleStep(t *testing.T) {
	ctx := context.Background()
	s, e := newTestEnv(t)
	require.NoError(t, e.SaveDef(ctx, testDef()))

	run, err := e.StartRun(ctx, testDef(), "ship it")
	require.NoError(t, err)

	stepID := backdateRunningStep(t, ctx, s, e, run.ID, "planner", time.Hour)

	sw := New(e, Config{StaleAfter: 15 * time.Minute}, nil)
	sw.Sweep(ctx)

	updated, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)
	var found *workflowtypes.RunStep
	for _, st := range updated.Steps {
		if st.ID == stepID {
			found = st
		}
	}
	require.NotNil(t, found)
	// maxRetries is 1, so the single reclaim exhausts retries and fails the run.
	assert.Equal(t, workflowtypes.RunStepStatusFailed, found.Status)
	assert.Equal(t, workflowtypes.RunStatusFailed, updated.Status)
	assert.Contains(t, found.Output, "step timed out")
}

func TestSweepLeavesFreshStepAlone(t *testing.T) {
	ctx := context.Background()
	s, e := newTestEnv(t)
	require.NoError(t, e.SaveDef(ctx, testDef()))

	run, err := e.StartRun(ctx, testDef(), "ship it")
	require.NoError(t, err)

	stepID := backdateRunningStep(t, ctx, s, e, run.ID, "planner", time.Minute)

	sw := New(e, Config{StaleAfter: 15 * time.Minute}, nil)
	sw.Sweep(ctx)

	updated, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)
	for _, st := range updated.Steps {
		if st.ID == stepID {
			assert.Equal(t, workflowtypes.RunStepStatusRunning, st.Status)
		}
	}
	assert.Equal(t, workflowtypes.RunStatusRunning, updated.Status)
}

func TestSweepIgnoresNonRunningRuns(t *testing.T) {
	ctx := context.Background()
	s, e := newTestEnv(t)
	require.NoError(t, e.SaveDef(ctx, testDef()))

	run, err := e.StartRun(ctx, testDef(), "ship it")
	require.NoError(t, err)
	backdateRunningStep(t, ctx, s, e, run.ID, "planner", time.Hour)

	_, err = e.PauseRun(ctx, run.ID)
	require.NoError(t, err)

	sw := New(e, Config{StaleAfter: 15 * time.Minute}, nil)
	sw.Sweep(ctx)

	updated, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflowtypes.RunStatusPaused, updated.Status)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultCronExpr, cfg.CronExpr)
	assert.Equal(t, DefaultStaleAfter, cfg.StaleAfter)
}

func TestStartStop(t *testing.T) {
	_, e := newTestEnv(t)
	sw := New(e, Config{CronExpr: "@every 1h"}, nil)
	require.NoError(t, sw.Start(context.Background()))
	sw.Stop()
}

func TestStartInvalidCronExpr(t *testing.T) {
	_, e := newTestEnv(t)
	sw := New(e, Config{CronExpr: "not a cron expression"}, nil)
	err := sw.Start(context.Background())
	assert.Error(t, err)
}
