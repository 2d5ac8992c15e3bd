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

// Package workflowtypes defines the data model shared by the engine, the
// storage backends, and the HTTP surface: workflow definitions, runs, the
// per-run steps cloned from them, and the stories a loop step iterates over.
package workflowtypes

import "time"

// StepType discriminates a StepDef/RunStep between a plain single-shot step
// and a loop step that iterates over stories.
type StepType string

const (
	StepTypeSingle StepType = "single"
	StepTypeLoop   StepType = "loop"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunStepStatus is the lifecycle state of a single RunStep.
type RunStepStatus string

const (
	RunStepStatusWaiting RunStepStatus = "waiting"
	RunStepStatusPending RunStepStatus = "pending"
	RunStepStatusRunning RunStepStatus = "running"
	RunStepStatusDone    RunStepStatus = "done"
	RunStepStatusFailed  RunStepStatus = "failed"
)

// StoryStatus is the lifecycle state of a Story within a loop step.
type StoryStatus string

const (
	StoryStatusPending StoryStatus = "pending"
	StoryStatusRunning StoryStatus = "running"
	StoryStatusDone     StoryStatus = "done"
	StoryStatusFailed   StoryStatus = "failed"
)

// LoopConfig configures a loop-type step. Over is currently always
// "stories"; it is kept as a string rather than an enum so storage can
// round-trip future iteration sources without a schema change.
type LoopConfig struct {
	Over       string `json:"over"`
	VerifyEach bool   `json:"verifyEach,omitempty"`
	VerifyStep string `json:"verifyStep,omitempty"`
}

// Clone returns a deep copy, or nil if c is nil.
func (c *LoopConfig) Clone() *LoopConfig {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// StepDef is one step of a WorkflowDef. It is a tagged variant: Type
// discriminates whether LoopConfig is meaningful, rather than using separate
// Go types per step kind.
type StepDef struct {
	ID            string      `json:"id"`
	AgentID       string      `json:"agentId"`
	InputTemplate string      `json:"inputTemplate"`
	Expects       string      `json:"expects,omitempty"`
	Type          StepType    `json:"type"`
	LoopConfig    *LoopConfig `json:"loopConfig,omitempty"`
	MaxRetries    int         `json:"maxRetries"`
}

// DefaultMaxRetries is applied to a StepDef whose MaxRetries is unset (zero value).
const DefaultMaxRetries = 2

// WorkflowDef is an operator-authored workflow: an ordered list of steps.
// It is immutable once a Run has started against it — the Run clones every
// field it needs into its own RunSteps.
type WorkflowDef struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Steps       []StepDef `json:"steps"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the definition.
func (d *WorkflowDef) Clone() *WorkflowDef {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Steps = make([]StepDef, len(d.Steps))
	for i, s := range d.Steps {
		sc := s
		sc.LoopConfig = s.LoopConfig.Clone()
		cp.Steps[i] = sc
	}
	return &cp
}

// Story is one unit of work produced by a STORIES_JSON block and consumed by
// a later loop step, one story at a time.
type Story struct {
	ID                 string      `json:"id"`
	RunID              string      `json:"runId"`
	StoryIndex         int         `json:"storyIndex"`
	StoryID            string      `json:"storyId"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	AcceptanceCriteria []string    `json:"acceptanceCriteria"`
	Status             StoryStatus `json:"status"`
	Output             string      `json:"output,omitempty"`
	RetryCount         int         `json:"retryCount"`
	MaxRetries         int         `json:"maxRetries"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy of the story.
func (s *Story) Clone() *Story {
	if s == nil {
		return nil
	}
	cp := *s
	cp.AcceptanceCriteria = append([]string(nil), s.AcceptanceCriteria...)
	return &cp
}

// RunStep is a StepDef's per-run instance: a mutable copy of the definition
// fields plus execution state. Exactly one RunStep per running Run may be in
// RunStepStatusRunning at a time.
type RunStep struct {
	ID             string        `json:"id"`
	RunID          string        `json:"runId"`
	StepID         string        `json:"stepId"`
	AgentID        string        `json:"agentId"`
	StepIndex      int           `json:"stepIndex"`
	InputTemplate  string        `json:"inputTemplate"`
	Type           StepType      `json:"type"`
	LoopConfig     *LoopConfig   `json:"loopConfig,omitempty"`
	Status         RunStepStatus `json:"status"`
	Output         string        `json:"output,omitempty"`
	RetryCount     int           `json:"retryCount"`
	MaxRetries     int           `json:"maxRetries"`
	CurrentStoryID string        `json:"currentStoryId,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the step.
func (s *RunStep) Clone() *RunStep {
	if s == nil {
		return nil
	}
	cp := *s
	cp.LoopConfig = s.LoopConfig.Clone()
	return &cp
}

// Run is a single execution of a WorkflowDef. The engine is the only writer;
// every engine method that mutates a Run does so under that run's keyed lock
// (see internal/engine/runlock.go) and ends with exactly one SaveRun.
type Run struct {
	ID           string            `json:"id"`
	WorkflowID   string            `json:"workflowId"`
	WorkflowName string            `json:"workflowName"`
	Task         string            `json:"task"`
	Status       RunStatus         `json:"status"`
	Context      map[string]string `json:"context"`
	RunToken     string            `json:"runToken"`
	Steps        []*RunStep        `json:"steps"`
	Stories      []*Story          `json:"stories"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the run, so callers can mutate the result
// without corrupting the engine's or storage's internal state.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Context = make(map[string]string, len(r.Context))
	for k, v := range r.Context {
		cp.Context[k] = v
	}
	cp.Steps = make([]*RunStep, len(r.Steps))
	for i, s := range r.Steps {
		cp.Steps[i] = s.Clone()
	}
	cp.Stories = make([]*Story, len(r.Stories))
	for i, s := range r.Stories {
		cp.Stories[i] = s.Clone()
	}
	return &cp
}

// RunFilter narrows ListRuns results. A zero-value field means "any".
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
}

// StoryProgress summarizes how many of a run's stories have completed.
type StoryProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// RunSummary is the listing-friendly projection of a Run returned by
// ListRuns, omitting the full step/story/context payload.
type RunSummary struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflowId"`
	WorkflowName  string         `json:"workflowName"`
	Task          string         `json:"task"`
	Status        RunStatus      `json:"status"`
	StepCount     int            `json:"stepCount"`
	CurrentStep   string         `json:"currentStep,omitempty"`
	StoryProgress *StoryProgress `json:"storyProgress,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Summarize projects a Run into its listing-friendly RunSummary.
func Summarize(r *Run) RunSummary {
	sum := RunSummary{
		ID:           r.ID,
		WorkflowID:   r.WorkflowID,
		WorkflowName: r.WorkflowName,
		Task:         r.Task,
		Status:       r.Status,
		StepCount:    len(r.Steps),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}

	for _, s := range r.Steps {
		if s.Status == RunStepStatusPending || s.Status == RunStepStatusRunning {
			sum.CurrentStep = s.StepID
			break
		}
	}

	if len(r.Stories) > 0 {
		prog := &StoryProgress{Total: len(r.Stories)}
		for _, s := range r.Stories {
			if s.Status == StoryStatusDone {
				prog.Done++
			}
		}
		sum.StoryProgress = prog
	}

	return sum
}
