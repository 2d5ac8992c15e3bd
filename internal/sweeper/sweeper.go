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

// Package sweeper reclaims RunSteps abandoned by a disappeared agent. It is
// operator tooling layered on top of the engine, not part of the state
// machine itself: the engine never times out a step on its own initiative,
// so without a sweeper a stuck step would wait forever.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tombee/workflowengine/internal/engine"
	"github.com/tombee/workflowengine/internal/metrics"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// DefaultCronExpr runs the sweep every 30 seconds.
const DefaultCronExpr = "@every 30s"

// DefaultStaleAfter is how long a RunStep may sit in running with no
// completing/failing call before the sweeper reclaims it.
const DefaultStaleAfter = 15 * time.Minute

// Config configures a Sweeper.
type Config struct {
	// CronExpr schedules the sweep tick, in robfig/cron's extended format
	// (standard 5-field, "@every <duration>", or the "@hourly" etc. aliases).
	CronExpr string

	// StaleAfter is the minimum time since a running RunStep's UpdatedAt
	// before the sweeper reclaims it.
	StaleAfter time.Duration
}

// withDefaults returns a copy of cfg with zero fields replaced by defaults.
func (cfg Config) withDefaults() Config {
	if cfg.CronExpr == "" {
		cfg.CronExpr = DefaultCronExpr
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return cfg
}

// Sweeper periodically scans running runs for a step stuck running past the
// staleness threshold and fails it, freeing the run to retry or terminate
// through the engine's normal FailStep path.
type Sweeper struct {
	cfg    Config
	engine *engine.Engine
	log    *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New builds a Sweeper backed by e. Start must be called to begin ticking.
func New(e *engine.Engine, cfg Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		cfg:    cfg.withDefaults(),
		engine: e,
		log:    log.With(slog.String("component", "sweeper")),
	}
}

// Start schedules the sweep on the configured cron expression. It is a
// no-op if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.CronExpr, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("sweeper: invalid cron expression %q: %w", s.cfg.CronExpr, err)
	}
	c.Start()

	s.cron = c
	s.running = true
	return nil
}

// Stop halts the scheduled sweep and waits for any in-flight tick to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	<-c.Stop().Done()
}

// Sweep runs one scan over every running run, reclaiming at most one stale
// step per run, and is exported so tests (and a manually-triggered operator
// sweep) can invoke it directly without waiting on the cron schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	metrics.SweepsTotal.Inc()

	summaries, err := s.engine.ListRuns(ctx, workflowtypes.RunFilter{Status: workflowtypes.RunStatusRunning})
	if err != nil {
		s.log.Error("list running runs", slog.Any("error", err))
		return
	}

	threshold := s.cfg.StaleAfter
	for _, sum := range summaries {
		s.sweepRun(ctx, sum.ID, threshold)
	}
}

// sweepRun re-fetches the full run (ListRuns only returns summaries) and
// fails the one running step, if any, whose UpdatedAt predates the
// staleness threshold measured from the moment of this check.
func (s *Sweeper) sweepRun(ctx context.Context, runID string, staleAfter time.Duration) {
	run, err := s.engine.GetRun(ctx, runID)
	if err != nil {
		s.log.Error("get run", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	if run.Status != workflowtypes.RunStatusRunning {
		return // raced with a concurrent pause/cancel/complete; nothing to do
	}

	cutoff := time.Now().Add(-staleAfter)
	var stale *workflowtypes.RunStep
	for _, step := range run.Steps {
		if step.Status == workflowtypes.RunStepStatusRunning && step.UpdatedAt.Before(cutoff) {
			stale = step
			break
		}
	}
	if stale == nil {
		return
	}

	reason := fmt.Sprintf("step timed out: no agent activity within %s", staleAfter)
	if _, err := s.engine.FailStep(ctx, stale.ID, reason); err != nil {
		s.log.Error("reclaim stale step",
			slog.String("run_id", runID), slog.String("step_id", stale.ID), slog.Any("error", err))
		return
	}

	metrics.StaleStepsReclaimedTotal.WithLabelValues(stale.StepID).Inc()
	s.log.Warn("reclaimed stale step",
		slog.String("run_id", runID), slog.String("step_id", stale.ID),
		slog.Duration("stale_for", time.Since(stale.UpdatedAt)))
}
