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

// Package metrics holds the engine's Prometheus collectors. They register
// against the default registry at package init, the same registry the
// OTel Prometheus exporter in internal/tracing publishes from, so a single
// /metrics endpoint serves both.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimsTotal counts claim attempts by agent and outcome ("found", "empty").
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowengine_claims_total",
			Help: "Total claim attempts by agent id and outcome",
		},
		[]string{"agent_id", "outcome"},
	)

	// StepsCompletedTotal counts steps that reached done via complete().
	StepsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowengine_steps_completed_total",
			Help: "Total steps marked done",
		},
		[]string{"step_id"},
	)

	// StepsFailedTotal counts steps that reached failed, whether via fail()
	// or via a retry bound being exceeded.
	StepsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowengine_steps_failed_total",
			Help: "Total steps marked failed",
		},
		[]string{"step_id"},
	)

	// RetriesTotal counts every retry issued, for a step or for a story
	// within a loop step.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowengine_retries_total",
			Help: "Total retries issued by scope (step, story)",
		},
		[]string{"scope"},
	)

	// RunsTotal counts runs reaching a terminal status (completed, failed,
	// cancelled); pausing a run is not counted.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowengine_runs_total",
			Help: "Total runs by resulting status",
		},
		[]string{"status"},
	)

	// ActiveRuns tracks the current number of runs in status running.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflowengine_active_runs",
			Help: "Current number of runs in status running",
		},
	)

	// SweepsTotal counts sweeper tick executions.
	SweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflowengine_sweeps_total",
			Help: "Total sweeper ticks executed",
		},
	)

	// StaleStepsReclaimedTotal counts steps the sweeper failed for staleness.
	StaleStepsReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowengine_stale_steps_reclaimed_total",
			Help: "Total steps failed by the sweeper for exceeding the staleness threshold",
		},
		[]string{"step_id"},
	)
)
