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

// Package tracing wires the engine's operations into OpenTelemetry traces
// and exposes engine counters through a Prometheus /metrics endpoint.
package tracing

import "time"

// Config holds observability configuration for the engine daemon.
type Config struct {
	// Enabled activates the tracer/meter provider. When false, Provider
	// methods are no-ops and Tracer() returns a no-op tracer.
	Enabled bool

	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// Sampling controls which traces are recorded.
	Sampling SamplingConfig

	// OTLPEndpoint, when set, exports spans to an OTLP/HTTP collector at
	// this address in addition to the Prometheus metrics registry.
	OTLPEndpoint string

	// ConsoleExport writes spans to stdout, useful for local debugging.
	ConsoleExport bool

	// BatchTimeout is how often to flush the OTLP batch span processor.
	BatchTimeout time.Duration
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Enabled activates ratio-based sampling (default: false - sample all).
	Enabled bool

	// Rate is the fraction of traces to sample (0.0 - 1.0).
	Rate float64

	// AlwaysSampleErrors is carried in the configuration, but NewProvider
	// does not read it: error traces are sampled by Rate like any other.
	AlwaysSampleErrors bool
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "workflowengine",
		ServiceVersion: "unknown",
		Sampling: SamplingConfig{
			Enabled:            false,
			Rate:               1.0,
			AlwaysSampleErrors: true,
		},
		BatchTimeout: 5 * time.Second,
	}
}
