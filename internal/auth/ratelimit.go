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

// Package auth provides bearer-token verification and per-agent rate
// limiting for the workflow engine's agent-facing HTTP endpoints.
package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained poll rate allowed per agent id.
	RequestsPerSecond float64

	// BurstSize is the maximum burst size (token bucket capacity).
	BurstSize int

	// Enabled controls whether rate limiting is active.
	Enabled bool
}

// RateLimiter rate-limits claim polling per agent id using a token-bucket
// limiter per key, so one noisy agent cannot starve the engine's per-run
// locks for others.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	config   RateLimitConfig
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}

	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		config:   cfg,
	}
}

// Allow checks if a request for the given key (agent id, or caller IP for
// endpoints with no agent id yet) is allowed right now.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.config.Enabled {
		return true
	}
	if key == "" {
		key = "_anonymous_"
	}

	rl.mu.Lock()
	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Cleanup removes limiter entries for keys that have not been seen recently,
// bounding memory growth from a long-lived daemon seeing many transient agent ids.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > maxAge {
			delete(rl.limiters, key)
		}
	}
}

// Middleware wraps an http.Handler with per-agent-id rate limiting. The
// agent id is taken from the path segment after "/claim/"; any other path
// falls back to the caller's remote address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := r.PathValue("agentId")
		if key == "" {
			key = r.RemoteAddr
		}

		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ParseRateLimit parses a rate limit string like "100/hour", "10/minute", "5/second"
// and returns requests per second and burst size.
func ParseRateLimit(limit string) (requestsPerSecond float64, burstSize int, err error) {
	if limit == "" {
		return 0, 0, fmt.Errorf("empty rate limit string")
	}

	parts := strings.Split(limit, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate limit format: expected 'count/period' (e.g., '100/hour'), got %q", limit)
	}

	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid count in rate limit %q: %w", limit, err)
	}
	if count <= 0 {
		return 0, 0, fmt.Errorf("rate limit count must be positive, got %d", count)
	}

	period := strings.TrimSpace(strings.ToLower(parts[1]))
	var seconds float64
	switch period {
	case "second", "sec", "s":
		seconds = 1
	case "minute", "min", "m":
		seconds = 60
	case "hour", "hr", "h":
		seconds = 3600
	case "day", "d":
		seconds = 86400
	default:
		return 0, 0, fmt.Errorf("invalid period in rate limit %q: expected second/minute/hour/day, got %q", limit, period)
	}

	burstSize = count
	if burstSize < 1 {
		burstSize = 1
	}
	requestsPerSecond = float64(count) / seconds

	return requestsPerSecond, burstSize, nil
}
