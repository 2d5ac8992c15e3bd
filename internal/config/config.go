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

// Package config provides daemon configuration: listener address, storage
// backend selection, sweeper tuning, and logging, loaded from defaults and
// then overridden by WORKFLOWENGINE_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	wferrors "github.com/tombee/workflowengine/pkg/errors"
)

// Config is the complete workflowengined configuration.
type Config struct {
	Listen  ListenConfig
	Backend BackendConfig
	Sweeper SweeperConfig
	Auth    AuthConfig
	Log     LogConfig
}

// ListenConfig configures how the daemon listens for HTTP connections.
type ListenConfig struct {
	// Addr is the TCP address to bind, e.g. ":8080".
	Addr string
}

// BackendConfig selects and configures the storage backend.
type BackendConfig struct {
	// Type is "local" or "s3".
	Type string

	// LocalDir is the directory LocalStore persists under, used when Type
	// is "local".
	LocalDir string

	// S3 configures the S3-compatible backend, used when Type is "s3".
	S3 S3Config
}

// S3Config mirrors internal/store.S3Config; it is kept as a separate type
// here (rather than importing internal/store from internal/config) so
// config has no dependency on the storage implementation, matching the
// teacher's config/implementation layering.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// SweeperConfig tunes the stale-step reclaimer.
type SweeperConfig struct {
	// CronExpr schedules the sweep tick (robfig/cron syntax).
	CronExpr string

	// StaleAfter is how long a step may sit running with no agent activity
	// before the sweeper reclaims it.
	StaleAfter time.Duration
}

// AuthConfig configures per-agent rate limiting on the claim endpoint.
type AuthConfig struct {
	RateLimitEnabled  bool
	RequestsPerSecond float64
	BurstSize         int
}

// LogConfig mirrors internal/log.Config for the same layering reason as
// S3Config above.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Default returns a Config with the engine's out-of-the-box settings: local
// storage under ./data, a disabled rate limiter, and a 15-minute staleness
// threshold swept every 30 seconds.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Addr: ":8080"},
		Backend: BackendConfig{
			Type:     "local",
			LocalDir: "./data",
		},
		Sweeper: SweeperConfig{
			CronExpr:   "@every 30s",
			StaleAfter: 15 * time.Minute,
		},
		Auth: AuthConfig{
			RateLimitEnabled:  false,
			RequestsPerSecond: 10,
			BurstSize:         20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load returns Default() overridden by environment variables, then
// validated.
func Load() (*Config, error) {
	cfg := Default()
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, &wferrors.ConfigError{Key: "validation", Reason: "configuration validation failed", Cause: err}
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("WORKFLOWENGINE_LISTEN_ADDR"); v != "" {
		c.Listen.Addr = v
	}

	if v := os.Getenv("WORKFLOWENGINE_BACKEND"); v != "" {
		c.Backend.Type = strings.ToLower(v)
	}
	if v := os.Getenv("WORKFLOWENGINE_LOCAL_DIR"); v != "" {
		c.Backend.LocalDir = v
	}
	if v := os.Getenv("WORKFLOWENGINE_S3_BUCKET"); v != "" {
		c.Backend.S3.Bucket = v
	}
	if v := os.Getenv("WORKFLOWENGINE_S3_REGION"); v != "" {
		c.Backend.S3.Region = v
	}
	if v := os.Getenv("WORKFLOWENGINE_S3_ENDPOINT"); v != "" {
		c.Backend.S3.Endpoint = v
	}
	if v := os.Getenv("WORKFLOWENGINE_S3_ACCESS_KEY"); v != "" {
		c.Backend.S3.AccessKey = v
	}
	if v := os.Getenv("WORKFLOWENGINE_S3_SECRET_KEY"); v != "" {
		c.Backend.S3.SecretKey = v
	}
	if v := os.Getenv("WORKFLOWENGINE_S3_PATH_STYLE"); v != "" {
		c.Backend.S3.PathStyle = parseBool(v, c.Backend.S3.PathStyle)
	}

	if v := os.Getenv("WORKFLOWENGINE_SWEEPER_CRON"); v != "" {
		c.Sweeper.CronExpr = v
	}
	if v := os.Getenv("WORKFLOWENGINE_SWEEPER_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sweeper.StaleAfter = d
		}
	}

	if v := os.Getenv("WORKFLOWENGINE_RATE_LIMIT_ENABLED"); v != "" {
		c.Auth.RateLimitEnabled = parseBool(v, c.Auth.RateLimitEnabled)
	}
	if v := os.Getenv("WORKFLOWENGINE_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Auth.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("WORKFLOWENGINE_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Auth.BurstSize = n
		}
	}

	debug := os.Getenv("WORKFLOWENGINE_DEBUG")
	if debug == "true" || debug == "1" {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	} else if v := os.Getenv("WORKFLOWENGINE_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("WORKFLOWENGINE_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen addr must not be empty")
	}
	switch c.Backend.Type {
	case "local":
		if c.Backend.LocalDir == "" {
			return fmt.Errorf("local backend requires a directory")
		}
	case "s3":
		if c.Backend.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires a bucket")
		}
	default:
		return fmt.Errorf("unknown backend type %q (want \"local\" or \"s3\")", c.Backend.Type)
	}
	if c.Sweeper.StaleAfter <= 0 {
		return fmt.Errorf("sweeper stale-after duration must be positive")
	}
	return nil
}
