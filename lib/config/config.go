// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for Arbor
// components.
//
// Configuration is loaded from a single file specified by either the
// ARBOR_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This keeps configuration deterministic
// and auditable with no hidden overrides.
//
// All durations in the file use Go duration syntax ("45s", "10m").
// Zero values are replaced by the defaults from [Default].
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the Arbor server.
type Config struct {
	// Listen is the address the WebSocket server binds to.
	Listen string `yaml:"listen"`

	// Store configures message persistence.
	Store StoreConfig `yaml:"store"`

	// Limits configures inbound traffic controls.
	Limits LimitsConfig `yaml:"limits"`

	// Timeouts configures liveness and task deadlines.
	Timeouts TimeoutsConfig `yaml:"timeouts"`
}

// StoreConfig selects and parameterizes the persistence backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres". Memory is for
	// development and tests only: it loses everything on restart.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file (backend=sqlite).
	Path string `yaml:"path"`

	// DSN is the Postgres connection string (backend=postgres).
	DSN string `yaml:"dsn"`
}

// LimitsConfig configures per-session traffic controls.
type LimitsConfig struct {
	// SendPerWindow is the message-send ceiling per rate-limit window.
	SendPerWindow int `yaml:"send_per_window"`

	// Window is the rate-limit window length.
	Window time.Duration `yaml:"window"`

	// SyncBatch is the maximum number of missed messages returned per
	// conversation in a sync response. Gaps larger than this are
	// truncated and flagged for a paginated history pull.
	SyncBatch int `yaml:"sync_batch"`
}

// TimeoutsConfig configures liveness and task deadlines.
type TimeoutsConfig struct {
	// Heartbeat is how long a connection may stay silent (no frames,
	// no pings) before the server declares it dead.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// AgentAuth is how long an agent bridge connection may exist
	// before completing authentication.
	AgentAuth time.Duration `yaml:"agent_auth"`

	// TaskIdle is how long a task may go without chunks or heartbeats
	// before it is errored out.
	TaskIdle time.Duration `yaml:"task_idle"`
}

// Default returns a Config with development defaults.
func Default() Config {
	return Config{
		Listen: "127.0.0.1:8800",
		Store: StoreConfig{
			Backend: "memory",
		},
		Limits: LimitsConfig{
			SendPerWindow: 60,
			Window:        60 * time.Second,
			SyncBatch:     200,
		},
		Timeouts: TimeoutsConfig{
			Heartbeat: 45 * time.Second,
			AgentAuth: 10 * time.Second,
			TaskIdle:  10 * time.Minute,
		},
	}
}

// Load reads the config file named by the ARBOR_CONFIG environment
// variable. Returns Default() when the variable is unset.
func Load() (Config, error) {
	path := os.Getenv("ARBOR_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates the config file at path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults replaces zero values with defaults so a sparse file
// only needs to name what it changes.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Store.Backend == "" {
		c.Store.Backend = def.Store.Backend
	}
	if c.Limits.SendPerWindow <= 0 {
		c.Limits.SendPerWindow = def.Limits.SendPerWindow
	}
	if c.Limits.Window <= 0 {
		c.Limits.Window = def.Limits.Window
	}
	if c.Limits.SyncBatch <= 0 {
		c.Limits.SyncBatch = def.Limits.SyncBatch
	}
	if c.Timeouts.Heartbeat <= 0 {
		c.Timeouts.Heartbeat = def.Timeouts.Heartbeat
	}
	if c.Timeouts.AgentAuth <= 0 {
		c.Timeouts.AgentAuth = def.Timeouts.AgentAuth
	}
	if c.Timeouts.TaskIdle <= 0 {
		c.Timeouts.TaskIdle = def.Timeouts.TaskIdle
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}
