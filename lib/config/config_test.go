// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbor.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadFileSparseOverrides(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
listen: "0.0.0.0:9000"
timeouts:
  heartbeat: 20s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen: got %q, want 0.0.0.0:9000", cfg.Listen)
	}
	if cfg.Timeouts.Heartbeat != 20*time.Second {
		t.Errorf("Heartbeat: got %v, want 20s", cfg.Timeouts.Heartbeat)
	}
	// Untouched fields keep their defaults.
	if cfg.Limits.SendPerWindow != 60 {
		t.Errorf("SendPerWindow: got %d, want default 60", cfg.Limits.SendPerWindow)
	}
	if cfg.Timeouts.TaskIdle != 10*time.Minute {
		t.Errorf("TaskIdle: got %v, want default 10m", cfg.Timeouts.TaskIdle)
	}
}

func TestLoadFileSQLiteRequiresPath(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
store:
  backend: sqlite
`)

	_, err := LoadFile(path)
	if err == nil || !strings.Contains(err.Error(), "store.path") {
		t.Errorf("LoadFile: got %v, want store.path error", err)
	}
}

func TestLoadFileUnknownBackend(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
store:
  backend: cassandra
`)

	_, err := LoadFile(path)
	if err == nil || !strings.Contains(err.Error(), "unknown store backend") {
		t.Errorf("LoadFile: got %v, want unknown backend error", err)
	}
}

func TestLoadWithoutEnvironment(t *testing.T) {
	// Not parallel: mutates the process environment.
	t.Setenv("ARBOR_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Backend: got %q, want memory default", cfg.Store.Backend)
	}
}
