// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Mailbox.LockRetries != 5 {
		t.Errorf("expected lock_retries=5, got %d", cfg.Mailbox.LockRetries)
	}
	if cfg.Spool.MaxRetries != 10 {
		t.Errorf("expected max_retries=10, got %d", cfg.Spool.MaxRetries)
	}
	if cfg.Watcher.Mode != "auto" {
		t.Errorf("expected watcher mode=auto, got %s", cfg.Watcher.Mode)
	}
	if cfg.Bridge.FailureThreshold != 5 {
		t.Errorf("expected failure_threshold=5, got %d", cfg.Bridge.FailureThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_RequiresMailroomConfig(t *testing.T) {
	origConfig := os.Getenv("MAILROOM_CONFIG")
	defer os.Setenv("MAILROOM_CONFIG", origConfig)

	os.Unsetenv("MAILROOM_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when MAILROOM_CONFIG not set, got nil")
	}
	if !strings.Contains(err.Error(), "MAILROOM_CONFIG environment variable not set") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "mailroom.yaml")

	configContent := `
paths:
  teams: /custom/teams

mailbox:
  lock_retries: 8
  lock_stale_after: 45s

plugins:
  - bridge
  - ci-monitor

bridge:
  transport: ssh
  remote_addr: peer.example.com:22
  remote_user: mailroom
  key_file: /custom/key
  known_hosts_file: /custom/known_hosts

roster:
  cleanup_mode: remove_inbox
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.Teams != "/custom/teams" {
		t.Errorf("expected teams=/custom/teams, got %s", cfg.Paths.Teams)
	}
	if cfg.Mailbox.LockRetries != 8 {
		t.Errorf("expected lock_retries=8, got %d", cfg.Mailbox.LockRetries)
	}
	if len(cfg.Plugins) != 2 || cfg.Plugins[0] != "bridge" {
		t.Errorf("unexpected plugins: %v", cfg.Plugins)
	}
	if cfg.Bridge.Transport != "ssh" {
		t.Errorf("expected transport=ssh, got %s", cfg.Bridge.Transport)
	}
	// Unset sections keep their defaults.
	if cfg.Spool.MaxRetries != 10 {
		t.Errorf("expected default max_retries=10, got %d", cfg.Spool.MaxRetries)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadFile_ExpandsVariables(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "mailroom.yaml")

	configContent := `
paths:
  teams: ${HOME}/mailroom/teams
  spool: ${UNSET_TEST_VAR:-/fallback}/spool
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	home := os.Getenv("HOME")
	if cfg.Paths.Teams != home+"/mailroom/teams" {
		t.Errorf("expected HOME expansion, got %s", cfg.Paths.Teams)
	}
	if cfg.Paths.Spool != "/fallback/spool" {
		t.Errorf("expected default expansion, got %s", cfg.Paths.Spool)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "missing teams path",
			mutate:  func(c *Config) { c.Paths.Teams = "" },
			wantMsg: "paths.teams is required",
		},
		{
			name:    "zero lock retries",
			mutate:  func(c *Config) { c.Mailbox.LockRetries = 0 },
			wantMsg: "mailbox.lock_retries",
		},
		{
			name:    "bad watcher mode",
			mutate:  func(c *Config) { c.Watcher.Mode = "epoll" },
			wantMsg: "watcher.mode",
		},
		{
			name: "ssh without remote addr",
			mutate: func(c *Config) {
				c.Bridge.Transport = "ssh"
				c.Bridge.KeyFile = "/k"
			},
			wantMsg: "bridge.remote_addr",
		},
		{
			name:    "bad cleanup mode",
			mutate:  func(c *Config) { c.Roster.CleanupMode = "purge" },
			wantMsg: "roster.cleanup_mode",
		},
		{
			name:    "malformed duration",
			mutate:  func(c *Config) { c.Spool.DrainInterval = "soon" },
			wantMsg: "spool.drain_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", 7*time.Second); got != 7*time.Second {
		t.Errorf("empty value: got %v, want fallback", got)
	}
	if got := Duration("150ms", time.Second); got != 150*time.Millisecond {
		t.Errorf("parsed value: got %v", got)
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := Default()
	cfg.Paths.Teams = filepath.Join(tmpDir, "teams")
	cfg.Paths.Spool = filepath.Join(tmpDir, "spool")
	cfg.Paths.Archives = filepath.Join(tmpDir, "archives")
	cfg.Paths.State = filepath.Join(tmpDir, "state")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}
	for _, path := range []string{cfg.Paths.Teams, cfg.Paths.Spool, cfg.Paths.Archives, cfg.Paths.State} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("missing directory %s: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", path)
		}
	}
}
