// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Mailroom components.
//
// Configuration is loaded from a single YAML file specified by:
//   - MAILROOM_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// The only expansion performed is ${HOME} and similar path variables
// for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the Mailroom daemon.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Mailbox configures inbox locking and write behavior.
	Mailbox MailboxConfig `yaml:"mailbox"`

	// Spool configures the durability spool for failed deliveries.
	Spool SpoolConfig `yaml:"spool"`

	// Watcher configures filesystem change detection.
	Watcher WatcherConfig `yaml:"watcher"`

	// Plugins lists the plugin names to activate, in registration
	// order. Unknown names fail validation at startup.
	Plugins []string `yaml:"plugins"`

	// Bridge configures the cross-host relay plugin.
	Bridge BridgeConfig `yaml:"bridge"`

	// CIMonitor configures the CI pipeline watcher plugin.
	CIMonitor CIMonitorConfig `yaml:"ci_monitor"`

	// Retention configures inbox rotation and archiving.
	Retention RetentionConfig `yaml:"retention"`

	// Roster configures membership tracking.
	Roster RosterConfig `yaml:"roster"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Teams is the root directory holding one subdirectory per team.
	// Each team directory contains config.json and per-agent inboxes.
	Teams string `yaml:"teams"`

	// Spool is where undeliverable messages are queued.
	Spool string `yaml:"spool"`

	// Archives is where rotated inbox segments are written.
	Archives string `yaml:"archives"`

	// State is where plugin and bridge runtime state is stored.
	State string `yaml:"state"`
}

// MailboxConfig configures inbox locking and write behavior.
type MailboxConfig struct {
	// LockRetries is how many times a writer retries lock acquisition
	// before giving up. Backoff doubles each attempt from 50ms.
	LockRetries int `yaml:"lock_retries"`

	// LockStaleAfter is how old a lock marker must be before another
	// writer may reclaim it. Duration string, e.g. "30s".
	LockStaleAfter string `yaml:"lock_stale_after"`
}

// SpoolConfig configures the durability spool.
type SpoolConfig struct {
	// DrainInterval is how often the daemon retries spooled messages.
	DrainInterval string `yaml:"drain_interval"`

	// MaxRetries is how many delivery attempts a spooled message gets
	// before it is moved to the failed directory.
	MaxRetries int `yaml:"max_retries"`
}

// WatcherConfig configures filesystem change detection.
type WatcherConfig struct {
	// Mode selects the detection mechanism. Values: "inotify" (native
	// events), "poll" (periodic scans), "auto" (inotify with poll
	// fallback).
	Mode string `yaml:"mode"`

	// PollInterval is the scan period when polling.
	PollInterval string `yaml:"poll_interval"`
}

// BridgeConfig configures the cross-host relay plugin.
type BridgeConfig struct {
	// Transport selects the relay mechanism. Values: "ssh", "memory".
	Transport string `yaml:"transport"`

	// RemoteAddr is the host:port of the peer daemon (ssh transport).
	RemoteAddr string `yaml:"remote_addr"`

	// RemoteUser is the SSH login user (ssh transport).
	RemoteUser string `yaml:"remote_user"`

	// KeyFile is the path to the SSH private key (ssh transport).
	KeyFile string `yaml:"key_file"`

	// KnownHostsFile is the path to the SSH known_hosts file used to
	// verify the peer's host key (ssh transport).
	KnownHostsFile string `yaml:"known_hosts_file"`

	// SyncInterval is how often the bridge pushes local changes.
	SyncInterval string `yaml:"sync_interval"`

	// FailureThreshold is how many consecutive transport failures
	// open the circuit breaker.
	FailureThreshold int `yaml:"failure_threshold"`
}

// CIMonitorConfig configures the CI pipeline watcher plugin.
type CIMonitorConfig struct {
	// Provider selects the CI backend. Values: "github", "mock".
	Provider string `yaml:"provider"`

	// Repository is the owner/name of the repository to watch
	// (github provider).
	Repository string `yaml:"repository"`

	// TokenEnv names the environment variable holding the API token.
	// The token itself never appears in the config file.
	TokenEnv string `yaml:"token_env"`

	// PollInterval is how often pipeline runs are fetched.
	PollInterval string `yaml:"poll_interval"`

	// Team is the team whose roster carries the CI monitor and whose
	// NotifyAgent receives status messages.
	Team string `yaml:"team"`

	// NotifyAgent is the team-local agent that receives CI status
	// messages.
	NotifyAgent string `yaml:"notify_agent"`
}

// RetentionConfig configures inbox rotation and archiving.
type RetentionConfig struct {
	// MaxMessages is the inbox length that triggers rotation. Zero
	// disables length-based rotation.
	MaxMessages int `yaml:"max_messages"`

	// MaxAge is the message age that triggers rotation. Duration
	// string; empty disables age-based rotation.
	MaxAge string `yaml:"max_age"`

	// SweepInterval is how often retention policies are evaluated.
	SweepInterval string `yaml:"sweep_interval"`

	// AgeRecipients holds age public keys. When non-empty, archives
	// are encrypted to these recipients after compression.
	AgeRecipients []string `yaml:"age_recipients"`
}

// RosterConfig configures membership tracking.
type RosterConfig struct {
	// GracePeriod is how long a member missing from team config is
	// retained before cleanup runs.
	GracePeriod string `yaml:"grace_period"`

	// CleanupMode selects what cleanup does. Values: "mark_inactive"
	// (flip the member's active flag), "remove_inbox" (delete the
	// member's inbox file as well).
	CleanupMode string `yaml:"cleanup_mode"`
}

// Default returns the default configuration. These defaults ensure
// all fields have sensible zero-values before the config file is
// merged in; the config file itself is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "mailroom")

	return &Config{
		Paths: PathsConfig{
			Teams:    filepath.Join(defaultRoot, "teams"),
			Spool:    filepath.Join(defaultRoot, "spool"),
			Archives: filepath.Join(defaultRoot, "archives"),
			State:    filepath.Join(defaultRoot, "state"),
		},
		Mailbox: MailboxConfig{
			LockRetries:    5,
			LockStaleAfter: "30s",
		},
		Spool: SpoolConfig{
			DrainInterval: "15s",
			MaxRetries:    10,
		},
		Watcher: WatcherConfig{
			Mode:         "auto",
			PollInterval: "2s",
		},
		Bridge: BridgeConfig{
			Transport:        "memory",
			SyncInterval:     "5s",
			FailureThreshold: 5,
		},
		CIMonitor: CIMonitorConfig{
			Provider:     "mock",
			TokenEnv:     "MAILROOM_CI_TOKEN",
			PollInterval: "60s",
			NotifyAgent:  "lead",
		},
		Retention: RetentionConfig{
			MaxMessages:   500,
			SweepInterval: "10m",
		},
		Roster: RosterConfig{
			GracePeriod: "5m",
			CleanupMode: "mark_inactive",
		},
	}
}

// Load loads configuration from the MAILROOM_CONFIG environment
// variable. There are no fallbacks: if MAILROOM_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("MAILROOM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("MAILROOM_CONFIG environment variable not set; " +
			"set it to the path of your mailroom.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"MAILROOM_ROOT": c.Paths.Teams,
		"HOME":          os.Getenv("HOME"),
	}

	c.Paths.Teams = expandVars(c.Paths.Teams, vars)
	c.Paths.Spool = expandVars(c.Paths.Spool, vars)
	c.Paths.Archives = expandVars(c.Paths.Archives, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Bridge.KeyFile = expandVars(c.Bridge.KeyFile, vars)
	c.Bridge.KnownHostsFile = expandVars(c.Bridge.KnownHostsFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Teams == "" {
		errs = append(errs, fmt.Errorf("paths.teams is required"))
	}
	if c.Mailbox.LockRetries < 1 {
		errs = append(errs, fmt.Errorf("mailbox.lock_retries must be at least 1"))
	}
	if c.Spool.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("spool.max_retries must be at least 1"))
	}

	watcherModes := []string{"inotify", "poll", "auto"}
	if !contains(watcherModes, c.Watcher.Mode) {
		errs = append(errs, fmt.Errorf("watcher.mode must be one of: %v", watcherModes))
	}

	transports := []string{"ssh", "memory"}
	if !contains(transports, c.Bridge.Transport) {
		errs = append(errs, fmt.Errorf("bridge.transport must be one of: %v", transports))
	}
	if c.Bridge.Transport == "ssh" {
		if c.Bridge.RemoteAddr == "" {
			errs = append(errs, fmt.Errorf("bridge.remote_addr is required for the ssh transport"))
		}
		if c.Bridge.KeyFile == "" {
			errs = append(errs, fmt.Errorf("bridge.key_file is required for the ssh transport"))
		}
	}

	cleanupModes := []string{"mark_inactive", "remove_inbox"}
	if !contains(cleanupModes, c.Roster.CleanupMode) {
		errs = append(errs, fmt.Errorf("roster.cleanup_mode must be one of: %v", cleanupModes))
	}

	durationFields := map[string]string{
		"mailbox.lock_stale_after": c.Mailbox.LockStaleAfter,
		"spool.drain_interval":     c.Spool.DrainInterval,
		"watcher.poll_interval":    c.Watcher.PollInterval,
		"bridge.sync_interval":     c.Bridge.SyncInterval,
		"ci_monitor.poll_interval": c.CIMonitor.PollInterval,
		"retention.sweep_interval": c.Retention.SweepInterval,
		"roster.grace_period":      c.Roster.GracePeriod,
	}
	for field, value := range durationFields {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, value))
		}
	}
	if c.Retention.MaxAge != "" {
		if _, err := time.ParseDuration(c.Retention.MaxAge); err != nil {
			errs = append(errs, fmt.Errorf("retention.max_age: invalid duration %q", c.Retention.MaxAge))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration parses a duration config field, returning fallback when
// the field is empty. Call Validate first; this panics on malformed
// input because validation already rejected it.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", value, err))
	}
	return parsed
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Teams,
		c.Paths.Spool,
		c.Paths.Archives,
		c.Paths.State,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
