// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Mailroom-daemon is the long-running process that keeps a teams
// directory healthy: it watches inbox files for changes, drains the
// durability spool, sweeps departed roster members, and hosts the
// configured plugins (bridge, ci-monitor, retention).
//
// On startup:
//  1. Loads configuration (--config flag, else MAILROOM_CONFIG, else
//     built-in defaults) and validates it.
//  2. Builds the mailbox service, spool, and roster over the teams
//     root.
//  3. Registers and initializes the enabled plugins. A plugin that
//     fails Init is isolated; the daemon keeps running without it.
//  4. Starts the filesystem watcher and enters the event loop.
//
// Shutdown on SIGINT/SIGTERM is graceful: plugins are cancelled and
// given a bounded deadline to flush state before the process exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mailroom-foundation/mailroom/bridge"
	"github.com/mailroom-foundation/mailroom/cimonitor"
	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/config"
	"github.com/mailroom-foundation/mailroom/lib/version"
	"github.com/mailroom-foundation/mailroom/mailbox"
	"github.com/mailroom-foundation/mailroom/plugin"
	"github.com/mailroom-foundation/mailroom/retention"
	"github.com/mailroom-foundation/mailroom/roster"
	"github.com/mailroom-foundation/mailroom/watcher"
)

// shutdownDeadline bounds how long plugins get to flush state after
// cancellation.
const shutdownDeadline = 10 * time.Second

// rosterSweepInterval is how often departed members are checked
// against their grace period.
const rosterSweepInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		teamsRoot   string
		logLevel    string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to mailroom.yaml (default: $MAILROOM_CONFIG)")
	pflag.StringVar(&teamsRoot, "teams-root", "", "override the teams root directory from the config")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("mailroom-daemon %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if teamsRoot != "" {
		cfg.Paths.Teams = teamsRoot
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runDaemon(ctx, cfg, logger)
}

// loadConfig resolves the configuration source: explicit path, then
// the MAILROOM_CONFIG environment variable, then built-in defaults.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	if os.Getenv("MAILROOM_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", value)
	}
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("creating data directories: %w", err)
	}

	spool, err := mailbox.NewSpool(mailbox.SpoolOptions{
		Dir:        cfg.Paths.Spool,
		MaxRetries: cfg.Spool.MaxRetries,
		Logger:     logger.With("component", "spool"),
	})
	if err != nil {
		return fmt.Errorf("building spool: %w", err)
	}
	mail, err := mailbox.NewService(mailbox.Options{
		TeamsRoot:      cfg.Paths.Teams,
		Spool:          spool,
		LockRetries:    cfg.Mailbox.LockRetries,
		LockStaleAfter: config.Duration(cfg.Mailbox.LockStaleAfter, 30*time.Second),
		Logger:         logger.With("component", "mailbox"),
	})
	if err != nil {
		return fmt.Errorf("building mailbox service: %w", err)
	}

	cleanupMode, err := roster.ParseCleanupMode(cfg.Roster.CleanupMode)
	if err != nil {
		return err
	}
	rosterService, err := roster.NewService(roster.Options{
		Mail:        mail,
		GracePeriod: config.Duration(cfg.Roster.GracePeriod, 5*time.Minute),
		CleanupMode: cleanupMode,
		Logger:      logger.With("component", "roster"),
	})
	if err != nil {
		return fmt.Errorf("building roster service: %w", err)
	}

	registry := plugin.NewRegistry(logger.With("component", "registry"))
	if err := registerPlugins(registry, cfg.Plugins, logger); err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("determining hostname: %w", err)
	}
	pluginContext := &plugin.Context{
		System: plugin.SystemInfo{
			Hostname: hostname,
			Platform: runtime.GOOS,
		},
		Mail:   mail,
		Config: cfg,
		Roster: rosterService,
	}
	registry.InitAll(ctx, pluginContext)
	registry.StartAll(ctx)

	fsWatcher, err := watcher.New(watcher.Options{
		Root:         cfg.Paths.Teams,
		Mode:         cfg.Watcher.Mode,
		PollInterval: config.Duration(cfg.Watcher.PollInterval, 2*time.Second),
		Logger:       logger.With("component", "watcher"),
	})
	if err != nil {
		return fmt.Errorf("building watcher: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fsWatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("watcher stopped", "error", err)
		}
	}()

	logger.Info("mailroom daemon started",
		"version", version.Short(),
		"teams_root", cfg.Paths.Teams,
		"plugins", cfg.Plugins,
		"hostname", hostname,
	)

	eventLoop(ctx, cfg, logger, mail, rosterService, registry, fsWatcher.Events())

	// Graceful shutdown: plugins get a bounded window to flush.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	registry.ShutdownAll(shutdownCtx)
	wg.Wait()

	if shutdownCtx.Err() != nil {
		return errors.New("shutdown deadline exceeded")
	}
	logger.Info("mailroom daemon stopped")
	return nil
}

// registerPlugins maps configured plugin names to implementations.
// Registration order is the config order; shutdown runs in reverse.
func registerPlugins(registry *plugin.Registry, names []string, logger *slog.Logger) error {
	for _, name := range names {
		var p plugin.Plugin
		switch name {
		case "bridge":
			p = bridge.NewPlugin(bridge.PluginOptions{
				Logger: logger.With("plugin", "bridge"),
			})
		case "ci-monitor":
			p = cimonitor.NewPlugin(cimonitor.PluginOptions{
				Logger: logger.With("plugin", "ci-monitor"),
			})
		case "retention":
			p = retention.NewPlugin(retention.PluginOptions{
				Logger: logger.With("plugin", "retention"),
			})
		default:
			return fmt.Errorf("unknown plugin %q in config", name)
		}
		if err := registry.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// eventLoop multiplexes watcher events and periodic maintenance
// until ctx is cancelled.
func eventLoop(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	mail *mailbox.Service,
	rosterService *roster.Service,
	registry *plugin.Registry,
	events <-chan watcher.Event,
) {
	clk := clock.Real()
	drainTicker := clk.NewTicker(config.Duration(cfg.Spool.DrainInterval, 15*time.Second))
	defer drainTicker.Stop()
	sweepTicker := clk.NewTicker(rosterSweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			handleEvent(ctx, logger, rosterService, registry, event)

		case <-drainTicker.C:
			status, err := mail.DrainSpool()
			if err != nil {
				logger.Warn("spool drain failed", "error", err)
				continue
			}
			if status.Delivered > 0 || status.Failed > 0 {
				logger.Info("spool drained",
					"delivered", status.Delivered,
					"pending", status.Pending,
					"failed", status.Failed,
				)
			}

		case <-sweepTicker.C:
			if cleaned := rosterService.SweepDeparted(); cleaned > 0 {
				logger.Info("departed members cleaned up", "count", cleaned)
			}
		}
	}
}

func handleEvent(
	ctx context.Context,
	logger *slog.Logger,
	rosterService *roster.Service,
	registry *plugin.Registry,
	event watcher.Event,
) {
	logger.Debug("filesystem event",
		"kind", event.Kind.String(),
		"team", event.Team,
		"agent", event.Agent,
	)
	if event.Kind == watcher.ConfigChanged {
		if err := rosterService.ObserveTeam(event.Team); err != nil {
			logger.Warn("observing team after config change",
				"team", event.Team,
				"error", err,
			)
		}
	}
	registry.DispatchEvent(ctx, event)
}
