// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/config"
	"github.com/mailroom-foundation/mailroom/plugin"
	"github.com/mailroom-foundation/mailroom/watcher"
)

const defaultSyncInterval = time.Minute

// PluginOptions configures the bridge plugin.
type PluginOptions struct {
	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Plugin relays inbox traffic to a peer daemon on the transport named
// in the bridge configuration section.
type Plugin struct {
	clk clock.Clock
	log *slog.Logger

	engine   *Engine
	interval time.Duration
}

// NewPlugin returns an unconfigured bridge plugin; the transport and
// sync engine are built during Init from the daemon configuration.
func NewPlugin(options PluginOptions) *Plugin {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	return &Plugin{clk: options.Clock, log: options.Logger}
}

func (p *Plugin) logger() *slog.Logger {
	if p.log != nil {
		return p.log
	}
	return slog.Default()
}

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:        "bridge",
		Version:     "0.1.0",
		Description: "Cross-host inbox relay",
		Capabilities: []plugin.Capability{
			plugin.CapabilityBridge,
			plugin.CapabilityEventListener,
		},
	}
}

func (p *Plugin) Init(ctx context.Context, pluginContext *plugin.Context) error {
	cfg := pluginContext.Config.Bridge
	transport, err := NewTransport(cfg.Transport, cfg)
	if err != nil {
		return fmt.Errorf("building bridge transport: %w", err)
	}
	engine, err := NewEngine(EngineOptions{
		Mail:             pluginContext.Mail,
		Transport:        transport,
		Hostname:         pluginContext.System.Hostname,
		StatePath:        filepath.Join(pluginContext.Config.Paths.State, "bridge-state.json"),
		FailureThreshold: cfg.FailureThreshold,
		Clock:            p.clk,
		Logger:           p.log,
	})
	if err != nil {
		transport.Close()
		return err
	}
	p.engine = engine
	p.interval = config.Duration(cfg.SyncInterval, defaultSyncInterval)
	p.logger().Info("bridge plugin initialized",
		"transport", cfg.Transport,
		"sync_interval", p.interval)
	return nil
}

// Start runs sync cycles on the configured interval until ctx is
// cancelled.
func (p *Plugin) Start(ctx context.Context) error {
	ticker := p.clk.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := p.engine.Cycle(ctx)
			if err != nil {
				p.logger().Warn("bridge sync cycle", "error", err)
				continue
			}
			if stats.Pushed > 0 || stats.Pulled > 0 || stats.Errors > 0 {
				p.logger().Info("bridge sync cycle complete",
					"pushed", stats.Pushed,
					"pulled", stats.Pulled,
					"errors", stats.Errors)
			}
		}
	}
}

// HandleEvent pushes a changed inbox immediately instead of waiting
// for the next cycle, unless the change was the bridge's own write.
func (p *Plugin) HandleEvent(ctx context.Context, event watcher.Event) error {
	if event.Kind != watcher.MessageReceived {
		return nil
	}
	if p.engine.FiltersEvent(event.Path) {
		p.logger().Debug("suppressing bridge self-write echo", "path", event.Path)
		return nil
	}
	return p.engine.PushInbox(ctx, event.Team, event.Agent)
}

func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.engine == nil {
		return nil
	}
	return p.engine.Close()
}
