// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/config"
	"github.com/mailroom-foundation/mailroom/plugin"
	"github.com/mailroom-foundation/mailroom/watcher"
)

const defaultSweepInterval = 10 * time.Minute

// PluginOptions configures the retention plugin.
type PluginOptions struct {
	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Observers are registered on the service at Init.
	Observers []Observer
}

// Plugin runs retention sweeps on the configured interval.
type Plugin struct {
	clk       clock.Clock
	log       *slog.Logger
	observers []Observer

	service  *Service
	interval time.Duration
}

func NewPlugin(options PluginOptions) *Plugin {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	return &Plugin{
		clk:       options.Clock,
		log:       options.Logger,
		observers: options.Observers,
	}
}

func (p *Plugin) logger() *slog.Logger {
	if p.log != nil {
		return p.log
	}
	return slog.Default()
}

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:        "retention",
		Version:     "0.1.0",
		Description: "Inbox rotation and archiving",
		Capabilities: []plugin.Capability{
			plugin.CapabilityRetention,
		},
	}
}

func (p *Plugin) Init(ctx context.Context, pluginContext *plugin.Context) error {
	cfg := pluginContext.Config
	archiver, err := NewArchiver(cfg.Paths.Archives, cfg.Retention.AgeRecipients)
	if err != nil {
		return err
	}
	service, err := NewService(Options{
		Mail:     pluginContext.Mail,
		Archiver: archiver,
		Policy:   PolicyFromConfig(cfg.Retention),
		Clock:    p.clk,
		Logger:   p.log,
	})
	if err != nil {
		return err
	}
	for _, observer := range p.observers {
		service.AddObserver(observer)
	}
	p.service = service
	p.interval = config.Duration(cfg.Retention.SweepInterval, defaultSweepInterval)

	p.logger().Info("retention initialized",
		"max_messages", cfg.Retention.MaxMessages,
		"max_age", cfg.Retention.MaxAge,
		"sweep_interval", p.interval,
		"encrypted", archiver.Encrypted(),
	)
	return nil
}

// Start sweeps on the configured interval until ctx is cancelled.
func (p *Plugin) Start(ctx context.Context) error {
	ticker := p.clk.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := p.service.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger().Warn("retention sweep", "error", err)
				continue
			}
			if stats.Rotated > 0 {
				p.logger().Info("retention sweep complete",
					"inboxes", stats.Inboxes,
					"segments", stats.Segments,
					"rotated", stats.Rotated,
				)
			}
		}
	}
}

func (p *Plugin) HandleEvent(ctx context.Context, event watcher.Event) error {
	return nil
}

func (p *Plugin) Shutdown(ctx context.Context) error {
	return nil
}
