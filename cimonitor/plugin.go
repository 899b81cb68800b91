// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package cimonitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/config"
	"github.com/mailroom-foundation/mailroom/lib/schema"
	"github.com/mailroom-foundation/mailroom/mailbox"
	"github.com/mailroom-foundation/mailroom/plugin"
	"github.com/mailroom-foundation/mailroom/roster"
	"github.com/mailroom-foundation/mailroom/watcher"
)

const (
	pluginName          = "ci-monitor"
	defaultPollInterval = time.Minute
	listLimit           = 20
)

// PluginOptions configures the CI monitor plugin.
type PluginOptions struct {
	// Provider overrides the config-selected provider. Tests inject
	// a scripted mock here.
	Provider Provider

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Plugin polls a CI provider and posts failed runs into the
// configured notify agent's inbox.
type Plugin struct {
	clk clock.Clock
	log *slog.Logger

	provider Provider
	mail     *mailbox.Service
	roster   *roster.Service
	cfg      config.CIMonitorConfig
	cleanup  roster.CleanupMode
	interval time.Duration

	// seen holds dedup keys of runs already notified, so a run is
	// reported once per status transition.
	seen map[string]bool
}

// NewPlugin returns an unconfigured CI monitor plugin.
func NewPlugin(options PluginOptions) *Plugin {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	return &Plugin{
		clk:      options.Clock,
		log:      options.Logger,
		provider: options.Provider,
		seen:     make(map[string]bool),
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
		Name:        pluginName,
		Version:     "0.1.0",
		Description: "CI pipeline status notifications",
		Capabilities: []plugin.Capability{
			plugin.CapabilityCIMonitor,
			plugin.CapabilityAdvertiseMembers,
			plugin.CapabilityInjectMessages,
		},
	}
}

func (p *Plugin) Init(ctx context.Context, pluginContext *plugin.Context) error {
	cfg := pluginContext.Config.CIMonitor
	if cfg.Team == "" {
		return errors.New("ci monitor requires a team")
	}
	if cfg.NotifyAgent == "" {
		return errors.New("ci monitor requires a notify agent")
	}
	if p.provider == nil {
		provider, err := NewProvider(cfg.Provider, cfg)
		if err != nil {
			return fmt.Errorf("building CI provider: %w", err)
		}
		p.provider = provider
	}

	p.mail = pluginContext.Mail
	p.roster = pluginContext.Roster
	p.cfg = cfg
	p.interval = config.Duration(cfg.PollInterval, defaultPollInterval)
	cleanup, err := roster.ParseCleanupMode(pluginContext.Config.Roster.CleanupMode)
	if err != nil {
		return err
	}
	p.cleanup = cleanup

	if p.roster != nil {
		err := p.roster.AddSyntheticMember(cfg.Team, pluginName, schema.AgentMember{Name: pluginName})
		var dup *roster.DuplicateMemberError
		if err != nil && !errors.As(err, &dup) {
			return fmt.Errorf("registering CI monitor roster member: %w", err)
		}
	}

	p.logger().Info("ci monitor initialized",
		"provider", p.provider.Name(),
		"team", cfg.Team,
		"notify_agent", cfg.NotifyAgent,
		"poll_interval", p.interval)
	return nil
}

// Start polls the provider on the configured interval until ctx is
// cancelled. Poll failures are logged and retried next tick.
func (p *Plugin) Start(ctx context.Context) error {
	ticker := p.clk.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.logger().Warn("ci monitor poll", "error", err)
			}
		}
	}
}

// pollOnce fetches completed runs and notifies on new failures.
func (p *Plugin) pollOnce(ctx context.Context) error {
	runs, err := p.provider.ListRuns(ctx, Filter{Status: StatusCompleted, Limit: listLimit})
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Conclusion != ConclusionFailure {
			continue
		}
		key := dedupKey(run)
		if p.seen[key] {
			continue
		}
		full, err := p.provider.GetRun(ctx, run.ID)
		if err != nil {
			p.logger().Warn("fetching run details", "run_id", run.ID, "error", err)
			continue
		}
		message := p.runToMessage(full)
		if _, err := p.mail.Append(p.cfg.Team, p.cfg.NotifyAgent, message); err != nil {
			p.logger().Warn("delivering CI notification", "run_id", run.ID, "error", err)
			continue
		}
		p.seen[key] = true
		p.logger().Info("ci failure reported",
			"run_id", run.ID,
			"branch", run.HeadBranch,
			"agent", p.cfg.NotifyAgent)
	}
	return nil
}

func (p *Plugin) HandleEvent(ctx context.Context, event watcher.Event) error {
	return nil
}

func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.roster == nil {
		return nil
	}
	_, err := p.roster.CleanupPlugin(p.cfg.Team, pluginName, p.cleanup)
	return err
}

// dedupKey identifies a run at a given status transition, so a
// re-poll of the same failure stays quiet but a new failure on a
// re-run of the same pipeline does not.
func dedupKey(run Run) string {
	return fmt.Sprintf("%d-%s-%s", run.ID, run.Conclusion, run.UpdatedAt)
}

func (p *Plugin) runToMessage(run Run) schema.InboxMessage {
	var failed []string
	for _, job := range run.Jobs {
		if job.Conclusion == ConclusionFailure {
			failed = append(failed, job.Name)
		}
	}
	failedJobs := "(job details not available)"
	if len(failed) > 0 {
		failedJobs = strings.Join(failed, ", ")
	}

	text := fmt.Sprintf("[ci:%d] CI failed on %s: %s\nCommit: %s\nFailed jobs: %s\nURL: %s",
		run.ID, run.HeadBranch, run.Name, run.HeadSHA, failedJobs, run.URL)

	return schema.InboxMessage{
		From:      pluginName,
		Text:      text,
		Timestamp: p.clk.Now().UTC().Format(time.RFC3339),
		Summary:   fmt.Sprintf("CI failed on %s: %s", run.HeadBranch, run.Name),
		MessageID: dedupKey(run),
	}
}
