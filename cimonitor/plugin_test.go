// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package cimonitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/config"
	"github.com/mailroom-foundation/mailroom/lib/schema"
	"github.com/mailroom-foundation/mailroom/mailbox"
	"github.com/mailroom-foundation/mailroom/plugin"
	"github.com/mailroom-foundation/mailroom/roster"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type pluginHarness struct {
	plugin  *Plugin
	mock    *MockProvider
	mail    *mailbox.Service
	roster  *roster.Service
	fake    *clock.FakeClock
	context *plugin.Context
}

func newPluginHarness(t *testing.T) *pluginHarness {
	t.Helper()
	root := t.TempDir()
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	spool, err := mailbox.NewSpool(mailbox.SpoolOptions{
		Dir:    filepath.Join(root, "spool"),
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	mail, err := mailbox.NewService(mailbox.Options{
		TeamsRoot: filepath.Join(root, "teams"),
		Spool:     spool,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("mailbox.NewService: %v", err)
	}
	rosterService, err := roster.NewService(roster.Options{
		Mail:        mail,
		GracePeriod: time.Minute,
		CleanupMode: roster.MarkInactive,
		Clock:       fake,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("roster.NewService: %v", err)
	}

	teamDir := filepath.Join(root, "teams", "platform")
	if err := os.MkdirAll(teamDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	teamConfig := schema.TeamConfig{
		Name:        "platform",
		CreatedAt:   fake.Now().UnixMilli(),
		LeadAgentID: "team-lead@platform",
		Members:     []schema.AgentMember{{Name: "lead", AgentID: "lead@platform"}},
	}
	data, err := json.MarshalIndent(teamConfig, "", "  ")
	if err != nil {
		t.Fatalf("encoding team config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(teamDir, "config.json"), data, 0o644); err != nil {
		t.Fatalf("writing team config: %v", err)
	}

	cfg := config.Default()
	cfg.CIMonitor.Team = "platform"
	cfg.CIMonitor.NotifyAgent = "lead"

	mock := NewMockProvider()
	p := NewPlugin(PluginOptions{
		Provider: mock,
		Clock:    fake,
		Logger:   discardLogger(),
	})
	return &pluginHarness{
		plugin: p,
		mock:   mock,
		mail:   mail,
		roster: rosterService,
		fake:   fake,
		context: &plugin.Context{
			System: plugin.SystemInfo{Hostname: "buildhost"},
			Mail:   mail,
			Config: cfg,
			Roster: rosterService,
		},
	}
}

func TestPluginMetadata(t *testing.T) {
	p := NewPlugin(PluginOptions{})
	meta := p.Metadata()
	if meta.Name != "ci-monitor" {
		t.Errorf("Name = %q", meta.Name)
	}
	if !meta.HasCapability(plugin.CapabilityCIMonitor) {
		t.Error("missing ci-monitor capability")
	}
	if !meta.HasCapability(plugin.CapabilityAdvertiseMembers) {
		t.Error("missing advertise-members capability")
	}
	if !meta.HasCapability(plugin.CapabilityInjectMessages) {
		t.Error("missing inject-messages capability")
	}
}

func TestPluginInitRequiresTeam(t *testing.T) {
	h := newPluginHarness(t)
	h.context.Config.CIMonitor.Team = ""
	err := h.plugin.Init(context.Background(), h.context)
	if err == nil || !strings.Contains(err.Error(), "team") {
		t.Errorf("Init err = %v, want team requirement", err)
	}
}

func TestPluginInitRegistersSyntheticMember(t *testing.T) {
	h := newPluginHarness(t)
	if err := h.plugin.Init(context.Background(), h.context); err != nil {
		t.Fatalf("Init: %v", err)
	}

	members, err := h.roster.SyntheticMembers("platform", "ci-monitor")
	if err != nil {
		t.Fatalf("SyntheticMembers: %v", err)
	}
	if len(members) != 1 || members[0].Name != "ci-monitor" {
		t.Fatalf("members = %+v", members)
	}
	if members[0].AgentType != "plugin:ci-monitor" {
		t.Errorf("AgentType = %q", members[0].AgentType)
	}

	// A second Init (daemon restart without cleanup) tolerates the
	// existing member.
	again := NewPlugin(PluginOptions{Provider: h.mock, Clock: h.fake, Logger: discardLogger()})
	if err := again.Init(context.Background(), h.context); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestPluginPollNotifiesOnFailure(t *testing.T) {
	h := newPluginHarness(t)
	if err := h.plugin.Init(context.Background(), h.context); err != nil {
		t.Fatalf("Init: %v", err)
	}
	h.mock.SetRuns(
		Run{ID: 7, Name: "ci", Status: StatusCompleted, Conclusion: ConclusionSuccess,
			HeadBranch: "main", UpdatedAt: "2026-03-01T11:50:00Z"},
		Run{ID: 8, Name: "ci", Status: StatusCompleted, Conclusion: ConclusionFailure,
			HeadBranch: "fix/locks", HeadSHA: "aa11bb", URL: "https://example.test/8",
			UpdatedAt: "2026-03-01T11:55:00Z",
			Jobs: []Job{
				{ID: 80, Name: "lint", Conclusion: ConclusionSuccess},
				{ID: 81, Name: "test", Conclusion: ConclusionFailure},
			}},
	)

	if err := h.plugin.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	messages, err := h.mail.ReadInbox("platform", "lead")
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	msg := messages[0]
	if msg.From != "ci-monitor" {
		t.Errorf("From = %q", msg.From)
	}
	if !strings.Contains(msg.Text, "[ci:8] CI failed on fix/locks: ci") {
		t.Errorf("Text = %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "Failed jobs: test") {
		t.Errorf("Text = %q does not list the failed job", msg.Text)
	}
	if strings.Contains(msg.Text, "lint") {
		t.Errorf("Text = %q lists a passing job", msg.Text)
	}
	if !strings.Contains(msg.Text, "Commit: aa11bb") {
		t.Errorf("Text = %q", msg.Text)
	}
	if msg.MessageID != "8-failure-2026-03-01T11:55:00Z" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if msg.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("Timestamp = %q", msg.Timestamp)
	}
}

func TestPluginPollDeduplicates(t *testing.T) {
	h := newPluginHarness(t)
	if err := h.plugin.Init(context.Background(), h.context); err != nil {
		t.Fatalf("Init: %v", err)
	}
	h.mock.SetRuns(Run{ID: 9, Name: "ci", Status: StatusCompleted, Conclusion: ConclusionFailure,
		HeadBranch: "main", UpdatedAt: "2026-03-01T11:00:00Z"})

	for i := 0; i < 3; i++ {
		if err := h.plugin.pollOnce(context.Background()); err != nil {
			t.Fatalf("pollOnce %d: %v", i, err)
		}
	}
	messages, err := h.mail.ReadInbox("platform", "lead")
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}

	// The same pipeline failing again at a later time is a fresh
	// notification.
	h.mock.SetRuns(Run{ID: 9, Name: "ci", Status: StatusCompleted, Conclusion: ConclusionFailure,
		HeadBranch: "main", UpdatedAt: "2026-03-01T11:30:00Z"})
	if err := h.plugin.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	messages, err = h.mail.ReadInbox("platform", "lead")
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
}

func TestPluginPollToleratesProviderFailure(t *testing.T) {
	h := newPluginHarness(t)
	if err := h.plugin.Init(context.Background(), h.context); err != nil {
		t.Fatalf("Init: %v", err)
	}
	h.mock.FailWith(errors.New("backend unreachable"))
	if err := h.plugin.pollOnce(context.Background()); err == nil {
		t.Fatal("expected poll error")
	}

	// Recovery: the failure cleared, the next poll delivers.
	h.mock.FailWith(nil)
	h.mock.SetRuns(Run{ID: 10, Name: "ci", Status: StatusCompleted, Conclusion: ConclusionFailure,
		HeadBranch: "main", UpdatedAt: "2026-03-01T11:40:00Z"})
	if err := h.plugin.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce after recovery: %v", err)
	}
	messages, err := h.mail.ReadInbox("platform", "lead")
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
}

func TestPluginShutdownCleansUp(t *testing.T) {
	h := newPluginHarness(t)
	if err := h.plugin.Init(context.Background(), h.context); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := h.plugin.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	members, err := h.roster.SyntheticMembers("platform", "ci-monitor")
	if err != nil {
		t.Fatalf("SyntheticMembers: %v", err)
	}
	if len(members) != 1 || members[0].Active() {
		t.Errorf("members after cleanup = %+v", members)
	}
}
