// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package roster

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/schema"
	"github.com/mailroom-foundation/mailroom/mailbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// harness bundles a roster service with its backing mailbox service
// on a temp directory.
type harness struct {
	roster *Service
	mail   *mailbox.Service
	fake   *clock.FakeClock
	root   string
}

func newHarness(t *testing.T, mode CleanupMode) *harness {
	t.Helper()
	root := t.TempDir()
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
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	service, err := NewService(Options{
		Mail:        mail,
		GracePeriod: time.Minute,
		CleanupMode: mode,
		Clock:       fake,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &harness{roster: service, mail: mail, fake: fake, root: root}
}

func (h *harness) writeTeamConfig(t *testing.T, team string, members ...schema.AgentMember) {
	t.Helper()
	teamDir := filepath.Join(h.root, "teams", team)
	if err := os.MkdirAll(teamDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	teamConfig := schema.TeamConfig{
		Name:        team,
		CreatedAt:   h.fake.Now().UnixMilli(),
		LeadAgentID: "team-lead@" + team,
		Members:     members,
	}
	data, err := json.MarshalIndent(teamConfig, "", "  ")
	if err != nil {
		t.Fatalf("encoding config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(teamDir, "config.json"), data, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func member(name string) schema.AgentMember {
	return schema.AgentMember{
		AgentID:   name + "@platform",
		Name:      name,
		AgentType: "general-purpose",
	}
}

func TestAddSyntheticMember(t *testing.T) {
	h := newHarness(t, MarkInactive)
	h.writeTeamConfig(t, "platform", member("lead"))

	err := h.roster.AddSyntheticMember("platform", "bridge", schema.AgentMember{Name: "relay"})
	if err != nil {
		t.Fatalf("AddSyntheticMember: %v", err)
	}

	teamConfig, err := h.mail.ReadTeamConfig("platform")
	if err != nil {
		t.Fatalf("ReadTeamConfig: %v", err)
	}
	added := teamConfig.Member("relay")
	if added == nil {
		t.Fatal("synthetic member not written to config")
	}
	if added.AgentType != "plugin:bridge" {
		t.Errorf("agentType = %q, want plugin:bridge", added.AgentType)
	}
	if added.AgentID != "relay@platform" {
		t.Errorf("agentId = %q", added.AgentID)
	}
}

func TestAddSyntheticMemberDuplicate(t *testing.T) {
	h := newHarness(t, MarkInactive)
	h.writeTeamConfig(t, "platform", member("lead"))

	if err := h.roster.AddSyntheticMember("platform", "bridge", schema.AgentMember{Name: "relay"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := h.roster.AddSyntheticMember("platform", "bridge", schema.AgentMember{Name: "relay"})
	var dupErr *DuplicateMemberError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected DuplicateMemberError, got %v", err)
	}
}

func TestAddSyntheticMemberUnknownTeam(t *testing.T) {
	h := newHarness(t, MarkInactive)
	err := h.roster.AddSyntheticMember("ghost", "bridge", schema.AgentMember{Name: "relay"})
	var notFound *TeamNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TeamNotFoundError, got %v", err)
	}
}

func TestRemoveSyntheticMember(t *testing.T) {
	h := newHarness(t, MarkInactive)
	h.writeTeamConfig(t, "platform", member("lead"))
	if err := h.roster.AddSyntheticMember("platform", "bridge", schema.AgentMember{Name: "relay"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := h.roster.RemoveSyntheticMember("platform", "bridge", "relay"); err != nil {
		t.Fatalf("RemoveSyntheticMember: %v", err)
	}
	teamConfig, _ := h.mail.ReadTeamConfig("platform")
	if teamConfig.Member("relay") != nil {
		t.Fatal("member still present after removal")
	}

	err := h.roster.RemoveSyntheticMember("platform", "bridge", "relay")
	var notFound *MemberNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected MemberNotFoundError, got %v", err)
	}
}

func TestSyntheticMembersFilter(t *testing.T) {
	h := newHarness(t, MarkInactive)
	h.writeTeamConfig(t, "platform", member("lead"))
	if err := h.roster.AddSyntheticMember("platform", "bridge", schema.AgentMember{Name: "relay"}); err != nil {
		t.Fatalf("add relay: %v", err)
	}
	if err := h.roster.AddSyntheticMember("platform", "ci-monitor", schema.AgentMember{Name: "ci"}); err != nil {
		t.Fatalf("add ci: %v", err)
	}

	all, err := h.roster.SyntheticMembers("platform", "")
	if err != nil {
		t.Fatalf("SyntheticMembers: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all synthetic members = %d, want 2", len(all))
	}

	bridgeOnly, err := h.roster.SyntheticMembers("platform", "bridge")
	if err != nil {
		t.Fatalf("SyntheticMembers(bridge): %v", err)
	}
	if len(bridgeOnly) != 1 || bridgeOnly[0].Name != "relay" {
		t.Fatalf("bridge members = %+v", bridgeOnly)
	}
}

func TestCleanupPluginMarkInactive(t *testing.T) {
	h := newHarness(t, MarkInactive)
	h.writeTeamConfig(t, "platform", member("lead"))
	if err := h.roster.AddSyntheticMember("platform", "bridge", schema.AgentMember{Name: "relay"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	affected, err := h.roster.CleanupPlugin("platform", "bridge", MarkInactive)
	if err != nil {
		t.Fatalf("CleanupPlugin: %v", err)
	}
	if affected != 1 {
		t.Fatalf("affected = %d, want 1", affected)
	}

	teamConfig, _ := h.mail.ReadTeamConfig("platform")
	relay := teamConfig.Member("relay")
	if relay == nil {
		t.Fatal("soft cleanup removed the member")
	}
	if relay.Active() {
		t.Error("member still active after soft cleanup")
	}

	// Idempotent.
	affected, err = h.roster.CleanupPlugin("platform", "bridge", MarkInactive)
	if err != nil {
		t.Fatalf("second CleanupPlugin: %v", err)
	}
	if affected != 0 {
		t.Fatalf("second cleanup affected %d, want 0", affected)
	}
}

func TestCleanupPluginRemoveInbox(t *testing.T) {
	h := newHarness(t, RemoveInbox)
	h.writeTeamConfig(t, "platform", member("lead"))
	if err := h.roster.AddSyntheticMember("platform", "bridge", schema.AgentMember{Name: "relay"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := h.mail.Append("platform", "relay",
		schema.InboxMessage{From: "lead", Text: "hi", Timestamp: "2026-03-01T12:00:00Z"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	affected, err := h.roster.CleanupPlugin("platform", "bridge", RemoveInbox)
	if err != nil {
		t.Fatalf("CleanupPlugin: %v", err)
	}
	if affected != 1 {
		t.Fatalf("affected = %d, want 1", affected)
	}

	teamConfig, _ := h.mail.ReadTeamConfig("platform")
	if teamConfig.Member("relay") != nil {
		t.Fatal("hard cleanup kept the member")
	}
	inboxPath, _ := h.mail.InboxPath("platform", "relay")
	if _, statErr := os.Stat(inboxPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("inbox file survived hard cleanup")
	}
}

func TestDepartureGracePeriod(t *testing.T) {
	h := newHarness(t, RemoveInbox)
	h.writeTeamConfig(t, "platform", member("lead"), member("scout"))
	if _, err := h.mail.Append("platform", "scout",
		schema.InboxMessage{From: "lead", Text: "hi", Timestamp: "2026-03-01T12:00:00Z"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := h.roster.ObserveTeam("platform"); err != nil {
		t.Fatalf("ObserveTeam: %v", err)
	}

	// Scout disappears from the config.
	h.writeTeamConfig(t, "platform", member("lead"))
	if err := h.roster.ObserveTeam("platform"); err != nil {
		t.Fatalf("ObserveTeam after departure: %v", err)
	}
	if h.roster.DepartedCount() != 1 {
		t.Fatalf("DepartedCount = %d, want 1", h.roster.DepartedCount())
	}

	// Inside the grace period nothing happens.
	h.fake.Advance(30 * time.Second)
	if cleaned := h.roster.SweepDeparted(); cleaned != 0 {
		t.Fatalf("cleaned %d inside grace period, want 0", cleaned)
	}

	// Past the grace period the inbox goes away.
	h.fake.Advance(time.Minute)
	if cleaned := h.roster.SweepDeparted(); cleaned != 1 {
		t.Fatalf("cleaned %d past grace period, want 1", cleaned)
	}
	inboxPath, _ := h.mail.InboxPath("platform", "scout")
	if _, statErr := os.Stat(inboxPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("inbox survived departure cleanup")
	}
}

func TestDepartureForgivenOnReturn(t *testing.T) {
	h := newHarness(t, RemoveInbox)
	h.writeTeamConfig(t, "platform", member("lead"), member("scout"))
	if err := h.roster.ObserveTeam("platform"); err != nil {
		t.Fatalf("ObserveTeam: %v", err)
	}

	h.writeTeamConfig(t, "platform", member("lead"))
	if err := h.roster.ObserveTeam("platform"); err != nil {
		t.Fatalf("ObserveTeam: %v", err)
	}

	// Scout returns before the sweep.
	h.writeTeamConfig(t, "platform", member("lead"), member("scout"))
	if err := h.roster.ObserveTeam("platform"); err != nil {
		t.Fatalf("ObserveTeam: %v", err)
	}
	if h.roster.DepartedCount() != 0 {
		t.Fatalf("DepartedCount = %d after return, want 0", h.roster.DepartedCount())
	}

	h.fake.Advance(2 * time.Minute)
	if cleaned := h.roster.SweepDeparted(); cleaned != 0 {
		t.Fatalf("cleaned %d for a returned member, want 0", cleaned)
	}
}

func TestZeroGracePeriodCleansOnNextSweep(t *testing.T) {
	h := newHarness(t, RemoveInbox)
	service, err := NewService(Options{
		Mail:        h.mail,
		GracePeriod: 0,
		CleanupMode: RemoveInbox,
		Clock:       h.fake,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	h.writeTeamConfig(t, "platform", member("lead"), member("scout"))
	if _, err := h.mail.Append("platform", "scout",
		schema.InboxMessage{From: "lead", Text: "hi", Timestamp: "2026-03-01T12:00:00Z"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := service.ObserveTeam("platform"); err != nil {
		t.Fatalf("ObserveTeam: %v", err)
	}

	h.writeTeamConfig(t, "platform", member("lead"))
	if err := service.ObserveTeam("platform"); err != nil {
		t.Fatalf("ObserveTeam after departure: %v", err)
	}

	// No clock advance: zero grace means the very next sweep cleans.
	if cleaned := service.SweepDeparted(); cleaned != 1 {
		t.Fatalf("cleaned %d with zero grace period, want 1", cleaned)
	}
	inboxPath, _ := h.mail.InboxPath("platform", "scout")
	if _, statErr := os.Stat(inboxPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("inbox survived zero grace period cleanup")
	}
}

func TestNegativeGracePeriodRejected(t *testing.T) {
	h := newHarness(t, MarkInactive)
	if _, err := NewService(Options{Mail: h.mail, GracePeriod: -time.Second}); err == nil {
		t.Fatal("negative grace period accepted")
	}
}

func TestReadTeamConfigToleratesComments(t *testing.T) {
	h := newHarness(t, MarkInactive)
	teamDir := filepath.Join(h.root, "teams", "platform")
	if err := os.MkdirAll(teamDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	jsonc := `{
  // edited by hand
  "name": "platform",
  "createdAt": 1767225600000,
  "leadAgentId": "team-lead@platform",
  "leadSessionId": "s-1",
  "members": [
    {"agentId": "lead@platform", "name": "lead"},
  ],
}`
	if err := os.WriteFile(filepath.Join(teamDir, "config.json"), []byte(jsonc), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	members, err := h.roster.Members("platform")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0].Name != "lead" {
		t.Fatalf("members = %+v", members)
	}
}
