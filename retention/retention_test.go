// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/schema"
	"github.com/mailroom-foundation/mailroom/mailbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type harness struct {
	service *Service
	mail    *mailbox.Service
	fake    *clock.FakeClock
	root    string
}

func newHarness(t *testing.T, policy Policy, recipients ...string) *harness {
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
	archiver, err := NewArchiver(filepath.Join(root, "archives"), recipients)
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	service, err := NewService(Options{
		Mail:     mail,
		Archiver: archiver,
		Policy:   policy,
		Clock:    fake,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &harness{service: service, mail: mail, fake: fake, root: root}
}

// seedInbox appends count messages, the first readCount marked read.
// Timestamps step one minute apart starting an hour before the fake
// clock's current time.
func (h *harness) seedInbox(t *testing.T, team, agent string, count, readCount int) {
	t.Helper()
	base := h.fake.Now().Add(-time.Hour)
	for i := 0; i < count; i++ {
		message := schema.InboxMessage{
			From:      "scheduler",
			Text:      fmt.Sprintf("batch %d finished", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute).UTC().Format(time.RFC3339),
			Read:      i < readCount,
			MessageID: fmt.Sprintf("seed-%s-%s-%d", team, agent, i),
		}
		if _, err := h.mail.Append(team, agent, message); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestRotateInboxCountPolicy(t *testing.T) {
	h := newHarness(t, Policy{MaxMessages: 5, Archive: true})
	h.seedInbox(t, "platform", "researcher", 8, 6)

	rotation, err := h.service.RotateInbox("platform", "researcher")
	if err != nil {
		t.Fatalf("RotateInbox: %v", err)
	}
	if rotation.Rotated != 3 || rotation.Kept != 5 {
		t.Fatalf("rotation = %+v, want 3 rotated, 5 kept", rotation)
	}

	messages, err := h.mail.ReadInbox("platform", "researcher")
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("inbox holds %d messages, want 5", len(messages))
	}
	// The oldest read messages rotated; the inbox keeps the rest in
	// order.
	if messages[0].MessageID != "seed-platform-researcher-3" {
		t.Errorf("first kept = %q", messages[0].MessageID)
	}

	archived, err := ReadSegment(rotation.SegmentPath)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(archived) != 3 {
		t.Fatalf("segment holds %d messages, want 3", len(archived))
	}
	if archived[0].MessageID != "seed-platform-researcher-0" {
		t.Errorf("archived[0] = %q", archived[0].MessageID)
	}
}

func TestRotateInboxNeverTouchesUnread(t *testing.T) {
	h := newHarness(t, Policy{MaxMessages: 2, Archive: true})
	// All unread: nothing rotates no matter how far over the limit.
	h.seedInbox(t, "platform", "researcher", 10, 0)

	rotation, err := h.service.RotateInbox("platform", "researcher")
	if err != nil {
		t.Fatalf("RotateInbox: %v", err)
	}
	if rotation.Rotated != 0 {
		t.Fatalf("rotated %d unread messages", rotation.Rotated)
	}
	messages, err := h.mail.ReadInbox("platform", "researcher")
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(messages) != 10 {
		t.Fatalf("inbox holds %d messages, want 10", len(messages))
	}
}

func TestRotateInboxAgePolicy(t *testing.T) {
	h := newHarness(t, Policy{MaxAge: 30 * time.Minute, Archive: true})
	// Seeded timestamps run from one hour ago to 53 minutes ago for
	// the read ones, so all read messages are past the 30m cutoff.
	h.seedInbox(t, "platform", "researcher", 8, 4)

	rotation, err := h.service.RotateInbox("platform", "researcher")
	if err != nil {
		t.Fatalf("RotateInbox: %v", err)
	}
	if rotation.Rotated != 4 || rotation.Kept != 4 {
		t.Fatalf("rotation = %+v, want 4 rotated, 4 kept", rotation)
	}
}

func TestRotateInboxPreservesUnknownFields(t *testing.T) {
	h := newHarness(t, Policy{MaxMessages: 1, Archive: true})
	message := schema.InboxMessage{
		From:      "external-tool",
		Text:      "handoff notes",
		Timestamp: "2026-03-01T10:00:00Z",
		Read:      true,
		MessageID: "handoff-1",
		Unknown: map[string]json.RawMessage{
			"priority": json.RawMessage(`"high"`),
		},
	}
	if _, err := h.mail.Append("platform", "researcher", message); err != nil {
		t.Fatalf("Append: %v", err)
	}
	h.seedInbox(t, "platform", "researcher", 1, 0)

	rotation, err := h.service.RotateInbox("platform", "researcher")
	if err != nil {
		t.Fatalf("RotateInbox: %v", err)
	}
	if rotation.Rotated != 1 {
		t.Fatalf("rotation = %+v", rotation)
	}
	archived, err := ReadSegment(rotation.SegmentPath)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if got := string(archived[0].Unknown["priority"]); got != `"high"` {
		t.Errorf("archived unknown field = %s", got)
	}
}

func TestRotateInboxEncryptedSegment(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}
	h := newHarness(t, Policy{MaxMessages: 1, Archive: true}, identity.Recipient().String())
	h.seedInbox(t, "platform", "researcher", 3, 2)

	rotation, err := h.service.RotateInbox("platform", "researcher")
	if err != nil {
		t.Fatalf("RotateInbox: %v", err)
	}
	if !strings.HasSuffix(rotation.SegmentPath, ".json.zst.age") {
		t.Fatalf("segment path = %q, want .json.zst.age suffix", rotation.SegmentPath)
	}

	if _, err := ReadSegment(rotation.SegmentPath); err == nil {
		t.Error("reading encrypted segment without an identity succeeded")
	}
	archived, err := ReadSegment(rotation.SegmentPath, identity)
	if err != nil {
		t.Fatalf("ReadSegment with identity: %v", err)
	}
	if len(archived) != 2 {
		t.Fatalf("segment holds %d messages, want 2", len(archived))
	}
}

func TestRotateInboxSameDaySegmentsDistinct(t *testing.T) {
	h := newHarness(t, Policy{MaxMessages: 1, Archive: true})
	h.seedInbox(t, "platform", "researcher", 3, 3)

	first, err := h.service.RotateInbox("platform", "researcher")
	if err != nil {
		t.Fatalf("first RotateInbox: %v", err)
	}
	h.seedInbox(t, "platform", "researcher", 2, 2)
	second, err := h.service.RotateInbox("platform", "researcher")
	if err != nil {
		t.Fatalf("second RotateInbox: %v", err)
	}
	if first.SegmentPath == second.SegmentPath {
		t.Fatalf("both rotations wrote %q", first.SegmentPath)
	}
}

func TestSweepAllTeams(t *testing.T) {
	h := newHarness(t, Policy{MaxMessages: 2, Archive: true})
	h.seedInbox(t, "platform", "researcher", 5, 5)
	h.seedInbox(t, "platform", "writer", 2, 2)
	h.seedInbox(t, "infra", "oncall", 4, 4)

	stats, err := h.service.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Inboxes != 3 {
		t.Errorf("Inboxes = %d, want 3", stats.Inboxes)
	}
	if stats.Segments != 2 {
		t.Errorf("Segments = %d, want 2", stats.Segments)
	}
	if stats.Rotated != 5 {
		t.Errorf("Rotated = %d, want 5", stats.Rotated)
	}
}

func TestSweepDisabledPolicy(t *testing.T) {
	h := newHarness(t, Policy{Archive: true})
	h.seedInbox(t, "platform", "researcher", 5, 5)

	stats, err := h.service.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Inboxes != 0 || stats.Rotated != 0 {
		t.Errorf("stats = %+v, want no work", stats)
	}
}

type recordingObserver struct {
	rotations []Rotation
}

func (o *recordingObserver) ObserveRotation(rotation Rotation) {
	o.rotations = append(o.rotations, rotation)
}

func TestObserverNotified(t *testing.T) {
	h := newHarness(t, Policy{MaxMessages: 1, Archive: true})
	observer := &recordingObserver{}
	h.service.AddObserver(observer)

	h.seedInbox(t, "platform", "researcher", 3, 3)
	if _, err := h.service.RotateInbox("platform", "researcher"); err != nil {
		t.Fatalf("RotateInbox: %v", err)
	}
	if len(observer.rotations) != 1 {
		t.Fatalf("observer saw %d rotations, want 1", len(observer.rotations))
	}
	if observer.rotations[0].Rotated != 2 {
		t.Errorf("rotation = %+v", observer.rotations[0])
	}

	// A no-op rotation is not observed.
	if _, err := h.service.RotateInbox("platform", "researcher"); err != nil {
		t.Fatalf("second RotateInbox: %v", err)
	}
	if len(observer.rotations) != 1 {
		t.Errorf("observer saw %d rotations after no-op", len(observer.rotations))
	}
}

func TestNewArchiverRejectsBadRecipient(t *testing.T) {
	_, err := NewArchiver(t.TempDir(), []string{"not-an-age-key"})
	if err == nil {
		t.Fatal("expected error for malformed recipient")
	}
}
