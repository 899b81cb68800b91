// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package retention rotates old read messages out of agent inboxes
// into compressed archive segments. Messages are never deleted:
// unread messages stay in the inbox regardless of policy, and rotated
// messages land in an archive segment before the inbox shrinks.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/config"
	"github.com/mailroom-foundation/mailroom/lib/schema"
	"github.com/mailroom-foundation/mailroom/mailbox"
)

// Policy says when read messages become eligible for rotation. Zero
// values disable the corresponding trigger.
type Policy struct {
	// MaxMessages is the inbox length above which the oldest read
	// messages rotate out.
	MaxMessages int

	// MaxAge rotates read messages older than this.
	MaxAge time.Duration

	// Archive gates rotation entirely. When false the policy only
	// reports what it would rotate.
	Archive bool
}

// PolicyFromConfig builds a Policy from the retention config section.
func PolicyFromConfig(cfg config.RetentionConfig) Policy {
	return Policy{
		MaxMessages: cfg.MaxMessages,
		MaxAge:      config.Duration(cfg.MaxAge, 0),
		Archive:     true,
	}
}

// Enabled reports whether the policy can rotate anything.
func (p Policy) Enabled() bool {
	return p.Archive && (p.MaxMessages > 0 || p.MaxAge > 0)
}

// Rotation describes one inbox rotation.
type Rotation struct {
	Team        string
	Agent       string
	SegmentPath string
	Rotated     int
	Kept        int
}

// Observer is notified after each rotation. Plugins with the
// retention capability register one to watch archive activity.
type Observer interface {
	ObserveRotation(rotation Rotation)
}

// Options configures a retention Service.
type Options struct {
	// Mail accesses inboxes. Required.
	Mail *mailbox.Service

	// Archiver writes rotated segments. Required.
	Archiver *Archiver

	// Policy says what rotates.
	Policy Policy

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service applies a retention policy across all team inboxes.
type Service struct {
	mail      *mailbox.Service
	archiver  *Archiver
	policy    Policy
	clk       clock.Clock
	log       *slog.Logger
	observers []Observer
}

func NewService(options Options) (*Service, error) {
	if options.Mail == nil {
		return nil, fmt.Errorf("retention: Mail is required")
	}
	if options.Archiver == nil {
		return nil, fmt.Errorf("retention: Archiver is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	return &Service{
		mail:     options.Mail,
		archiver: options.Archiver,
		policy:   options.Policy,
		clk:      options.Clock,
		log:      options.Logger,
	}, nil
}

func (s *Service) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}

// AddObserver registers an observer for future rotations. Not safe to
// call concurrently with sweeps.
func (s *Service) AddObserver(observer Observer) {
	s.observers = append(s.observers, observer)
}

// SweepStats summarizes one sweep across all inboxes.
type SweepStats struct {
	// Inboxes is how many inboxes were examined.
	Inboxes int

	// Segments is how many archive segments were written.
	Segments int

	// Rotated is the total message count moved to archives.
	Rotated int
}

// Sweep applies the policy to every inbox under the teams root.
// Per-inbox failures are logged and do not stop the sweep.
func (s *Service) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	if !s.policy.Enabled() {
		return stats, nil
	}

	teams, err := os.ReadDir(s.mail.TeamsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("listing teams: %w", err)
	}
	for _, teamEntry := range teams {
		if !teamEntry.IsDir() || strings.HasPrefix(teamEntry.Name(), ".") {
			continue
		}
		team := teamEntry.Name()
		inboxes, err := os.ReadDir(filepath.Join(s.mail.TeamsRoot(), team, "inboxes"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return stats, fmt.Errorf("listing inboxes for %s: %w", team, err)
		}
		for _, inboxEntry := range inboxes {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			name := inboxEntry.Name()
			if inboxEntry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
				continue
			}
			agent := strings.TrimSuffix(name, ".json")
			stats.Inboxes++
			rotation, err := s.RotateInbox(team, agent)
			if err != nil {
				s.logger().Warn("inbox rotation failed",
					"team", team,
					"agent", agent,
					"error", err,
				)
				continue
			}
			if rotation.Rotated > 0 {
				stats.Segments++
				stats.Rotated += rotation.Rotated
			}
		}
	}
	return stats, nil
}

// RotateInbox applies the policy to one inbox. The archive segment is
// written while the inbox lock is held, before the inbox shrinks, so
// a failure leaves every message where it was.
func (s *Service) RotateInbox(team, agent string) (Rotation, error) {
	rotation := Rotation{Team: team, Agent: agent}
	if !s.policy.Enabled() {
		return rotation, nil
	}
	now := s.clk.Now()

	var archiveErr error
	_, err := s.mail.Update(team, agent, func(messages []schema.InboxMessage) []schema.InboxMessage {
		keep, rotate := s.partition(messages, now)
		if len(rotate) == 0 {
			rotation.Kept = len(messages)
			return messages
		}
		path, err := s.archiver.WriteSegment(team, agent, now, rotate)
		if err != nil {
			archiveErr = err
			return messages
		}
		rotation.SegmentPath = path
		rotation.Rotated = len(rotate)
		rotation.Kept = len(keep)
		return keep
	})
	if err != nil {
		return rotation, err
	}
	if archiveErr != nil {
		return rotation, fmt.Errorf("archiving rotated messages: %w", archiveErr)
	}

	if rotation.Rotated > 0 {
		s.logger().Info("inbox rotated",
			"team", team,
			"agent", agent,
			"rotated", rotation.Rotated,
			"kept", rotation.Kept,
			"segment", rotation.SegmentPath,
		)
		for _, observer := range s.observers {
			observer.ObserveRotation(rotation)
		}
	}
	return rotation, nil
}

// partition splits messages into kept and rotated, preserving order
// within each. Unread messages and messages with unparsable
// timestamps always stay.
func (s *Service) partition(messages []schema.InboxMessage, now time.Time) (keep, rotate []schema.InboxMessage) {
	eligible := make([]bool, len(messages))

	if s.policy.MaxAge > 0 {
		cutoff := now.Add(-s.policy.MaxAge)
		for i, message := range messages {
			if !message.Read {
				continue
			}
			sent, err := time.Parse(time.RFC3339, message.Timestamp)
			if err != nil {
				continue
			}
			if sent.Before(cutoff) {
				eligible[i] = true
			}
		}
	}

	if s.policy.MaxMessages > 0 {
		remaining := len(messages)
		for _, marked := range eligible {
			if marked {
				remaining--
			}
		}
		// Inboxes are in append order, so scanning from the front
		// rotates the oldest read messages first.
		for i, message := range messages {
			if remaining <= s.policy.MaxMessages {
				break
			}
			if eligible[i] || !message.Read {
				continue
			}
			eligible[i] = true
			remaining--
		}
	}

	for i, message := range messages {
		if eligible[i] {
			rotate = append(rotate, message)
		} else {
			keep = append(keep, message)
		}
	}
	return keep, rotate
}
