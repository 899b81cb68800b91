// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/schema"
)

// OutcomeKind classifies how an inbox write completed.
type OutcomeKind int

const (
	// OutcomeSuccess is a clean write with no concurrent writer
	// detected.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeConflictResolved means a concurrent write was detected
	// and its messages were merged in.
	OutcomeConflictResolved

	// OutcomeQueued means the lock could not be acquired and the
	// message was spooled for later delivery.
	OutcomeQueued
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeConflictResolved:
		return "conflict-resolved"
	case OutcomeQueued:
		return "queued"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// WriteOutcome reports the result of an inbox write.
type WriteOutcome struct {
	Kind OutcomeKind

	// Merged is the number of messages absorbed from the concurrent
	// writer's version (OutcomeConflictResolved only).
	Merged int

	// SpoolPath is where the message was queued (OutcomeQueued only).
	SpoolPath string
}

// Options configures a mailbox Service.
type Options struct {
	// TeamsRoot is the directory holding one subdirectory per team.
	TeamsRoot string

	// Spool handles messages that could not be delivered. Required:
	// Append's lock-timeout fallback queues through it.
	Spool *Spool

	// LockRetries is the lock acquisition retry budget. Zero means
	// the default of 5.
	LockRetries int

	// LockStaleAfter is the age past which a lock marker is treated
	// as abandoned. Zero means the default of 30s.
	LockStaleAfter time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger may be nil, in which case slog.Default() is used.
	Logger *slog.Logger
}

// Service performs inbox reads and writes for all teams under a
// single root directory. Safe for concurrent use; the per-inbox lock
// protocol serializes writers across processes, not just goroutines.
type Service struct {
	teamsRoot      string
	spool          *Spool
	lockRetries    int
	lockStaleAfter time.Duration
	clock          clock.Clock
	log            *slog.Logger
}

// NewService creates a mailbox service.
func NewService(options Options) (*Service, error) {
	if options.TeamsRoot == "" {
		return nil, fmt.Errorf("mailbox: TeamsRoot is required")
	}
	if options.Spool == nil {
		return nil, fmt.Errorf("mailbox: Spool is required")
	}
	service := &Service{
		teamsRoot:      options.TeamsRoot,
		spool:          options.Spool,
		lockRetries:    options.LockRetries,
		lockStaleAfter: options.LockStaleAfter,
		clock:          options.Clock,
		log:            options.Logger,
	}
	if service.lockRetries <= 0 {
		service.lockRetries = 5
	}
	if service.lockStaleAfter <= 0 {
		service.lockStaleAfter = defaultLockStaleAfter
	}
	if service.clock == nil {
		service.clock = clock.Real()
	}
	return service, nil
}

func (s *Service) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}

// TeamsRoot returns the root directory the service operates under.
func (s *Service) TeamsRoot() string {
	return s.teamsRoot
}

// InboxPath returns the inbox file path for an agent, validating
// both name components. Names must be usable as single path elements.
func (s *Service) InboxPath(team, agent string) (string, error) {
	if err := validateName(team); err != nil {
		return "", &InvalidPathError{Path: filepath.Join(s.teamsRoot, team)}
	}
	if err := validateName(agent); err != nil {
		return "", &InvalidPathError{Path: filepath.Join(s.teamsRoot, team, "inboxes", agent+".json")}
	}
	return filepath.Join(s.teamsRoot, team, "inboxes", agent+".json"), nil
}

// TeamConfigPath returns the path of a team's config.json.
func (s *Service) TeamConfigPath(team string) (string, error) {
	if err := validateName(team); err != nil {
		return "", &InvalidPathError{Path: filepath.Join(s.teamsRoot, team)}
	}
	return filepath.Join(s.teamsRoot, team, "config.json"), nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("empty or reserved name")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("name contains path separators")
	}
	return nil
}

// ReadInbox returns an agent's messages. A missing inbox file is an
// empty inbox, not an error.
func (s *Service) ReadInbox(team, agent string) ([]schema.InboxMessage, error) {
	inboxPath, err := s.InboxPath(team, agent)
	if err != nil {
		return nil, err
	}
	messages, _, _, err := readInboxFile(inboxPath)
	return messages, err
}

// Append adds a message to an agent's inbox. Duplicate message IDs
// are silently skipped. When the inbox lock cannot be acquired within
// the retry budget, the message is spooled and the outcome is
// OutcomeQueued; the daemon's drain loop delivers it later.
func (s *Service) Append(team, agent string, message schema.InboxMessage) (WriteOutcome, error) {
	inboxPath, err := s.InboxPath(team, agent)
	if err != nil {
		return WriteOutcome{}, err
	}
	if err := os.MkdirAll(filepath.Dir(inboxPath), 0o755); err != nil {
		return WriteOutcome{}, fmt.Errorf("creating inbox directory: %w", err)
	}

	outcome, err := s.writeWithConflictCheck(inboxPath, func(messages []schema.InboxMessage) ([]schema.InboxMessage, bool) {
		if message.MessageID != "" {
			for _, existing := range messages {
				if existing.MessageID == message.MessageID {
					return messages, false
				}
			}
		}
		return append(messages, message), true
	})

	var lockErr *LockTimeoutError
	if errors.As(err, &lockErr) {
		spoolPath, spoolErr := s.spool.Enqueue(team, agent, message)
		if spoolErr != nil {
			return WriteOutcome{}, fmt.Errorf("spooling after lock timeout: %w", spoolErr)
		}
		s.logger().Warn("inbox lock contended, message spooled",
			"team", team,
			"agent", agent,
			"spool_path", spoolPath,
		)
		return WriteOutcome{Kind: OutcomeQueued, SpoolPath: spoolPath}, nil
	}
	return outcome, err
}

// Update applies fn to an agent's inbox under the lock, writing the
// result atomically with conflict detection. fn may modify the slice
// in place and return it.
func (s *Service) Update(team, agent string, fn func(messages []schema.InboxMessage) []schema.InboxMessage) (WriteOutcome, error) {
	inboxPath, err := s.InboxPath(team, agent)
	if err != nil {
		return WriteOutcome{}, err
	}
	if err := os.MkdirAll(filepath.Dir(inboxPath), 0o755); err != nil {
		return WriteOutcome{}, fmt.Errorf("creating inbox directory: %w", err)
	}
	return s.writeWithConflictCheck(inboxPath, func(messages []schema.InboxMessage) ([]schema.InboxMessage, bool) {
		return fn(messages), true
	})
}

// Spool returns the durability spool the service queues through.
func (s *Service) Spool() *Spool {
	return s.spool
}

// DrainSpool retries every pending spooled message against its
// target inbox.
func (s *Service) DrainSpool() (SpoolStatus, error) {
	return s.spool.Drain(s.Append)
}

// MarkRead sets the read flag on every message whose identity is in
// ids. An empty ids slice marks the whole inbox read.
func (s *Service) MarkRead(team, agent string, ids ...string) (WriteOutcome, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	return s.Update(team, agent, func(messages []schema.InboxMessage) []schema.InboxMessage {
		for i := range messages {
			if len(wanted) == 0 || wanted[messages[i].Identity()] {
				messages[i].Read = true
			}
		}
		return messages
	})
}
