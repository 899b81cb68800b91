// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/mailbox"
)

const (
	defaultFailureThreshold = 5
	breakerBaseDelay        = 30 * time.Second
	breakerMaxDelay         = 15 * time.Minute
)

// Stats counts the work done by one or more sync cycles.
type Stats struct {
	Pushed int
	Pulled int
	Errors int
}

func (s *Stats) add(other Stats) {
	s.Pushed += other.Pushed
	s.Pulled += other.Pulled
	s.Errors += other.Errors
}

// EngineOptions configures a sync engine.
type EngineOptions struct {
	// Mail reads and writes local inboxes. Required.
	Mail *mailbox.Service

	// Transport moves envelopes to and from the peer. Required.
	Transport Transport

	// Hostname identifies this end; it stamps outbound envelopes
	// and filters inbound ones that originated here. Required.
	Hostname string

	// StatePath is where the sync cursor state is persisted.
	// Required.
	StatePath string

	// FailureThreshold is how many consecutive failed cycles open
	// the circuit breaker. Defaults to 5.
	FailureThreshold int

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine drives push/pull cycles between the local mailbox tree and a
// peer daemon. Safe for concurrent use; the sync loop and the event
// handler both feed it.
type Engine struct {
	mail      *mailbox.Service
	transport Transport
	hostname  string
	statePath string
	threshold int
	clk       clock.Clock
	log       *slog.Logger
	filter    *selfWriteFilter

	mu       sync.Mutex
	state    *SyncState
	incoming <-chan Envelope
	failures int
	blocked  time.Time
}

// NewEngine loads persisted sync state and returns a ready engine.
func NewEngine(options EngineOptions) (*Engine, error) {
	if options.Mail == nil {
		return nil, errors.New("bridge: Mail is required")
	}
	if options.Transport == nil {
		return nil, errors.New("bridge: Transport is required")
	}
	if options.Hostname == "" {
		return nil, errors.New("bridge: Hostname is required")
	}
	if options.StatePath == "" {
		return nil, errors.New("bridge: StatePath is required")
	}
	if options.FailureThreshold <= 0 {
		options.FailureThreshold = defaultFailureThreshold
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	state, err := LoadSyncState(options.StatePath)
	if err != nil {
		return nil, err
	}
	return &Engine{
		mail:      options.Mail,
		transport: options.Transport,
		hostname:  options.Hostname,
		statePath: options.StatePath,
		threshold: options.FailureThreshold,
		clk:       options.Clock,
		log:       options.Logger,
		filter:    newSelfWriteFilter(options.Clock, selfWriteTTL),
		state:     state,
	}, nil
}

func (e *Engine) logger() *slog.Logger {
	if e.log != nil {
		return e.log
	}
	return slog.Default()
}

// Cycle runs one push then pull pass and persists the sync state.
// Transport failures are counted toward the circuit breaker and never
// returned as errors; only state persistence failures are.
func (e *Engine) Cycle(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var stats Stats
	if e.breakerOpenLocked() {
		e.logger().Debug("bridge circuit breaker open, skipping cycle",
			"retry_at", e.blocked)
		return stats, nil
	}

	pushStats := e.pushAllLocked(ctx)
	stats.add(pushStats)
	pullStats := e.pullLocked(ctx)
	stats.add(pullStats)
	e.filter.sweep()

	if stats.Errors > 0 {
		e.recordFailureLocked()
	} else {
		e.failures = 0
		e.blocked = time.Time{}
	}

	if err := e.state.Save(e.statePath); err != nil {
		return stats, err
	}
	return stats, nil
}

// PushInbox pushes new messages from one inbox, typically in response
// to a watcher event, without waiting for the next cycle tick.
func (e *Engine) PushInbox(ctx context.Context, team, agent string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.breakerOpenLocked() {
		return nil
	}
	stats := e.pushOneLocked(ctx, team, agent)
	if stats.Errors > 0 {
		e.recordFailureLocked()
	} else {
		e.failures = 0
		e.blocked = time.Time{}
	}
	return e.state.Save(e.statePath)
}

// FiltersEvent reports whether a watcher event on path is an echo of
// a write the bridge performed itself.
func (e *Engine) FiltersEvent(path string) bool {
	return e.filter.shouldFilter(path)
}

// Close persists state and shuts the transport down.
func (e *Engine) Close() error {
	e.mu.Lock()
	saveErr := e.state.Save(e.statePath)
	e.mu.Unlock()
	closeErr := e.transport.Close()
	if saveErr != nil {
		return saveErr
	}
	return closeErr
}

func (e *Engine) breakerOpenLocked() bool {
	return e.clk.Now().Before(e.blocked)
}

func (e *Engine) recordFailureLocked() {
	e.failures++
	if e.failures < e.threshold {
		return
	}
	delay := breakerBaseDelay << (e.failures - e.threshold)
	if delay > breakerMaxDelay || delay <= 0 {
		delay = breakerMaxDelay
	}
	e.blocked = e.clk.Now().Add(delay)
	e.logger().Warn("bridge circuit breaker open",
		"consecutive_failures", e.failures,
		"retry_at", e.blocked)
}

// pushAllLocked walks every inbox under the teams root and pushes
// messages past each inbox's cursor.
func (e *Engine) pushAllLocked(ctx context.Context) Stats {
	var stats Stats
	teams, err := os.ReadDir(e.mail.TeamsRoot())
	if errors.Is(err, fs.ErrNotExist) {
		return stats
	}
	if err != nil {
		e.logger().Warn("reading teams root", "error", err)
		stats.Errors++
		return stats
	}
	for _, team := range teams {
		if !team.IsDir() {
			continue
		}
		inboxes, err := os.ReadDir(filepath.Join(e.mail.TeamsRoot(), team.Name(), "inboxes"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			e.logger().Warn("reading inboxes", "team", team.Name(), "error", err)
			stats.Errors++
			continue
		}
		for _, entry := range inboxes {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
				continue
			}
			agent := strings.TrimSuffix(name, ".json")
			stats.add(e.pushOneLocked(ctx, team.Name(), agent))
			if stats.Errors > 0 {
				// The link is down; the rest of the walk would
				// fail the same way.
				return stats
			}
		}
	}
	return stats
}

func (e *Engine) pushOneLocked(ctx context.Context, team, agent string) Stats {
	var stats Stats
	messages, err := e.mail.ReadInbox(team, agent)
	if err != nil {
		e.logger().Warn("reading inbox for push", "team", team, "agent", agent, "error", err)
		stats.Errors++
		return stats
	}

	key := team + "/" + agent
	cursor := e.state.Cursor(key)
	if cursor > len(messages) {
		// The inbox shrank, most likely rotated by retention.
		cursor = 0
	}

	for _, message := range messages[cursor:] {
		id := message.Identity()
		if e.state.Synced(id) {
			continue
		}
		envelope, err := NewEnvelope(team, agent, e.hostname, message)
		if err != nil {
			e.logger().Warn("encoding envelope", "team", team, "agent", agent, "error", err)
			stats.Errors++
			continue
		}
		if err := e.transport.Send(ctx, envelope); err != nil {
			e.logger().Warn("pushing message", "team", team, "agent", agent, "error", err)
			stats.Errors++
			return stats
		}
		e.state.MarkSynced(id)
		stats.Pushed++
	}
	e.state.SetCursor(key, len(messages))
	return stats
}

// pullLocked drains every envelope currently queued by the transport
// and appends it to the matching local inbox.
func (e *Engine) pullLocked(ctx context.Context) Stats {
	var stats Stats
	if e.incoming == nil {
		incoming, err := e.transport.Receive(ctx)
		if err != nil {
			e.logger().Warn("opening receive channel", "error", err)
			stats.Errors++
			return stats
		}
		e.incoming = incoming
	}

	for {
		select {
		case envelope, ok := <-e.incoming:
			if !ok {
				e.incoming = nil
				return stats
			}
			if envelope.Origin == e.hostname {
				continue
			}
			if err := e.applyLocked(envelope); err != nil {
				e.logger().Warn("applying pulled message",
					"team", envelope.Team,
					"agent", envelope.Agent,
					"origin", envelope.Origin,
					"error", err)
				stats.Errors++
				continue
			}
			stats.Pulled++
		case <-ctx.Done():
			return stats
		default:
			return stats
		}
	}
}

func (e *Engine) applyLocked(envelope Envelope) error {
	message, err := envelope.DecodeMessage()
	if err != nil {
		return err
	}

	// Mark before appending so the push side never echoes a pulled
	// message back to its origin.
	e.state.MarkSynced(message.Identity())

	outcome, err := e.mail.Append(envelope.Team, envelope.Agent, message)
	if err != nil {
		return fmt.Errorf("appending pulled message: %w", err)
	}
	if inboxPath, pathErr := e.mail.InboxPath(envelope.Team, envelope.Agent); pathErr == nil {
		e.filter.register(inboxPath)
	}
	e.logger().Debug("pulled message applied",
		"team", envelope.Team,
		"agent", envelope.Agent,
		"origin", envelope.Origin,
		"outcome", outcome.Kind)
	return nil
}
