// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package watcher detects changes to team directories and turns them
// into typed events.
//
// The watched tree is the teams root:
//
//	<root>/<team>/config.json
//	<root>/<team>/inboxes/<agent>.json
//
// On Linux the watcher uses inotify; elsewhere, or when inotify
// setup fails in auto mode, it falls back to periodic polling.
// Consumers must tolerate duplicate events: both mechanisms may
// report the same change more than once, and the polling fallback
// coalesces rapid successive writes into one event.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
)

// Kind classifies a filesystem event.
type Kind int

const (
	// MessageReceived means an inbox file was created or rewritten.
	MessageReceived Kind = iota

	// InboxRemoved means an inbox file was deleted.
	InboxRemoved

	// ConfigChanged means a team's config.json was created or
	// rewritten.
	ConfigChanged
)

func (k Kind) String() string {
	switch k {
	case MessageReceived:
		return "message-received"
	case InboxRemoved:
		return "inbox-removed"
	case ConfigChanged:
		return "config-changed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one detected change.
type Event struct {
	// Team is the team directory name.
	Team string

	// Agent is the inbox owner. Empty for ConfigChanged.
	Agent string

	// Path is the absolute path of the changed file.
	Path string

	// Kind classifies the change.
	Kind Kind
}

// eventBuffer absorbs bursts when the consumer is mid-dispatch.
const eventBuffer = 64

// Options configures a Watcher.
type Options struct {
	// Root is the teams root directory.
	Root string

	// Mode selects the mechanism: "inotify", "poll", or "auto".
	// Empty means auto.
	Mode string

	// PollInterval is the scan period in poll mode. Zero means 2s.
	PollInterval time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger may be nil, in which case slog.Default() is used.
	Logger *slog.Logger
}

// Watcher emits Events for changes under a teams root. Create it
// with New, then call Run from a single goroutine; Events delivers
// until Run returns.
type Watcher struct {
	root         string
	mode         string
	pollInterval time.Duration
	clock        clock.Clock
	log          *slog.Logger

	mu     sync.Mutex
	events chan Event
}

// New creates a watcher. Run must be called to start delivery.
func New(options Options) (*Watcher, error) {
	if options.Root == "" {
		return nil, fmt.Errorf("watcher: Root is required")
	}
	mode := options.Mode
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "inotify", "poll", "auto":
	default:
		return nil, fmt.Errorf("watcher: unknown mode %q", mode)
	}

	w := &Watcher{
		root:         options.Root,
		mode:         mode,
		pollInterval: options.PollInterval,
		clock:        options.Clock,
		log:          options.Logger,
		events:       make(chan Event, eventBuffer),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 2 * time.Second
	}
	if w.clock == nil {
		w.clock = clock.Real()
	}
	return w, nil
}

func (w *Watcher) logger() *slog.Logger {
	if w.log != nil {
		return w.log
	}
	return slog.Default()
}

// Events returns the delivery channel for the current or next Run.
// The channel is closed when that Run returns; after a restart,
// call Events again for the fresh channel.
func (w *Watcher) Events() <-chan Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

// Run watches until ctx is cancelled. In auto mode an inotify setup
// failure is logged and the watcher degrades to polling instead of
// returning an error. When Run returns it closes the delivery
// channel and replaces it, so the watcher can be run again.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		close(w.events)
		w.events = make(chan Event, eventBuffer)
		w.mu.Unlock()
	}()

	switch w.mode {
	case "inotify":
		return w.runInotify(ctx)
	case "poll":
		return w.runPoll(ctx)
	default: // auto
		err := w.runInotify(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		w.logger().Warn("inotify unavailable, falling back to polling", "error", err)
		return w.runPoll(ctx)
	}
}

// emit delivers an event, blocking until the consumer accepts it or
// ctx is cancelled.
func (w *Watcher) emit(ctx context.Context, event Event) {
	select {
	case w.events <- event:
	case <-ctx.Done():
	}
}

// classifyPath maps a changed file to an event. The removed flag
// distinguishes deletion from creation or rewrite. Lock markers,
// temp files, and anything outside the known layout produce no
// event.
func classifyPath(root, path string, removed bool) (Event, bool) {
	relative, err := filepath.Rel(root, path)
	if err != nil {
		return Event{}, false
	}
	parts := strings.Split(filepath.ToSlash(relative), "/")
	base := parts[len(parts)-1]

	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
		return Event{}, false
	}

	switch {
	case len(parts) == 2 && base == "config.json":
		if removed {
			return Event{}, false
		}
		return Event{Team: parts[0], Path: path, Kind: ConfigChanged}, true
	case len(parts) == 3 && parts[1] == "inboxes":
		agent := strings.TrimSuffix(base, ".json")
		kind := MessageReceived
		if removed {
			kind = InboxRemoved
		}
		return Event{Team: parts[0], Agent: agent, Path: path, Kind: kind}, true
	}
	return Event{}, false
}
