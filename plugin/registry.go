// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mailroom-foundation/mailroom/watcher"
)

// entry tracks one registered plugin and its lifecycle state.
type entry struct {
	plugin Plugin
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns plugin lifecycles. Registration happens before the
// daemon starts; InitAll, StartAll, DispatchEvent, and ShutdownAll
// are called from the daemon's event loop goroutine.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	entries []*entry
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{log: logger}
}

func (r *Registry) logger() *slog.Logger {
	if r.log != nil {
		return r.log
	}
	return slog.Default()
}

// Register adds a plugin in StateCreated. Duplicate names are
// rejected so config references stay unambiguous.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Metadata().Name
	if name == "" {
		return fmt.Errorf("plugin has empty name")
	}
	for _, existing := range r.entries {
		if existing.plugin.Metadata().Name == name {
			return fmt.Errorf("plugin %q already registered", name)
		}
	}
	r.entries = append(r.entries, &entry{plugin: p, state: StateCreated})
	return nil
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StateOf returns a plugin's current state by name.
func (r *Registry) StateOf(name string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.plugin.Metadata().Name == name {
			return e.state, true
		}
	}
	return 0, false
}

// ByCapability returns metadata for every plugin declaring cap.
func (r *Registry) ByCapability(cap Capability) []Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matches []Metadata
	for _, e := range r.entries {
		if metadata := e.plugin.Metadata(); metadata.HasCapability(cap) {
			matches = append(matches, metadata)
		}
	}
	return matches
}

// InitAll initializes every plugin in registration order. A failing
// plugin is marked StateFailed and logged; the rest still
// initialize. The returned error joins nothing: initialization
// failures are isolation events, not daemon-fatal.
func (r *Registry) InitAll(ctx context.Context, pluginContext *Context) {
	r.mu.Lock()
	entries := append([]*entry(nil), r.entries...)
	r.mu.Unlock()

	for _, e := range entries {
		if err := e.plugin.Init(ctx, pluginContext); err != nil {
			r.setState(e, StateFailed)
			r.logger().Error("plugin init failed",
				"plugin", e.plugin.Metadata().Name,
				"error", err,
			)
			continue
		}
		r.setState(e, StateInitialized)
		r.logger().Info("plugin initialized", "plugin", e.plugin.Metadata().Name)
	}
}

// StartAll launches a goroutine per initialized plugin. Each runs
// the plugin's Start; a clean return moves it to StateStopped, an
// error to StateFailed.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.Lock()
	entries := append([]*entry(nil), r.entries...)
	r.mu.Unlock()

	for _, e := range entries {
		if r.stateOf(e) != StateInitialized {
			continue
		}
		pluginCtx, cancel := context.WithCancel(ctx)
		e.done = make(chan struct{})
		e.cancel = cancel
		r.setState(e, StateRunning)

		go func(e *entry) {
			defer close(e.done)
			err := e.plugin.Start(pluginCtx)
			if err != nil && pluginCtx.Err() == nil {
				if r.transition(e, StateRunning, StateFailed) {
					r.logger().Error("plugin stopped with error",
						"plugin", e.plugin.Metadata().Name,
						"error", err,
					)
				}
				return
			}
			r.transition(e, StateRunning, StateStopped)
		}(e)
	}
}

// DispatchEvent delivers a watcher event to every running plugin
// that declares CapabilityEventListener. A handler error marks the
// plugin StateFailed and cancels its Start context; delivery to the
// remaining plugins continues.
func (r *Registry) DispatchEvent(ctx context.Context, event watcher.Event) {
	r.mu.Lock()
	entries := append([]*entry(nil), r.entries...)
	r.mu.Unlock()

	for _, e := range entries {
		if r.stateOf(e) != StateRunning {
			continue
		}
		if !e.plugin.Metadata().HasCapability(CapabilityEventListener) {
			continue
		}
		if err := e.plugin.HandleEvent(ctx, event); err != nil {
			r.logger().Error("plugin event handler failed, disabling plugin",
				"plugin", e.plugin.Metadata().Name,
				"event", event.Kind.String(),
				"error", err,
			)
			r.transition(e, StateRunning, StateFailed)
			if e.cancel != nil {
				e.cancel()
			}
		}
	}
}

// ShutdownAll cancels every running plugin, waits for its Start to
// return, then calls Shutdown in reverse registration order (later
// plugins may depend on earlier ones).
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	entries := append([]*entry(nil), r.entries...)
	r.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.cancel != nil {
			e.cancel()
			select {
			case <-e.done:
			case <-ctx.Done():
				r.logger().Warn("plugin did not stop before shutdown deadline",
					"plugin", e.plugin.Metadata().Name,
				)
			}
		}

		switch r.stateOf(e) {
		case StateInitialized, StateRunning, StateStopped:
			if err := e.plugin.Shutdown(ctx); err != nil {
				r.logger().Warn("plugin shutdown failed",
					"plugin", e.plugin.Metadata().Name,
					"error", err,
				)
			}
			r.setState(e, StateStopped)
		}
	}
}

func (r *Registry) stateOf(e *entry) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.state
}

func (r *Registry) setState(e *entry, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.state = state
}

// transition moves e from an expected state to the next one. It
// reports false when another path already moved the plugin, so a
// Start goroutine unwinding after a dispatch failure cannot mask
// StateFailed with StateStopped.
func (r *Registry) transition(e *entry, from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.state != from {
		return false
	}
	e.state = to
	return true
}
