// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin defines the daemon's extension runtime: the Plugin
// interface, the capability model, and the Registry that drives
// plugin lifecycles.
//
// Lifecycle: a registered plugin starts in StateCreated, moves to
// StateInitialized after Init, StateRunning while its Start goroutine
// lives, and ends in StateStopped (clean return) or StateFailed
// (error). Failed plugins are isolated: they stop receiving events
// but never take the daemon down.
package plugin

import (
	"context"
	"fmt"

	"github.com/mailroom-foundation/mailroom/lib/config"
	"github.com/mailroom-foundation/mailroom/mailbox"
	"github.com/mailroom-foundation/mailroom/roster"
	"github.com/mailroom-foundation/mailroom/watcher"
)

// Capability declares something a plugin can do. The fixed values
// below drive routing and dispatch decisions; any other non-empty
// string is a custom capability, carried but uninterpreted.
type Capability string

const (
	// CapabilityAdvertiseMembers marks plugins that add synthetic
	// members to team rosters.
	CapabilityAdvertiseMembers Capability = "advertise-members"

	// CapabilityInterceptSend marks plugins that see outbound
	// messages before delivery.
	CapabilityInterceptSend Capability = "intercept-send"

	// CapabilityInjectMessages marks plugins that write messages
	// into agent inboxes.
	CapabilityInjectMessages Capability = "inject-messages"

	// CapabilityEventListener marks plugins that react to watcher
	// events.
	CapabilityEventListener Capability = "event-listener"

	// CapabilityCIMonitor marks plugins that watch CI pipelines.
	CapabilityCIMonitor Capability = "ci-monitor"

	// CapabilityBridge marks plugins that relay messages across
	// hosts.
	CapabilityBridge Capability = "bridge"

	// CapabilityRetention marks plugins that manage inbox rotation.
	CapabilityRetention Capability = "retention"

	// CapabilityIssueTracking marks plugins that mirror issue
	// tracker activity into inboxes.
	CapabilityIssueTracking Capability = "issue-tracking"

	// CapabilityChat marks plugins that bridge external chat
	// systems.
	CapabilityChat Capability = "chat"
)

// Metadata identifies a plugin.
type Metadata struct {
	Name         string
	Version      string
	Description  string
	Capabilities []Capability
}

// HasCapability reports whether the plugin declares cap.
func (m Metadata) HasCapability(cap Capability) bool {
	for _, candidate := range m.Capabilities {
		if candidate == cap {
			return true
		}
	}
	return false
}

// State is a plugin's lifecycle position.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SystemInfo describes the host the daemon runs on.
type SystemInfo struct {
	Hostname string
	Platform string
}

// Context bundles the shared services plugins use. Passed to Init;
// plugins keep the references they need.
type Context struct {
	// System describes the host.
	System SystemInfo

	// Mail reads and writes agent inboxes.
	Mail *mailbox.Service

	// Config is the daemon configuration.
	Config *config.Config

	// Roster manages team membership, including synthetic members
	// advertised by plugins.
	Roster *roster.Service
}

// Plugin is the daemon extension interface.
//
// HandleEvent is called from the daemon's event loop for every
// watcher event while the plugin is running; implementations must
// return quickly and do slow work in their Start goroutine.
type Plugin interface {
	// Metadata returns identity and capabilities. Must be callable
	// in any state.
	Metadata() Metadata

	// Init performs one-time setup: read config, open connections,
	// advertise synthetic members.
	Init(ctx context.Context, pluginContext *Context) error

	// Start is the plugin's long-running loop. It blocks until ctx
	// is cancelled; a nil return is a clean stop.
	Start(ctx context.Context) error

	// HandleEvent reacts to one filesystem event.
	HandleEvent(ctx context.Context, event watcher.Event) error

	// Shutdown flushes state and closes connections. Called after
	// Start has returned.
	Shutdown(ctx context.Context) error
}
