// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package cimonitor watches CI pipeline runs and posts failures into
// an agent's inbox.
//
// Providers translate a CI backend's vocabulary into the neutral
// Run/Job/Step shapes here; the plugin polls the configured provider
// and notifies on completed runs whose conclusion warrants it.
package cimonitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/mailroom-foundation/mailroom/lib/config"
)

// RunStatus is the neutral lifecycle position of a run, job, or step.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
)

// RunConclusion is the neutral final result of a completed run.
type RunConclusion string

const (
	ConclusionSuccess   RunConclusion = "success"
	ConclusionFailure   RunConclusion = "failure"
	ConclusionCancelled RunConclusion = "cancelled"
	ConclusionUnknown   RunConclusion = "unknown"
)

// Run is one CI pipeline run.
type Run struct {
	ID         int64
	Name       string
	Status     RunStatus
	Conclusion RunConclusion
	HeadBranch string
	HeadSHA    string
	URL        string
	CreatedAt  string
	UpdatedAt  string

	// Jobs is populated by GetRun; ListRuns leaves it nil.
	Jobs []Job
}

// Job is one job within a run.
type Job struct {
	ID         int64
	Name       string
	Status     RunStatus
	Conclusion RunConclusion
	Steps      []Step
}

// Step is one step within a job.
type Step struct {
	Name       string
	Status     RunStatus
	Conclusion RunConclusion
	Number     int
}

// Filter narrows a ListRuns query. Zero values mean "any".
type Filter struct {
	Branch string
	Status RunStatus
	Limit  int
}

// Provider is a CI backend.
type Provider interface {
	// ListRuns returns recent runs matching the filter, newest
	// first.
	ListRuns(ctx context.Context, filter Filter) ([]Run, error)

	// GetRun returns one run with its jobs populated.
	GetRun(ctx context.Context, id int64) (Run, error)

	// Name identifies the backend for logs.
	Name() string
}

// Factory builds a Provider from the ci_monitor configuration
// section.
type Factory func(cfg config.CIMonitorConfig) (Provider, error)

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Factory)
)

// RegisterProvider makes a provider available under name. Panics on a
// duplicate or nil registration.
func RegisterProvider(name string, factory Factory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if factory == nil {
		panic("cimonitor: RegisterProvider with nil factory")
	}
	if _, dup := providers[name]; dup {
		panic("cimonitor: RegisterProvider called twice for " + name)
	}
	providers[name] = factory
}

// NewProvider builds the named provider. An unknown name is an error
// for the caller, not a panic: the daemon isolates it to the plugin.
func NewProvider(name string, cfg config.CIMonitorConfig) (Provider, error) {
	providersMu.RLock()
	factory, ok := providers[name]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown CI provider %q", name)
	}
	return factory(cfg)
}
