// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package cimonitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/mailroom-foundation/mailroom/lib/config"
)

func init() {
	RegisterProvider("mock", func(config.CIMonitorConfig) (Provider, error) {
		return NewMockProvider(), nil
	})
}

// MockProvider serves scripted runs. Used in tests and as the default
// provider when no CI backend is configured.
type MockProvider struct {
	mu      sync.Mutex
	runs    []Run
	failErr error
}

// NewMockProvider returns an empty mock.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// SetRuns replaces the scripted run list.
func (p *MockProvider) SetRuns(runs ...Run) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append([]Run(nil), runs...)
}

// FailWith makes every call return err until cleared with nil.
func (p *MockProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) ListRuns(ctx context.Context, filter Filter) ([]Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return nil, p.failErr
	}
	var matched []Run
	for _, run := range p.runs {
		if filter.Branch != "" && run.HeadBranch != filter.Branch {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		// List results carry no job details, like the real backends.
		run.Jobs = nil
		matched = append(matched, run)
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
	}
	return matched, nil
}

func (p *MockProvider) GetRun(ctx context.Context, id int64) (Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return Run{}, p.failErr
	}
	for _, run := range p.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return Run{}, fmt.Errorf("mock provider: no run %d", id)
}
