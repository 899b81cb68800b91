// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"sync"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
)

// selfWriteTTL is how long a watcher event on a bridge-written path
// is suppressed. Long enough to cover watcher delivery latency, short
// enough that a genuine external write shortly after is still seen.
const selfWriteTTL = 5 * time.Second

// selfWriteFilter breaks the write → watch → push feedback loop: a
// pull writes an inbox, the watcher reports the write, and without
// the filter the bridge would push the pulled messages straight back.
type selfWriteFilter struct {
	clk clock.Clock
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

func newSelfWriteFilter(clk clock.Clock, ttl time.Duration) *selfWriteFilter {
	return &selfWriteFilter{
		clk:     clk,
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// register marks a path as just written by the bridge. Watcher events
// on it are filtered until the TTL elapses; re-registering extends
// the window.
func (f *selfWriteFilter) register(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[path] = f.clk.Now().Add(f.ttl)
}

// shouldFilter reports whether an event on path is a bridge echo.
// Expired entries are removed as they are checked.
func (f *selfWriteFilter) shouldFilter(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	expiration, ok := f.entries[path]
	if !ok {
		return false
	}
	if f.clk.Now().Before(expiration) {
		return true
	}
	delete(f.entries, path)
	return false
}

// sweep drops all expired entries. Called from the sync loop so the
// map does not grow with paths that never see another event.
func (f *selfWriteFilter) sweep() {
	now := f.clk.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for path, expiration := range f.entries {
		if !now.Before(expiration) {
			delete(f.entries, path)
		}
	}
}

func (f *selfWriteFilter) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
