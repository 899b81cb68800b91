// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject Fake() and advance time
// deterministically.
//
// Every mailroom loop that sleeps, ticks, or backs off takes a Clock
// (or is a method on a struct with a Clock field) instead of calling
// the time package directly. That includes lock-acquisition backoff,
// the spool drain ticker, bridge sync cycles, CI polling, and roster
// grace-period checks.
package clock

import "time"

// Clock provides the time operations mailroom loops need.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks at the given
	// interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to
// release resources. C has capacity 1: if the consumer falls behind,
// ticks are dropped rather than queued.
type Ticker struct {
	// C delivers ticks.
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No ticks are delivered after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
