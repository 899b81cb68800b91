// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called; timers, tickers, and sleeps register
// waiters that fire when the clock advances past their deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is a pending After, Sleep, or Ticker operation.
type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for ticker waiters; after firing, the
	// waiter is rescheduled at deadline + interval.
	interval time.Duration

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// NewTicker returns a Ticker that fires each time the clock advances
// past the next interval boundary.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.waiters = append(c.waiters, waiter)
	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// Sleep blocks until the clock advances past the deadline. A Sleep
// with d <= 0 returns immediately.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the advanced window, in deadline order.
// Tickers fire once per elapsed interval (dropped if the consumer's
// buffer is full, matching time.Ticker).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.current.Add(d)
	for {
		next := c.nextWaiterLocked(target)
		if next == nil {
			break
		}
		c.current = next.deadline
		c.fireLocked(next)
	}
	c.current = target
	c.compactLocked()
}

// nextWaiterLocked returns the unfired waiter with the earliest
// deadline at or before target, or nil.
func (c *FakeClock) nextWaiterLocked(target time.Time) *fakeWaiter {
	candidates := make([]*fakeWaiter, 0, len(c.waiters))
	for _, waiter := range c.waiters {
		if waiter.stopped || waiter.fired {
			continue
		}
		if !waiter.deadline.After(target) {
			candidates = append(candidates, waiter)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].deadline.Before(candidates[j].deadline)
	})
	return candidates[0]
}

func (c *FakeClock) fireLocked(waiter *fakeWaiter) {
	select {
	case waiter.channel <- waiter.deadline:
	default:
		// Consumer's buffer is full: drop the tick.
	}
	if waiter.interval > 0 {
		waiter.deadline = waiter.deadline.Add(waiter.interval)
	} else {
		waiter.fired = true
	}
}

func (c *FakeClock) compactLocked() {
	live := c.waiters[:0]
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			live = append(live, waiter)
		}
	}
	c.waiters = live
}

// PendingWaiters returns the number of unfired waiters. Tests use it
// to confirm a loop has parked on its timer before advancing.
func (c *FakeClock) PendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			count++
		}
	}
	return count
}
