// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvance(t *testing.T) {
	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	fake.Advance(90 * time.Second)
	want := epoch.Add(90 * time.Second)
	if got := fake.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	fake := Fake(epoch)
	ch := fake.After(10 * time.Second)

	fake.Advance(9 * time.Second)
	select {
	case at := <-ch:
		t.Fatalf("timer fired early at %v", at)
	default:
	}

	fake.Advance(time.Second)
	select {
	case at := <-ch:
		if want := epoch.Add(10 * time.Second); !at.Equal(want) {
			t.Fatalf("fired at %v, want %v", at, want)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(epoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) should be immediately ready")
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Minute)
	defer ticker.Stop()

	fake.Advance(time.Minute)
	if at := <-ticker.C; !at.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("first tick at %v", at)
	}
	fake.Advance(time.Minute)
	if at := <-ticker.C; !at.Equal(epoch.Add(2 * time.Minute)) {
		t.Fatalf("second tick at %v", at)
	}
}

func TestFakeTickerDropsWhenBufferFull(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// Three intervals elapse with nobody draining the channel; the
	// single-slot buffer holds only the first tick.
	fake.Advance(3 * time.Second)
	if at := <-ticker.C; !at.Equal(epoch.Add(time.Second)) {
		t.Fatalf("buffered tick at %v", at)
	}
	select {
	case at := <-ticker.C:
		t.Fatalf("unexpected extra tick at %v", at)
	default:
	}
}

func TestFakeTickerStop(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(5 * time.Second)
	select {
	case at := <-ticker.C:
		t.Fatalf("tick after Stop at %v", at)
	default:
	}
	if got := fake.PendingWaiters(); got != 0 {
		t.Fatalf("PendingWaiters() = %d after Stop, want 0", got)
	}
}

func TestFakeWaitersFireInDeadlineOrder(t *testing.T) {
	fake := Fake(epoch)
	late := fake.After(20 * time.Second)
	early := fake.After(5 * time.Second)

	fake.Advance(30 * time.Second)
	earlyAt := <-early
	lateAt := <-late
	if !earlyAt.Before(lateAt) {
		t.Fatalf("waiters fired out of order: early=%v late=%v", earlyAt, lateAt)
	}
}

func TestFakeSleepReturnsAfterAdvance(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		fake.Sleep(time.Second)
		close(done)
	}()

	for fake.PendingWaiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	fake.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}
