// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
)

// defaultLockStaleAfter is how old a lock marker must be before
// another writer may reclaim it. A holder that crashes between
// acquire and release leaves the marker behind; without reclaim the
// inbox would be wedged forever.
const defaultLockStaleAfter = 30 * time.Second

// lockBackoffBase is the first retry delay. Each subsequent attempt
// doubles it: 50ms, 100ms, 200ms, 400ms, 800ms.
const lockBackoffBase = 50 * time.Millisecond

// lockOwner identifies the process holding a lock marker. Stored as
// JSON inside the marker file so an operator inspecting a wedged
// inbox can see who held it and since when.
type lockOwner struct {
	PID        int    `json:"pid"`
	Hostname   string `json:"hostname"`
	AcquiredAt string `json:"acquired_at"`
}

// fileLock is a held inbox lock. Release removes the marker file.
type fileLock struct {
	path string
}

func (l *fileLock) release() {
	_ = os.Remove(l.path)
}

// acquireLock creates the lock marker at path with O_EXCL, retrying
// with exponential backoff while another writer holds it. A marker
// older than staleAfter is treated as abandoned: it is removed (with
// a logged recovery) and acquisition continues in the same attempt
// budget.
//
// The attempt budget is maxRetries+1 tries: the first try is
// immediate, each retry waits lockBackoffBase doubled per attempt.
func acquireLock(clk clock.Clock, logger *slog.Logger, path string, maxRetries int, staleAfter time.Duration) (*fileLock, error) {
	if staleAfter <= 0 {
		staleAfter = defaultLockStaleAfter
	}

	hostname, _ := os.Hostname()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			owner := lockOwner{
				PID:        os.Getpid(),
				Hostname:   hostname,
				AcquiredAt: clk.Now().UTC().Format(time.RFC3339Nano),
			}
			data, marshalErr := json.Marshal(owner)
			if marshalErr == nil {
				_, _ = file.Write(data)
			}
			if closeErr := file.Close(); closeErr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("writing lock marker %s: %w", path, closeErr)
			}
			return &fileLock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("creating lock marker %s: %w", path, err)
		}

		if reclaimStaleLock(clk, logger, path, staleAfter) {
			// Marker removed; retry immediately without burning a
			// backoff interval.
			attempt--
			continue
		}

		if attempt < maxRetries {
			clk.Sleep(lockBackoffBase << uint(attempt))
		}
	}

	return nil, &LockTimeoutError{Path: path, Retries: maxRetries}
}

// reclaimStaleLock removes the marker at path if its holder appears
// dead. Age comes from the acquired_at field when the marker parses,
// or the file mtime when it does not (a marker from a writer that
// crashed mid-write). Returns true if the marker was removed.
func reclaimStaleLock(clk clock.Clock, logger *slog.Logger, path string, staleAfter time.Duration) bool {
	now := clk.Now()

	var owner lockOwner
	acquiredAt := time.Time{}
	data, err := os.ReadFile(path)
	if err == nil && json.Unmarshal(data, &owner) == nil && owner.AcquiredAt != "" {
		if parsed, parseErr := time.Parse(time.RFC3339Nano, owner.AcquiredAt); parseErr == nil {
			acquiredAt = parsed
		}
	}
	if acquiredAt.IsZero() {
		info, statErr := os.Stat(path)
		if statErr != nil {
			// Marker vanished between O_EXCL failure and here: the
			// holder released it. Let the caller retry.
			return errors.Is(statErr, fs.ErrNotExist)
		}
		acquiredAt = info.ModTime()
	}

	if now.Sub(acquiredAt) < staleAfter {
		return false
	}

	if err := os.Remove(path); err != nil {
		return false
	}
	logger.Warn("reclaimed stale inbox lock",
		"path", path,
		"holder_pid", owner.PID,
		"holder_hostname", owner.Hostname,
		"held_for", now.Sub(acquiredAt).String(),
	)
	return true
}
