// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// fileState is the per-file snapshot the poller compares between
// scans.
type fileState struct {
	modTime time.Time
	size    int64
}

// runPoll scans the teams root every pollInterval and emits events
// for files that appeared, changed, or vanished since the previous
// scan. The first scan establishes the baseline without emitting.
func (w *Watcher) runPoll(ctx context.Context) error {
	previous, err := w.scan()
	if err != nil {
		return err
	}

	ticker := w.clock.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, err := w.scan()
		if err != nil {
			w.logger().Warn("poll scan failed", "error", err)
			continue
		}

		for path, state := range current {
			before, existed := previous[path]
			if existed && before == state {
				continue
			}
			if event, ok := classifyPath(w.root, path, false); ok {
				w.emit(ctx, event)
			}
		}
		for path := range previous {
			if _, still := current[path]; still {
				continue
			}
			if event, ok := classifyPath(w.root, path, true); ok {
				w.emit(ctx, event)
			}
		}
		previous = current
	}
}

// scan snapshots every config.json and inbox file under the root.
// A missing root is an empty snapshot, not an error: the daemon may
// start before the first team is created.
func (w *Watcher) scan() (map[string]fileState, error) {
	snapshot := make(map[string]fileState)

	teams, err := os.ReadDir(w.root)
	if os.IsNotExist(err) {
		return snapshot, nil
	}
	if err != nil {
		return nil, err
	}

	record := func(path string) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return
		}
		snapshot[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}

	for _, team := range teams {
		if !team.IsDir() || team.Name()[0] == '.' {
			continue
		}
		teamDir := filepath.Join(w.root, team.Name())
		record(filepath.Join(teamDir, "config.json"))

		inboxes, err := os.ReadDir(filepath.Join(teamDir, "inboxes"))
		if err != nil {
			continue
		}
		for _, inbox := range inboxes {
			if inbox.IsDir() {
				continue
			}
			record(filepath.Join(teamDir, "inboxes", inbox.Name()))
		}
	}
	return snapshot, nil
}
