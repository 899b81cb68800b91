// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// maxSyncedIDs bounds the dedup cache. Eviction is FIFO, oldest
// first; an ID that falls out of the cache can in principle be pushed
// again, and the pull side's mailbox dedup absorbs the duplicate.
const maxSyncedIDs = 10_000

// SyncState survives daemon restarts so the push side never re-sends
// messages it already relayed.
type SyncState struct {
	// Cursors maps "<team>/<agent>" to the count of local inbox
	// messages already considered for push.
	Cursors map[string]int `json:"cursors"`

	// SyncedIDs holds recently relayed message identities in
	// insertion order, oldest first.
	SyncedIDs []string `json:"synced_ids"`

	index map[string]bool
}

// NewSyncState returns an empty state.
func NewSyncState() *SyncState {
	return &SyncState{
		Cursors: make(map[string]int),
		index:   make(map[string]bool),
	}
}

// LoadSyncState reads the state file at path. A missing file is an
// empty state; a present but unparsable file is an error, since
// silently discarding it would re-push every message.
func LoadSyncState(path string) (*SyncState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewSyncState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading bridge state: %w", err)
	}
	state := NewSyncState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parsing bridge state %s: %w", path, err)
	}
	if state.Cursors == nil {
		state.Cursors = make(map[string]int)
	}
	state.index = make(map[string]bool, len(state.SyncedIDs))
	for _, id := range state.SyncedIDs {
		state.index[id] = true
	}
	return state, nil
}

// Save writes the state atomically via a temp file and rename,
// creating the parent directory if needed.
func (s *SyncState) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bridge state: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing bridge state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing bridge state: %w", err)
	}
	return nil
}

// Cursor returns the push cursor for an inbox key, 0 if never synced.
func (s *SyncState) Cursor(key string) int {
	return s.Cursors[key]
}

// SetCursor records how many messages of an inbox have been pushed.
func (s *SyncState) SetCursor(key string, count int) {
	s.Cursors[key] = count
}

// Synced reports whether a message identity was already relayed.
func (s *SyncState) Synced(id string) bool {
	return s.index[id]
}

// MarkSynced records a relayed identity, evicting the oldest entries
// beyond the cache bound.
func (s *SyncState) MarkSynced(id string) {
	if s.index[id] {
		return
	}
	s.index[id] = true
	s.SyncedIDs = append(s.SyncedIDs, id)
	for len(s.SyncedIDs) > maxSyncedIDs {
		oldest := s.SyncedIDs[0]
		s.SyncedIDs = s.SyncedIDs[1:]
		delete(s.index, oldest)
	}
}

// SyncedCount returns the dedup cache size.
func (s *SyncState) SyncedCount() int {
	return len(s.SyncedIDs)
}
