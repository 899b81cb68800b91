// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/mailroom-foundation/mailroom/lib/hash"
	"github.com/mailroom-foundation/mailroom/lib/schema"
)

// emptyInboxHash is the content hash of a not-yet-created inbox. A
// missing file and an empty array are the same inbox state.
var emptyInboxHash = hash.Content([]byte("[]"))

// modifyFunc transforms the current inbox contents. It returns the
// new contents and whether anything changed; an unchanged inbox skips
// the write entirely.
type modifyFunc func(messages []schema.InboxMessage) ([]schema.InboxMessage, bool)

// writeWithConflictCheck runs the locked read-modify-swap protocol
// against inboxPath. The returned outcome is OutcomeSuccess for a
// clean write and OutcomeConflictResolved when a concurrent writer's
// version was absorbed.
func (s *Service) writeWithConflictCheck(inboxPath string, modify modifyFunc) (WriteOutcome, error) {
	lockPath := inboxPath + ".lock"
	tmpPath := inboxPath + ".tmp"

	lock, err := acquireLock(s.clock, s.logger(), lockPath, s.lockRetries, s.lockStaleAfter)
	if err != nil {
		return WriteOutcome{}, err
	}
	defer lock.release()

	messages, originalHash, existed, err := readInboxFile(inboxPath)
	if err != nil {
		return WriteOutcome{}, err
	}

	updated, changed := modify(messages)
	if !changed {
		return WriteOutcome{Kind: OutcomeSuccess}, nil
	}

	content, err := encodeInbox(updated)
	if err != nil {
		return WriteOutcome{}, fmt.Errorf("encoding %s: %w", inboxPath, err)
	}
	if err := writeSyncedFile(tmpPath, content, 0o644); err != nil {
		return WriteOutcome{}, err
	}

	if !existed {
		if err := os.Rename(tmpPath, inboxPath); err != nil {
			return WriteOutcome{}, fmt.Errorf("creating inbox %s: %w", inboxPath, err)
		}
		return WriteOutcome{Kind: OutcomeSuccess}, nil
	}

	if err := swapFiles(inboxPath, tmpPath); err != nil {
		if errors.Is(err, ErrSwapUnsupported) {
			// Plain rename: the lock still serializes writers on this
			// host, only cross-host external writers go undetected.
			if renameErr := os.Rename(tmpPath, inboxPath); renameErr != nil {
				return WriteOutcome{}, fmt.Errorf("replacing inbox %s: %w", inboxPath, renameErr)
			}
			return WriteOutcome{Kind: OutcomeSuccess}, nil
		}
		return WriteOutcome{}, err
	}

	// The displaced file now holds whatever was at inboxPath the
	// instant before the exchange. If its hash differs from what we
	// read in step 2, another writer committed in between.
	displacedContent, err := os.ReadFile(tmpPath)
	if err != nil {
		return WriteOutcome{}, fmt.Errorf("reading displaced inbox %s: %w", tmpPath, err)
	}

	outcome := WriteOutcome{Kind: OutcomeSuccess}
	if hash.Content(displacedContent) != originalHash {
		var displaced []schema.InboxMessage
		if err := json.Unmarshal(displacedContent, &displaced); err != nil {
			return WriteOutcome{}, fmt.Errorf("parsing displaced inbox %s: %w", tmpPath, err)
		}

		merged, err := mergeMessages(updated, displaced)
		if err != nil {
			var mergeErr *MergeError
			if errors.As(err, &mergeErr) {
				mergeErr.Path = inboxPath
			}
			return WriteOutcome{}, err
		}
		absorbed := len(merged) - len(updated)

		mergedContent, err := encodeInbox(merged)
		if err != nil {
			return WriteOutcome{}, fmt.Errorf("encoding merged inbox %s: %w", inboxPath, err)
		}
		if err := writeSyncedFile(tmpPath, mergedContent, 0o644); err != nil {
			return WriteOutcome{}, err
		}
		if err := swapFiles(inboxPath, tmpPath); err != nil {
			return WriteOutcome{}, err
		}

		outcome = WriteOutcome{Kind: OutcomeConflictResolved, Merged: absorbed}
		s.logger().Info("merged concurrent inbox write",
			"inbox", inboxPath,
			"absorbed_messages", absorbed,
		)
	}

	_ = os.Remove(tmpPath)
	return outcome, nil
}

// readInboxFile reads and parses an inbox, returning its messages,
// the BLAKE3 hash of its raw bytes, and whether the file existed.
func readInboxFile(path string) (messages []schema.InboxMessage, contentHash string, existed bool, err error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, emptyInboxHash, false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("reading inbox %s: %w", path, err)
	}
	if err := json.Unmarshal(content, &messages); err != nil {
		return nil, "", false, fmt.Errorf("parsing inbox %s: %w", path, err)
	}
	return messages, hash.Content(content), true, nil
}

// encodeInbox marshals messages as an indented JSON array. External
// tools read inbox files directly, so the format stays human-legible.
func encodeInbox(messages []schema.InboxMessage) ([]byte, error) {
	if messages == nil {
		messages = []schema.InboxMessage{}
	}
	return json.MarshalIndent(messages, "", "  ")
}

// mergeMessages reconciles two inbox versions after a detected
// concurrent write. Ours is the base; theirs contributes every
// message whose identity we do not already hold. The result is
// sorted by timestamp (stable, so same-timestamp messages keep their
// relative order).
//
// The read flag is monotonic: a message marked read in either version
// stays read. Two messages sharing a message ID but disagreeing on
// body text cannot be reconciled and produce a MergeError.
func mergeMessages(ours, theirs []schema.InboxMessage) ([]schema.InboxMessage, error) {
	merged := make([]schema.InboxMessage, len(ours))
	copy(merged, ours)

	index := make(map[string]int, len(merged))
	for i, message := range merged {
		index[message.Identity()] = i
	}

	for _, message := range theirs {
		position, present := index[message.Identity()]
		if !present {
			index[message.Identity()] = len(merged)
			merged = append(merged, message)
			continue
		}
		existing := &merged[position]
		if existing.Text != message.Text {
			return nil, &MergeError{
				Reason: fmt.Sprintf("message %s has divergent bodies", message.Identity()),
			}
		}
		if message.Read {
			existing.Read = true
		}
	}

	sortMessagesByTimestamp(merged)
	return merged, nil
}

// sortMessagesByTimestamp orders messages chronologically. RFC 3339
// UTC timestamps sort correctly as strings.
func sortMessagesByTimestamp(messages []schema.InboxMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
}
