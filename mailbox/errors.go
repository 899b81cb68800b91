// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"errors"
	"fmt"
)

// ErrSwapUnsupported reports that the platform has no atomic file
// exchange syscall. Callers fall back to plain rename, losing
// concurrent-write detection but not atomicity of the rename itself.
var ErrSwapUnsupported = errors.New("atomic file exchange not supported on this platform")

// LockTimeoutError reports that a writer exhausted its retry budget
// waiting for an inbox lock. The message is not lost: Append spools
// it and reports WriteOutcome.Queued.
type LockTimeoutError struct {
	Path    string
	Retries int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("failed to acquire lock on %s after %d retries", e.Path, e.Retries)
}

// InvalidPathError reports an inbox path that does not follow the
// <teams>/<team>/inboxes/<agent>.json layout.
type InvalidPathError struct {
	Path string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid inbox path: %s", e.Path)
}

// MergeError reports that a concurrent write was detected but the two
// inbox versions could not be reconciled, e.g. two messages carrying
// the same message ID with different bodies.
type MergeError struct {
	Path   string
	Reason string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("conflict detected on %s but merge failed: %s", e.Path, e.Reason)
}
