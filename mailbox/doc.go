// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailbox implements multi-writer inbox files with atomic
// writes, conflict detection, and a durability spool.
//
// Each agent's inbox is a JSON array at
// <teams>/<team>/inboxes/<agent>.json. Multiple processes append
// concurrently; the write protocol keeps every message:
//
//  1. Acquire the inbox lock (a marker file next to the inbox) with
//     exponential backoff.
//  2. Read the current inbox and hash its bytes with BLAKE3.
//  3. Apply the modification, write the result to a temp file, fsync.
//  4. Atomically exchange the temp file and the inbox
//     (renameat2 RENAME_EXCHANGE).
//  5. Hash the displaced file. A hash mismatch means another writer
//     slipped in between read and swap: merge the two versions and
//     swap again.
//
// When the lock cannot be acquired within the retry budget, the
// message is queued in the spool and delivered later by the daemon's
// drain loop. See [Spool].
package mailbox
