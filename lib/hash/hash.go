// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash provides BLAKE3 content hashing for conflict detection
// and message identity. Hashes are 256-bit digests rendered as
// 64-character lowercase hex strings, the canonical format used in
// sync cursors, dedup sets, logs, and tests.
package hash

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the digest size in bytes. All mailroom content hashes are
// this size.
const Size = 32

// Content computes the BLAKE3 hash of the given bytes and returns it
// hex-encoded. Deterministic: the same input always produces the same
// string. Used to detect concurrent inbox mutation between the read
// and write halves of an atomic update.
func Content(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fields computes a single hash over a sequence of string fields with
// length-prefixed framing. The framing prevents ambiguity between
// ("ab", "c") and ("a", "bc"), so two messages with different field
// boundaries never collide.
func Fields(fields ...string) string {
	hasher := blake3.New()
	var prefix [binary.MaxVarintLen64]byte
	for _, field := range fields {
		n := binary.PutUvarint(prefix[:], uint64(len(field)))
		hasher.Write(prefix[:n])
		hasher.Write([]byte(field))
	}
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum)
}
