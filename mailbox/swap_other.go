// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package mailbox

// swapFiles has no portable implementation off Linux. Callers detect
// ErrSwapUnsupported and fall back to plain rename, which gives up
// concurrent-write detection while the lock still serializes writers
// on this host.
func swapFiles(pathA, pathB string) error {
	return ErrSwapUnsupported
}
