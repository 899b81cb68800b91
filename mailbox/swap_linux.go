// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// swapFiles atomically exchanges the files at pathA and pathB using
// renameat2 with RENAME_EXCHANGE (kernel 3.15+). After the call each
// path holds the other's previous content; there is no window where
// either path is missing.
func swapFiles(pathA, pathB string) error {
	err := unix.Renameat2(unix.AT_FDCWD, pathA, unix.AT_FDCWD, pathB, unix.RENAME_EXCHANGE)
	if err == nil {
		return nil
	}
	// Old kernels and some filesystems (notably overlayfs) reject
	// RENAME_EXCHANGE.
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.ENOTSUP) {
		return ErrSwapUnsupported
	}
	return fmt.Errorf("exchanging %s and %s: %w", pathA, pathB, err)
}
