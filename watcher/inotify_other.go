// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package watcher

import (
	"context"
	"fmt"
)

// runInotify is Linux-only. Auto mode catches this error and
// degrades to polling.
func (w *Watcher) runInotify(ctx context.Context) error {
	return fmt.Errorf("inotify is not available on this platform")
}
