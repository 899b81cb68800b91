// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// watchMask covers file writes (IN_CLOSE_WRITE for plain writes,
// IN_MOVED_TO for rename-based atomic writes and exchanges),
// removals, and directory creation for dynamic watch registration.
const watchMask = unix.IN_CREATE | unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO |
	unix.IN_MOVED_FROM | unix.IN_DELETE

// runInotify watches the teams root with inotify until ctx is
// cancelled. Watches are installed on the root, every team directory,
// and every inboxes directory; new directories are picked up from
// their creation events.
func (w *Watcher) runInotify(ctx context.Context) error {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify_init1: %w", err)
	}
	defer unix.Close(fd)

	// wd → watched directory. Resolves event names to full paths.
	watches := make(map[int32]string)

	addWatch := func(dir string) error {
		wd, err := unix.InotifyAddWatch(fd, dir, watchMask)
		if err != nil {
			return fmt.Errorf("inotify_add_watch on %s: %w", dir, err)
		}
		watches[int32(wd)] = dir
		return nil
	}

	if err := addWatch(w.root); err != nil {
		return err
	}
	teams, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("listing teams root: %w", err)
	}
	for _, team := range teams {
		if !team.IsDir() || team.Name()[0] == '.' {
			continue
		}
		teamDir := filepath.Join(w.root, team.Name())
		if err := addWatch(teamDir); err != nil {
			return err
		}
		inboxDir := filepath.Join(teamDir, "inboxes")
		if _, statErr := os.Stat(inboxDir); statErr == nil {
			if err := addWatch(inboxDir); err != nil {
				return err
			}
		}
	}

	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// poll(2) with a 100ms timeout keeps the loop responsive to
		// cancellation without spinning.
		pollDescriptors := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("polling inotify fd: %w", err)
		}
		if count == 0 {
			continue
		}

		bytesRead, err := unix.Read(fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reading inotify events: %w", err)
		}

		w.dispatchInotifyEvents(ctx, buffer[:bytesRead], watches, addWatch)
	}
}

// dispatchInotifyEvents walks a buffer of raw inotify events and
// emits watcher events. Event layout per inotify(7): wd at offset 0,
// mask at 4, cookie at 8, name length at 12, null-padded name at 16.
func (w *Watcher) dispatchInotifyEvents(ctx context.Context, buffer []byte, watches map[int32]string, addWatch func(string) error) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		wd := int32(binary.NativeEndian.Uint32(buffer[offset : offset+4]))
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}
		name := ""
		if nameLength > 0 {
			name = nullTerminatedString(buffer[offset+unix.SizeofInotifyEvent : offset+eventSize])
		}
		offset += eventSize

		if mask&unix.IN_IGNORED != 0 {
			delete(watches, wd)
			continue
		}
		dir, known := watches[wd]
		if !known || name == "" {
			continue
		}
		fullPath := filepath.Join(dir, name)

		if mask&unix.IN_ISDIR != 0 {
			if mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
				w.watchNewDirectory(ctx, fullPath, addWatch)
			}
			continue
		}

		if mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0 {
			// A RENAME_EXCHANGE fires IN_MOVED_FROM for a file that
			// still exists under its old name. Only a path that is
			// actually gone is a removal.
			if _, statErr := os.Stat(fullPath); statErr == nil {
				continue
			}
			if event, ok := classifyPath(w.root, fullPath, true); ok {
				w.emit(ctx, event)
			}
			continue
		}

		if mask&(unix.IN_CLOSE_WRITE|unix.IN_MOVED_TO) != 0 {
			if event, ok := classifyPath(w.root, fullPath, false); ok {
				w.emit(ctx, event)
			}
		}
	}
}

// watchNewDirectory installs a watch on a directory that appeared
// after startup, then emits events for any files already inside it:
// files written between the directory's creation and the watch
// installation would otherwise be missed.
func (w *Watcher) watchNewDirectory(ctx context.Context, dir string, addWatch func(string) error) {
	if err := addWatch(dir); err != nil {
		w.logger().Warn("could not watch new directory", "dir", dir, "error", err)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		fullPath := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			w.watchNewDirectory(ctx, fullPath, addWatch)
			continue
		}
		if event, ok := classifyPath(w.root, fullPath, false); ok {
			w.emit(ctx, event)
		}
	}
}

// nullTerminatedString extracts a string from a null-padded byte
// slice, stopping at the first null byte.
func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
