// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package retention

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/mailroom-foundation/mailroom/lib/schema"
)

// Archiver writes rotated inbox segments under
// <root>/<team>/<agent>-<date>.json.zst, age-encrypted (an extra
// .age suffix) when recipients are configured.
type Archiver struct {
	root       string
	recipients []age.Recipient
}

// NewArchiver returns an Archiver rooted at root. recipientKeys are
// age X25519 public keys; empty means unencrypted segments.
func NewArchiver(root string, recipientKeys []string) (*Archiver, error) {
	if root == "" {
		return nil, fmt.Errorf("retention: archive root is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing age recipient: %w", err)
		}
		recipients = append(recipients, recipient)
	}
	return &Archiver{root: root, recipients: recipients}, nil
}

// Encrypted reports whether segments are age-encrypted.
func (a *Archiver) Encrypted() bool { return len(a.recipients) > 0 }

// WriteSegment writes messages as one archive segment and returns its
// path. The segment is written to a temp file and renamed into place,
// so a crash never leaves a partial segment behind.
func (a *Archiver) WriteSegment(team, agent string, now time.Time, messages []schema.InboxMessage) (string, error) {
	dir := filepath.Join(a.root, team)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}
	path, err := a.segmentPath(dir, agent, now)
	if err != nil {
		return "", err
	}

	tempPath := path + ".tmp"
	if err := a.writeSegmentFile(tempPath, messages); err != nil {
		os.Remove(tempPath)
		return "", err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("renaming archive segment: %w", err)
	}
	return path, nil
}

// segmentPath picks an unused segment name. Multiple rotations on the
// same day get a numeric suffix rather than overwriting.
func (a *Archiver) segmentPath(dir, agent string, now time.Time) (string, error) {
	suffix := ".json.zst"
	if a.Encrypted() {
		suffix = ".json.zst.age"
	}
	base := fmt.Sprintf("%s-%s", agent, now.UTC().Format("2006-01-02"))
	for attempt := 0; attempt < 10_000; attempt++ {
		name := base + suffix
		if attempt > 0 {
			name = fmt.Sprintf("%s-%d%s", base, attempt+1, suffix)
		}
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("probing archive segment name: %w", err)
		}
	}
	return "", fmt.Errorf("no free archive segment name for %s in %s", agent, dir)
}

func (a *Archiver) writeSegmentFile(path string, messages []schema.InboxMessage) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating archive segment: %w", err)
	}
	defer file.Close()

	var sink io.Writer = file
	var encrypter io.WriteCloser
	if a.Encrypted() {
		encrypter, err = age.Encrypt(file, a.recipients...)
		if err != nil {
			return fmt.Errorf("starting age encryption: %w", err)
		}
		sink = encrypter
	}

	compressor, err := zstd.NewWriter(sink)
	if err != nil {
		return fmt.Errorf("starting zstd compression: %w", err)
	}
	encoder := json.NewEncoder(compressor)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(messages); err != nil {
		compressor.Close()
		return fmt.Errorf("encoding archive segment: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("finishing zstd stream: %w", err)
	}
	if encrypter != nil {
		if err := encrypter.Close(); err != nil {
			return fmt.Errorf("finishing age stream: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing archive segment: %w", err)
	}
	return nil
}

// ReadSegment decodes an archive segment. identities are needed for
// encrypted segments and ignored otherwise.
func ReadSegment(path string, identities ...age.Identity) ([]schema.InboxMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var source io.Reader = file
	if filepath.Ext(path) == ".age" {
		source, err = age.Decrypt(file, identities...)
		if err != nil {
			return nil, fmt.Errorf("decrypting archive segment: %w", err)
		}
	}
	decompressor, err := zstd.NewReader(source)
	if err != nil {
		return nil, fmt.Errorf("opening zstd stream: %w", err)
	}
	defer decompressor.Close()

	var messages []schema.InboxMessage
	if err := json.NewDecoder(decompressor).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decoding archive segment: %w", err)
	}
	return messages, nil
}
