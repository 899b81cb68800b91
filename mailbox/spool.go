// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/schema"
)

// defaultSpoolMaxRetries is the delivery attempt budget before a
// spooled message is moved to the failed directory.
const defaultSpoolMaxRetries = 10

// SpooledMessage is the on-disk record of a message awaiting
// delivery. Spool files live under <dir>/pending/ and move to
// <dir>/failed/ once the retry budget is exhausted.
type SpooledMessage struct {
	TargetTeam  string              `json:"target_team"`
	TargetAgent string              `json:"target_agent"`
	Message     schema.InboxMessage `json:"message"`
	RetryCount  int                 `json:"retry_count"`
	MaxRetries  int                 `json:"max_retries"`
	CreatedAt   string              `json:"created_at"`
	LastAttempt string              `json:"last_attempt"`
}

// SpoolStatus summarizes one drain pass.
type SpoolStatus struct {
	// Delivered is how many messages reached their inbox this pass.
	Delivered int

	// Pending is how many messages remain queued afterwards.
	Pending int

	// Failed is how many messages sit in the failed directory.
	Failed int
}

// DeliverFunc attempts delivery of one spooled message. The drain
// loop wires this to Service.Append.
type DeliverFunc func(team, agent string, message schema.InboxMessage) (WriteOutcome, error)

// Spool queues messages that could not be written to their inbox,
// preserving them across daemon restarts. Safe for concurrent
// Enqueue; Drain is expected to run from a single goroutine.
type Spool struct {
	dir        string
	maxRetries int
	clock      clock.Clock
	log        *slog.Logger
}

// SpoolOptions configures a Spool.
type SpoolOptions struct {
	// Dir is the spool root; pending/ and failed/ are created under
	// it on demand.
	Dir string

	// MaxRetries is the per-message delivery attempt budget. Zero
	// means the default of 10.
	MaxRetries int

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger may be nil, in which case slog.Default() is used.
	Logger *slog.Logger
}

// NewSpool creates a spool rooted at options.Dir.
func NewSpool(options SpoolOptions) (*Spool, error) {
	if options.Dir == "" {
		return nil, fmt.Errorf("mailbox: spool Dir is required")
	}
	spool := &Spool{
		dir:        options.Dir,
		maxRetries: options.MaxRetries,
		clock:      options.Clock,
		log:        options.Logger,
	}
	if spool.maxRetries <= 0 {
		spool.maxRetries = defaultSpoolMaxRetries
	}
	if spool.clock == nil {
		spool.clock = clock.Real()
	}
	return spool, nil
}

func (sp *Spool) logger() *slog.Logger {
	if sp.log != nil {
		return sp.log
	}
	return slog.Default()
}

func (sp *Spool) pendingDir() string { return filepath.Join(sp.dir, "pending") }
func (sp *Spool) failedDir() string  { return filepath.Join(sp.dir, "failed") }

// Enqueue writes a message into the pending queue and returns the
// spool file path.
func (sp *Spool) Enqueue(team, agent string, message schema.InboxMessage) (string, error) {
	if err := os.MkdirAll(sp.pendingDir(), 0o755); err != nil {
		return "", fmt.Errorf("creating spool directory: %w", err)
	}

	now := sp.clock.Now().UTC()
	record := SpooledMessage{
		TargetTeam:  team,
		TargetAgent: agent,
		Message:     message,
		RetryCount:  0,
		MaxRetries:  sp.maxRetries,
		CreatedAt:   now.Format(time.RFC3339),
		LastAttempt: now.Format(time.RFC3339),
	}
	content, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding spooled message: %w", err)
	}

	// Filenames embed the target and spool time for operator
	// legibility. A sequence suffix disambiguates same-second
	// enqueues to the same inbox.
	base := fmt.Sprintf("%d-%s@%s", now.Unix(), agent, team)
	for sequence := 0; ; sequence++ {
		name := base + ".json"
		if sequence > 0 {
			name = fmt.Sprintf("%s-%d.json", base, sequence)
		}
		spoolPath := filepath.Join(sp.pendingDir(), name)
		file, err := os.OpenFile(spoolPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating spool file %s: %w", spoolPath, err)
		}
		if _, err := file.Write(content); err != nil {
			file.Close()
			return "", fmt.Errorf("writing spool file %s: %w", spoolPath, err)
		}
		if err := file.Close(); err != nil {
			return "", fmt.Errorf("closing spool file %s: %w", spoolPath, err)
		}
		return spoolPath, nil
	}
}

// Drain retries every pending message through deliver. Delivered
// messages are removed; failures increment the retry count in place,
// and messages past their budget move to the failed directory, as do
// files that do not parse at all. A single bad spool file never
// aborts the pass.
func (sp *Spool) Drain(deliver DeliverFunc) (SpoolStatus, error) {
	if err := os.MkdirAll(sp.pendingDir(), 0o755); err != nil {
		return SpoolStatus{}, fmt.Errorf("creating spool directory: %w", err)
	}
	if err := os.MkdirAll(sp.failedDir(), 0o755); err != nil {
		return SpoolStatus{}, fmt.Errorf("creating failed directory: %w", err)
	}

	entries, err := os.ReadDir(sp.pendingDir())
	if err != nil {
		return SpoolStatus{}, fmt.Errorf("listing spool directory: %w", err)
	}

	status := SpoolStatus{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		spoolPath := filepath.Join(sp.pendingDir(), entry.Name())
		delivered, err := sp.processOne(spoolPath, entry.Name(), deliver)
		if err != nil {
			sp.logger().Warn("spool entry could not be processed",
				"path", spoolPath,
				"error", err,
			)
			continue
		}
		if delivered {
			_ = os.Remove(spoolPath)
			status.Delivered++
		}
	}

	status.Pending = countFiles(sp.pendingDir())
	status.Failed = countFiles(sp.failedDir())
	return status, nil
}

// processOne attempts delivery of one spool file. Returns true when
// the message reached its inbox and the file should be removed.
func (sp *Spool) processOne(spoolPath, name string, deliver DeliverFunc) (bool, error) {
	content, err := os.ReadFile(spoolPath)
	if err != nil {
		return false, fmt.Errorf("reading spool file: %w", err)
	}
	var record SpooledMessage
	if err := json.Unmarshal(content, &record); err != nil {
		// A file that cannot be parsed will never deliver. Move it
		// to the failed directory as-is so the pending queue does
		// not accumulate permanent residents.
		failedPath := filepath.Join(sp.failedDir(), name)
		if writeErr := os.WriteFile(failedPath, content, 0o644); writeErr != nil {
			return false, fmt.Errorf("quarantining unparsable spool file: %w", writeErr)
		}
		_ = os.Remove(spoolPath)
		sp.logger().Error("unparsable spool file moved to failed directory",
			"path", spoolPath,
			"failed_path", failedPath,
			"error", err,
		)
		return false, nil
	}

	outcome, err := deliver(record.TargetTeam, record.TargetAgent, record.Message)
	if err == nil {
		switch outcome.Kind {
		case OutcomeSuccess, OutcomeConflictResolved:
			return true, nil
		case OutcomeQueued:
			// The delivery path re-spooled the message under a new
			// name. Keep the original record (it carries the retry
			// count) and drop the duplicate.
			if outcome.SpoolPath != "" && outcome.SpoolPath != spoolPath {
				_ = os.Remove(outcome.SpoolPath)
			}
		}
	}

	record.RetryCount++
	record.LastAttempt = sp.clock.Now().UTC().Format(time.RFC3339)

	if record.RetryCount >= record.MaxRetries {
		failedPath := filepath.Join(sp.failedDir(), name)
		updated, marshalErr := json.MarshalIndent(record, "", "  ")
		if marshalErr != nil {
			return false, fmt.Errorf("encoding failed record: %w", marshalErr)
		}
		if writeErr := os.WriteFile(failedPath, updated, 0o644); writeErr != nil {
			return false, fmt.Errorf("writing failed record: %w", writeErr)
		}
		_ = os.Remove(spoolPath)
		sp.logger().Error("spooled message exhausted its retry budget",
			"team", record.TargetTeam,
			"agent", record.TargetAgent,
			"retries", record.RetryCount,
			"failed_path", failedPath,
		)
		return false, nil
	}

	updated, marshalErr := json.MarshalIndent(record, "", "  ")
	if marshalErr != nil {
		return false, fmt.Errorf("encoding retry record: %w", marshalErr)
	}
	if writeErr := os.WriteFile(spoolPath, updated, 0o644); writeErr != nil {
		return false, fmt.Errorf("updating retry record: %w", writeErr)
	}
	return false, nil
}

// Status reports queue depths without attempting delivery.
func (sp *Spool) Status() SpoolStatus {
	return SpoolStatus{
		Pending: countFiles(sp.pendingDir()),
		Failed:  countFiles(sp.failedDir()),
	}
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			count++
		}
	}
	return count
}
