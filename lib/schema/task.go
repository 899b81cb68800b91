// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// TaskItem is one entry in a team's shared task list. Pure data shape:
// the core never interprets it, but daemon plugins and external tools
// exchange task references through inbox messages.
type TaskItem struct {
	// ID is the task identifier, unique within the team.
	ID string `json:"id"`

	// Subject is a one-line task title.
	Subject string `json:"subject"`

	// Description is the full task body.
	Description string `json:"description,omitempty"`

	// Status is one of "pending", "in_progress", "completed".
	Status string `json:"status"`

	// Owner is the agent name the task is assigned to.
	Owner string `json:"owner,omitempty"`

	// BlockedBy lists task IDs that must complete first.
	BlockedBy []string `json:"blockedBy,omitempty"`
}
