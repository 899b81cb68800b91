// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"

	"github.com/mailroom-foundation/mailroom/lib/hash"
)

// InboxMessage is one entry in an agent's inbox document. Inboxes are
// stored as a JSON array of these under
// <teamsRoot>/<team>/inboxes/<agent>.json, in append order.
//
// Messages are never deleted: they are marked read, or rotated into an
// archive segment by the retention policy.
type InboxMessage struct {
	// From is the sender agent name, or "team-lead".
	From string `json:"from"`

	// Text is the message body. Markdown is allowed.
	Text string `json:"text"`

	// Timestamp is the send time in RFC 3339 UTC. Merge ordering sorts
	// on this field, so senders must populate it.
	Timestamp string `json:"timestamp"`

	// Read reports whether the recipient has read the message. Merges
	// treat it monotonically: once true anywhere, true everywhere.
	Read bool `json:"read"`

	// Summary is an optional short description (5-10 words).
	Summary string `json:"summary,omitempty"`

	// MessageID identifies mailroom-originated messages for
	// deduplication. Messages written by external tools may omit it;
	// dedup then falls back to the content identity hash.
	MessageID string `json:"message_id,omitempty"`

	// Unknown holds fields this version does not recognize, preserved
	// verbatim across read-modify-write cycles.
	Unknown map[string]json.RawMessage `json:"-"`
}

// inboxMessageFields lists the JSON keys the typed fields above own.
var inboxMessageFields = []string{"from", "text", "timestamp", "read", "summary", "message_id"}

// inboxMessageAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type inboxMessageAlias InboxMessage

func (m *InboxMessage) UnmarshalJSON(data []byte) error {
	var known inboxMessageAlias
	unknown, err := extractUnknown(data, &known, inboxMessageFields)
	if err != nil {
		return err
	}
	*m = InboxMessage(known)
	m.Unknown = unknown
	return nil
}

func (m InboxMessage) MarshalJSON() ([]byte, error) {
	return mergeUnknown(inboxMessageAlias(m), m.Unknown)
}

// Identity returns the deduplication key for the message: the
// MessageID when present, otherwise a content hash over the fields
// that make a message distinct (sender, text, timestamp). Two inbox
// copies with equal identity are the same message.
func (m InboxMessage) Identity() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return hash.Fields(m.From, m.Text, m.Timestamp)
}
