// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
)

// TeamConfig is the roster document stored at
// <teamsRoot>/<team>/config.json. It is written by team tooling and by
// the roster service; all mutations go through the same lock+hash
// protocol as inbox writes.
//
// Field names are camelCase on the wire, matching the documents other
// team tooling produces.
type TeamConfig struct {
	// Name matches the team directory name.
	Name string `json:"name"`

	// Description is a human-readable team purpose.
	Description string `json:"description,omitempty"`

	// CreatedAt is a Unix timestamp in milliseconds.
	CreatedAt int64 `json:"createdAt"`

	// LeadAgentID is the lead agent identifier, "team-lead@<team>".
	LeadAgentID string `json:"leadAgentId"`

	// LeadSessionID is the UUID of the session that created the team.
	LeadSessionID string `json:"leadSessionId"`

	// Members lists every team member, lead first.
	Members []AgentMember `json:"members"`

	// Unknown preserves unrecognized fields.
	Unknown map[string]json.RawMessage `json:"-"`
}

var teamConfigFields = []string{
	"name", "description", "createdAt", "leadAgentId", "leadSessionId", "members",
}

type teamConfigAlias TeamConfig

func (c *TeamConfig) UnmarshalJSON(data []byte) error {
	var known teamConfigAlias
	unknown, err := extractUnknown(data, &known, teamConfigFields)
	if err != nil {
		return err
	}
	*c = TeamConfig(known)
	c.Unknown = unknown
	return nil
}

func (c TeamConfig) MarshalJSON() ([]byte, error) {
	return mergeUnknown(teamConfigAlias(c), c.Unknown)
}

// Member returns the member with the given name, or nil.
func (c *TeamConfig) Member(name string) *AgentMember {
	for i := range c.Members {
		if c.Members[i].Name == name {
			return &c.Members[i]
		}
	}
	return nil
}

// AgentMember describes one team member in a TeamConfig.
type AgentMember struct {
	// AgentID is "<name>@<team>".
	AgentID string `json:"agentId"`

	// Name is the member's short name, unique within the team.
	Name string `json:"name"`

	// AgentType is the member's agent type (e.g. "general-purpose").
	AgentType string `json:"agentType,omitempty"`

	// Model is the backing model identifier.
	Model string `json:"model,omitempty"`

	// BackendType identifies how the agent runs (e.g. "tmux").
	BackendType string `json:"backendType,omitempty"`

	// JoinedAt is a Unix timestamp in milliseconds.
	JoinedAt int64 `json:"joinedAt,omitempty"`

	// CWD is the member's working directory.
	CWD string `json:"cwd,omitempty"`

	// IsActive is nil when the field is absent from the document.
	// The roster's soft cleanup sets it to false rather than removing
	// the member.
	IsActive *bool `json:"isActive,omitempty"`

	// Permissions constrains what the member may do.
	Permissions *Permissions `json:"permissions,omitempty"`

	// Unknown preserves unrecognized fields.
	Unknown map[string]json.RawMessage `json:"-"`
}

var agentMemberFields = []string{
	"agentId", "name", "agentType", "model", "backendType",
	"joinedAt", "cwd", "isActive", "permissions",
}

type agentMemberAlias AgentMember

func (m *AgentMember) UnmarshalJSON(data []byte) error {
	var known agentMemberAlias
	unknown, err := extractUnknown(data, &known, agentMemberFields)
	if err != nil {
		return err
	}
	*m = AgentMember(known)
	m.Unknown = unknown
	return nil
}

func (m AgentMember) MarshalJSON() ([]byte, error) {
	return mergeUnknown(agentMemberAlias(m), m.Unknown)
}

// Active reports whether the member counts as active. Absent isActive
// means active: external tooling that predates the field writes
// members without it.
func (m *AgentMember) Active() bool {
	return m.IsActive == nil || *m.IsActive
}

// Permissions constrains what an agent member may do. Pure data: the
// core reads it, external tooling enforces it.
type Permissions struct {
	// Mode is the permission mode name (e.g. "default", "plan").
	Mode string `json:"mode,omitempty"`

	// AllowedTools lists tool names the member may use.
	AllowedTools []string `json:"allowedTools,omitempty"`

	// DeniedTools lists tool names the member must not use.
	DeniedTools []string `json:"deniedTools,omitempty"`
}
