// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package roster manages team membership: synthetic members
// advertised by plugins, and cleanup of members that disappear from a
// team's config.
//
// Synthetic members carry an agentType of "plugin:<name>" so they can
// be told apart from real agents and cleaned up when their plugin
// shuts down.
package roster

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/schema"
	"github.com/mailroom-foundation/mailroom/mailbox"
)

// CleanupMode selects what happens to a member on cleanup.
type CleanupMode int

const (
	// MarkInactive flips the member's isActive flag to false but
	// keeps the entry and its inbox.
	MarkInactive CleanupMode = iota

	// RemoveInbox removes the member entry and deletes its inbox
	// file.
	RemoveInbox
)

// ParseCleanupMode maps a config string to a CleanupMode.
func ParseCleanupMode(value string) (CleanupMode, error) {
	switch value {
	case "", "mark_inactive":
		return MarkInactive, nil
	case "remove_inbox":
		return RemoveInbox, nil
	default:
		return 0, fmt.Errorf("unknown cleanup mode %q", value)
	}
}

func (m CleanupMode) String() string {
	switch m {
	case MarkInactive:
		return "mark_inactive"
	case RemoveInbox:
		return "remove_inbox"
	default:
		return fmt.Sprintf("CleanupMode(%d)", int(m))
	}
}

// TeamNotFoundError reports an operation against a team without a
// config.json.
type TeamNotFoundError struct {
	Team string
}

func (e *TeamNotFoundError) Error() string {
	return fmt.Sprintf("team config not found: %s", e.Team)
}

// DuplicateMemberError reports an add of a name the roster already
// holds.
type DuplicateMemberError struct {
	Team string
	Name string
}

func (e *DuplicateMemberError) Error() string {
	return fmt.Sprintf("member %q already exists in team %q", e.Name, e.Team)
}

// MemberNotFoundError reports a removal of a name the roster does
// not hold.
type MemberNotFoundError struct {
	Team string
	Name string
}

func (e *MemberNotFoundError) Error() string {
	return fmt.Sprintf("member %q not found in team %q", e.Name, e.Team)
}

// membership is one plugin-registered member.
type membership struct {
	team  string
	agent string
}

// Options configures a roster Service.
type Options struct {
	// Mail performs the underlying config reads and locked updates.
	Mail *mailbox.Service

	// GracePeriod is how long a member missing from team config is
	// retained before cleanup. Zero cleans a departed member on the
	// first sweep after the departing observation.
	GracePeriod time.Duration

	// CleanupMode is applied to departed members after the grace
	// period.
	CleanupMode CleanupMode

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger may be nil, in which case slog.Default() is used.
	Logger *slog.Logger
}

// Service tracks membership across teams. Safe for concurrent use.
type Service struct {
	mail        *mailbox.Service
	gracePeriod time.Duration
	cleanupMode CleanupMode
	clock       clock.Clock
	log         *slog.Logger

	mu sync.Mutex
	// synthetic maps plugin name to its registered members.
	synthetic map[string][]membership
	// seen maps team to the member names from its last observed
	// config.
	seen map[string]map[string]bool
	// departed maps "team/agent" to when the member was first
	// missing from its team config.
	departed map[string]time.Time
}

// NewService creates a roster service.
func NewService(options Options) (*Service, error) {
	if options.Mail == nil {
		return nil, fmt.Errorf("roster: Mail is required")
	}
	service := &Service{
		mail:        options.Mail,
		gracePeriod: options.GracePeriod,
		cleanupMode: options.CleanupMode,
		clock:       options.Clock,
		log:         options.Logger,
		synthetic:   make(map[string][]membership),
		seen:        make(map[string]map[string]bool),
		departed:    make(map[string]time.Time),
	}
	if service.gracePeriod < 0 {
		return nil, fmt.Errorf("roster: negative grace period %s", service.gracePeriod)
	}
	if service.clock == nil {
		service.clock = clock.Real()
	}
	return service, nil
}

func (s *Service) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}

// syntheticType is the agentType value for a plugin's members.
func syntheticType(pluginName string) string {
	return "plugin:" + pluginName
}

// AddSyntheticMember registers a plugin-provided member in a team's
// roster. The member's agentType is forced to "plugin:<pluginName>"
// and its agentId derived from name and team.
func (s *Service) AddSyntheticMember(team, pluginName string, member schema.AgentMember) error {
	if !s.mail.TeamExists(team) {
		return &TeamNotFoundError{Team: team}
	}
	member.AgentType = syntheticType(pluginName)
	if member.AgentID == "" {
		member.AgentID = member.Name + "@" + team
	}
	if member.JoinedAt == 0 {
		member.JoinedAt = s.clock.Now().UnixMilli()
	}

	err := s.mail.UpdateTeamConfig(team, func(teamConfig *schema.TeamConfig) (bool, error) {
		if teamConfig.Member(member.Name) != nil {
			return false, &DuplicateMemberError{Team: team, Name: member.Name}
		}
		teamConfig.Members = append(teamConfig.Members, member)
		return true, nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.synthetic[pluginName] = append(s.synthetic[pluginName], membership{team: team, agent: member.Name})
	s.mu.Unlock()

	s.logger().Info("synthetic member added",
		"team", team,
		"member", member.Name,
		"plugin", pluginName,
	)
	return nil
}

// RemoveSyntheticMember removes a plugin-provided member from a
// team's roster.
func (s *Service) RemoveSyntheticMember(team, pluginName, agentName string) error {
	if !s.mail.TeamExists(team) {
		return &TeamNotFoundError{Team: team}
	}

	err := s.mail.UpdateTeamConfig(team, func(teamConfig *schema.TeamConfig) (bool, error) {
		before := len(teamConfig.Members)
		kept := teamConfig.Members[:0]
		for _, candidate := range teamConfig.Members {
			if candidate.Name != agentName {
				kept = append(kept, candidate)
			}
		}
		teamConfig.Members = kept
		if len(teamConfig.Members) == before {
			return false, &MemberNotFoundError{Team: team, Name: agentName}
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	entries := s.synthetic[pluginName]
	kept := entries[:0]
	for _, entry := range entries {
		if entry.team != team || entry.agent != agentName {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(s.synthetic, pluginName)
	} else {
		s.synthetic[pluginName] = kept
	}
	s.mu.Unlock()
	return nil
}

// Members returns a team's full member list.
func (s *Service) Members(team string) ([]schema.AgentMember, error) {
	teamConfig, err := s.mail.ReadTeamConfig(team)
	if err != nil {
		if !s.mail.TeamExists(team) {
			return nil, &TeamNotFoundError{Team: team}
		}
		return nil, err
	}
	return teamConfig.Members, nil
}

// SyntheticMembers returns a team's plugin-registered members,
// optionally filtered to one plugin.
func (s *Service) SyntheticMembers(team, pluginName string) ([]schema.AgentMember, error) {
	members, err := s.Members(team)
	if err != nil {
		return nil, err
	}
	var matches []schema.AgentMember
	for _, member := range members {
		if !strings.HasPrefix(member.AgentType, "plugin:") {
			continue
		}
		if pluginName != "" && member.AgentType != syntheticType(pluginName) {
			continue
		}
		matches = append(matches, member)
	}
	return matches, nil
}

// CleanupPlugin applies the cleanup mode to every member a plugin
// registered in a team and returns the number of affected members.
// Idempotent: a second call affects nothing.
func (s *Service) CleanupPlugin(team, pluginName string, mode CleanupMode) (int, error) {
	if !s.mail.TeamExists(team) {
		return 0, &TeamNotFoundError{Team: team}
	}

	wantedType := syntheticType(pluginName)
	affected := 0
	var removedNames []string

	err := s.mail.UpdateTeamConfig(team, func(teamConfig *schema.TeamConfig) (bool, error) {
		switch mode {
		case MarkInactive:
			inactive := false
			for i := range teamConfig.Members {
				member := &teamConfig.Members[i]
				if member.AgentType == wantedType && member.Active() {
					member.IsActive = &inactive
					affected++
				}
			}
		case RemoveInbox:
			kept := teamConfig.Members[:0]
			for _, member := range teamConfig.Members {
				if member.AgentType == wantedType {
					removedNames = append(removedNames, member.Name)
					affected++
					continue
				}
				kept = append(kept, member)
			}
			teamConfig.Members = kept
		}
		return affected > 0, nil
	})
	if err != nil {
		return 0, err
	}

	for _, name := range removedNames {
		if removeErr := s.mail.RemoveInbox(team, name); removeErr != nil {
			s.logger().Warn("could not remove inbox of cleaned-up member",
				"team", team,
				"member", name,
				"error", removeErr,
			)
		}
	}

	if affected > 0 {
		s.mu.Lock()
		entries := s.synthetic[pluginName]
		kept := entries[:0]
		for _, entry := range entries {
			if entry.team != team {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(s.synthetic, pluginName)
		} else {
			s.synthetic[pluginName] = kept
		}
		s.mu.Unlock()
	}
	return affected, nil
}
