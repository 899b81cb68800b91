// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package roster

import (
	"path"
)

// ObserveTeam records the current membership of a team from its
// config. Members present in the previous observation but missing
// now start a departure timer; members that reappear before the
// grace period expires are forgiven. Call this on every config
// change event.
func (s *Service) ObserveTeam(team string) error {
	teamConfig, err := s.mail.ReadTeamConfig(team)
	if err != nil {
		return err
	}

	current := make(map[string]bool, len(teamConfig.Members))
	for _, member := range teamConfig.Members {
		if member.Active() {
			current[member.Name] = true
		}
	}

	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	// Any member present now is forgiven, whether or not the last
	// observation saw them. A member can depart and return between
	// two observations of a team that itself changed shape.
	for name := range current {
		delete(s.departed, path.Join(team, name))
	}

	previous := s.seen[team]
	for name := range previous {
		if current[name] {
			continue
		}
		key := path.Join(team, name)
		if _, already := s.departed[key]; !already {
			s.departed[key] = now
			s.logger().Info("member missing from team config, grace period started",
				"team", team,
				"member", name,
				"grace_period", s.gracePeriod.String(),
			)
		}
	}
	s.seen[team] = current
	return nil
}

// SweepDeparted cleans up members whose grace period has expired and
// returns how many were processed. The daemon calls this
// periodically.
func (s *Service) SweepDeparted() int {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []membership
	for key, since := range s.departed {
		if now.Sub(since) < s.gracePeriod {
			continue
		}
		team, agent := path.Dir(key), path.Base(key)
		expired = append(expired, membership{team: team, agent: agent})
		delete(s.departed, key)
	}
	s.mu.Unlock()

	for _, entry := range expired {
		s.cleanupDeparted(entry.team, entry.agent)
	}
	return len(expired)
}

// cleanupDeparted applies the configured cleanup mode to one member
// that left its team.
func (s *Service) cleanupDeparted(team, agent string) {
	switch s.cleanupMode {
	case RemoveInbox:
		if err := s.mail.RemoveInbox(team, agent); err != nil {
			s.logger().Warn("could not remove departed member's inbox",
				"team", team,
				"member", agent,
				"error", err,
			)
			return
		}
		s.logger().Info("departed member's inbox removed",
			"team", team,
			"member", agent,
		)
	default:
		// The member is already gone from the config; with
		// MarkInactive there is nothing to flip, so the inbox is
		// simply left in place.
		s.logger().Info("departed member retained",
			"team", team,
			"member", agent,
			"cleanup_mode", s.cleanupMode.String(),
		)
	}
}

// DepartedCount reports how many members are inside their grace
// period. Exposed for the daemon's status reporting.
func (s *Service) DepartedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.departed)
}
