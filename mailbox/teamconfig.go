// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/mailroom-foundation/mailroom/lib/schema"
)

// ReadTeamConfig reads and parses a team's config.json. Team tooling
// sometimes leaves comments and trailing commas in the document, so
// parsing is JSONC-tolerant.
func (s *Service) ReadTeamConfig(team string) (*schema.TeamConfig, error) {
	configPath, err := s.TeamConfigPath(team)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading team config %s: %w", configPath, err)
	}
	var teamConfig schema.TeamConfig
	if err := json.Unmarshal(jsonc.ToJSON(content), &teamConfig); err != nil {
		return nil, fmt.Errorf("parsing team config %s: %w", configPath, err)
	}
	return &teamConfig, nil
}

// TeamExists reports whether a team has a config.json.
func (s *Service) TeamExists(team string) bool {
	configPath, err := s.TeamConfigPath(team)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(configPath)
	return statErr == nil
}

// UpdateTeamConfig applies fn to a team's config under the same lock
// protocol as inbox writes. fn returns whether it changed anything;
// an unchanged config is not rewritten. The rewrite is atomic but
// plain (no exchange): config mutations are rare and always
// daemon-side, so the lock alone is sufficient serialization.
func (s *Service) UpdateTeamConfig(team string, fn func(teamConfig *schema.TeamConfig) (bool, error)) error {
	configPath, err := s.TeamConfigPath(team)
	if err != nil {
		return err
	}

	lock, err := acquireLock(s.clock, s.logger(), configPath+".lock", s.lockRetries, s.lockStaleAfter)
	if err != nil {
		return err
	}
	defer lock.release()

	content, err := os.ReadFile(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("team %s has no config.json", team)
	}
	if err != nil {
		return fmt.Errorf("reading team config %s: %w", configPath, err)
	}
	var teamConfig schema.TeamConfig
	if err := json.Unmarshal(jsonc.ToJSON(content), &teamConfig); err != nil {
		return fmt.Errorf("parsing team config %s: %w", configPath, err)
	}

	changed, err := fn(&teamConfig)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	updated, err := json.MarshalIndent(&teamConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding team config %s: %w", configPath, err)
	}
	return writeFileAtomic(configPath, updated, 0o644)
}

// RemoveInbox deletes an agent's inbox file and its lock marker. A
// missing inbox is not an error.
func (s *Service) RemoveInbox(team, agent string) error {
	inboxPath, err := s.InboxPath(team, agent)
	if err != nil {
		return err
	}
	if err := os.Remove(inboxPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing inbox %s: %w", inboxPath, err)
	}
	_ = os.Remove(inboxPath + ".lock")
	return nil
}
