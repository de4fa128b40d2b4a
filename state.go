// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// MeterCheckpoint is what survives a restart for one meter
type MeterCheckpoint struct {
	LastRefresh             time.Time `json:"last_refresh"`
	LastUpdate              time.Time `json:"last_update"`
	EarliestConsumptionDate time.Time `json:"earliest_consumption_date,omitempty"`
	LastSeen                time.Time `json:"last_seen"`
}

type AppState struct {
	Meters      map[string]*MeterCheckpoint `json:"meters"`
	LastUpdated time.Time                   `json:"last_updated"`
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func getStateFilePath(username string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "usmsmon")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	// One file per account; login names may contain characters unsafe in paths
	return filepath.Join(configDir, fmt.Sprintf("state_%s.json", unsafeFileChars.ReplaceAllString(username, "_"))), nil
}

func LoadState(username string) (*AppState, error) {
	statePath, err := getStateFilePath(username)
	if err != nil {
		return nil, err
	}

	// If file doesn't exist, return empty state
	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		return &AppState{
			Meters:      make(map[string]*MeterCheckpoint),
			LastUpdated: time.Now(),
		}, nil
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state AppState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	if state.Meters == nil {
		state.Meters = make(map[string]*MeterCheckpoint)
	}

	return &state, nil
}

func (s *AppState) Save(username string) error {
	statePath, err := getStateFilePath(username)
	if err != nil {
		return err
	}

	s.LastUpdated = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(statePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// Checkpoint records a meter's refresh bookkeeping
func (s *AppState) Checkpoint(m *Meter, now time.Time) {
	cp := &MeterCheckpoint{
		LastRefresh: m.LastRefresh(),
		LastUpdate:  m.LastUpdated(),
		LastSeen:    now,
	}
	if earliest, ok := m.EarliestKnown(); ok {
		cp.EarliestConsumptionDate = earliest
	}
	s.Meters[m.No()] = cp
}

// Restore applies a saved checkpoint to m, if one exists
func (s *AppState) Restore(m *Meter) bool {
	cp, ok := s.Meters[m.No()]
	if !ok {
		return false
	}
	m.RestoreState(cp.LastRefresh, cp.EarliestConsumptionDate)
	return true
}

func (s *AppState) IsCacheValid(cacheTime time.Time, maxAge time.Duration) bool {
	return time.Since(cacheTime) < maxAge
}

// CleanupStaleMeters drops meters that have not been seen for StateCleanupAge
func (s *AppState) CleanupStaleMeters() {
	for no, cp := range s.Meters {
		if !s.IsCacheValid(cp.LastSeen, StateCleanupAge) {
			delete(s.Meters, no)
		}
	}
}
