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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppStateIsCacheValid(t *testing.T) {
	state := &AppState{}

	testCases := []struct {
		name      string
		timestamp time.Time
		duration  time.Duration
		expected  bool
	}{
		{
			name:      "Valid cache within duration",
			timestamp: time.Now().Add(-2 * time.Minute),
			duration:  5 * time.Minute,
			expected:  true,
		},
		{
			name:      "Invalid cache outside duration",
			timestamp: time.Now().Add(-10 * time.Minute),
			duration:  5 * time.Minute,
			expected:  false,
		},
		{
			name:      "Zero timestamp",
			timestamp: time.Time{},
			duration:  5 * time.Minute,
			expected:  false,
		},
		{
			name:      "Future timestamp",
			timestamp: time.Now().Add(1 * time.Hour),
			duration:  5 * time.Minute,
			expected:  true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := state.IsCacheValid(tc.timestamp, tc.duration)
			if result != tc.expected {
				t.Errorf("Expected %v, got %v", tc.expected, result)
			}
		})
	}
}

func TestLoadState(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	// Test loading non-existent state (should create new)
	state, err := LoadState("00-123456")
	if err != nil {
		t.Errorf("Expected no error for non-existent state, got %v", err)
	}
	if state == nil {
		t.Fatal("Expected new state to be created")
	}
	if len(state.Meters) != 0 {
		t.Error("Expected empty Meters map")
	}
}

func TestAppStateSave(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	username := "00-123/456"

	lastSeen := time.Now().Add(-time.Hour).Truncate(time.Second)
	state := &AppState{
		Meters: map[string]*MeterCheckpoint{
			"12345678": {
				LastRefresh:             lastSeen,
				LastUpdate:              lastSeen.Add(-time.Hour),
				EarliestConsumptionDate: time.Date(2024, 1, 1, 0, 0, 0, 0, PortalLocation),
				LastSeen:                lastSeen,
			},
		},
	}

	// Test saving state
	if err := state.Save(username); err != nil {
		t.Fatalf("Expected no error saving state, got %v", err)
	}

	// Unsafe characters in the login name are replaced in the file name
	statePath := filepath.Join(home, ".config", "usmsmon", "state_00-123_456.json")
	info, err := os.Stat(statePath)
	if err != nil {
		t.Fatalf("Expected state file at %s, got %v", statePath, err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected state file mode 0600, got %v", info.Mode().Perm())
	}

	// Load and verify content
	loadedState, err := LoadState(username)
	if err != nil {
		t.Fatalf("Expected no error loading saved state, got %v", err)
	}

	cp, ok := loadedState.Meters["12345678"]
	if !ok {
		t.Fatal("Expected meter 12345678 to be saved")
	}
	if !cp.LastSeen.Equal(lastSeen) {
		t.Errorf("Expected last seen %v, got %v", lastSeen, cp.LastSeen)
	}
	if cp.EarliestConsumptionDate.Format("2006-01-02") != "2024-01-01" {
		t.Errorf("Expected earliest date 2024-01-01, got %v", cp.EarliestConsumptionDate)
	}
}

func TestLoadStateCorrupt(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "usmsmon")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state_00-123456.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadState("00-123456"); err == nil {
		t.Error("Expected error parsing corrupt state file")
	}
}

func TestAppStateCheckpointAndRestore(t *testing.T) {
	p := newFakePortal(t)
	m := newTestMeter(t, p, testElectricMeter)

	earliest := time.Date(2025, 3, 6, 0, 0, 0, 0, PortalLocation)
	m.RestoreState(testNow, earliest)

	state := &AppState{Meters: make(map[string]*MeterCheckpoint)}
	state.Checkpoint(m, testNow)

	cp := state.Meters[testElectricMeter]
	if cp == nil {
		t.Fatal("Expected a checkpoint for the meter")
	}
	if !cp.LastRefresh.Equal(testNow) || !cp.LastSeen.Equal(testNow) {
		t.Errorf("Unexpected checkpoint %+v", cp)
	}
	if !cp.EarliestConsumptionDate.Equal(earliest) {
		t.Errorf("Expected earliest %v, got %v", earliest, cp.EarliestConsumptionDate)
	}

	// A fresh meter picks the checkpoint up
	fresh := newTestMeter(t, p, testElectricMeter)
	if !state.Restore(fresh) {
		t.Fatal("Expected checkpoint to be restored")
	}
	if !fresh.LastRefresh().Equal(testNow) {
		t.Errorf("Expected restored last refresh %v, got %v", testNow, fresh.LastRefresh())
	}
	if known, ok := fresh.EarliestKnown(); !ok || !known.Equal(earliest) {
		t.Errorf("Expected restored earliest %v, got %v", earliest, known)
	}

	other := newTestMeter(t, p, testWaterMeter)
	if state.Restore(other) {
		t.Error("Expected no checkpoint for an unknown meter")
	}
}

func TestCleanupStaleMeters(t *testing.T) {
	state := &AppState{
		Meters: map[string]*MeterCheckpoint{
			"fresh": {LastSeen: time.Now().Add(-24 * time.Hour)},
			"stale": {LastSeen: time.Now().Add(-StateCleanupAge - time.Hour)},
		},
	}

	state.CleanupStaleMeters()

	if _, ok := state.Meters["fresh"]; !ok {
		t.Error("Expected fresh meter to be kept")
	}
	if _, ok := state.Meters["stale"]; ok {
		t.Error("Expected stale meter to be dropped")
	}
}
