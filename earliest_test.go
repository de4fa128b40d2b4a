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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFindEarliestConsumptionDate(t *testing.T) {
	testCases := []struct {
		name        string
		historyDays int
		maxFetches  int
	}{
		{"ten days", 10, 16},
		{"one year", 365, 40},
		{"single day", 1, 4},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := newFakePortal(t)
			expected := startOfDay(testNow.AddDate(0, 0, -(tc.historyDays - 1)))
			p.setMeterEarliest(testElectricMeter, expected)
			m := newTestMeter(t, p, testElectricMeter)

			earliest, err := m.FindEarliestConsumptionDate(context.Background())
			require.NoError(t, err)
			if !earliest.Equal(expected) {
				t.Errorf("Expected %s, got %s", expected.Format("2006-01-02"), earliest.Format("2006-01-02"))
			}

			fetches := p.count("GET /Report/UsageHistory")
			if fetches > tc.maxFetches {
				t.Errorf("Expected at most %d report fetches, got %d", tc.maxFetches, fetches)
			}

			known, ok := m.EarliestKnown()
			require.True(t, ok)
			require.True(t, known.Equal(expected))

			again, err := m.FindEarliestConsumptionDate(context.Background())
			require.NoError(t, err)
			require.True(t, again.Equal(expected))
			require.Equal(t, fetches, p.count("GET /Report/UsageHistory"), "the result is cached")
		})
	}
}

func TestFindEarliestStartsFromCache(t *testing.T) {
	p := newFakePortal(t)
	m := newTestMeter(t, p, testElectricMeter)

	// A cached settled day is the first probe, so today is never fetched
	cached := startOfDay(testNow.AddDate(0, 0, -7))
	seed := NewSeries(Hourly)
	for h := 0; h < 24; h++ {
		seed.Put(hourOf(cached, h), 0.5, testNow)
	}
	m.Seed(seed, nil)

	earliest, err := m.FindEarliestConsumptionDate(context.Background())
	require.NoError(t, err)
	require.True(t, earliest.Equal(time.Date(2025, 3, 6, 0, 0, 0, 0, PortalLocation)))

	for _, form := range p.postedReports() {
		if form["cboDateFrom"][0] == "15/03/2025" {
			t.Errorf("Expected today not to be probed")
		}
	}
}

func TestFindEarliestAbortsOnError(t *testing.T) {
	p := newFakePortal(t)
	m := newTestMeter(t, p, testElectricMeter)

	p.mu.Lock()
	p.alwaysExpired = true
	p.mu.Unlock()

	_, err := m.FindEarliestConsumptionDate(context.Background())
	require.True(t, IsLoginError(err), "Expected login error, got %v", err)

	_, ok := m.EarliestKnown()
	require.False(t, ok, "a failed search is not cached")
}

func TestFindEarliestReturnsTransportErrors(t *testing.T) {
	p := newFakePortal(t)
	m := newTestMeter(t, p, testElectricMeter)
	p.server.Close()

	_, err := m.FindEarliestConsumptionDate(context.Background())
	var portalErr *PortalError
	require.ErrorAs(t, err, &portalErr)
	require.False(t, IsLoginError(err))

	_, ok := m.EarliestKnown()
	require.False(t, ok, "a failed search is not cached")

	_, err = m.AllHourlyConsumptions(context.Background())
	require.ErrorAs(t, err, &portalErr)
}
