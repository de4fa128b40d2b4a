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
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func hourOf(day time.Time, h int) time.Time {
	return startOfDay(day).Add(time.Duration(h) * time.Hour)
}

func TestSeriesPutFirstWriteWins(t *testing.T) {
	s := NewSeries(Hourly)
	period := hourOf(testNow, 3)
	first := testNow.Add(-time.Hour)

	require.True(t, s.Put(period, 1.5, first))
	require.False(t, s.Put(period, 9.9, testNow), "an existing period is never overwritten")
	require.False(t, s.Put(hourOf(testNow, 4), math.NaN(), testNow), "NaN is never stored")

	r, ok := s.Get(period)
	require.True(t, ok)
	require.Equal(t, 1.5, r.Value)
	require.True(t, r.LastChecked.Equal(first))
	require.Equal(t, 1, s.Len())
}

func TestSeriesMerge(t *testing.T) {
	older := testNow.Add(-2 * time.Hour)
	newer := testNow

	s := NewSeries(Hourly)
	s.Put(hourOf(testNow, 0), 1, older)
	s.Put(hourOf(testNow, 1), 2, newer)

	other := NewSeries(Hourly)
	other.Put(hourOf(testNow, 0), 100, newer)
	other.Put(hourOf(testNow, 1), 200, older)
	other.Put(hourOf(testNow, 2), 3, newer)

	added := s.Merge(other)
	require.Equal(t, 1, added)
	require.Equal(t, 3, s.Len())

	testCases := []struct {
		name    string
		hour    int
		value   float64
		checked time.Time
	}{
		{"value kept, check refreshed", 0, 1, newer},
		{"value kept, newer check kept", 1, 2, newer},
		{"new period added", 2, 3, newer},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, ok := s.Get(hourOf(testNow, tc.hour))
			require.True(t, ok)
			if r.Value != tc.value {
				t.Errorf("Expected value %v, got %v", tc.value, r.Value)
			}
			if !r.LastChecked.Equal(tc.checked) {
				t.Errorf("Expected last checked %v, got %v", tc.checked, r.LastChecked)
			}
		})
	}

	require.Equal(t, 0, s.Merge(nil))
	require.Equal(t, 0, s.Merge(s))
}

func TestSeriesSliceAndOrder(t *testing.T) {
	s := NewSeries(Hourly)
	for _, h := range []int{5, 1, 23, 0} {
		s.Put(hourOf(testNow, h), float64(h), testNow)
	}
	s.Put(hourOf(testNow.AddDate(0, 0, 1), 0), 99, testNow)

	day := s.Slice(startOfDay(testNow), startOfDay(testNow).AddDate(0, 0, 1))
	require.Equal(t, 4, day.Len())

	points := day.Points()
	require.Len(t, points, 4)
	for i, h := range []int{0, 1, 5, 23} {
		require.True(t, points[i].Period.Equal(hourOf(testNow, h)), "period %d: got %v", i, points[i].Period)
		require.Equal(t, PortalLocation, points[i].Period.Location())
		require.Equal(t, float64(h), points[i].Value)
	}

	earliest, ok := s.Earliest()
	require.True(t, ok)
	require.True(t, earliest.Equal(hourOf(testNow, 0)))

	latest, ok := s.Latest()
	require.True(t, ok)
	require.True(t, latest.Equal(hourOf(testNow.AddDate(0, 0, 1), 0)))

	require.Equal(t, 0.0+1+5+23, day.Total())
}

func TestSeriesCopyIsIndependent(t *testing.T) {
	s := NewSeries(Daily)
	s.Put(startOfDay(testNow), 1, testNow)

	c := s.Copy()
	c.Put(startOfDay(testNow).AddDate(0, 0, 1), 2, testNow)

	require.Equal(t, 1, s.Len())
	require.Equal(t, 2, c.Len())
	require.Equal(t, Daily, c.Granularity())
}

func TestSeriesOldestCheck(t *testing.T) {
	s := NewSeries(Hourly)
	_, ok := s.OldestCheck()
	require.False(t, ok)

	s.Put(hourOf(testNow, 0), 1, testNow)
	s.Put(hourOf(testNow, 1), 1, testNow.Add(-time.Hour))
	s.Put(hourOf(testNow, 2), 1, testNow.Add(-30*time.Minute))

	oldest, ok := s.OldestCheck()
	require.True(t, ok)
	require.True(t, oldest.Equal(testNow.Add(-time.Hour)))
}

func TestSeriesDensify(t *testing.T) {
	s := NewSeries(Hourly)
	for h := 0; h < 24; h += 2 {
		s.Put(hourOf(testNow, h), 0.5, testNow)
	}

	from := startOfDay(testNow)
	points := s.Densify(from, from.AddDate(0, 0, 1))
	require.Len(t, points, 24)

	for i, p := range points {
		require.True(t, p.Period.Equal(from.Add(time.Duration(i)*time.Hour)))
		if i%2 == 0 {
			require.Equal(t, 0.5, p.Value)
		} else {
			require.True(t, math.IsNaN(p.Value), "hour %d should be a gap", i)
		}
	}
	require.Equal(t, 12, s.Len(), "densify must not modify the series")

	for h := 1; h < 24; h += 2 {
		s.Put(hourOf(testNow, h), 0.25, testNow)
	}
	for _, p := range s.Densify(from, from.AddDate(0, 0, 1)) {
		require.False(t, math.IsNaN(p.Value))
	}
}

func TestSeriesDailyDensify(t *testing.T) {
	s := NewSeries(Daily)
	month := startOfMonth(testNow)
	s.Put(month, 12, testNow)
	s.Put(month.AddDate(0, 0, 30), 12, testNow)

	points := s.Densify(month, month.AddDate(0, 1, 0))
	require.Len(t, points, 31)
	require.Equal(t, 12.0, points[0].Value)
	require.Equal(t, 12.0, points[30].Value)
	require.True(t, math.IsNaN(points[15].Value))
}

func TestParseGranularity(t *testing.T) {
	testCases := []struct {
		input    string
		expected Granularity
		ok       bool
	}{
		{"hourly", Hourly, true},
		{"daily", Daily, true},
		{"weekly", Hourly, false},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			g, ok := ParseGranularity(tc.input)
			if g != tc.expected || ok != tc.ok {
				t.Errorf("Expected (%v, %v), got (%v, %v)", tc.expected, tc.ok, g, ok)
			}
			if ok && g.String() != tc.input {
				t.Errorf("Expected String() %s, got %s", tc.input, g.String())
			}
		})
	}

	require.Equal(t, time.Hour, Hourly.Step())
	require.Equal(t, 24*time.Hour, Daily.Step())
}

func TestSeriesConcurrentAccess(t *testing.T) {
	s := NewSeries(Hourly)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for h := 0; h < 24; h++ {
				other := NewSeries(Hourly)
				other.Put(hourOf(testNow, h), float64(offset), testNow)
				s.Merge(other)
				_ = s.Total()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 24, s.Len())
}
