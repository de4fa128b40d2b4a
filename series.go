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
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Granularity is the period length of a consumption series
type Granularity int

const (
	Hourly Granularity = iota
	Daily
)

func (g Granularity) String() string {
	if g == Daily {
		return "daily"
	}
	return "hourly"
}

// Step is the distance between two consecutive periods
func (g Granularity) Step() time.Duration {
	if g == Daily {
		return 24 * time.Hour
	}
	return time.Hour
}

// ParseGranularity is the inverse of Granularity.String
func ParseGranularity(s string) (Granularity, bool) {
	switch s {
	case "hourly":
		return Hourly, true
	case "daily":
		return Daily, true
	}
	return Hourly, false
}

// Reading is one period's consumption
type Reading struct {
	Value       float64
	LastChecked time.Time
}

// Point is a Reading with its period, as returned by the ordered accessors
type Point struct {
	Period      time.Time `json:"period"`
	Value       float64   `json:"value"`
	LastChecked time.Time `json:"last_checked"`
}

// Series is a consumption time series keyed by period start (Unix seconds).
// A period's value never changes once stored. Safe for concurrent use.
type Series struct {
	granularity Granularity

	mu     sync.RWMutex
	points map[int64]Reading
}

// NewSeries creates an empty series
func NewSeries(g Granularity) *Series {
	return &Series{
		granularity: g,
		points:      make(map[int64]Reading),
	}
}

func (s *Series) Granularity() Granularity {
	return s.granularity
}

func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

func (s *Series) Empty() bool {
	return s.Len() == 0
}

// Put stores a reading unless the period is already present or value is NaN.
// It reports whether the reading was stored.
func (s *Series) Put(period time.Time, value float64, checked time.Time) bool {
	if math.IsNaN(value) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := period.Unix()
	if _, ok := s.points[key]; ok {
		return false
	}
	s.points[key] = Reading{Value: value, LastChecked: checked}
	return true
}

// Get returns the reading for period
func (s *Series) Get(period time.Time) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.points[period.Unix()]
	return r, ok
}

// Merge folds other into s. New periods are added; existing periods keep their value and only
// take the newer LastChecked. Returns the number of periods added.
func (s *Series) Merge(other *Series) int {
	if other == nil || other == s {
		return 0
	}
	incoming := other.snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for key, r := range incoming {
		if math.IsNaN(r.Value) {
			continue
		}
		existing, ok := s.points[key]
		if !ok {
			s.points[key] = r
			added++
			continue
		}
		if r.LastChecked.After(existing.LastChecked) {
			existing.LastChecked = r.LastChecked
			s.points[key] = existing
		}
	}
	return added
}

// Slice returns a copy of the periods in [from, to)
func (s *Series) Slice(from, to time.Time) *Series {
	start, end := from.Unix(), to.Unix()
	out := NewSeries(s.granularity)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, r := range s.points {
		if key >= start && key < end {
			out.points[key] = r
		}
	}
	return out
}

// Copy returns an independent copy of s
func (s *Series) Copy() *Series {
	out := NewSeries(s.granularity)
	out.points = s.snapshot()
	return out
}

// Points returns the readings ordered by period, in the portal timezone
func (s *Series) Points() []Point {
	snap := s.snapshot()
	keys := lo.Keys(snap)
	slices.Sort(keys)
	return lo.Map(keys, func(key int64, _ int) Point {
		r := snap[key]
		return Point{
			Period:      time.Unix(key, 0).In(PortalLocation),
			Value:       r.Value,
			LastChecked: r.LastChecked,
		}
	})
}

// Earliest returns the first period, if any
func (s *Series) Earliest() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.points) == 0 {
		return time.Time{}, false
	}
	return time.Unix(lo.Min(lo.Keys(s.points)), 0).In(PortalLocation), true
}

// Latest returns the last period, if any
func (s *Series) Latest() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.points) == 0 {
		return time.Time{}, false
	}
	return time.Unix(lo.Max(lo.Keys(s.points)), 0).In(PortalLocation), true
}

// OldestCheck returns the smallest LastChecked in the series
func (s *Series) OldestCheck() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.points) == 0 {
		return time.Time{}, false
	}
	oldest := lo.MinBy(lo.Values(s.points), func(a, b Reading) bool {
		return a.LastChecked.Before(b.LastChecked)
	})
	return oldest.LastChecked, true
}

// Total sums every value
func (s *Series) Total() float64 {
	return lo.SumBy(lo.Values(s.snapshot()), func(r Reading) float64 { return r.Value })
}

// Densify returns one point per step in [from, to), NaN where no reading exists.
// The series itself is not modified.
func (s *Series) Densify(from, to time.Time) []Point {
	step := s.granularity.Step()
	snap := s.snapshot()

	var out []Point
	for t := from.In(PortalLocation); t.Before(to); t = t.Add(step) {
		p := Point{Period: t, Value: math.NaN()}
		if r, ok := snap[t.Unix()]; ok {
			p.Value = r.Value
			p.LastChecked = r.LastChecked
		}
		out = append(out, p)
	}
	return out
}

func (s *Series) snapshot() map[int64]Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]Reading, len(s.points))
	for k, v := range s.points {
		out[k] = v
	}
	return out
}
