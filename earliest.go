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
	"time"
)

// FindEarliestConsumptionDate returns the first day with hourly data. The search starts at
// the earliest cached day (or today) and gallops into the past, doubling the jump while days
// have data and shrinking it by four after overshooting. History is assumed to be contiguous:
// a gap inside it ends the search at the gap.
//
// The result is cached on the meter. Unlike the consumption fetchers, any failed probe is
// returned to the caller, login or not, and nothing is cached: reading it as an empty day
// would fix a later date for good.
func (m *Meter) FindEarliestConsumptionDate(ctx context.Context) (time.Time, error) {
	if earliest, ok := m.EarliestKnown(); ok {
		return earliest, nil
	}

	probe := startOfDay(m.now())
	if first, ok := m.hourly.Earliest(); ok {
		probe = startOfDay(first)
	}
	m.logger.Debug("Finding earliest consumption date", "start", probe.Format("2006-01-02"))

	empty := make(map[int64]bool)
	hasData := func(day time.Time) (bool, error) {
		if empty[day.Unix()] {
			return false, nil
		}
		s, err := m.hourlyConsumptions(ctx, day)
		if err != nil {
			return false, err
		}
		if s.Empty() {
			empty[day.Unix()] = true
			return false, nil
		}
		return true, nil
	}

	step := 1
	for {
		ok, err := hasData(probe)
		if err != nil {
			m.logger.Warn("Earliest date search aborted", "probe", probe.Format("2006-01-02"), "error", err.Error())
			return time.Time{}, err
		}

		switch {
		case ok:
			if step == 0 {
				step = 1
			} else {
				step *= 2
			}
			probe = probe.AddDate(0, 0, -step)
			m.logger.Debug("Stepping back", "days", step, "probe", probe.Format("2006-01-02"))
		case step <= 1:
			earliest := probe.AddDate(0, 0, 1)
			m.mu.Lock()
			m.earliest = earliest
			m.mu.Unlock()
			m.logger.Debug("Found earliest consumption date", "date", earliest.Format("2006-01-02"))
			return earliest, nil
		default:
			probe = probe.AddDate(0, 0, step)
			step /= 4
			m.logger.Debug("Stepped too far", "back_to", probe.Format("2006-01-02"), "step", step)
		}
	}
}
