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
	"fmt"
	"math"
	"sync"
	"time"
)

// meterDeps are the collaborators a meter borrows from its account
type meterDeps struct {
	session portalSession
	// seq is shared by every meter of an account and held across multi-request
	// postback sequences, which replay the hidden state of the previous page
	seq     *sync.Mutex
	parser  PageParser
	tariffs TariffTable
	logger  *Logger
	now     func() time.Time
}

// Meter is one electricity or water meter of an account, with its cached consumption history
type Meter struct {
	node string
	deps meterDeps

	// fetchMu serialises cache-miss fetches so a period is fetched once
	fetchMu sync.Mutex

	mu          sync.RWMutex
	info        MeterInfo
	lastRefresh time.Time
	earliest    time.Time
	hourly      *Series
	daily       *Series

	logger *Logger
}

// newMeter fetches the meter's info page and returns a ready meter
func newMeter(ctx context.Context, node string, deps meterDeps) (*Meter, error) {
	m := &Meter{
		node:   node,
		deps:   deps,
		hourly: NewSeries(Hourly),
		daily:  NewSeries(Daily),
		logger: deps.logger.WithComponent("meter"),
	}

	info, err := m.fetchInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise meter %s: %w", node, err)
	}
	m.info = info
	m.lastRefresh = info.LastUpdate
	m.logger = m.logger.WithMeter(info.No)
	m.logger.Debug("Initialised meter", "type", info.Type, "node", node)

	return m, nil
}

// fetchInfo selects the meter in the account tree and parses the info panel
func (m *Meter) fetchInfo(ctx context.Context) (MeterInfo, error) {
	m.deps.seq.Lock()
	defer m.deps.seq.Unlock()

	if _, err := m.deps.session.Get(ctx, PathAccountInfo); err != nil {
		return MeterInfo{}, err
	}
	resp, err := m.deps.session.Post(ctx, PathAccountInfo, meterInfoPayload(m.node))
	if err != nil {
		return MeterInfo{}, err
	}
	return m.deps.parser.ParseMeterInfo(resp.Body)
}

func (m *Meter) now() time.Time {
	return m.deps.now().In(PortalLocation)
}

// Info returns a copy of the meter metadata
func (m *Meter) Info() MeterInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// Node returns the account tree node id, e.g. N0_0_1
func (m *Meter) Node() string {
	return m.node
}

func (m *Meter) No() string {
	return m.Info().No
}

// ID is the base64 meter number used by the usage report
func (m *Meter) ID() string {
	return m.Info().ID
}

func (m *Meter) Type() string {
	return m.Info().Type
}

func (m *Meter) RemainingUnit() float64 {
	return m.Info().RemainingUnit
}

func (m *Meter) RemainingCredit() float64 {
	return m.Info().RemainingCredit
}

// LastUpdated is when the portal last published a reading for this meter
func (m *Meter) LastUpdated() time.Time {
	return m.Info().LastUpdate
}

// LastRefresh is when a refresh was last attempted locally
func (m *Meter) LastRefresh() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRefresh
}

func (m *Meter) IsActive() bool {
	return m.Info().Status == MeterStatusActive
}

// Unit is kWh for electricity and "meter cube" for water
func (m *Meter) Unit() string {
	return UnitFor(m.Type())
}

// Hourly returns a copy of the hourly cache
func (m *Meter) Hourly() *Series {
	return m.hourly.Copy()
}

// Daily returns a copy of the daily cache
func (m *Meter) Daily() *Series {
	return m.daily.Copy()
}

// Seed adds previously stored readings to the caches without overriding anything cached
func (m *Meter) Seed(hourly, daily *Series) {
	m.hourly.Merge(hourly)
	m.daily.Merge(daily)
}

// RestoreState applies persisted refresh bookkeeping. Zero values are ignored.
func (m *Meter) RestoreState(lastRefresh, earliest time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastRefresh.After(m.lastRefresh) {
		m.lastRefresh = lastRefresh
	}
	if !earliest.IsZero() {
		m.earliest = earliest.In(PortalLocation)
	}
}

// EarliestKnown returns the cached earliest consumption date, if the finder has run
func (m *Meter) EarliestKnown() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.earliest, !m.earliest.IsZero()
}

// IsUpdateDue is true once the portal's data is over an hour old and no refresh was
// attempted in the last 15 minutes
func (m *Meter) IsUpdateDue() bool {
	now := m.now()

	m.mu.RLock()
	sinceUpdate := now.Sub(m.info.LastUpdate)
	sinceRefresh := now.Sub(m.lastRefresh)
	m.mu.RUnlock()

	due := sinceUpdate > UpdateInterval && sinceRefresh > RefreshInterval
	m.logger.Debug("Update check",
		"since_last_update", sinceUpdate.Round(time.Second).String(),
		"since_last_refresh", sinceRefresh.Round(time.Second).String(),
		"due", due,
	)
	return due
}

// RefreshData re-reads the info page and applies it if the portal has published newer data.
// Fetch failures are logged and reported as no update; only login failures are returned.
func (m *Meter) RefreshData(ctx context.Context) (bool, error) {
	m.logger.Info("Checking for updates")

	info, err := m.fetchInfo(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRefresh = m.now()

	if err != nil {
		if IsLoginError(err) {
			return false, err
		}
		m.logger.Warn("Failed to fetch update", "error", err.Error())
		return false, nil
	}

	if !info.LastUpdate.After(m.info.LastUpdate) {
		m.logger.Info("No new updates found")
		return false, nil
	}
	m.info = info
	m.logger.Info("New updates found", "last_update", info.LastUpdate.Format(time.RFC3339))
	return true, nil
}

// CheckUpdateAndRefresh refreshes only when IsUpdateDue
func (m *Meter) CheckUpdateAndRefresh(ctx context.Context) (bool, error) {
	if !m.IsUpdateDue() {
		return false, nil
	}
	return m.RefreshData(ctx)
}

// CalculateTotalConsumption sums a series, rounded to three decimals
func (m *Meter) CalculateTotalConsumption(s *Series) float64 {
	if s == nil || s.Empty() {
		return 0
	}
	return math.Round(s.Total()*1000) / 1000
}

// CalculateTotalCost prices a series with the tariff for this meter's type.
// A meter type without a tariff costs nothing.
func (m *Meter) CalculateTotalCost(s *Series) float64 {
	tariff, ok := m.deps.tariffs.Lookup(m.Type())
	if !ok {
		return 0
	}
	return tariff.Cost(m.CalculateTotalConsumption(s))
}
