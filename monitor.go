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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type accountWatch struct {
	account *Account
	state   *AppState
}

// MeterMonitor periodically refreshes every meter of every account
type MeterMonitor struct {
	watches       []*accountWatch
	store         *Store
	publisher     Publisher
	checkInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	webServer     *WebServer
	logger        *Logger
	now           func() time.Time

	mu         sync.RWMutex
	lastCheck  time.Time
	lastErrors map[string]string
	checks     int64
}

// NewMeterMonitor loads each account's state file and restores meter checkpoints
func NewMeterMonitor(accounts []*Account, logger *Logger) *MeterMonitor {
	if logger == nil {
		logger = NewLogger(false)
	}
	logger = logger.WithComponent("monitor")

	m := &MeterMonitor{
		checkInterval: MonitorDefaultCheckInterval,
		stopCh:        make(chan struct{}),
		logger:        logger,
		now:           time.Now,
		lastErrors:    make(map[string]string),
	}

	for _, a := range accounts {
		state, err := LoadState(a.Username())
		if err != nil {
			logger.Warn("Failed to load state, starting fresh", "account", maskUsername(a.Username()), "error", err.Error())
			state = &AppState{Meters: make(map[string]*MeterCheckpoint)}
		}
		state.CleanupStaleMeters()
		for _, meter := range a.Meters() {
			if state.Restore(meter) {
				logger.Debug("Restored meter checkpoint", "meter", meter.No())
			}
		}
		m.watches = append(m.watches, &accountWatch{account: a, state: state})
	}

	return m
}

// SetStore persists history to store and seeds meter caches from it
func (m *MeterMonitor) SetStore(ctx context.Context, store *Store) error {
	m.store = store
	for _, w := range m.watches {
		for _, meter := range w.account.Meters() {
			hourly, err := store.LoadSeries(ctx, meter.No(), Hourly)
			if err != nil {
				return err
			}
			daily, err := store.LoadSeries(ctx, meter.No(), Daily)
			if err != nil {
				return err
			}
			meter.Seed(hourly, daily)
			m.logger.Debug("Seeded meter cache", "meter", meter.No(), "hourly", hourly.Len(), "daily", daily.Len())
		}
	}
	return nil
}

func (m *MeterMonitor) SetPublisher(p Publisher) {
	m.publisher = p
}

func (m *MeterMonitor) SetCheckInterval(interval time.Duration) {
	m.checkInterval = interval
}

func (m *MeterMonitor) EnableWebUI(port int) {
	m.webServer = NewWebServer(m, port)
}

// Accounts returns the monitored accounts
func (m *MeterMonitor) Accounts() []*Account {
	out := make([]*Account, 0, len(m.watches))
	for _, w := range m.watches {
		out = append(out, w.account)
	}
	return out
}

// FindMeter looks a meter up across all accounts
func (m *MeterMonitor) FindMeter(noOrID string) (*Meter, error) {
	for _, w := range m.watches {
		if meter, err := w.account.Meter(noOrID); err == nil {
			return meter, nil
		}
	}
	return nil, &MeterNotFoundError{Meter: noOrID}
}

// Status reports when the last cycle finished and which accounts failed in it
func (m *MeterMonitor) Status() (time.Time, int64, map[string]string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	errs := make(map[string]string, len(m.lastErrors))
	for k, v := range m.lastErrors {
		errs[k] = v
	}
	return m.lastCheck, m.checks, errs
}

// Start runs check cycles until ctx is done or Stop is called
func (m *MeterMonitor) Start(ctx context.Context) {
	m.logger.Info("Starting meter monitoring", "accounts", len(m.watches), "interval", m.checkInterval.String())

	if m.webServer != nil {
		go func() {
			if err := m.webServer.Start(); err != nil {
				m.logger.Error("Web server error", "error", err.Error())
			}
		}()
	}

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.runCheck(ctx)

	for {
		select {
		case <-ticker.C:
			m.runCheck(ctx)
		case <-ctx.Done():
			m.logger.Info("Stopping meter monitoring")
			m.shutdown()
			return
		case <-m.stopCh:
			m.logger.Info("Stopping meter monitoring")
			m.shutdown()
			return
		}
	}
}

func (m *MeterMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *MeterMonitor) shutdown() {
	if m.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.webServer.Shutdown(ctx); err != nil {
			m.logger.Warn("Web server shutdown failed", "error", err.Error())
		}
	}
}

func (m *MeterMonitor) runCheck(ctx context.Context) {
	if err := m.CheckOnce(ctx); err != nil {
		m.logger.Error("Check cycle finished with errors", "error", err.Error())
	}
}

// CheckOnce runs one cycle over all accounts in parallel. Accounts fail independently; the
// first failure is returned after every account has finished.
func (m *MeterMonitor) CheckOnce(ctx context.Context) error {
	m.logger.Info("Checking meters")

	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   = make(map[string]string)
	)
	for _, w := range m.watches {
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, MonitorAccountTimeout)
			defer cancel()
			if err := m.checkAccount(actx, w); err != nil {
				errsMu.Lock()
				errs[w.account.Username()] = err.Error()
				errsMu.Unlock()
				return fmt.Errorf("account %s: %w", maskUsername(w.account.Username()), err)
			}
			return nil
		})
	}
	err := g.Wait()

	m.mu.Lock()
	m.lastCheck = m.now()
	m.lastErrors = errs
	m.checks++
	m.mu.Unlock()

	return err
}

func (m *MeterMonitor) checkAccount(ctx context.Context, w *accountWatch) error {
	logger := m.logger.WithAccount(w.account.Username())
	now := m.now()

	for _, meter := range w.account.Meters() {
		if err := m.checkMeter(ctx, meter, now, logger); err != nil {
			return err
		}
		w.state.Checkpoint(meter, now)
	}

	if err := w.state.Save(w.account.Username()); err != nil {
		logger.Warn("Failed to save state", "error", err.Error())
	}
	return nil
}

func (m *MeterMonitor) checkMeter(ctx context.Context, meter *Meter, now time.Time, logger *Logger) error {
	logger = logger.WithMeter(meter.No())

	updated, err := meter.CheckUpdateAndRefresh(ctx)
	if err != nil {
		return err
	}

	today, err := meter.HourlyConsumptions(ctx, now)
	if err != nil {
		return err
	}
	month, err := meter.DailyConsumptions(ctx, now)
	if err != nil {
		return err
	}

	logger.Info("Meter checked",
		"updated", updated,
		"remaining", fmt.Sprintf("%.2f %s", meter.RemainingUnit(), meter.Unit()),
		"credit", fmt.Sprintf("$%.2f", meter.RemainingCredit()),
		"last_update", formatAge(now.Sub(meter.LastUpdated())),
	)

	if m.store != nil {
		for _, s := range []*Series{today, month} {
			if _, err := m.store.SaveSeries(ctx, meter.No(), s); err != nil {
				logger.Warn("Failed to store consumptions", "granularity", s.Granularity().String(), "error", err.Error())
			}
		}
	}

	if m.publisher != nil {
		if err := m.publisher.PublishMeterState(NewMeterState(meter, now, today, month)); err != nil {
			logger.Warn("Failed to publish meter state", "error", err.Error())
		}
	}
	return nil
}

// formatAge renders a duration as "1h 5m ago"
func formatAge(d time.Duration) string {
	return formatDuration(d) + " ago"
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	} else if hours > 0 && minutes > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh", hours)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	} else {
		return "less than a minute"
	}
}
