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
	"net/http"
	"sync"
	"time"
)

// AccountOptions configure NewAccount. Zero values select the defaults.
type AccountOptions struct {
	BaseURL     string
	HTTPClient  *http.Client
	Logger      *Logger
	Parser      PageParser
	Tariffs     TariffTable
	MinInterval time.Duration
	Debug       bool
	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

// Account is a logged-in portal account and its meters
type Account struct {
	username string
	session  *Session
	parser   PageParser
	logger   *Logger

	mu     sync.RWMutex
	info   AccountInfo
	meters []*Meter
}

// NewAccount logs in on first use, reads the account page and initialises every meter
func NewAccount(ctx context.Context, creds Credentials, opts AccountOptions) (*Account, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, &ValidationError{Field: "credentials", Message: "username and password are required"}
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(opts.Debug)
	}
	parser := opts.Parser
	if parser == nil {
		parser = NewHTMLPageParser()
	}
	tariffs := opts.Tariffs
	if tariffs.IsZero() {
		tariffs = DefaultTariffs()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	session, err := NewSession(creds, SessionOptions{
		BaseURL:     opts.BaseURL,
		HTTPClient:  opts.HTTPClient,
		Logger:      logger,
		MinInterval: opts.MinInterval,
		Debug:       opts.Debug,
	})
	if err != nil {
		return nil, err
	}

	a := &Account{
		username: creds.Username,
		session:  session,
		parser:   parser,
		logger:   logger.WithComponent("account").WithAccount(creds.Username),
	}

	info, err := a.fetchInfo(ctx)
	if err != nil {
		return nil, err
	}

	deps := meterDeps{
		session: session,
		seq:     &sync.Mutex{},
		parser:  parser,
		tariffs: tariffs,
		logger:  logger.WithAccount(creds.Username),
		now:     now,
	}
	meters := make([]*Meter, 0, len(info.MeterNodes))
	for _, node := range info.MeterNodes {
		m, err := newMeter(ctx, node, deps)
		if err != nil {
			return nil, err
		}
		meters = append(meters, m)
	}

	a.info = info
	a.meters = meters
	a.logger.Debug("Initialised account", "meters", len(meters))
	return a, nil
}

func (a *Account) fetchInfo(ctx context.Context) (AccountInfo, error) {
	a.logger.Debug("Fetching account details")
	resp, err := a.session.Get(ctx, PathAccountInfo)
	if err != nil {
		return AccountInfo{}, err
	}
	info, err := a.parser.ParseAccountInfo(resp.Body)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("failed to read account details: %w", err)
	}
	return info, nil
}

// Username is the portal login name
func (a *Account) Username() string {
	return a.username
}

// Info returns the account holder details
func (a *Account) Info() AccountInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info
}

// Meters returns the account's meters in tree order
func (a *Account) Meters() []*Meter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Meter(nil), a.meters...)
}

// Meter finds a meter by number or by its base64 report id
func (a *Account) Meter(noOrID string) (*Meter, error) {
	for _, m := range a.Meters() {
		info := m.Info()
		if info.No == noOrID || info.ID == noOrID {
			return m, nil
		}
	}
	return nil, &MeterNotFoundError{Meter: noOrID}
}

// Session exposes the account's portal session
func (a *Account) Session() *Session {
	return a.session
}

// IsAuthenticated probes the portal with the current cookies only
func (a *Account) IsAuthenticated(ctx context.Context) bool {
	ok := a.session.IsAuthenticated(ctx)
	a.logger.Debug("Checked authentication", "authenticated", ok)
	return ok
}

// LogIn makes sure the session is logged in, running the login flow if needed
func (a *Account) LogIn(ctx context.Context) (bool, error) {
	a.logger.Debug("Logging in")
	if _, err := a.session.Get(ctx, PathAccountInfo); err != nil {
		if IsLoginError(err) {
			return false, err
		}
		a.logger.Warn("Log in request failed", "error", err.Error())
	}
	if a.IsAuthenticated(ctx) {
		a.logger.Debug("Logged in")
		return true, nil
	}
	a.logger.Debug("Log in failed")
	return false, nil
}

// LogOut leaves the portal and drops the session cookies
func (a *Account) LogOut(ctx context.Context) (bool, error) {
	a.logger.Debug("Logging out")
	if _, err := a.session.Get(ctx, PathLogin); err != nil && !IsLoginError(err) {
		a.logger.Warn("Log out request failed", "error", err.Error())
	}
	if err := a.session.Reset(); err != nil {
		return false, err
	}
	if a.IsAuthenticated(ctx) {
		a.logger.Debug("Log out failed")
		return false, nil
	}
	a.logger.Debug("Logged out")
	return true, nil
}
