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

import "time"

// Portal endpoints. Relative paths are resolved against PortalBaseURL.
const (
	PortalBaseURL = "https://www.usms.com.bn/SmartMeter/"

	PathLogin        = "ResLogin"
	PathLoginSession = "LoginSession.aspx"
	PathAccountInfo  = "AccountInfo"
	PathUsageHistory = "Report/UsageHistory"
)

// Session expiry markers found in portal responses
const (
	// MarkerSessionExpireRedirect - present in the body of the redirect sent for an unauthenticated request
	MarkerSessionExpireRedirect = "SessionExpire"

	// MarkerSessionExpiredPage - present in the 200 page shown after the session timed out
	MarkerSessionExpiredPage = "Your Session Has Expired, Please Login Again."

	// SessionCookieName - ASP.NET session cookie set by the login postback
	SessionCookieName = "ASP.NET_SessionId"
)

// Login form fields
const (
	FieldLoginButton   = "ASPxRoundPanel1$btnLogin"
	FieldLoginUsername = "ASPxRoundPanel1$txtUsername"
	FieldLoginPassword = "ASPxRoundPanel1$txtPassword"
)

// Meter refresh gate
const (
	// UpdateInterval - the portal publishes new readings roughly hourly
	UpdateInterval = 60 * time.Minute

	// RefreshInterval - minimum time between two refresh attempts, and the freshness window of cached series
	RefreshInterval = 15 * time.Minute
)

// Consumption cache staleness cutoffs. Periods older than these are treated as settled.
const (
	// HourlySettledAfter - hourly data older than this is never re-fetched once cached
	HourlySettledAfter = 3 * 24 * time.Hour

	// DailySettledAfter - daily data older than a month plus three days is never re-fetched once cached
	DailySettledAfter = 34 * 24 * time.Hour
)

// HTTP client settings
const (
	// HTTPClientTimeout - Maximum time for HTTP requests
	HTTPClientTimeout = 30 * time.Second

	// HTTPMinInterval - Minimum time between portal requests (rate limiting)
	HTTPMinInterval = 500 * time.Millisecond

	// HTTPMaxAttempts - Attempts per request before giving up on re-authentication
	HTTPMaxAttempts = 3

	// HTTPMaxRedirects - Redirect hops followed within one exchange
	HTTPMaxRedirects = 10
)

// Units per meter type
const (
	UnitElectricity = "kWh"
	UnitWater       = "meter cube"
)

// Meter status reported by the portal for a live meter
const MeterStatusActive = "ACTIVE"

// Monitor settings
const (
	// MonitorDefaultCheckInterval - Default interval between meter update checks
	MonitorDefaultCheckInterval = 15 * time.Minute

	// MonitorAccountTimeout - Upper bound for one account's refresh cycle
	MonitorAccountTimeout = 5 * time.Minute
)

// Web dashboard settings
const (
	// WebDashboardRefreshInterval - Auto-refresh interval for web dashboard (client-side)
	WebDashboardRefreshInterval = 60 * time.Second
)

// MQTT settings
const (
	// MQTTConnectTimeout - Time allowed for the initial broker connection
	MQTTConnectTimeout = 10 * time.Second

	// MQTTPublishTimeout - Time allowed for a single publish to be acknowledged
	MQTTPublishTimeout = 5 * time.Second

	// MQTTDefaultTopicPrefix - Topic prefix used when none is configured
	MQTTDefaultTopicPrefix = "usms"
)

// State management settings
const (
	// StateCleanupAge - Drop meter state not touched for this long
	StateCleanupAge = 90 * 24 * time.Hour
)

// PortalLocation is the portal's local timezone. Every consumption period is keyed in it.
var PortalLocation = loadPortalLocation()

func loadPortalLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Brunei")
	if err != nil {
		// Brunei has no DST; a fixed zone is exact
		return time.FixedZone("BNT", 8*60*60)
	}
	return loc
}
