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
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// MetricsCollector collects and exposes metrics in Prometheus format
type MetricsCollector struct {
	monitor *MeterMonitor
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(monitor *MeterMonitor) *MetricsCollector {
	return &MetricsCollector{
		monitor: monitor,
	}
}

// ServeHTTP handles the /metrics endpoint
func (m *MetricsCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	metrics := m.collectMetrics()
	fmt.Fprint(w, metrics)
}

// collectMetrics gathers all application metrics. Only cached values are reported; nothing
// here touches the portal.
func (m *MetricsCollector) collectMetrics() string {
	var metrics strings.Builder

	m.writeMetricHeader(&metrics, "usmsmon_info", "gauge", "Build information")
	m.writeMetric(&metrics, "usmsmon_info", map[string]string{
		"version":    GetVersion(),
		"user_agent": GetUserAgent(),
		"release":    fmt.Sprintf("%t", IsReleaseVersion(GetVersion())),
	}, 1)

	m.writeMetricHeader(&metrics, "usmsmon_up", "gauge", "Whether the application is up and running")
	m.writeMetric(&metrics, "usmsmon_up", nil, 1)

	lastCheck, checks, errs := m.monitor.Status()
	m.writeMetricHeader(&metrics, "usmsmon_last_check_timestamp", "gauge", "Unix timestamp of the last check cycle")
	if lastCheck.IsZero() {
		m.writeMetric(&metrics, "usmsmon_last_check_timestamp", nil, 0)
	} else {
		m.writeMetric(&metrics, "usmsmon_last_check_timestamp", nil, float64(lastCheck.Unix()))
	}
	m.writeMetricHeader(&metrics, "usmsmon_checks_total", "counter", "Number of completed check cycles")
	m.writeMetric(&metrics, "usmsmon_checks_total", nil, float64(checks))
	m.writeMetricHeader(&metrics, "usmsmon_account_errors", "gauge", "Accounts whose last check failed")
	m.writeMetric(&metrics, "usmsmon_account_errors", nil, float64(len(errs)))

	accounts := m.monitor.Accounts()

	m.writeMetricHeader(&metrics, "usmsmon_portal_requests_total", "counter", "HTTP requests sent to the portal, redirect hops included")
	m.writeMetricHeader(&metrics, "usmsmon_portal_request_seconds_total", "counter", "Time spent in portal requests")
	m.writeMetricHeader(&metrics, "usmsmon_portal_logins_total", "counter", "Completed login flows")
	m.writeMetricHeader(&metrics, "usmsmon_portal_login_failures_total", "counter", "Login flows that failed")
	m.writeMetricHeader(&metrics, "usmsmon_portal_session_expiries_total", "counter", "Responses that reported an expired session")
	m.writeMetricHeader(&metrics, "usmsmon_rate_limit_sleeps_total", "counter", "Number of times rate limiting was triggered")
	for _, a := range accounts {
		snap := a.Session().Metrics().Snapshot()
		labels := map[string]string{"account": maskUsername(a.Username())}
		m.writeMetric(&metrics, "usmsmon_portal_requests_total", labels, float64(snap.TotalRequests))
		m.writeMetric(&metrics, "usmsmon_portal_request_seconds_total", labels, snap.TotalRequestSecs)
		m.writeMetric(&metrics, "usmsmon_portal_logins_total", labels, float64(snap.Logins))
		m.writeMetric(&metrics, "usmsmon_portal_login_failures_total", labels, float64(snap.LoginFailures))
		m.writeMetric(&metrics, "usmsmon_portal_session_expiries_total", labels, float64(snap.Expiries))
		m.writeMetric(&metrics, "usmsmon_rate_limit_sleeps_total", labels, float64(snap.RateLimitSleeps))
	}

	m.writeMetricHeader(&metrics, "usmsmon_meter_remaining_units", "gauge", "Remaining units on the meter")
	m.writeMetricHeader(&metrics, "usmsmon_meter_remaining_credit", "gauge", "Remaining credit on the meter")
	m.writeMetricHeader(&metrics, "usmsmon_meter_last_update_timestamp", "gauge", "Unix timestamp of the portal's last reading")
	m.writeMetricHeader(&metrics, "usmsmon_meter_active", "gauge", "Whether the meter is active (1=yes, 0=no)")
	m.writeMetricHeader(&metrics, "usmsmon_meter_cached_periods", "gauge", "Consumption periods held in cache")
	for _, a := range accounts {
		for _, meter := range a.Meters() {
			info := meter.Info()
			labels := map[string]string{"meter": info.No, "type": info.Type, "unit": meter.Unit()}
			m.writeMetric(&metrics, "usmsmon_meter_remaining_units", labels, info.RemainingUnit)
			m.writeMetric(&metrics, "usmsmon_meter_remaining_credit", labels, info.RemainingCredit)
			m.writeMetric(&metrics, "usmsmon_meter_last_update_timestamp", labels, float64(info.LastUpdate.Unix()))
			active := 0.0
			if meter.IsActive() {
				active = 1
			}
			m.writeMetric(&metrics, "usmsmon_meter_active", labels, active)
			m.writeMetric(&metrics, "usmsmon_meter_cached_periods", map[string]string{"meter": info.No, "granularity": "hourly"}, float64(meter.hourly.Len()))
			m.writeMetric(&metrics, "usmsmon_meter_cached_periods", map[string]string{"meter": info.No, "granularity": "daily"}, float64(meter.daily.Len()))
		}
	}

	return metrics.String()
}

// writeMetricHeader writes metric description and type
func (m *MetricsCollector) writeMetricHeader(sb *strings.Builder, name, metricType, description string) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, description))
	sb.WriteString(fmt.Sprintf("# TYPE %s %s\n", name, metricType))
}

// writeMetric writes a metric with optional labels, sorted by key
func (m *MetricsCollector) writeMetric(sb *strings.Builder, name string, labels map[string]string, value float64) {
	if len(labels) > 0 {
		keys := make([]string, 0, len(labels))
		for key := range labels {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var labelPairs []string
		for _, key := range keys {
			labelPairs = append(labelPairs, fmt.Sprintf(`%s="%s"`, key, escapeLabel(labels[key])))
		}
		sb.WriteString(fmt.Sprintf("%s{%s} %g\n", name, strings.Join(labelPairs, ","), value))
	} else {
		sb.WriteString(fmt.Sprintf("%s %g\n", name, value))
	}
}

func escapeLabel(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
}
