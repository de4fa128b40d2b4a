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
	"net/url"
	"strconv"
	"time"
)

// Report type selector values
const (
	reportTypeDaily  = "1"
	reportTypeHourly = "3"

	reportLabelDaily  = "Daily (Max 1 month)"
	reportLabelHourly = "Hourly (Max 1 day)"
)

// meterInfoPayload selects a meter node in the account tree view
func meterInfoPayload(node string) url.Values {
	form := url.Values{}
	form.Set("ASPxTreeView1",
		"{&quot;nodesState&quot;:[{&quot;N0_0&quot;:&quot;T&quot;,&quot;N0&quot;:&quot;T&quot;},&quot;"+
			node+"&quot;,{}]}")
	form.Set("__EVENTARGUMENT", "NCLK|"+node)
	form.Set("__EVENTTARGET", "ASPxPanel1$ASPxTreeView1")
	return form
}

// hourlyReportPayload asks for one day of hourly readings
func hourlyReportPayload(day time.Time) url.Values {
	day = startOfDay(day)
	date := day.Format(portalDateLayout)
	state := dateEditState(day)

	form := url.Values{}
	form.Set("cboType_VI", reportTypeHourly)
	form.Set("cboType", reportLabelHourly)
	form["btnRefresh"] = []string{"Search", ""}
	form.Set("cboDateFrom", date)
	form.Set("cboDateTo", date)
	form.Set("cboDateFrom$State", state)
	form.Set("cboDateTo$State", state)
	return form
}

// dailyReportPayload asks for the daily readings of month's calendar month. The running
// month ends yesterday, any earlier month ends on its last day.
func dailyReportPayload(month, now time.Time) url.Values {
	from := time.Date(month.Year(), month.Month(), 1, 8, 0, 0, 0, PortalLocation)

	today := startOfDay(now)
	var to time.Time
	if month.Year() == today.Year() && month.Month() == today.Month() {
		to = today.AddDate(0, 0, -1)
	} else {
		to = time.Date(month.Year(), month.Month()+1, 0, 0, 0, 0, 0, PortalLocation)
	}

	form := url.Values{}
	form.Set("cboType_VI", reportTypeDaily)
	form.Set("cboType", reportLabelDaily)
	form.Set("btnRefresh", "Search")
	form.Set("cboDateFrom", from.Format(portalDateLayout))
	form.Set("cboDateTo", to.Format(portalDateLayout))
	form.Set("cboDateFrom$State", dateEditState(from))
	form.Set("cboDateTo$State", dateEditState(to))
	return form
}

// dateEditState is the DevExpress date editor state. rawValue is the local wall clock
// read as if it were UTC, in epoch milliseconds.
func dateEditState(t time.Time) string {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	return "{&quot;rawValue&quot;:&quot;" + strconv.FormatInt(wall.UnixMilli(), 10) + "&quot;}"
}

func usageHistoryPath(meterID string) string {
	return PathUsageHistory + "?p=" + meterID
}

// startOfDay truncates t to midnight in the portal timezone
func startOfDay(t time.Time) time.Time {
	t = t.In(PortalLocation)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, PortalLocation)
}

// startOfMonth returns midnight on the first of t's month in the portal timezone
func startOfMonth(t time.Time) time.Time {
	t = t.In(PortalLocation)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, PortalLocation)
}
