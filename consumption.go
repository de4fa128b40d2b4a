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
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HourlyConsumptions returns the hourly readings of date's day, from cache when it is fresh
// or settled. Portal and parse failures yield an empty series; login failures, future dates
// and cancellation are returned.
func (m *Meter) HourlyConsumptions(ctx context.Context, date time.Time) (*Series, error) {
	s, err := m.hourlyConsumptions(ctx, date)
	return m.softFail(ctx, Hourly, date, s, err)
}

// DailyConsumptions returns the daily readings of date's calendar month
func (m *Meter) DailyConsumptions(ctx context.Context, date time.Time) (*Series, error) {
	s, err := m.dailyConsumptions(ctx, date)
	return m.softFail(ctx, Daily, date, s, err)
}

func (m *Meter) softFail(ctx context.Context, g Granularity, date time.Time, s *Series, err error) (*Series, error) {
	if err == nil {
		return s, nil
	}
	var future *FutureDateError
	if IsLoginError(err) || errors.As(err, &future) || ctx.Err() != nil {
		return nil, err
	}
	m.logger.Warn("Failed to fetch consumptions",
		"granularity", g.String(),
		"date", date.Format("2006-01-02"),
		"error", err.Error(),
	)
	return NewSeries(g), nil
}

func (m *Meter) hourlyConsumptions(ctx context.Context, date time.Time) (*Series, error) {
	now := m.now()
	day := startOfDay(date)
	if day.After(startOfDay(now)) {
		return nil, &FutureDateError{Date: day}
	}
	end := day.AddDate(0, 0, 1)
	period := day.Format("2006-01-02")

	if cached, ok := m.cached(m.hourly, day, end, now, HourlySettledAfter); ok {
		m.logger.LogCacheHit(Hourly.String(), period)
		return cached, nil
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()
	if cached, ok := m.cached(m.hourly, day, end, now, HourlySettledAfter); ok {
		m.logger.LogCacheHit(Hourly.String(), period)
		return cached, nil
	}
	m.logger.LogCacheMiss(Hourly.String(), period, "stale or missing")

	payload := hourlyReportPayload(day)
	page, err := m.fetchReport(ctx, payload, payload)
	if errors.Is(err, ErrConsumptionHistoryNotFound) {
		m.logger.Debug("No consumption data", "date", period)
		return NewSeries(Hourly), nil
	}
	if err != nil {
		return nil, err
	}

	fetched := NewSeries(Hourly)
	for _, row := range page.Rows {
		hour, err := strconv.Atoi(row.Period)
		if err != nil {
			return nil, &PageParseError{Page: "usage history", Field: "hour", Err: err}
		}
		fetched.Put(day.Add(time.Duration(hour)*time.Hour), row.Value, now)
	}

	if fetched.Empty() {
		return fetched, nil
	}

	added := m.hourly.Merge(fetched)
	m.logger.Debug("Fetched consumptions", "date", period, "rows", fetched.Len(), "new", added)
	return m.hourly.Slice(day, end), nil
}

func (m *Meter) dailyConsumptions(ctx context.Context, date time.Time) (*Series, error) {
	now := m.now()
	month := startOfMonth(date)
	if month.After(startOfMonth(now)) {
		return nil, &FutureDateError{Date: startOfDay(date)}
	}
	end := month.AddDate(0, 1, 0)
	period := month.Format("2006-01")

	if cached, ok := m.cached(m.daily, month, end, now, DailySettledAfter); ok {
		m.logger.LogCacheHit(Daily.String(), period)
		return cached, nil
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()
	if cached, ok := m.cached(m.daily, month, end, now, DailySettledAfter); ok {
		m.logger.LogCacheHit(Daily.String(), period)
		return cached, nil
	}
	m.logger.LogCacheMiss(Daily.String(), period, "stale or missing")

	payload := dailyReportPayload(month, now)
	// The daily grid only renders after an empty postback primes the report type
	page, err := m.fetchReport(ctx, url.Values{}, payload, payload)
	if errors.Is(err, ErrConsumptionHistoryNotFound) {
		m.logger.Debug("No consumption data", "month", period)
		return NewSeries(Daily), nil
	}
	if err != nil {
		return nil, err
	}

	fetched := NewSeries(Daily)
	for _, row := range page.Rows {
		day, err := time.ParseInLocation(portalDateLayout, row.Period, PortalLocation)
		if err != nil {
			return nil, &PageParseError{Page: "usage history", Field: "date", Err: err}
		}
		fetched.Put(day, row.Value, now)
	}

	if fetched.Empty() {
		return fetched, nil
	}

	added := m.daily.Merge(fetched)
	m.logger.Debug("Fetched consumptions", "month", period, "rows", fetched.Len(), "new", added)
	return m.daily.Slice(month, end), nil
}

// cached returns the [from, to) slice of s when it is non-empty and either checked within the
// refresh interval or old enough to be settled
func (m *Meter) cached(s *Series, from, to, now time.Time, settledAfter time.Duration) (*Series, bool) {
	slice := s.Slice(from, to)
	oldest, ok := slice.OldestCheck()
	if !ok {
		return nil, false
	}
	if now.Sub(oldest) < RefreshInterval || now.Sub(from) > settledAfter {
		return slice, true
	}
	return nil, false
}

// fetchReport opens the usage history page and sends the postbacks in order; the last
// response is parsed. A grid without rows is ErrConsumptionHistoryNotFound.
func (m *Meter) fetchReport(ctx context.Context, postbacks ...url.Values) (ReportPage, error) {
	path := usageHistoryPath(m.ID())

	m.deps.seq.Lock()
	defer m.deps.seq.Unlock()

	if _, err := m.deps.session.Get(ctx, path); err != nil {
		return ReportPage{}, err
	}

	var resp *Response
	for _, form := range postbacks {
		var err error
		resp, err = m.deps.session.Post(ctx, path, form)
		if err != nil {
			return ReportPage{}, err
		}
	}
	if resp == nil {
		return ReportPage{}, fmt.Errorf("no postback sent for %s", path)
	}

	page, err := m.deps.parser.ParseReport(resp.Body)
	if err != nil {
		return ReportPage{}, err
	}
	if page.HasUnexpectedError() {
		m.logger.Error("Portal reported an error", "message", page.ErrorMessage)
	}
	if len(page.Rows) == 0 {
		return page, ErrConsumptionHistoryNotFound
	}
	return page, nil
}

// LastNDaysHourlyConsumptions returns the hourly readings from n days ago through today
func (m *Meter) LastNDaysHourlyConsumptions(ctx context.Context, n int) (*Series, error) {
	if n < 0 {
		return nil, &ValidationError{Field: "days", Value: n, Message: "must not be negative"}
	}
	today := startOfDay(m.now())
	out := NewSeries(Hourly)
	for i := n; i >= 0; i-- {
		s, err := m.HourlyConsumptions(ctx, today.AddDate(0, 0, -i))
		if err != nil {
			return nil, err
		}
		out.Merge(s)
	}
	return out, nil
}

// PreviousNMonthConsumptions returns the daily readings of the month n months back;
// n=0 is the running month
func (m *Meter) PreviousNMonthConsumptions(ctx context.Context, n int) (*Series, error) {
	if n < 0 {
		return nil, &ValidationError{Field: "months", Value: n, Message: "must not be negative"}
	}
	return m.DailyConsumptions(ctx, startOfMonth(m.now()).AddDate(0, -n, 0))
}

// AllHourlyConsumptions walks every day from the earliest date with data up to today and
// returns the whole hourly cache. Errors of the earliest-date search are returned as they
// are; a day that fails after that is skipped like any other soft failure.
func (m *Meter) AllHourlyConsumptions(ctx context.Context) (*Series, error) {
	earliest, err := m.FindEarliestConsumptionDate(ctx)
	if err != nil {
		return nil, err
	}

	today := startOfDay(m.now())
	total := int(today.Sub(earliest).Hours()/24) + 1
	for i, day := 0, earliest; !day.After(today); i, day = i+1, day.AddDate(0, 0, 1) {
		if _, err := m.HourlyConsumptions(ctx, day); err != nil {
			return nil, err
		}
		m.logger.Debug("Getting all hourly consumptions", "progress", i+1, "total", total)
	}
	return m.Hourly(), nil
}
