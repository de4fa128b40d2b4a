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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists consumption history in SQLite so restarts do not refetch settled periods
type Store struct {
	db     *sql.DB
	path   string
	logger *Logger
}

// OpenStore opens (creating if needed) the database at path and migrates it
func OpenStore(path string, logger *Logger) (*Store, error) {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, &CacheError{CacheType: "store", Operation: "open", Err: err}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &CacheError{CacheType: "store", Operation: "open", Err: err}
	}
	// SQLite allows one writer; a single connection keeps writes ordered
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, logger: logger.WithComponent("store")}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, &CacheError{CacheType: "store", Operation: "open", Err: err}
	}
	return s, nil
}

// Migrate creates the schema
func (s *Store) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return &CacheError{CacheType: "store", Operation: "migrate", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
CREATE TABLE IF NOT EXISTS consumptions (
    meter_no TEXT NOT NULL,
    granularity TEXT NOT NULL,
    period INTEGER NOT NULL,
    value REAL NOT NULL,
    last_checked INTEGER NOT NULL,
    PRIMARY KEY (meter_no, granularity, period)
);

CREATE INDEX IF NOT EXISTS idx_consumptions_period ON consumptions(meter_no, granularity, period);

CREATE VIEW IF NOT EXISTS daily_totals AS
SELECT
    meter_no,
    DATE(period, 'unixepoch', '+8 hours') AS day,
    SUM(value) AS total,
    COUNT(*) AS hours
FROM consumptions
WHERE granularity = 'hourly'
GROUP BY meter_no, DATE(period, 'unixepoch', '+8 hours')
ORDER BY day DESC;
	`)
	if err != nil {
		return &CacheError{CacheType: "store", Operation: "migrate", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &CacheError{CacheType: "store", Operation: "migrate", Err: err}
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSeries upserts every reading. A stored value is never replaced; only its last_checked
// moves forward. Returns the number of rows written.
func (s *Store) SaveSeries(ctx context.Context, meterNo string, series *Series) (int, error) {
	points := series.Points()
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &CacheError{CacheType: "store", Operation: "write", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO consumptions (meter_no, granularity, period, value, last_checked)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (meter_no, granularity, period)
DO UPDATE SET last_checked = MAX(last_checked, excluded.last_checked)`)
	if err != nil {
		return 0, &CacheError{CacheType: "store", Operation: "write", Err: err}
	}
	defer stmt.Close()

	granularity := series.Granularity().String()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, meterNo, granularity, p.Period.Unix(), p.Value, p.LastChecked.Unix()); err != nil {
			return 0, &CacheError{CacheType: "store", Operation: "write", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &CacheError{CacheType: "store", Operation: "write", Err: err}
	}
	s.logger.Debug("Saved consumptions", "meter", meterNo, "granularity", granularity, "rows", len(points))
	return len(points), nil
}

// LoadSeries reads a meter's stored readings of one granularity
func (s *Store) LoadSeries(ctx context.Context, meterNo string, g Granularity) (*Series, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT period, value, last_checked FROM consumptions WHERE meter_no = ? AND granularity = ? ORDER BY period ASC`,
		meterNo, g.String(),
	)
	if err != nil {
		return nil, &CacheError{CacheType: g.String(), Operation: "read", Err: err}
	}
	defer rows.Close()

	series := NewSeries(g)
	for rows.Next() {
		var period, checked int64
		var value float64
		if err := rows.Scan(&period, &value, &checked); err != nil {
			return nil, &CacheError{CacheType: g.String(), Operation: "read", Err: err}
		}
		series.Put(time.Unix(period, 0).In(PortalLocation), value, time.Unix(checked, 0).In(PortalLocation))
	}
	if err := rows.Err(); err != nil {
		return nil, &CacheError{CacheType: g.String(), Operation: "read", Err: err}
	}
	return series, nil
}

// DayTotal is the sum of one local day's stored hourly readings
type DayTotal struct {
	Day   string // YYYY-MM-DD, portal time
	Total float64
}

// DailyTotals returns per-day sums of stored hourly readings, newest first. A negative
// limit returns every day.
func (s *Store) DailyTotals(ctx context.Context, meterNo string, limit int) ([]DayTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, total FROM daily_totals WHERE meter_no = ? ORDER BY day DESC LIMIT ?`, meterNo, limit)
	if err != nil {
		return nil, &CacheError{CacheType: "hourly", Operation: "read", Err: err}
	}
	defer rows.Close()

	var totals []DayTotal
	for rows.Next() {
		var dt DayTotal
		if err := rows.Scan(&dt.Day, &dt.Total); err != nil {
			return nil, &CacheError{CacheType: "hourly", Operation: "read", Err: err}
		}
		totals = append(totals, dt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read daily totals: %w", err)
	}
	return totals, nil
}
