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
	"io"
	"math"
	"time"

	"github.com/spf13/cobra"
)

func newInfoCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show account details and meter balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadSettings(opts)
			if err != nil {
				return err
			}
			accounts, err := connectAccounts(cmd.Context(), config, newAppLogger(config))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, a := range accounts {
				info := a.Info()
				fmt.Fprintf(out, "Account %s (%s)\n", info.Name, info.RegNo)
				fmt.Fprintf(out, "  Contact: %s  Email: %s\n", info.ContactNo, info.Email)
				for _, m := range a.Meters() {
					printMeter(out, m)
				}
			}
			return nil
		},
	}
}

func printMeter(out io.Writer, m *Meter) {
	info := m.Info()
	fmt.Fprintf(out, "  %s meter %s [%s]\n", info.Type, info.No, info.Status)
	fmt.Fprintf(out, "    Address:   %s, %s, %s, %s %s\n", info.Address, info.Kampong, info.Mukim, info.District, info.Postcode)
	fmt.Fprintf(out, "    Remaining: %.3f %s ($%.2f)\n", info.RemainingUnit, m.Unit(), info.RemainingCredit)
	fmt.Fprintf(out, "    Updated:   %s (%s)\n", info.LastUpdate.Format("2006-01-02 15:04:05"), formatAge(time.Since(info.LastUpdate)))
}

func newHourlyCmd(opts *cliOptions) *cobra.Command {
	var date, meterFilter string

	cmd := &cobra.Command{
		Use:   "hourly",
		Short: "Show hourly consumption for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().In(PortalLocation)
			if date != "" {
				var err error
				day, err = time.ParseInLocation("2006-01-02", date, PortalLocation)
				if err != nil {
					return &ValidationError{Field: "date", Value: date, Message: "expected YYYY-MM-DD"}
				}
			}

			config, err := loadSettings(opts)
			if err != nil {
				return err
			}
			accounts, err := connectAccounts(cmd.Context(), config, newAppLogger(config))
			if err != nil {
				return err
			}
			meters, err := selectMeters(accounts, meterFilter)
			if err != nil {
				return err
			}

			from := startOfDay(day)
			for _, m := range meters {
				series, err := m.HourlyConsumptions(cmd.Context(), day)
				if err != nil {
					return err
				}
				printSeries(cmd.OutOrStdout(), m, series, from, from.AddDate(0, 0, 1), "15:04")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "day to show as YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&meterFilter, "meter", "", "meter number or ID (default all meters)")
	return cmd
}

func newDailyCmd(opts *cliOptions) *cobra.Command {
	var month, meterFilter string

	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Show daily consumption for one month",
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now().In(PortalLocation)
			if month != "" {
				var err error
				when, err = time.ParseInLocation("2006-01", month, PortalLocation)
				if err != nil {
					return &ValidationError{Field: "month", Value: month, Message: "expected YYYY-MM"}
				}
			}

			config, err := loadSettings(opts)
			if err != nil {
				return err
			}
			accounts, err := connectAccounts(cmd.Context(), config, newAppLogger(config))
			if err != nil {
				return err
			}
			meters, err := selectMeters(accounts, meterFilter)
			if err != nil {
				return err
			}

			from := startOfMonth(when)
			for _, m := range meters {
				series, err := m.DailyConsumptions(cmd.Context(), when)
				if err != nil {
					return err
				}
				printSeries(cmd.OutOrStdout(), m, series, from, from.AddDate(0, 1, 0), "2006-01-02")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month to show as YYYY-MM (default this month)")
	cmd.Flags().StringVar(&meterFilter, "meter", "", "meter number or ID (default all meters)")
	return cmd
}

func printSeries(out io.Writer, m *Meter, series *Series, from, to time.Time, layout string) {
	fmt.Fprintf(out, "%s meter %s, %s %s\n", m.Type(), m.No(), series.Granularity(), from.Format("2006-01-02"))
	for _, p := range series.Densify(from, to) {
		if math.IsNaN(p.Value) {
			fmt.Fprintf(out, "  %s  %12s\n", p.Period.Format(layout), "-")
			continue
		}
		fmt.Fprintf(out, "  %s  %12.3f %s\n", p.Period.Format(layout), p.Value, m.Unit())
	}
	fmt.Fprintf(out, "  Total: %.3f %s  Cost: $%.2f\n", m.CalculateTotalConsumption(series), m.Unit(), m.CalculateTotalCost(series))
}

func newEarliestCmd(opts *cliOptions) *cobra.Command {
	var meterFilter string

	cmd := &cobra.Command{
		Use:   "earliest",
		Short: "Find the earliest date the portal has consumption data for",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadSettings(opts)
			if err != nil {
				return err
			}
			accounts, err := connectAccounts(cmd.Context(), config, newAppLogger(config))
			if err != nil {
				return err
			}
			meters, err := selectMeters(accounts, meterFilter)
			if err != nil {
				return err
			}

			for _, m := range meters {
				earliest, err := m.FindEarliestConsumptionDate(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", m.Type(), m.No(), earliest.Format("2006-01-02"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&meterFilter, "meter", "", "meter number or ID (default all meters)")
	return cmd
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var meterFilter, granularity string
	var days int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Download consumption history into the local database",
		Long: `history fetches consumption for the last --days days (or everything from the
earliest date with data when --days is 0) and stores it. Hourly history prints the stored
daily totals; daily history prints the fetched days.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return &ValidationError{Field: "days", Value: days, Message: "must not be negative"}
			}
			g, ok := ParseGranularity(granularity)
			if !ok {
				return &ValidationError{Field: "granularity", Value: granularity, Message: "expected hourly or daily"}
			}

			config, err := loadSettings(opts)
			if err != nil {
				return err
			}
			logger := newAppLogger(config)

			path, err := databasePath(config)
			if err != nil {
				return err
			}
			store, err := OpenStore(path, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			accounts, err := connectAccounts(cmd.Context(), config, logger)
			if err != nil {
				return err
			}
			meters, err := selectMeters(accounts, meterFilter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, m := range meters {
				series, from, err := fetchHistory(cmd.Context(), m, g, days)
				if err != nil {
					return err
				}

				saved, err := store.SaveSeries(cmd.Context(), m.No(), series)
				if err != nil {
					return err
				}
				if latest, ok := series.Latest(); ok {
					logger.UserMessage("Stored %d %s readings for meter %s up to %s",
						saved, g, m.No(), latest.Format("2006-01-02 15:04"))
				} else {
					logger.UserMessage("No %s readings for meter %s", g, m.No())
				}

				if g == Daily {
					printSeries(out, m, series, from, startOfDay(m.now()).AddDate(0, 0, 1), "2006-01-02")
					continue
				}

				// LastNDaysHourlyConsumptions covers today as well
				limit := days + 1
				if days == 0 {
					limit = -1
				}
				totals, err := store.DailyTotals(cmd.Context(), m.No(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s meter %s daily totals, newest first\n", m.Type(), m.No())
				for _, dt := range totals {
					fmt.Fprintf(out, "  %s  %12.3f %s\n", dt.Day, dt.Total, m.Unit())
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&meterFilter, "meter", "", "meter number or ID (default all meters)")
	cmd.Flags().StringVar(&granularity, "granularity", Hourly.String(), "hourly or daily")
	cmd.Flags().IntVar(&days, "days", 7, "days of history to fetch, 0 for everything")
	return cmd
}

// fetchHistory returns the readings of the last days days at granularity g, or all of
// them from the earliest date with data when days is 0, plus the first day covered
func fetchHistory(ctx context.Context, m *Meter, g Granularity, days int) (*Series, time.Time, error) {
	today := startOfDay(m.now())
	from := today.AddDate(0, 0, -days)
	if days == 0 {
		earliest, err := m.FindEarliestConsumptionDate(ctx)
		if err != nil {
			return nil, time.Time{}, err
		}
		from = earliest
	}

	if g == Hourly {
		if days == 0 {
			s, err := m.AllHourlyConsumptions(ctx)
			return s, from, err
		}
		s, err := m.LastNDaysHourlyConsumptions(ctx, days)
		return s, from, err
	}

	series := NewSeries(Daily)
	for month := startOfMonth(from); !month.After(today); month = month.AddDate(0, 1, 0) {
		s, err := m.DailyConsumptions(ctx, month)
		if err != nil {
			return nil, time.Time{}, err
		}
		series.Merge(s)
	}
	return series.Slice(from, today.AddDate(0, 0, 1)), from, nil
}

func newMonitorCmd(opts *cliOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run continuous monitoring of every configured account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			config, err := loadSettings(opts)
			if err != nil {
				return err
			}
			logger := newAppLogger(config)
			logger.Info("Starting USMS meter monitor", "version", GetVersion(), "accounts", len(config.Accounts))

			accounts, err := connectAccounts(ctx, config, logger)
			if err != nil {
				return err
			}

			monitor := NewMeterMonitor(accounts, logger)
			monitor.SetCheckInterval(time.Duration(config.CheckInterval) * time.Minute)

			path, err := databasePath(config)
			if err != nil {
				return err
			}
			store, err := OpenStore(path, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := monitor.SetStore(ctx, store); err != nil {
				return err
			}

			if config.MQTT.Broker != "" {
				publisher, err := NewMQTTPublisher(config.MQTT.Broker, config.MQTT.TopicPrefix, config.MQTT.ClientID, logger)
				if err != nil {
					logger.Warn("MQTT disabled", "error", err.Error())
				} else {
					defer publisher.Close()
					monitor.SetPublisher(publisher)
				}
			}

			if once {
				return monitor.CheckOnce(ctx)
			}

			if config.WebUI {
				monitor.EnableWebUI(config.WebPort)
				logger.UserMessage("Web UI enabled at http://localhost:%d", config.WebPort)
			}

			monitor.Start(ctx)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single check cycle and exit")
	return cmd
}

func newLoginCheckCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login-check",
		Short: "Verify the configured credentials can log in",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadSettings(opts)
			if err != nil {
				return err
			}
			logger := newAppLogger(config)

			accounts, err := connectAccounts(cmd.Context(), config, logger)
			if err != nil {
				return err
			}
			for _, a := range accounts {
				status := "logged in"
				if !a.IsAuthenticated(cmd.Context()) {
					status = "session not authenticated"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d meter(s)\n", maskUsername(a.Username()), status, len(a.Meters()))
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := GetVersion()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "usmsmon %s\n", v)
			fmt.Fprintf(out, "User-Agent: %s\n", GetUserAgent())
			if !IsReleaseVersion(v) {
				fmt.Fprintln(out, "Development build")
			}
		},
	}
}
