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
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type cliOptions struct {
	configPath string
	username   string
	password   string
	debug      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "usmsmon",
		Short: "USMS smart meter monitor",
		Long: `usmsmon logs into the USMS smart meter portal, reads meter balances and
consumption history, prices it against the tariffs and can run as a daemon.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is fine
			godotenv.Load()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $USMS_CONFIG)")
	root.PersistentFlags().StringVar(&opts.username, "username", "", "portal login name (default $USMS_USERNAME)")
	root.PersistentFlags().StringVar(&opts.password, "password", "", "portal password (default $USMS_PASSWORD)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newInfoCmd(opts),
		newHourlyCmd(opts),
		newDailyCmd(opts),
		newHistoryCmd(opts),
		newEarliestCmd(opts),
		newMonitorCmd(opts),
		newLoginCheckCmd(opts),
		newVersionCmd(),
	)

	return root
}

// loadSettings merges the config file, the environment and the persistent flags
func loadSettings(opts *cliOptions) (*Config, error) {
	path := opts.configPath
	if path == "" {
		path = os.Getenv("USMS_CONFIG")
	}

	config, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config file: %w", err)
	}

	// Command line credentials override the configured accounts
	if opts.username != "" {
		password := opts.password
		if password == "" {
			for _, a := range config.Accounts {
				if a.Username == opts.username {
					password = a.Password
				}
			}
		}
		if password == "" && os.Getenv("USMS_USERNAME") == opts.username {
			password = os.Getenv("USMS_PASSWORD")
		}
		config.Accounts = []AccountConfig{{Username: opts.username, Password: password}}
	} else {
		config.ApplyEnv()
	}

	if opts.debug {
		config.Debug = true
	}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func newAppLogger(config *Config) *Logger {
	if config.JSONLogs {
		return NewJSONLogger(config.Debug)
	}
	return NewLogger(config.Debug)
}

// connectAccounts logs into every configured account in parallel
func connectAccounts(ctx context.Context, config *Config, logger *Logger) ([]*Account, error) {
	tariffs, err := config.TariffTable()
	if err != nil {
		return nil, err
	}

	results := make([]<-chan Result[*Account], len(config.Accounts))
	for i, ac := range config.Accounts {
		results[i] = NewAccountAsync(ctx, Credentials{Username: ac.Username, Password: ac.Password}, AccountOptions{
			BaseURL:     config.PortalURL,
			Logger:      logger,
			Tariffs:     tariffs,
			MinInterval: HTTPMinInterval,
			Debug:       config.Debug,
		})
	}

	accounts := make([]*Account, 0, len(results))
	var firstErr error
	for i, ch := range results {
		r := <-ch
		if r.Err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("account %s: %w", maskUsername(config.Accounts[i].Username), r.Err)
			}
			continue
		}
		accounts = append(accounts, r.Value)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return accounts, nil
}

// selectMeters returns the meter matching filter, or every meter when filter is empty
func selectMeters(accounts []*Account, filter string) ([]*Meter, error) {
	if filter == "" {
		var meters []*Meter
		for _, a := range accounts {
			meters = append(meters, a.Meters()...)
		}
		return meters, nil
	}
	for _, a := range accounts {
		if m, err := a.Meter(filter); err == nil {
			return []*Meter{m}, nil
		}
	}
	return nil, &MeterNotFoundError{Meter: filter}
}

func databasePath(config *Config) (string, error) {
	if config.DatabasePath != "" {
		return config.DatabasePath, nil
	}
	return DefaultDatabasePath()
}
