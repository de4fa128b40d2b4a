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
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// TierConfig is one tariff tier; an empty upper bound means unbounded
type TierConfig struct {
	Lower string `yaml:"lower"`
	Upper string `yaml:"upper"`
	Rate  string `yaml:"rate"`
}

type Config struct {
	Accounts      []AccountConfig         `yaml:"accounts"`
	CheckInterval int                     `yaml:"check_interval_minutes"`
	Debug         bool                    `yaml:"debug"`
	JSONLogs      bool                    `yaml:"json_logs"`
	WebUI         bool                    `yaml:"web_ui"`
	WebPort       int                     `yaml:"web_port"`
	DatabasePath  string                  `yaml:"database_path"`
	PortalURL     string                  `yaml:"portal_url"`
	MQTT          MQTTConfig              `yaml:"mqtt"`
	Tariffs       map[string][]TierConfig `yaml:"tariffs"`
}

func LoadConfig(configPath string) (*Config, error) {
	config := &Config{
		CheckInterval: int(MonitorDefaultCheckInterval.Minutes()),
		WebUI:         false,
		WebPort:       8080,
		Debug:         false,
	}

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

func (c *Config) ApplyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = int(MonitorDefaultCheckInterval.Minutes())
	}
	if c.WebPort <= 0 {
		c.WebPort = 8080
	}
	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = MQTTDefaultTopicPrefix
	}
}

// ApplyEnv adds an account from USMS_USERNAME / USMS_PASSWORD when both are set and the
// username is not configured already
func (c *Config) ApplyEnv() {
	username, password := os.Getenv("USMS_USERNAME"), os.Getenv("USMS_PASSWORD")
	if username == "" || password == "" {
		return
	}
	for _, a := range c.Accounts {
		if a.Username == username {
			return
		}
	}
	c.Accounts = append(c.Accounts, AccountConfig{Username: username, Password: password})
}

// DefaultDatabasePath is ~/.config/usmsmon/usmsmon.db
func DefaultDatabasePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "usmsmon", "usmsmon.db"), nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errors []string

	if len(c.Accounts) == 0 {
		errors = append(errors, "at least one account is required (config accounts or USMS_USERNAME/USMS_PASSWORD)")
	}
	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.Username == "" {
			errors = append(errors, fmt.Sprintf("account %d: username is required", i+1))
		}
		if a.Password == "" {
			errors = append(errors, fmt.Sprintf("account %d: password is required", i+1))
		}
		if a.Username != "" && seen[a.Username] {
			errors = append(errors, fmt.Sprintf("account %d: duplicate username %s", i+1, a.Username))
		}
		seen[a.Username] = true
	}

	// Validate web port
	if c.WebPort < 1 || c.WebPort > 65535 {
		errors = append(errors, fmt.Sprintf("web port must be between 1-65535, got: %d", c.WebPort))
	}
	if c.WebPort < 1024 && c.WebPort != 0 {
		errors = append(errors, fmt.Sprintf("warning: port %d requires root privileges (consider using 8080 or higher)", c.WebPort))
	}

	// Validate check interval
	if c.CheckInterval < 1 {
		errors = append(errors, fmt.Sprintf("check interval must be at least 1 minute, got: %d", c.CheckInterval))
	}
	if c.CheckInterval > 1440 {
		errors = append(errors, fmt.Sprintf("check interval seems too long (%d minutes = %.1f hours), consider using a shorter interval", c.CheckInterval, float64(c.CheckInterval)/60.0))
	}

	if c.PortalURL != "" && !strings.HasPrefix(c.PortalURL, "http://") && !strings.HasPrefix(c.PortalURL, "https://") {
		errors = append(errors, fmt.Sprintf("portal url must be http or https, got: %s", c.PortalURL))
	}

	if c.MQTT.Broker != "" && !strings.Contains(c.MQTT.Broker, "://") {
		errors = append(errors, fmt.Sprintf("mqtt broker should be a URL such as tcp://host:1883, got: %s", c.MQTT.Broker))
	}

	if _, err := c.TariffTable(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// TariffTable returns the default tariffs with any configured overrides applied
func (c *Config) TariffTable() (TariffTable, error) {
	table := DefaultTariffs()
	for meterType, rows := range c.Tariffs {
		tiers := make([]TariffTier, 0, len(rows))
		for i, r := range rows {
			tier, err := r.tier()
			if err != nil {
				return TariffTable{}, fmt.Errorf("tariff %s tier %d: %w", meterType, i+1, err)
			}
			tiers = append(tiers, tier)
		}
		t, err := NewTariff(tiers...)
		if err != nil {
			return TariffTable{}, fmt.Errorf("tariff %s: %w", meterType, err)
		}
		table = table.With(meterType, t)
	}
	return table, nil
}

func (r TierConfig) tier() (TariffTier, error) {
	lower, err := decimal.NewFromString(r.Lower)
	if err != nil {
		return TariffTier{}, fmt.Errorf("invalid lower bound %q", r.Lower)
	}
	rate, err := decimal.NewFromString(r.Rate)
	if err != nil {
		return TariffTier{}, fmt.Errorf("invalid rate %q", r.Rate)
	}
	tier := TariffTier{LowerBound: lower, Rate: rate}
	if r.Upper == "" {
		tier.Unbounded = true
		return tier, nil
	}
	upper, err := decimal.NewFromString(r.Upper)
	if err != nil {
		return TariffTier{}, fmt.Errorf("invalid upper bound %q", r.Upper)
	}
	tier.UpperBound = upper
	return tier, nil
}
