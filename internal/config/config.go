// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads broker configuration from an optional broker.yaml and
// BROKER_* environment variables. Invalid configuration aborts startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the broker reads at startup.
type Config struct {
	Addr     string `mapstructure:"addr"`
	LogLevel string `mapstructure:"log_level"`

	// Remote-debugging port range handed to the allocator, inclusive.
	PortRangeLow  int `mapstructure:"port_range_low"`
	PortRangeHigh int `mapstructure:"port_range_high"`

	// Per-session log retention cap.
	LogCap int `mapstructure:"log_cap"`

	// Browser process supervision.
	BrowserBin     string        `mapstructure:"browser_bin"`
	UserDataBase   string        `mapstructure:"user_data_base"`
	StartupCheck   time.Duration `mapstructure:"startup_check"`
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`

	// CDP tailer attach policy. The browser usually needs a moment after
	// launch before the debug endpoint accepts connections, so attach retries
	// with exponential backoff starting at AttachBackoff.
	AttachTimeout time.Duration `mapstructure:"attach_timeout"`
	AttachRetries int           `mapstructure:"attach_retries"`
	AttachBackoff time.Duration `mapstructure:"attach_backoff"`

	// Host advertised in cdp_url so automation clients outside the
	// deployment boundary can reach the debugging endpoint.
	CDPHost string `mapstructure:"cdp_host"`
}

// Load reads configuration from broker.yaml (working directory or
// /etc/browser-broker) and the environment, then validates it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("broker")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/browser-broker/")
	v.AddConfigPath(".")

	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("port_range_low", 9222)
	v.SetDefault("port_range_high", 9322)
	v.SetDefault("log_cap", 1000)
	v.SetDefault("browser_bin", "chromium")
	v.SetDefault("user_data_base", "")
	v.SetDefault("startup_check", time.Second)
	v.SetDefault("terminate_grace", 3*time.Second)
	v.SetDefault("attach_timeout", 5*time.Second)
	v.SetDefault("attach_retries", 5)
	v.SetDefault("attach_backoff", 100*time.Millisecond)
	v.SetDefault("cdp_host", "host.docker.internal")

	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Legacy knobs from the earliest deployment, still honored.
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		cfg.BrowserBin = bin
	}
	if host := os.Getenv("CDP_HOST"); host != "" {
		cfg.CDPHost = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.PortRangeLow <= 0 || c.PortRangeHigh < c.PortRangeLow {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeLow, c.PortRangeHigh)
	}
	if c.LogCap <= 0 {
		return fmt.Errorf("log_cap must be positive, got %d", c.LogCap)
	}
	if c.BrowserBin == "" {
		return fmt.Errorf("browser_bin must not be empty")
	}
	if c.AttachRetries <= 0 {
		return fmt.Errorf("attach_retries must be positive, got %d", c.AttachRetries)
	}
	if c.AttachBackoff <= 0 || c.AttachTimeout <= 0 || c.StartupCheck <= 0 || c.TerminateGrace <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
