// Package config loads server configuration from an optional TOML file
// overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all server settings.
type Config struct {
	Port      string `toml:"port"`
	DBPath    string `toml:"db_path"`
	AdminUser string `toml:"admin_user"`
	AdminPass string `toml:"admin_pass"` // bcrypt hash; empty disables admin auth

	// EnvelopeMaxAge is the accepted age window for signed envelopes.
	EnvelopeMaxAge time.Duration `toml:"-"`
	// StaleThreshold is how long an agent may stay silent before an
	// agent_stale event fires.
	StaleThreshold time.Duration `toml:"-"`
	// DashboardQueue is the per-viewer broadcast buffer size.
	DashboardQueue int `toml:"dashboard_queue"`

	// NotifyURLs are Shoutrrr destinations for alert dispatch.
	NotifyURLs []string `toml:"notify_urls"`

	// TOML carries durations as strings; parsed into the fields above.
	EnvelopeMaxAgeStr string `toml:"envelope_max_age"`
	StaleThresholdStr string `toml:"stale_threshold"`
}

func defaults() Config {
	return Config{
		Port:           "9080",
		DBPath:         "hostwarden.db",
		AdminUser:      "admin",
		EnvelopeMaxAge: 5 * time.Minute,
		StaleThreshold: 2 * time.Minute,
		DashboardQueue: 64,
	}
}

// Load builds the configuration: defaults, then the TOML file at
// HOSTWARDEN_CONFIG (if set), then environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("HOSTWARDEN_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := cfg.parseDurations(); err != nil {
			return cfg, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.AdminUser = getEnv("ADMIN_USER", cfg.AdminUser)
	cfg.AdminPass = getEnv("ADMIN_PASS", cfg.AdminPass)

	if v := os.Getenv("ENVELOPE_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("ENVELOPE_MAX_AGE: %w", err)
		}
		cfg.EnvelopeMaxAge = d
	}
	if v := os.Getenv("STALE_THRESHOLD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("STALE_THRESHOLD: %w", err)
		}
		cfg.StaleThreshold = d
	}
	if v := os.Getenv("DASHBOARD_QUEUE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("DASHBOARD_QUEUE: %w", err)
		}
		cfg.DashboardQueue = n
	}
	if v := os.Getenv("NOTIFY_URL"); v != "" {
		cfg.NotifyURLs = append(cfg.NotifyURLs, v)
	}

	return cfg, nil
}

// parseDurations converts the string duration fields read from TOML.
func (c *Config) parseDurations() error {
	if c.EnvelopeMaxAgeStr != "" {
		d, err := time.ParseDuration(c.EnvelopeMaxAgeStr)
		if err != nil {
			return fmt.Errorf("envelope_max_age: %w", err)
		}
		c.EnvelopeMaxAge = d
	}
	if c.StaleThresholdStr != "" {
		d, err := time.ParseDuration(c.StaleThresholdStr)
		if err != nil {
			return fmt.Errorf("stale_threshold: %w", err)
		}
		c.StaleThreshold = d
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
