// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for homehubd. It is loaded from YAML
// and may be overridden by HOMEHUB_* environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Command   CommandConfig   `yaml:"command"`
	ESPHome   ESPHomeConfig   `yaml:"esphome"`
	Hue       HueConfig       `yaml:"hue"`
	Security  SecurityConfig  `yaml:"security"`
	Drivers   DriversConfig   `yaml:"drivers"`
}

// DriversConfig lists which protocol drivers the daemon loads at
// startup. Entries with no matching registered factory are logged and
// skipped by the loader, not treated as fatal.
type DriversConfig struct {
	Enabled []string `yaml:"enabled"`
}

// SiteConfig identifies this hub instance.
type SiteConfig struct {
	HubID    string `yaml:"hub_id"`
	HomeName string `yaml:"home_name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TelemetryConfig contains the time-series write-endpoint settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval_ms"`
}

// DiscoveryConfig controls the daemon's worker-loop cadences.
type DiscoveryConfig struct {
	DiscoveryIntervalMs   int `yaml:"discovery_interval_ms"`
	SubscriptionIntervalMs int `yaml:"subscription_interval_ms"`
}

// CommandConfig mirrors the command router's tunables (§4.6).
type CommandConfig struct {
	RateLimitWindowMs        int      `yaml:"rate_limit_window_ms"`
	RateLimitMax             int      `yaml:"rate_limit_max"`
	CoalesceWindowMs         int      `yaml:"coalesce_window_ms"`
	MaxRetries               int      `yaml:"max_retries"`
	RetryBackoffMs           int      `yaml:"retry_backoff_ms"`
	RetryBackoffCapMs        int      `yaml:"retry_backoff_cap_ms"`
	CoalesceableCapabilities []string `yaml:"coalesceable_capabilities"`
}

// ESPHomeConfig contains ESPHome driver settings. Discover has no mDNS
// library to browse with (out of scope — see SPEC_FULL.md), so devices
// are enumerated from this static list instead.
type ESPHomeConfig struct {
	Port                int                   `yaml:"port"`
	PingIntervalMs      int                   `yaml:"ping_interval_ms"`
	Reconnect           bool                  `yaml:"reconnect"`
	ReconnectIntervalMs int                   `yaml:"reconnect_interval_ms"`
	Devices             []ESPHomeDeviceConfig `yaml:"devices"`
}

// ESPHomeDeviceConfig is one statically configured ESPHome device.
type ESPHomeDeviceConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
}

// HueConfig contains Hue driver settings.
type HueConfig struct {
	BridgeAddress   string `yaml:"bridge_address"`
	PollIntervalMs  int    `yaml:"poll_interval_ms"`
}

// SecurityConfig contains the at-rest encryption key for stored
// credential blobs.
type SecurityConfig struct {
	// EncryptionKeyBase64 is a 32-byte AES-256 key, base64-encoded.
	// Required: credentials cannot be stored without it.
	EncryptionKeyBase64 string `yaml:"encryption_key_base64"`
}

// Load reads configuration from a YAML file and applies environment
// overrides, in the order: defaults → YAML file → HOMEHUB_* env vars →
// Validate().
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			HomeName: "Default Home",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/homehub.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			BatchSize:     500,
			FlushInterval: 250,
		},
		Discovery: DiscoveryConfig{
			DiscoveryIntervalMs:    15000,
			SubscriptionIntervalMs: 3000,
		},
		Command: CommandConfig{
			RateLimitWindowMs:        1000,
			RateLimitMax:             10,
			CoalesceWindowMs:         100,
			MaxRetries:               3,
			RetryBackoffMs:           100,
			RetryBackoffCapMs:        1000,
			CoalesceableCapabilities: []string{"brightness", "color_temp", "hue", "saturation"},
		},
		ESPHome: ESPHomeConfig{
			Port:                6053,
			PingIntervalMs:      15000,
			Reconnect:           true,
			ReconnectIntervalMs: 30000,
		},
		Hue: HueConfig{
			PollIntervalMs: 5000,
		},
		Drivers: DriversConfig{
			Enabled: []string{"esphome", "hue"},
		},
	}
}

// applyEnvOverrides applies HOMEHUB_* environment overrides for the
// handful of values operators most commonly need to set out-of-band
// (secrets, paths) without editing the checked-in YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOMEHUB_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("HOMEHUB_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}
	if v := os.Getenv("HOMEHUB_TELEMETRY_URL"); v != "" {
		cfg.Telemetry.URL = v
	}
	if v := os.Getenv("HOMEHUB_HUE_BRIDGE_ADDRESS"); v != "" {
		cfg.Hue.BridgeAddress = v
	}
	if v := os.Getenv("HOMEHUB_SITE_HUB_ID"); v != "" {
		cfg.Site.HubID = v
	}
	if v := os.Getenv("HOMEHUB_SECURITY_ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKeyBase64 = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Discovery.DiscoveryIntervalMs <= 0 {
		errs = append(errs, "discovery.discovery_interval_ms must be positive")
	}
	if c.Discovery.SubscriptionIntervalMs <= 0 {
		errs = append(errs, "discovery.subscription_interval_ms must be positive")
	}
	if c.Command.RateLimitMax <= 0 {
		errs = append(errs, "command.rate_limit_max must be positive")
	}
	if c.Command.MaxRetries < 0 {
		errs = append(errs, "command.max_retries must not be negative")
	}
	if c.ESPHome.Port < 1 || c.ESPHome.Port > 65535 {
		errs = append(errs, "esphome.port must be between 1 and 65535")
	}
	if key, err := c.Security.EncryptionKey(); err != nil {
		errs = append(errs, "security.encryption_key_base64: "+err.Error())
	} else if len(key) != 32 {
		errs = append(errs, "security.encryption_key_base64 must decode to 32 bytes")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EncryptionKey decodes the configured base64 AES-256 key.
func (s SecurityConfig) EncryptionKey() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.EncryptionKeyBase64)
}

// DiscoveryInterval returns the discovery loop cadence as a Duration.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Discovery.DiscoveryIntervalMs) * time.Millisecond
}

// SubscriptionInterval returns the subscription loop cadence as a Duration.
func (c *Config) SubscriptionInterval() time.Duration {
	return time.Duration(c.Discovery.SubscriptionIntervalMs) * time.Millisecond
}
