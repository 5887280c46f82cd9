package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the coordinator configuration.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Channels  ChannelConfig   `yaml:"channels"`
	Sync      SyncConfig      `yaml:"sync"`
	Guard     GuardConfig     `yaml:"guard"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RemoteConfig describes the remote sync service endpoint.
type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"` // per-call timeout, 8-15s window
	LogoutTimeout  time.Duration `yaml:"logout_timeout,omitempty"`  // server-notification phase bound
	RatePerSecond  float64       `yaml:"rate_per_second,omitempty"` // client-side transmit rate cap
	RateBurst      int           `yaml:"rate_burst,omitempty"`
}

// ChannelConfig holds the periods of the fixed scheduler channels.
type ChannelConfig struct {
	SessionCheck     time.Duration `yaml:"session_check,omitempty"`
	Heartbeat        time.Duration `yaml:"heartbeat,omitempty"`
	Watchdog         time.Duration `yaml:"watchdog,omitempty"`
	ConnectivityPoll time.Duration `yaml:"connectivity_poll,omitempty"`
	LocationMonitor  time.Duration `yaml:"location_monitor,omitempty"`
}

// SyncConfig tunes the adaptive sync engine intervals.
type SyncConfig struct {
	StationaryInterval time.Duration `yaml:"stationary_interval,omitempty"`
	MovingInterval     time.Duration `yaml:"moving_interval,omitempty"`
	FastInterval       time.Duration `yaml:"fast_interval,omitempty"`
	MaxSendAge         time.Duration `yaml:"max_send_age,omitempty"` // force a send after this much silence
}

// GuardConfig tunes the stale-instance guard.
type GuardConfig struct {
	Interval      time.Duration `yaml:"interval,omitempty"`
	DisableExpiry time.Duration `yaml:"disable_expiry,omitempty"` // permanent-disable flag auto-expiry window
}

// StorageConfig holds local persistence locations.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir,omitempty"`     // badger device-state store
	JournalPath string `yaml:"journal_path,omitempty"` // sqlite event journal ("" = <data_dir>/journal.db)
}

// TelemetryConfig describes the local sensor-hub feed.
type TelemetryConfig struct {
	FeedURL string `yaml:"feed_url,omitempty"` // websocket endpoint of the sensor hub
}

// NotifyConfig describes the NATS notification presenter.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// MetricsConfig controls the debug/metrics HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Listen  string `yaml:"listen,omitempty"`
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists; absence is not an error.
	_ = godotenv.Load()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every tunable at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero values with defaults and clamps out-of-range tunables.
func (c *Config) Normalize() {
	if c.Remote.RequestTimeout <= 0 {
		c.Remote.RequestTimeout = 10 * time.Second
	}
	// Every network-bound operation carries an 8-15s timeout.
	if c.Remote.RequestTimeout < 8*time.Second {
		c.Remote.RequestTimeout = 8 * time.Second
	}
	if c.Remote.RequestTimeout > 15*time.Second {
		c.Remote.RequestTimeout = 15 * time.Second
	}
	if c.Remote.LogoutTimeout <= 0 {
		c.Remote.LogoutTimeout = 10 * time.Second
	}
	if c.Remote.RatePerSecond <= 0 {
		c.Remote.RatePerSecond = 2
	}
	if c.Remote.RateBurst <= 0 {
		c.Remote.RateBurst = 4
	}

	if c.Channels.SessionCheck <= 0 {
		c.Channels.SessionCheck = 10 * time.Second
	}
	if c.Channels.Heartbeat <= 0 {
		c.Channels.Heartbeat = 60 * time.Second
	}
	if c.Channels.Watchdog <= 0 {
		c.Channels.Watchdog = 60 * time.Second
	}
	if c.Channels.ConnectivityPoll <= 0 {
		c.Channels.ConnectivityPoll = 10 * time.Second
	}
	if c.Channels.LocationMonitor <= 0 {
		c.Channels.LocationMonitor = 5 * time.Second
	}

	if c.Sync.StationaryInterval <= 0 {
		c.Sync.StationaryInterval = 30 * time.Second
	}
	if c.Sync.MovingInterval <= 0 {
		c.Sync.MovingInterval = 15 * time.Second
	}
	if c.Sync.FastInterval <= 0 {
		c.Sync.FastInterval = 5 * time.Second
	}
	if c.Sync.MaxSendAge <= 0 {
		c.Sync.MaxSendAge = 60 * time.Second
	}

	if c.Guard.Interval <= 0 {
		c.Guard.Interval = 5 * time.Second
	}
	if c.Guard.DisableExpiry <= 0 {
		c.Guard.DisableExpiry = 10 * time.Minute
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./fieldtrack-data"
	}
	if c.Notify.Subject == "" {
		c.Notify.Subject = "fieldtrack.session.events"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9331"
	}
}

// Validate checks invariants that cannot be repaired by Normalize.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Sync.FastInterval > c.Sync.MovingInterval || c.Sync.MovingInterval > c.Sync.StationaryInterval {
		return fmt.Errorf("sync intervals must satisfy fast <= moving <= stationary")
	}
	if c.Notify.Enabled && c.Notify.URL == "" {
		return fmt.Errorf("notify.url is required when notify.enabled is set")
	}
	return nil
}
