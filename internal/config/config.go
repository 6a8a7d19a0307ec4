// Package config handles daemon configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (CLOCKD_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	device:
//	  name: clock-livingroom
//	  data_dir: /var/lib/clockd
//
//	broker:
//	  url: tls://broker.local:8883
//	  keepalive_seconds: 60
//	  qos: 1
//
//	queue:
//	  processing_interval: 1s
//	  priority_processing: true
//
//	ota:
//	  manifest_urls:
//	    - https://updates.wordclock.io/clockd/version.json
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Broker    BrokerConfig    `yaml:"broker"`
	Queue     QueueConfig     `yaml:"queue"`
	OTA       OTAConfig       `yaml:"ota"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig defines device identity and local state location.
type DeviceConfig struct {
	// Name is the unique device name, used as the topic segment in
	// home/<name>/... topics.
	Name string `yaml:"name"`
	// DataDir holds the key/value database and staged firmware images.
	DataDir string `yaml:"data_dir"`
}

// BrokerConfig defines how to connect to the MQTT broker.
type BrokerConfig struct {
	URL      string `yaml:"url"` // e.g., tls://broker.local:8883
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	KeepaliveSeconds uint16 `yaml:"keepalive_seconds"`
	QoS              byte   `yaml:"qos"`

	// SessionExpirySeconds keeps the broker-side session alive across
	// reconnects so queued QoS 1 traffic is not lost.
	SessionExpirySeconds uint32 `yaml:"session_expiry_seconds"`
}

// QueueConfig defines outbound queue behavior.
type QueueConfig struct {
	ProcessingInterval time.Duration `yaml:"processing_interval"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	PriorityProcessing bool          `yaml:"priority_processing"`
	AutoCleanupExpired bool          `yaml:"auto_cleanup_expired"`
	// Journal persists undelivered messages across restarts.
	Journal bool `yaml:"journal"`
}

// OTAConfig defines firmware update behavior.
type OTAConfig struct {
	// ManifestURLs are tried in order until one responds.
	ManifestURLs []string `yaml:"manifest_urls"`

	CheckTimeout       time.Duration `yaml:"check_timeout"`
	MinFreeMemoryBytes uint64        `yaml:"min_free_memory_bytes"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	AutoReboot         bool          `yaml:"auto_reboot"`
}

// TelemetryConfig defines status publishing behavior.
type TelemetryConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SecretsConfig selects the broker credential backend.
type SecretsConfig struct {
	// Backend is one of "auto", "env", "local", or "1password".
	Backend string `yaml:"backend"`
}

// LoggingConfig defines log output behavior.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			DataDir: "/var/lib/clockd",
		},
		Broker: BrokerConfig{
			KeepaliveSeconds:     60,
			QoS:                  1,
			SessionExpirySeconds: 3600,
		},
		Queue: QueueConfig{
			ProcessingInterval: time.Second,
			CleanupInterval:    30 * time.Second,
			PriorityProcessing: true,
			AutoCleanupExpired: true,
			Journal:            true,
		},
		OTA: OTAConfig{
			CheckTimeout:       120 * time.Second,
			MinFreeMemoryBytes: 50 * 1024 * 1024,
			RateLimitPerMinute: 6,
		},
		Telemetry: TelemetryConfig{
			Interval: 60 * time.Second,
		},
		Secrets: SecretsConfig{
			Backend: "auto",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("device.name is required")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Broker.QoS > 2 {
		return fmt.Errorf("broker.qos must be 0, 1, or 2")
	}
	if c.Queue.ProcessingInterval <= 0 {
		return fmt.Errorf("queue.processing_interval must be positive")
	}
	switch c.Secrets.Backend {
	case "", "auto", "env", "local", "1password":
	default:
		return fmt.Errorf("unknown secrets.backend: %s", c.Secrets.Backend)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the CLOCKD_ prefix:
// - CLOCKD_DEVICE_NAME
// - CLOCKD_DATA_DIR
// - CLOCKD_BROKER_URL
// - CLOCKD_BROKER_USERNAME
// - CLOCKD_BROKER_PASSWORD
// - CLOCKD_LOG_LEVEL
// - CLOCKD_TELEMETRY_INTERVAL (Go duration, e.g. "30s")
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CLOCKD_DEVICE_NAME"); v != "" {
		c.Device.Name = v
	}
	if v := os.Getenv("CLOCKD_DATA_DIR"); v != "" {
		c.Device.DataDir = v
	}
	if v := os.Getenv("CLOCKD_BROKER_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("CLOCKD_BROKER_USERNAME"); v != "" {
		c.Broker.Username = v
	}
	if v := os.Getenv("CLOCKD_BROKER_PASSWORD"); v != "" {
		c.Broker.Password = v
	}
	if v := os.Getenv("CLOCKD_BROKER_QOS"); v != "" {
		if qos, err := strconv.Atoi(v); err == nil && qos >= 0 && qos <= 2 {
			c.Broker.QoS = byte(qos)
		}
	}
	if v := os.Getenv("CLOCKD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CLOCKD_TELEMETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Telemetry.Interval = d
		}
	}
}
