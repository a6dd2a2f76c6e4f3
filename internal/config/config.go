package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/milightd/internal/milight"
)

// Config represents the application configuration
type Config struct {
	Hub             HubConfig         `yaml:"hub"`
	Devices         []DeviceConfig    `yaml:"devices"`
	Discovery       DiscoveryConfig   `yaml:"discovery"`
	Polling         PollingConfig     `yaml:"polling"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Database        DatabaseConfig    `yaml:"database"`
	Log             LogConfig         `yaml:"log"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// HubConfig contains Milight hub connection settings
type HubConfig struct {
	URL              string   `yaml:"url"`
	Timeout          Duration `yaml:"timeout"`           // HTTP timeout for device requests
	DiscoveryTimeout Duration `yaml:"discovery_timeout"` // HTTP timeout for /settings
}

// DeviceConfig is a statically configured bulb
type DeviceConfig struct {
	ID    string `yaml:"id"`
	Type  string `yaml:"type"`
	Group string `yaml:"group"`
	Name  string `yaml:"name"`
	Hub   string `yaml:"hub"` // Overrides hub.url for this device
}

// Identity validates the entry and returns its hub address.
func (d DeviceConfig) Identity() (milight.Identity, error) {
	return milight.NewIdentity(d.Type, d.ID, d.Group)
}

// DiscoveryConfig controls reading device aliases from the hub
type DiscoveryConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"` // How often discovery and reconcile run
}

// PollingConfig controls per-accessory state polling
type PollingConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Interval     Duration `yaml:"interval"`
	Gutter       float64  `yaml:"gutter"` // Skip bulbs synced within interval*gutter (default: 0.8)
	RateLimitRPS float64  `yaml:"rate_limit_rps"`
}

// MQTTConfig contains the Home Assistant MQTT host settings
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"` // Empty disables the accessory cache
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Hub defaults
	if cfg.Hub.URL == "" {
		cfg.Hub.URL = milight.DefaultHubURL
	}
	cfg.Hub.URL = strings.TrimRight(cfg.Hub.URL, "/")
	if cfg.Hub.Timeout == 0 {
		cfg.Hub.Timeout = Duration(milight.DefaultTimeout)
	}
	if cfg.Hub.DiscoveryTimeout == 0 {
		cfg.Hub.DiscoveryTimeout = Duration(15 * time.Second)
	}

	if cfg.Discovery.Interval == 0 {
		cfg.Discovery.Interval = Duration(20 * time.Second)
	}

	// Polling defaults
	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = Duration(20 * time.Second)
	}
	if cfg.Polling.Gutter == 0 {
		cfg.Polling.Gutter = 0.8
	}
	if cfg.Polling.RateLimitRPS == 0 {
		cfg.Polling.RateLimitRPS = 10.0 // 10 requests per second
	}

	// MQTT defaults
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "milight"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "milightd"
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks values that have no sensible default
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Hub.Timeout < 0 || cfg.Hub.DiscoveryTimeout < 0 {
		errs = append(errs, errors.New("hub: timeouts must not be negative"))
	}
	if cfg.Polling.Interval < 0 {
		errs = append(errs, errors.New("polling.interval must not be negative"))
	}
	if cfg.Polling.Gutter < 0 || cfg.Polling.Gutter > 1 {
		errs = append(errs, fmt.Errorf("polling.gutter must be within [0, 1], got %v", cfg.Polling.Gutter))
	}
	if cfg.Discovery.Interval < 0 {
		errs = append(errs, errors.New("discovery.interval must not be negative"))
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	seen := make(map[string]int, len(cfg.Devices))
	for i, d := range cfg.Devices {
		id, err := d.Identity()
		if err != nil {
			errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
			continue
		}
		if prev, dup := seen[id.Identifier()]; dup {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicates devices[%d] (%s)", i, prev, id.Identifier()))
			continue
		}
		seen[id.Identifier()] = i
	}

	return errors.Join(errs...)
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
