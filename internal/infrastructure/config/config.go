package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for devicelink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Topics    TopicsConfig    `yaml:"topics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies the device this process speaks for.
type DeviceConfig struct {
	Name string `yaml:"name"`

	// ClientIDPrefix is combined with a random suffix when mqtt.broker.client_id is empty.
	ClientIDPrefix string `yaml:"client_id_prefix"`

	// ClientIDSuffix selects the suffix strategy: "uuid" (default) or "none".
	ClientIDSuffix string `yaml:"client_id_suffix"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker       MQTTBrokerConfig      `yaml:"broker"`
	Credentials  MQTTCredentialsConfig `yaml:"credentials"`
	QoS          int                   `yaml:"qos"`
	KeepAlive    int                   `yaml:"keep_alive"`
	CleanSession bool                  `yaml:"clean_session"`
	Timeouts     MQTTTimeoutConfig     `yaml:"timeouts"`
	Reconnect    MQTTReconnectConfig   `yaml:"reconnect"`
	Debug        bool                  `yaml:"debug"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTCredentialsConfig locates the mutual-TLS material.
// File names are resolved relative to Dir unless absolute.
type MQTTCredentialsConfig struct {
	Dir      string `yaml:"dir"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// MQTTTimeoutConfig contains per-operation timeouts in seconds.
type MQTTTimeoutConfig struct {
	Connect    int `yaml:"connect"`
	Operation  int `yaml:"operation"`
	Disconnect int `yaml:"disconnect"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	MaxInterval int `yaml:"max_interval"`
}

// TopicsConfig names the topic filters the device uses.
type TopicsConfig struct {
	Commands  string `yaml:"commands"`
	Telemetry string `yaml:"telemetry"`

	// SubscribeTelemetry makes the daemon also consume the telemetry topic
	// (used when the daemon acts as a collector for other devices).
	SubscribeTelemetry bool `yaml:"subscribe_telemetry"`
}

// TelemetryConfig controls the telemetry publisher.
type TelemetryConfig struct {
	Count      int  `yaml:"count"`
	IntervalMS int  `yaml:"interval_ms"`
	AwaitAck   bool `yaml:"await_ack"`
}

// LifecycleConfig controls startup and shutdown.
type LifecycleConfig struct {
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains SQLite journal settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
	Retention   int    `yaml:"retention_hours"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the local status server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVICELINK_SECTION_KEY
// For example: DEVICELINK_MQTT_ENDPOINT, DEVICELINK_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// Default returns the built-in configuration with environment overrides applied.
// It is used when no configuration file exists (e.g. the publisher run purely from flags).
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:           "device-01",
			ClientIDPrefix: "device-client",
			ClientIDSuffix: "uuid",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 8883,
				TLS:  true,
			},
			Credentials: MQTTCredentialsConfig{
				Dir:      "./certs",
				CertFile: "device.pem",
				KeyFile:  "device_rsa",
				CAFile:   "AmazonRootCA1.pem",
			},
			QoS:          1,
			KeepAlive:    10,
			CleanSession: true,
			Timeouts: MQTTTimeoutConfig{
				Connect:    10,
				Operation:  5,
				Disconnect: 5,
			},
			Reconnect: MQTTReconnectConfig{
				MaxInterval: 60,
			},
		},
		Topics: TopicsConfig{
			Commands:  "device/commands",
			Telemetry: "device/telemetry",
		},
		Telemetry: TelemetryConfig{
			Count:      10,
			IntervalMS: 1000,
			AwaitAck:   true,
		},
		Lifecycle: LifecycleConfig{
			ShutdownTimeout: 10,
		},
		Database: DatabaseConfig{
			Path:        "./data/devicelink.db",
			WALMode:     true,
			BusyTimeout: 5,
			Retention:   72,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8081,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEVICELINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("DEVICELINK_MQTT_ENDPOINT"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVICELINK_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("DEVICELINK_MQTT_CREDENTIALS_DIR"); v != "" {
		cfg.MQTT.Credentials.Dir = v
	}

	// Database
	if v := os.Getenv("DEVICELINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("DEVICELINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("DEVICELINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.KeepAlive <= 0 {
		errs = append(errs, "mqtt.keep_alive must be positive")
	}
	if c.MQTT.Broker.TLS {
		creds := c.MQTT.Credentials
		if creds.CertFile == "" || creds.KeyFile == "" || creds.CAFile == "" {
			errs = append(errs, "mqtt.credentials cert_file, key_file and ca_file are required when tls is enabled")
		}
	}
	if c.MQTT.Broker.ClientID == "" && c.Device.ClientIDPrefix == "" {
		errs = append(errs, "either mqtt.broker.client_id or device.client_id_prefix is required")
	}
	switch c.Device.ClientIDSuffix {
	case "", "uuid", "none":
	default:
		errs = append(errs, "device.client_id_suffix must be \"uuid\" or \"none\"")
	}

	// Topic validation
	if c.Topics.Commands == "" {
		errs = append(errs, "topics.commands is required")
	}

	// Telemetry validation
	if c.Telemetry.Count < 0 {
		errs = append(errs, "telemetry.count must not be negative")
	}
	if c.Telemetry.IntervalMS < 0 {
		errs = append(errs, "telemetry.interval_ms must not be negative")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb url, org and bucket are required when enabled")
		}
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// CertPath returns the resolved client certificate path.
func (c MQTTCredentialsConfig) CertPath() string { return c.resolve(c.CertFile) }

// KeyPath returns the resolved private key path.
func (c MQTTCredentialsConfig) KeyPath() string { return c.resolve(c.KeyFile) }

// CAPath returns the resolved root CA bundle path.
func (c MQTTCredentialsConfig) CAPath() string { return c.resolve(c.CAFile) }

func (c MQTTCredentialsConfig) resolve(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Dir, name)
}

// ConnectTimeout returns the connect timeout as a Duration.
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.Connect) * time.Second
}

// OperationTimeout returns the publish/subscribe acknowledgement timeout as a Duration.
func (c MQTTConfig) OperationTimeout() time.Duration {
	return time.Duration(c.Timeouts.Operation) * time.Second
}

// DisconnectTimeout returns the disconnect timeout as a Duration.
func (c MQTTConfig) DisconnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.Disconnect) * time.Second
}

// KeepAliveInterval returns the keep-alive interval as a Duration.
func (c MQTTConfig) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAlive) * time.Second
}

// Interval returns the delay between telemetry publishes.
func (c TelemetryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// GetShutdownTimeout returns the lifecycle shutdown timeout as a Duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Lifecycle.ShutdownTimeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
