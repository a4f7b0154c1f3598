package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Router defaults applied when the config file leaves them unset.
const (
	// DefaultResponseTimeoutMs is how long a device may take to answer a command.
	DefaultResponseTimeoutMs = 15000

	// DefaultPollIntervalMs is used when no device schema declares a poll interval.
	DefaultPollIntervalMs = 60000
)

// Config mirrors configs/config.yaml.
type Config struct {
	MQTT     MQTTConfig      `yaml:"mqtt"`
	Database DatabaseConfig  `yaml:"database"`
	API      APIConfig       `yaml:"api"`
	WS       WebSocketConfig `yaml:"websocket"`
	InfluxDB InfluxDBConfig  `yaml:"influxdb"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Router   RouterConfig    `yaml:"router"`
	Devices  []DeviceConfig  `yaml:"devices"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
// An empty AllowedOrigins list allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"` // bytes
	PingInterval   int `yaml:"ping_interval"`    // seconds
	PongTimeout    int `yaml:"pong_timeout"`     // seconds
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
// Only used when Output is "file".
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RouterConfig contains device router settings.
type RouterConfig struct {
	// ResponseTimeout is how long to wait for a device reply (milliseconds).
	ResponseTimeout int `yaml:"response_timeout"`

	// DefaultPollInterval is the poll cadence used when no schema declares
	// one (milliseconds).
	DefaultPollInterval int `yaml:"default_poll_interval"`

	// SchemaFile optionally points at extra device definitions (YAML).
	// Definitions in this file replace built-in ones with the same type.
	SchemaFile string `yaml:"schema_file"`

	// History controls the SQLite state change audit trail.
	History HistoryConfig `yaml:"history"`
}

// HistoryConfig contains state history settings.
type HistoryConfig struct {
	Enabled        bool `yaml:"enabled"`
	RetentionHours int  `yaml:"retention_hours"`
}

// DeviceConfig identifies one configured device.
type DeviceConfig struct {
	DeviceType string `yaml:"device_type"`
	DeviceID   string `yaml:"device_id"`
}

// Load reads the YAML file at path over the built-in defaults, applies
// HAMERELAY_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hamerelay",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/hamerelay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WS: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/hamerelay.log",
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     14,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Router: RouterConfig{
			ResponseTimeout:     DefaultResponseTimeoutMs,
			DefaultPollInterval: DefaultPollIntervalMs,
			History: HistoryConfig{
				Enabled:        true,
				RetentionHours: 72,
			},
		},
	}
}

// envOverrides maps environment variables onto config fields. Numeric
// values that do not parse are ignored.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, v string)
}{
	{"HAMERELAY_MQTT_HOST", func(c *Config, v string) { c.MQTT.Broker.Host = v }},
	{"HAMERELAY_MQTT_PORT", func(c *Config, v string) { setInt(&c.MQTT.Broker.Port, v) }},
	{"HAMERELAY_MQTT_USERNAME", func(c *Config, v string) { c.MQTT.Auth.Username = v }},
	{"HAMERELAY_MQTT_PASSWORD", func(c *Config, v string) { c.MQTT.Auth.Password = v }},
	{"HAMERELAY_DATABASE_PATH", func(c *Config, v string) { c.Database.Path = v }},
	{"HAMERELAY_INFLUXDB_TOKEN", func(c *Config, v string) { c.InfluxDB.Token = v }},
	{"HAMERELAY_RESPONSE_TIMEOUT", func(c *Config, v string) { setInt(&c.Router.ResponseTimeout, v) }},
	{"HAMERELAY_SCHEMA_FILE", func(c *Config, v string) { c.Router.SchemaFile = v }},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			o.apply(cfg, v)
		}
	}
}

func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []string

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Router.History.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when router.history is enabled")
	}

	if c.Router.ResponseTimeout < 0 {
		errs = append(errs, "router.response_timeout must not be negative")
	}
	if c.Router.DefaultPollInterval < 0 {
		errs = append(errs, "router.default_poll_interval must not be negative")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.DeviceType == "" || d.DeviceID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d]: device_type and device_id are required", i))
			continue
		}
		key := d.DeviceType + ":" + d.DeviceID
		if seen[key] {
			errs = append(errs, fmt.Sprintf("devices[%d]: duplicate device %s", i, key))
		}
		seen[key] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetResponseTimeout returns the device response timeout as a Duration.
// Falls back to DefaultResponseTimeoutMs when unset.
func (c *Config) GetResponseTimeout() time.Duration {
	ms := c.Router.ResponseTimeout
	if ms <= 0 {
		ms = DefaultResponseTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// GetDefaultPollInterval returns the fallback poll interval as a Duration.
func (c *Config) GetDefaultPollInterval() time.Duration {
	ms := c.Router.DefaultPollInterval
	if ms <= 0 {
		ms = DefaultPollIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
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
