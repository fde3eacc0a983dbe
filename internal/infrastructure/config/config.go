package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Lutron bridge service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Lutron    LutronConfig    `yaml:"lutron"`
	Database  DatabaseConfig  `yaml:"database"`
	Journal   JournalConfig   `yaml:"journal"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LutronConfig contains the bridge session settings.
type LutronConfig struct {
	// BridgeID identifies this bridge in health messages.
	// Default: "lutron"
	BridgeID string `yaml:"bridge_id"`

	// Address is the bridge host name or IP. Port 23 is implied unless
	// the address names one.
	Address string `yaml:"address"`

	// Credentials answer the bridge's login and password prompts.
	Credentials LutronCredentials `yaml:"credentials"`

	// RequireLogin waits for the login handshake before accepting reports.
	// Default: true
	RequireLogin bool `yaml:"require_login"`

	// ConnectTimeout bounds the TCP connect. Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// PollInterval bounds a single read. Default: 250ms
	PollInterval time.Duration `yaml:"poll_interval"`

	// WriteTimeout bounds a single write. Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxFrameBuffer bounds bytes held for an unterminated report.
	// Default: 8192
	MaxFrameBuffer int `yaml:"max_frame_buffer"`

	// Watchdog contains liveness and reconnect settings.
	Watchdog WatchdogConfig `yaml:"watchdog"`

	// HealthInterval is how often bridge health is published. Default: 30s
	HealthInterval time.Duration `yaml:"health_interval"`
}

// LutronCredentials are the integration login. The password is never
// printed.
type LutronCredentials struct {
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
}

// String redacts the password so credentials are safe to log.
func (c LutronCredentials) String() string {
	password := ""
	if c.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("{login:%s password:%s}", c.Login, password)
}

// WatchdogConfig contains the liveness watchdog settings.
type WatchdogConfig struct {
	// InitialDelay is the wait before the first check. Default: 60s
	InitialDelay time.Duration `yaml:"initial_delay"`

	// Period is the interval between checks. Default: 5m
	Period time.Duration `yaml:"period"`

	// ProbeTolerance is extra silence allowed before a probe. Default: 0
	ProbeTolerance time.Duration `yaml:"probe_tolerance"`

	// ProbeCommand is the keep-alive query. Default: "?SYSTEM,10"
	ProbeCommand string `yaml:"probe_command"`

	// BackoffFloor is the first reconnect delay. Default: 5s
	BackoffFloor time.Duration `yaml:"backoff_floor"`

	// BackoffCeiling caps the reconnect delay. Default: 10m
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// JournalConfig contains session journal settings.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// RetentionDays is how long lifecycle records are kept. 0 keeps them
	// forever. Default: 30
	RetentionDays int `yaml:"retention_days"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP status server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// RateLimitConfig limits requests to the action endpoint.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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
// File output is enabled when Path is set.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_LUTRON_BRIDGE_ADDRESS, GRAYLOGIC_MQTT_HOST
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Lutron: LutronConfig{
			BridgeID: "lutron",
			Credentials: LutronCredentials{
				Login:    "lutron",
				Password: "integration",
			},
			RequireLogin:   true,
			ConnectTimeout: 10 * time.Second,
			PollInterval:   250 * time.Millisecond,
			WriteTimeout:   5 * time.Second,
			MaxFrameBuffer: 8192,
			Watchdog: WatchdogConfig{
				InitialDelay:   60 * time.Second,
				Period:         5 * time.Minute,
				ProbeCommand:   "?SYSTEM,10",
				BackoffFloor:   5 * time.Second,
				BackoffCeiling: 10 * time.Minute,
			},
			HealthInterval: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/lutron.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Journal: JournalConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-lutron",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8092,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             10,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     28,
			},
		},
	}
}

// envOverrides maps GRAYLOGIC_* variables onto config fields. Secrets
// belong here rather than in lutron.yaml.
func envOverrides(cfg *Config) map[string]*string {
	return map[string]*string{
		"GRAYLOGIC_LUTRON_BRIDGE_ADDRESS": &cfg.Lutron.Address,
		"GRAYLOGIC_LUTRON_LOGIN":          &cfg.Lutron.Credentials.Login,
		"GRAYLOGIC_LUTRON_PASSWORD":       &cfg.Lutron.Credentials.Password,
		"GRAYLOGIC_DATABASE_PATH":         &cfg.Database.Path,
		"GRAYLOGIC_MQTT_HOST":             &cfg.MQTT.Broker.Host,
		"GRAYLOGIC_MQTT_USERNAME":         &cfg.MQTT.Auth.Username,
		"GRAYLOGIC_MQTT_PASSWORD":         &cfg.MQTT.Auth.Password,
		"GRAYLOGIC_API_HOST":              &cfg.API.Host,
		"GRAYLOGIC_INFLUXDB_TOKEN":        &cfg.InfluxDB.Token,
		"GRAYLOGIC_LOG_LEVEL":             &cfg.Logging.Level,
	}
}

// applyEnvOverrides copies every non-empty override into cfg.
func applyEnvOverrides(cfg *Config) {
	for name, field := range envOverrides(cfg) {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}
}

// Validate checks the configuration for errors.
//
// An empty lutron.address is allowed: the service starts and waits for an
// address over MQTT.
func (c *Config) Validate() error {
	var errs []string

	// Lutron validation
	if addr := strings.TrimSpace(c.Lutron.Address); addr != "" && strings.ContainsAny(addr, " /") {
		errs = append(errs, "lutron.address must be a host name or IP, optionally with a port")
	}
	if c.Lutron.Address != "" {
		if host, port, err := net.SplitHostPort(c.Lutron.Address); err == nil && (host == "" || port == "") {
			errs = append(errs, "lutron.address has an empty host or port")
		}
	}
	if c.Lutron.RequireLogin && (c.Lutron.Credentials.Login == "" || c.Lutron.Credentials.Password == "") {
		errs = append(errs, "lutron.credentials.login and password are required when require_login is set")
	}
	if c.Lutron.MaxFrameBuffer < 0 {
		errs = append(errs, "lutron.max_frame_buffer must not be negative")
	}
	w := c.Lutron.Watchdog
	if w.InitialDelay < 0 || w.Period < 0 || w.ProbeTolerance < 0 {
		errs = append(errs, "lutron.watchdog durations must not be negative")
	}
	if w.BackoffFloor > 0 && w.BackoffCeiling > 0 && w.BackoffCeiling < w.BackoffFloor {
		errs = append(errs, "lutron.watchdog.backoff_ceiling must not be below backoff_floor")
	}

	// Database validation
	if c.Journal.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}
	if c.Journal.RetentionDays < 0 {
		errs = append(errs, "journal.retention_days must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute < 1 {
		errs = append(errs, "api.rate_limit.requests_per_minute must be positive")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ReadTimeout bounds reading a request, headers included.
func (t APITimeoutConfig) ReadTimeout() time.Duration {
	return time.Duration(t.Read) * time.Second
}

// WriteTimeout bounds writing a response.
func (t APITimeoutConfig) WriteTimeout() time.Duration {
	return time.Duration(t.Write) * time.Second
}

// IdleTimeout bounds an idle keep-alive connection.
func (t APITimeoutConfig) IdleTimeout() time.Duration {
	return time.Duration(t.Idle) * time.Second
}
