package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the bridge host.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Host      HostConfig      `yaml:"host"`
	Ports     PortsConfig     `yaml:"ports"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// HostConfig contains the orchestrator and worker launch settings.
type HostConfig struct {
	// Name identifies this host instance in logs and MQTT status messages.
	Name string `yaml:"name"`

	// BridgesFile is the persisted JSON document listing platforms and
	// accessories. Blocks carrying a "_bridge" section become child bridges.
	BridgesFile string `yaml:"bridges_file"`

	// WorkerBinary is the executable spawned for each child bridge.
	// Empty means the running bridgehost executable itself.
	WorkerBinary string `yaml:"worker_binary"`

	// StoragePath and PluginPath are forwarded to every worker.
	StoragePath string `yaml:"storage_path"`
	PluginPath  string `yaml:"plugin_path"`

	// Flags mirrored onto every worker command line.
	Debug       bool `yaml:"debug"`
	Color       bool `yaml:"color"`
	Insecure    bool `yaml:"insecure"`
	NoTimestamp bool `yaml:"no_timestamp"`
	KeepOrphans bool `yaml:"keep_orphans"`

	// WatchBridgesFile refreshes every child bridge descriptor when the
	// bridges file changes on disk.
	WatchBridgesFile bool `yaml:"watch_bridges_file"`

	// ShutdownGrace is how long the host waits for workers to exit on shutdown
	// before returning regardless.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// GracefulTimeout is how long a signalled worker gets before SIGKILL.
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

// PortsConfig is the fallback port range for the port arbiter, used when the
// bridges file does not carry its own "ports" section.
type PortsConfig struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Configured reports whether a usable range has been set.
func (p PortsConfig) Configured() bool {
	return p.Start > 0 && p.End >= p.Start
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// APIConfig contains management API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`

	// NoTimestamp drops the time attribute from every record.
	NoTimestamp bool `yaml:"no_timestamp"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT settings for the management API.
// An empty secret leaves the API unauthenticated (local use only).
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BRIDGEHOST_SECTION_KEY
// For example: BRIDGEHOST_DATABASE_PATH, BRIDGEHOST_BRIDGES_FILE
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read, parsed, or validation fails
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
// It is used when no config file exists.
//
// Returns:
//   - *Config: Defaults plus environment overrides
//   - error: If an override makes the configuration invalid
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Host: HostConfig{
			Name:             "bridgehost",
			BridgesFile:      "./data/bridges.json",
			StoragePath:      "./data",
			WatchBridgesFile: true,
			ShutdownGrace:    5 * time.Second,
			GracefulTimeout:  5 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/bridgehost.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "bridgehost",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8581,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BRIDGEHOST_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Host
	if v := os.Getenv("BRIDGEHOST_BRIDGES_FILE"); v != "" {
		cfg.Host.BridgesFile = v
	}
	if v := os.Getenv("BRIDGEHOST_STORAGE_PATH"); v != "" {
		cfg.Host.StoragePath = v
	}
	if v := os.Getenv("BRIDGEHOST_PLUGIN_PATH"); v != "" {
		cfg.Host.PluginPath = v
	}
	if v := os.Getenv("BRIDGEHOST_WORKER_BINARY"); v != "" {
		cfg.Host.WorkerBinary = v
	}
	if v, err := strconv.ParseBool(os.Getenv("BRIDGEHOST_DEBUG")); err == nil {
		cfg.Host.Debug = v
	}

	// Database
	if v := os.Getenv("BRIDGEHOST_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("BRIDGEHOST_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BRIDGEHOST_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BRIDGEHOST_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("BRIDGEHOST_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("BRIDGEHOST_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("BRIDGEHOST_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Every problem is collected, so one error lists them all.
//
// Returns:
//   - error: Description of validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Host validation
	if c.Host.BridgesFile == "" {
		errs = append(errs, "host.bridges_file is required")
	}
	if c.Host.ShutdownGrace < 0 {
		errs = append(errs, "host.shutdown_grace must not be negative")
	}
	if c.Host.GracefulTimeout <= 0 {
		errs = append(errs, "host.graceful_timeout must be positive")
	}

	// Port range validation (an all-zero range means "not configured")
	if c.Ports.Start != 0 || c.Ports.End != 0 {
		if c.Ports.Start < 1 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
			errs = append(errs, "ports must satisfy 1 <= start <= end <= 65535")
		}
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// A configured JWT secret must be strong enough to be worth having.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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
