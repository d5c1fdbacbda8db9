package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for CloudControl Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Session   SessionConfig   `yaml:"session"`
	Agent     AgentConfig     `yaml:"agent"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// The broker is optional; when disabled, discovery and session events are off.
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

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// MaxBodyBytes bounds request bodies on operation endpoints.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
// Write must outlast the slowest device operation.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int64 `yaml:"max_message_size"`
	PingInterval   int   `yaml:"ping_interval"`
	PongTimeout    int   `yaml:"pong_timeout"`

	// StreamInterval is the default pause between frames of a screenshot
	// stream. Requests below MinStreamInterval are raised to it.
	StreamInterval    time.Duration `yaml:"stream_interval"`
	MinStreamInterval time.Duration `yaml:"min_stream_interval"`
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
}

// SessionConfig tunes the device session core.
type SessionConfig struct {
	Pool    PoolConfig    `yaml:"pool"`
	Workers WorkersConfig `yaml:"workers"`
	Cache   CacheConfig   `yaml:"cache"`
	Batch   BatchConfig   `yaml:"batch"`

	// OperationTimeout bounds a device operation when the caller sets no
	// deadline of its own.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// UnhealthyOnTimeout discards a connection whose operation outlived the
	// caller instead of returning it to the pool.
	UnhealthyOnTimeout bool `yaml:"unhealthy_on_timeout"`

	// Operations maps operation names to their handling strategy.
	Operations map[string]OperationConfig `yaml:"operations"`
}

// PoolConfig bounds device connections.
type PoolConfig struct {
	MaxConnections      int           `yaml:"max_connections"`
	MaxPerDevice        int           `yaml:"max_per_device"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
}

// WorkersConfig sizes the offload pool that runs device calls.
type WorkersConfig struct {
	PerCPU         int           `yaml:"per_cpu"`
	Max            int           `yaml:"max"`
	QueueSize      int           `yaml:"queue_size"`
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
}

// CacheConfig sizes the result cache.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// BatchConfig controls grouping of batched operations.
type BatchConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

// OperationConfig declares how one operation is executed.
type OperationConfig struct {
	// Strategy is one of "direct", "cached" or "batched".
	Strategy string        `yaml:"strategy"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// AgentConfig contains settings for the HTTP transport to on-device agents.
type AgentConfig struct {
	// DefaultPort is used when a device record has no port.
	DefaultPort int `yaml:"default_port"`

	// ConnectTimeout bounds the ping that opens a connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxResponseBytes bounds a single agent response body.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// DiscoveryConfig controls MQTT-based device discovery.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig controls periodic session statistics reporting.
type TelemetryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

var validStrategies = map[string]bool{"direct": true, "cached": true, "batched": true}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CLOUDCONTROL_SECTION_KEY
// For example: CLOUDCONTROL_DATABASE_PATH, CLOUDCONTROL_API_PORT
//
// An operations map in the file replaces the default table entry by entry;
// operations not named in the file keep their defaults.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDefaults is Load without a file: built-in defaults plus environment
// overrides, validated.
func LoadDefaults() (*Config, error) {
	cfg := Default()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with defaults sized for about a thousand devices.
//
// It is used as the base for Load and on its own when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/cloudcontrol.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "cloudcontrol-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			MaxBodyBytes: 1 << 20,
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize:    16 << 20,
			PingInterval:      30,
			PongTimeout:       10,
			StreamInterval:    100 * time.Millisecond,
			MinStreamInterval: 30 * time.Millisecond,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "cloudcontrol",
			BatchSize:     500,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Session: SessionConfig{
			Pool: PoolConfig{
				MaxConnections:      1200,
				MaxPerDevice:        4,
				IdleTimeout:         600 * time.Second,
				HealthCheckInterval: 120 * time.Second,
				SweepInterval:       30 * time.Second,
				AcquireTimeout:      10 * time.Second,
				ProbeTimeout:        3 * time.Second,
			},
			Workers: WorkersConfig{
				PerCPU:         20,
				Max:            200,
				QueueSize:      10000,
				StuckThreshold: time.Minute,
			},
			Cache: CacheConfig{MaxEntries: 500},
			Batch: BatchConfig{
				Size:          10,
				FlushInterval: 50 * time.Millisecond,
				Timeout:       30 * time.Second,
			},
			OperationTimeout: 30 * time.Second,
			Operations:       DefaultOperations(),
		},
		Agent: AgentConfig{
			DefaultPort:      7912,
			ConnectTimeout:   5 * time.Second,
			MaxResponseBytes: 32 << 20,
		},
		Discovery: DiscoveryConfig{Enabled: true},
		Telemetry: TelemetryConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
		},
	}
}

// DefaultOperations returns the built-in operation table.
//
// Screenshots are cached briefly so viewers polling the same device share
// frames; device info changes rarely. Input gestures are batched.
func DefaultOperations() map[string]OperationConfig {
	return map[string]OperationConfig{
		"screenshot": {Strategy: "cached", TTL: 100 * time.Millisecond, Timeout: 10 * time.Second},
		"info":       {Strategy: "cached", TTL: 300 * time.Second},
		"hierarchy":  {Strategy: "cached", TTL: 500 * time.Millisecond, Timeout: 15 * time.Second},
		"touch":      {Strategy: "batched"},
		"swipe":      {Strategy: "batched"},
		"input":      {Strategy: "batched"},
		"keyevent":   {Strategy: "direct"},
		"shell":      {Strategy: "direct", Timeout: 60 * time.Second},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CLOUDCONTROL_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Database
	if v := os.Getenv("CLOUDCONTROL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("CLOUDCONTROL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CLOUDCONTROL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CLOUDCONTROL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("CLOUDCONTROL_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("CLOUDCONTROL_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLOUDCONTROL_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}

	// InfluxDB
	if v := os.Getenv("CLOUDCONTROL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Session pool
	if v := os.Getenv("CLOUDCONTROL_POOL_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLOUDCONTROL_POOL_MAX_CONNECTIONS: %w", err)
		}
		cfg.Session.Pool.MaxConnections = n
	}

	// Logging
	if v := os.Getenv("CLOUDCONTROL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	p := c.Session.Pool
	if p.MaxConnections < 1 {
		errs = append(errs, "session.pool.max_connections must be at least 1")
	}
	if p.MaxPerDevice < 1 || p.MaxPerDevice > p.MaxConnections {
		errs = append(errs, "session.pool.max_per_device must be between 1 and max_connections")
	}
	if p.AcquireTimeout <= 0 {
		errs = append(errs, "session.pool.acquire_timeout must be positive")
	}

	w := c.Session.Workers
	if w.PerCPU < 1 || w.Max < 1 {
		errs = append(errs, "session.workers.per_cpu and max must be at least 1")
	}
	if w.QueueSize < 1 {
		errs = append(errs, "session.workers.queue_size must be at least 1")
	}

	if c.Session.Cache.MaxEntries < 1 {
		errs = append(errs, "session.cache.max_entries must be at least 1")
	}

	names := make([]string, 0, len(c.Session.Operations))
	for name := range c.Session.Operations {
		names = append(names, name)
	}
	sort.Strings(names)

	batched := false
	for _, name := range names {
		op := c.Session.Operations[name]
		if !validStrategies[op.Strategy] {
			errs = append(errs, fmt.Sprintf("session.operations.%s.strategy %q must be direct, cached or batched", name, op.Strategy))
		}
		if op.Strategy == "cached" && op.TTL < 0 {
			errs = append(errs, fmt.Sprintf("session.operations.%s.ttl must not be negative", name))
		}
		if op.Strategy == "batched" {
			batched = true
		}
	}

	if batched {
		if c.Session.Batch.Size < 1 {
			errs = append(errs, "session.batch.size must be at least 1")
		}
		if c.Session.Batch.FlushInterval <= 0 {
			errs = append(errs, "session.batch.flush_interval must be positive")
		}
	}

	if c.WebSocket.MinStreamInterval <= 0 {
		errs = append(errs, "websocket.min_stream_interval must be positive")
	}

	if c.Agent.DefaultPort < 1 || c.Agent.DefaultPort > 65535 {
		errs = append(errs, "agent.default_port must be between 1 and 65535")
	}

	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		errs = append(errs, "telemetry.interval must be positive when telemetry is enabled")
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

// Redacted returns a copy with secrets masked, suitable for printing.
func (c *Config) Redacted() *Config {
	out := *c
	if out.MQTT.Auth.Password != "" {
		out.MQTT.Auth.Password = "********"
	}
	if out.InfluxDB.Token != "" {
		out.InfluxDB.Token = "********"
	}
	return &out
}
