// Package config loads the wagate server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the main configuration structure for wagate.
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// AllowedOrigins restricts websocket upgrades. Empty allows same-origin
	// requests only; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SessionsConfig controls tenant session lifecycle.
type SessionsConfig struct {
	StorageRoot      string        `yaml:"storage_root"`
	Provisioning     string        `yaml:"provisioning"`
	PairingTimeout   time.Duration `yaml:"pairing_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	TeardownTimeout  time.Duration `yaml:"teardown_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MaxConversations int           `yaml:"max_conversations"`
	EventBuffer      int           `yaml:"event_buffer"`
	Retry            RetryConfig   `yaml:"retry"`
}

// RetryConfig controls supervised connect retries.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	Jitter       float64       `yaml:"jitter"`
}

type WhatsAppConfig struct {
	StoreDriver          string  `yaml:"store_driver"`
	DeviceName           string  `yaml:"device_name"`
	SendRate             float64 `yaml:"send_rate"`
	SendBurst            int     `yaml:"send_burst"`
	TrackedConversations int     `yaml:"tracked_conversations"`
}

// DatabaseConfig enables the SQL tenant directory when URL is set.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RedisConfig enables the event stream mirror when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	MaxLen    int64  `yaml:"max_len"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig controls OpenTelemetry tracing. Tracing is off unless an
// endpoint is set.
type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Environment variables that override file values.
const (
	EnvConfigPath  = "WAGATE_CONFIG"
	EnvHTTPPort    = "WAGATE_HTTP_PORT"
	EnvStorageRoot = "WAGATE_STORAGE_ROOT"
	EnvLogLevel    = "WAGATE_LOG_LEVEL"
	EnvDatabaseURL = "WAGATE_DATABASE_URL"
	EnvRedisAddr   = "WAGATE_REDIS_ADDR"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the configuration file at path, resolving $include directives
// and ${ENV} references, then applies defaults and environment overrides
// and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}

	s := &cfg.Sessions
	if s.StorageRoot == "" {
		s.StorageRoot = "~/.wagate/tenants"
	}
	if s.Provisioning == "" {
		s.Provisioning = "explicit"
	}
	if s.PairingTimeout == 0 {
		s.PairingTimeout = 60 * time.Second
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = 120 * time.Second
	}
	if s.TeardownTimeout == 0 {
		s.TeardownTimeout = 10 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.MaxConversations == 0 {
		s.MaxConversations = 100
	}
	if s.EventBuffer == 0 {
		s.EventBuffer = 256
	}
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = 5
	}
	if s.Retry.InitialDelay == 0 {
		s.Retry.InitialDelay = 2 * time.Second
	}
	if s.Retry.MaxDelay == 0 {
		s.Retry.MaxDelay = 30 * time.Second
	}
	if s.Retry.Factor == 0 {
		s.Retry.Factor = 2
	}
	if s.Retry.Jitter == 0 {
		s.Retry.Jitter = 0.1
	}

	if cfg.WhatsApp.StoreDriver == "" {
		cfg.WhatsApp.StoreDriver = "sqlite3"
	}
	if cfg.WhatsApp.DeviceName == "" {
		cfg.WhatsApp.DeviceName = "wagate"
	}
	if cfg.WhatsApp.SendRate == 0 {
		cfg.WhatsApp.SendRate = 1
	}
	if cfg.WhatsApp.SendBurst == 0 {
		cfg.WhatsApp.SendBurst = 5
	}
	if cfg.WhatsApp.TrackedConversations == 0 {
		cfg.WhatsApp.TrackedConversations = 1000
	}

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "wagate:events:"
	}
	if cfg.Redis.MaxLen == 0 {
		cfg.Redis.MaxLen = 10000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "wagate"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvHTTPPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHTTPPort, err)
		}
		cfg.Server.HTTPPort = port
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageRoot)); v != "" {
		cfg.Sessions.StorageRoot = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		cfg.Redis.Addr = v
	}
	return nil
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 1 and 65535, got %d", c.Server.HTTPPort)
	}

	s := c.Sessions
	if strings.TrimSpace(s.StorageRoot) == "" {
		add("sessions.storage_root is required")
	}
	switch s.Provisioning {
	case "explicit", "implicit":
	default:
		add("sessions.provisioning must be explicit or implicit, got %q", s.Provisioning)
	}
	for name, d := range map[string]time.Duration{
		"pairing_timeout":  s.PairingTimeout,
		"connect_timeout":  s.ConnectTimeout,
		"teardown_timeout": s.TeardownTimeout,
		"shutdown_timeout": s.ShutdownTimeout,
	} {
		if d <= 0 {
			add("sessions.%s must be positive", name)
		}
	}
	if s.PairingTimeout > s.ConnectTimeout {
		add("sessions.pairing_timeout must not exceed sessions.connect_timeout")
	}
	if s.MaxConversations <= 0 {
		add("sessions.max_conversations must be positive")
	}
	if s.EventBuffer <= 0 {
		add("sessions.event_buffer must be positive")
	}
	if s.Retry.MaxAttempts <= 0 {
		add("sessions.retry.max_attempts must be positive")
	}
	if s.Retry.Jitter < 0 || s.Retry.Jitter > 1 {
		add("sessions.retry.jitter must be between 0 and 1")
	}

	if c.WhatsApp.StoreDriver != "sqlite3" {
		add("whatsapp.store_driver must be sqlite3, got %q", c.WhatsApp.StoreDriver)
	}
	if c.WhatsApp.SendRate < 0 {
		add("whatsapp.send_rate must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ExpandPath resolves a leading "~" to the user's home directory.
func ExpandPath(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
