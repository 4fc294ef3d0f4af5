package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// FileEnv names the variable that points at an optional config file.
const FileEnv = "ISOLATES_CONFIG_FILE"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Runtime   RuntimeConfig   `yaml:"runtime" toml:"runtime"`
	Inspector InspectorConfig `yaml:"inspector" toml:"inspector"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" yaml:"port" toml:"port"`
	Host            string        `envconfig:"HOST" yaml:"host" toml:"host"`
	MaxConnections  int           `envconfig:"MAX_CONNECTIONS" yaml:"max_connections" toml:"max_connections"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Compression     bool          `envconfig:"COMPRESSION" yaml:"compression" toml:"compression"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// RuntimeConfig sizes the isolate runtime.
type RuntimeConfig struct {
	// Workers is the worker pool size; zero means GOMAXPROCS.
	Workers          int           `envconfig:"ISOLATE_WORKERS" yaml:"workers" toml:"workers"`
	MemoryLimitMB    int           `envconfig:"ISOLATE_MEMORY_LIMIT_MB" yaml:"memory_limit_mb" toml:"memory_limit_mb"`
	MaxCallStackSize int           `envconfig:"ISOLATE_MAX_CALL_STACK" yaml:"max_call_stack" toml:"max_call_stack"`
	GCInterval       time.Duration `envconfig:"ISOLATE_GC_INTERVAL" yaml:"gc_interval" toml:"gc_interval"`
	EvalTimeout      time.Duration `envconfig:"ISOLATE_EVAL_TIMEOUT" yaml:"eval_timeout" toml:"eval_timeout"`
	MaxIsolates      int           `envconfig:"ISOLATE_MAX_COUNT" yaml:"max_isolates" toml:"max_isolates"`
	// SnapshotDir and SnapshotPattern select scripts that prime every isolate
	// created through the API. An empty dir disables the snapshot.
	SnapshotDir     string `envconfig:"ISOLATE_SNAPSHOT_DIR" yaml:"snapshot_dir" toml:"snapshot_dir"`
	SnapshotPattern string `envconfig:"ISOLATE_SNAPSHOT_PATTERN" yaml:"snapshot_pattern" toml:"snapshot_pattern"`
}

// InspectorConfig controls the websocket inspector relay.
type InspectorConfig struct {
	Enabled bool `envconfig:"INSPECTOR_ENABLED" yaml:"enabled" toml:"enabled"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration for script evaluation.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" yaml:"rps" toml:"rps"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" yaml:"burst" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled" toml:"enabled"`
}

// Load builds the configuration from defaults, then the file named by
// ISOLATES_CONFIG_FILE if set, then environment variables. Later sources
// win; envconfig leaves a field alone when its variable is unset.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			MaxConnections:  1024,
			ShutdownTimeout: 10 * time.Second,
			Compression:     true,
		},
		Runtime: RuntimeConfig{
			MemoryLimitMB:   128,
			GCInterval:      100 * time.Millisecond,
			EvalTimeout:     5 * time.Second,
			MaxIsolates:     256,
			SnapshotPattern: "**/*.js",
		},
		Inspector: InspectorConfig{
			Enabled: true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// loadFile decodes a YAML or TOML file over cfg, picking the format from the
// extension.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(c)
	default:
		return fmt.Errorf("config file %s: unsupported format %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var err error
	if c.Server.Port == "" {
		err = multierr.Append(err, errors.New("server port is required"))
	}
	if c.Server.MaxConnections < 0 {
		err = multierr.Append(err, errors.New("max connections cannot be negative"))
	}
	if c.Runtime.Workers < 0 {
		err = multierr.Append(err, errors.New("worker count cannot be negative"))
	}
	if c.Runtime.MemoryLimitMB < 0 {
		err = multierr.Append(err, errors.New("memory limit cannot be negative"))
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		err = multierr.Append(err, errors.New("rate limit requires a positive rps"))
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
