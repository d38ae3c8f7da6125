// Package config holds all configuration for the sync coordinator.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the coordinator.
type Config struct {
	// ChunkSize is the fixed delta chunk size in bytes.
	ChunkSize int `yaml:"chunk_size"`

	// HeartbeatInterval is how often nodes are expected to check in.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// NodeOfflineAfter marks a node offline after this much silence.
	// Zero derives 3x the heartbeat interval.
	NodeOfflineAfter time.Duration `yaml:"node_offline_after"`

	// SessionDeadline caps one replication session.
	SessionDeadline time.Duration `yaml:"session_deadline"`

	// ChunkDeadline caps one chunk transfer within a session.
	ChunkDeadline time.Duration `yaml:"chunk_deadline"`

	// MaxSessionsPerTarget caps concurrent sessions toward one target.
	MaxSessionsPerTarget int `yaml:"max_sessions_per_target"`

	// MaxSessionsTotal caps concurrent sessions coordinator-wide.
	MaxSessionsTotal int `yaml:"max_sessions_total"`

	// EventLogCapacity bounds retained event history.
	EventLogCapacity int `yaml:"event_log_capacity"`

	// EventBufferSize is the per-subscriber event channel buffer.
	EventBufferSize int `yaml:"event_buffer_size"`

	// HTTPHost and HTTPPort form the API listen address.
	HTTPHost string `yaml:"http_host"`
	HTTPPort int    `yaml:"http_port"`

	// CORSOrigins lists allowed browser origins; empty allows all.
	CORSOrigins []string `yaml:"cors_origins"`

	// RateLimit is requests per second per client; RateBurst the
	// burst allowance.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// DatabaseDSN is the Postgres connection string. Empty runs with
	// the embedded in-memory store.
	DatabaseDSN string `yaml:"database_dsn"`

	// LogLevel controls verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat selects the log output shape (text, json).
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:            4096,
		HeartbeatInterval:    10 * time.Second,
		NodeOfflineAfter:     30 * time.Second,
		SessionDeadline:      5 * time.Minute,
		ChunkDeadline:        30 * time.Second,
		MaxSessionsPerTarget: 1,
		MaxSessionsTotal:     16,
		EventLogCapacity:     1000,
		EventBufferSize:      256,
		HTTPHost:             "0.0.0.0",
		HTTPPort:             8000,
		RateLimit:            50,
		RateBurst:            100,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDerived()
	return cfg, cfg.Validate()
}

// applyDerived fills values derived from others when unset.
func (c *Config) applyDerived() {
	if c.NodeOfflineAfter <= 0 {
		c.NodeOfflineAfter = 3 * c.HeartbeatInterval
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: invalid chunk size: %d", c.ChunkSize)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("config: heartbeat interval must be positive")
	}
	if c.NodeOfflineAfter < c.HeartbeatInterval {
		return fmt.Errorf("config: node offline window %s shorter than heartbeat interval %s",
			c.NodeOfflineAfter, c.HeartbeatInterval)
	}
	if c.SessionDeadline <= 0 || c.ChunkDeadline <= 0 {
		return errors.New("config: session and chunk deadlines must be positive")
	}
	if c.ChunkDeadline > c.SessionDeadline {
		return fmt.Errorf("config: chunk deadline %s exceeds session deadline %s",
			c.ChunkDeadline, c.SessionDeadline)
	}
	if c.MaxSessionsPerTarget < 1 {
		return fmt.Errorf("config: invalid max sessions per target: %d", c.MaxSessionsPerTarget)
	}
	if c.MaxSessionsTotal < c.MaxSessionsPerTarget {
		return fmt.Errorf("config: max sessions total %d below per-target cap %d",
			c.MaxSessionsTotal, c.MaxSessionsPerTarget)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: invalid http port: %d", c.HTTPPort)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("config: rate limit values must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}

// HTTPAddr returns the API listen address string.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}
