// Package config carries the proxy's runtime knobs. Values are layered:
// defaults, then an optional YAML file, then TYPEMUX_CC_* environment
// variables, then CLI flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds the proxy can drive.
const (
	BackendPyright = "pyright"
	BackendTy      = "ty"
	BackendPyrefly = "pyrefly"
)

// Defaults.
const (
	DefaultBackend       = BackendPyright
	DefaultMaxBackends   = 8
	DefaultBackendTTL    = 1800 * time.Second
	DefaultWarmupTimeout = 2 * time.Second
	DefaultLogLevel      = "info"
)

// Environment variable names.
const (
	EnvBackend       = "TYPEMUX_CC_BACKEND"
	EnvMaxBackends   = "TYPEMUX_CC_MAX_BACKENDS"
	EnvBackendTTL    = "TYPEMUX_CC_BACKEND_TTL"
	EnvWarmupTimeout = "TYPEMUX_CC_WARMUP_TIMEOUT"
	EnvLogFile       = "TYPEMUX_CC_LOG_FILE"
	EnvLogLevel      = "TYPEMUX_CC_LOG_LEVEL"
)

// Config is the resolved proxy configuration. A zero BackendTTL disables TTL
// eviction; a zero WarmupTimeout disables warmup queueing entirely.
type Config struct {
	Backend       string
	MaxBackends   int
	BackendTTL    time.Duration
	WarmupTimeout time.Duration
	LogFile       string
	LogLevel      string
}

// fileConfig mirrors Config for YAML loading. Pointer fields distinguish
// "absent" from explicit zero values (backend_ttl: 0 is meaningful).
type fileConfig struct {
	Backend       *string `yaml:"backend"`
	MaxBackends   *int    `yaml:"max_backends"`
	BackendTTL    *int    `yaml:"backend_ttl"`
	WarmupTimeout *int    `yaml:"warmup_timeout"`
	LogFile       *string `yaml:"log_file"`
	LogLevel      *string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend:       DefaultBackend,
		MaxBackends:   DefaultMaxBackends,
		BackendTTL:    DefaultBackendTTL,
		WarmupTimeout: DefaultWarmupTimeout,
		LogLevel:      DefaultLogLevel,
	}
}

// LoadFile overlays values from a YAML config file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if fc.Backend != nil {
		c.Backend = *fc.Backend
	}
	if fc.MaxBackends != nil {
		c.MaxBackends = *fc.MaxBackends
	}
	if fc.BackendTTL != nil {
		c.BackendTTL = time.Duration(*fc.BackendTTL) * time.Second
	}
	if fc.WarmupTimeout != nil {
		c.WarmupTimeout = time.Duration(*fc.WarmupTimeout) * time.Second
	}
	if fc.LogFile != nil {
		c.LogFile = *fc.LogFile
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	return nil
}

// ApplyEnv overlays TYPEMUX_CC_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvBackend); ok {
		c.Backend = v
	}
	if v, ok := os.LookupEnv(EnvMaxBackends); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMaxBackends, v, err)
		}
		c.MaxBackends = n
	}
	if v, ok := os.LookupEnv(EnvBackendTTL); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvBackendTTL, v, err)
		}
		c.BackendTTL = time.Duration(n) * time.Second
	}
	if v, ok := os.LookupEnv(EnvWarmupTimeout); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvWarmupTimeout, v, err)
		}
		c.WarmupTimeout = time.Duration(n) * time.Second
	}
	if v, ok := os.LookupEnv(EnvLogFile); ok {
		c.LogFile = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.LogLevel = v
	}
	return nil
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPyright, BackendTy, BackendPyrefly:
	default:
		return fmt.Errorf("unknown backend %q (expected %s, %s, or %s)",
			c.Backend, BackendPyright, BackendTy, BackendPyrefly)
	}
	if c.MaxBackends < 1 {
		return fmt.Errorf("max-backends must be at least 1, got %d", c.MaxBackends)
	}
	if c.BackendTTL < 0 {
		return fmt.Errorf("backend-ttl must not be negative")
	}
	if c.WarmupTimeout < 0 {
		return fmt.Errorf("warmup-timeout must not be negative")
	}
	return nil
}
