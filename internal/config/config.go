// Package config loads the defstore service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Secrets SecretsConfig `yaml:"secrets"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RateLimitPerSecond caps sustained requests per caller. Zero disables
	// rate limiting.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// LoggingConfig configures logging output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// SecretsConfig points at the secret store service used to resolve
// secret references during definition decoding.
type SecretsConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig selects the storage backend and describes the named pools
// mutations and reads are routed to.
type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver      string                `yaml:"driver"`
	DefaultPool string                `yaml:"default_pool"`
	Pools       map[string]PoolConfig `yaml:"pools"`
}

// PoolConfig describes one backing database.
type PoolConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// Load reads the configuration from DEFSTORE_CONFIG, falling back to
// config/config.yaml.
func Load() (*Config, error) {
	path := os.Getenv("DEFSTORE_CONFIG")
	if path == "" {
		path = filepath.Join("config", "config.yaml")
	}
	return LoadFromPath(path)
}

// LoadFromPath reads and validates the configuration at path. Environment
// variables referenced in pool DSNs are expanded so credentials can stay out
// of the file.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for name, pool := range cfg.Storage.Pools {
		pool.DSN = os.ExpandEnv(pool.DSN)
		cfg.Storage.Pools[name] = pool
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults, suitable for local development with
// an in-memory store.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Driver:      "memory",
			DefaultPool: "default",
		},
	}
}

// Validate checks the configuration for settings that would fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Server.Port)
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "postgres":
		if len(c.Storage.Pools) == 0 {
			return fmt.Errorf("storage: postgres driver requires at least one pool")
		}
		for name, pool := range c.Storage.Pools {
			if strings.TrimSpace(pool.DSN) == "" {
				return fmt.Errorf("storage: pool %s: dsn is required", name)
			}
		}
		if c.Storage.DefaultPool == "" {
			return fmt.Errorf("storage: default_pool is required")
		}
		if _, ok := c.Storage.Pools[c.Storage.DefaultPool]; !ok {
			return fmt.Errorf("storage: default_pool %s is not a configured pool", c.Storage.DefaultPool)
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}

	return nil
}
