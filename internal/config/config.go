// Package config loads handbook settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"handbookcore/internal/kv"
	"handbookcore/internal/logging"
	"handbookcore/internal/persistence"
)

// Metrics exporters.
const (
	MetricsNone       = "none"
	MetricsExpvar     = "expvar"
	MetricsPrometheus = "prometheus"
)

// Config holds all handbook settings.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Catalog CatalogConfig `yaml:"catalog"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig selects where local profiles are kept.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // fs|sqlite|memory
	Key         string `yaml:"key"`
	FSRoot      string `yaml:"fs_root"`
	SQLitePath  string `yaml:"sqlite_path"`
	AsyncWrites int    `yaml:"async_writes"` // queue size, 0 writes synchronously
}

// CatalogConfig optionally replaces the embedded catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig selects the metrics exporter.
type MetricsConfig struct {
	Exporter string `yaml:"exporter"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:     string(kv.DriverFilesystem),
			Key:        persistence.DefaultKey,
			FSRoot:     "./handbookdata",
			SQLitePath: "handbook.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Exporter: MetricsNone,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file or empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies HANDBOOK_* environment variables.
func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"HANDBOOK_STORAGE_DRIVER": &c.Storage.Driver,
		"HANDBOOK_STORAGE_KEY":    &c.Storage.Key,
		"HANDBOOK_FS_ROOT":        &c.Storage.FSRoot,
		"HANDBOOK_SQLITE_PATH":    &c.Storage.SQLitePath,
		"HANDBOOK_CATALOG_PATH":   &c.Catalog.Path,
		"HANDBOOK_LOG_LEVEL":      &c.Logging.Level,
		"HANDBOOK_LOG_FORMAT":     &c.Logging.Format,
		"HANDBOOK_METRICS":        &c.Metrics.Exporter,
	}
	for name, dst := range str {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("HANDBOOK_ASYNC_WRITES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HANDBOOK_ASYNC_WRITES: %w", err)
		}
		c.Storage.AsyncWrites = n
	}
	return nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch kv.Driver(c.Storage.Driver) {
	case kv.DriverFilesystem, kv.DriverSQLite, kv.DriverMemory:
	default:
		return fmt.Errorf("invalid storage driver: %s (valid: fs, sqlite, memory)", c.Storage.Driver)
	}
	if strings.TrimSpace(c.Storage.Key) == "" {
		return fmt.Errorf("storage key must not be empty")
	}
	if c.Storage.AsyncWrites < 0 {
		return fmt.Errorf("async_writes must be >= 0, got %d", c.Storage.AsyncWrites)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}
	switch c.Metrics.Exporter {
	case MetricsNone, MetricsExpvar, MetricsPrometheus:
	default:
		return fmt.Errorf("invalid metrics exporter: %s (valid: none, expvar, prometheus)", c.Metrics.Exporter)
	}
	return nil
}

// KVOptions maps the storage section onto backend options.
func (c *Config) KVOptions() kv.Options {
	return kv.Options{
		Driver:     kv.Driver(c.Storage.Driver),
		FSRoot:     c.Storage.FSRoot,
		SQLitePath: c.Storage.SQLitePath,
	}
}

// LoggingOptions maps the logging section onto logger options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Logging.Level, Format: c.Logging.Format}
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
