package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for plantlink-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// Bookkeeping store (PostgreSQL) holding datasource and tag records
	Database DatabaseConfig `yaml:"database"`

	// Datasource connection pooling settings
	Datasource DatasourceConfig `yaml:"datasource"`

	// Legacy tag-resolution compatibility settings
	Legacy LegacyConfig `yaml:"legacy"`
}

// DatabaseConfig holds PostgreSQL bookkeeping store configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"plantlink"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"plantlink_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// DatasourceConfig holds connection pool management settings.
// These are consumed once at process start; changes take effect through
// explicit pool Clear / registry Invalidate calls, not hot reload.
type DatasourceConfig struct {
	// PoolSize is the maximum number of live connections per datasource.
	PoolSize int `yaml:"pool_size" env:"DATASOURCE_POOL_SIZE" env-default:"10"`
	// ConnectionTimeoutSeconds bounds how long an acquire waits for a free
	// connection before failing with pool exhaustion.
	ConnectionTimeoutSeconds int `yaml:"connection_timeout_seconds" env:"DATASOURCE_CONNECTION_TIMEOUT_SECONDS" env-default:"30"`
	// MaxRetries is how many times a failed connection open is retried
	// (with backoff) before the failure is surfaced.
	MaxRetries int `yaml:"max_retries" env:"DATASOURCE_MAX_RETRIES" env-default:"3"`
	// IdleTimeoutSeconds is how long an idle connection is kept before the
	// eviction sweep closes it.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" env:"DATASOURCE_IDLE_TIMEOUT_SECONDS" env-default:"300"`
	// EvictionIntervalSeconds is how often the idle eviction sweep runs.
	EvictionIntervalSeconds int `yaml:"eviction_interval_seconds" env:"DATASOURCE_EVICTION_INTERVAL_SECONDS" env-default:"60"`
}

// ConnectionTimeout returns the acquire timeout as a duration.
func (c *DatasourceConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// IdleTimeout returns the idle eviction threshold as a duration.
func (c *DatasourceConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// EvictionInterval returns the sweep period as a duration.
func (c *DatasourceConfig) EvictionInterval() time.Duration {
	return time.Duration(c.EvictionIntervalSeconds) * time.Second
}

// LegacyConfig controls the backward-compatible tag resolution path where
// callers omit the datasource id and the engine falls back to the plant's
// first active OPC UA datasource.
type LegacyConfig struct {
	// EnableDefaultDatasource turns the fallback on. When off, requests
	// without a datasource id are rejected as validation errors.
	EnableDefaultDatasource bool `yaml:"enable_default_datasource" env:"LEGACY_ENABLE_DEFAULT_DATASOURCE" env-default:"true"`
	// DefaultPlantID is the plant used when the legacy caller supplies none.
	DefaultPlantID string `yaml:"default_plant_id" env:"LEGACY_DEFAULT_PLANT_ID" env-default:"1"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Datasource.PoolSize <= 0 {
		return fmt.Errorf("datasource.pool_size must be positive, got %d", c.Datasource.PoolSize)
	}
	if c.Datasource.ConnectionTimeoutSeconds <= 0 {
		return fmt.Errorf("datasource.connection_timeout_seconds must be positive, got %d", c.Datasource.ConnectionTimeoutSeconds)
	}
	if c.Datasource.MaxRetries < 0 {
		return fmt.Errorf("datasource.max_retries must not be negative, got %d", c.Datasource.MaxRetries)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string for the
// bookkeeping store.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
