package postgres

import (
	"fmt"
	"net/url"
	"time"

	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
)

// Config contains PostgreSQL-specific connection options.
type Config struct {
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	SSLMode        string
	ConnectTimeout time.Duration
}

// FromMap creates a Config from a generic config map.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{
		Port:           5432,
		SSLMode:        "prefer",
		ConnectTimeout: 30 * time.Second,
	}

	host, ok := config["host"].(string)
	if !ok || host == "" {
		return nil, apperrors.Invalid("host is required")
	}
	cfg.Host = host

	database, ok := config["database"].(string)
	if !ok || database == "" {
		return nil, apperrors.Invalid("database is required")
	}
	cfg.Database = database

	username, ok := config["username"].(string)
	if !ok || username == "" {
		return nil, apperrors.Invalid("username is required")
	}
	cfg.Username = username

	if password, ok := config["password"].(string); ok {
		cfg.Password = password
	}

	if port, ok := config["port"].(float64); ok { // JSON numbers are float64
		cfg.Port = int(port)
	} else if port, ok := config["port"].(int); ok {
		cfg.Port = port
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, apperrors.Invalid("port %d out of range", cfg.Port)
	}

	if sslmode, ok := config["sslmode"].(string); ok && sslmode != "" {
		cfg.SSLMode = sslmode
	}

	if timeout, ok := config["connection_timeout"].(float64); ok {
		cfg.ConnectTimeout = time.Duration(timeout * float64(time.Second))
	} else if timeout, ok := config["connection_timeout"].(int); ok {
		cfg.ConnectTimeout = time.Duration(timeout) * time.Second
	}

	return cfg, nil
}

// DSN builds a connection URL with credentials escaped.
func (c *Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	q.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}
