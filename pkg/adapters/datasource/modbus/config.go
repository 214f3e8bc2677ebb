package modbus

import (
	"time"

	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
)

// Config contains Modbus TCP-specific connection options.
type Config struct {
	Host           string
	Port           int
	SlaveID        byte
	ConnectTimeout time.Duration
}

// FromMap creates a Config from a generic config map.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{
		Port:           502,
		SlaveID:        1,
		ConnectTimeout: 30 * time.Second,
	}

	host, ok := config["host"].(string)
	if !ok || host == "" {
		return nil, apperrors.Invalid("host is required")
	}
	cfg.Host = host

	if port, ok := config["port"].(float64); ok { // JSON numbers are float64
		cfg.Port = int(port)
	} else if port, ok := config["port"].(int); ok {
		cfg.Port = port
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, apperrors.Invalid("port %d out of range", cfg.Port)
	}

	if slave, ok := config["slave_id"].(float64); ok {
		if slave < 0 || slave > 247 {
			return nil, apperrors.Invalid("slave_id %v out of range", slave)
		}
		cfg.SlaveID = byte(slave)
	} else if slave, ok := config["slave_id"].(int); ok {
		if slave < 0 || slave > 247 {
			return nil, apperrors.Invalid("slave_id %d out of range", slave)
		}
		cfg.SlaveID = byte(slave)
	}

	if timeout, ok := config["connection_timeout"].(float64); ok {
		cfg.ConnectTimeout = time.Duration(timeout * float64(time.Second))
	} else if timeout, ok := config["connection_timeout"].(int); ok {
		cfg.ConnectTimeout = time.Duration(timeout) * time.Second
	}

	return cfg, nil
}
