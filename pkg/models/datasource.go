package models

import (
	"time"

	"github.com/google/uuid"
)

// Datasource type names. A datasource's type is immutable once tags
// reference it; the Config map is interpreted by the matching adapter.
const (
	TypeOPCUA    = "opcua"
	TypePostgres = "postgres"
	TypeMSSQL    = "mssql"
	TypeModbus   = "modbus"
)

// Datasource represents a configured, addressable backend (OPC UA server,
// SQL database, Modbus device) belonging to one plant. The Config field
// holds protocol-specific connection details: endpoint URL, timeout and
// security settings for OPC UA; host/port/database/credentials for SQL;
// host/port/slave id for Modbus.
//
// Datasources are never hard-deleted; deactivation (Active=false) makes
// them invisible to resolution while pooled connections drain.
type Datasource struct {
	ID        uuid.UUID      `json:"id"`
	PlantID   string         `json:"plant_id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Config    map[string]any `json:"config"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
