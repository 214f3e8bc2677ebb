package models

import (
	"time"

	"github.com/google/uuid"
)

// Tag is a logical named reference to one addressable item within a
// datasource. The ConnectionString is the protocol-specific locator (OPC UA
// node id, SQL fragment, Modbus register address); it is only meaningful
// together with the owning datasource's type.
//
// (Name, DatasourceID) is unique. A tag may reference a datasource that is
// not yet active - reads and writes fail until the datasource is activated.
type Tag struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	PlantID          string    `json:"plant_id"`
	DatasourceID     uuid.UUID `json:"datasource_id"`
	ConnectionString string    `json:"connection_string"`
	Description      string    `json:"description,omitempty"`
	Unit             string    `json:"unit,omitempty"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
