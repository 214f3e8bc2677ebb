package datasource

import (
	"context"
	"time"
)

// Quality of a read value, normalized across protocols. OPC UA status codes,
// SQL NULLs and Modbus exception responses all map onto these three.
const (
	QualityGood      = "GOOD"
	QualityBad       = "BAD"
	QualityUncertain = "UNCERTAIN"
)

// Value is a normalized single-item read result. Timestamp is the source
// timestamp when the protocol provides one, otherwise the read time.
type Value struct {
	Value     any       `json:"value"`
	Quality   string    `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadResult is one slot of a batched read. Exactly one of Value and Err is
// set; position in the result slice corresponds to position in the input.
type ReadResult struct {
	ConnectionString string `json:"connection_string"`
	Value            *Value `json:"value,omitempty"`
	Err              error  `json:"-"`
}

// QueryResult holds the rows returned by a SQL query.
type QueryResult struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// Conn is one physical connection to a datasource. Implementations are not
// required to be safe for concurrent use; the pool manager lends each
// connection to one caller at a time.
//
// All failures must be mapped into the apperrors taxonomy before returning;
// protocol-native error types never cross this boundary.
type Conn interface {
	// TestConnection is a lightweight liveness probe (server status node,
	// SELECT 1, diagnostic register read). It must not mutate backend state.
	TestConnection(ctx context.Context) error

	// Read performs a protocol-specific single-item read. The connection
	// string is a node id for OPC UA, a single-value SELECT for SQL, a
	// register reference for Modbus.
	Read(ctx context.Context, connectionString string) (*Value, error)

	// ReadMultiple performs a batched read. The result always has one slot
	// per input, in input order; failures are per-item and never abort the
	// rest of the batch.
	ReadMultiple(ctx context.Context, connectionStrings []string) []ReadResult

	// Write writes a value to the addressed item. Backends that refuse the
	// value (type mismatch, read-only item) surface apperrors.ErrWriteRejected.
	Write(ctx context.Context, connectionString string, value any) error

	// Query executes a SQL statement with positional parameters. Non-SQL
	// datasource types return apperrors.ErrUnsupportedOperation.
	Query(ctx context.Context, statement string, params []any) (*QueryResult, error)

	// Close releases the transport session. Idempotent.
	Close() error
}

// Adapter opens connections for one datasource type. Implementations
// self-register via init() (see Register).
type Adapter interface {
	// Type returns the datasource type this adapter serves.
	Type() string

	// ValidateConfig checks a connection configuration without dialing.
	// Returns apperrors.ErrValidation (wrapped) on missing or malformed fields.
	ValidateConfig(config map[string]any) error

	// Open establishes a transport-level session. Fails with
	// apperrors.ErrConnection (wrapped) on unreachable or invalid backends.
	Open(ctx context.Context, config map[string]any) (Conn, error)
}
