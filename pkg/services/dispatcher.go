package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/logging"
	"github.com/plantlink-io/plantlink-engine/pkg/models"
)

// Dispatch operations.
const (
	OpRead               = "read"
	OpReadMultiple       = "read_multiple"
	OpWrite              = "write"
	OpQuery              = "query"
	OpTestConnection     = "test_connection"
	OpReadWithConnection = "read_with_connection"
)

// Request is one dispatch against a datasource. Which fields matter depends
// on the operation: read and write go through tag resolution (TagName,
// optionally ConnectionString for auto-creation), read_with_connection and
// read_multiple address items directly, query carries a statement with
// positional parameters.
type Request struct {
	Operation         string    `json:"operation"`
	PlantID           string    `json:"plant_id,omitempty"`
	DatasourceID      uuid.UUID `json:"datasource_id,omitempty"`
	TagName           string    `json:"tag_name,omitempty"`
	ConnectionString  string    `json:"connection_string,omitempty"`
	ConnectionStrings []string  `json:"connection_strings,omitempty"`
	Value             any       `json:"value,omitempty"`
	Statement         string    `json:"statement,omitempty"`
	Params            []any     `json:"params,omitempty"`
}

// Response is the result of a successful dispatch.
type Response struct {
	Success    bool      `json:"success"`
	Operation  string    `json:"operation"`
	Data       any       `json:"data,omitempty"`
	Message    string    `json:"message,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReadItem is one slot of a read_multiple response. Error carries the
// sanitized per-item failure; Value is set otherwise.
type ReadItem struct {
	ConnectionString string            `json:"connection_string"`
	Value            *datasource.Value `json:"value,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// Dispatcher routes operations to pooled datasource connections. A dispatch
// that fails with a transient connection error discards the implicated
// connection and retries exactly once on a fresh one; every other failure
// surfaces immediately.
type Dispatcher struct {
	registry *DatasourceRegistry
	resolver *TagResolver
	pools    *datasource.PoolManager
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *DatasourceRegistry, resolver *TagResolver, pools *datasource.PoolManager, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, resolver: resolver, pools: pools, logger: logger}
}

// Execute runs one dispatch. Errors carry the apperrors taxonomy for
// classification with errors.Is.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	var (
		data    any
		message string
		err     error
	)

	switch req.Operation {
	case OpRead:
		data, err = d.read(ctx, req)
	case OpReadMultiple:
		data, err = d.readMultiple(ctx, req)
	case OpWrite:
		message, err = d.write(ctx, req)
	case OpQuery:
		data, err = d.query(ctx, req)
	case OpTestConnection:
		message, err = d.testConnection(ctx, req)
	case OpReadWithConnection:
		data, err = d.readWithConnection(ctx, req)
	default:
		err = apperrors.Invalid("unknown operation %q", req.Operation)
	}

	duration := time.Since(start)
	if err != nil {
		d.logger.Warn("dispatch failed",
			zap.String("operation", req.Operation),
			zap.String("datasourceID", req.DatasourceID.String()),
			zap.Duration("duration", duration),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, err
	}

	d.logger.Debug("dispatch completed",
		zap.String("operation", req.Operation),
		zap.String("datasourceID", req.DatasourceID.String()),
		zap.Duration("duration", duration),
	)

	return &Response{
		Success:    true,
		Operation:  req.Operation,
		Data:       data,
		Message:    message,
		DurationMS: duration.Milliseconds(),
		Timestamp:  time.Now(),
	}, nil
}

func (d *Dispatcher) read(ctx context.Context, req *Request) (*datasource.Value, error) {
	tag, ds, err := d.resolver.Resolve(ctx, req.PlantID, req.DatasourceID, req.TagName, req.ConnectionString)
	if err != nil {
		return nil, err
	}

	var value *datasource.Value
	err = d.withConn(ctx, ds, func(conn datasource.Conn) error {
		var rerr error
		value, rerr = conn.Read(ctx, tag.ConnectionString)
		return rerr
	})
	return value, err
}

func (d *Dispatcher) readWithConnection(ctx context.Context, req *Request) (*datasource.Value, error) {
	if req.ConnectionString == "" {
		return nil, apperrors.Invalid("connection string is required")
	}
	if req.DatasourceID == uuid.Nil {
		return nil, apperrors.Invalid("datasource id is required")
	}

	ds, err := d.registry.Resolve(ctx, req.PlantID, req.DatasourceID)
	if err != nil {
		return nil, err
	}

	var value *datasource.Value
	err = d.withConn(ctx, ds, func(conn datasource.Conn) error {
		var rerr error
		value, rerr = conn.Read(ctx, req.ConnectionString)
		return rerr
	})
	return value, err
}

// readMultiple returns one slot per requested item, in request order. A
// batch where every item failed with a connection error is treated as a
// dead connection and goes through the retry path.
func (d *Dispatcher) readMultiple(ctx context.Context, req *Request) ([]ReadItem, error) {
	if len(req.ConnectionStrings) == 0 {
		return nil, apperrors.Invalid("at least one connection string is required")
	}
	if req.DatasourceID == uuid.Nil {
		return nil, apperrors.Invalid("datasource id is required")
	}

	ds, err := d.registry.Resolve(ctx, req.PlantID, req.DatasourceID)
	if err != nil {
		return nil, err
	}

	var results []datasource.ReadResult
	err = d.withConn(ctx, ds, func(conn datasource.Conn) error {
		results = conn.ReadMultiple(ctx, req.ConnectionStrings)
		if err := wholeBatchDown(results); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	items := make([]ReadItem, len(results))
	for i, res := range results {
		items[i].ConnectionString = res.ConnectionString
		if res.Err != nil {
			items[i].Error = logging.SanitizeError(res.Err)
		} else {
			items[i].Value = res.Value
		}
	}
	return items, nil
}

func (d *Dispatcher) write(ctx context.Context, req *Request) (string, error) {
	if req.Value == nil {
		return "", apperrors.Invalid("value is required")
	}

	tag, ds, err := d.resolver.Resolve(ctx, req.PlantID, req.DatasourceID, req.TagName, req.ConnectionString)
	if err != nil {
		return "", err
	}

	err = d.withConn(ctx, ds, func(conn datasource.Conn) error {
		return conn.Write(ctx, tag.ConnectionString, req.Value)
	})
	if err != nil {
		return "", err
	}
	return "value written to " + tag.Name, nil
}

func (d *Dispatcher) query(ctx context.Context, req *Request) (*datasource.QueryResult, error) {
	if req.Statement == "" {
		return nil, apperrors.Invalid("statement is required")
	}
	if req.DatasourceID == uuid.Nil {
		return nil, apperrors.Invalid("datasource id is required")
	}

	ds, err := d.registry.Resolve(ctx, req.PlantID, req.DatasourceID)
	if err != nil {
		return nil, err
	}

	var result *datasource.QueryResult
	err = d.withConn(ctx, ds, func(conn datasource.Conn) error {
		var qerr error
		result, qerr = conn.Query(ctx, req.Statement, req.Params)
		return qerr
	})
	return result, err
}

func (d *Dispatcher) testConnection(ctx context.Context, req *Request) (string, error) {
	if req.DatasourceID == uuid.Nil {
		return "", apperrors.Invalid("datasource id is required")
	}

	ds, err := d.registry.Resolve(ctx, req.PlantID, req.DatasourceID)
	if err != nil {
		return "", err
	}

	err = d.withConn(ctx, ds, func(conn datasource.Conn) error {
		return conn.TestConnection(ctx)
	})
	if err != nil {
		return "", err
	}
	return "connection to " + ds.Name + " ok", nil
}

// withConn runs fn over a pooled connection. On a transient failure the
// connection is discarded and fn retried exactly once on a fresh one;
// rejected writes, validation failures and backpressure never retry.
func (d *Dispatcher) withConn(ctx context.Context, ds *models.Datasource, fn func(datasource.Conn) error) error {
	err := d.attempt(ctx, ds, fn)
	if err == nil || !apperrors.IsTransient(err) || ctx.Err() != nil {
		return err
	}

	d.logger.Warn("transient failure, retrying on fresh connection",
		zap.String("datasourceID", ds.ID.String()),
		zap.String("error", logging.SanitizeError(err)),
	)
	return d.attempt(ctx, ds, fn)
}

func (d *Dispatcher) attempt(ctx context.Context, ds *models.Datasource, fn func(datasource.Conn) error) error {
	pc, err := d.pools.Acquire(ctx, ds)
	if err != nil {
		return err
	}

	if err := fn(pc.Conn); err != nil {
		if apperrors.IsTransient(err) {
			d.pools.Discard(pc)
		} else {
			d.pools.Release(pc)
		}
		return err
	}

	d.pools.Release(pc)
	return nil
}

// wholeBatchDown reports the shared connection error when every slot of a
// batch failed transiently, which means the connection itself is dead.
func wholeBatchDown(results []datasource.ReadResult) error {
	for _, res := range results {
		if res.Err == nil || !apperrors.IsTransient(res.Err) {
			return nil
		}
	}
	if len(results) == 0 {
		return nil
	}
	return results[0].Err
}
