package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
)

// Adapter opens SQL Server connections.
type Adapter struct{}

func (a *Adapter) Type() string {
	return "mssql"
}

func (a *Adapter) ValidateConfig(config map[string]any) error {
	_, err := FromMap(config)
	return err
}

// Open dials a single connection. database/sql's own pooling is pinned to one
// connection so the pool manager stays the only pooling layer.
func (a *Adapter) Open(ctx context.Context, config map[string]any) (datasource.Conn, error) {
	cfg, err := FromMap(config)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlserver", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("mssql open %s:%d/%s: %w: %w",
			cfg.Host, cfg.Port, cfg.Database, apperrors.ErrConnection, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(dialCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql connect to %s:%d/%s: %w: %w",
			cfg.Host, cfg.Port, cfg.Database, apperrors.ErrConnection, err)
	}

	return &conn{db: db}, nil
}

// conn wraps one SQL Server connection.
type conn struct {
	db *sql.DB
}

func (c *conn) TestConnection(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("mssql ping: %w: %w", apperrors.ErrConnection, err)
	}
	return nil
}

// Read executes the connection string as a single-value SELECT. NULL results
// carry UNCERTAIN quality.
func (c *conn) Read(ctx context.Context, connectionString string) (*datasource.Value, error) {
	var raw any
	if err := c.db.QueryRowContext(ctx, connectionString).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("query %q returned no rows: %w", connectionString, apperrors.ErrNotFound)
		}
		return nil, classify("read", err)
	}

	q := datasource.QualityGood
	if raw == nil {
		q = datasource.QualityUncertain
	}

	return &datasource.Value{Value: normalize(raw), Quality: q, Timestamp: time.Now()}, nil
}

func (c *conn) ReadMultiple(ctx context.Context, connectionStrings []string) []datasource.ReadResult {
	results := make([]datasource.ReadResult, len(connectionStrings))
	for i, cs := range connectionStrings {
		results[i].ConnectionString = cs
		v, err := c.Read(ctx, cs)
		if err != nil {
			results[i].Err = err
		} else {
			results[i].Value = v
		}
	}
	return results
}

// Write is not offered for SQL datasources.
func (c *conn) Write(ctx context.Context, connectionString string, value any) error {
	return apperrors.Unsupported("mssql", "write")
}

func (c *conn) Query(ctx context.Context, statement string, params []any) (*datasource.QueryResult, error) {
	// go-mssqldb binds positional arguments as @p1..@pN.
	rows, err := c.db.QueryContext(ctx, statement, params...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classify("query", err)
	}

	result := &datasource.QueryResult{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify("query", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

func (c *conn) Close() error {
	return c.db.Close()
}

// classify separates dead-connection failures, which the dispatcher retries
// on a fresh connection, from statement errors, which become validation
// failures. Raw driver errors never cross the adapter boundary untagged.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("mssql %s: %w: %w", op, apperrors.ErrConnection, err)
	}
	return fmt.Errorf("mssql %s: %w: %w", op, apperrors.ErrValidation, err)
}

// normalize converts driver byte slices to strings so results serialize
// cleanly.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

var _ datasource.Adapter = (*Adapter)(nil)
var _ datasource.Conn = (*conn)(nil)
