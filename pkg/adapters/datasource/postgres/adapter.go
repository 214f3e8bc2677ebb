package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
)

// Adapter opens PostgreSQL connections.
type Adapter struct{}

func (a *Adapter) Type() string {
	return "postgres"
}

func (a *Adapter) ValidateConfig(config map[string]any) error {
	_, err := FromMap(config)
	return err
}

// Open dials a single connection. The pool manager owns pooling, so this is
// pgx.Connect rather than a pgxpool.
func (a *Adapter) Open(ctx context.Context, config map[string]any) (datasource.Conn, error) {
	cfg, err := FromMap(config)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pgconn, err := pgx.Connect(dialCtx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres connect to %s:%d/%s: %w: %w",
			cfg.Host, cfg.Port, cfg.Database, apperrors.ErrConnection, err)
	}

	return &conn{conn: pgconn}, nil
}

// conn wraps one PostgreSQL connection.
type conn struct {
	conn *pgx.Conn
}

func (c *conn) TestConnection(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w: %w", apperrors.ErrConnection, err)
	}
	return nil
}

// Read executes the connection string as a single-value SELECT. NULL results
// carry UNCERTAIN quality; the row's first column is the value.
func (c *conn) Read(ctx context.Context, connectionString string) (*datasource.Value, error) {
	var raw any
	if err := c.conn.QueryRow(ctx, connectionString).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("query %q returned no rows: %w", connectionString, apperrors.ErrNotFound)
		}
		return nil, c.classify("read", err)
	}

	q := datasource.QualityGood
	if raw == nil {
		q = datasource.QualityUncertain
	}

	return &datasource.Value{Value: raw, Quality: q, Timestamp: time.Now()}, nil
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

// Write is not offered for SQL datasources; they are read and queried, never
// written item-wise.
func (c *conn) Write(ctx context.Context, connectionString string, value any) error {
	return apperrors.Unsupported("postgres", "write")
}

func (c *conn) Query(ctx context.Context, statement string, params []any) (*datasource.QueryResult, error) {
	rows, err := c.conn.Query(ctx, statement, params...)
	if err != nil {
		return nil, c.classify("query", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	result := &datasource.QueryResult{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, c.classify("query", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify("query", err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

func (c *conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Close(ctx)
}

func (c *conn) classify(op string, err error) error {
	return classify(op, c.conn.IsClosed(), err)
}

// classify separates dead-connection failures, which the dispatcher retries
// on a fresh connection, from statement errors, which become validation
// failures. Raw driver errors never cross the adapter boundary untagged.
func classify(op string, dead bool, err error) error {
	var netErr net.Error
	if dead || ctxDone(err) || errors.As(err, &netErr) {
		return fmt.Errorf("postgres %s: %w: %w", op, apperrors.ErrConnection, err)
	}
	return fmt.Errorf("postgres %s: %w: %w", op, apperrors.ErrValidation, err)
}

func ctxDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var _ datasource.Adapter = (*Adapter)(nil)
var _ datasource.Conn = (*conn)(nil)
