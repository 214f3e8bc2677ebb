package opcua

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/logging"
)

// Adapter opens OPC UA client sessions.
type Adapter struct{}

func (a *Adapter) Type() string {
	return "opcua"
}

func (a *Adapter) ValidateConfig(config map[string]any) error {
	_, err := FromMap(config)
	return err
}

// Open dials the endpoint and activates a session. Session-level failures
// (bad endpoint, refused credentials, unreachable server) surface as
// apperrors.ErrConnection.
func (a *Adapter) Open(ctx context.Context, config map[string]any) (datasource.Conn, error) {
	cfg, err := FromMap(config)
	if err != nil {
		return nil, err
	}

	opts := []opcua.Option{
		opcua.SecurityPolicy(cfg.SecurityPolicy),
		opcua.SecurityModeString(cfg.SecurityMode),
		opcua.DialTimeout(cfg.ConnectTimeout),
		opcua.RequestTimeout(cfg.ConnectTimeout),
	}
	if cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	client, err := opcua.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, openError("client for", cfg.Endpoint, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := client.Connect(dialCtx); err != nil {
		return nil, openError("connect to", cfg.Endpoint, err)
	}

	return &conn{client: client, testNodeID: cfg.TestNodeID}, nil
}

// openError wraps an open failure. Endpoints may carry user:pass@ credentials,
// so the URL is redacted before it lands in errors and logs.
func openError(op, endpoint string, err error) error {
	return fmt.Errorf("opcua %s %s: %w: %w", op, logging.SanitizeEndpoint(endpoint), apperrors.ErrConnection, err)
}

// conn wraps one OPC UA session.
type conn struct {
	client     *opcua.Client
	testNodeID string
}

// TestConnection reads the server status state node.
func (c *conn) TestConnection(ctx context.Context) error {
	_, err := c.Read(ctx, c.testNodeID)
	return err
}

func (c *conn) Read(ctx context.Context, connectionString string) (*datasource.Value, error) {
	id, err := ua.ParseNodeID(connectionString)
	if err != nil {
		return nil, apperrors.Invalid("node id %q: %v", connectionString, err)
	}

	req := &ua.ReadRequest{
		MaxAge:             2000,
		TimestampsToReturn: ua.TimestampsToReturnSource,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: id, AttributeID: ua.AttributeIDValue},
		},
	}

	resp, err := c.client.Read(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("opcua read %q: %w: %w", connectionString, apperrors.ErrConnection, err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("opcua read %q: empty response: %w", connectionString, apperrors.ErrConnection)
	}

	return dataValue(connectionString, resp.Results[0])
}

// ReadMultiple batches all node ids into one service call. Unparsable node
// ids fail per-slot without consuming a spot in the request.
func (c *conn) ReadMultiple(ctx context.Context, connectionStrings []string) []datasource.ReadResult {
	results := make([]datasource.ReadResult, len(connectionStrings))

	nodes := make([]*ua.ReadValueID, 0, len(connectionStrings))
	slots := make([]int, 0, len(connectionStrings))
	for i, cs := range connectionStrings {
		results[i].ConnectionString = cs
		id, err := ua.ParseNodeID(cs)
		if err != nil {
			results[i].Err = apperrors.Invalid("node id %q: %v", cs, err)
			continue
		}
		nodes = append(nodes, &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue})
		slots = append(slots, i)
	}

	if len(nodes) == 0 {
		return results
	}

	req := &ua.ReadRequest{
		MaxAge:             2000,
		TimestampsToReturn: ua.TimestampsToReturnSource,
		NodesToRead:        nodes,
	}

	resp, err := c.client.Read(ctx, req)
	if err != nil {
		wrapped := fmt.Errorf("opcua batch read: %w: %w", apperrors.ErrConnection, err)
		for _, i := range slots {
			results[i].Err = wrapped
		}
		return results
	}

	for n, i := range slots {
		if n >= len(resp.Results) {
			results[i].Err = fmt.Errorf("opcua batch read: short response: %w", apperrors.ErrConnection)
			continue
		}
		v, err := dataValue(connectionStrings[i], resp.Results[n])
		if err != nil {
			results[i].Err = err
		} else {
			results[i].Value = v
		}
	}

	return results
}

func (c *conn) Write(ctx context.Context, connectionString string, value any) error {
	id, err := ua.ParseNodeID(connectionString)
	if err != nil {
		return apperrors.Invalid("node id %q: %v", connectionString, err)
	}

	variant, err := ua.NewVariant(value)
	if err != nil {
		return apperrors.WriteRejected(connectionString, fmt.Errorf("value %v not encodable: %w", value, err))
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{
			{
				NodeID:      id,
				AttributeID: ua.AttributeIDValue,
				Value: &ua.DataValue{
					EncodingMask: ua.DataValueValue,
					Value:        variant,
				},
			},
		},
	}

	resp, err := c.client.Write(ctx, req)
	if err != nil {
		return fmt.Errorf("opcua write %q: %w: %w", connectionString, apperrors.ErrConnection, err)
	}
	if len(resp.Results) == 0 {
		return fmt.Errorf("opcua write %q: empty response: %w", connectionString, apperrors.ErrConnection)
	}

	return writeStatus(connectionString, resp.Results[0])
}

// Query is a SQL concept; OPC UA servers are addressed by node id only.
func (c *conn) Query(ctx context.Context, statement string, params []any) (*datasource.QueryResult, error) {
	return nil, apperrors.Unsupported("opcua", "query")
}

func (c *conn) Close() error {
	return c.client.Close(context.Background())
}

// dataValue normalizes one OPC UA read result. Bad node ids map to
// ErrNotFound; every other bad status still yields a value with BAD quality
// so batch readers see what the server reported.
func dataValue(connectionString string, dv *ua.DataValue) (*datasource.Value, error) {
	if dv == nil {
		return nil, fmt.Errorf("opcua read %q: nil result: %w", connectionString, apperrors.ErrConnection)
	}

	switch dv.Status {
	case ua.StatusBadNodeIDUnknown, ua.StatusBadNodeIDInvalid:
		return nil, fmt.Errorf("node %q: %w", connectionString, apperrors.ErrNotFound)
	}

	ts := dv.SourceTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var raw any
	if dv.Value != nil {
		raw = dv.Value.Value()
	}

	return &datasource.Value{
		Value:     raw,
		Quality:   quality(dv.Status),
		Timestamp: ts,
	}, nil
}

// quality maps the status code severity bits onto the normalized quality.
func quality(status ua.StatusCode) string {
	switch uint32(status) & 0xC0000000 {
	case 0x00000000:
		return datasource.QualityGood
	case 0x40000000:
		return datasource.QualityUncertain
	default:
		return datasource.QualityBad
	}
}

// writeStatus maps a per-node write status onto the error taxonomy. Value
// and access refusals are rejections; session-level codes are connection
// failures eligible for retry on a fresh connection.
func writeStatus(connectionString string, status ua.StatusCode) error {
	switch status {
	case ua.StatusOK:
		return nil
	case ua.StatusBadNodeIDUnknown, ua.StatusBadNodeIDInvalid:
		return fmt.Errorf("node %q: %w", connectionString, apperrors.ErrNotFound)
	case ua.StatusBadTypeMismatch, ua.StatusBadNotWritable, ua.StatusBadUserAccessDenied, ua.StatusBadOutOfRange, ua.StatusBadWriteNotSupported:
		return apperrors.WriteRejected(connectionString, status)
	case ua.StatusBadSessionIDInvalid, ua.StatusBadSecureChannelClosed, ua.StatusBadConnectionClosed, ua.StatusBadServerNotConnected:
		return fmt.Errorf("opcua write %q: %w: %w", connectionString, apperrors.ErrConnection, status)
	default:
		return apperrors.WriteRejected(connectionString, status)
	}
}

var _ datasource.Adapter = (*Adapter)(nil)
var _ datasource.Conn = (*conn)(nil)
