package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
)

// Adapter opens Modbus TCP connections.
type Adapter struct{}

func (a *Adapter) Type() string {
	return "modbus"
}

func (a *Adapter) ValidateConfig(config map[string]any) error {
	_, err := FromMap(config)
	return err
}

func (a *Adapter) Open(ctx context.Context, config map[string]any) (datasource.Conn, error) {
	cfg, err := FromMap(config)
	if err != nil {
		return nil, err
	}

	handler := gomodbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	handler.Timeout = cfg.ConnectTimeout
	handler.SlaveId = cfg.SlaveID

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("modbus connect to %s:%d: %w: %w", cfg.Host, cfg.Port, apperrors.ErrConnection, err)
	}

	return &conn{handler: handler, client: gomodbus.NewClient(handler)}, nil
}

// conn wraps one Modbus TCP session. The underlying client carries no
// context support; request deadlines come from the handler timeout set at
// open time.
type conn struct {
	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client
}

// TestConnection reads holding register 0. A protocol exception still proves
// a live session; only transport failures count against the connection.
func (c *conn) TestConnection(ctx context.Context) error {
	_, err := c.client.ReadHoldingRegisters(0, 1)
	if err != nil {
		var me *gomodbus.ModbusError
		if errors.As(err, &me) {
			return nil
		}
		return fmt.Errorf("modbus probe: %w: %w", apperrors.ErrConnection, err)
	}
	return nil
}

func (c *conn) Read(ctx context.Context, connectionString string) (*datasource.Value, error) {
	ref, err := parseReference(connectionString)
	if err != nil {
		return nil, err
	}

	var raw []byte
	switch ref.table {
	case tableCoil:
		raw, err = c.client.ReadCoils(ref.address, 1)
	case tableDiscreteInput:
		raw, err = c.client.ReadDiscreteInputs(ref.address, 1)
	case tableInputRegister:
		raw, err = c.client.ReadInputRegisters(ref.address, ref.words())
	case tableHoldingRegister:
		raw, err = c.client.ReadHoldingRegisters(ref.address, ref.words())
	}
	if err != nil {
		return nil, classify("read", connectionString, err)
	}

	value, err := decode(ref, raw)
	if err != nil {
		return nil, err
	}

	return &datasource.Value{
		Value:     value,
		Quality:   datasource.QualityGood,
		Timestamp: time.Now(),
	}, nil
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

// Write writes a coil or holding register. The input tables are read-only by
// protocol definition.
func (c *conn) Write(ctx context.Context, connectionString string, value any) error {
	ref, err := parseReference(connectionString)
	if err != nil {
		return err
	}

	switch ref.table {
	case tableDiscreteInput, tableInputRegister:
		return apperrors.WriteRejected(connectionString, errors.New("input tables are read-only"))

	case tableCoil:
		on, err := toBool(value)
		if err != nil {
			return apperrors.WriteRejected(connectionString, err)
		}
		var coil uint16
		if on {
			coil = 0xFF00
		}
		if _, err := c.client.WriteSingleCoil(ref.address, coil); err != nil {
			return classify("write", connectionString, err)
		}
		return nil

	default: // holding register
		words, err := encode(ref, value)
		if err != nil {
			return apperrors.WriteRejected(connectionString, err)
		}
		if len(words) == 2 {
			_, err = c.client.WriteSingleRegister(ref.address, binary.BigEndian.Uint16(words))
		} else {
			_, err = c.client.WriteMultipleRegisters(ref.address, uint16(len(words)/2), words)
		}
		if err != nil {
			return classify("write", connectionString, err)
		}
		return nil
	}
}

// Query is a SQL concept with no Modbus counterpart.
func (c *conn) Query(ctx context.Context, statement string, params []any) (*datasource.QueryResult, error) {
	return nil, apperrors.Unsupported("modbus", "query")
}

func (c *conn) Close() error {
	return c.handler.Close()
}

// classify maps protocol exceptions and transport failures onto the error
// taxonomy. Illegal-address exceptions become not-found; device-side refusals
// on writes become rejections; anything non-protocol is a connection failure.
func classify(op, connectionString string, err error) error {
	var me *gomodbus.ModbusError
	if !errors.As(err, &me) {
		return fmt.Errorf("modbus %s %q: %w: %w", op, connectionString, apperrors.ErrConnection, err)
	}

	switch me.ExceptionCode {
	case gomodbus.ExceptionCodeIllegalDataAddress:
		return fmt.Errorf("register %q: %w", connectionString, apperrors.ErrNotFound)
	case gomodbus.ExceptionCodeIllegalFunction, gomodbus.ExceptionCodeIllegalDataValue:
		if op == "write" {
			return apperrors.WriteRejected(connectionString, me)
		}
		return fmt.Errorf("modbus %s %q: %w", op, connectionString, me)
	case gomodbus.ExceptionCodeServerDeviceFailure, gomodbus.ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return fmt.Errorf("modbus %s %q: %w: %w", op, connectionString, apperrors.ErrConnection, me)
	default:
		return fmt.Errorf("modbus %s %q: %w", op, connectionString, me)
	}
}

// decode interprets raw response bytes per the reference's data type.
func decode(ref reference, raw []byte) (any, error) {
	if ref.dataType == "bool" {
		if len(raw) < 1 {
			return nil, fmt.Errorf("modbus read: short response: %w", apperrors.ErrConnection)
		}
		return raw[0]&0x01 == 0x01, nil
	}

	if len(raw) < int(ref.words())*2 {
		return nil, fmt.Errorf("modbus read: short response: %w", apperrors.ErrConnection)
	}

	switch ref.dataType {
	case "int16":
		return int16(binary.BigEndian.Uint16(raw)), nil
	case "uint32":
		return binary.BigEndian.Uint32(raw), nil
	case "int32":
		return int32(binary.BigEndian.Uint32(raw)), nil
	case "float32":
		return math.Float32frombits(binary.BigEndian.Uint32(raw)), nil
	default:
		return binary.BigEndian.Uint16(raw), nil
	}
}

// encode converts a caller value into big-endian register words.
func encode(ref reference, value any) ([]byte, error) {
	switch ref.dataType {
	case "float32":
		f, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return buf, nil

	case "uint32", "int32":
		f, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int64(f)))
		return buf, nil

	default: // uint16, int16
		f, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("value %v is not an integer", value)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int64(f)))
		return buf, nil
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	default:
		return false, fmt.Errorf("value %v (%T) is not a boolean", value, value)
	}
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", value, value)
	}
}

var _ datasource.Adapter = (*Adapter)(nil)
var _ datasource.Conn = (*conn)(nil)
