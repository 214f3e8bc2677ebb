package modbus

import (
	"strconv"
	"strings"

	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
)

// table identifies which Modbus primary table a reference addresses.
type table int

const (
	tableCoil table = iota
	tableDiscreteInput
	tableInputRegister
	tableHoldingRegister
)

// reference is a parsed register reference. The classic numbering convention
// applies: 00001-09999 coils, 10001-19999 discrete inputs, 30001-39999 input
// registers, 40001-49999 holding registers. Protocol addresses are zero-based,
// so 40001 maps to holding register 0.
//
// Register references may carry a data type suffix, e.g. "40001:float32".
// Supported types: uint16 (default), int16, uint32, int32, float32. Multi-word
// types read consecutive registers in big-endian word order.
type reference struct {
	table    table
	address  uint16
	dataType string
}

func (r reference) words() uint16 {
	switch r.dataType {
	case "uint32", "int32", "float32":
		return 2
	default:
		return 1
	}
}

func parseReference(connectionString string) (reference, error) {
	ref := reference{dataType: "uint16"}

	num := connectionString
	if idx := strings.IndexByte(connectionString, ':'); idx >= 0 {
		num = connectionString[:idx]
		ref.dataType = strings.ToLower(connectionString[idx+1:])
		switch ref.dataType {
		case "uint16", "int16", "uint32", "int32", "float32":
		default:
			return ref, apperrors.Invalid("register reference %q: unknown data type %q", connectionString, ref.dataType)
		}
	}

	n, err := strconv.Atoi(num)
	if err != nil {
		return ref, apperrors.Invalid("register reference %q: %v", connectionString, err)
	}

	switch {
	case n >= 1 && n <= 9999:
		ref.table = tableCoil
		ref.address = uint16(n - 1)
	case n >= 10001 && n <= 19999:
		ref.table = tableDiscreteInput
		ref.address = uint16(n - 10001)
	case n >= 30001 && n <= 39999:
		ref.table = tableInputRegister
		ref.address = uint16(n - 30001)
	case n >= 40001 && n <= 49999:
		ref.table = tableHoldingRegister
		ref.address = uint16(n - 40001)
	default:
		return ref, apperrors.Invalid("register reference %q outside the 0x/1x/3x/4x tables", connectionString)
	}

	if ref.table == tableCoil || ref.table == tableDiscreteInput {
		if ref.dataType != "uint16" {
			return ref, apperrors.Invalid("register reference %q: bit tables carry no data type", connectionString)
		}
		ref.dataType = "bool"
	}

	return ref, nil
}
