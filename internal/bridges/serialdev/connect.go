package serialdev

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/nerrad567/gray-logic-serial/internal/serialport"
)

// Connect request keys.
const (
	keyBaudRate = "baudrate"
	keyByteSize = "bytesize"
	keyParity   = "parity"
	keyStopBits = "stopbits"
	keyXonXoff  = "xonxoff"
	keyRtsCts   = "rtscts"
	keyDsrDtr   = "dsrdtr"
)

// parseConnectRequest turns a connect payload into connection parameters.
//
// The payload must be a JSON object. baudrate is required and may be a
// number or a numeric string. bytesize, parity and stopbits take enumeration
// names such as "EIGHTBITS", "PARITY_EVEN" or "STOPBITS_TWO" and default to
// 8N1. The flow control flags are truthy: any non-zero number, non-empty
// string or collection enables them. Unknown keys are ignored.
//
// A payload that is not a JSON object fails with ErrCommandRouting; every
// other problem fails with ErrInvalidConnectParameters.
func parseConnectRequest(payload []byte) (serialport.Params, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return serialport.Params{}, fmt.Errorf("%w: connect body is not a JSON object", ErrCommandRouting)
	}

	raw, ok := fields[keyBaudRate]
	if !ok || isNull(raw) {
		return serialport.Params{}, fmt.Errorf("%w: baudrate is required", ErrInvalidConnectParameters)
	}
	baud, err := parseBaudRate(raw)
	if err != nil {
		return serialport.Params{}, err
	}

	params := serialport.DefaultParams(baud)

	if name, ok, err := enumName(fields, keyByteSize); err != nil {
		return serialport.Params{}, err
	} else if ok {
		if params.ByteSize, err = serialport.ParseByteSize(name); err != nil {
			return serialport.Params{}, fmt.Errorf("%w: %w", ErrInvalidConnectParameters, err)
		}
	}

	if name, ok, err := enumName(fields, keyParity); err != nil {
		return serialport.Params{}, err
	} else if ok {
		if params.Parity, err = serialport.ParseParity(name); err != nil {
			return serialport.Params{}, fmt.Errorf("%w: %w", ErrInvalidConnectParameters, err)
		}
	}

	if name, ok, err := enumName(fields, keyStopBits); err != nil {
		return serialport.Params{}, err
	} else if ok {
		if params.StopBits, err = serialport.ParseStopBits(name); err != nil {
			return serialport.Params{}, fmt.Errorf("%w: %w", ErrInvalidConnectParameters, err)
		}
	}

	params.XonXoff = truthy(fields[keyXonXoff])
	params.RtsCts = truthy(fields[keyRtsCts])
	params.DsrDtr = truthy(fields[keyDsrDtr])

	if err := params.Validate(); err != nil {
		return serialport.Params{}, fmt.Errorf("%w: %w", ErrInvalidConnectParameters, err)
	}
	return params, nil
}

func parseBaudRate(raw json.RawMessage) (int, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: baudrate %s is not a number", ErrInvalidConnectParameters, raw)
	}

	if i, err := n.Int64(); err == nil {
		if i <= 0 || i > math.MaxInt32 {
			return 0, fmt.Errorf("%w: baudrate %d out of range", ErrInvalidConnectParameters, i)
		}
		return int(i), nil
	}

	// A quoted "9600.0" is rejected like any other non-integer string;
	// a bare 9600.0 is truncated.
	if raw[0] == '"' {
		return 0, fmt.Errorf("%w: baudrate %s is not an integer", ErrInvalidConnectParameters, raw)
	}
	f, err := n.Float64()
	if err != nil || f < 1 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: baudrate %s out of range", ErrInvalidConnectParameters, raw)
	}
	return int(f), nil
}

// enumName returns the string value of an optional enumeration field.
// ok is false when the key is absent or null.
func enumName(fields map[string]json.RawMessage, key string) (name string, ok bool, err error) {
	raw, present := fields[key]
	if !present || isNull(raw) {
		return "", false, nil
	}
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", false, fmt.Errorf("%w: %s must be a name, got %s", ErrInvalidConnectParameters, key, raw)
	}
	return name, true, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// truthy reports whether a JSON value counts as set.
func truthy(raw json.RawMessage) bool {
	if isNull(raw) {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return false
	}
}
