package hapkit

import (
	"fmt"
	"math"

	"homeport/internal/entity"
)

// Coerce converts a loosely typed value (JSON numbers arrive as float64,
// delegate results as whatever the convertor produced) into the Go type
// the characteristic format requires.
func Coerce(format string, v any) (any, error) {
	switch format {
	case entity.FormatBool:
		return coerceBool(v)
	case entity.FormatUint8, entity.FormatUint16, entity.FormatUint32,
		entity.FormatUint64, entity.FormatInt32:
		return coerceInt(v)
	case entity.FormatFloat:
		return coerceFloat(v)
	case entity.FormatString:
		return coerceString(v)
	case entity.FormatData, entity.FormatTLV8:
		return coerceBytes(v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// DefaultValue returns the zero value for a format, used to seed fresh
// characteristics before the first read.
func DefaultValue(format string) any {
	switch format {
	case entity.FormatBool:
		return false
	case entity.FormatFloat:
		return 0.0
	case entity.FormatString:
		return ""
	case entity.FormatData, entity.FormatTLV8:
		return []byte(nil)
	default:
		return 0
	}
}

func coerceBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	case float32:
		return b != 0, nil
	case int:
		return b != 0, nil
	case int64:
		return b != 0, nil
	case string:
		switch b {
		case "true", "1", "on":
			return true, nil
		case "false", "0", "off":
			return false, nil
		}
	}
	return false, fmt.Errorf("value %v (%T) is not a bool", v, v)
}

func coerceInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return int(math.Round(n)), nil
		}
		return int(n), nil
	case float32:
		return int(math.Round(float64(n))), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("value %v (%T) is not an integer", v, v)
}

func coerceFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("value %v (%T) is not a float", v, v)
}

func coerceString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case fmt.Stringer:
		return s.String(), nil
	}
	return fmt.Sprint(v), nil
}

func coerceBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("value %v (%T) is not bytes", v, v)
}
