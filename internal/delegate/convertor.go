package delegate

import (
	"fmt"
	"math"
)

// Convertor translates between the source device's raw property value and
// the HAP characteristic value. ToHap runs on reads and events, FromHap on
// writes.
type Convertor interface {
	ToHap(raw any) (any, error)
	FromHap(value any) (any, error)
}

// newConvertor resolves a characteristic row's convertor configuration.
// An empty name is the identity.
func newConvertor(name string, params map[string]any) (Convertor, error) {
	switch name {
	case "":
		return identityConvertor{}, nil
	case "scale":
		factor, ok := floatParam(params, "factor")
		if !ok || factor == 0 {
			return nil, fmt.Errorf("scale convertor needs a non-zero factor: %w", ErrBadParams)
		}
		return scaleConvertor{factor: factor}, nil
	case "value_map":
		raw, ok := params["map"].(map[string]any)
		if !ok || len(raw) == 0 {
			return nil, fmt.Errorf("value_map convertor needs a map: %w", ErrBadParams)
		}
		c := valueMapConvertor{toHap: make(map[string]any, len(raw)), fromHap: make(map[string]any, len(raw))}
		for k, v := range raw {
			c.toHap[k] = v
			c.fromHap[fmt.Sprint(v)] = mapKeyValue(k)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("convertor %q: %w", name, ErrBadParams)
	}
}

type identityConvertor struct{}

func (identityConvertor) ToHap(raw any) (any, error)     { return raw, nil }
func (identityConvertor) FromHap(value any) (any, error) { return value, nil }

// scaleConvertor multiplies raw values by a factor on the way to HAP.
// Tenth-degree BLE temperatures use factor 0.1.
type scaleConvertor struct {
	factor float64
}

func (c scaleConvertor) ToHap(raw any) (any, error) {
	f, ok := toFloat(raw)
	if !ok {
		return nil, fmt.Errorf("scale convertor: value %v (%T) not numeric", raw, raw)
	}
	return round2(f * c.factor), nil
}

func (c scaleConvertor) FromHap(value any) (any, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, fmt.Errorf("scale convertor: value %v (%T) not numeric", value, value)
	}
	return round2(f / c.factor), nil
}

// valueMapConvertor translates through an explicit raw -> hap table.
type valueMapConvertor struct {
	toHap   map[string]any
	fromHap map[string]any
}

func (c valueMapConvertor) ToHap(raw any) (any, error) {
	if v, ok := c.toHap[fmt.Sprint(raw)]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("value_map convertor: no mapping for %v", raw)
}

func (c valueMapConvertor) FromHap(value any) (any, error) {
	if v, ok := c.fromHap[fmt.Sprint(value)]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("value_map convertor: no reverse mapping for %v", value)
}

// mapKeyValue recovers a typed value from a JSON map key, which is always
// a string.
func mapKeyValue(k string) any {
	switch k {
	case "true":
		return true
	case "false":
		return false
	}
	var f float64
	if _, err := fmt.Sscanf(k, "%g", &f); err == nil {
		if f == math.Trunc(f) {
			return int(f)
		}
		return f
	}
	return k
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	default:
		if f, ok := toFloat(v); ok {
			return f != 0, true
		}
		return false, false
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func floatParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func intParam(params map[string]any, key string) (int, bool) {
	f, ok := floatParam(params, key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}
