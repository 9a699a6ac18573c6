package adapters

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// InvalidPayload reports a subquery payload the adapter cannot execute.
func InvalidPayload(op, nodeID, format string, args ...interface{}) error {
	return &core.FrameworkError{
		Op:      op,
		Kind:    "adapter",
		ID:      nodeID,
		Message: fmt.Sprintf(format, args...),
		Err:     core.ErrInvalidPayload,
	}
}

// String returns payload[key] as a string, or def when absent or not a string.
func String(p orchestration.Payload, key, def string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return def
	}
}

// Int returns payload[key] as an int. Numbers decoded from YAML arrive as
// int, from JSON as float64; numeric strings are accepted too.
func Int(p orchestration.Payload, key string, def int) int {
	if n, ok := ToInt(p[key]); ok {
		return n
	}
	return def
}

// ToInt converts the numeric shapes a payload can carry.
func ToInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) || n >= math.MaxInt || n < math.MinInt {
			return 0, false
		}
		return int(n), true
	case float32:
		return ToInt(float64(n))
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

// Map returns payload[key] as a string-keyed map.
func Map(p orchestration.Payload, key string) map[string]interface{} {
	switch m := p[key].(type) {
	case map[string]interface{}:
		return m
	case orchestration.Payload:
		return m
	case orchestration.Record:
		return m
	default:
		return nil
	}
}

// Slice returns payload[key] as a slice of values.
func Slice(p orchestration.Payload, key string) []interface{} {
	switch s := p[key].(type) {
	case []interface{}:
		return s
	case []string:
		out := make([]interface{}, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out
	default:
		return nil
	}
}

// Float32s converts a vector value into []float32. Embeddings bound from a
// relational row may be a JSON array stored as text.
func Float32s(v interface{}) ([]float32, bool) {
	switch t := v.(type) {
	case []float32:
		return t, true
	case []float64:
		out := make([]float32, len(t))
		for i, f := range t {
			out[i] = float32(f)
		}
		return out, true
	case []interface{}:
		out := make([]float32, len(t))
		for i, e := range t {
			switch f := e.(type) {
			case float64:
				out[i] = float32(f)
			case float32:
				out[i] = f
			case int:
				out[i] = float32(f)
			default:
				return nil, false
			}
		}
		return out, true
	case string:
		var out []float32
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, false
		}
		return out, true
	case []byte:
		return Float32s(string(t))
	default:
		return nil, false
	}
}

// Text renders a scalar key value the way sources store identifiers.
func Text(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
