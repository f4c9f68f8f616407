package jsonx

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// Float marshals a float so the JSON text always reads back as a float:
// 2.0 is written as 2.0, never 2.
type Float struct {
	v    float64
	bits int
}

func (f Float) MarshalJSON() ([]byte, error) {
	if math.IsInf(f.v, 0) || math.IsNaN(f.v) {
		return nil, fmt.Errorf("jsonx: unsupported float value %v", f.v)
	}
	b := strconv.AppendFloat(nil, f.v, 'g', -1, f.bits)
	if !bytes.ContainsAny(b, ".eE") {
		b = append(b, ".0"...)
	}
	return b, nil
}

// KeepFloats returns v with every float32 and float64 inside it, nested
// slices and string keyed maps included, wrapped in Float. Other values are
// returned as they are.
func KeepFloats(v any) any {
	switch v := v.(type) {
	case float64:
		return Float{v: v, bits: 64}
	case float32:
		return Float{v: float64(v), bits: 32}
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = KeepFloats(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = KeepFloats(item)
		}
		return out
	default:
		return v
	}
}
