package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const timeTag = "$time"

// Marshal encodes resolved fields as JSON, tagging timestamps so they survive
// a round trip.
func Marshal(fields Fields) ([]byte, error) {
	return json.Marshal(encodeValue(map[string]any(fields)))
}

// Unmarshal decodes JSON produced by Marshal.
func Unmarshal(data []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	m, _ := decodeValue(raw).(map[string]any)
	return m, nil
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return map[string]any{timeTag: x.UTC().Format(time.RFC3339Nano)}
	case Fields:
		return encodeValue(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, inner := range x {
			out[k] = encodeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, inner := range x {
			out[i] = encodeValue(inner)
		}
		return out
	}
	return v
}

func decodeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		if s, ok := x[timeTag].(string); ok && len(x) == 1 {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
		for k, inner := range x {
			x[k] = decodeValue(inner)
		}
		return x
	case []any:
		for i, inner := range x {
			x[i] = decodeValue(inner)
		}
		return x
	}
	return v
}
