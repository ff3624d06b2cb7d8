package feed

import (
	"maps"
	"strings"
	"time"
)

// ApplyWrite returns the document that results from writing fields over
// existing at commit time. existing is not modified.
func ApplyWrite(existing, fields Fields, merge bool, commit time.Time) Fields {
	var out map[string]any
	if merge && existing != nil {
		out = cloneMap(existing)
	} else {
		out = make(map[string]any, len(fields))
	}
	for key, value := range fields {
		parts := strings.Split(key, ".")
		parent := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := asMap(parent[p])
			if !ok {
				child = make(map[string]any)
			}
			parent[p] = child
			parent = child
		}
		leaf := parts[len(parts)-1]
		parent[leaf] = resolve(parent[leaf], value, merge, commit)
	}
	return out
}

func resolve(current, value any, merge bool, commit time.Time) any {
	switch v := value.(type) {
	case serverTimestamp:
		return commit
	case IncrementValue:
		return int64(number(current)) + v.N
	case Fields:
		return resolve(current, map[string]any(v), merge, commit)
	case map[string]any:
		var base map[string]any
		if m, ok := asMap(current); ok && merge {
			base = cloneMap(m)
		} else {
			base = make(map[string]any, len(v))
		}
		for k, inner := range v {
			base[k] = resolve(base[k], inner, merge, commit)
		}
		return base
	}
	return value
}

// Clone returns a deep copy of fields.
func Clone(fields Fields) Fields {
	if fields == nil {
		return nil
	}
	return cloneMap(fields)
}

func cloneMap(m map[string]any) map[string]any {
	out := maps.Clone(m)
	for k, v := range out {
		switch inner := v.(type) {
		case Fields:
			out[k] = cloneMap(inner)
		case map[string]any:
			out[k] = cloneMap(inner)
		case []any:
			out[k] = append([]any(nil), inner...)
		case []string:
			out[k] = append([]string(nil), inner...)
		}
	}
	return out
}
