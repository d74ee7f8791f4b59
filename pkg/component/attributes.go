package component

import (
	"fmt"
	"strconv"
)

// Attributes carries endpoint details and aspects for a component. Keys are
// open; the typed accessors below cover the common shapes.
type Attributes map[string]any

// String returns the value at key formatted as a string, or "".
func (a Attributes) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the value at key as an int. JSON numbers decode as float64 and
// numeric strings are accepted too.
func (a Attributes) Int(key string) (int, bool) {
	switch v := a[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// List normalizes the value at key into a slice. A single map or string is a
// one-element list; absent or nil values give an empty slice.
func (a Attributes) List(key string) []any {
	switch v := a[key].(type) {
	case nil:
		return []any{}
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	case map[string]any:
		if len(v) == 0 {
			return []any{}
		}
		return []any{v}
	case string:
		if v == "" {
			return []any{}
		}
		return []any{v}
	default:
		return []any{v}
	}
}

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
