// Package statement holds the schema-less representations of xAPI statements:
// Raw as decoded from the LRS and Flat as produced by Flatten.
package statement

import (
	"sort"
	"strconv"
	"strings"
)

// Raw is a statement exactly as decoded from the LRS response.
type Raw = map[string]any

// Flat maps a dotted attribute path (ex. `object.definition.name.en-US`) to a scalar value,
// or to a []any for array-valued fields which are kept whole.
type Flat map[string]any

// Flatten walks nested objects producing dotted keys. Arrays are not expanded,
// they are stored as-is under their key; empty objects are kept as an empty map.
func Flatten(raw Raw) Flat {
	out := Flat{}
	flattenInto(out, "", raw)
	return out
}

func flattenInto(out Flat, prefix string, obj map[string]any) {
	for key, value := range obj {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		nested, ok := value.(map[string]any)
		if ok && len(nested) > 0 {
			flattenInto(out, path, nested)
			continue
		}
		out[path] = value
	}
}

// Id returns the statement id.
func (f Flat) Id() string {
	return f.String("id")
}

// String returns the value at key when it is a non-empty string, or a number
// rendered without exponent. Anything else is "".
func (f Flat) String(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "true"
		}
		return "false"
	}
	return ""
}

// Slice returns the array stored at key, nil when the key is absent or not an array.
func (f Flat) Slice(key string) []any {
	v, _ := f[key].([]any)
	return v
}

// KeysWithPrefix returns the keys starting with prefix in lexical order.
func (f Flat) KeysWithPrefix(prefix string) []string {
	var keys []string
	for k := range f {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of f with key set to value. f itself is left untouched.
func (f Flat) With(key string, value any) Flat {
	out := make(Flat, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[key] = value
	return out
}
