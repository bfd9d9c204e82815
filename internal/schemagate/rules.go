package schemagate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// Rule is one node of a contract's validation tree.
type Rule interface {
	check(path string, value any) []string
}

// Field attaches a rule to an object key.
type Field struct {
	Rule     Rule
	Optional bool
}

// Required wraps a rule as a required field.
func Required(r Rule) Field { return Field{Rule: r} }

// Optional wraps a rule as an optional field; present values are still checked.
func Optional(r Rule) Field { return Field{Rule: r, Optional: true} }

// String requires a string with at least MinLen non-blank characters.
type String struct {
	MinLen int
}

func (s String) check(path string, value any) []string {
	str, ok := value.(string)
	if !ok {
		return []string{fmt.Sprintf("%s: expected string", path)}
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(str)); n < s.MinLen {
		return []string{fmt.Sprintf("%s: length %d below minimum %d", path, n, s.MinLen)}
	}
	return nil
}

// Int requires a whole number within [Min, Max].
type Int struct {
	Min int64
	Max int64
}

func (r Int) check(path string, value any) []string {
	f, ok := toFloat(value)
	if !ok {
		return []string{fmt.Sprintf("%s: expected integer", path)}
	}
	if f != math.Trunc(f) {
		return []string{fmt.Sprintf("%s: expected integer, got %v", path, f)}
	}
	if f < float64(r.Min) || f > float64(r.Max) {
		return []string{fmt.Sprintf("%s: %v out of range [%d,%d]", path, f, r.Min, r.Max)}
	}
	return nil
}

// Number requires any finite number within [Min, Max].
type Number struct {
	Min float64
	Max float64
}

func (r Number) check(path string, value any) []string {
	f, ok := toFloat(value)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return []string{fmt.Sprintf("%s: expected number", path)}
	}
	if f < r.Min || f > r.Max {
		return []string{fmt.Sprintf("%s: %v out of range [%g,%g]", path, f, r.Min, r.Max)}
	}
	return nil
}

// Bool requires a boolean.
type Bool struct{}

func (Bool) check(path string, value any) []string {
	if _, ok := value.(bool); !ok {
		return []string{fmt.Sprintf("%s: expected boolean", path)}
	}
	return nil
}

// Array requires a list whose items all satisfy Items.
type Array struct {
	Items    Rule
	MinItems int
}

func (a Array) check(path string, value any) []string {
	items, ok := toSlice(value)
	if !ok {
		return []string{fmt.Sprintf("%s: expected array", path)}
	}
	var errs []string
	if len(items) < a.MinItems {
		errs = append(errs, fmt.Sprintf("%s: %d items below minimum %d", path, len(items), a.MinItems))
	}
	if a.Items == nil {
		return errs
	}
	for i, item := range items {
		errs = append(errs, a.Items.check(fmt.Sprintf("%s[%d]", path, i), item)...)
	}
	return errs
}

// Object requires a map; every required field must be present and every
// present declared field is checked against its rule. Undeclared keys pass.
type Object struct {
	Fields map[string]Field
}

func (o Object) check(path string, value any) []string {
	m, ok := value.(map[string]any)
	if !ok {
		if path == "" {
			return []string{"payload: expected object"}
		}
		return []string{fmt.Sprintf("%s: expected object", path)}
	}
	keys := make([]string, 0, len(o.Fields))
	for k := range o.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []string
	for _, key := range keys {
		field := o.Fields[key]
		childPath := joinPath(path, key)
		v, present := m[key]
		if !present || v == nil {
			if !field.Optional {
				errs = append(errs, fmt.Sprintf("missing required field: %s", childPath))
			}
			continue
		}
		errs = append(errs, field.Rule.check(childPath, v)...)
	}
	return errs
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}
