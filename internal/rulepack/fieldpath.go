package rulepack

import (
	"regexp"
	"strconv"
	"strings"
)

// previousPrefix addresses the optional read-only prior-filing snapshot.
const previousPrefix = "previous."

var fieldPathPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)*$`)

// validFieldPath reports whether a canonicalized (lower-cased) path is
// a legal dot-separated field path.
func validFieldPath(path string) bool {
	return fieldPathPattern.MatchString(path)
}

// dataView resolves dot-separated field paths against the working data
// and the optional previous-filing snapshot. The snapshot is read-only
// reference data; set actions only ever touch the working map.
type dataView struct {
	data     map[string]any
	previous map[string]any
}

// Resolve walks a path into nested maps. The second return is true
// when the path is present, even if the value is an explicit nil.
func (v *dataView) Resolve(path string) (any, bool) {
	if rest, ok := strings.CutPrefix(path, previousPrefix); ok {
		return lookupPath(v.previous, rest)
	}
	return lookupPath(v.data, path)
}

func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, part := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes a value into nested maps, creating intermediate maps
// as needed. A non-map intermediate is replaced; later rules win, by
// the order-sensitivity contract of rule execution.
func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// deepCopy clones the evaluation data so set actions never mutate the
// caller's map. Only maps and slices are cloned; leaf values are
// immutable JSON scalars.
func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// toNumber coerces a value to float64 for ordering comparisons, range
// checks and formula resolution. Booleans are deliberately excluded.
func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
