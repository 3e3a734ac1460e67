package expressions

import (
	"encoding/json"
	"maps"
)

// DefaultItemKey is the child-context key an ITERATOR binds each item to.
const DefaultItemKey = "item"

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}

// DeepCopy recursively copies maps, slices and raw JSON.
// Primitives are value types and returned as is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// ChildScope returns a shallow copy of parent with a deep copy of item bound
// under key. Top-level writes to the child never reach the parent or sibling
// children; nested parent values are shared and must be treated as read-only.
func ChildScope(parent map[string]any, key string, item any) map[string]any {
	if key == "" {
		key = DefaultItemKey
	}
	child := make(map[string]any, len(parent)+1)
	maps.Copy(child, parent)
	child[key] = DeepCopy(item)
	return child
}
