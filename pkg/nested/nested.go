// Package nested addresses values inside trees of map[string]any by a path of keys.
//
// Trees are the decoded form of JSON objects: maps keyed by string whose values
// are scalars, []any slices or further maps. A path segment that reaches a
// missing key or a non-map value is treated as absent, never as an error.
package nested

import (
	"github.com/openfroyo/strata/pkg/fault"
)

// ErrEmptyPath is returned when a value other than a map is assigned to the root.
var ErrEmptyPath = fault.Sentinel(fault.ClassUsage, fault.CodeValidation, "empty path requires a map value")

// Lookup returns the value at path and whether every segment was present.
func Lookup(m map[string]any, path ...string) (any, bool) {
	if len(path) == 0 {
		return m, m != nil
	}

	var current any = m
	for _, key := range path {
		node, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Get returns the value at path, or nil when any segment is missing.
func Get(m map[string]any, path ...string) any {
	v, _ := Lookup(m, path...)
	return v
}

// Has reports whether a value exists at path.
func Has(m map[string]any, path ...string) bool {
	_, ok := Lookup(m, path...)
	return ok
}

// Set assigns value at path, creating intermediate maps as needed.
// Intermediate values that are not maps are replaced.
// An empty path replaces the contents of m and requires value to be a map.
func Set(m map[string]any, value any, path ...string) error {
	if m == nil {
		return fault.NewUsageError("cannot set into a nil map", nil).WithCode(fault.CodeValidation)
	}

	if len(path) == 0 {
		replacement, ok := asMap(value)
		if !ok {
			return ErrEmptyPath
		}
		// copy first, replacement may alias m
		entries := make(map[string]any, len(replacement))
		for k, v := range replacement {
			entries[k] = v
		}
		clear(m)
		for k, v := range entries {
			m[k] = v
		}
		return nil
	}

	node := m
	for _, key := range path[:len(path)-1] {
		next, ok := asMap(node[key])
		if !ok {
			next = make(map[string]any)
			node[key] = next
		}
		node = next
	}
	node[path[len(path)-1]] = value
	return nil
}

// Delete removes the value at path and reports whether anything was removed.
// An empty path clears m.
func Delete(m map[string]any, path ...string) bool {
	if m == nil {
		return false
	}
	if len(path) == 0 {
		removed := len(m) > 0
		clear(m)
		return removed
	}

	parent, ok := Lookup(m, path[:len(path)-1]...)
	if !ok {
		return false
	}
	node, ok := asMap(parent)
	if !ok {
		return false
	}
	key := path[len(path)-1]
	if _, exists := node[key]; !exists {
		return false
	}
	delete(node, key)
	return true
}

// Clone returns a deep copy of a tree of maps and slices. Other values are shared.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// Copy deep-copies v when it is a map or slice tree.
func Copy(v any) any {
	return cloneValue(v)
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return Clone(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Merge composes two trees ordered strongest first and returns a new tree.
// Maps present on both sides merge recursively; otherwise the strong value wins.
// A nil strong value yields the weak one.
func Merge(strong, weak map[string]any) map[string]any {
	result := Clone(weak)
	if result == nil {
		result = make(map[string]any, len(strong))
	}
	for k, sv := range strong {
		wv, exists := result[k]
		if !exists {
			result[k] = cloneValue(sv)
			continue
		}
		result[k] = mergeValue(sv, wv)
	}
	return result
}

func mergeValue(strong, weak any) any {
	if strong == nil {
		return weak
	}
	sm, sok := asMap(strong)
	wm, wok := asMap(weak)
	if sok && wok {
		return Merge(sm, wm)
	}
	return cloneValue(strong)
}

// Without returns a shallow copy of m lacking keys.
func Without(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// AsMap returns v as a non-nil map.
func AsMap(v any) (map[string]any, bool) {
	return asMap(v)
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}
