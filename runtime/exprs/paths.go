package exprs

import (
	"strings"

	"goa.design/weave/runtime/fault"
)

// Get resolves a dotted path ("state.results.count") against nested
// map[string]any values. The boolean reports whether every segment resolved.
func Get(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = root
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Set writes val at a dotted path, creating intermediate maps as needed. A
// non-map intermediate value is an expression fault: mappings never clobber
// scalars silently.
func Set(root map[string]any, path string, val any) error {
	if path == "" {
		return fault.New(fault.KindExpression, "empty target path")
	}
	segments := strings.Split(path, ".")
	current := root
	for i, seg := range segments[:len(segments)-1] {
		next, ok := current[seg]
		if !ok || next == nil {
			child := make(map[string]any)
			current[seg] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fault.Newf(fault.KindExpression,
				"target path %q: segment %q holds %T, want object",
				path, strings.Join(segments[:i+1], "."), next)
		}
		current = child
	}
	current[segments[len(segments)-1]] = val
	return nil
}

// Delete removes the value at a dotted path. Missing segments are a no-op.
func Delete(root map[string]any, path string) {
	if path == "" {
		return
	}
	segments := strings.Split(path, ".")
	current := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, segments[len(segments)-1])
}
