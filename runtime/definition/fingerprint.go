package definition

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Fingerprint computes the hex SHA-256 of the canonical structural JSON of
// content. Canonical means map keys recursively sorted (encoding/json order)
// with generated identity stripped: node and transition ids, resolved
// endpoint ids, and the resolved entry id never affect the hash, so identical
// authored content fingerprints identically across puts. Resolved target pins
// do participate: repinning a ref to a new version is a content change.
func Fingerprint(kind Kind, content map[string]any) (string, error) {
	view := deepCopy(content).(map[string]any)
	if kind == KindWorkflow {
		canonicalizeWorkflow(view)
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("canonicalize content: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalizeWorkflow strips generated ids and normalizes ordering: nodes
// sort by ref, transitions by (fromNodeRef, toNodeRef, priority).
func canonicalizeWorkflow(view map[string]any) {
	delete(view, "initialNodeId")
	if nodes, ok := view["nodes"].([]any); ok {
		for _, n := range nodes {
			if m, ok := n.(map[string]any); ok {
				delete(m, "id")
			}
		}
		sort.SliceStable(nodes, func(i, j int) bool {
			return str(nodes[i], "ref") < str(nodes[j], "ref")
		})
	}
	if transitions, ok := view["transitions"].([]any); ok {
		for _, t := range transitions {
			if m, ok := t.(map[string]any); ok {
				delete(m, "id")
				delete(m, "fromNodeId")
				delete(m, "toNodeId")
			}
		}
		sort.SliceStable(transitions, func(i, j int) bool {
			a, b := transitions[i], transitions[j]
			if fa, fb := str(a, "fromNodeRef"), str(b, "fromNodeRef"); fa != fb {
				return fa < fb
			}
			if ta, tb := str(a, "toNodeRef"), str(b, "toNodeRef"); ta != tb {
				return ta < tb
			}
			return num(a, "priority") < num(b, "priority")
		})
	}
}

func str(v any, key string) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func num(v any, key string) float64 {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	switch n := m[key].(type) {
	case json.Number:
		f, _ := n.Float64()
		return f
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// deepCopy clones JSON-shaped values so canonicalization never mutates the
// caller's content.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
