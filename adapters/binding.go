// Package adapters holds the helpers shared by the capability adapters:
// dependency reference binding, payload accessors and result normalization.
package adapters

import (
	"sort"
	"strings"

	"github.com/itsneelabh/fedquery/orchestration"
)

// Ref is a parsed "${node_id.field}" dependency reference.
type Ref struct {
	NodeID string
	Field  string
}

// ParseRef recognizes a string of the exact form ${node_id.field}.
// Field may itself contain dots; only the first one splits.
func ParseRef(s string) (Ref, bool) {
	if len(s) <= 3 || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return Ref{}, false
	}
	inner := s[2 : len(s)-1]
	node, field, ok := strings.Cut(inner, ".")
	if !ok || node == "" || field == "" {
		return Ref{}, false
	}
	return Ref{NodeID: node, Field: field}, true
}

// Resolve looks the reference up in the first record of the named dependency.
// A missing dependency, empty result or absent field resolves to nil.
func (r Ref) Resolve(deps orchestration.Dependencies) interface{} {
	return deps.First(r.NodeID)[r.Field]
}

// Bind returns a deep copy of payload with every reference string replaced
// by the referenced value. Values keep their type, so an embedding bound
// from a dependency stays a vector rather than becoming text.
func Bind(payload orchestration.Payload, deps orchestration.Dependencies) orchestration.Payload {
	out := make(orchestration.Payload, len(payload))
	for k, v := range payload {
		out[k] = bindValue(v, deps)
	}
	return out
}

func bindValue(v interface{}, deps orchestration.Dependencies) interface{} {
	switch t := v.(type) {
	case string:
		if ref, ok := ParseRef(t); ok {
			return ref.Resolve(deps)
		}
		return t
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, vv := range t {
			m[k] = bindValue(vv, deps)
		}
		return m
	case orchestration.Payload:
		return map[string]interface{}(Bind(t, deps))
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, vv := range t {
			s[i] = bindValue(vv, deps)
		}
		return s
	default:
		return v
	}
}

// DependencyKey returns the first non-nil value among fields in the first
// record of any dependency, visiting dependencies in node id order. Document
// and graph adapters use it to find the customer when the payload names none.
func DependencyKey(deps orchestration.Dependencies, fields ...string) (interface{}, bool) {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		first := deps.First(id)
		for _, f := range fields {
			if v, ok := first[f]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}
