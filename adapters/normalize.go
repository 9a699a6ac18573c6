package adapters

import (
	"github.com/itsneelabh/fedquery/orchestration"
)

// resultKeys are the response keys a source may use for its records, in
// the order they are tried.
var resultKeys = []string{"rows", "docs", "matches", "data"}

// Normalize turns a decoded source response into a Result. The first
// non-empty of rows, docs, matches or data wins; meta is carried over.
// A response with none of them yields no records.
func Normalize(body map[string]interface{}) *orchestration.Result {
	res := &orchestration.Result{Records: []orchestration.Record{}}
	if meta, ok := body["meta"].(map[string]interface{}); ok {
		res.Meta = meta
	}

	for _, key := range resultKeys {
		items, ok := body[key]
		if !ok || items == nil {
			continue
		}
		// Graph sources answer {"data": {"nodes": [...], "edges": [...]}}.
		if m, ok := items.(map[string]interface{}); ok && m["nodes"] != nil {
			items = m["nodes"]
			if edges, ok := m["edges"]; ok {
				if res.Meta == nil {
					res.Meta = map[string]interface{}{}
				}
				res.Meta["edges"] = edges
			}
		}
		records := ToRecords(items)
		if len(records) == 0 {
			continue
		}
		res.Records = records
		return res
	}

	return res
}

// ToRecords converts a decoded list (or a single object) into records.
// Scalars in a list become {"value": v}.
func ToRecords(v interface{}) []orchestration.Record {
	switch t := v.(type) {
	case []interface{}:
		out := make([]orchestration.Record, 0, len(t))
		for _, item := range t {
			out = append(out, ToRecord(item))
		}
		return out
	case []map[string]interface{}:
		out := make([]orchestration.Record, 0, len(t))
		for _, item := range t {
			out = append(out, orchestration.Record(item))
		}
		return out
	case map[string]interface{}:
		return []orchestration.Record{orchestration.Record(t)}
	default:
		return nil
	}
}

// ToRecord converts one decoded item into a record.
func ToRecord(v interface{}) orchestration.Record {
	switch t := v.(type) {
	case map[string]interface{}:
		return orchestration.Record(t)
	case orchestration.Record:
		return t
	default:
		return orchestration.Record{"value": t}
	}
}
