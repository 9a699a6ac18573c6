package orchestration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/fedquery/core"
)

// PlanDocument is the on-disk form of a plan: an optional query plus the
// candidate subqueries. JSON documents parse too, since JSON is valid YAML.
//
//	query: What has cust010 ordered?
//	nodes:
//	  - id: cust_lookup
//	    capability: relational
//	    preferred_source: sql_customers
//	    subquery: {query: "SELECT * FROM customers WHERE id = ?", args: [cust010]}
type PlanDocument struct {
	Query string              `yaml:"query,omitempty" json:"query,omitempty"`
	Nodes []CandidateSubquery `yaml:"nodes" json:"nodes"`
}

// ParsePlanDocument decodes a plan document. A bare list of nodes is also accepted.
func ParsePlanDocument(data []byte) (*PlanDocument, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, core.NewFrameworkError("ParsePlanDocument", "plan", fmt.Errorf("%w: %v", core.ErrInvalidPayload, err))
	}

	doc := &PlanDocument{}
	if len(root.Content) == 0 {
		return doc, nil
	}

	var err error
	if root.Content[0].Kind == yaml.SequenceNode {
		err = root.Content[0].Decode(&doc.Nodes)
	} else {
		err = root.Content[0].Decode(doc)
	}
	if err != nil {
		return nil, core.NewFrameworkError("ParsePlanDocument", "plan", fmt.Errorf("%w: %v", core.ErrInvalidPayload, err))
	}

	for _, n := range doc.Nodes {
		normalizePayload(n.Subquery)
	}
	return doc, nil
}

// LoadPlanDocument reads and decodes a plan document from disk.
func LoadPlanDocument(path string) (*PlanDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.FrameworkError{Op: "LoadPlanDocument", Kind: "plan", ID: path, Err: err}
	}
	return ParsePlanDocument(data)
}

// Marshal encodes the document as YAML.
func (d *PlanDocument) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// normalizePayload converts nested maps into plain map[string]interface{}
// values so payloads look the same however they were decoded. yaml.v3 gives
// nested mappings the outer Payload type; JSON gives plain maps.
func normalizePayload(p Payload) {
	for k, v := range p {
		p[k] = normalizeValue(v)
	}
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, vv := range t {
			m[fmt.Sprint(k)] = normalizeValue(vv)
		}
		return m
	case Payload:
		m := make(map[string]interface{}, len(t))
		for k, vv := range t {
			m[k] = normalizeValue(vv)
		}
		return m
	case map[string]interface{}:
		for k, vv := range t {
			t[k] = normalizeValue(vv)
		}
		return t
	case []interface{}:
		for i, vv := range t {
			t[i] = normalizeValue(vv)
		}
		return t
	default:
		return v
	}
}
