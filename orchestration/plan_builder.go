package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/itsneelabh/fedquery/core"
)

// planNamespace seeds deterministic plan ids.
var planNamespace = uuid.MustParse("6f1c6c1e-3f7b-4d0e-9a55-1d2b4c8e7a10")

// Default fusion roles per capability.
var defaultRoles = map[Capability]struct {
	role Role
	key  string
}{
	CapabilityRelational: {RoleEntity, "customer"},
	CapabilityDocument:   {RoleCollection, "recent_orders"},
	CapabilityGraph:      {RoleCollection, "referrals"},
	CapabilityVector:     {RoleCollection, "similar_customers"},
}

// Plan is a validated, immutable DAG of PlanNodes with precomputed layers.
// Accessors return copies; payload maps are shared and must be treated as
// read-only.
type Plan struct {
	ID      string
	nodes   []PlanNode
	index   map[string]int
	layers  [][]string
	layerOf map[string]int
}

// Len returns the number of nodes.
func (p *Plan) Len() int { return len(p.nodes) }

// Nodes returns the nodes in plan input order.
func (p *Plan) Nodes() []PlanNode {
	out := make([]PlanNode, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// Node looks up a node by id.
func (p *Plan) Node(id string) (PlanNode, bool) {
	i, ok := p.index[id]
	if !ok {
		return PlanNode{}, false
	}
	return p.nodes[i], true
}

// Position returns a node's index in plan input order, or -1.
func (p *Plan) Position(id string) int {
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

// Layers returns the execution levels. Every dependency of a node in layer k
// sits in a layer strictly below k.
func (p *Plan) Layers() [][]string {
	out := make([][]string, len(p.layers))
	for i, l := range p.layers {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// LayerOf returns the layer index of a node, or -1.
func (p *Plan) LayerOf(id string) int {
	if l, ok := p.layerOf[id]; ok {
		return l
	}
	return -1
}

// TopologicalOrder flattens the layers into one valid execution order.
func (p *Plan) TopologicalOrder() []string {
	out := make([]string, 0, len(p.nodes))
	for _, l := range p.layers {
		out = append(out, l...)
	}
	return out
}

// PlanBuilder validates candidate subqueries and builds execution plans.
// It holds no per-plan state and is safe for concurrent use.
type PlanBuilder struct {
	logger core.Logger
}

// NewPlanBuilder creates a plan builder.
func NewPlanBuilder() *PlanBuilder {
	return &PlanBuilder{logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger
func (b *PlanBuilder) SetLogger(logger core.Logger) {
	if logger == nil {
		b.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		b.logger = cal.WithComponent("fedquery/planner")
		return
	}
	b.logger = logger
}

// Build validates the candidates and returns the plan. Any failure is an
// *InvalidPlanError and no partial plan is returned.
func (b *PlanBuilder) Build(candidates []CandidateSubquery) (*Plan, error) {
	if len(candidates) == 0 {
		return nil, &InvalidPlanError{Reason: "plan has no nodes"}
	}

	nodes := make([]PlanNode, 0, len(candidates))
	index := make(map[string]int, len(candidates))

	for _, c := range candidates {
		node, err := b.buildNode(c)
		if err != nil {
			return nil, err
		}
		if _, dup := index[node.ID]; dup {
			return nil, &InvalidPlanError{NodeID: node.ID, Reason: "duplicate node id"}
		}
		index[node.ID] = len(nodes)
		nodes = append(nodes, node)
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return nil, &InvalidPlanError{NodeID: n.ID, Reason: "node depends on itself"}
			}
			if _, ok := index[dep]; !ok {
				return nil, &InvalidPlanError{NodeID: n.ID, Reason: fmt.Sprintf("depends on unknown node %q", dep)}
			}
		}
	}

	layers, layerOf, err := newPlanDAG(nodes).layers()
	if err != nil {
		b.logger.Warn("Rejected cyclic plan", map[string]interface{}{
			"operation": "plan_build",
			"nodes":     len(nodes),
			"error":     err.Error(),
		})
		return nil, err
	}

	plan := &Plan{
		ID:      planID(candidates),
		nodes:   nodes,
		index:   index,
		layers:  layers,
		layerOf: layerOf,
	}

	b.logger.Debug("Plan built", map[string]interface{}{
		"operation": "plan_build",
		"plan_id":   plan.ID,
		"nodes":     len(nodes),
		"layers":    len(layers),
	})
	return plan, nil
}

func (b *PlanBuilder) buildNode(c CandidateSubquery) (PlanNode, error) {
	id := strings.TrimSpace(c.ID)
	if id == "" {
		return PlanNode{}, &InvalidPlanError{Reason: "node id is required"}
	}

	capability, ok := ParseCapability(c.Capability)
	if !ok {
		return PlanNode{}, &InvalidPlanError{NodeID: id, Reason: fmt.Sprintf("unknown capability %q", c.Capability)}
	}

	role, key, err := resolveRole(id, capability, c.Role, c.OutputKey)
	if err != nil {
		return PlanNode{}, err
	}

	return PlanNode{
		ID:              id,
		Capability:      capability,
		Subquery:        clonePayload(c.Subquery),
		PreferredSource: strings.TrimSpace(c.PreferredSource),
		DependsOn:       dedupe(c.DependsOn),
		Description:     c.Description,
		Role:            role,
		OutputKey:       key,
	}, nil
}

func resolveRole(id string, capability Capability, rawRole, rawKey string) (Role, string, error) {
	def := defaultRoles[capability]

	role := def.role
	switch strings.ToLower(strings.TrimSpace(rawRole)) {
	case "":
	case string(RoleEntity):
		role = RoleEntity
	case string(RoleCollection):
		role = RoleCollection
	default:
		return "", "", &InvalidPlanError{NodeID: id, Reason: fmt.Sprintf("unknown role %q", rawRole)}
	}

	if key := strings.TrimSpace(rawKey); key != "" {
		return role, key, nil
	}
	if role == RoleEntity {
		if def.role == RoleEntity {
			return role, def.key, nil
		}
		return role, id, nil
	}
	for _, d := range defaultRoles {
		if d.role == RoleCollection && d.key == id {
			return role, id, nil
		}
	}
	if def.role == RoleCollection {
		return role, def.key, nil
	}
	return role, id, nil
}

// dedupe drops empty and repeated dependency ids, keeping first occurrence order.
func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Payload:
		return clonePayload(t)
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// planID derives a stable id from the candidate set so identical plans share an id.
func planID(candidates []CandidateSubquery) string {
	data, err := json.Marshal(candidates)
	if err != nil {
		return uuid.NewString()
	}
	return uuid.NewSHA1(planNamespace, data).String()
}
