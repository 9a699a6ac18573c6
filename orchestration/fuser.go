package orchestration

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/itsneelabh/fedquery/core"
)

// FusionOptions controls merge ordering.
type FusionOptions struct {
	// SourcePriority lists source names, highest priority first. Nodes whose
	// preferred source is listed merge before unlisted ones and therefore win
	// field conflicts. Empty keeps layer order, then plan order.
	SourcePriority []string
}

// ResultFuser merges terminal tasks into one FusionResult. It holds no
// per-run state; Fuse is deterministic and side-effect free apart from
// metrics.
type ResultFuser struct {
	options   FusionOptions
	telemetry core.Telemetry
}

// NewResultFuser creates a fuser.
func NewResultFuser(opts FusionOptions) *ResultFuser {
	return &ResultFuser{options: opts, telemetry: &core.NoOpTelemetry{}}
}

// SetTelemetry sets the telemetry provider
func (f *ResultFuser) SetTelemetry(telemetry core.Telemetry) {
	if telemetry == nil {
		f.telemetry = &core.NoOpTelemetry{}
		return
	}
	f.telemetry = telemetry
}

type mergeItem struct {
	node PlanNode
	task *ExecutionTask
}

// Fuse merges the report's tasks according to the plan's node roles.
//
// Entity nodes contribute the fields of their first record. The first value
// written for a field wins; every later contributor is still appended to the
// field's provenance. Collection nodes append their records in source order.
// Failed nodes contribute nothing except one explain entry.
func (f *ResultFuser) Fuse(plan *Plan, report *ExecutionReport) *FusionResult {
	result := &FusionResult{
		PlanID:      plan.ID,
		Entities:    make(map[string]FusedEntity),
		Collections: make(map[string]*FusedCollection),
		Explain:     []string{},
		Nodes:       make([]NodeSummary, 0, plan.Len()),
	}
	if report != nil {
		result.RunID = report.RunID
	}

	// Every declared collection is present, even when its node failed.
	for _, node := range plan.nodes {
		if node.Role == RoleCollection {
			if _, ok := result.Collections[node.OutputKey]; !ok {
				result.Collections[node.OutputKey] = &FusedCollection{Items: []Record{}, Provenance: []Provenance{}}
			}
		}
	}

	items := f.mergeOrder(plan, report)
	succeeded := 0
	for _, it := range items {
		result.Nodes = append(result.Nodes, summarize(it.node, it.task))
		if it.task.Status != TaskSucceeded {
			result.Explain = append(result.Explain, explainFailure(it.node, it.task))
			continue
		}
		succeeded++
		switch it.node.Role {
		case RoleCollection:
			result.Explain = append(result.Explain, f.mergeCollection(result, it.node, it.task.Result))
		default:
			result.Explain = append(result.Explain, f.mergeEntity(result, it.node, it.task.Result)...)
		}
	}

	switch {
	case succeeded == len(items):
		result.Status = StatusComplete
	case succeeded == 0:
		result.Status = StatusFailed
	default:
		result.Status = StatusPartial
	}
	return result
}

// mergeOrder sorts nodes by source priority, then layer, then plan position.
func (f *ResultFuser) mergeOrder(plan *Plan, report *ExecutionReport) []mergeItem {
	priority := make(map[string]int, len(f.options.SourcePriority))
	for i, s := range f.options.SourcePriority {
		if _, seen := priority[s]; !seen {
			priority[s] = i
		}
	}
	rank := func(source string) int {
		if p, ok := priority[source]; ok {
			return p
		}
		return len(priority)
	}

	items := make([]mergeItem, 0, plan.Len())
	for _, node := range plan.nodes {
		var task *ExecutionTask
		if report != nil {
			task = report.Task(node.ID)
		}
		if task == nil {
			task = &ExecutionTask{NodeID: node.ID, Capability: node.Capability, Source: node.PreferredSource, Status: TaskPending}
		}
		items = append(items, mergeItem{node: node, task: task})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if ra, rb := rank(a.node.PreferredSource), rank(b.node.PreferredSource); ra != rb {
			return ra < rb
		}
		if la, lb := plan.LayerOf(a.node.ID), plan.LayerOf(b.node.ID); la != lb {
			return la < lb
		}
		return plan.Position(a.node.ID) < plan.Position(b.node.ID)
	})
	return items
}

func (f *ResultFuser) mergeEntity(result *FusionResult, node PlanNode, res *Result) []string {
	record := res.First()
	if len(record) == 0 {
		return []string{fmt.Sprintf("%s: %s returned no record from %s", node.OutputKey, node.ID, sourceName(node))}
	}

	entity, ok := result.Entities[node.OutputKey]
	if !ok {
		entity = make(FusedEntity)
	}

	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var written, conflicts []string
	for _, field := range keys {
		value := record[field]
		if value == nil {
			continue
		}
		prov := Provenance{Source: node.ID, Field: field}
		existing, ok := entity[field]
		if !ok {
			entity[field] = &FusedField{Value: value, Provenance: []Provenance{prov}}
			written = append(written, field)
			continue
		}
		existing.Provenance = append(existing.Provenance, prov)
		if !reflect.DeepEqual(existing.Value, value) {
			conflicts = append(conflicts, field)
		}
	}

	if len(entity) > 0 {
		result.Entities[node.OutputKey] = entity
	}
	f.telemetry.RecordMetric(MetricFusedFields, float64(len(written)), map[string]string{"entity": node.OutputKey})

	explain := []string{fmt.Sprintf("%s: %d field(s) from %s via %s (%s)",
		node.OutputKey, len(written), node.ID, sourceName(node), node.Capability)}
	if len(conflicts) > 0 {
		f.telemetry.RecordMetric(MetricConflicts, float64(len(conflicts)), map[string]string{"entity": node.OutputKey})
		for _, field := range conflicts {
			kept := entity[field].Provenance[0].Source
			explain = append(explain, fmt.Sprintf("%s.%s: value from %s disagrees with %s, kept %s",
				node.OutputKey, field, node.ID, kept, kept))
		}
	}
	return explain
}

func (f *ResultFuser) mergeCollection(result *FusionResult, node PlanNode, res *Result) string {
	coll := result.Collections[node.OutputKey]
	for _, r := range res.Records {
		item := make(Record, len(r))
		for k, v := range r {
			item[k] = v
		}
		coll.Items = append(coll.Items, item)
	}
	coll.Provenance = append(coll.Provenance, Provenance{Source: node.ID, Field: node.OutputKey})
	return fmt.Sprintf("%s: %d record(s) from %s via %s (%s)",
		node.OutputKey, len(res.Records), node.ID, sourceName(node), node.Capability)
}

func explainFailure(node PlanNode, task *ExecutionTask) string {
	reason := task.ErrorMessage
	if reason == "" {
		reason = "no result"
	}
	code := task.ErrorCode
	if code == "" {
		code = string(task.Status)
	}
	return fmt.Sprintf("%s: %s via %s (%s) failed [%s]: %s",
		node.OutputKey, node.ID, sourceName(node), node.Capability, code, reason)
}

func summarize(node PlanNode, task *ExecutionTask) NodeSummary {
	return NodeSummary{
		NodeID:     node.ID,
		Capability: node.Capability,
		Source:     node.PreferredSource,
		Status:     task.Status,
		ErrorCode:  task.ErrorCode,
		Error:      task.ErrorMessage,
	}
}

func sourceName(node PlanNode) string {
	if node.PreferredSource == "" {
		return "default source"
	}
	return node.PreferredSource
}

// Summary renders the result as plain text, one section per entity and
// collection, followed by the explain trail.
func (r *FusionResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", r.Status)

	for _, name := range sortedKeys(r.Entities) {
		entity := r.Entities[name]
		fmt.Fprintf(&b, "%s:\n", name)
		for _, field := range sortedKeys(entity) {
			ff := entity[field]
			sources := make([]string, len(ff.Provenance))
			for i, p := range ff.Provenance {
				sources[i] = p.Source
			}
			fmt.Fprintf(&b, "  %s: %v [%s]\n", field, ff.Value, strings.Join(sources, ", "))
		}
	}

	for _, name := range sortedKeys(r.Collections) {
		coll := r.Collections[name]
		fmt.Fprintf(&b, "%s: %d item(s)\n", name, len(coll.Items))
		for _, item := range coll.Items {
			fmt.Fprintf(&b, "  - %s\n", formatRecord(item))
		}
	}

	if len(r.Explain) > 0 {
		b.WriteString("Explain:\n")
		for _, e := range r.Explain {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	return b.String()
}

func formatRecord(r Record) string {
	keys := sortedKeys(r)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, r[k]))
	}
	return strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
