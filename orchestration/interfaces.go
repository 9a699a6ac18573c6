package orchestration

import (
	"context"
	"strings"
	"time"
)

// Capability identifies the class of data source a subquery targets.
type Capability string

const (
	CapabilityRelational Capability = "relational"
	CapabilityDocument   Capability = "document"
	CapabilityGraph      Capability = "graph"
	CapabilityVector     Capability = "vector"
)

// capabilityAliases maps tags produced by upstream planners onto capabilities.
var capabilityAliases = map[string]Capability{
	"relational":     CapabilityRelational,
	"sql":            CapabilityRelational,
	"query.sql":      CapabilityRelational,
	"document":       CapabilityDocument,
	"nosql":          CapabilityDocument,
	"query.document": CapabilityDocument,
	"graph":          CapabilityGraph,
	"query.graph":    CapabilityGraph,
	"vector":         CapabilityVector,
	"query.vector":   CapabilityVector,
}

// ParseCapability resolves a capability tag or one of its aliases.
func ParseCapability(tag string) (Capability, bool) {
	c, ok := capabilityAliases[strings.ToLower(strings.TrimSpace(tag))]
	return c, ok
}

// Valid reports whether c is one of the known capabilities.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityRelational, CapabilityDocument, CapabilityGraph, CapabilityVector:
		return true
	}
	return false
}

// Role is the semantic role of a node's output in the fused answer.
type Role string

const (
	// RoleEntity contributes fields of one logical entity (first record wins per field).
	RoleEntity Role = "entity"
	// RoleCollection contributes an ordered sequence of records.
	RoleCollection Role = "collection"
)

// Payload is the opaque instruction interpreted by a capability's adapter.
type Payload map[string]interface{}

// CandidateSubquery is one entry of the plan input contract, as produced by an
// upstream planner or by the fallback rules.
type CandidateSubquery struct {
	ID              string   `yaml:"id" json:"id"`
	Capability      string   `yaml:"capability" json:"capability"`
	Subquery        Payload  `yaml:"subquery" json:"subquery"`
	PreferredSource string   `yaml:"preferred_source" json:"preferred_source"`
	DependsOn       []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	Role            string   `yaml:"role,omitempty" json:"role,omitempty"`
	OutputKey       string   `yaml:"output_key,omitempty" json:"output_key,omitempty"`
}

// PlanNode is one validated unit of work. Nodes are built once by the
// PlanBuilder and must not be mutated afterwards.
type PlanNode struct {
	ID              string     `json:"id"`
	Capability      Capability `json:"capability"`
	Subquery        Payload    `json:"subquery"`
	PreferredSource string     `json:"preferred_source"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	Description     string     `json:"description,omitempty"`
	Role            Role       `json:"role"`
	OutputKey       string     `json:"output_key"`
}

// Record is one row, document, traversal hit or similarity match.
type Record map[string]interface{}

// Result is what an adapter returns for a successful subquery.
// Records keep the order reported by the source.
type Result struct {
	Records []Record               `json:"records"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// First returns the first record, or nil when the result is empty.
func (r *Result) First() Record {
	if r == nil || len(r.Records) == 0 {
		return nil
	}
	return r.Records[0]
}

// Dependencies holds the results of a node's completed dependencies keyed by node id.
type Dependencies map[string]*Result

// First returns the first record produced by the given dependency.
func (d Dependencies) First(nodeID string) Record {
	if d == nil {
		return nil
	}
	return d[nodeID].First()
}

// Subquery is the adapter-facing view of a plan node.
type Subquery struct {
	NodeID     string
	Capability Capability
	Source     string
	Payload    Payload
}

// Adapter executes subqueries against one kind of live source.
// Implementations must honour ctx cancellation; the executor abandons
// calls whose context has expired.
type Adapter interface {
	Execute(ctx context.Context, q Subquery, deps Dependencies) (*Result, error)
}

// AdapterFunc lets an ordinary function act as an Adapter.
type AdapterFunc func(ctx context.Context, q Subquery, deps Dependencies) (*Result, error)

// Execute calls f(ctx, q, deps).
func (f AdapterFunc) Execute(ctx context.Context, q Subquery, deps Dependencies) (*Result, error) {
	return f(ctx, q, deps)
}

// Planner turns a query into candidate subqueries. Language-model planners
// live outside this package and plug in through this interface.
type Planner interface {
	Plan(ctx context.Context, query string) ([]CandidateSubquery, error)
}

// PlannerFunc lets an ordinary function act as a Planner.
type PlannerFunc func(ctx context.Context, query string) ([]CandidateSubquery, error)

// Plan calls f(ctx, query).
func (f PlannerFunc) Plan(ctx context.Context, query string) ([]CandidateSubquery, error) {
	return f(ctx, query)
}

// TaskStatus is the lifecycle state of an ExecutionTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// ExecutionTask is the runtime record of one plan node.
// Each task is written only by the goroutine that runs its node.
type ExecutionTask struct {
	NodeID       string        `json:"node_id"`
	Capability   Capability    `json:"capability"`
	Source       string        `json:"source"`
	Layer        int           `json:"layer"`
	Status       TaskStatus    `json:"status"`
	Result       *Result       `json:"result,omitempty"`
	Err          error         `json:"-"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error,omitempty"`
	Attempted    bool          `json:"attempted"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Duration     time.Duration `json:"duration"`
}

// Terminal reports whether the task reached SUCCEEDED or FAILED.
func (t *ExecutionTask) Terminal() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed
}

func (t *ExecutionTask) start(now time.Time) {
	t.Status = TaskRunning
	t.Attempted = true
	t.StartedAt = now
}

func (t *ExecutionTask) succeed(res *Result, now time.Time) {
	if res == nil {
		res = &Result{}
	}
	t.Status = TaskSucceeded
	t.Result = res
	t.finish(now)
}

func (t *ExecutionTask) fail(err error, now time.Time) {
	t.Status = TaskFailed
	t.Err = err
	t.ErrorCode = ErrorCode(err)
	t.ErrorMessage = err.Error()
	t.finish(now)
}

func (t *ExecutionTask) finish(now time.Time) {
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	t.FinishedAt = now
	t.Duration = t.FinishedAt.Sub(t.StartedAt)
}

// ExecutionReport is the full set of terminal tasks for one run, in plan order.
type ExecutionReport struct {
	RunID      string           `json:"run_id"`
	PlanID     string           `json:"plan_id"`
	Tasks      []*ExecutionTask `json:"tasks"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Task returns the task for a node id, or nil.
func (r *ExecutionReport) Task(nodeID string) *ExecutionTask {
	for _, t := range r.Tasks {
		if t.NodeID == nodeID {
			return t
		}
	}
	return nil
}

// Failed counts failed tasks.
func (r *ExecutionReport) Failed() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Status == TaskFailed {
			n++
		}
	}
	return n
}

// ExecutionOptions is the per-request execution surface.
type ExecutionOptions struct {
	NodeTimeout    time.Duration `json:"node_timeout"`
	RunDeadline    time.Duration `json:"run_deadline"`
	MaxConcurrency int           `json:"max_concurrency"`
}

// DefaultExecutionOptions returns the defaults used when no configuration is supplied.
func DefaultExecutionOptions() ExecutionOptions {
	return ExecutionOptions{
		NodeTimeout:    10 * time.Second,
		RunDeadline:    30 * time.Second,
		MaxConcurrency: 8,
	}
}

func (o ExecutionOptions) normalized() ExecutionOptions {
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 1
	}
	return o
}

// Provenance records which node and source field contributed a value.
type Provenance struct {
	Source string `json:"source"`
	Field  string `json:"field"`
}

// FusedField is one value of the fused answer with its contributors,
// in merge order.
type FusedField struct {
	Value      interface{}  `json:"value"`
	Provenance []Provenance `json:"provenance"`
}

// FusedEntity maps field names to fused values.
type FusedEntity map[string]*FusedField

// FusedCollection is an ordered sequence of records in source-reported order.
type FusedCollection struct {
	Items      []Record     `json:"items"`
	Provenance []Provenance `json:"provenance"`
}

// RunStatus is the overall outcome shown to callers.
type RunStatus string

const (
	StatusComplete RunStatus = "COMPLETE"
	StatusPartial  RunStatus = "PARTIAL"
	StatusFailed   RunStatus = "FAILED"
)

// NodeSummary is the per-node outcome carried on the fused answer.
type NodeSummary struct {
	NodeID     string     `json:"node_id"`
	Capability Capability `json:"capability"`
	Source     string     `json:"source"`
	Status     TaskStatus `json:"status"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// FusionResult is the final answer for one request.
type FusionResult struct {
	RunID       string                      `json:"run_id,omitempty"`
	PlanID      string                      `json:"plan_id"`
	PlanOrigin  string                      `json:"plan_origin,omitempty"`
	Status      RunStatus                   `json:"status"`
	Entities    map[string]FusedEntity      `json:"entities"`
	Collections map[string]*FusedCollection `json:"collections"`
	Explain     []string                    `json:"explain"`
	Nodes       []NodeSummary               `json:"nodes"`
}
