package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/itsneelabh/fedquery/core"
)

// Plan origins reported on FusionResult.PlanOrigin.
const (
	OriginPlanner  = "planner"
	OriginFallback = "fallback"
	OriginSupplied = "supplied"
)

// Federator runs the full pipeline for one request:
// plan acquisition, plan building, execution and fusion.
// It holds no per-request state and is safe for concurrent use.
type Federator struct {
	builder   *PlanBuilder
	executor  *TaskExecutor
	fuser     *ResultFuser
	planner   Planner
	fallback  *RuleSet
	options   ExecutionOptions
	logger    core.Logger
	telemetry core.Telemetry
}

// FederatorOption configures a Federator.
type FederatorOption func(*Federator)

// WithPlanner sets the upstream planner used by Query.
func WithPlanner(p Planner) FederatorOption {
	return func(f *Federator) { f.planner = p }
}

// WithFallback sets the rule set used when no planner is set or the planner
// fails. Nil disables the fallback.
func WithFallback(rules *RuleSet) FederatorOption {
	return func(f *Federator) { f.fallback = rules }
}

// WithExecutionOptions sets the default per-request execution options.
func WithExecutionOptions(opts ExecutionOptions) FederatorOption {
	return func(f *Federator) { f.options = opts }
}

// WithFusionOptions sets the merge ordering.
func WithFusionOptions(opts FusionOptions) FederatorOption {
	return func(f *Federator) { f.fuser = NewResultFuser(opts) }
}

// WithLogger sets the logger on every stage.
func WithLogger(logger core.Logger) FederatorOption {
	return func(f *Federator) { f.logger = logger }
}

// WithTelemetry sets the telemetry provider on every stage.
func WithTelemetry(telemetry core.Telemetry) FederatorOption {
	return func(f *Federator) { f.telemetry = telemetry }
}

// NewFederator creates a federator over the given adapters. By default it
// plans with DefaultRuleSet.
func NewFederator(registry *AdapterRegistry, opts ...FederatorOption) *Federator {
	f := &Federator{
		builder:   NewPlanBuilder(),
		executor:  NewTaskExecutor(registry),
		fuser:     NewResultFuser(FusionOptions{}),
		fallback:  DefaultRuleSet(),
		options:   DefaultExecutionOptions(),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(f)
	}

	f.builder.SetLogger(f.logger)
	f.executor.SetLogger(f.logger)
	f.executor.SetTelemetry(f.telemetry)
	f.fuser.SetTelemetry(f.telemetry)
	if cal, ok := f.logger.(core.ComponentAwareLogger); ok {
		f.logger = cal.WithComponent("fedquery/federator")
	}
	return f
}

// NewFederatorFromConfig builds a federator whose execution, fusion and
// fallback settings come from cfg.
func NewFederatorFromConfig(cfg *core.Config, registry *AdapterRegistry, opts ...FederatorOption) *Federator {
	base := []FederatorOption{
		WithExecutionOptions(ExecutionOptionsFromConfig(cfg.Federation)),
		WithFusionOptions(FusionOptions{SourcePriority: cfg.Fusion.SourcePriority}),
	}
	if !cfg.Planner.FallbackEnabled {
		base = append(base, WithFallback(nil))
	}
	return NewFederator(registry, append(base, opts...)...)
}

// ExecutionOptionsFromConfig copies the execution surface out of the configuration.
func ExecutionOptionsFromConfig(cfg core.FederationConfig) ExecutionOptions {
	return ExecutionOptions{
		NodeTimeout:    cfg.NodeTimeout,
		RunDeadline:    cfg.RunDeadline,
		MaxConcurrency: cfg.MaxConcurrency,
	}
}

// Options returns the default execution options.
func (f *Federator) Options() ExecutionOptions { return f.options }

// Candidates obtains candidate subqueries for a query, from the planner when
// one is set, otherwise (or when it fails) from the fallback rules.
func (f *Federator) Candidates(ctx context.Context, query string) ([]CandidateSubquery, string, error) {
	var plannerErr error
	if f.planner != nil {
		candidates, err := f.planner.Plan(ctx, query)
		if err == nil && len(candidates) > 0 {
			return candidates, OriginPlanner, nil
		}
		plannerErr = err
		if plannerErr == nil {
			plannerErr = fmt.Errorf("planner returned no nodes")
		}
		f.logger.Warn("Planner failed, using fallback rules", map[string]interface{}{
			"operation": "plan_generation",
			"error":     plannerErr.Error(),
			"fallback":  f.fallback != nil,
		})
	}

	if f.fallback == nil {
		if plannerErr == nil {
			plannerErr = fmt.Errorf("no planner configured")
		}
		return nil, "", &InvalidPlanError{Reason: "no plan available", Err: plannerErr}
	}

	candidates, err := f.fallback.Candidates(query)
	if err != nil {
		return nil, "", err
	}
	return candidates, OriginFallback, nil
}

// BuildPlan plans a query and validates the result.
func (f *Federator) BuildPlan(ctx context.Context, query string) (*Plan, string, error) {
	candidates, origin, err := f.Candidates(ctx, query)
	if err != nil {
		f.telemetry.RecordMetric(MetricPlansTotal, 1, map[string]string{"origin": "none", "status": "invalid"})
		return nil, "", err
	}
	plan, err := f.builder.Build(candidates)
	if err != nil {
		f.telemetry.RecordMetric(MetricPlansTotal, 1, map[string]string{"origin": origin, "status": "invalid"})
		return nil, origin, err
	}
	f.telemetry.RecordMetric(MetricPlansTotal, 1, map[string]string{"origin": origin, "status": "valid"})
	return plan, origin, nil
}

// Query answers a natural-language query end to end.
func (f *Federator) Query(ctx context.Context, query string) (*FusionResult, error) {
	startTime := time.Now()
	f.logger.Info("Starting federated query", map[string]interface{}{
		"operation":    "federated_query",
		"query_length": len(query),
	})

	plan, origin, err := f.BuildPlan(ctx, query)
	if err != nil {
		f.logger.Error("Plan generation failed", map[string]interface{}{
			"operation":   "plan_generation",
			"error":       err.Error(),
			"duration_ms": time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}
	return f.execute(ctx, plan, origin, f.options)
}

// Run executes caller-supplied candidates with the default options.
func (f *Federator) Run(ctx context.Context, candidates []CandidateSubquery) (*FusionResult, error) {
	return f.RunWithOptions(ctx, candidates, f.options)
}

// RunWithOptions executes caller-supplied candidates with per-request options.
func (f *Federator) RunWithOptions(ctx context.Context, candidates []CandidateSubquery, opts ExecutionOptions) (*FusionResult, error) {
	plan, err := f.builder.Build(candidates)
	if err != nil {
		f.telemetry.RecordMetric(MetricPlansTotal, 1, map[string]string{"origin": OriginSupplied, "status": "invalid"})
		return nil, err
	}
	f.telemetry.RecordMetric(MetricPlansTotal, 1, map[string]string{"origin": OriginSupplied, "status": "valid"})
	return f.execute(ctx, plan, OriginSupplied, opts)
}

// RunPlan executes an already built plan.
func (f *Federator) RunPlan(ctx context.Context, plan *Plan, opts ExecutionOptions) (*FusionResult, *ExecutionReport, error) {
	report, err := f.executor.Execute(ctx, plan, opts)
	if err != nil {
		return nil, nil, err
	}
	return f.fuser.Fuse(plan, report), report, nil
}

func (f *Federator) execute(ctx context.Context, plan *Plan, origin string, opts ExecutionOptions) (*FusionResult, error) {
	result, report, err := f.RunPlan(ctx, plan, opts)
	if err != nil {
		return nil, err
	}
	result.PlanOrigin = origin

	f.logger.Info("Federated query finished", map[string]interface{}{
		"operation":    "federated_query_complete",
		"run_id":       report.RunID,
		"plan_id":      plan.ID,
		"plan_origin":  origin,
		"status":       string(result.Status),
		"failed_nodes": report.Failed(),
		"duration_ms":  report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	})
	return result, nil
}
