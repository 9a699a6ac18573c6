package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/itsneelabh/fedquery/core"
)

// TaskExecutor runs a Plan layer by layer. Nodes within a layer are submitted
// to a bounded worker pool; the next layer starts only after every node of
// the current one is terminal.
//
// Execute never fails because a node failed. Node failures, timeouts,
// skips and deadline expiry are all recorded on the node's ExecutionTask.
type TaskExecutor struct {
	registry  *AdapterRegistry
	logger    core.Logger
	telemetry core.Telemetry
	now       func() time.Time
}

// NewTaskExecutor creates an executor that resolves adapters from registry.
func NewTaskExecutor(registry *AdapterRegistry) *TaskExecutor {
	return &TaskExecutor{
		registry:  registry,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		now:       time.Now,
	}
}

// SetLogger sets the logger
func (e *TaskExecutor) SetLogger(logger core.Logger) {
	if logger == nil {
		e.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		e.logger = cal.WithComponent("fedquery/executor")
		return
	}
	e.logger = logger
}

// SetTelemetry sets the telemetry provider
func (e *TaskExecutor) SetTelemetry(telemetry core.Telemetry) {
	if telemetry == nil {
		e.telemetry = &core.NoOpTelemetry{}
		return
	}
	e.telemetry = telemetry
}

// Execute runs every node of the plan and returns one terminal task per node,
// in plan order. The only error returned is for a nil or empty plan, or a
// worker pool that cannot be created.
func (e *TaskExecutor) Execute(ctx context.Context, plan *Plan, opts ExecutionOptions) (*ExecutionReport, error) {
	if plan == nil || plan.Len() == 0 {
		return nil, &InvalidPlanError{Reason: "plan has no nodes"}
	}
	opts = opts.normalized()

	report := &ExecutionReport{
		RunID:     uuid.NewString(),
		PlanID:    plan.ID,
		Tasks:     make([]*ExecutionTask, plan.Len()),
		StartedAt: e.now(),
	}
	tasks := make(map[string]*ExecutionTask, plan.Len())
	for i, node := range plan.nodes {
		task := &ExecutionTask{
			NodeID:     node.ID,
			Capability: node.Capability,
			Source:     node.PreferredSource,
			Layer:      plan.LayerOf(node.ID),
			Status:     TaskPending,
		}
		report.Tasks[i] = task
		tasks[node.ID] = task
	}

	ctx, span := e.telemetry.StartSpan(ctx, SpanRun)
	defer span.End()
	span.SetAttribute("run_id", report.RunID)
	span.SetAttribute("plan_id", plan.ID)
	span.SetAttribute("nodes", plan.Len())
	span.SetAttribute("layers", len(plan.layers))

	var runCtx context.Context
	var cancel context.CancelFunc
	if opts.RunDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.RunDeadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	pool, err := ants.NewPool(opts.MaxConcurrency, ants.WithPanicHandler(func(r interface{}) {
		e.logger.Error("Worker panic outside adapter call", map[string]interface{}{
			"operation": "node_execution",
			"run_id":    report.RunID,
			"panic":     fmt.Sprint(r),
		})
	}))
	if err != nil {
		span.RecordError(err)
		return nil, &core.FrameworkError{Op: "TaskExecutor.Execute", Kind: "executor", ID: plan.ID, Err: err}
	}
	defer pool.Release()

	e.logger.Info("Starting plan execution", map[string]interface{}{
		"operation":       "execute_plan",
		"run_id":          report.RunID,
		"plan_id":         plan.ID,
		"node_count":      plan.Len(),
		"layer_count":     len(plan.layers),
		"max_concurrency": opts.MaxConcurrency,
		"node_timeout_ms": opts.NodeTimeout.Milliseconds(),
		"run_deadline_ms": opts.RunDeadline.Milliseconds(),
	})

	for level, layer := range plan.layers {
		if runCtx.Err() != nil {
			break
		}

		var wg sync.WaitGroup
		for _, id := range layer {
			node := plan.nodes[plan.index[id]]
			task := tasks[id]

			if failed := failedDependency(node, tasks); failed != "" {
				task.fail(&SkippedDependencyError{NodeID: node.ID, Dependency: failed}, e.now())
				e.recordNode(node, task)
				e.logger.Warn("Skipping node after dependency failure", map[string]interface{}{
					"operation":  "node_skipped",
					"run_id":     report.RunID,
					"node_id":    node.ID,
					"dependency": failed,
				})
				continue
			}

			deps := dependencyResults(node, tasks)
			wg.Add(1)
			submitErr := pool.Submit(func() {
				defer wg.Done()
				e.runNode(runCtx, report.RunID, node, task, deps, opts)
			})
			if submitErr != nil {
				wg.Done()
				task.fail(&AdapterError{NodeID: node.ID, Capability: node.Capability, Source: node.PreferredSource, Err: submitErr}, e.now())
				e.recordNode(node, task)
			}
		}
		wg.Wait()

		e.logger.Debug("Execution layer completed", map[string]interface{}{
			"operation":   "layer_complete",
			"run_id":      report.RunID,
			"plan_id":     plan.ID,
			"layer":       level,
			"layer_nodes": len(layer),
		})
	}

	// Anything not terminal here was never dispatched before the deadline.
	for _, node := range plan.nodes {
		task := tasks[node.ID]
		if task.Terminal() {
			continue
		}
		if runErr := runCtx.Err(); runErr != nil {
			task.fail(e.deadlineError(node, opts, runErr), e.now())
		} else {
			task.fail(&AdapterError{NodeID: node.ID, Capability: node.Capability, Source: node.PreferredSource, Err: errors.New("node did not complete")}, e.now())
		}
		e.recordNode(node, task)
	}

	report.FinishedAt = e.now()
	failed := report.Failed()
	status := "success"
	switch {
	case failed == len(report.Tasks):
		status = "failed"
	case failed > 0:
		status = "partial"
	}
	span.SetAttribute("status", status)
	span.SetAttribute("failed_nodes", failed)
	e.telemetry.RecordMetric(MetricRunsTotal, 1, map[string]string{"status": status})
	e.telemetry.RecordMetric(MetricRunDuration, float64(report.FinishedAt.Sub(report.StartedAt).Milliseconds()), map[string]string{"status": status})

	e.logger.Info("Plan execution finished", map[string]interface{}{
		"operation":    "execute_plan_complete",
		"run_id":       report.RunID,
		"plan_id":      plan.ID,
		"status":       status,
		"failed_nodes": failed,
		"total_nodes":  len(report.Tasks),
		"duration_ms":  report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	})

	return report, nil
}

type adapterOutcome struct {
	result *Result
	err    error
}

// runNode executes one node and moves its task to a terminal state.
func (e *TaskExecutor) runNode(runCtx context.Context, runID string, node PlanNode, task *ExecutionTask, deps Dependencies, opts ExecutionOptions) {
	if runErr := runCtx.Err(); runErr != nil {
		task.fail(e.deadlineError(node, opts, runErr), e.now())
		e.recordNode(node, task)
		return
	}

	task.start(e.now())

	spanCtx, span := e.telemetry.StartSpan(runCtx, SpanNode)
	defer span.End()
	span.SetAttribute("node_id", node.ID)
	span.SetAttribute("capability", string(node.Capability))
	span.SetAttribute("source", node.PreferredSource)

	nodeCtx := spanCtx
	cancel := func() {}
	if opts.NodeTimeout > 0 {
		nodeCtx, cancel = context.WithTimeout(spanCtx, opts.NodeTimeout)
	}
	defer cancel()

	adapter, err := e.registry.Lookup(node.Capability)
	if err != nil {
		task.fail(&AdapterError{NodeID: node.ID, Capability: node.Capability, Source: node.PreferredSource, Err: err}, e.now())
		e.finishNode(span, runID, node, task)
		return
	}

	subquery := Subquery{
		NodeID:     node.ID,
		Capability: node.Capability,
		Source:     node.PreferredSource,
		Payload:    node.Subquery,
	}

	// The adapter runs on its own goroutine so an adapter that ignores ctx
	// cannot hold the node past its timeout.
	done := make(chan adapterOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Adapter panic recovered", map[string]interface{}{
					"operation": "node_execution",
					"run_id":    runID,
					"node_id":   node.ID,
					"panic":     fmt.Sprint(r),
					"stack":     string(debug.Stack()),
				})
				done <- adapterOutcome{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		res, err := adapter.Execute(nodeCtx, subquery, deps)
		done <- adapterOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			task.fail(e.classify(runCtx, nodeCtx, node, opts, out.err), e.now())
		} else {
			task.succeed(out.result, e.now())
		}
	case <-nodeCtx.Done():
		task.fail(e.classify(runCtx, nodeCtx, node, opts, nodeCtx.Err()), e.now())
	}

	e.finishNode(span, runID, node, task)
}

// classify maps an adapter outcome onto the error taxonomy. Run expiry wins
// over node timeout, which wins over whatever the adapter reported.
func (e *TaskExecutor) classify(runCtx, nodeCtx context.Context, node PlanNode, opts ExecutionOptions, err error) error {
	if runErr := runCtx.Err(); runErr != nil {
		return e.deadlineError(node, opts, runErr)
	}
	if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, core.ErrTimeout) {
		return &TimeoutError{NodeID: node.ID, Source: node.PreferredSource, Timeout: opts.NodeTimeout, Err: err}
	}
	return &AdapterError{NodeID: node.ID, Capability: node.Capability, Source: node.PreferredSource, Err: err}
}

// deadlineError distinguishes caller cancellation from run deadline expiry.
func (e *TaskExecutor) deadlineError(node PlanNode, opts ExecutionOptions, runErr error) error {
	cause := runErr
	if errors.Is(runErr, context.Canceled) {
		cause = errors.Join(errCallerCanceled, runErr)
	}
	return &DeadlineExceededError{NodeID: node.ID, Deadline: opts.RunDeadline, Err: cause}
}

func (e *TaskExecutor) finishNode(span core.Span, runID string, node PlanNode, task *ExecutionTask) {
	span.SetAttribute("status", string(task.Status))
	if task.Err != nil {
		span.SetAttribute("error_code", task.ErrorCode)
		span.RecordError(task.Err)
	}
	e.recordNode(node, task)

	fields := map[string]interface{}{
		"operation":   "node_complete",
		"run_id":      runID,
		"node_id":     node.ID,
		"capability":  string(node.Capability),
		"source":      node.PreferredSource,
		"status":      string(task.Status),
		"duration_ms": task.Duration.Milliseconds(),
	}
	if task.Status == TaskFailed {
		fields["error_code"] = task.ErrorCode
		fields["error"] = task.ErrorMessage
		e.logger.Warn("Node failed", fields)
		return
	}
	if task.Result != nil {
		fields["records"] = len(task.Result.Records)
	}
	e.logger.Debug("Node succeeded", fields)
}

func (e *TaskExecutor) recordNode(node PlanNode, task *ExecutionTask) {
	labels := map[string]string{
		"capability": string(node.Capability),
		"status":     string(task.Status),
	}
	e.telemetry.RecordMetric(MetricNodesTotal, 1, labels)
	if task.Attempted {
		e.telemetry.RecordMetric(MetricNodeDuration, float64(task.Duration.Milliseconds()), labels)
	}
}

// failedDependency returns the first failed dependency of node, if any.
func failedDependency(node PlanNode, tasks map[string]*ExecutionTask) string {
	for _, dep := range node.DependsOn {
		if t := tasks[dep]; t != nil && t.Status == TaskFailed {
			return dep
		}
	}
	return ""
}

// dependencyResults collects the results of a node's succeeded dependencies.
func dependencyResults(node PlanNode, tasks map[string]*ExecutionTask) Dependencies {
	deps := make(Dependencies, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		if t := tasks[dep]; t != nil && t.Status == TaskSucceeded {
			deps[dep] = t.Result
		}
	}
	return deps
}
