package orchestration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/fedquery/core"
)

func testOptions() ExecutionOptions {
	return ExecutionOptions{NodeTimeout: time.Second, RunDeadline: 5 * time.Second, MaxConcurrency: 4}
}

func assertAllTerminal(t *testing.T, report *ExecutionReport) {
	t.Helper()
	for _, task := range report.Tasks {
		assert.True(t, task.Terminal(), "task %s left in %s", task.NodeID, task.Status)
		if task.Status == TaskFailed {
			assert.Error(t, task.Err)
			assert.NotEmpty(t, task.ErrorCode)
		}
	}
}

func TestTaskExecutor_PassesDependencyResults(t *testing.T) {
	stub := newStubAdapter().
		returns("cust_lookup", Record{"id": "cust1", "name": "Alice Kumar"}).
		returns("orders", Record{"order_id": "o1"}, Record{"order_id": "o2"})

	plan := mustBuild(customerOrdersPlan())
	report, err := NewTaskExecutor(registryWith(stub)).Execute(context.Background(), plan, testOptions())
	require.NoError(t, err)
	assertAllTerminal(t, report)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, plan.ID, report.PlanID)
	require.Len(t, report.Tasks, 2)
	assert.Equal(t, "cust_lookup", report.Tasks[0].NodeID, "tasks are reported in plan order")
	assert.Equal(t, TaskSucceeded, report.Task("orders").Status)
	assert.Len(t, report.Task("orders").Result.Records, 2)

	deps := stub.depsFor("orders")
	require.Contains(t, deps, "cust_lookup")
	assert.Equal(t, "cust1", deps.First("cust_lookup")["id"])
	assert.Empty(t, stub.depsFor("cust_lookup"))
}

func TestTaskExecutor_SkipsDependentsOfFailedNode(t *testing.T) {
	stub := newStubAdapter().
		fails("a", errSourceDown).
		returns("c", Record{"ok": true})

	plan := mustBuild([]CandidateSubquery{
		candidate("a", "relational"),
		candidate("b", "document", "a"),
		candidate("c", "graph"),
		candidate("d", "vector", "b"),
	})

	report, err := NewTaskExecutor(registryWith(stub)).Execute(context.Background(), plan, testOptions())
	require.NoError(t, err)
	assertAllTerminal(t, report)

	a := report.Task("a")
	assert.Equal(t, CodeAdapterError, a.ErrorCode)
	assert.True(t, errors.Is(a.Err, errSourceDown))
	var adapterErr *AdapterError
	require.True(t, errors.As(a.Err, &adapterErr))
	assert.Equal(t, "a_src", adapterErr.Source)

	b := report.Task("b")
	assert.Equal(t, CodeSkippedDependency, b.ErrorCode)
	var skipped *SkippedDependencyError
	require.True(t, errors.As(b.Err, &skipped))
	assert.Equal(t, "a", skipped.Dependency)
	assert.False(t, b.Attempted)

	// Skips propagate transitively.
	assert.Equal(t, CodeSkippedDependency, report.Task("d").ErrorCode)

	assert.Equal(t, 0, stub.callCount("b"), "skipped adapters are never invoked")
	assert.Equal(t, 0, stub.callCount("d"))

	// Unrelated nodes are unaffected.
	assert.Equal(t, TaskSucceeded, report.Task("c").Status)
	assert.Equal(t, 1, stub.callCount("c"))
	assert.Equal(t, 3, report.Failed())
}

func TestTaskExecutor_NodeTimeout(t *testing.T) {
	stub := newStubAdapter().
		returns("cust_lookup", Record{"id": "cust1"}).
		blocks("orders")

	opts := ExecutionOptions{NodeTimeout: 50 * time.Millisecond, RunDeadline: 5 * time.Second, MaxConcurrency: 2}
	report, err := NewTaskExecutor(registryWith(stub)).Execute(context.Background(), mustBuild(customerOrdersPlan()), opts)
	require.NoError(t, err)
	assertAllTerminal(t, report)

	assert.Equal(t, TaskSucceeded, report.Task("cust_lookup").Status)

	orders := report.Task("orders")
	assert.Equal(t, CodeNodeTimeout, orders.ErrorCode)
	var timeout *TimeoutError
	require.True(t, errors.As(orders.Err, &timeout))
	assert.Equal(t, 50*time.Millisecond, timeout.Timeout)
	assert.Equal(t, "orders_mongo", timeout.Source)
}

func TestTaskExecutor_AbandonsAdapterIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	registry := NewAdapterRegistry()
	require.NoError(t, registry.Register(CapabilityGraph, AdapterFunc(func(ctx context.Context, q Subquery, deps Dependencies) (*Result, error) {
		<-release
		return &Result{}, nil
	})))

	opts := ExecutionOptions{NodeTimeout: 30 * time.Millisecond, RunDeadline: 5 * time.Second, MaxConcurrency: 1}
	start := time.Now()
	report, err := NewTaskExecutor(registry).Execute(context.Background(), mustBuild([]CandidateSubquery{candidate("g", "graph")}), opts)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, CodeNodeTimeout, report.Task("g").ErrorCode)
}

func TestTaskExecutor_AdapterReportedTimeout(t *testing.T) {
	stub := newStubAdapter().fails("a", fmt.Errorf("query: %w", core.ErrTimeout))

	report, err := NewTaskExecutor(registryWith(stub)).Execute(context.Background(), mustBuild([]CandidateSubquery{candidate("a", "document")}), testOptions())
	require.NoError(t, err)
	assert.Equal(t, CodeNodeTimeout, report.Task("a").ErrorCode)
}

func TestTaskExecutor_RunDeadline(t *testing.T) {
	stub := newStubAdapter().
		returns("fast", Record{"v": 1}).
		blocks("slow")

	plan := mustBuild([]CandidateSubquery{
		candidate("fast", "relational"),
		candidate("slow", "document"),
		candidate("after", "graph", "fast"),
		candidate("later", "vector", "after"),
	})

	opts := ExecutionOptions{NodeTimeout: 5 * time.Second, RunDeadline: 80 * time.Millisecond, MaxConcurrency: 4}
	start := time.Now()
	report, err := NewTaskExecutor(registryWith(stub)).Execute(context.Background(), plan, opts)
	require.NoError(t, err)
	assertAllTerminal(t, report)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, TaskSucceeded, report.Task("fast").Status, "terminal tasks are unaffected by expiry")

	for _, id := range []string{"slow", "after", "later"} {
		task := report.Task(id)
		assert.Equal(t, CodeDeadlineExceeded, task.ErrorCode, id)
		assert.True(t, errors.Is(task.Err, ErrDeadlineExceeded), id)
	}
	assert.Equal(t, 0, stub.callCount("after"), "no further layers are dispatched")
	assert.Equal(t, 0, stub.callCount("later"))
}

func TestTaskExecutor_CallerCancellation(t *testing.T) {
	stub := newStubAdapter().blocks("a")
	stub.started = make(chan string, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stub.started
		cancel()
	}()

	plan := mustBuild([]CandidateSubquery{candidate("a", "relational"), candidate("b", "document", "a")})
	report, err := NewTaskExecutor(registryWith(stub)).Execute(ctx, plan, testOptions())
	require.NoError(t, err)
	assertAllTerminal(t, report)

	a := report.Task("a")
	assert.Equal(t, CodeDeadlineExceeded, a.ErrorCode)
	assert.Contains(t, a.ErrorMessage, "canceled")
	assert.True(t, errors.Is(a.Err, context.Canceled))
	assert.True(t, errors.Is(a.Err, core.ErrContextCanceled))
	assert.Equal(t, CodeDeadlineExceeded, report.Task("b").ErrorCode)
}

func TestTaskExecutor_RecoversAdapterPanic(t *testing.T) {
	stub := newStubAdapter().panicsOn("a").returns("b", Record{"x": 1})

	plan := mustBuild([]CandidateSubquery{candidate("a", "relational"), candidate("b", "graph")})
	report, err := NewTaskExecutor(registryWith(stub)).Execute(context.Background(), plan, testOptions())
	require.NoError(t, err)
	assertAllTerminal(t, report)

	assert.Equal(t, CodeAdapterError, report.Task("a").ErrorCode)
	assert.Contains(t, report.Task("a").ErrorMessage, "panic")
	assert.Equal(t, TaskSucceeded, report.Task("b").Status)
}

func TestTaskExecutor_MissingAdapter(t *testing.T) {
	registry := NewAdapterRegistry()
	require.NoError(t, registry.Register(CapabilityRelational, newStubAdapter()))

	plan := mustBuild([]CandidateSubquery{candidate("v", "vector")})
	report, err := NewTaskExecutor(registry).Execute(context.Background(), plan, testOptions())
	require.NoError(t, err)

	task := report.Task("v")
	assert.Equal(t, CodeAdapterError, task.ErrorCode)
	assert.True(t, errors.Is(task.Err, core.ErrCapabilityNotFound))
}

func TestTaskExecutor_BoundsConcurrency(t *testing.T) {
	stub := newStubAdapter()
	var candidates []CandidateSubquery
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("n%d", i)
		stub.sleeps(id, 20*time.Millisecond)
		candidates = append(candidates, candidate(id, "document"))
	}

	opts := ExecutionOptions{NodeTimeout: time.Second, RunDeadline: 5 * time.Second, MaxConcurrency: 2}
	report, err := NewTaskExecutor(registryWith(stub)).Execute(context.Background(), mustBuild(candidates), opts)
	require.NoError(t, err)
	assertAllTerminal(t, report)

	assert.Equal(t, 0, report.Failed())
	assert.LessOrEqual(t, stub.peak.Load(), int32(2))
	assert.Equal(t, int32(8), stub.total.Load())
}

func TestTaskExecutor_SiblingsRunInParallel(t *testing.T) {
	stub := newStubAdapter().
		returns("cust_lookup", Record{"id": "cust1"}).
		sleeps("referrals", 60*time.Millisecond).
		sleeps("similar_customers", 60*time.Millisecond)

	plan := mustBuild([]CandidateSubquery{
		candidate("cust_lookup", "relational"),
		candidate("referrals", "graph", "cust_lookup"),
		candidate("similar_customers", "vector", "cust_lookup"),
	})

	report, err := NewTaskExecutor(registryWith(stub)).Execute(context.Background(), plan, testOptions())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Failed())
	assert.Equal(t, int32(2), stub.peak.Load(), "siblings in one layer overlap")
}

func TestTaskExecutor_NilResultIsEmptySuccess(t *testing.T) {
	registry := NewAdapterRegistry()
	require.NoError(t, registry.Register(CapabilityDocument, AdapterFunc(func(context.Context, Subquery, Dependencies) (*Result, error) {
		return nil, nil
	})))

	report, err := NewTaskExecutor(registry).Execute(context.Background(), mustBuild([]CandidateSubquery{candidate("d", "document")}), testOptions())
	require.NoError(t, err)
	require.NotNil(t, report.Task("d").Result)
	assert.Empty(t, report.Task("d").Result.Records)
}

func TestTaskExecutor_RejectsEmptyPlan(t *testing.T) {
	_, err := NewTaskExecutor(NewAdapterRegistry()).Execute(context.Background(), nil, testOptions())
	assert.True(t, IsInvalidPlan(err))
}

func TestTaskExecutor_PassesSubquery(t *testing.T) {
	var got Subquery
	registry := NewAdapterRegistry()
	require.NoError(t, registry.Register(CapabilityRelational, AdapterFunc(func(_ context.Context, q Subquery, _ Dependencies) (*Result, error) {
		got = q
		return &Result{}, nil
	})))

	_, err := NewTaskExecutor(registry).Execute(context.Background(), mustBuild(customerOrdersPlan()[:1]), testOptions())
	require.NoError(t, err)

	assert.Equal(t, "cust_lookup", got.NodeID)
	assert.Equal(t, CapabilityRelational, got.Capability)
	assert.Equal(t, "sql_customers", got.Source)
	assert.Equal(t, "SELECT id, name FROM customers WHERE id = ?", got.Payload["query"])
}
