package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/fedquery/core"
)

func TestFederator_CustomerWithOrders(t *testing.T) {
	stub := newStubAdapter().
		returns("cust_lookup", Record{"id": "cust1", "name": "Alice Kumar"}).
		returns("orders", Record{"order_id": "o1", "amount": 30}, Record{"order_id": "o2", "amount": 12})

	result, err := NewFederator(registryWith(stub)).Run(context.Background(), customerOrdersPlan())
	require.NoError(t, err)

	name := result.Entities["customer"]["name"]
	require.NotNil(t, name)
	assert.Equal(t, "Alice Kumar", name.Value)
	assert.Equal(t, []Provenance{{Source: "cust_lookup", Field: "name"}}, name.Provenance)

	assert.Len(t, result.Collections["recent_orders"].Items, 2)
	assert.Len(t, result.Explain, 2)
	assert.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, OriginSupplied, result.PlanOrigin)
	assert.NotEmpty(t, result.RunID)
}

func TestFederator_DocumentTimeoutIsPartial(t *testing.T) {
	stub := newStubAdapter().
		returns("cust_lookup", Record{"id": "cust1", "name": "Alice Kumar", "email": "alice@example.com"}).
		blocks("orders")

	fed := NewFederator(registryWith(stub), WithExecutionOptions(ExecutionOptions{
		NodeTimeout:    50 * time.Millisecond,
		RunDeadline:    2 * time.Second,
		MaxConcurrency: 4,
	}))

	result, err := fed.Run(context.Background(), customerOrdersPlan())
	require.NoError(t, err, "a node timeout is never raised to the caller")

	customer := result.Entities["customer"]
	assert.Equal(t, "cust1", customer["id"].Value)
	assert.Equal(t, "Alice Kumar", customer["name"].Value)
	assert.Equal(t, "alice@example.com", customer["email"].Value)

	require.Contains(t, result.Collections, "recent_orders")
	assert.Empty(t, result.Collections["recent_orders"].Items)

	var timeouts int
	for _, e := range result.Explain {
		if strings.Contains(e, "orders") && strings.Contains(e, CodeNodeTimeout) {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts, "explain: %v", result.Explain)
	assert.Equal(t, StatusPartial, result.Status)
}

func TestFederator_SiblingOrderIndependence(t *testing.T) {
	plan := []CandidateSubquery{
		{ID: "cust_lookup", Capability: "relational", PreferredSource: "sql_customers"},
		{ID: "referrals", Capability: "graph", PreferredSource: "graph_referrals", DependsOn: []string{"cust_lookup"}},
		{ID: "similar_customers", Capability: "vector", PreferredSource: "vector_customers", DependsOn: []string{"cust_lookup"}},
	}

	var want []byte
	for _, slow := range []string{"referrals", "similar_customers"} {
		stub := newStubAdapter().
			returns("cust_lookup", Record{"id": "cust1", "name": "Alice Kumar"}).
			returns("referrals", Record{"id": "cust2", "depth": 1}).
			returns("similar_customers", Record{"id": "cust7", "score": 0.92}).
			sleeps(slow, 40*time.Millisecond)

		result, err := NewFederator(registryWith(stub)).Run(context.Background(), plan)
		require.NoError(t, err)

		assert.Equal(t, StatusComplete, result.Status)
		require.Len(t, result.Collections["referrals"].Items, 1)
		require.Len(t, result.Collections["similar_customers"].Items, 1)

		// Clear the run id so the two runs compare byte for byte.
		result.RunID = ""
		got, err := json.Marshal(result)
		require.NoError(t, err)
		if want == nil {
			want = got
			continue
		}
		assert.JSONEq(t, string(want), string(got), "completion order must not change the answer")
	}
}

func TestFederator_PartialFailureIndependence(t *testing.T) {
	stub := newStubAdapter().
		fails("a", errSourceDown).
		returns("c", Record{"id": "x1"})

	result, err := NewFederator(registryWith(stub)).Run(context.Background(), []CandidateSubquery{
		{ID: "a", Capability: "graph", OutputKey: "first"},
		{ID: "b", Capability: "vector", DependsOn: []string{"a"}, OutputKey: "second"},
		{ID: "c", Capability: "document", OutputKey: "third"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, result.Status)
	assert.Len(t, result.Collections["third"].Items, 1)
	assert.Equal(t, 0, stub.callCount("b"))
}

func TestFederator_InvalidPlanIsReturned(t *testing.T) {
	stub := newStubAdapter()
	_, err := NewFederator(registryWith(stub)).Run(context.Background(), []CandidateSubquery{
		candidate("a", "relational", "b"),
		candidate("b", "document", "a"),
	})
	require.Error(t, err)
	assert.True(t, IsInvalidPlan(err))
	assert.Equal(t, int32(0), stub.total.Load(), "nothing executes for an invalid plan")
}

func TestFederator_QueryUsesFallbackRules(t *testing.T) {
	stub := newStubAdapter().
		returns("cust_lookup", Record{"id": "cust010", "name": "Customer 010", "embedding": []float32{0.1, 0.2}}).
		returns("orders", Record{"order_id": "o1"})

	result, err := NewFederator(registryWith(stub)).Query(context.Background(), "Show the last orders for cust010")
	require.NoError(t, err)

	assert.Equal(t, OriginFallback, result.PlanOrigin)
	assert.Equal(t, "Customer 010", result.Entities["customer"]["name"].Value)
	assert.Len(t, result.Collections["recent_orders"].Items, 1)
	assert.Equal(t, 1, stub.callCount("cust_lookup"))
	assert.Equal(t, 1, stub.callCount("orders"))
}

func TestFederator_QueryPrefersPlanner(t *testing.T) {
	stub := newStubAdapter().returns("lookup", Record{"id": "p1"})
	planner := PlannerFunc(func(ctx context.Context, query string) ([]CandidateSubquery, error) {
		return []CandidateSubquery{{ID: "lookup", Capability: "query.sql"}}, nil
	})

	result, err := NewFederator(registryWith(stub), WithPlanner(planner)).Query(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, OriginPlanner, result.PlanOrigin)
	assert.Equal(t, "p1", result.Entities["customer"]["id"].Value)
}

func TestFederator_QueryFallsBackWhenPlannerFails(t *testing.T) {
	stub := newStubAdapter().returns("cust_lookup", Record{"id": "cust1"})
	planner := PlannerFunc(func(ctx context.Context, query string) ([]CandidateSubquery, error) {
		return nil, errors.New("model unavailable")
	})

	result, err := NewFederator(registryWith(stub), WithPlanner(planner)).Query(context.Background(), "email for cust1")
	require.NoError(t, err)
	assert.Equal(t, OriginFallback, result.PlanOrigin)
}

func TestFederator_QueryWithoutPlanOrFallback(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, query string) ([]CandidateSubquery, error) {
		return nil, errors.New("model unavailable")
	})
	fed := NewFederator(registryWith(newStubAdapter()), WithPlanner(planner), WithFallback(nil))

	_, err := fed.Query(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, IsInvalidPlan(err))
	assert.Contains(t, err.Error(), "model unavailable")

	_, err = NewFederator(registryWith(newStubAdapter())).Query(context.Background(), "weather tomorrow?")
	assert.True(t, IsInvalidPlan(err))
}

func TestFederator_FromConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Federation.NodeTimeout = 75 * time.Millisecond
	cfg.Federation.MaxConcurrency = 3
	cfg.Fusion.SourcePriority = []string{"profiles"}
	cfg.Planner.FallbackEnabled = false

	fed := NewFederatorFromConfig(cfg, registryWith(newStubAdapter()))
	assert.Equal(t, 75*time.Millisecond, fed.Options().NodeTimeout)
	assert.Equal(t, 3, fed.Options().MaxConcurrency)

	_, err := fed.Query(context.Background(), "email for cust1")
	assert.True(t, IsInvalidPlan(err), "fallback disabled and no planner")
}

func TestFederator_ConcurrentRequestsShareNothing(t *testing.T) {
	stub := newStubAdapter().
		returns("cust_lookup", Record{"id": "cust1"}).
		returns("orders", Record{"order_id": "o1"})
	fed := NewFederator(registryWith(stub))

	var wg sync.WaitGroup
	runIDs := make([]string, 10)
	for i := range runIDs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := fed.Run(context.Background(), customerOrdersPlan())
			if assert.NoError(t, err) {
				assert.Equal(t, StatusComplete, result.Status)
				runIDs[i] = result.RunID
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range runIDs {
		assert.False(t, seen[id], "run ids are unique")
		seen[id] = true
	}
}
