package orchestration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// stubAdapter returns canned results per node id and counts invocations.
type stubAdapter struct {
	mu      sync.Mutex
	results map[string]*Result
	errs    map[string]error
	delays  map[string]time.Duration
	block   map[string]bool
	panics  map[string]bool
	calls   map[string]int
	seen    map[string]Dependencies
	total   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	started chan string
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		results: make(map[string]*Result),
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
		block:   make(map[string]bool),
		panics:  make(map[string]bool),
		calls:   make(map[string]int),
		seen:    make(map[string]Dependencies),
	}
}

func (s *stubAdapter) returns(nodeID string, records ...Record) *stubAdapter {
	s.results[nodeID] = &Result{Records: records}
	return s
}

func (s *stubAdapter) fails(nodeID string, err error) *stubAdapter {
	s.errs[nodeID] = err
	return s
}

func (s *stubAdapter) sleeps(nodeID string, d time.Duration) *stubAdapter {
	s.delays[nodeID] = d
	return s
}

// blocks makes the node wait for ctx cancellation.
func (s *stubAdapter) blocks(nodeID string) *stubAdapter {
	s.block[nodeID] = true
	return s
}

func (s *stubAdapter) panicsOn(nodeID string) *stubAdapter {
	s.panics[nodeID] = true
	return s
}

func (s *stubAdapter) Execute(ctx context.Context, q Subquery, deps Dependencies) (*Result, error) {
	s.total.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls[q.NodeID]++
	s.seen[q.NodeID] = deps
	res, err := s.results[q.NodeID], s.errs[q.NodeID]
	delay, block, panics := s.delays[q.NodeID], s.block[q.NodeID], s.panics[q.NodeID]
	started := s.started
	s.mu.Unlock()

	if started != nil {
		started <- q.NodeID
	}
	if panics {
		panic("boom")
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

func (s *stubAdapter) callCount(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[nodeID]
}

func (s *stubAdapter) depsFor(nodeID string) Dependencies {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[nodeID]
}

// registryWith registers the same adapter for every capability.
func registryWith(a Adapter) *AdapterRegistry {
	r := NewAdapterRegistry()
	for _, c := range []Capability{CapabilityRelational, CapabilityDocument, CapabilityGraph, CapabilityVector} {
		_ = r.Register(c, a)
	}
	return r
}

func candidate(id, capability string, deps ...string) CandidateSubquery {
	return CandidateSubquery{
		ID:              id,
		Capability:      capability,
		Subquery:        Payload{"node": id},
		PreferredSource: id + "_src",
		DependsOn:       deps,
	}
}

// customerOrdersPlan is the lookup plus dependent orders plan.
func customerOrdersPlan() []CandidateSubquery {
	return []CandidateSubquery{
		{
			ID:              "cust_lookup",
			Capability:      "relational",
			Subquery:        Payload{"query": "SELECT id, name FROM customers WHERE id = ?", "args": []interface{}{"cust1"}},
			PreferredSource: "sql_customers",
		},
		{
			ID:              "orders",
			Capability:      "document",
			Subquery:        Payload{"collection": "orders", "filter": map[string]interface{}{"customer_id": "${cust_lookup.id}"}},
			PreferredSource: "orders_mongo",
			DependsOn:       []string{"cust_lookup"},
		},
	}
}

var errSourceDown = errors.New("source unreachable")

func mustBuild(candidates []CandidateSubquery) *Plan {
	p, err := NewPlanBuilder().Build(candidates)
	if err != nil {
		panic(err)
	}
	return p
}
