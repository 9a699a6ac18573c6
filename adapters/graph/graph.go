// Package graph serves the graph capability from an embedded Badger store.
//
// Key layout:
//
//	n/{id}                     JSON node properties
//	e/{label}/{from}/{to}      JSON edge properties
//
// Outgoing edges of one node under one label share a key prefix, so a
// traversal step is a single prefix scan.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/itsneelabh/fedquery/adapters"
	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// Traversal defaults.
const (
	DefaultEdge     = "REFERRED"
	DefaultMaxDepth = 2
	MaxDepthLimit   = 10
	InMemoryDSN     = ":memory:"
)

// Adapter executes bounded breadth-first traversals:
//
//	{"start_id": "cust1", "edge": "REFERRED", "max_depth": 2, "limit": 50}
//
// The shape {"start": {"property": "id", "value": "cust1"}, "rel": ..., "depth": ...}
// is accepted as well.
type Adapter struct {
	db     *badger.DB
	logger core.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger core.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Open opens a Badger store at dir, or an in-memory store for ":memory:".
func Open(dir string, opts ...Option) (*Adapter, error) {
	var bopts badger.Options
	switch dir {
	case "":
		return nil, &core.FrameworkError{Op: "graph.Open", Kind: "adapter", Message: "badger directory is required", Err: core.ErrMissingConfiguration}
	case InMemoryDSN:
		bopts = badger.DefaultOptions("").WithInMemory(true)
	default:
		bopts = badger.DefaultOptions(dir)
	}
	// Disable Badger's internal logging
	bopts = bopts.WithLogger(nil).WithNumVersionsToKeep(1)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an open Badger database.
func New(db *badger.DB, opts ...Option) *Adapter {
	a := &Adapter{db: db, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Close closes the store.
func (a *Adapter) Close() error { return a.db.Close() }

func nodeKey(id string) []byte { return []byte("n/" + id) }

func edgePrefix(label, from string) []byte { return []byte("e/" + label + "/" + from + "/") }

func validID(kind, id string) error {
	if id == "" || strings.Contains(id, "/") {
		return &core.FrameworkError{Op: "graph.Put", Kind: "adapter", ID: id, Message: "invalid " + kind, Err: core.ErrInvalidPayload}
	}
	return nil
}

// PutNode stores a node and its properties.
func (a *Adapter) PutNode(id string, props map[string]interface{}) error {
	if err := validID("node id", id); err != nil {
		return err
	}
	body, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", id, err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(id), body)
	})
}

// PutEdge stores a directed, labelled edge.
func (a *Adapter) PutEdge(label, from, to string, props map[string]interface{}) error {
	for kind, id := range map[string]string{"edge label": label, "edge source": from, "edge target": to} {
		if err := validID(kind, id); err != nil {
			return err
		}
	}
	if props == nil {
		props = map[string]interface{}{}
	}
	body, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode edge %s->%s: %w", from, to, err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append(edgePrefix(label, from), to...), body)
	})
}

type traversal struct {
	start    string
	label    string
	maxDepth int
	limit    int
}

func parseTraversal(q orchestration.Subquery, deps orchestration.Dependencies) (traversal, error) {
	payload := adapters.Bind(q.Payload, deps)

	t := traversal{
		start:    adapters.Text(payload["start_id"]),
		label:    adapters.String(payload, "edge", adapters.String(payload, "rel", DefaultEdge)),
		maxDepth: adapters.Int(payload, "max_depth", adapters.Int(payload, "depth", DefaultMaxDepth)),
		limit:    adapters.Int(payload, "limit", 0),
	}
	if t.start == "" {
		if start := adapters.Map(payload, "start"); start != nil {
			t.start = adapters.Text(start["value"])
		}
	}
	if t.start == "" && q.Payload["start_id"] == nil && q.Payload["start"] == nil {
		// No explicit start: use the customer found by a dependency.
		if key, ok := adapters.DependencyKey(deps, "id", "customer_id"); ok {
			t.start = adapters.Text(key)
		}
	}

	if t.maxDepth < 1 {
		t.maxDepth = 1
	}
	if t.maxDepth > MaxDepthLimit {
		return t, adapters.InvalidPayload("graph.Execute", q.NodeID, "max_depth %d exceeds %d", t.maxDepth, MaxDepthLimit)
	}
	return t, nil
}

// Execute implements orchestration.Adapter. Results are in breadth-first
// order, neighbours of one node in key order; the start node is excluded
// and every reached node appears once, at its shallowest depth.
func (a *Adapter) Execute(ctx context.Context, q orchestration.Subquery, deps orchestration.Dependencies) (*orchestration.Result, error) {
	t, err := parseTraversal(q, deps)
	if err != nil {
		return nil, err
	}

	records := []orchestration.Record{}
	meta := map[string]interface{}{
		"source_id":   q.Source,
		"source_type": "graph",
		"edge":        t.label,
		"max_depth":   t.maxDepth,
	}
	if t.start == "" {
		return &orchestration.Result{Records: records, Meta: meta}, nil
	}

	start := time.Now()
	err = a.db.View(func(txn *badger.Txn) error {
		visited := map[string]bool{t.start: true}
		frontier := []string{t.start}

		for depth := 1; depth <= t.maxDepth && len(frontier) > 0; depth++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			var next []string
			for _, from := range frontier {
				for _, to := range neighbours(txn, t.label, from) {
					if visited[to] {
						continue
					}
					visited[to] = true
					rec, err := loadNode(txn, to)
					if err != nil {
						return err
					}
					rec["id"] = to
					rec["depth"] = depth
					rec["from"] = from
					rec["relationship"] = t.label
					records = append(records, rec)
					if t.limit > 0 && len(records) >= t.limit {
						return nil
					}
					next = append(next, to)
				}
			}
			frontier = next
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("traverse from %s: %w", t.start, err)
	}

	a.logger.Debug("Graph traversal executed", map[string]interface{}{
		"operation":   "graph_traverse",
		"node_id":     q.NodeID,
		"source":      q.Source,
		"start_id":    t.start,
		"reached":     len(records),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return &orchestration.Result{Records: records, Meta: meta}, nil
}

func neighbours(txn *badger.Txn, label, from string) []string {
	prefix := edgePrefix(label, from)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Rewind(); it.Valid(); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out
}

func loadNode(txn *badger.Txn, id string) (orchestration.Record, error) {
	rec := orchestration.Record{}
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode node %s: %w", id, err)
	}
	return rec, nil
}
