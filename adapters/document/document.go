// Package document serves the document capability from Redis. Documents
// are stored as JSON strings, ordered per collection by a sorted set and
// indexed per field with plain sets.
//
// Key layout, under the namespace (default "fedquery:doc"):
//
//	{ns}:{collection}:doc:{id}            JSON document
//	{ns}:{collection}:ids                 sorted set of ids, scored by recency
//	{ns}:{collection}:idx:{field}:{value} set of ids with that field value
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/fedquery/adapters"
	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// Defaults for find subqueries.
const (
	DefaultNamespace = "fedquery:doc"
	DefaultLimit     = 5
	DefaultKeyField  = "customer_id"
	fetchBatch       = 100
)

// Adapter executes find subqueries:
//
//	{"collection": "orders", "filter": {"customer_id": "cust1"}, "limit": 5, "order": "desc"}
//
// Results are newest first unless order is "asc".
type Adapter struct {
	client            *redis.Client
	namespace         string
	defaultCollection string
	keyField          string
	indexed           map[string]bool
	logger            core.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithNamespace sets the key prefix.
func WithNamespace(ns string) Option {
	return func(a *Adapter) {
		if ns != "" {
			a.namespace = ns
		}
	}
}

// WithIndexes names the fields maintained as set indexes on Insert.
func WithIndexes(fields ...string) Option {
	return func(a *Adapter) {
		for _, f := range fields {
			if f != "" {
				a.indexed[f] = true
			}
		}
	}
}

// WithDefaultCollection sets the collection used when the payload names none.
func WithDefaultCollection(name string) Option {
	return func(a *Adapter) { a.defaultCollection = name }
}

// WithKeyField sets the filter field filled from the dependency when the
// payload carries no filter.
func WithKeyField(field string) Option {
	return func(a *Adapter) {
		if field != "" {
			a.keyField = field
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger core.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Open connects to the Redis server at url (redis://host:port/db).
func Open(ctx context.Context, url string, opts ...Option) (*Adapter, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required: %w", core.ErrInvalidConfiguration)
	}
	redisOpt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}
	client := redis.NewClient(redisOpt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, opts...), nil
}

// New wraps a connected client.
func New(client *redis.Client, opts ...Option) *Adapter {
	a := &Adapter{
		client:    client,
		namespace: DefaultNamespace,
		keyField:  DefaultKeyField,
		indexed:   map[string]bool{DefaultKeyField: true},
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Close closes the client.
func (a *Adapter) Close() error { return a.client.Close() }

func (a *Adapter) docKey(collection, id string) string {
	return fmt.Sprintf("%s:%s:doc:%s", a.namespace, collection, id)
}

func (a *Adapter) idsKey(collection string) string {
	return fmt.Sprintf("%s:%s:ids", a.namespace, collection)
}

func (a *Adapter) indexKey(collection, field string, value interface{}) string {
	return fmt.Sprintf("%s:%s:idx:%s:%s", a.namespace, collection, field, adapters.Text(value))
}

// Insert stores a document, its recency score and its index entries atomically.
func (a *Adapter) Insert(ctx context.Context, collection, id string, doc map[string]interface{}, score float64) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", id, err)
	}
	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.docKey(collection, id), body, 0)
		pipe.ZAdd(ctx, a.idsKey(collection), &redis.Z{Score: score, Member: id})
		for field := range a.indexed {
			if v, ok := doc[field]; ok && v != nil {
				pipe.SAdd(ctx, a.indexKey(collection, field, v), id)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert document %s: %w", id, err)
	}
	return nil
}

// Execute implements orchestration.Adapter.
func (a *Adapter) Execute(ctx context.Context, q orchestration.Subquery, deps orchestration.Dependencies) (*orchestration.Result, error) {
	payload := adapters.Bind(q.Payload, deps)

	collection := adapters.String(payload, "collection", a.defaultCollection)
	if collection == "" {
		return nil, adapters.InvalidPayload("document.Execute", q.NodeID, "payload has no collection")
	}
	limit := adapters.Int(payload, "limit", DefaultLimit)
	if limit <= 0 {
		limit = DefaultLimit
	}

	filter := adapters.Map(payload, "filter")
	if len(filter) == 0 {
		if key, ok := adapters.DependencyKey(deps, "id", a.keyField); ok {
			filter = map[string]interface{}{a.keyField: key}
		}
	}

	start := time.Now()
	records, err := a.find(ctx, collection, filter, limit, adapters.String(payload, "order", "desc") == "asc")
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Document find executed", map[string]interface{}{
		"operation":   "document_find",
		"node_id":     q.NodeID,
		"source":      q.Source,
		"collection":  collection,
		"docs":        len(records),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return &orchestration.Result{
		Records: records,
		Meta: map[string]interface{}{
			"source_id":   q.Source,
			"source_type": "document",
			"collection":  collection,
		},
	}, nil
}

func (a *Adapter) find(ctx context.Context, collection string, filter map[string]interface{}, limit int, ascending bool) ([]orchestration.Record, error) {
	records := []orchestration.Record{}

	var (
		indexKeys []string
		residual  = map[string]interface{}{}
	)
	for _, field := range sortedFields(filter) {
		v := filter[field]
		if v == nil {
			// A reference that resolved to nothing matches nothing.
			return records, nil
		}
		if a.indexed[field] {
			indexKeys = append(indexKeys, a.indexKey(collection, field, v))
		} else {
			residual[field] = v
		}
	}

	var candidates map[string]bool
	if len(indexKeys) > 0 {
		members, err := a.client.SInter(ctx, indexKeys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read index: %w", err)
		}
		if len(members) == 0 {
			return records, nil
		}
		candidates = make(map[string]bool, len(members))
		for _, m := range members {
			candidates[m] = true
		}
	}

	var (
		ordered []string
		err     error
	)
	if ascending {
		ordered, err = a.client.ZRange(ctx, a.idsKey(collection), 0, -1).Result()
	} else {
		ordered, err = a.client.ZRevRange(ctx, a.idsKey(collection), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read collection order: %w", err)
	}

	ids := make([]string, 0, len(ordered))
	for _, id := range ordered {
		if candidates == nil || candidates[id] {
			ids = append(ids, id)
		}
	}

	for offset := 0; offset < len(ids) && len(records) < limit; offset += fetchBatch {
		end := offset + fetchBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[offset:end]
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = a.docKey(collection, id)
		}

		values, err := a.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read documents: %w", err)
		}
		for i, raw := range values {
			s, ok := raw.(string)
			if !ok {
				continue // index entry without a document
			}
			var doc orchestration.Record
			if err := json.Unmarshal([]byte(s), &doc); err != nil {
				return nil, fmt.Errorf("failed to decode document %s: %w", batch[i], err)
			}
			if !matches(doc, residual) {
				continue
			}
			doc["_id"] = batch[i]
			records = append(records, doc)
			if len(records) == limit {
				break
			}
		}
	}
	return records, nil
}

func matches(doc orchestration.Record, filter map[string]interface{}) bool {
	for field, want := range filter {
		got, ok := doc[field]
		if !ok || adapters.Text(got) != adapters.Text(want) {
			return false
		}
	}
	return true
}

func sortedFields(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
