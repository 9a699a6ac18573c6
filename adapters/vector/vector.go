// Package vector serves the vector capability from Weaviate with nearVector
// GraphQL searches.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/itsneelabh/fedquery/adapters"
	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// Search defaults.
const (
	DefaultClass    = "Customer"
	DefaultTopK     = 3
	DefaultKeyField = "customer_id"
)

// Adapter executes similarity searches:
//
//	{"class": "Customer", "vector": [0.1, 0.2], "exclude_id": "cust1", "top_k": 3, "fields": ["name"]}
//
// "index" and "embedding" are accepted for "class" and "vector". Each match
// carries its properties plus id (the key field), _id, distance and certainty.
type Adapter struct {
	client   *weaviate.Client
	class    string
	keyField string
	fields   []string
	logger   core.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClass sets the class searched when the payload names none.
func WithClass(class string) Option {
	return func(a *Adapter) {
		if class != "" {
			a.class = class
		}
	}
}

// WithKeyField sets the property holding the entity identifier.
func WithKeyField(field string) Option {
	return func(a *Adapter) {
		if field != "" {
			a.keyField = field
		}
	}
}

// WithFields sets the properties returned when the payload lists none.
func WithFields(fields ...string) Option {
	return func(a *Adapter) {
		if len(fields) > 0 {
			a.fields = append([]string(nil), fields...)
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

// Open creates a client for the Weaviate instance at rawURL and waits for
// it to report ready.
func Open(ctx context.Context, rawURL string, opts ...Option) (*Adapter, error) {
	cfg, err := clientConfig(rawURL)
	if err != nil {
		return nil, err
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ready, err := client.Misc().ReadyChecker().Do(readyCtx)
	if err != nil {
		return nil, fmt.Errorf("weaviate readiness check: %w", err)
	}
	if !ready {
		return nil, fmt.Errorf("weaviate at %s is not ready: %w", cfg.Host, core.ErrConnectionFailed)
	}
	return New(client, opts...), nil
}

func clientConfig(rawURL string) (weaviate.Config, error) {
	if rawURL == "" {
		return weaviate.Config{}, fmt.Errorf("weaviate URL is required: %w", core.ErrMissingConfiguration)
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return weaviate.Config{}, fmt.Errorf("invalid weaviate URL %q: %w", rawURL, core.ErrInvalidConfiguration)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return weaviate.Config{}, fmt.Errorf("unsupported weaviate scheme %q: %w", u.Scheme, core.ErrInvalidConfiguration)
	}
	return weaviate.Config{Host: u.Host, Scheme: u.Scheme}, nil
}

// New wraps a configured client.
func New(client *weaviate.Client, opts ...Option) *Adapter {
	a := &Adapter{
		client:   client,
		class:    DefaultClass,
		keyField: DefaultKeyField,
		fields:   []string{"name"},
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ObjectID maps an entity key to the UUID its object is stored under.
func ObjectID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("fedquery:"+key)).String()
}

// Put stores an object with its vector unless one already exists for key.
// It reports whether an object was created.
func (a *Adapter) Put(ctx context.Context, class, key string, props map[string]interface{}, vector []float32) (bool, error) {
	if class == "" {
		class = a.class
	}
	id := ObjectID(key)

	exists, err := a.client.Data().Checker().WithClassName(class).WithID(id).Do(ctx)
	if err != nil {
		return false, fmt.Errorf("check object %s: %w", key, err)
	}
	if exists {
		return false, nil
	}

	properties := make(map[string]interface{}, len(props)+1)
	for k, v := range props {
		properties[k] = v
	}
	properties[a.keyField] = key

	_, err = a.client.Data().Creator().
		WithClassName(class).
		WithID(id).
		WithProperties(properties).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		return false, fmt.Errorf("create object %s: %w", key, err)
	}
	return true, nil
}

type search struct {
	class   string
	vector  []float32
	exclude string
	topK    int
	fields  []string
}

func (a *Adapter) parseSearch(q orchestration.Subquery, deps orchestration.Dependencies) (search, error) {
	payload := adapters.Bind(q.Payload, deps)

	s := search{
		class:   adapters.String(payload, "class", adapters.String(payload, "index", a.class)),
		exclude: adapters.Text(payload["exclude_id"]),
		topK:    adapters.Int(payload, "top_k", DefaultTopK),
		fields:  a.fields,
	}
	if s.topK <= 0 {
		s.topK = DefaultTopK
	}
	if raw := adapters.Slice(payload, "fields"); len(raw) > 0 {
		s.fields = make([]string, 0, len(raw))
		for _, f := range raw {
			if name := adapters.Text(f); name != "" {
				s.fields = append(s.fields, name)
			}
		}
	}

	raw, ok := payload["vector"]
	if !ok {
		raw = payload["embedding"]
	}
	if raw == nil && q.Payload["vector"] == nil && q.Payload["embedding"] == nil {
		raw, _ = adapters.DependencyKey(deps, "embedding")
	}
	if raw == nil {
		return s, nil
	}
	vec, ok := adapters.Float32s(raw)
	if !ok {
		return s, adapters.InvalidPayload("vector.Execute", q.NodeID, "vector is not a list of numbers")
	}
	s.vector = vec
	return s, nil
}

// Execute implements orchestration.Adapter. A search without a vector
// returns no matches.
func (a *Adapter) Execute(ctx context.Context, q orchestration.Subquery, deps orchestration.Dependencies) (*orchestration.Result, error) {
	s, err := a.parseSearch(q, deps)
	if err != nil {
		return nil, err
	}

	records := []orchestration.Record{}
	meta := map[string]interface{}{
		"source_id":   q.Source,
		"source_type": "vector",
		"class":       s.class,
		"top_k":       s.topK,
	}
	if len(s.vector) == 0 {
		return &orchestration.Result{Records: records, Meta: meta}, nil
	}

	fields := make([]graphql.Field, 0, len(s.fields)+2)
	fields = append(fields, graphql.Field{Name: a.keyField})
	for _, f := range s.fields {
		if f != a.keyField {
			fields = append(fields, graphql.Field{Name: f})
		}
	}
	fields = append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "distance"},
		{Name: "certainty"},
	}})

	nearVector := a.client.GraphQL().NearVectorArgBuilder().WithVector(s.vector)
	get := a.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(s.topK)
	if s.exclude != "" {
		get = get.WithWhere(filters.Where().
			WithPath([]string{a.keyField}).
			WithOperator(filters.NotEqual).
			WithValueString(s.exclude))
	}

	start := time.Now()
	resp, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search error: %s: %w", resp.Errors[0].Message, core.ErrRequestFailed)
	}

	matches, err := parseMatches(resp.Data, s.class)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		if add, ok := m["_additional"].(map[string]interface{}); ok {
			m["_id"] = add["id"]
			m["distance"] = add["distance"]
			m["certainty"] = add["certainty"]
			delete(m, "_additional")
		}
		if key, ok := m[a.keyField]; ok {
			m["id"] = key
		}
		records = append(records, m)
	}

	a.logger.Debug("Vector search executed", map[string]interface{}{
		"operation":   "vector_search",
		"node_id":     q.NodeID,
		"source":      q.Source,
		"class":       s.class,
		"matches":     len(records),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return &orchestration.Result{Records: records, Meta: meta}, nil
}

// parseMatches decodes {"Get": {"<class>": [...]}} from a GraphQL response.
func parseMatches(data interface{}, class string) ([]orchestration.Record, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var parsed struct {
		Get map[string][]orchestration.Record `json:"Get"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode GraphQL response: %w", err)
	}
	return parsed.Get[class], nil
}
