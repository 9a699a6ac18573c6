package sources

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/fedquery/adapters/graph"
	"github.com/itsneelabh/fedquery/adapters/relational"
	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// fakeWeaviate stores created objects and answers every search with one match.
type fakeWeaviate struct {
	mu      sync.Mutex
	objects map[string]bool
}

func (f *fakeWeaviate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/v1/.well-known/ready":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/v1/meta":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"version": "1.25.0"})
	case r.URL.Path == "/v1/graphql":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					"Customer": []interface{}{
						map[string]interface{}{
							"customer_id": "cust002",
							"name":        "Customer 002",
							"_additional": map[string]interface{}{"id": "x", "distance": 0.05, "certainty": 0.97},
						},
					},
				},
			},
		})
	case r.URL.Path == "/v1/objects" && r.Method == http.MethodPost:
		var obj map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&obj)
		f.mu.Lock()
		if f.objects == nil {
			f.objects = map[string]bool{}
		}
		f.objects[obj["id"].(string)] = true
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(obj)
	case r.Method == http.MethodHead && strings.HasPrefix(r.URL.Path, "/v1/objects/"):
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		f.mu.Lock()
		ok := f.objects[id]
		f.mu.Unlock()
		if ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeWeaviate) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fixture struct {
	cfg      *core.Config
	redis    *miniredis.Miniredis
	weaviate *fakeWeaviate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)

	wv := &fakeWeaviate{}
	wsrv := httptest.NewServer(wv)
	t.Cleanup(wsrv.Close)

	rsrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"docs": [{"order_id": "r1"}], "meta": {"source_id": "orders_http"}}`)
	}))
	t.Cleanup(rsrv.Close)

	cfg := core.DefaultConfig()
	cfg.Sources = []core.SourceConfig{
		{Name: "sql_customers", Capability: "relational", Driver: "sqlite", DSN: ":memory:", Default: true},
		{Name: "orders_mongo", Capability: "document", Driver: "redis", DSN: "redis://" + mr.Addr(), Default: true,
			Options: map[string]string{"indexes": "customer_id, status"}},
		{Name: "orders_http", Capability: "document", Driver: "http", DSN: rsrv.URL,
			Options: map[string]string{"operation": "find"}},
		{Name: "graph_referrals", Capability: "graph", Driver: "badger", DSN: graph.InMemoryDSN},
		{Name: "vector_customers", Capability: "vector", Driver: "weaviate", DSN: wsrv.URL},
	}
	return &fixture{cfg: cfg, redis: mr, weaviate: wv}
}

func TestOpen_BuildsRegistry(t *testing.T) {
	fx := newFixture(t)
	set, err := Open(context.Background(), fx.cfg)
	require.NoError(t, err)
	defer set.Close()

	assert.ElementsMatch(t, []orchestration.Capability{
		orchestration.CapabilityRelational,
		orchestration.CapabilityDocument,
		orchestration.CapabilityGraph,
		orchestration.CapabilityVector,
	}, set.Registry.Capabilities())

	assert.Equal(t, map[orchestration.Capability]string{
		orchestration.CapabilityRelational: "sql_customers",
		orchestration.CapabilityDocument:   "orders_mongo",
		orchestration.CapabilityGraph:      "graph_referrals",
		orchestration.CapabilityVector:     "vector_customers",
	}, set.DefaultSources())

	assert.Equal(t, []string{"graph_referrals", "orders_http", "orders_mongo", "sql_customers", "vector_customers"}, set.Names())

	src, ok := set.Source("sql_customers")
	require.True(t, ok)
	assert.IsType(t, &relational.Adapter{}, src.Adapter)
	_, ok = set.Source("missing")
	assert.False(t, ok)
}

func TestOpen_RoutesByPreferredSource(t *testing.T) {
	fx := newFixture(t)
	set, err := Open(context.Background(), fx.cfg)
	require.NoError(t, err)
	defer set.Close()

	docs, err := set.Registry.Lookup(orchestration.CapabilityDocument)
	require.NoError(t, err)

	res, err := docs.Execute(context.Background(), orchestration.Subquery{
		NodeID:     "orders",
		Capability: orchestration.CapabilityDocument,
		Source:     "orders_http",
		Payload:    orchestration.Payload{"collection": "orders"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "r1", res.Records[0]["order_id"])

	_, err = docs.Execute(context.Background(), orchestration.Subquery{
		NodeID:     "orders",
		Capability: orchestration.CapabilityDocument,
		Source:     "orders_elsewhere",
	}, nil)
	assert.True(t, errors.Is(err, core.ErrSourceNotFound))
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Sources = []core.SourceConfig{{Name: "x", Capability: "graph", Driver: "neo4j", DSN: "bolt://x"}}

	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}

func TestOpen_FailureClosesOpenedSources(t *testing.T) {
	closed := make(chan string, 2)
	ok := func(_ context.Context, src core.SourceConfig, _ core.Logger) (orchestration.Adapter, io.Closer, error) {
		return orchestration.AdapterFunc(nil), closerFunc(func() error { closed <- src.Name; return nil }), nil
	}
	failing := func(context.Context, core.SourceConfig, core.Logger) (orchestration.Adapter, io.Closer, error) {
		return nil, nil, core.ErrConnectionFailed
	}

	cfg := core.DefaultConfig()
	cfg.Sources = []core.SourceConfig{
		{Name: "a", Capability: "relational", Driver: "ok", DSN: "x"},
		{Name: "b", Capability: "graph", Driver: "failing", DSN: "x"},
	}
	_, err := Open(context.Background(), cfg, WithOpener("ok", ok), WithOpener("failing", failing))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConnectionFailed))
	assert.Contains(t, err.Error(), "open source b")
	assert.Equal(t, "a", <-closed)
}

func TestOpen_FunctionAdapterWithoutPolicies(t *testing.T) {
	fn := func(_ context.Context, src core.SourceConfig, _ core.Logger) (orchestration.Adapter, io.Closer, error) {
		return orchestration.AdapterFunc(func(context.Context, orchestration.Subquery, orchestration.Dependencies) (*orchestration.Result, error) {
			return &orchestration.Result{Records: []orchestration.Record{{"id": "cust001", "source": src.Name}}}, nil
		}), nil, nil
	}

	cfg := core.DefaultConfig()
	cfg.Sources = []core.SourceConfig{{Name: "fn", Capability: "relational", Driver: "fn", DSN: "x"}}

	var (
		set *Set
		err error
	)
	require.NotPanics(t, func() {
		set, err = Open(context.Background(), cfg, WithOpener("fn", fn))
	})
	require.NoError(t, err)
	defer set.Close()

	adapter, err := set.Registry.Lookup(orchestration.CapabilityRelational)
	require.NoError(t, err)
	res, err := adapter.Execute(context.Background(), orchestration.Subquery{NodeID: "cust_lookup", Source: "fn"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fn", res.First()["source"])
}

func TestOpen_InvalidOptions(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Sources = []core.SourceConfig{{
		Name: "sql", Capability: "relational", Driver: "sqlite", DSN: ":memory:",
		Options: map[string]string{"max_rows": "lots"},
	}}
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))

	cfg.Sources[0].Options = nil
	cfg.Sources[0].Capability = "spatial"
	_, err = Open(context.Background(), cfg)
	assert.True(t, core.IsConfigurationError(err))
}

func TestOpen_ResiliencePolicyIsValidated(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Resilience.RateLimit = core.RateLimitConfig{Enabled: true}
	cfg.Sources = []core.SourceConfig{{Name: "g", Capability: "graph", Driver: "badger", DSN: graph.InMemoryDSN}}

	_, err := Open(context.Background(), cfg)
	assert.True(t, core.IsConfigurationError(err))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestSampleDataset(t *testing.T) {
	ds := SampleDataset(20)
	require.Len(t, ds.Customers, 20)
	require.Len(t, ds.Orders, 20*OrdersPerCustomer)
	require.Len(t, ds.Referrals, 19)

	c := ds.Customers[2]
	assert.Equal(t, "cust003", c.ID)
	assert.Equal(t, "Customer 003", c.Name)
	assert.Equal(t, "customer003@example.com", c.Email)
	assert.Equal(t, []float32{0.5706, 0.005, 0.3}, c.Embedding)

	o := ds.Orders[OrdersPerCustomer+1]
	assert.Equal(t, "o0010", o.ID)
	assert.Equal(t, "cust002", o.CustomerID)
	assert.Equal(t, 31.25, o.Amount)
	assert.Equal(t, "2025-01-11", o.OrderDate)

	assert.Equal(t, []string{"cust007", "cust008", "cust009", "cust010", "cust011", "cust012", "cust013"}, ds.Referred("cust006"))
	assert.Equal(t, SampleDataset(20), ds)
}

func TestSeed_EndToEndQuery(t *testing.T) {
	fx := newFixture(t)
	set, err := Open(context.Background(), fx.cfg)
	require.NoError(t, err)
	defer set.Close()

	ds := SampleDataset(20)
	report, err := set.Seed(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, SeedReport{
		"sql_customers":    20,
		"orders_mongo":     160,
		"graph_referrals":  39,
		"vector_customers": 20,
	}, report)
	assert.Equal(t, 20, fx.weaviate.count())

	// Seeding again only rewrites; no new vector objects are created.
	report, err = set.Seed(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, 0, report["vector_customers"])

	fed := orchestration.NewFederator(set.Registry,
		orchestration.WithFallback(orchestration.NewRuleSet(set.DefaultSources())))

	result, err := fed.Query(context.Background(), "customer cust006 with recent orders, referrals and similar customers")
	require.NoError(t, err)
	assert.Equal(t, orchestration.StatusComplete, result.Status, result.Explain)

	customer := result.Entities["customer"]
	require.NotNil(t, customer)
	assert.Equal(t, "Customer 006", customer["name"].Value)
	assert.Equal(t, []orchestration.Provenance{{Source: "cust_lookup", Field: "name"}}, customer["name"].Provenance)

	orders := result.Collections["recent_orders"]
	require.NotNil(t, orders)
	require.Len(t, orders.Items, 5)
	assert.Equal(t, "o0048", orders.Items[0]["order_id"])

	referrals := result.Collections["referrals"]
	require.NotNil(t, referrals)
	var direct []string
	for _, item := range referrals.Items {
		if item["depth"] == 1 {
			direct = append(direct, item["id"].(string))
		}
	}
	assert.Equal(t, ds.Referred("cust006"), direct)
	assert.Len(t, referrals.Items, 14)

	similar := result.Collections["similar_customers"]
	require.NotNil(t, similar)
	require.Len(t, similar.Items, 1)
	assert.Equal(t, "cust002", similar.Items[0]["id"])
}
