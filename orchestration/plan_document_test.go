package orchestration

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/fedquery/core"
)

const customerOrdersDocument = `
query: What has cust010 ordered recently?
nodes:
  - id: cust_lookup
    capability: relational
    preferred_source: sql_customers
    subquery:
      query: SELECT id, name FROM customers WHERE id = ?
      args: [cust010]
  - id: orders
    capability: document
    preferred_source: orders_mongo
    depends_on: [cust_lookup]
    subquery:
      collection: orders
      filter: {customer_id: "${cust_lookup.id}"}
      limit: 5
`

func TestParsePlanDocument_Mapping(t *testing.T) {
	doc, err := ParsePlanDocument([]byte(customerOrdersDocument))
	require.NoError(t, err)

	assert.Equal(t, "What has cust010 ordered recently?", doc.Query)
	require.Len(t, doc.Nodes, 2)

	orders := doc.Nodes[1]
	assert.Equal(t, "orders", orders.ID)
	assert.Equal(t, []string{"cust_lookup"}, orders.DependsOn)
	assert.Equal(t, 5, orders.Subquery["limit"])
	assert.Equal(t, map[string]interface{}{"customer_id": "${cust_lookup.id}"}, orders.Subquery["filter"])

	plan, err := NewPlanBuilder().Build(doc.Nodes)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"cust_lookup"}, {"orders"}}, plan.Layers())
}

func TestParsePlanDocument_BareList(t *testing.T) {
	doc, err := ParsePlanDocument([]byte(`
- id: a
  capability: graph
- id: b
  capability: vector
  depends_on: [a]
`))
	require.NoError(t, err)
	assert.Empty(t, doc.Query)
	assert.Equal(t, []string{"a", "b"}, ids(doc.Nodes))
}

func TestParsePlanDocument_JSON(t *testing.T) {
	doc, err := ParsePlanDocument([]byte(`{
		"nodes": [
			{"id": "similar", "capability": "query.vector", "subquery": {"class": "Customer", "top_k": 3}}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 1)
	assert.Equal(t, "query.vector", doc.Nodes[0].Capability)
	assert.Equal(t, 3, doc.Nodes[0].Subquery["top_k"])
}

func TestParsePlanDocument_NestedPayloadMatchesAcrossFormats(t *testing.T) {
	fromYAML, err := ParsePlanDocument([]byte(`
nodes:
  - id: orders
    capability: document
    subquery:
      collection: orders
      filter: {customer: {id: "${cust_lookup.id}"}, status: [open, {code: 2}]}
`))
	require.NoError(t, err)
	fromJSON, err := ParsePlanDocument([]byte(`{"nodes": [{"id": "orders", "capability": "document", "subquery": {
		"collection": "orders",
		"filter": {"customer": {"id": "${cust_lookup.id}"}, "status": ["open", {"code": 2}]}}}]}`))
	require.NoError(t, err)

	want := map[string]interface{}{
		"customer": map[string]interface{}{"id": "${cust_lookup.id}"},
		"status":   []interface{}{"open", map[string]interface{}{"code": 2}},
	}
	assert.Equal(t, want, fromYAML.Nodes[0].Subquery["filter"])
	assert.Equal(t, fromJSON.Nodes[0].Subquery, fromYAML.Nodes[0].Subquery)
}

func TestParsePlanDocument_Invalid(t *testing.T) {
	for _, input := range []string{
		"nodes: [",
		"nodes: just-a-string",
		"- [1, 2]",
	} {
		_, err := ParsePlanDocument([]byte(input))
		require.Error(t, err, input)
		assert.True(t, errors.Is(err, core.ErrInvalidPayload), input)
	}
}

func TestLoadPlanDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(customerOrdersDocument), 0o600))

	doc, err := LoadPlanDocument(path)
	require.NoError(t, err)
	assert.Len(t, doc.Nodes, 2)

	_, err = LoadPlanDocument(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestPlanDocument_MarshalRoundTrip(t *testing.T) {
	doc, err := ParsePlanDocument([]byte(customerOrdersDocument))
	require.NoError(t, err)

	data, err := doc.Marshal()
	require.NoError(t, err)

	again, err := ParsePlanDocument(data)
	require.NoError(t, err)
	assert.Equal(t, doc, again)
}
