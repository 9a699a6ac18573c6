package orchestration

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Node ids emitted by the fallback rules.
const (
	NodeCustomerLookup   = "cust_lookup"
	NodeOrders           = "orders"
	NodeReferrals        = "referrals"
	NodeSimilarCustomers = "similar_customers"
)

// Default limits applied when the query does not name one.
const (
	DefaultOrderLimit   = 5
	DefaultGraphDepth   = 2
	DefaultSimilarTopK  = 3
	DefaultListingLimit = 100
)

var (
	customerIDPattern     = regexp.MustCompile(`(?i)\bcust\d+\b`)
	customerNumberPattern = regexp.MustCompile(`(?i)\bcustomer\s+(\d+)\b`)
	quotedNamePattern     = regexp.MustCompile(`["']([^"']+)["']`)
	orderLimitPattern     = regexp.MustCompile(`(?i)\b(?:last|recent|latest)\s+(\d+)\b`)
	similarCountPattern   = regexp.MustCompile(`(?i)\b(\d+)\s+(?:most\s+)?similar\b`)
)

// EntityRef identifies the customer a query is about.
type EntityRef struct {
	ID   string
	Name string
}

// Empty reports whether no reference was found.
func (r EntityRef) Empty() bool { return r.ID == "" && r.Name == "" }

// ExtractEntityRef finds a customer id ("cust010", "Customer 10") or a quoted
// name. Customer numbers are zero-padded to three digits.
func ExtractEntityRef(query string) EntityRef {
	if m := customerIDPattern.FindString(query); m != "" {
		return EntityRef{ID: strings.ToLower(m)}
	}
	if m := customerNumberPattern.FindStringSubmatch(query); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return EntityRef{ID: fmt.Sprintf("cust%03d", n)}
		}
	}
	if m := quotedNamePattern.FindStringSubmatch(query); m != nil {
		return EntityRef{Name: strings.TrimSpace(m[1])}
	}
	return EntityRef{}
}

// FallbackRule maps query keywords onto one candidate subquery.
type FallbackRule struct {
	NodeID   string
	Keywords []string
	build    func(query string, ref EntityRef) CandidateSubquery
}

func (r FallbackRule) matches(lower string) bool {
	for _, kw := range r.Keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// RuleSet is the deterministic keyword planner used when no upstream planner
// is configured or the upstream planner fails. It is pure: the same query
// always yields the same candidates.
type RuleSet struct {
	lookup     FallbackRule
	dependents []FallbackRule
	sources    map[Capability]string
}

// DefaultSources are the preferred source names the rules emit.
func DefaultSources() map[Capability]string {
	return map[Capability]string{
		CapabilityRelational: "sql_customers",
		CapabilityDocument:   "orders_mongo",
		CapabilityGraph:      "graph_referrals",
		CapabilityVector:     "vector_customers",
	}
}

// NewRuleSet builds the rule set. Capabilities missing from sources use DefaultSources.
func NewRuleSet(sources map[Capability]string) *RuleSet {
	merged := DefaultSources()
	for c, s := range sources {
		if s != "" {
			merged[c] = s
		}
	}
	return &RuleSet{
		lookup: FallbackRule{
			NodeID:   NodeCustomerLookup,
			Keywords: []string{"customer", "email", "name", "contact"},
			build:    customerLookup,
		},
		dependents: []FallbackRule{
			{NodeID: NodeOrders, Keywords: []string{"order", "purchase"}, build: recentOrders},
			{NodeID: NodeReferrals, Keywords: []string{"refer", "friend", "connection"}, build: referralsOf},
			{NodeID: NodeSimilarCustomers, Keywords: []string{"similar"}, build: similarCustomers},
		},
		sources: merged,
	}
}

// DefaultRuleSet returns the rules with the default source names.
func DefaultRuleSet() *RuleSet {
	return NewRuleSet(nil)
}

// Plan implements Planner.
func (r *RuleSet) Plan(_ context.Context, query string) ([]CandidateSubquery, error) {
	return r.Candidates(query)
}

// Candidates returns the candidate subqueries for a query. The customer
// lookup is always emitted first and every other node depends on it.
func (r *RuleSet) Candidates(query string) ([]CandidateSubquery, error) {
	lower := strings.ToLower(query)
	ref := ExtractEntityRef(query)

	var dependents []CandidateSubquery
	for _, rule := range r.dependents {
		if rule.matches(lower) {
			c := rule.build(query, ref)
			c.PreferredSource = r.sources[capabilityOf(c)]
			dependents = append(dependents, c)
		}
	}

	if len(dependents) == 0 && !r.lookup.matches(lower) && ref.Empty() {
		return nil, &InvalidPlanError{Reason: fmt.Sprintf("no fallback rule matches query %q", query)}
	}

	lookup := r.lookup.build(query, ref)
	if len(dependents) == 0 && ref.Empty() {
		lookup = customerListing()
	}
	lookup.PreferredSource = r.sources[CapabilityRelational]

	return append([]CandidateSubquery{lookup}, dependents...), nil
}

func capabilityOf(c CandidateSubquery) Capability {
	capability, _ := ParseCapability(c.Capability)
	return capability
}

func dependencyRef(field string) string {
	return "${" + NodeCustomerLookup + "." + field + "}"
}

func customerLookup(_ string, ref EntityRef) CandidateSubquery {
	payload := Payload{"query": "SELECT id, name, email, embedding FROM customers ORDER BY id LIMIT 1"}
	switch {
	case ref.ID != "":
		payload = Payload{
			"query": "SELECT id, name, email, embedding FROM customers WHERE id = ? LIMIT 1",
			"args":  []interface{}{ref.ID},
		}
	case ref.Name != "":
		payload = Payload{
			"query": "SELECT id, name, email, embedding FROM customers WHERE name = ? LIMIT 1",
			"args":  []interface{}{ref.Name},
		}
	}
	return CandidateSubquery{
		ID:          NodeCustomerLookup,
		Capability:  string(CapabilityRelational),
		Subquery:    payload,
		Description: "Look up the customer record",
		Role:        string(RoleEntity),
		OutputKey:   "customer",
	}
}

func customerListing() CandidateSubquery {
	return CandidateSubquery{
		ID:         NodeCustomerLookup,
		Capability: string(CapabilityRelational),
		Subquery: Payload{
			"query": fmt.Sprintf("SELECT id, name, email FROM customers ORDER BY id LIMIT %d", DefaultListingLimit),
		},
		Description: "List customers",
		Role:        string(RoleCollection),
		OutputKey:   "customers",
	}
}

func recentOrders(query string, _ EntityRef) CandidateSubquery {
	return CandidateSubquery{
		ID:         NodeOrders,
		Capability: string(CapabilityDocument),
		Subquery: Payload{
			"collection": "orders",
			"filter":     map[string]interface{}{"customer_id": dependencyRef("id")},
			"limit":      numberIn(orderLimitPattern, query, DefaultOrderLimit),
		},
		DependsOn:   []string{NodeCustomerLookup},
		Description: "Fetch the customer's recent orders",
		Role:        string(RoleCollection),
		OutputKey:   "recent_orders",
	}
}

func referralsOf(_ string, _ EntityRef) CandidateSubquery {
	return CandidateSubquery{
		ID:         NodeReferrals,
		Capability: string(CapabilityGraph),
		Subquery: Payload{
			"start_id":  dependencyRef("id"),
			"edge":      "REFERRED",
			"max_depth": DefaultGraphDepth,
		},
		DependsOn:   []string{NodeCustomerLookup},
		Description: "Traverse the referral graph from the customer",
		Role:        string(RoleCollection),
		OutputKey:   "referrals",
	}
}

func similarCustomers(query string, _ EntityRef) CandidateSubquery {
	return CandidateSubquery{
		ID:         NodeSimilarCustomers,
		Capability: string(CapabilityVector),
		Subquery: Payload{
			"class":      "Customer",
			"vector":     dependencyRef("embedding"),
			"exclude_id": dependencyRef("id"),
			"top_k":      numberIn(similarCountPattern, query, DefaultSimilarTopK),
		},
		DependsOn:   []string{NodeCustomerLookup},
		Description: "Find customers with similar profiles",
		Role:        string(RoleCollection),
		OutputKey:   "similar_customers",
	}
}

func numberIn(pattern *regexp.Regexp, query string, fallback int) int {
	m := pattern.FindStringSubmatch(query)
	if m == nil {
		return fallback
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
