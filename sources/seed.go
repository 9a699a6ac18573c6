package sources

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/itsneelabh/fedquery/adapters/document"
	"github.com/itsneelabh/fedquery/adapters/graph"
	"github.com/itsneelabh/fedquery/adapters/relational"
	"github.com/itsneelabh/fedquery/adapters/vector"
)

// Sample dataset shape.
const (
	OrdersPerCustomer = 8
	OrdersCollection  = "orders"
)

// Customer is one sample customer.
type Customer struct {
	ID        string
	Name      string
	Email     string
	Embedding []float32
}

// Order is one sample order.
type Order struct {
	ID         string
	CustomerID string
	Amount     float64
	OrderDate  string
	Recency    float64
}

// Referral is a REFERRED edge between two customers.
type Referral struct {
	From  string
	To    string
	Since string
}

// Dataset is the sample data loaded by Seed.
type Dataset struct {
	Customers []Customer
	Orders    []Order
	Referrals []Referral
}

// SampleDataset generates n customers with their orders, referral edges
// and three-dimensional embeddings. Output is deterministic.
func SampleDataset(n int) Dataset {
	var ds Dataset
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= n; i++ {
		id := customerID(i)
		ds.Customers = append(ds.Customers, Customer{
			ID:    id,
			Name:  fmt.Sprintf("Customer %03d", i),
			Email: fmt.Sprintf("customer%03d@example.com", i),
			Embedding: []float32{
				round4(math.Sin(float64(i))*0.5 + 0.5),
				round4(math.Cos(float64(i))*0.5 + 0.5),
				round4(float64(i%10) / 10),
			},
		})

		for j := 0; j < OrdersPerCustomer; j++ {
			idx := (i-1)*OrdersPerCustomer + j + 1
			ds.Orders = append(ds.Orders, Order{
				ID:         fmt.Sprintf("o%04d", idx),
				CustomerID: id,
				Amount:     math.Round((20+float64(i%10)*5+float64(j)*1.25)*100) / 100,
				OrderDate:  base.AddDate(0, 0, idx%365).Format("2006-01-02"),
				Recency:    float64(idx),
			})
		}

		if i >= 2 {
			referrer := i - (i%7 + 1)
			if referrer < 1 {
				referrer = 1
			}
			month, day := i%12, i%28
			if month == 0 {
				month = 1
			}
			if day == 0 {
				day = 1
			}
			ds.Referrals = append(ds.Referrals, Referral{
				From:  customerID(referrer),
				To:    id,
				Since: fmt.Sprintf("2024-%02d-%02d", month, day),
			})
		}
	}
	return ds
}

func customerID(i int) string { return fmt.Sprintf("cust%03d", i) }

func round4(f float64) float32 { return float32(math.Round(f*10000) / 10000) }

// SeedReport counts what Seed wrote per source.
type SeedReport map[string]int

// Seed loads ds into every opened source that can store it. Remote
// sources are skipped. Seeding is idempotent.
func (s *Set) Seed(ctx context.Context, ds Dataset) (SeedReport, error) {
	report := SeedReport{}
	for _, name := range s.Names() {
		var (
			n   int
			err error
		)
		switch a := s.sources[name].Adapter.(type) {
		case *relational.Adapter:
			n, err = seedRelational(ctx, a, ds)
		case *document.Adapter:
			n, err = seedDocument(ctx, a, ds)
		case *graph.Adapter:
			n, err = seedGraph(a, ds)
		case *vector.Adapter:
			n, err = seedVector(ctx, a, ds)
		default:
			s.logger.Info("Source cannot be seeded", map[string]interface{}{
				"operation": "source_seed",
				"source":    name,
			})
			continue
		}
		if err != nil {
			return report, fmt.Errorf("seed source %s: %w", name, err)
		}
		report[name] = n
		s.logger.Info("Source seeded", map[string]interface{}{
			"operation": "source_seed",
			"source":    name,
			"written":   n,
		})
	}
	return report, nil
}

func seedRelational(ctx context.Context, a *relational.Adapter, ds Dataset) (int, error) {
	err := a.Exec(ctx, `CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		embedding TEXT
	)`)
	if err != nil {
		return 0, err
	}

	rows := make([][]interface{}, 0, len(ds.Customers))
	for _, c := range ds.Customers {
		rows = append(rows, []interface{}{c.ID, c.Name, c.Email, embeddingText(c.Embedding)})
	}
	err = a.Exec(ctx, `INSERT INTO customers (id, name, email, embedding) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email, embedding = excluded.embedding`, rows...)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func seedDocument(ctx context.Context, a *document.Adapter, ds Dataset) (int, error) {
	for _, o := range ds.Orders {
		doc := map[string]interface{}{
			"order_id":    o.ID,
			"customer_id": o.CustomerID,
			"amount":      o.Amount,
			"order_date":  o.OrderDate,
		}
		if err := a.Insert(ctx, OrdersCollection, o.ID, doc, o.Recency); err != nil {
			return 0, err
		}
	}
	return len(ds.Orders), nil
}

func seedGraph(a *graph.Adapter, ds Dataset) (int, error) {
	for _, c := range ds.Customers {
		if err := a.PutNode(c.ID, map[string]interface{}{"name": c.Name, "email": c.Email}); err != nil {
			return 0, err
		}
	}
	for _, r := range ds.Referrals {
		if err := a.PutEdge(graph.DefaultEdge, r.From, r.To, map[string]interface{}{"since": r.Since}); err != nil {
			return 0, err
		}
	}
	return len(ds.Customers) + len(ds.Referrals), nil
}

func seedVector(ctx context.Context, a *vector.Adapter, ds Dataset) (int, error) {
	created := 0
	for _, c := range ds.Customers {
		ok, err := a.Put(ctx, "", c.ID, map[string]interface{}{"name": c.Name, "email": c.Email}, c.Embedding)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func embeddingText(v []float32) string {
	out := "["
	for i, f := range v {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%g", f)
	}
	return out + "]"
}

// Referred lists the customers id referred directly, sorted.
func (ds Dataset) Referred(id string) []string {
	var out []string
	for _, r := range ds.Referrals {
		if r.From == id {
			out = append(out, r.To)
		}
	}
	sort.Strings(out)
	return out
}
