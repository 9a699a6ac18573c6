// Package relational serves the relational capability over database/sql.
// Postgres is reached through the pgx stdlib driver and embedded databases
// through modernc sqlite.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	// Register the "pgx" and "sqlite" database/sql drivers.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/itsneelabh/fedquery/adapters"
	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// Supported dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DefaultMaxRows caps the rows read from one statement.
const DefaultMaxRows = 1000

// Adapter executes read-only SQL subqueries. The payload carries "query"
// with ? placeholders and optional positional "args".
type Adapter struct {
	db      *sql.DB
	dialect string
	maxRows int
	logger  core.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMaxRows caps the rows returned per statement.
func WithMaxRows(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxRows = n
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

// Open connects to a database and verifies it answers.
func Open(ctx context.Context, dialect, dsn string, opts ...Option) (*Adapter, error) {
	driver, err := driverName(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// Single writer, and every connection must see the same :memory: database.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}
	return New(db, dialect, opts...), nil
}

// New wraps an open database handle.
func New(db *sql.DB, dialect string, opts ...Option) *Adapter {
	a := &Adapter{
		db:      db,
		dialect: dialect,
		maxRows: DefaultMaxRows,
		logger:  &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DB exposes the underlying handle, mainly for seeding.
func (a *Adapter) DB() *sql.DB { return a.db }

// Exec runs a write statement with ? placeholders once per argument row,
// all inside one transaction. Seeding uses it; Execute stays read-only.
func (a *Adapter) Exec(ctx context.Context, stmt string, rows ...[]interface{}) error {
	if a.dialect == DialectPostgres {
		stmt = rebind(stmt)
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if len(rows) == 0 {
		rows = [][]interface{}{nil}
	}
	for _, args := range rows {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec failed: %w", err)
		}
	}
	return tx.Commit()
}

// Close releases the connection pool.
func (a *Adapter) Close() error { return a.db.Close() }

// Execute implements orchestration.Adapter.
func (a *Adapter) Execute(ctx context.Context, q orchestration.Subquery, deps orchestration.Dependencies) (*orchestration.Result, error) {
	payload := adapters.Bind(q.Payload, deps)

	query := strings.TrimSpace(adapters.String(payload, "query", ""))
	if query == "" {
		return nil, adapters.InvalidPayload("relational.Execute", q.NodeID, "payload has no query")
	}
	if !readOnly(query) {
		return nil, adapters.InvalidPayload("relational.Execute", q.NodeID, "only SELECT and WITH statements are allowed")
	}
	if a.dialect == DialectPostgres {
		query = rebind(query)
	}
	args := adapters.Slice(payload, "args")

	start := time.Now()
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records, columns, err := a.scan(rows)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Relational query executed", map[string]interface{}{
		"operation":   "relational_query",
		"node_id":     q.NodeID,
		"source":      q.Source,
		"rows":        len(records),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return &orchestration.Result{
		Records: records,
		Meta: map[string]interface{}{
			"source_id":   q.Source,
			"source_type": "relational",
			"columns":     columns,
		},
	}, nil
}

func (a *Adapter) scan(rows *sql.Rows) ([]orchestration.Record, []string, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}

	records := []orchestration.Record{}
	for rows.Next() {
		if len(records) >= a.maxRows {
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec := make(orchestration.Record, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				rec[col] = string(b)
				continue
			}
			rec[col] = values[i]
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return records, columns, nil
}

func driverName(dialect string) (string, error) {
	switch dialect {
	case DialectPostgres:
		return "pgx", nil
	case DialectSQLite:
		return "sqlite", nil
	default:
		return "", &core.FrameworkError{
			Op:      "relational.Open",
			Kind:    "adapter",
			ID:      dialect,
			Message: "unsupported SQL dialect",
			Err:     core.ErrInvalidConfiguration,
		}
	}
}

// readOnly accepts statements starting with SELECT or WITH. A WITH statement
// must not carry a data-modifying CTE.
func readOnly(query string) bool {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(strings.TrimLeft(fields[0], "(")) {
	case "SELECT":
	case "WITH":
		if modifies(query) {
			return false
		}
	default:
		return false
	}
	return !strings.Contains(strings.TrimRight(query, "; \n\t"), ";")
}

var writeKeywords = map[string]bool{"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true}

// modifies reports whether a write keyword appears as a bare word outside
// quoted strings and identifiers.
func modifies(query string) bool {
	var (
		word  strings.Builder
		quote rune
	)
	flush := func() bool {
		w := strings.ToUpper(word.String())
		word.Reset()
		return writeKeywords[w]
	}
	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			if flush() {
				return true
			}
			quote = r
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			if flush() {
				return true
			}
		}
	}
	return flush()
}

// rebind rewrites ? placeholders as $1, $2, ... outside quoted strings.
func rebind(query string) string {
	var (
		b     strings.Builder
		n     int
		quote rune
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '?':
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
