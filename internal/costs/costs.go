// Package costs tracks per-call API spend in a local sqlite database and
// answers aggregate queries by day, week, or month.
package costs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one priced API call.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	TraceID      string    `json:"trace_id,omitempty"`
	Purpose      string    `json:"purpose,omitempty"`
}

// Period selects the aggregation bucket.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Aggregate is spend grouped into one period bucket.
type Aggregate struct {
	Bucket       string  `json:"bucket"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

const schema = `
CREATE TABLE IF NOT EXISTS api_costs (
	timestamp     TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL,
	trace_id      TEXT,
	purpose       TEXT
);
CREATE INDEX IF NOT EXISTS idx_api_costs_timestamp ON api_costs(timestamp);
CREATE INDEX IF NOT EXISTS idx_api_costs_trace ON api_costs(trace_id);
`

// Store is the sqlite-backed cost tracker.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the cost database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cost store: %w", err)
	}
	s := &Store{db: db}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cost schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing handle (for tests).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Add records one priced call.
func (s *Store) Add(ctx context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_costs (timestamp, provider, model, input_tokens, output_tokens, cost_usd, trace_id, purpose)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Format(time.RFC3339), r.Provider, r.Model,
		r.InputTokens, r.OutputTokens, r.CostUSD, r.TraceID, r.Purpose)
	if err != nil {
		return fmt.Errorf("insert cost record: %w", err)
	}
	return nil
}

// bucketExpr returns the sqlite strftime expression grouping timestamps
// into the period.
func bucketExpr(p Period) (string, error) {
	switch p {
	case PeriodDay:
		return `strftime('%Y-%m-%d', timestamp)`, nil
	case PeriodWeek:
		return `strftime('%Y-W%W', timestamp)`, nil
	case PeriodMonth:
		return `strftime('%Y-%m', timestamp)`, nil
	default:
		return "", fmt.Errorf("unknown period %q", p)
	}
}

// AggregateBy returns spend bucketed by period since the given time,
// newest bucket first.
func (s *Store) AggregateBy(ctx context.Context, p Period, since time.Time) ([]Aggregate, error) {
	expr, err := bucketExpr(p)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT %s AS bucket, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		 FROM api_costs WHERE timestamp >= ?
		 GROUP BY bucket ORDER BY bucket DESC`, expr)

	rows, err := s.db.QueryContext(ctx, query, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("aggregate costs: %w", err)
	}
	defer rows.Close()

	var out []Aggregate
	for rows.Next() {
		var a Aggregate
		if err := rows.Scan(&a.Bucket, &a.Calls, &a.InputTokens, &a.OutputTokens, &a.CostUSD); err != nil {
			return nil, fmt.Errorf("scan cost aggregate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TotalForTrace sums the spend of one request.
func (s *Store) TotalForTrace(ctx context.Context, traceID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM api_costs WHERE trace_id = ?`, traceID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum trace cost: %w", err)
	}
	return total.Float64, nil
}
