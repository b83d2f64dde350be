// Package telemetry records one QueryTelemetry entry per SQL chat query and
// answers aggregate questions over a time window. It persists to Postgres
// when a database is configured, the way vectorstore and conversation do,
// and otherwise falls back to a bounded in-memory ring so the service still
// runs without a DATABASE_URL.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// QueryTelemetry is one query's outcome record, append-only.
type QueryTelemetry struct {
	SessionID       string
	UserQuery       string
	GeneratedSQL    string
	Intent          string
	ConfidenceScore float64
	RetryCount      int
	ExecutionTimeMs int64
	RowCount        int
	CostEstimate    float64
	Success         bool
	Error           string
	Timestamp       time.Time
}

// Logger appends telemetry entries and aggregates them over a time window.
type Logger interface {
	Log(ctx context.Context, entry QueryTelemetry) error
	Aggregate(ctx context.Context, since time.Time) (Aggregate, error)
}

// Aggregate summarizes telemetry entries within a window.
type Aggregate struct {
	Count             int
	SuccessRate       float64
	AvgRetries        float64
	AvgConfidence     float64
	EmptyResultRate   float64
	AvgExecTimeMs     float64
	IntentCounts      map[string]int
	TopErrorPrefixes  []ErrorPrefixCount
}

// ErrorPrefixCount is one distinct error-message prefix and how often it
// occurred, sorted descending by Count by Aggregate callers.
type ErrorPrefixCount struct {
	Prefix string
	Count  int
}

func computeAggregate(entries []QueryTelemetry) Aggregate {
	agg := Aggregate{IntentCounts: map[string]int{}}
	if len(entries) == 0 {
		return agg
	}

	var successes, emptyResults int
	var retrySum, confidenceSum, execSum float64
	errorPrefixCounts := map[string]int{}

	for _, e := range entries {
		agg.Count++
		if e.Success {
			successes++
		}
		if e.RowCount == 0 {
			emptyResults++
		}
		retrySum += float64(e.RetryCount)
		confidenceSum += e.ConfidenceScore
		execSum += float64(e.ExecutionTimeMs)
		if e.Intent != "" {
			agg.IntentCounts[e.Intent]++
		}
		if e.Error != "" {
			errorPrefixCounts[errorPrefix(e.Error)]++
		}
	}

	n := float64(agg.Count)
	agg.SuccessRate = float64(successes) / n
	agg.AvgRetries = retrySum / n
	agg.AvgConfidence = confidenceSum / n
	agg.EmptyResultRate = float64(emptyResults) / n
	agg.AvgExecTimeMs = execSum / n

	for prefix, count := range errorPrefixCounts {
		agg.TopErrorPrefixes = append(agg.TopErrorPrefixes, ErrorPrefixCount{Prefix: prefix, Count: count})
	}
	sort.Slice(agg.TopErrorPrefixes, func(i, j int) bool {
		if agg.TopErrorPrefixes[i].Count != agg.TopErrorPrefixes[j].Count {
			return agg.TopErrorPrefixes[i].Count > agg.TopErrorPrefixes[j].Count
		}
		return agg.TopErrorPrefixes[i].Prefix < agg.TopErrorPrefixes[j].Prefix
	})

	return agg
}

// errorPrefix takes everything up to the first colon, so "connection
// refused: dial tcp ..." and "connection refused: timeout" group together.
func errorPrefix(msg string) string {
	if idx := strings.Index(msg, ":"); idx > 0 {
		return strings.TrimSpace(msg[:idx])
	}
	return msg
}

// MemoryLogger is a fixed-capacity ring buffer used when no database is
// configured.
type MemoryLogger struct {
	mu       sync.Mutex
	capacity int
	entries  []QueryTelemetry
	next     int
	full     bool
}

// NewMemoryLogger constructs a ring buffer with the given capacity (the
// default used elsewhere in this package is 1000).
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryLogger{capacity: capacity, entries: make([]QueryTelemetry, capacity)}
}

func (l *MemoryLogger) Log(_ context.Context, entry QueryTelemetry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.full = true
	}
	return nil
}

func (l *MemoryLogger) snapshot() []QueryTelemetry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]QueryTelemetry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}

	out := make([]QueryTelemetry, l.capacity)
	copy(out, l.entries[l.next:])
	copy(out[l.capacity-l.next:], l.entries[:l.next])
	return out
}

func (l *MemoryLogger) Aggregate(_ context.Context, since time.Time) (Aggregate, error) {
	var windowed []QueryTelemetry
	for _, e := range l.snapshot() {
		if !e.Timestamp.Before(since) {
			windowed = append(windowed, e)
		}
	}
	return computeAggregate(windowed), nil
}

var _ Logger = (*MemoryLogger)(nil)

// DBLogger persists entries to Postgres.
type DBLogger struct {
	pool *pgxpool.Pool
}

// NewDBLogger connects telemetry logging to an existing pool, ensuring the
// query_telemetry table exists.
func NewDBLogger(ctx context.Context, pool *pgxpool.Pool) (*DBLogger, error) {
	l := &DBLogger{pool: pool}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *DBLogger) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS query_telemetry (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_query TEXT NOT NULL,
	generated_sql TEXT NOT NULL,
	intent TEXT NOT NULL,
	confidence_score DOUBLE PRECISION NOT NULL,
	retry_count INT NOT NULL,
	execution_time_ms BIGINT NOT NULL,
	row_count INT NOT NULL,
	cost_estimate DOUBLE PRECISION NOT NULL,
	success BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS query_telemetry_created_idx ON query_telemetry (created_at);
`)
	if err != nil {
		return fmt.Errorf("ensure telemetry schema: %w", err)
	}
	return nil
}

func (l *DBLogger) Log(ctx context.Context, entry QueryTelemetry) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO query_telemetry
	(session_id, user_query, generated_sql, intent, confidence_score, retry_count,
	 execution_time_ms, row_count, cost_estimate, success, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.SessionID, entry.UserQuery, entry.GeneratedSQL, entry.Intent, entry.ConfidenceScore,
		entry.RetryCount, entry.ExecutionTimeMs, entry.RowCount, entry.CostEstimate, entry.Success, entry.Error)
	if err != nil {
		return fmt.Errorf("log telemetry: %w", err)
	}
	return nil
}

func (l *DBLogger) Aggregate(ctx context.Context, since time.Time) (Aggregate, error) {
	rows, err := l.pool.Query(ctx, `
SELECT session_id, user_query, generated_sql, intent, confidence_score, retry_count,
       execution_time_ms, row_count, cost_estimate, success, error, created_at
FROM query_telemetry
WHERE created_at >= $1`, since)
	if err != nil {
		return Aggregate{}, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var entries []QueryTelemetry
	for rows.Next() {
		var e QueryTelemetry
		if err := rows.Scan(&e.SessionID, &e.UserQuery, &e.GeneratedSQL, &e.Intent, &e.ConfidenceScore,
			&e.RetryCount, &e.ExecutionTimeMs, &e.RowCount, &e.CostEstimate, &e.Success, &e.Error, &e.Timestamp); err != nil {
			return Aggregate{}, fmt.Errorf("scan telemetry row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Aggregate{}, fmt.Errorf("iterate telemetry rows: %w", err)
	}
	return computeAggregate(entries), nil
}

var _ Logger = (*DBLogger)(nil)
