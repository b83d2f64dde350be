// Package cost estimates a generated SQL query's execution cost via
// EXPLAIN before it runs, dialect-dispatched, so expensive or cartesian
// queries can be rejected up front. Grounded on
// dbnotebook/core/sql_chat/cost_estimator.py (original_source). Postgres
// plan parsing uses stdlib encoding/json against EXPLAIN (FORMAT JSON) —
// no SQL-plan parsing library exists anywhere in the pack.
package cost

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fabfab/notebook-core/internal/sqlengine"
)

// Estimate is the parsed result of running EXPLAIN against a query.
type Estimate struct {
	TotalCost     float64
	EstimatedRows int64
	HasSeqScan    bool
	HasCartesian  bool
	PlanJSON      map[string]any
}

// Estimator runs dialect-appropriate EXPLAIN queries and flags unsafe
// plans against configured thresholds.
type Estimator struct {
	maxEstimatedRows int64
	maxCost          float64
}

// NewEstimator constructs an Estimator. Non-positive arguments fall back
// to MAX_ESTIMATED_ROWS=100000 and MAX_COST=50000.
func NewEstimator(maxEstimatedRows int64, maxCost float64) *Estimator {
	if maxEstimatedRows <= 0 {
		maxEstimatedRows = 100_000
	}
	if maxCost <= 0 {
		maxCost = 50_000
	}
	return &Estimator{maxEstimatedRows: maxEstimatedRows, maxCost: maxCost}
}

// Estimate runs EXPLAIN against sql and parses the resulting plan. A nil
// return (with a non-nil error) means estimation failed and the caller
// should soft-fail rather than block execution.
func (e *Estimator) Estimate(ctx context.Context, db *sql.DB, dbType sqlengine.DatabaseType, query string) (*Estimate, error) {
	switch dbType {
	case sqlengine.DatabasePostgres:
		return e.estimatePostgres(ctx, db, query)
	case sqlengine.DatabaseMySQL:
		return e.estimateMySQL(ctx, db, query)
	case sqlengine.DatabaseSQLite:
		return e.estimateSQLite(ctx, db, query)
	default:
		return nil, fmt.Errorf("cost estimation not supported for %q", dbType)
	}
}

func (e *Estimator) estimatePostgres(ctx context.Context, db *sql.DB, query string) (*Estimate, error) {
	var planRaw string
	err := db.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+query).Scan(&planRaw)
	if err != nil {
		return nil, fmt.Errorf("explain query: %w", err)
	}

	var planDocs []map[string]any
	if err := json.Unmarshal([]byte(planRaw), &planDocs); err != nil {
		return nil, fmt.Errorf("parse explain output: %w", err)
	}
	if len(planDocs) == 0 {
		return nil, fmt.Errorf("empty explain output")
	}

	plan, _ := planDocs[0]["Plan"].(map[string]any)
	if plan == nil {
		return nil, fmt.Errorf("explain output missing Plan node")
	}

	return &Estimate{
		TotalCost:     floatField(plan, "Total Cost"),
		EstimatedRows: int64(floatField(plan, "Plan Rows")),
		HasSeqScan:    hasSeqScanPostgres(plan),
		HasCartesian:  hasCartesianPostgres(plan),
		PlanJSON:      plan,
	}, nil
}

func floatField(plan map[string]any, key string) float64 {
	v, ok := plan[key]
	if !ok {
		return 0
	}
	f, _ := v.(float64)
	return f
}

func hasSeqScanPostgres(plan map[string]any) bool {
	if nodeType, _ := plan["Node Type"].(string); nodeType == "Seq Scan" {
		if floatField(plan, "Plan Rows") > 10_000 {
			return true
		}
	}
	for _, child := range childPlans(plan) {
		if hasSeqScanPostgres(child) {
			return true
		}
	}
	return false
}

func hasCartesianPostgres(plan map[string]any) bool {
	if nodeType, _ := plan["Node Type"].(string); nodeType == "Nested Loop" {
		if _, hasJoinFilter := plan["Join Filter"]; !hasJoinFilter {
			if floatField(plan, "Plan Rows") > 1_000_000 {
				return true
			}
		}
	}
	for _, child := range childPlans(plan) {
		if hasCartesianPostgres(child) {
			return true
		}
	}
	return false
}

func childPlans(plan map[string]any) []map[string]any {
	raw, _ := plan["Plans"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, p := range raw {
		if m, ok := p.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (e *Estimator) estimateMySQL(ctx context.Context, db *sql.DB, query string) (*Estimate, error) {
	rows, err := db.QueryContext(ctx, "EXPLAIN "+query)
	if err != nil {
		return nil, fmt.Errorf("explain query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read explain columns: %w", err)
	}

	var records []map[string]any
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan explain row: %w", err)
		}
		record := make(map[string]any, len(cols))
		for i, c := range cols {
			record[strings.ToLower(c)] = raw[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty explain output")
	}

	var totalRows int64
	hasSeqScan := false
	hasCartesian := false

	for _, r := range records {
		totalRows += toInt64(r["rows"])
		if accessType, _ := r["type"].(string); accessType == "ALL" {
			hasSeqScan = true
		}
		if r["ref"] == nil && len(records) > 1 {
			hasCartesian = true
		}
	}

	return &Estimate{
		TotalCost:     float64(totalRows) * 0.01,
		EstimatedRows: totalRows,
		HasSeqScan:    hasSeqScan,
		HasCartesian:  hasCartesian,
	}, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case []byte:
		var n int64
		fmt.Sscanf(string(t), "%d", &n)
		return n
	default:
		return 0
	}
}

func (e *Estimator) estimateSQLite(ctx context.Context, db *sql.DB, query string) (*Estimate, error) {
	rows, err := db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		return nil, fmt.Errorf("explain query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	hasSeqScan := false
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			continue
		}
		detail := fmt.Sprintf("%v", raw[len(raw)-1])
		upper := strings.ToUpper(detail)
		if strings.Contains(upper, "SCAN") && !strings.Contains(upper, "INDEX") {
			hasSeqScan = true
		}
	}

	return &Estimate{HasSeqScan: hasSeqScan}, rows.Err()
}

// IsSafe checks an estimate against the configured thresholds and returns
// a combined warning message when any is exceeded.
func (e *Estimator) IsSafe(est Estimate) (bool, string) {
	var warnings []string

	if est.EstimatedRows > e.maxEstimatedRows {
		warnings = append(warnings, fmt.Sprintf(
			"query would return ~%d rows. Add more specific filters or LIMIT.", est.EstimatedRows))
	}
	if est.TotalCost > e.maxCost {
		warnings = append(warnings, fmt.Sprintf(
			"query cost (%.0f) exceeds threshold. Consider adding indexes or filters.", est.TotalCost))
	}
	if est.HasCartesian {
		warnings = append(warnings, "query contains potential cartesian join. Add proper JOIN conditions.")
	}

	if len(warnings) > 0 {
		return false, strings.Join(warnings, " | ")
	}
	return true, ""
}

// OptimizationSuggestions returns human-readable suggestions for a plan
// that tripped one or more soft thresholds.
func OptimizationSuggestions(est Estimate) []string {
	var suggestions []string

	if est.HasSeqScan {
		suggestions = append(suggestions, "Consider adding an index on frequently filtered columns")
	}
	if est.HasCartesian {
		suggestions = append(suggestions, "Add explicit JOIN conditions to prevent cartesian product")
	}
	if est.EstimatedRows > 10_000 {
		suggestions = append(suggestions, "Add LIMIT clause or more specific WHERE conditions")
	}
	if est.TotalCost > 10_000 {
		suggestions = append(suggestions, "Query is expensive - consider filtering data more aggressively")
	}
	return suggestions
}
