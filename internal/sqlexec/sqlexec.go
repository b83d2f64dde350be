// Package sqlexec runs validated SQL against an external connection under
// an always-rolled-back transaction, so a connection that somehow accepts
// a mutating statement still can't commit one, plus row limits and query
// timeouts. Grounded on dbnotebook/core/sql_chat/executor.py
// (original_source).
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fabfab/notebook-core/internal/sqlengine"
	"github.com/fabfab/notebook-core/internal/sqlvalidate"
)

// DefaultMaxRows and DefaultQueryTimeout mirror
// SafeQueryExecutor.MAX_ROWS / QUERY_TIMEOUT_SECONDS.
const (
	DefaultMaxRows      = 10_000
	DefaultQueryTimeout = 30 * time.Second
)

// ColumnInfo describes one result column.
type ColumnInfo struct {
	Name string
	Type string
}

// QueryResult is the outcome of one execution attempt. Errors are carried
// in the struct rather than returned separately, mirroring the original's
// "always returns a result, never raises" executor contract.
type QueryResult struct {
	Success         bool
	SQLGenerated    string
	Data            []map[string]any
	Columns         []ColumnInfo
	RowCount        int
	ExecutionTimeMS float64
	ErrorMessage    string
}

// Executor runs read-only queries with row-count and timeout guarantees.
type Executor struct {
	maxRows      int
	queryTimeout time.Duration
}

// NewExecutor constructs an Executor. Non-positive arguments fall back to
// DefaultMaxRows / DefaultQueryTimeout.
func NewExecutor(maxRows int, queryTimeout time.Duration) *Executor {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	return &Executor{maxRows: maxRows, queryTimeout: queryTimeout}
}

// ExecuteReadOnly validates, limit-bounds, and runs sql inside a
// transaction that is always rolled back, never committed.
func (e *Executor) ExecuteReadOnly(ctx context.Context, db *sql.DB, dbType sqlengine.DatabaseType, sqlQuery string) *QueryResult {
	start := time.Now()

	if ok, errMsg := sqlvalidate.ValidateGeneratedSQL(sqlQuery, nil); !ok {
		return &QueryResult{SQLGenerated: sqlQuery, ErrorMessage: errMsg}
	}

	sqlWithLimit := e.ensureLimit(sqlQuery)

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return errorResult(sqlQuery, start, err.Error())
	}
	defer tx.Rollback()

	if dbType == sqlengine.DatabasePostgres {
		timeoutMS := e.queryTimeout.Milliseconds()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET statement_timeout = %d", timeoutMS)); err != nil {
			return errorResult(sqlQuery, start, err.Error())
		}
	}

	rows, err := tx.QueryContext(ctx, sqlWithLimit)
	if err != nil {
		return errorResult(sqlQuery, start, err.Error())
	}
	defer rows.Close()

	columns, err := extractColumnInfo(rows)
	if err != nil {
		return errorResult(sqlQuery, start, err.Error())
	}

	data, err := scanRows(rows, columns)
	if err != nil {
		return errorResult(sqlQuery, start, err.Error())
	}

	return &QueryResult{
		Success:         true,
		SQLGenerated:    sqlQuery,
		Data:            data,
		Columns:         columns,
		RowCount:        len(data),
		ExecutionTimeMS: elapsedMS(start),
	}
}

func errorResult(sqlQuery string, start time.Time, rawError string) *QueryResult {
	errMsg := rawError
	lower := strings.ToLower(rawError)
	switch {
	case strings.Contains(lower, "statement_timeout"), strings.Contains(lower, "context deadline exceeded"):
		errMsg = "query timed out"
	case strings.Contains(lower, "permission denied"):
		errMsg = "permission denied - check database user permissions"
	}
	return &QueryResult{
		SQLGenerated:    sqlQuery,
		ExecutionTimeMS: elapsedMS(start),
		ErrorMessage:    errMsg,
	}
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// ensureLimit appends a LIMIT clause when the query doesn't already carry
// one, preventing unbounded result sets.
func (e *Executor) ensureLimit(sqlQuery string) string {
	upper := strings.ToUpper(sqlQuery)
	if strings.Contains(upper, "LIMIT") {
		return sqlQuery
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sqlQuery), ";")
	return fmt.Sprintf("%s LIMIT %d", trimmed, e.maxRows)
}

func extractColumnInfo(rows *sql.Rows) ([]ColumnInfo, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read column types: %w", err)
	}

	columns := make([]ColumnInfo, len(names))
	for i, name := range names {
		typeName := "unknown"
		if i < len(types) {
			typeName = types[i].DatabaseTypeName()
		}
		columns[i] = ColumnInfo{Name: name, Type: typeName}
	}
	return columns, nil
}

func scanRows(rows *sql.Rows, columns []ColumnInfo) ([]map[string]any, error) {
	var data []map[string]any

	for rows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col.Name] = normalizeValue(raw[i])
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return data, nil
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// TestQuerySyntax validates sql can be planned without executing it, via
// EXPLAIN (or EXPLAIN QUERY PLAN for sqlite), inside a rolled-back
// transaction.
func (e *Executor) TestQuerySyntax(ctx context.Context, db *sql.DB, dbType sqlengine.DatabaseType, sqlQuery string) (bool, string) {
	var explainSQL string
	if dbType == sqlengine.DatabaseSQLite {
		explainSQL = "EXPLAIN QUERY PLAN " + sqlQuery
	} else {
		explainSQL = "EXPLAIN " + sqlQuery
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err.Error()
	}
	defer tx.Rollback()

	if _, err := tx.QueryContext(ctx, explainSQL); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// ResultSummary returns the lightweight diagnostic view of a QueryResult
// surfaced to API callers and logs.
func (e *Executor) ResultSummary(result *QueryResult) map[string]any {
	if !result.Success {
		return map[string]any{
			"success": false,
			"error":   result.ErrorMessage,
		}
	}

	names := make([]string, len(result.Columns))
	for i, c := range result.Columns {
		names[i] = c.Name
	}

	return map[string]any{
		"success":           true,
		"row_count":         result.RowCount,
		"column_count":      len(result.Columns),
		"columns":           names,
		"execution_time_ms": result.ExecutionTimeMS,
		"truncated":         result.RowCount >= e.maxRows,
	}
}
