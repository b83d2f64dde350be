// Package semantic inspects SQL results for semantic, not just syntactic,
// correctness and drives a bounded retry loop through the LLM when a
// result looks wrong: empty, unbounded, off-topic columns, or suspicious
// NULLs in an aggregation. Grounded on
// dbnotebook/core/sql_chat/semantic_inspector.py (original_source).
package semantic

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fabfab/notebook-core/internal/llmprovider"
	"github.com/fabfab/notebook-core/internal/sqlexec"
)

// DefaultMaxRetries and DefaultMaxAcceptableRows mirror
// SemanticInspector.MAX_RETRIES / max_acceptable_rows.
const (
	DefaultMaxRetries        = 3
	DefaultMaxAcceptableRows = 5000
)

// aggKeywords flags a natural-language query as an aggregation, the same
// list AGG_KEYWORDS checks.
var aggKeywords = []string{"sum", "avg", "average", "count", "total", "max", "min", "mean"}

// stopWords are ignored when extracting meaningful terms from a query or
// column name for the column-relevance overlap check.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "could": true, "should": true, "may": true, "might": true,
	"can": true, "of": true, "to": true, "for": true, "in": true, "on": true,
	"at": true, "by": true, "from": true, "with": true, "about": true,
	"into": true, "and": true, "or": true, "but": true, "if": true, "so": true,
	"as": true, "what": true, "which": true, "who": true, "how": true,
	"many": true, "much": true, "all": true, "any": true, "show": true,
	"me": true, "get": true, "find": true, "give": true, "tell": true,
	"list": true, "display": true, "total": true, "sum": true, "count": true,
	"average": true, "avg": true, "max": true, "min": true,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// ExecuteFunc runs sql against the connection under inspection and returns
// the raw execution result.
type ExecuteFunc func(ctx context.Context, sqlQuery string) *sqlexec.QueryResult

// Inspector checks executed results for semantic sense and retries SQL
// generation with feedback when they don't make sense.
type Inspector struct {
	llm               llmprovider.Provider
	maxRetries        int
	maxAcceptableRows int
}

// NewInspector constructs an Inspector. Non-positive arguments fall back
// to DefaultMaxRetries / DefaultMaxAcceptableRows.
func NewInspector(llm llmprovider.Provider, maxRetries, maxAcceptableRows int) *Inspector {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if maxAcceptableRows <= 0 {
		maxAcceptableRows = DefaultMaxAcceptableRows
	}
	return &Inspector{llm: llm, maxRetries: maxRetries, maxAcceptableRows: maxAcceptableRows}
}

// ExecuteWithInspection runs sql via execute, and whenever the result looks
// syntactically broken or semantically off, asks the LLM to correct it and
// retries, up to maxRetries attempts. It always returns the last result
// attempted, the final accept/reject verdict, and how many retries ran.
func (ins *Inspector) ExecuteWithInspection(ctx context.Context, nlQuery, sql string, execute ExecuteFunc) (*sqlexec.QueryResult, bool, int) {
	currentSQL := sql
	retryCount := 0
	var result *sqlexec.QueryResult

	for attempt := 0; attempt < ins.maxRetries; attempt++ {
		result = execute(ctx, currentSQL)

		if !result.Success {
			feedback := fmt.Sprintf("SQL error: %s", result.ErrorMessage)
			currentSQL = ins.retryWithFeedback(ctx, nlQuery, currentSQL, feedback)
			retryCount++
			continue
		}

		if result.RowCount == 0 {
			feedback := "Query returned 0 rows. Possible issues: wrong table name, " +
				"overly restrictive WHERE clause, incorrect JOIN condition, or data doesn't exist."
			currentSQL = ins.retryWithFeedback(ctx, nlQuery, currentSQL, feedback)
			retryCount++
			continue
		}

		if result.RowCount > ins.maxAcceptableRows {
			feedback := fmt.Sprintf(
				"Query returned %d rows, which is too many. Add more specific WHERE conditions or a LIMIT clause.",
				result.RowCount)
			currentSQL = ins.retryWithFeedback(ctx, nlQuery, currentSQL, feedback)
			retryCount++
			continue
		}

		if !ins.columnsMatchIntent(nlQuery, result) {
			names := make([]string, len(result.Columns))
			for i, c := range result.Columns {
				names[i] = c.Name
			}
			feedback := fmt.Sprintf(
				"Columns %v don't seem to answer the question %q. Review the SELECT clause.",
				names, nlQuery)
			currentSQL = ins.retryWithFeedback(ctx, nlQuery, currentSQL, feedback)
			retryCount++
			continue
		}

		if ins.hasSuspiciousNulls(nlQuery, result) {
			feedback := "Aggregation returned NULL values. Check if the column exists " +
				"and contains data. Verify column name spelling."
			currentSQL = ins.retryWithFeedback(ctx, nlQuery, currentSQL, feedback)
			retryCount++
			continue
		}

		result.SQLGenerated = currentSQL
		return result, true, retryCount
	}

	return result, false, retryCount
}

func (ins *Inspector) retryWithFeedback(ctx context.Context, nlQuery, sql, feedback string) string {
	prompt := fmt.Sprintf(`The following SQL query has a semantic issue:

Original question: %s

SQL query:
%s

Issue detected: %s

Generate a corrected SQL query that addresses this issue.
Return ONLY the SQL query, no explanation or markdown.
`, nlQuery, sql, feedback)

	response, err := ins.llm.Complete(ctx, []llmprovider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return sql
	}
	return cleanSQLResponse(response)
}

var sqlFenceLang = regexp.MustCompile("(?s)```sql\\s*(.*?)\\s*```")
var sqlFenceBare = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")

func cleanSQLResponse(response string) string {
	if strings.Contains(response, "```sql") {
		if m := sqlFenceLang.FindStringSubmatch(response); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	if strings.Contains(response, "```") {
		if m := sqlFenceBare.FindStringSubmatch(response); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return strings.TrimSpace(response)
}

func (ins *Inspector) columnsMatchIntent(nlQuery string, result *sqlexec.QueryResult) bool {
	if len(result.Columns) == 0 {
		return false
	}

	queryTerms := extractTerms(nlQuery)

	colTerms := make(map[string]bool)
	for _, c := range result.Columns {
		colName := strings.ReplaceAll(strings.ToLower(c.Name), "_", " ")
		for _, word := range strings.Fields(colName) {
			colTerms[word] = true
		}
	}

	if len(result.Columns) <= 5 {
		return true
	}

	for t := range queryTerms {
		if colTerms[t] {
			return true
		}
	}
	return false
}

func (ins *Inspector) hasSuspiciousNulls(nlQuery string, result *sqlexec.QueryResult) bool {
	lower := strings.ToLower(nlQuery)
	isAggregation := false
	for _, kw := range aggKeywords {
		if strings.Contains(lower, kw) {
			isAggregation = true
			break
		}
	}
	if !isAggregation || result.RowCount != 1 || len(result.Data) == 0 {
		return false
	}

	row := result.Data[0]
	nullCount := 0
	for _, v := range row {
		if v == nil {
			nullCount++
		}
	}
	totalCols := len(row)
	return totalCols > 0 && float64(nullCount)/float64(totalCols) > 0.5
}

func extractTerms(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		cleaned := nonAlnum.ReplaceAllString(word, "")
		if cleaned != "" && !stopWords[cleaned] && len(cleaned) > 2 {
			terms[cleaned] = true
		}
	}
	return terms
}

// Report is a per-check diagnostic breakdown of one result, surfaced to
// API callers for debugging retries.
type Report struct {
	Success   bool
	RowCount  int
	Checks    map[string]CheckResult
	AllPassed bool
}

// CheckResult is the verdict of one inspection check.
type CheckResult struct {
	Passed  bool
	Message string
}

// InspectionReport builds a Report describing every check run against
// result, regardless of whether ExecuteWithInspection already retried it.
func (ins *Inspector) InspectionReport(nlQuery string, result *sqlexec.QueryResult) Report {
	report := Report{Success: result.Success, RowCount: result.RowCount, Checks: map[string]CheckResult{}}

	if !result.Success {
		report.Checks["syntax"] = CheckResult{Passed: false, Message: result.ErrorMessage}
		return report
	}

	report.Checks["non_empty"] = CheckResult{
		Passed:  result.RowCount > 0,
		Message: nonEmptyMessage(result.RowCount),
	}

	withinLimit := result.RowCount <= ins.maxAcceptableRows
	rowMsg := fmt.Sprintf("%d rows", result.RowCount)
	if withinLimit {
		rowMsg += " (within limit)"
	} else {
		rowMsg += " (exceeds limit)"
	}
	report.Checks["row_count"] = CheckResult{Passed: withinLimit, Message: rowMsg}

	columnsMatch := ins.columnsMatchIntent(nlQuery, result)
	report.Checks["column_relevance"] = CheckResult{
		Passed:  columnsMatch,
		Message: columnRelevanceMessage(columnsMatch),
	}

	hasNulls := ins.hasSuspiciousNulls(nlQuery, result)
	report.Checks["null_check"] = CheckResult{
		Passed:  !hasNulls,
		Message: nullCheckMessage(hasNulls),
	}

	allPassed := true
	for _, c := range report.Checks {
		if !c.Passed {
			allPassed = false
			break
		}
	}
	report.AllPassed = allPassed

	return report
}

func nonEmptyMessage(rowCount int) string {
	if rowCount > 0 {
		return "Query returned results"
	}
	return "No results"
}

func columnRelevanceMessage(match bool) string {
	if match {
		return "Columns match intent"
	}
	return "Column mismatch detected"
}

func nullCheckMessage(hasNulls bool) string {
	if hasNulls {
		return "Suspicious NULL values"
	}
	return "No suspicious NULLs"
}
