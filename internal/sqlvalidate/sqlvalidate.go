// Package sqlvalidate validates both the user's natural-language input and
// the LLM-generated SQL before execution: forbidden operations, injection
// patterns, single-statement enforcement, and schema table/column
// reference checks. Grounded on dbnotebook/core/sql_chat/validators.py
// (original_source). Stdlib regexp only: no SQL parser exists anywhere in
// the pack, and this is a direct port of a regex/word-boundary validator,
// not a task a parser would meaningfully improve on for a pre-execution
// safety gate.
package sqlvalidate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fabfab/notebook-core/internal/sqlengine"
)

// forbiddenOperations must never appear in generated SQL.
var forbiddenOperations = []string{
	"DROP", "DELETE", "TRUNCATE", "ALTER", "INSERT", "UPDATE",
	"CREATE", "GRANT", "REVOKE", "EXEC", "EXECUTE", "CALL",
	"BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "LOCK", "UNLOCK",
}

// injectionPatternSources are checked against both user input and
// generated SQL.
var injectionPatternSources = []string{
	`';.*--`,
	`UNION\s+SELECT`,
	`OR\s+1\s*=\s*1`,
	`OR\s+'1'\s*=\s*'1'`,
	`--\s*$`,
	`/\*.*\*/`,
	`;\s*(DROP|DELETE|INSERT)`,
	`SLEEP\s*\(`,
	`BENCHMARK\s*\(`,
	`WAITFOR\s+DELAY`,
	`pg_sleep\s*\(`,
	`LOAD_FILE\s*\(`,
	`INTO\s+(OUT|DUMP)FILE`,
	`xp_cmdshell`,
}

var injectionPatterns = compileInjectionPatterns()

func compileInjectionPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(injectionPatternSources))
	for i, src := range injectionPatternSources {
		out[i] = regexp.MustCompile("(?i)" + src)
	}
	return out
}

var forbiddenOperationPatterns = compileForbiddenPatterns()

func compileForbiddenPatterns() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(forbiddenOperations))
	for _, op := range forbiddenOperations {
		out[op] = regexp.MustCompile(`\b` + op + `\b`)
	}
	return out
}

// userInputDirectSQLPrefixes are checked against the start of a user's query to
// catch someone pasting raw SQL instead of describing their question.
var userInputDirectSQLPrefixes = []string{"SELECT", "DROP", "DELETE", "INSERT"}

// ValidateUserInput rejects empty queries, raw SQL disguised as a
// question, and injection-shaped natural language input.
func ValidateUserInput(query string) (bool, string) {
	if strings.TrimSpace(query) == "" {
		return false, "query cannot be empty"
	}

	upper := strings.ToUpper(query)
	for _, kw := range userInputDirectSQLPrefixes {
		if strings.HasPrefix(upper, kw) {
			return false, "please describe what you want in natural language, not SQL"
		}
	}

	for _, p := range injectionPatterns {
		if p.MatchString(query) {
			return false, "query contains suspicious patterns"
		}
	}

	return true, ""
}

// ValidateGeneratedSQL runs the full safety gate on LLM-generated SQL:
// forbidden operations, injection patterns, SELECT/WITH-only enforcement,
// schema reference checks (when schema is non-nil), and single-statement
// enforcement.
func ValidateGeneratedSQL(sql string, schema *sqlengine.SchemaInfo) (bool, string) {
	if strings.TrimSpace(sql) == "" {
		return false, "generated SQL is empty"
	}

	sqlUpper := strings.ToUpper(sql)
	sqlNormalized := strings.Join(strings.Fields(sqlUpper), " ")

	for _, op := range forbiddenOperations {
		if forbiddenOperationPatterns[op].MatchString(sqlNormalized) {
			return false, fmt.Sprintf("query contains forbidden operation: %s", op)
		}
	}

	for _, p := range injectionPatterns {
		if p.MatchString(sql) {
			return false, "query contains potentially unsafe pattern"
		}
	}

	if !strings.HasPrefix(sqlNormalized, "SELECT") && !strings.HasPrefix(sqlNormalized, "WITH") {
		return false, "only SELECT queries are allowed"
	}

	if schema != nil {
		if ok, errMsg := CheckTableReferences(sql, *schema); !ok {
			return false, errMsg
		}
		if ok, errMsg := CheckColumnReferences(sql, *schema); !ok {
			return false, errMsg
		}
	}

	sqlStripped := strings.TrimRight(strings.TrimSpace(sql), ";")
	if strings.Contains(sqlStripped, ";") {
		return false, "multiple SQL statements not allowed"
	}

	return true, ""
}

var tableReferencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)FROM\s+([a-zA-Z_][a-zA-Z0-9_]*)`),
	regexp.MustCompile(`(?i)JOIN\s+([a-zA-Z_][a-zA-Z0-9_]*)`),
	regexp.MustCompile(`(?i)INTO\s+([a-zA-Z_][a-zA-Z0-9_]*)`),
}

var sqlKeywordsAsTables = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true,
	"not": true, "null": true, "true": true, "false": true, "case": true,
	"when": true, "then": true, "else": true, "end": true,
}

// CheckTableReferences verifies every FROM/JOIN/INTO table reference in sql
// exists in schema.
func CheckTableReferences(sql string, schema sqlengine.SchemaInfo) (bool, string) {
	allowed := make(map[string]bool, len(schema.Tables))
	for _, t := range schema.Tables {
		allowed[strings.ToLower(t.Name)] = true
	}

	referenced := make(map[string]bool)
	for _, p := range tableReferencePatterns {
		for _, m := range p.FindAllStringSubmatch(sql, -1) {
			referenced[strings.ToLower(m[1])] = true
		}
	}

	var invalid []string
	for t := range referenced {
		if sqlKeywordsAsTables[t] {
			continue
		}
		if !allowed[t] {
			invalid = append(invalid, t)
		}
	}

	if len(invalid) > 0 {
		sort.Strings(invalid)
		return false, fmt.Sprintf("unknown table(s): %s", strings.Join(invalid, ", "))
	}
	return true, ""
}

var qualifiedColumnPattern = regexp.MustCompile(`(?i)([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z_][a-zA-Z0-9_]*)`)

var sqlFunctionsAsTables = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"coalesce": true, "cast": true, "extract": true,
}

// CheckColumnReferences verifies every table.column qualified reference in
// sql names a column that actually exists on that table.
func CheckColumnReferences(sql string, schema sqlengine.SchemaInfo) (bool, string) {
	tableColumns := make(map[string]map[string]bool, len(schema.Tables))
	for _, t := range schema.Tables {
		cols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			cols[strings.ToLower(c.Name)] = true
		}
		tableColumns[strings.ToLower(t.Name)] = cols
	}

	for _, m := range qualifiedColumnPattern.FindAllStringSubmatch(sql, -1) {
		tableRef, colRef := m[1], m[2]
		tableLower := strings.ToLower(tableRef)
		colLower := strings.ToLower(colRef)

		if sqlFunctionsAsTables[tableLower] {
			continue
		}

		cols, known := tableColumns[tableLower]
		if !known {
			continue
		}
		if !cols[colLower] {
			available := make([]string, 0, len(cols))
			for c := range cols {
				available = append(available, c)
			}
			sort.Strings(available)
			if len(available) > 10 {
				available = available[:10]
			}
			return false, fmt.Sprintf("column %q does not exist in table %q. Available columns: %s",
				colRef, tableRef, strings.Join(available, ", "))
		}
	}

	return true, ""
}

// SanitizeOutput redacts sensitive columns from result rows. This is a
// fallback path; prefer internal/mask's MaskingPolicy-driven masking.
func SanitizeOutput(results []map[string]any, sensitiveColumns []string) []map[string]any {
	if len(sensitiveColumns) == 0 {
		return results
	}

	sensitive := make(map[string]bool, len(sensitiveColumns))
	for _, c := range sensitiveColumns {
		sensitive[strings.ToLower(c)] = true
	}

	out := make([]map[string]any, len(results))
	for i, row := range results {
		sanitized := make(map[string]any, len(row))
		for col, val := range row {
			if sensitive[strings.ToLower(col)] {
				sanitized[col] = "****"
			} else {
				sanitized[col] = val
			}
		}
		out[i] = sanitized
	}
	return out
}

// ConnectionTestSQL returns a trivial dialect-appropriate liveness query.
func ConnectionTestSQL(dbType sqlengine.DatabaseType) string {
	return "SELECT 1"
}

// ReadOnlyTestSQL returns the statement that must fail against a
// read-only credential: an attempt to create a throwaway table.
func ReadOnlyTestSQL(dbType sqlengine.DatabaseType) string {
	if dbType == sqlengine.DatabaseSQLite {
		return "CREATE TABLE __test_readonly_check (id INTEGER)"
	}
	return "CREATE TABLE __test_readonly_check (id INT)"
}
