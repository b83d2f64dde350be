// Package sqlmemory maintains per-session SQL chat history so follow-up
// questions ("filter by last month", "just the top 5") can be recognized
// and resolved against the previous exchange. Grounded on
// dbnotebook/core/sql_chat/memory.py (original_source).
package sqlmemory

import (
	"fmt"
	"strings"
	"time"

	"github.com/fabfab/notebook-core/internal/sqlexec"
)

// DefaultMaxHistory mirrors SQLChatMemory's max_history default.
const DefaultMaxHistory = 10

// Exchange is one user query / generated SQL / result-summary turn.
type Exchange struct {
	UserQuery     string
	SQL           string
	ResultSummary string
	Timestamp     time.Time
	RowCount      int
	Columns       []string
}

// followUpIndicators are substring cues that a query is refining the
// previous one rather than starting fresh.
var followUpIndicators = []string{
	"filter", "but", "only", "just", "also", "add",
	"remove", "change", "modify", "exclude", "include",
	"sort", "order", "limit", "group", "show me",
	"what about", "how about", "instead", "without",
	"last", "previous", "same", "that", "those",
	"more", "less", "fewer", "greater", "above", "below",
}

var followUpPronouns = map[string]bool{
	"it": true, "them": true, "this": true, "that": true, "those": true, "these": true,
}

// Memory holds one session's bounded SQL chat history.
type Memory struct {
	history    []Exchange
	maxHistory int
}

// New constructs a Memory bounded to maxHistory exchanges. Non-positive
// falls back to DefaultMaxHistory.
func New(maxHistory int) *Memory {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Memory{maxHistory: maxHistory}
}

// AddExchange records a query/SQL/result turn, evicting the oldest
// exchange once history exceeds maxHistory. result may be nil when the
// query never reached execution.
func (m *Memory) AddExchange(userQuery, sql string, result *sqlexec.QueryResult, now time.Time) {
	var resultSummary string
	var rowCount int
	var columns []string

	if result != nil {
		rowCount = result.RowCount
		columns = make([]string, len(result.Columns))
		for i, c := range result.Columns {
			columns[i] = c.Name
		}
		if result.Success {
			resultSummary = fmt.Sprintf("Returned %d rows with columns: %s", rowCount, strings.Join(columns, ", "))
		} else {
			resultSummary = "Error: " + result.ErrorMessage
		}
	}

	m.history = append(m.history, Exchange{
		UserQuery:     userQuery,
		SQL:           sql,
		ResultSummary: resultSummary,
		Timestamp:     now,
		RowCount:      rowCount,
		Columns:       columns,
	})

	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

// ContextString renders the most recent limit exchanges as LLM prompt
// context. Returns "" if history is empty.
func (m *Memory) ContextString(limit int) string {
	if len(m.history) == 0 {
		return ""
	}
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	recent := m.history[len(m.history)-limit:]

	var sb strings.Builder
	sb.WriteString("Previous conversation:")
	for i, ex := range recent {
		fmt.Fprintf(&sb, "\n\n[%d] User: %s", i+1, ex.UserQuery)
		fmt.Fprintf(&sb, "\n    SQL: %s", ex.SQL)
		fmt.Fprintf(&sb, "\n    Result: %s", ex.ResultSummary)
	}
	return sb.String()
}

// LastSQL returns the most recently generated SQL, or "" if history is
// empty.
func (m *Memory) LastSQL() string {
	if len(m.history) == 0 {
		return ""
	}
	return m.history[len(m.history)-1].SQL
}

// LastQuery returns the most recent user query, or "" if history is
// empty.
func (m *Memory) LastQuery() string {
	if len(m.history) == 0 {
		return ""
	}
	return m.history[len(m.history)-1].UserQuery
}

// LastColumns returns the columns of the most recent result.
func (m *Memory) LastColumns() []string {
	if len(m.history) == 0 {
		return nil
	}
	return m.history[len(m.history)-1].Columns
}

// IsFollowUp reports whether query looks like a refinement of the
// previous exchange: it contains a follow-up indicator phrase, is short
// (<=5 words), or references the prior result with a pronoun.
func (m *Memory) IsFollowUp(query string) bool {
	if len(m.history) == 0 {
		return false
	}

	queryLower := strings.ToLower(query)

	for _, indicator := range followUpIndicators {
		if strings.Contains(queryLower, indicator) {
			return true
		}
	}

	if len(strings.Fields(query)) <= 5 {
		return true
	}

	for _, word := range strings.Fields(queryLower) {
		if followUpPronouns[word] {
			return true
		}
	}

	return false
}

// RefinementContext builds the prompt context for refining the previous
// query with newQuery, returning the previous SQL alongside it.
func (m *Memory) RefinementContext(newQuery string) (previousSQL, instruction string) {
	if len(m.history) == 0 {
		return "", newQuery
	}

	last := m.history[len(m.history)-1]
	instruction = fmt.Sprintf(`
Previous query: %s
Previous SQL: %s
Previous result: %s

User's refinement request: %s

Generate a modified SQL query that applies the user's refinement to the previous query.
`, last.UserQuery, last.SQL, last.ResultSummary, newQuery)

	return last.SQL, instruction
}

// Clear drops all history.
func (m *Memory) Clear() {
	m.history = nil
}

// History returns a copy of the full exchange history.
func (m *Memory) History() []Exchange {
	out := make([]Exchange, len(m.history))
	copy(out, m.history)
	return out
}

// HistorySummary reports exchange count, the queries asked, and total
// rows returned across the session.
func (m *Memory) HistorySummary() map[string]any {
	queries := make([]string, len(m.history))
	totalRows := 0
	for i, ex := range m.history {
		queries[i] = ex.UserQuery
		totalRows += ex.RowCount
	}
	return map[string]any{
		"exchange_count":      len(m.history),
		"queries":             queries,
		"total_rows_returned": totalRows,
	}
}
