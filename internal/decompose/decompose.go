// Package decompose breaks a complex natural-language query (comparisons,
// trend analysis, multi-dimension grouping) into ordered sub-questions,
// each answerable by a single SQL query, then recombines their SQL into
// one CTE-based statement. Grounded on
// dbnotebook/core/sql_chat/query_decomposer.py (original_source).
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fabfab/notebook-core/internal/llmprovider"
	"github.com/fabfab/notebook-core/internal/sqlengine"
)

// DefaultMaxSubQueries caps how many sub-questions one decomposition
// keeps, matching decompose()'s max_sub_queries default.
const DefaultMaxSubQueries = 5

// SubQuery is one decomposed sub-question, optionally filled in with its
// own generated SQL once that stage runs.
type SubQuery struct {
	ID               int
	Question         string
	DependsOn        []int
	SQL              string
	CTEName          string
	OriginalQuestion string
}

// complexityTriggers mirror COMPLEXITY_TRIGGERS: comparisons, time
// analysis, multi-grouping, and segmentation phrasing that signal a
// query needs decomposition rather than one direct SQL generation pass.
var complexityTriggerSources = []string{
	`\bvs\.?\b`,
	`\bversus\b`,
	`\bcompare\b`,
	`\bdifference between\b`,
	`\bcompared to\b`,
	`\bover time\b`,
	`\btrend\b`,
	`\bbefore and after\b`,
	`\bgrowth\b`,
	`\bchange over\b`,
	`\bmonth over month\b`,
	`\byear over year\b`,
	`\bby .+ and .+\b`,
	`\bgrouped by multiple\b`,
	`\bbreakdown by\b`,
	`\bnew vs\.? returning\b`,
	`\btop .+ vs\.? bottom\b`,
	`\bhigh vs\.? low\b`,
	`\bfirst .+ vs\.? repeat\b`,
}

var complexityTriggers = compileComplexityTriggers()

func compileComplexityTriggers() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(complexityTriggerSources))
	for i, src := range complexityTriggerSources {
		out[i] = regexp.MustCompile("(?i)" + src)
	}
	return out
}

// Decomposer splits complex queries into sub-questions via the LLM and
// recombines their SQL with CTEs.
type Decomposer struct {
	llm llmprovider.Provider
}

// NewDecomposer constructs a Decomposer.
func NewDecomposer(llm llmprovider.Provider) *Decomposer {
	return &Decomposer{llm: llm}
}

// IsComplex reports whether query matches any complexity trigger and
// should go through decomposition rather than direct generation.
func IsComplex(query string) bool {
	for _, p := range complexityTriggers {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// Decompose asks the LLM to break query into ordered sub-questions, each
// listing the ids of the sub-questions it depends on. On any parse failure it falls
// back to a single sub-query wrapping the original question.
func (d *Decomposer) Decompose(ctx context.Context, query string, schema sqlengine.SchemaInfo, maxSubQueries int) []SubQuery {
	if maxSubQueries <= 0 {
		maxSubQueries = DefaultMaxSubQueries
	}

	tableNames := make([]string, 0, min(len(schema.Tables), 20))
	for i, t := range schema.Tables {
		if i >= 20 {
			break
		}
		tableNames = append(tableNames, t.Name)
	}

	prompt := fmt.Sprintf(`Break this complex question into simpler sub-questions that can each be answered with a single SQL query.

**Question**: %s

**Available tables**: %s

**Instructions**:
1. Identify the logical steps needed to answer the question
2. Create sub-questions that each produce a clear result
3. Order sub-questions so dependencies come first
4. Use clear, specific questions that map to SQL operations

**Output format** (JSON array):
[
  {"id": 1, "question": "First sub-question", "depends_on": []},
  {"id": 2, "question": "Second sub-question that uses result of #1", "depends_on": [1]},
  ...
]

Only output the JSON array, no other text.`, query, strings.Join(tableNames, ", "))

	response, err := d.llm.Complete(ctx, []llmprovider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return fallbackSubQuery(query)
	}

	subQueries := parseDecomposition(response, query)

	if len(subQueries) > maxSubQueries {
		subQueries = subQueries[:maxSubQueries]
	}
	return subQueries
}

func fallbackSubQuery(query string) []SubQuery {
	return []SubQuery{{ID: 1, Question: query, OriginalQuestion: query, CTEName: "sq_1"}}
}

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

type decompositionItem struct {
	ID        int    `json:"id"`
	Question  string `json:"question"`
	DependsOn []int  `json:"depends_on"`
}

func parseDecomposition(responseText, originalQuery string) []SubQuery {
	text := strings.TrimSpace(responseText)

	match := jsonArrayPattern.FindString(text)
	if match == "" {
		return fallbackSubQuery(originalQuery)
	}

	var items []decompositionItem
	if err := json.Unmarshal([]byte(match), &items); err != nil {
		return fallbackSubQuery(originalQuery)
	}

	subQueries := make([]SubQuery, 0, len(items))
	for i, item := range items {
		id := item.ID
		if id == 0 {
			id = i + 1
		}
		subQueries = append(subQueries, SubQuery{
			ID:               id,
			Question:         item.Question,
			DependsOn:        item.DependsOn,
			OriginalQuestion: originalQuery,
			CTEName:          fmt.Sprintf("sq_%d", id),
		})
	}
	return subQueries
}

// CombineIntoCTE assembles the SQL of every sub-query (in the order
// given) into one CTE-chained statement: every sub-query but the last
// becomes a named CTE, and the last sub-query's SQL is the final SELECT.
func CombineIntoCTE(subQueries []SubQuery) string {
	var withSQL []SubQuery
	for _, sq := range subQueries {
		if sq.SQL != "" {
			withSQL = append(withSQL, sq)
		}
	}
	if len(withSQL) == 0 {
		return ""
	}
	if len(withSQL) == 1 {
		return withSQL[0].SQL
	}

	cteParts := make([]string, 0, len(withSQL)-1)
	for _, sq := range withSQL[:len(withSQL)-1] {
		cteName := sq.CTEName
		if cteName == "" {
			cteName = fmt.Sprintf("sq_%d", sq.ID)
		}
		sql := strings.TrimRight(strings.TrimSpace(sq.SQL), ";")
		cteParts = append(cteParts, fmt.Sprintf("%s AS (\n    %s\n)", cteName, sql))
	}

	cteSection := "WITH " + strings.Join(cteParts, ",\n")

	final := withSQL[len(withSQL)-1]
	finalSQL := strings.TrimRight(strings.TrimSpace(final.SQL), ";")

	return fmt.Sprintf("%s\n%s", cteSection, finalSQL)
}

// GenerateCombinationQuery asks the LLM to write the final SELECT that
// combines every sub-query's CTE into an answer for originalQuery.
func (d *Decomposer) GenerateCombinationQuery(ctx context.Context, subQueries []SubQuery, originalQuery string) string {
	if len(subQueries) == 0 {
		return ""
	}

	var cteDescriptions []string
	for _, sq := range subQueries {
		if sq.SQL != "" {
			cteDescriptions = append(cteDescriptions, fmt.Sprintf("- %s: %s", sq.CTEName, sq.Question))
		}
	}

	prompt := fmt.Sprintf(`Given these CTEs (Common Table Expressions), write a final SELECT query that answers the original question.

**Original question**: %s

**Available CTEs**:
%s

**Instructions**:
1. Combine the CTEs to answer the original question
2. Use appropriate JOINs, UNIONs, or subqueries as needed
3. Output ONLY the SELECT query (the CTEs are already defined)

**Output**: Just the SELECT statement, no explanations.`, originalQuery, strings.Join(cteDescriptions, "\n"))

	response, err := d.llm.Complete(ctx, []llmprovider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return ""
	}

	finalSQL := strings.TrimSpace(response)
	if strings.HasPrefix(strings.ToLower(finalSQL), "select") {
		return finalSQL
	}

	if m := selectExtractPattern.FindString(finalSQL); m != "" {
		return m
	}
	return ""
}

var selectExtractPattern = regexp.MustCompile(`(?is)SELECT[\s\S]+`)

// GetExecutionOrder topologically sorts sub-queries by their DependsOn
// edges. A circular dependency is broken by appending the remaining
// sub-queries in their original order.
func GetExecutionOrder(subQueries []SubQuery) []int {
	executed := make(map[int]bool, len(subQueries))
	var order []int

	canExecute := func(sq SubQuery) bool {
		for _, dep := range sq.DependsOn {
			if !executed[dep] {
				return false
			}
		}
		return true
	}

	for len(order) < len(subQueries) {
		progressed := false
		for _, sq := range subQueries {
			if !executed[sq.ID] && canExecute(sq) {
				order = append(order, sq.ID)
				executed[sq.ID] = true
				progressed = true
			}
		}
		if !progressed {
			for _, sq := range subQueries {
				if !executed[sq.ID] {
					order = append(order, sq.ID)
					executed[sq.ID] = true
				}
			}
			break
		}
	}
	return order
}

// FormatForDisplay renders sub-queries as a user-facing decomposition
// breakdown.
func FormatForDisplay(subQueries []SubQuery) string {
	var sb strings.Builder
	sb.WriteString("**Query Decomposition:**\n\n")
	for _, sq := range subQueries {
		deps := ""
		if len(sq.DependsOn) > 0 {
			deps = fmt.Sprintf(" (depends on: %v)", sq.DependsOn)
		}
		fmt.Fprintf(&sb, "%d. %s%s\n", sq.ID, sq.Question, deps)
	}
	return sb.String()
}
