// Package learner records successful SQL generations to improve future
// accuracy: extracted JOIN patterns surfaced back into prompts, and a
// bounded per-connection cache of past question/SQL pairs for keyword
// similarity lookup. Grounded on
// dbnotebook/core/sql_chat/query_learner.py (original_source). The
// original's learned-query list is unbounded in memory; this keeps a
// stdlib container/list LRU capped per connection instead, since a
// long-running server process can't accumulate every query forever.
package learner

import (
	"cmp"
	"container/list"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fabfab/notebook-core/internal/sqlengine"
	"github.com/fabfab/notebook-core/internal/sqlexec"
)

// Complexity levels mirror QueryLearner.COMPLEXITY_*.
const (
	ComplexityBasic       = "basic"
	ComplexityJoins       = "joins"
	ComplexityAggregation = "aggregation"
	ComplexitySubqueries  = "subqueries"
	ComplexityWindow      = "window"
)

// MaxLearnedPerConnection bounds the per-connection queue of learned
// queries; the oldest entry is dropped first.
const MaxLearnedPerConnection = 200

// JoinPattern is one observed JOIN condition between two tables.
type JoinPattern struct {
	Table1     string
	Column1    string
	Table2     string
	Column2    string
	JoinType   string
	UsageCount int
	LastUsed   time.Time
}

// LearnedQuery is one recorded successful generation.
type LearnedQuery struct {
	Question     string
	SQL          string
	ConnectionID string
	TablesUsed   []string
	Complexity   string
	Domain       string
	CreatedAt    time.Time
}

// Learner accumulates JOIN patterns and successful queries across
// sessions, keyed by connection.
type Learner struct {
	mu             sync.Mutex
	joinPatterns   map[string][]JoinPattern
	learnedQueries map[string]*list.List // connectionID -> *list.List of LearnedQuery
}

// New constructs an empty Learner.
func New() *Learner {
	return &Learner{
		joinPatterns:   make(map[string][]JoinPattern),
		learnedQueries: make(map[string]*list.List),
	}
}

// RecordSuccess extracts tables, complexity, domain, and JOIN patterns
// from a successful query and stores them for the connection. Failed or
// empty-result queries are not recorded.
func (l *Learner) RecordSuccess(connectionID string, schema sqlengine.SchemaInfo, query, sql string, result *sqlexec.QueryResult, now time.Time) {
	if result == nil || !result.Success || result.RowCount == 0 {
		return
	}

	tables := extractTables(sql)
	complexity := assessComplexity(sql)
	domain := detectDomain(schema)
	joins := extractJoins(sql, now)

	learned := LearnedQuery{
		Question:     query,
		SQL:          sql,
		ConnectionID: connectionID,
		TablesUsed:   tables,
		Complexity:   complexity,
		Domain:       domain,
		CreatedAt:    now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.appendLearned(connectionID, learned)
	if len(joins) > 0 {
		l.updateJoinPatterns(connectionID, joins, now)
	}
}

func (l *Learner) appendLearned(connectionID string, learned LearnedQuery) {
	queue, ok := l.learnedQueries[connectionID]
	if !ok {
		queue = list.New()
		l.learnedQueries[connectionID] = queue
	}
	queue.PushBack(learned)
	for queue.Len() > MaxLearnedPerConnection {
		queue.Remove(queue.Front())
	}
}

var fromTablePattern = regexp.MustCompile(`(?i)from\s+(\w+)`)
var joinTablePattern = regexp.MustCompile(`(?i)join\s+(\w+)`)

func extractTables(sql string) []string {
	lower := strings.ToLower(sql)
	seen := make(map[string]bool)

	for _, m := range fromTablePattern.FindAllStringSubmatch(lower, -1) {
		seen[m[1]] = true
	}
	for _, m := range joinTablePattern.FindAllStringSubmatch(lower, -1) {
		seen[m[1]] = true
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}

var windowFuncPattern = regexp.MustCompile(`(?i)over\s*\(`)

var aggFunctions = []string{"count(", "sum(", "avg(", "min(", "max(", "group by"}

func assessComplexity(sql string) string {
	lower := strings.ToLower(sql)

	if windowFuncPattern.MatchString(lower) {
		return ComplexityWindow
	}
	if strings.Count(lower, "select") > 1 {
		return ComplexitySubqueries
	}
	for _, agg := range aggFunctions {
		if strings.Contains(lower, agg) {
			return ComplexityAggregation
		}
	}
	if strings.Contains(lower, "join") {
		return ComplexityJoins
	}
	return ComplexityBasic
}

// domainKeywords mirrors query_learner.py's own (distinct) keyword set,
// scored against schema table names rather than fewshot's richer
// per-domain vocabulary.
var domainKeywords = map[string][]string{
	"ecommerce":  {"order", "product", "cart", "customer", "payment", "shipping"},
	"finance":    {"transaction", "account", "balance", "ledger", "payment", "invoice"},
	"healthcare": {"patient", "doctor", "appointment", "diagnosis", "prescription"},
	"hr":         {"employee", "department", "salary", "leave", "attendance", "payroll"},
	"education":  {"student", "course", "grade", "enrollment", "teacher"},
	"social":     {"user", "post", "comment", "like", "follow", "message"},
}

var domainOrder = []string{"ecommerce", "finance", "healthcare", "hr", "education", "social"}

func detectDomain(schema sqlengine.SchemaInfo) string {
	var names strings.Builder
	for _, t := range schema.Tables {
		names.WriteString(strings.ToLower(t.Name))
		names.WriteString(" ")
	}
	tableNames := names.String()

	bestDomain := ""
	bestScore := 0
	for _, domain := range domainOrder {
		score := 0
		for _, kw := range domainKeywords[domain] {
			if strings.Contains(tableNames, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestDomain = domain
		}
	}
	return bestDomain
}

var joinPattern = regexp.MustCompile(`(?i)((?:inner|left|right|full)\s+)?join\s+(\w+)(?:\s+(?:as\s+)?(\w+))?\s+on\s+(\w+)\.(\w+)\s*=\s*(\w+)\.(\w+)`)

var fromAliasPattern = regexp.MustCompile(`(?i)\bfrom\s+(\w+)\s+(?:as\s+)?(\w+)`)

func extractJoins(sql string, now time.Time) []JoinPattern {
	var patterns []JoinPattern

	// ON clauses usually qualify columns by alias; map aliases to table names.
	tableOf := map[string]string{}
	for _, m := range fromAliasPattern.FindAllStringSubmatch(sql, -1) {
		tableOf[m[2]] = m[1]
	}
	for _, m := range joinPattern.FindAllStringSubmatch(sql, -1) {
		tableOf[m[3]] = m[2]
		joinType := strings.ToUpper(strings.TrimSpace(m[1]))
		if joinType == "" {
			joinType = "INNER"
		}
		patterns = append(patterns, JoinPattern{
			Table1:   cmp.Or(tableOf[m[4]], m[4]),
			Column1:  m[5],
			Table2:   cmp.Or(tableOf[m[6]], m[6]),
			Column2:  m[7],
			JoinType: joinType,
			LastUsed: now,
		})
	}
	return patterns
}

func (l *Learner) updateJoinPatterns(connectionID string, newPatterns []JoinPattern, now time.Time) {
	existing := l.joinPatterns[connectionID]

	for _, np := range newPatterns {
		found := false
		for i := range existing {
			e := &existing[i]
			if e.Table1 == np.Table1 && e.Column1 == np.Column1 &&
				e.Table2 == np.Table2 && e.Column2 == np.Column2 {
				e.UsageCount++
				e.LastUsed = now
				found = true
				break
			}
		}
		if !found {
			np.UsageCount = 1
			existing = append(existing, np)
		}
	}

	l.joinPatterns[connectionID] = existing
}

// GetJoinPatterns returns a connection's learned JOIN patterns, most-used
// first.
func (l *Learner) GetJoinPatterns(connectionID string) []JoinPattern {
	l.mu.Lock()
	defer l.mu.Unlock()

	patterns := append([]JoinPattern(nil), l.joinPatterns[connectionID]...)
	sort.SliceStable(patterns, func(i, j int) bool { return patterns[i].UsageCount > patterns[j].UsageCount })
	return patterns
}

// GetSimilarQueries ranks previously learned queries for a connection (or
// every connection when connectionID is "") by word-overlap with query,
// returning up to limit.
func (l *Learner) GetSimilarQueries(query, connectionID string, limit int) []LearnedQuery {
	if limit <= 0 {
		limit = 5
	}

	queryWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		queryWords[w] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	type scored struct {
		learned LearnedQuery
		overlap int
	}
	var candidates []scored

	for connID, queue := range l.learnedQueries {
		if connectionID != "" && connID != connectionID {
			continue
		}
		for e := queue.Front(); e != nil; e = e.Next() {
			learned := e.Value.(LearnedQuery)
			learnedWords := make(map[string]bool)
			for _, w := range strings.Fields(strings.ToLower(learned.Question)) {
				learnedWords[w] = true
			}
			overlap := 0
			for w := range queryWords {
				if learnedWords[w] {
					overlap++
				}
			}
			if overlap > 0 {
				candidates = append(candidates, scored{learned: learned, overlap: overlap})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].overlap > candidates[j].overlap })

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]LearnedQuery, len(candidates))
	for i, c := range candidates {
		out[i] = c.learned
	}
	return out
}

// FormatJoinHints renders learned JOIN patterns touching any of tables as
// a prompt hint block, or "" if none are relevant.
func (l *Learner) FormatJoinHints(connectionID string, tables []string) string {
	patterns := l.GetJoinPatterns(connectionID)
	if len(patterns) == 0 {
		return ""
	}

	tablesLower := make(map[string]bool, len(tables))
	for _, t := range tables {
		tablesLower[strings.ToLower(t)] = true
	}

	var relevant []JoinPattern
	for _, p := range patterns {
		if tablesLower[strings.ToLower(p.Table1)] || tablesLower[strings.ToLower(p.Table2)] {
			relevant = append(relevant, p)
		}
	}
	if len(relevant) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Learned JOIN patterns:")
	for i, p := range relevant {
		if i >= 5 {
			break
		}
		sb.WriteString("\n  - ")
		sb.WriteString(p.Table1)
		sb.WriteString(".")
		sb.WriteString(p.Column1)
		sb.WriteString(" = ")
		sb.WriteString(p.Table2)
		sb.WriteString(".")
		sb.WriteString(p.Column2)
		sb.WriteString(" (")
		sb.WriteString(p.JoinType)
		sb.WriteString(", used ")
		sb.WriteString(strconv.Itoa(p.UsageCount))
		sb.WriteString("x)")
	}
	return sb.String()
}

// ClearCache drops learned state for one connection, or every connection
// when connectionID is "".
func (l *Learner) ClearCache(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if connectionID == "" {
		l.joinPatterns = make(map[string][]JoinPattern)
		l.learnedQueries = make(map[string]*list.List)
		return
	}
	delete(l.joinPatterns, connectionID)
	delete(l.learnedQueries, connectionID)
}
