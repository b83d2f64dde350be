// Package intent classifies the intent of a natural-language query
// (lookup, aggregation, comparison, trend, top_k) via keyword scoring, to
// hint the SQL generator toward the right query shape. Grounded on
// dbnotebook/core/sql_chat/intent_classifier.py (original_source). Stdlib
// regexp only: no lexical-classification library appears anywhere in the
// pack, and this is a direct port of a keyword/pattern scorer, not a task
// a richer NLP library would meaningfully improve.
package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Intent is one of the five recognized query shapes.
type Intent string

const (
	Lookup      Intent = "lookup"
	Aggregation Intent = "aggregation"
	Comparison  Intent = "comparison"
	Trend       Intent = "trend"
	TopK        Intent = "top_k"
)

// Classification is the result of classifying one query.
type Classification struct {
	Intent      Intent
	Confidence  float64
	PromptHints string
}

var intentKeywords = map[Intent][]string{
	Lookup: {
		"show", "get", "find", "list", "display", "details", "info",
		"what is", "who is", "where is", "tell me about", "give me",
	},
	Aggregation: {
		"total", "sum", "count", "average", "avg", "how many",
		"how much", "minimum", "maximum", "min", "max", "mean",
		"aggregate", "summarize", "statistics",
	},
	Comparison: {
		"vs", "versus", "compare", "difference", "between",
		"compared to", "relative to", "against", "contrast",
	},
	Trend: {
		"over time", "growth", "trend", "change", "history",
		"monthly", "yearly", "weekly", "daily", "quarterly",
		"evolution", "progression", "timeline", "by month", "by year",
	},
	TopK: {
		"top", "best", "highest", "lowest", "most", "least",
		"bottom", "leading", "worst", "first", "last",
		"biggest", "smallest", "largest", "ranking",
	},
}

var intentHints = map[Intent]string{
	Lookup: "Return specific rows. Include identifying columns like name, id, or title. " +
		"Use WHERE clause to filter to relevant records.",
	Aggregation: "Use GROUP BY with aggregate functions (SUM, COUNT, AVG, MIN, MAX). " +
		"Include the grouping dimension in SELECT. Consider HAVING for filtering groups.",
	Comparison: "Return comparable metrics side-by-side. Use CASE expressions, UNION, " +
		"or self-joins to show data from different categories together.",
	Trend: "Include date/time column in results. ORDER BY date. " +
		"Consider DATE_TRUNC or similar for date bucketing. Use window functions if needed.",
	TopK: "Use ORDER BY with the ranking metric (DESC for highest, ASC for lowest). " +
		"Add LIMIT clause. Include the metric being ranked.",
}

// orderedIntents fixes iteration order so max-score ties resolve the same
// way the Python dict-insertion-order max() would.
var orderedIntents = []Intent{Lookup, Aggregation, Comparison, Trend, TopK}

var keywordPatterns = compileKeywordPatterns()

func compileKeywordPatterns() map[Intent][]*regexp.Regexp {
	out := make(map[Intent][]*regexp.Regexp, len(intentKeywords))
	for intent, keywords := range intentKeywords {
		patterns := make([]*regexp.Regexp, len(keywords))
		for i, kw := range keywords {
			patterns[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
		}
		out[intent] = patterns
	}
	return out
}

// Classifier scores a query against each intent's keyword list and picks
// the best match.
type Classifier struct{}

// NewClassifier constructs a Classifier. It holds no state; the keyword
// patterns are compiled once at package init.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify scores query against every intent and returns the best match.
// An empty query, or a query that matches no keyword, defaults to Lookup
// at low confidence; a weak best match (score under 0.1) keeps its intent
// at that same low confidence.
func (c *Classifier) Classify(query string) Classification {
	if strings.TrimSpace(query) == "" {
		return Classification{Intent: Lookup, Confidence: 0.3, PromptHints: ""}
	}

	queryLower := strings.ToLower(query)

	scores := make(map[Intent]float64, len(orderedIntents))
	for _, intent := range orderedIntents {
		patterns := keywordPatterns[intent]
		matches := 0
		for _, p := range patterns {
			if p.MatchString(queryLower) {
				matches++
			}
		}
		if len(patterns) > 0 {
			scores[intent] = float64(matches) / float64(len(patterns))
		}
	}

	bestIntent := orderedIntents[0]
	bestScore := scores[bestIntent]
	for _, intent := range orderedIntents[1:] {
		if scores[intent] > bestScore {
			bestIntent = intent
			bestScore = scores[intent]
		}
	}

	var confidence float64
	switch {
	case bestScore >= 0.3:
		confidence = 0.9
	case bestScore >= 0.2:
		confidence = 0.7
	case bestScore >= 0.1:
		confidence = 0.5
	default:
		confidence = 0.3
		if bestScore == 0 {
			bestIntent = Lookup
		}
	}

	return Classification{
		Intent:      bestIntent,
		Confidence:  confidence,
		PromptHints: intentHints[bestIntent],
	}
}

// PromptHints returns the SQL generation hint for an intent.
func PromptHints(i Intent) string { return intentHints[i] }

var temporalGranularities = []struct {
	name     string
	keywords []string
}{
	{"day", []string{"daily", "by day", "each day", "per day", "days"}},
	{"week", []string{"weekly", "by week", "each week", "per week", "weeks"}},
	{"month", []string{"monthly", "by month", "each month", "per month", "months"}},
	{"quarter", []string{"quarterly", "by quarter", "each quarter", "per quarter", "quarters"}},
	{"year", []string{"yearly", "annually", "by year", "each year", "per year", "years"}},
}

// DetectTemporalGranularity returns the time bucket implied by query
// ("day", "week", "month", "quarter", "year"), or "" if none is mentioned.
func DetectTemporalGranularity(query string) string {
	lower := strings.ToLower(query)
	for _, g := range temporalGranularities {
		for _, kw := range g.keywords {
			if strings.Contains(lower, kw) {
				return g.name
			}
		}
	}
	return ""
}

var limitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\btop\s+(\d+)\b`),
	regexp.MustCompile(`\bbottom\s+(\d+)\b`),
	regexp.MustCompile(`\bfirst\s+(\d+)\b`),
	regexp.MustCompile(`\blast\s+(\d+)\b`),
	regexp.MustCompile(`\b(\d+)\s+(?:best|worst|highest|lowest)\b`),
}

// DetectLimitValue extracts a numeric row limit from phrases like "top 10"
// or "bottom 5". Returns 0 if none is found.
func DetectLimitValue(query string) int {
	lower := strings.ToLower(query)
	for _, p := range limitPatterns {
		match := p.FindStringSubmatch(lower)
		if match == nil {
			continue
		}
		if n, err := strconv.Atoi(match[1]); err == nil {
			return n
		}
	}
	return 0
}

// EnhancePromptWithIntent assembles the user query plus its intent hints
// and, when applicable, the detected temporal granularity or numeric
// limit, for inclusion in the SQL generation prompt.
func EnhancePromptWithIntent(query string, c Classification) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User Query: %s", query)

	if c.PromptHints != "" {
		fmt.Fprintf(&sb, "\n\nSQL Generation Hints: %s", c.PromptHints)
	}

	if c.Intent == Trend {
		if g := DetectTemporalGranularity(query); g != "" {
			fmt.Fprintf(&sb, "\n\nTemporal Granularity: %s", g)
		}
	}

	if c.Intent == TopK {
		if limit := DetectLimitValue(query); limit > 0 {
			fmt.Fprintf(&sb, "\n\nLimit: %d", limit)
		}
	}

	return sb.String()
}
