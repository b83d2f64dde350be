// Package confidence combines table-relevance, few-shot similarity,
// retry count, and column-intent overlap into a single confidence score
// for a generated SQL answer, gating features like "Generate Insights"
// behind a minimum level. Grounded on
// dbnotebook/core/sql_chat/confidence_scorer.py (original_source).
package confidence

import (
	"strings"
)

// Level is a user-facing confidence band.
type Level string

const (
	High   Level = "high"
	Medium Level = "medium"
	Low    Level = "low"
)

// Signal weights mirror ConfidenceScorer.WEIGHTS.
const (
	weightTableRelevance    = 0.30
	weightFewShotSimilarity = 0.30
	weightRetryPenalty      = 0.20
	weightColumnOverlap     = 0.20
)

// DefaultHighThreshold and DefaultMediumThreshold mirror
// ConfidenceScorer.HIGH_THRESHOLD / MEDIUM_THRESHOLD.
const (
	DefaultHighThreshold   = 0.8
	DefaultMediumThreshold = 0.5
)

// Score is the computed confidence, with the raw factors retained for
// generating improvement suggestions.
type Score struct {
	Value   float64
	Level   Level
	Factors map[string]float64
}

// Scorer computes Scores from raw signals.
type Scorer struct {
	highThreshold   float64
	mediumThreshold float64
}

// NewScorer constructs a Scorer. Non-positive thresholds fall back to
// DefaultHighThreshold / DefaultMediumThreshold.
func NewScorer(highThreshold, mediumThreshold float64) *Scorer {
	if highThreshold <= 0 {
		highThreshold = DefaultHighThreshold
	}
	if mediumThreshold <= 0 {
		mediumThreshold = DefaultMediumThreshold
	}
	return &Scorer{highThreshold: highThreshold, mediumThreshold: mediumThreshold}
}

// Compute combines the four signals into a weighted Score. The retry
// penalty is 1 - retryCount/3, clamped to [0, 1], so retry counts outside
// [0, 3] contribute the same as 3 or 0 retries.
func (s *Scorer) Compute(tableRelevance, fewShotSimilarity float64, retryCount int, columnIntentOverlap float64, customFactors map[string]float64) Score {
	retryPenalty := 1 - (float64(retryCount) / 3)
	if retryPenalty < 0 {
		retryPenalty = 0
	}
	if retryPenalty > 1 {
		retryPenalty = 1
	}

	value := tableRelevance*weightTableRelevance +
		fewShotSimilarity*weightFewShotSimilarity +
		retryPenalty*weightRetryPenalty +
		columnIntentOverlap*weightColumnOverlap

	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}

	var level Level
	switch {
	case value >= s.highThreshold:
		level = High
	case value >= s.mediumThreshold:
		level = Medium
	default:
		level = Low
	}

	factors := map[string]float64{
		"table_relevance":     tableRelevance,
		"few_shot_similarity": fewShotSimilarity,
		"retry_penalty":       float64(retryCount),
		"column_overlap":      columnIntentOverlap,
	}
	for k, v := range customFactors {
		factors[k] = v
	}

	return Score{Value: value, Level: level, Factors: factors}
}

// ComputeColumnOverlap scores how much resultColumns overlap with
// queryTerms via a boosted Jaccard index: a small raw overlap is still
// meaningful for short column lists, so it's amplified 4x before capping.
func (s *Scorer) ComputeColumnOverlap(queryTerms map[string]bool, resultColumns []string) float64 {
	if len(queryTerms) == 0 || len(resultColumns) == 0 {
		return 0.5
	}

	colTerms := make(map[string]bool)
	for _, col := range resultColumns {
		normalized := strings.ReplaceAll(strings.ToLower(col), "_", " ")
		for _, part := range strings.Fields(normalized) {
			colTerms[part] = true
		}
	}

	union := make(map[string]bool, len(queryTerms)+len(colTerms))
	overlap := 0
	for t := range queryTerms {
		union[t] = true
		if colTerms[t] {
			overlap++
		}
	}
	for t := range colTerms {
		union[t] = true
	}

	if len(union) == 0 {
		return 0.5
	}

	rawOverlap := float64(overlap) / float64(len(union))
	boosted := rawOverlap * 4
	if boosted > 1 {
		boosted = 1
	}
	return boosted
}

// confidenceStopWords are excluded from ExtractQueryTerms; this list is
// broader than semantic.extractTerms's, matching the Python original's
// separately maintained (larger) stop-word set for this scorer.
var confidenceStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "could": true, "should": true, "may": true, "might": true,
	"can": true, "of": true, "to": true, "for": true, "in": true, "on": true,
	"at": true, "by": true, "from": true, "with": true, "about": true,
	"into": true, "through": true, "during": true, "before": true,
	"after": true, "above": true, "below": true, "between": true,
	"under": true, "again": true, "further": true, "then": true,
	"once": true, "and": true, "or": true, "but": true, "if": true,
	"so": true, "as": true, "until": true, "while": true, "what": true,
	"which": true, "who": true, "whom": true, "this": true, "that": true,
	"these": true, "those": true, "am": true, "being": true, "each": true,
	"few": true, "more": true, "most": true, "other": true, "some": true,
	"such": true, "no": true, "nor": true, "not": true, "only": true,
	"own": true, "same": true, "than": true, "too": true, "very": true,
	"just": true, "also": true, "how": true, "many": true, "much": true,
	"all": true, "any": true, "both": true, "here": true, "there": true,
	"when": true, "where": true, "why": true, "show": true, "me": true,
	"get": true, "find": true, "give": true, "tell": true, "list": true,
	"display": true,
}

// ExtractQueryTerms tokenizes query and strips stop words and punctuation,
// returning terms of length > 2.
func ExtractQueryTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(query)) {
		var b strings.Builder
		for _, r := range word {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		cleaned := b.String()
		if cleaned != "" && !confidenceStopWords[cleaned] && len(cleaned) > 2 {
			terms[cleaned] = true
		}
	}
	return terms
}

// Message returns the user-facing explanation for a confidence level.
func Message(score Score) string {
	switch score.Level {
	case High:
		return "High confidence - Results are likely accurate"
	case Medium:
		return "Medium confidence - Results may need verification"
	default:
		return "Low confidence - Consider rephrasing your question"
	}
}

// ShouldShowInsights reports whether confidence clears the bar for
// offering a "Generate Insights" follow-up.
func ShouldShowInsights(score Score) bool {
	return score.Level == High || score.Level == Medium
}

// ImprovementSuggestions returns actionable suggestions for a low or
// marginal confidence score, derived from which factor dragged it down.
func ImprovementSuggestions(score Score) []string {
	var suggestions []string

	if v, ok := score.Factors["table_relevance"]; ok && v < 0.5 {
		suggestions = append(suggestions, "Try using table or column names from the schema directly")
	}
	if v, ok := score.Factors["few_shot_similarity"]; ok && v < 0.5 {
		suggestions = append(suggestions, "Try rephrasing your question more specifically")
	}
	if v, ok := score.Factors["retry_penalty"]; ok && v >= 2 {
		suggestions = append(suggestions, "The query required multiple corrections - consider simplifying")
	}
	if v, ok := score.Factors["column_overlap"]; ok && v < 0.3 {
		suggestions = append(suggestions, "The returned columns may not match your intent - verify results")
	}

	if score.Level == Low && len(suggestions) == 0 {
		suggestions = append(suggestions, "Try breaking your question into simpler parts")
	}

	return suggestions
}
