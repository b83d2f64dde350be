package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_EmptyQueryDefaultsToLowConfidenceLookup(t *testing.T) {
	c := NewClassifier()

	result := c.Classify("   ")

	assert.Equal(t, Lookup, result.Intent)
	assert.Equal(t, 0.3, result.Confidence)
}

func TestClassify_PicksBestMatchingIntent(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name  string
		query string
		want  Intent
	}{
		{"aggregation", "what is the total revenue and average order value", Aggregation},
		{"comparison", "compare revenue versus last quarter", Comparison},
		{"trend", "show revenue growth over time by month", Trend},
		{"top k", "show me the top 10 highest spending customers", TopK},
		{"lookup", "show me the details for customer 42", Lookup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := c.Classify(tt.query)
			assert.Equal(t, tt.want, result.Intent)
			assert.NotEmpty(t, result.PromptHints)
		})
	}
}

func TestClassify_NoKeywordMatchFallsBackToLookup(t *testing.T) {
	c := NewClassifier()

	result := c.Classify("blorf zindle quop")

	assert.Equal(t, Lookup, result.Intent)
	assert.Equal(t, 0.3, result.Confidence)
}

func TestPromptHints(t *testing.T) {
	assert.Contains(t, PromptHints(Aggregation), "GROUP BY")
	assert.Contains(t, PromptHints(TopK), "LIMIT")
}

func TestDetectTemporalGranularity(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"show sales monthly", "month"},
		{"revenue by quarter", "quarter"},
		{"yearly growth", "year"},
		{"no time mentioned here", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectTemporalGranularity(tt.query), tt.query)
	}
}

func TestDetectLimitValue(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"top 10 customers", 10},
		{"bottom 5 products", 5},
		{"show all customers", 0},
		{"3 best performing regions", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectLimitValue(tt.query), tt.query)
	}
}

func TestEnhancePromptWithIntent_IncludesTemporalGranularityForTrend(t *testing.T) {
	c := NewClassifier()
	query := "show revenue growth by month"
	classification := c.Classify(query)

	prompt := EnhancePromptWithIntent(query, classification)

	assert.Contains(t, prompt, "Temporal Granularity: month")
}

func TestEnhancePromptWithIntent_IncludesLimitForTopK(t *testing.T) {
	c := NewClassifier()
	query := "top 5 products by revenue"
	classification := c.Classify(query)

	prompt := EnhancePromptWithIntent(query, classification)

	assert.Contains(t, prompt, "Limit: 5")
}
