package reranker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder returns a one-hot-ish vector keyed on shared words between
// texts, so documents sharing vocabulary with the query score higher.
type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Dimension() int { return f.dim }

func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, f.dim)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := 0
			for _, r := range word {
				h = (h*31 + int(r)) % f.dim
			}
			vec[h]++
		}
		out[i] = vec
	}
	return out, nil
}

func TestNoOpReranker_PreservesInputOrderWithDecreasingScores(t *testing.T) {
	r := NoOpReranker{}

	results, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 0)

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Document)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Greater(t, results[1].Score, results[2].Score)
	assert.True(t, r.Available(context.Background()))
}

func TestNoOpReranker_RespectsTopK(t *testing.T) {
	r := NoOpReranker{}

	results, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 2)

	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestNewService_FallsBackToDefaultTopN(t *testing.T) {
	s := NewService(fakeEmbedder{dim: 8}, "model", true, 0)
	assert.Equal(t, 10, s.ConfigSnapshot().TopN)
}

func TestService_Get_ReturnsNoOpWhenDisabledOrNoEmbedder(t *testing.T) {
	disabled := NewService(fakeEmbedder{dim: 8}, "model", false, 5)
	_, isNoOp := disabled.Get().(NoOpReranker)
	assert.True(t, isNoOp)

	noEmbedder := NewService(nil, "model", true, 5)
	_, isNoOp = noEmbedder.Get().(NoOpReranker)
	assert.True(t, isNoOp)
}

func TestService_Get_LoadsEmbeddingRerankerOnce(t *testing.T) {
	s := NewService(fakeEmbedder{dim: 16}, "model", true, 5)

	first := s.Get()
	_, isNoOp := first.(NoOpReranker)
	assert.False(t, isNoOp)
	assert.True(t, s.ConfigSnapshot().Loaded)

	second := s.Get()
	assert.Same(t, first, second, "Get should not rebuild an already-loaded reranker")
}

func TestService_Set_ModelChangeClearsLoadedInstance(t *testing.T) {
	s := NewService(fakeEmbedder{dim: 16}, "model-a", true, 5)
	s.Get()
	require.True(t, s.ConfigSnapshot().Loaded)

	s.Set("model-b", nil, nil)

	assert.False(t, s.ConfigSnapshot().Loaded)
	assert.Equal(t, "model-b", s.ConfigSnapshot().ModelID)
}

func TestService_Set_DisablingClearsLoadedInstance(t *testing.T) {
	s := NewService(fakeEmbedder{dim: 16}, "model", true, 5)
	s.Get()

	disabled := false
	s.Set("", &disabled, nil)

	assert.False(t, s.ConfigSnapshot().Enabled)
	assert.False(t, s.ConfigSnapshot().Loaded)
}

func TestService_Set_TopNUpdatesOnlyWhenPositive(t *testing.T) {
	s := NewService(fakeEmbedder{dim: 16}, "model", true, 5)

	n := 20
	s.Set("", nil, &n)
	assert.Equal(t, 20, s.ConfigSnapshot().TopN)

	zero := 0
	s.Set("", nil, &zero)
	assert.Equal(t, 20, s.ConfigSnapshot().TopN, "non-positive topN should be ignored")
}

func TestEmbeddingReranker_ScoresByCosineSimilarity(t *testing.T) {
	s := NewService(fakeEmbedder{dim: 64}, "model", true, 5)
	r := s.Get()

	results, err := r.Rerank(context.Background(), "apples and oranges", []string{
		"apples and oranges are fruit",
		"the stock market crashed today",
	}, 0)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "apples and oranges are fruit", results[0].Document)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestEmbeddingReranker_EmptyDocumentsReturnsNil(t *testing.T) {
	s := NewService(fakeEmbedder{dim: 16}, "model", true, 5)
	r := s.Get()

	results, err := r.Rerank(context.Background(), "q", nil, 0)

	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestEmbeddingReranker_RespectsTopK(t *testing.T) {
	s := NewService(fakeEmbedder{dim: 16}, "model", true, 5)
	r := s.Get()

	results, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 1)

	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestCosineSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1, 2}, []float32{1}))
}

func TestResolveAlias(t *testing.T) {
	tests := []struct {
		in           string
		wantResolved string
		wantDisabled bool
	}{
		{"", "", true},
		{"disabled", "", true},
		{"base", "rerank-base-v1", false},
		{"LARGE", "rerank-large-v1", false},
		{"xsmall-v1", "rerank-xsmall-v1", false},
		{"custom-model", "custom-model", false},
	}
	for _, tt := range tests {
		resolved, disabled := ResolveAlias(tt.in)
		assert.Equal(t, tt.wantResolved, resolved, tt.in)
		assert.Equal(t, tt.wantDisabled, disabled, tt.in)
	}
}
