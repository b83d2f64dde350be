package embeddings

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder tags each vector with the text's position within its
// batch and records how many separate Embed calls (batches) it received.
type countingEmbedder struct {
	mu     sync.Mutex
	calls  int
	dim    int
	failOn int // Embed errors on the text "fail-<failOn>"; -1 for never
}

func (c *countingEmbedder) Dimension() int { return c.dim }

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if text == fmt.Sprintf("fail-%d", c.failOn) {
			return nil, fmt.Errorf("boom")
		}
		out[i] = []float32{float32(i)}
		_ = text
	}
	return out, nil
}

func TestEmbedBatched_EmptyInputReturnsNil(t *testing.T) {
	e := &countingEmbedder{dim: 4, failOn: -1}

	out, err := EmbedBatched(context.Background(), e, nil, 4)

	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestEmbedBatched_SplitsIntoMultipleBatches(t *testing.T) {
	e := &countingEmbedder{dim: 4, failOn: -1}
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}

	out, err := EmbedBatched(context.Background(), e, texts, 4)

	require.NoError(t, err)
	assert.Len(t, out, 10)
	assert.Equal(t, 3, e.calls, "10 texts at batch size 4 should produce 3 batches")
}

func TestEmbedBatched_PreservesInputOrderAcrossBatches(t *testing.T) {
	e := &orderTrackingEmbedder{}
	texts := []string{"a", "b", "c", "d", "e"}

	out, err := EmbedBatched(context.Background(), e, texts, 2)

	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, vec := range out {
		require.Len(t, vec, 1)
		assert.Equal(t, float32(i), vec[0], "vector at position %d should map back to input %q", i, texts[i])
	}
}

// orderTrackingEmbedder tags each output vector with the text's position in
// a fixed global ordering, so a reassembly bug swapping batch order would
// surface as mismatched indices.
type orderTrackingEmbedder struct{}

func (orderTrackingEmbedder) Dimension() int { return 1 }

func (orderTrackingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	indexOf := map[string]float32{"a": 0, "b": 1, "c": 2, "d": 3, "e": 4}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{indexOf[text]}
	}
	return out, nil
}

func TestEmbedBatched_DefaultsBatchSizeWhenNonPositive(t *testing.T) {
	e := &countingEmbedder{dim: 4, failOn: -1}
	texts := make([]string, 3)
	for i := range texts {
		texts[i] = fmt.Sprintf("t-%d", i)
	}

	_, err := EmbedBatched(context.Background(), e, texts, 0)

	require.NoError(t, err)
	assert.Equal(t, 1, e.calls, "3 texts under the default batch size of 16 should be a single batch")
}

func TestEmbedBatched_PropagatesBatchError(t *testing.T) {
	e := &countingEmbedder{dim: 4, failOn: 0}

	_, err := EmbedBatched(context.Background(), e, []string{"fail-0", "ok"}, 4)

	assert.Error(t, err)
}
