// Package embeddings provides the Embedder capability interface, a batched
// embedding helper, and an Ollama-backed implementation. There is no
// registry of named providers; callers construct the implementation directly.
package embeddings

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Embedder generates vector representations for text and exposes its
// output dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// EmbedBatched splits texts into chunks of batchSize and embeds them
// concurrently via errgroup, preserving input order in the result. This is
// the "embedding a batch of chunks" parallel path called out in §5.
func EmbedBatched(ctx context.Context, e Embedder, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = 16
	}
	if len(texts) == 0 {
		return nil, nil
	}

	type batch struct {
		start int
		texts []string
	}

	var batches []batch
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, batch{start: start, texts: texts[start:end]})
	}

	results := make([][][]float32, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range batches {
		i, b := i, b
		g.Go(func() error {
			vecs, err := e.Embed(gctx, b.texts)
			if err != nil {
				return fmt.Errorf("embed batch starting at %d: %w", b.start, err)
			}
			results[i] = vecs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}
