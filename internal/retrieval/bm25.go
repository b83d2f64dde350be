package retrieval

import (
	"context"
	"fmt"

	"github.com/blevesearch/bleve/v2"

	"github.com/fabfab/notebook-core/internal/chunk"
)

// lexicalSearch builds a throwaway in-memory bleve index over nodes and
// runs a match query, grounded on
// Aman-CERP-amanmcp/internal/store/bm25.go's NewMemOnly/NewMatchQuery/
// SearchInContext usage. A fresh index per call keeps the retriever
// stateless and safe for concurrent notebooks; nodes counts here are
// bounded by a single notebook's chunk set.
func lexicalSearch(ctx context.Context, nodes []chunk.Chunk, query string, topK int) ([]Candidate, error) {
	if len(nodes) == 0 || query == "" {
		return nil, nil
	}

	mapping := bleve.NewIndexMapping()
	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("create bm25 index: %w", err)
	}
	defer index.Close()

	byID := make(map[string]chunk.Chunk, len(nodes))
	batch := index.NewBatch()
	for _, n := range nodes {
		byID[n.ID] = n
		if err := batch.Index(n.ID, map[string]string{"content": n.Text}); err != nil {
			return nil, fmt.Errorf("batch index chunk %s: %w", n.ID, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("index chunks: %w", err)
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = topK
	if req.Size <= 0 {
		req.Size = len(nodes)
	}

	result, err := index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search bm25 index: %w", err)
	}

	out := make([]Candidate, 0, len(result.Hits))
	for _, hit := range result.Hits {
		n, ok := byID[hit.ID]
		if !ok {
			continue
		}
		out = append(out, Candidate{Chunk: n, LexScore: hit.Score})
	}
	return out, nil
}
