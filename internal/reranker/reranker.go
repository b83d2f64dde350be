// Package reranker provides cross-encoder rescoring of candidate chunks
// against a query, shared by the RAG hybrid retriever and the NL->SQL
// few-shot retriever. Per the "shared mutable singletons for reranker and
// configuration" design note, the process holds one Service behind a
// single sync.Mutex rather than exposing a free-floating global model
// handle. The mutex is not reentrant.
package reranker

import "context"

// Result is a single reranked document with its cross-encoder score.
type Result struct {
	// Index is the document's position in the input slice.
	Index    int
	Score    float64
	Document string
}

// Reranker scores and reorders documents by relevance to a query.
type Reranker interface {
	// Rerank returns results sorted by score descending. topK of 0 returns
	// all documents.
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]Result, error)
	// Available reports whether the underlying model is ready to serve.
	Available(ctx context.Context) bool
	Close() error
}

// NoOpReranker preserves the input order by assigning strictly decreasing
// scores. Used when reranking is disabled, or as the fallback the Service
// returns while no model has been configured.
type NoOpReranker struct{}

func (NoOpReranker) Rerank(_ context.Context, _ string, documents []string, topK int) ([]Result, error) {
	results := make([]Result, len(documents))
	for i, doc := range documents {
		results[i] = Result{Index: i, Score: 1.0 - float64(i)*0.01, Document: doc}
	}
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (NoOpReranker) Available(_ context.Context) bool { return true }
func (NoOpReranker) Close() error                     { return nil }

var _ Reranker = NoOpReranker{}
