// Package retrieval implements the Hybrid Retriever: BM25 lexical search
// fused with vector similarity, optional cross-encoder rerank, and a
// router mode that picks between query-rewrite fusion and two-stage
// fusion+rerank. The lexical leg is grounded on
// Aman-CERP-amanmcp/internal/store/bm25.go's bleve usage; the fan-out
// between legs uses golang.org/x/sync/errgroup the same way the teacher's
// embeddings package batches Ollama calls.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/fabfab/notebook-core/internal/chunk"
	"github.com/fabfab/notebook-core/internal/llmprovider"
	"github.com/fabfab/notebook-core/internal/reranker"
	"github.com/fabfab/notebook-core/internal/vectorstore"
)

// Weights controls how much each leg of the fusion contributes.
type Weights struct {
	Lexical float64
	Vector  float64
}

// DefaultWeights matches the source's default {lex:0.5, vec:0.5}.
func DefaultWeights() Weights { return Weights{Lexical: 0.5, Vector: 0.5} }

// Options configures a single Retrieve call.
type Options struct {
	// RerankThreshold: node counts at or below this use pure vector search,
	// skipping the lexical leg entirely.
	RerankThreshold int
	// SimilarityTopK is how many candidates each leg contributes before
	// fusion and optional rerank.
	SimilarityTopK int
	// RerankTopK is how many fused candidates survive an optional rerank
	// stage.
	RerankTopK int
	Weights    Weights
	// Rerank enables the optional cross-encoder stage.
	Rerank bool
	// Router enables LLM-driven mode selection between query-rewrite
	// fusion and two-stage fusion+rerank. When false, two-stage
	// fusion(+rerank if enabled) always runs.
	Router bool
}

// DefaultOptions mirrors the source's defaults.
func DefaultOptions() Options {
	return Options{
		RerankThreshold: 10,
		SimilarityTopK:  20,
		RerankTopK:      5,
		Weights:         DefaultWeights(),
		Rerank:          true,
		Router:          false,
	}
}

// Candidate is a chunk scored during retrieval.
type Candidate struct {
	chunk.Chunk
	LexScore   float64
	VecScore   float64
	FusedScore float64
}

// Store is the subset of vectorstore.Store the retriever needs, so tests
// can supply an in-memory fake.
type Store interface {
	LoadAllBy(ctx context.Context, filter vectorstore.Filter) ([]chunk.Chunk, error)
}

// Retriever performs hybrid BM25+vector retrieval over a notebook's chunks.
type Retriever struct {
	store     Store
	rerankSvc *reranker.Service
	llm       llmprovider.Provider
}

// NewRetriever constructs a Retriever. rerankSvc and llm may be nil, which
// disables the rerank stage and the router mode respectively.
func NewRetriever(store Store, rerankSvc *reranker.Service, llm llmprovider.Provider) *Retriever {
	return &Retriever{store: store, rerankSvc: rerankSvc, llm: llm}
}

// Retrieve runs the hybrid retrieval pipeline and returns up to kFinal
// candidates, highest score first. queryEmbedding must already be computed
// by the caller's embedder. filter is applied before any ranking, so
// tenancy holds regardless of k.
func (r *Retriever) Retrieve(ctx context.Context, filter vectorstore.Filter, query string, queryEmbedding []float32, kFinal int, opts Options) ([]Candidate, error) {
	nodes, err := r.store.LoadAllBy(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load nodes for retrieval: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	if opts.RerankThreshold <= 0 {
		opts.RerankThreshold = DefaultOptions().RerankThreshold
	}
	if opts.SimilarityTopK <= 0 {
		opts.SimilarityTopK = DefaultOptions().SimilarityTopK
	}
	if opts.RerankTopK <= 0 {
		opts.RerankTopK = DefaultOptions().RerankTopK
	}
	if opts.Weights.Lexical == 0 && opts.Weights.Vector == 0 {
		opts.Weights = DefaultWeights()
	}

	if len(nodes) <= opts.RerankThreshold {
		return r.pureVectorSearch(nodes, queryEmbedding, kFinal), nil
	}

	if opts.Router && r.llm != nil {
		ambiguous, rerr := r.isAmbiguous(ctx, query)
		if rerr == nil && ambiguous {
			return r.fusionWithQueryRewrite(ctx, nodes, query, queryEmbedding, kFinal, opts)
		}
	}

	return r.twoStageFusionRerank(ctx, nodes, query, queryEmbedding, kFinal, opts)
}

func (r *Retriever) pureVectorSearch(nodes []chunk.Chunk, queryEmbedding []float32, kFinal int) []Candidate {
	out := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Candidate{Chunk: n, VecScore: cosineSimilarity(queryEmbedding, n.Embedding), FusedScore: cosineSimilarity(queryEmbedding, n.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FusedScore > out[j].FusedScore })
	return capCandidates(out, kFinal)
}

// twoStageFusionRerank runs the lexical and vector legs in parallel, fuses
// them by weighted normalized score into one candidate per chunk id, then
// optionally reranks before capping to kFinal.
func (r *Retriever) twoStageFusionRerank(ctx context.Context, nodes []chunk.Chunk, query string, queryEmbedding []float32, kFinal int, opts Options) ([]Candidate, error) {
	fused, err := r.fuseOnce(ctx, nodes, query, queryEmbedding, opts)
	if err != nil {
		return nil, err
	}

	if opts.Rerank && r.rerankSvc != nil && len(fused) > 0 {
		fused, err = r.applyRerank(ctx, query, fused, opts.RerankTopK)
		if err != nil {
			return nil, err
		}
	}

	return capCandidates(fused, kFinal), nil
}

// fusionWithQueryRewrite asks the LLM for N paraphrases, fuses each against
// the node set, and unions the results before a final dedup-by-max-score
// pass, matching the "ambiguous query" router branch.
func (r *Retriever) fusionWithQueryRewrite(ctx context.Context, nodes []chunk.Chunk, query string, queryEmbedding []float32, kFinal int, opts Options) ([]Candidate, error) {
	paraphrases, err := r.generateParaphrases(ctx, query, 3)
	if err != nil {
		paraphrases = nil
	}

	byID := map[string]Candidate{}
	merge := func(cands []Candidate) {
		for _, c := range cands {
			existing, ok := byID[c.ID]
			if !ok || c.FusedScore > existing.FusedScore {
				byID[c.ID] = c
			}
		}
	}

	base, err := r.fuseOnce(ctx, nodes, query, queryEmbedding, opts)
	if err != nil {
		return nil, err
	}
	merge(base)

	for _, p := range paraphrases {
		cands, err := r.fuseOnce(ctx, nodes, p, queryEmbedding, opts)
		if err != nil {
			continue
		}
		merge(cands)
	}

	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FusedScore > out[j].FusedScore })

	if opts.Rerank && r.rerankSvc != nil && len(out) > 0 {
		out, err = r.applyRerank(ctx, query, out, opts.RerankTopK)
		if err != nil {
			return nil, err
		}
	}

	return capCandidates(out, kFinal), nil
}

// fuseOnce runs the lexical and vector legs concurrently for a single query
// string and returns the weighted-normalized, deduped union.
func (r *Retriever) fuseOnce(ctx context.Context, nodes []chunk.Chunk, query string, queryEmbedding []float32, opts Options) ([]Candidate, error) {
	var lexResults, vecResults []Candidate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := lexicalSearch(gctx, nodes, query, opts.SimilarityTopK)
		if err != nil {
			return fmt.Errorf("lexical search: %w", err)
		}
		lexResults = res
		return nil
	})
	g.Go(func() error {
		vecResults = vectorSearch(nodes, queryEmbedding, opts.SimilarityTopK)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fuse(lexResults, vecResults, opts.Weights), nil
}

func vectorSearch(nodes []chunk.Chunk, queryEmbedding []float32, topK int) []Candidate {
	out := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Candidate{Chunk: n, VecScore: cosineSimilarity(queryEmbedding, n.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].VecScore > out[j].VecScore })
	return capCandidates(out, topK)
}

// fuse scales each leg's scores to [0,1] by dividing by that leg's highest
// score, weights them, and merges by chunk id: a chunk found by both legs
// gets the sum of its two weighted scores. Merging across several fused
// lists by max score happens in fusionWithQueryRewrite.
func fuse(lex, vec []Candidate, weights Weights) []Candidate {
	lexNorm := normalize(lex, func(c Candidate) float64 { return c.LexScore })
	vecNorm := normalize(vec, func(c Candidate) float64 { return c.VecScore })

	byID := map[string]Candidate{}
	apply := func(c Candidate, normScore, weight float64) {
		existing, ok := byID[c.ID]
		contribution := normScore * weight
		if !ok {
			c.FusedScore = contribution
			byID[c.ID] = c
			return
		}
		existing.FusedScore += contribution
		if c.LexScore != 0 {
			existing.LexScore = c.LexScore
		}
		if c.VecScore != 0 {
			existing.VecScore = c.VecScore
		}
		byID[c.ID] = existing
	}

	for i, c := range lex {
		apply(c, lexNorm[i], weights.Lexical)
	}
	for i, c := range vec {
		apply(c, vecNorm[i], weights.Vector)
	}

	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	// Stable sort by fused score descending; ties keep map-iteration order
	// masked by a secondary sort on chunk id so results are deterministic.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func normalize(cands []Candidate, score func(Candidate) float64) []float64 {
	out := make([]float64, len(cands))
	max := 0.0
	for _, c := range cands {
		if s := score(c); s > max {
			max = s
		}
	}
	for i, c := range cands {
		if max == 0 {
			out[i] = 0
			continue
		}
		out[i] = score(c) / max
	}
	return out
}

func (r *Retriever) applyRerank(ctx context.Context, query string, cands []Candidate, topK int) ([]Candidate, error) {
	rr := r.rerankSvc.Get()
	texts := make([]string, len(cands))
	for i, c := range cands {
		texts[i] = c.Text
	}

	results, err := rr.Rerank(ctx, query, texts, topK)
	if err != nil {
		return nil, fmt.Errorf("rerank candidates: %w", err)
	}

	out := make([]Candidate, len(results))
	for i, res := range results {
		c := cands[res.Index]
		c.FusedScore = res.Score
		out[i] = c
	}
	return out, nil
}

func capCandidates(cands []Candidate, k int) []Candidate {
	if k > 0 && k < len(cands) {
		return cands[:k]
	}
	return cands
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
