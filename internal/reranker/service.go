package reranker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/fabfab/notebook-core/internal/embeddings"
)

// Config is the process-wide reranker state exposed by Service.
type Config struct {
	Enabled bool
	ModelID string
	Loaded  bool
	TopN    int
}

// Service is the single owner of the process-wide reranker instance,
// resolving the "shared mutable singleton for reranker" design note: no
// free-floating global, one struct with get/set behind a lock.
//
// The lock is held for the duration of a single Rerank call, mirroring the
// source's "serialize every scoring call" contract. Get, Set and
// ConfigSnapshot take the same lock, so they wait for in-flight scoring.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	embedder embeddings.Embedder
	active   Reranker
}

// NewService constructs a Service. embedder may be nil, in which case Get
// always returns NoOpReranker regardless of Enabled.
func NewService(embedder embeddings.Embedder, modelID string, enabled bool, topN int) *Service {
	if topN <= 0 {
		topN = 10
	}
	return &Service{
		cfg:      Config{Enabled: enabled, ModelID: modelID, TopN: topN},
		embedder: embedder,
	}
}

// Get resolves the configured model and returns a Reranker wrapper that
// serializes every scoring call through the Service's lock. It loads the
// underlying instance on first use or after a model change made via Set.
func (s *Service) Get() Reranker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled || s.embedder == nil {
		return NoOpReranker{}
	}

	if s.active == nil {
		s.active = &embeddingReranker{svc: s, embedder: s.embedder}
		s.cfg.Loaded = true
	}
	return s.active
}

// Set reconfigures the service at runtime. A non-empty model different from
// the current one, or disabling, clears the loaded instance so the next Get
// rebuilds it.
func (s *Service) Set(model string, enabled *bool, topN *int) Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	if model != "" && model != s.cfg.ModelID {
		s.cfg.ModelID = model
		s.active = nil
		s.cfg.Loaded = false
	}
	if enabled != nil {
		s.cfg.Enabled = *enabled
		if !*enabled {
			s.active = nil
			s.cfg.Loaded = false
		}
	}
	if topN != nil && *topN > 0 {
		s.cfg.TopN = *topN
	}
	return s.cfg
}

// ConfigSnapshot returns the current configuration.
func (s *Service) ConfigSnapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// embeddingReranker scores query/document pairs by cosine similarity between
// their embeddings. It stands in for a dedicated cross-encoder model: the
// examples pack carries no cross-encoder inference runtime, so the same
// Embedder used for vector retrieval doubles as the scoring backend here,
// with every call serialized through the owning Service's lock.
type embeddingReranker struct {
	svc      *Service
	embedder embeddings.Embedder
}

func (r *embeddingReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()

	texts := make([]string, 0, len(documents)+1)
	texts = append(texts, query)
	texts = append(texts, documents...)

	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed for rerank: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("rerank embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}

	queryVec := vecs[0]
	results := make([]Result, len(documents))
	for i, doc := range documents {
		results[i] = Result{
			Index:    i,
			Score:    cosineSimilarity(queryVec, vecs[i+1]),
			Document: doc,
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if topK <= 0 {
		topK = r.svc.cfg.TopN
	}
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (r *embeddingReranker) Available(ctx context.Context) bool {
	return r.embedder != nil
}

func (r *embeddingReranker) Close() error { return nil }

var _ Reranker = (*embeddingReranker)(nil)

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

// ResolveAlias expands the short model aliases the config layer accepts
// (base/large/xsmall/disabled) the way the source's resolve_model_path did,
// so RERANKER_MODEL="disabled" cleanly maps to a disabled service.
func ResolveAlias(model string) (resolved string, disabled bool) {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case "", "disabled":
		return "", true
	case "base", "base-v1":
		return "rerank-base-v1", false
	case "large", "large-v1":
		return "rerank-large-v1", false
	case "xsmall", "xsmall-v1":
		return "rerank-xsmall-v1", false
	default:
		return model, false
	}
}
