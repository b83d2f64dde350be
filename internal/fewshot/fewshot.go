// Package fewshot retrieves similar natural-language-to-SQL examples for
// few-shot prompting, reusing the RAG pipeline's hybrid BM25+vector
// retriever and optional rerank stage rather than a separate search
// implementation. Grounded on
// dbnotebook/core/sql_chat/few_shot_retriever.py (original_source).
package fewshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fabfab/notebook-core/internal/chunk"
	"github.com/fabfab/notebook-core/internal/embeddings"
	"github.com/fabfab/notebook-core/internal/retrieval"
	"github.com/fabfab/notebook-core/internal/vectorstore"
)

// DefaultTopK matches FewShotRetriever.DEFAULT_TOP_K.
const DefaultTopK = 5

// Metadata keys stored alongside each example's embedded text.
const (
	metaSQLPrompt  = "sql_prompt"
	metaSQLQuery   = "sql_query"
	metaSQLContext = "sql_context"
	metaComplexity = "complexity"
	metaDomain     = "domain"
)

// Example is one stored natural-language-question/SQL pair.
type Example struct {
	ID         string
	SQLPrompt  string
	SQLQuery   string
	SQLContext string
	Complexity string
	Domain     string
	Similarity float64
}

// Retriever retrieves similar SQL examples from a dedicated pgvector-backed
// store, via the shared hybrid retriever/reranker stack.
type Retriever struct {
	store     *vectorstore.Store
	retriever *retrieval.Retriever
	embedder  embeddings.Embedder
}

// NewRetriever constructs a Retriever over a pgvector store dedicated to
// few-shot examples (typically table "sql_few_shot_examples").
func NewRetriever(store *vectorstore.Store, retriever *retrieval.Retriever, embedder embeddings.Embedder) *Retriever {
	return &Retriever{store: store, retriever: retriever, embedder: embedder}
}

// AddExample embeds and stores one example as "Question: ...\nSQL: ..." text.
// Examples carry no notebook_id, and the store's unique index pairs the text
// hash with metadata notebook_id, so a NULL key never conflicts: adding the
// same example twice stores two rows.
func (r *Retriever) AddExample(ctx context.Context, ex Example) error {
	vecs, err := r.embedder.Embed(ctx, []string{exampleText(ex)})
	if err != nil {
		return fmt.Errorf("embed example: %w", err)
	}

	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}

	c := chunk.Chunk{
		ID:        ex.ID,
		Text:      exampleText(ex),
		Embedding: vecs[0],
		Metadata: map[string]any{
			metaSQLPrompt:  ex.SQLPrompt,
			metaSQLQuery:   ex.SQLQuery,
			metaSQLContext: ex.SQLContext,
			metaComplexity: ex.Complexity,
			metaDomain:     strings.ToLower(ex.Domain),
		},
	}
	if _, err := r.store.Add(ctx, []chunk.Chunk{c}); err != nil {
		return fmt.Errorf("store example: %w", err)
	}
	return nil
}

func exampleText(ex Example) string {
	return fmt.Sprintf("Question: %s\nSQL: %s", ex.SQLPrompt, ex.SQLQuery)
}

// ExamplesAvailable reports whether any examples have been loaded, the
// early-exit check that skips unnecessary query embedding.
func (r *Retriever) ExamplesAvailable(ctx context.Context) (bool, error) {
	examples, err := r.store.LoadAllBy(ctx, vectorstore.Filter{})
	if err != nil {
		return false, fmt.Errorf("check examples available: %w", err)
	}
	return len(examples) > 0, nil
}

// GetExamples retrieves the topK examples most similar to query, honoring
// optional domain and complexity hints. domainHint matches both the exact
// domain and examples tagged "general"; complexityHint matches exactly.
func (r *Retriever) GetExamples(ctx context.Context, query string, topK int, domainHint, complexityHint string) ([]Example, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	available, err := r.ExamplesAvailable(ctx)
	if err != nil || !available {
		return nil, err
	}

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	filter := vectorstore.Filter{}
	if complexityHint != "" {
		filter[metaComplexity] = complexityHint
	}

	candidates, err := r.retriever.Retrieve(ctx, filter, query, vecs[0], topK*3, retrieval.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("retrieve examples: %w", err)
	}

	domainHint = strings.ToLower(domainHint)
	out := make([]Example, 0, topK)
	for _, c := range candidates {
		domain, _ := c.Metadata[metaDomain].(string)
		if domainHint != "" && domain != domainHint && domain != "general" {
			continue
		}
		out = append(out, candidateToExample(c))
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

func candidateToExample(c retrieval.Candidate) Example {
	get := func(key string) string {
		s, _ := c.Metadata[key].(string)
		return s
	}
	return Example{
		ID:         c.ID,
		SQLPrompt:  get(metaSQLPrompt),
		SQLQuery:   get(metaSQLQuery),
		SQLContext: get(metaSQLContext),
		Complexity: get(metaComplexity),
		Domain:     get(metaDomain),
		Similarity: c.FusedScore,
	}
}

// FormatForPrompt renders examples as a few-shot prompt section.
func FormatForPrompt(examples []Example, includeContext bool) string {
	if len(examples) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Here are some similar SQL examples for reference:\n\n")
	for i, ex := range examples {
		fmt.Fprintf(&sb, "Example %d:\n", i+1)
		fmt.Fprintf(&sb, "Question: %s\n", ex.SQLPrompt)
		fmt.Fprintf(&sb, "SQL: %s\n", ex.SQLQuery)
		if includeContext && ex.SQLContext != "" {
			fmt.Fprintf(&sb, "Context: %s\n", ex.SQLContext)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// domainKeywords scores schema text against a fixed set of domain
// vocabularies, the same mapping as infer_domain.
var domainKeywords = map[string][]string{
	"finance":    {"account", "transaction", "balance", "payment", "invoice", "ledger", "credit", "debit", "revenue", "expense"},
	"healthcare": {"patient", "diagnosis", "prescription", "doctor", "hospital", "medical", "treatment", "appointment"},
	"retail":     {"product", "order", "customer", "inventory", "cart", "purchase", "sale", "item", "catalog", "price"},
	"hr":         {"employee", "salary", "department", "hiring", "payroll", "leave", "attendance", "performance", "position"},
	"education":  {"student", "course", "grade", "enrollment", "teacher", "class", "assignment", "semester", "degree"},
	"ecommerce":  {"order", "product", "customer", "shipping", "review", "category", "wishlist", "checkout"},
	"logistics":  {"shipment", "warehouse", "delivery", "tracking", "route", "carrier", "package", "freight"},
}

// InferDomain scores schemaText against domainKeywords and returns the
// best-scoring domain, or "" if no keyword matched.
func InferDomain(schemaText string) string {
	lower := strings.ToLower(schemaText)

	bestDomain := ""
	bestScore := 0
	// Iterate in a fixed order so ties resolve deterministically.
	for _, domain := range []string{"finance", "healthcare", "retail", "hr", "education", "ecommerce", "logistics"} {
		score := 0
		for _, kw := range domainKeywords[domain] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestDomain = domain
		}
	}
	return bestDomain
}

// BestSimilarity returns the highest similarity score among examples, or 0
// if none were retrieved.
func BestSimilarity(examples []Example) float64 {
	best := 0.0
	for _, ex := range examples {
		if ex.Similarity > best {
			best = ex.Similarity
		}
	}
	return best
}
