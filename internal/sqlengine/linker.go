package sqlengine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/fabfab/notebook-core/internal/embeddings"
)

// defaultLinkerTopK and defaultLinkerSimilarityThreshold mirror
// SchemaLinker.DEFAULT_TOP_K / MIN_SIMILARITY_THRESHOLD. The threshold is
// stored on the Linker but nothing reads it: LinkTables always returns the
// top-k regardless of score, and GetTableScores returns every table's score
// unfiltered.
const (
	defaultLinkerTopK                = 5
	defaultLinkerSimilarityThreshold = 0.3
)

// TableScore pairs a table name with its similarity to a query.
type TableScore struct {
	Table string
	Score float64
}

// Linker pre-filters a schema to the tables most relevant to a natural
// language query, using embedding similarity with FK-driven expansion.
// Grounded on SchemaLinker in dbnotebook/core/sql_chat/schema_linker.py.
type Linker struct {
	embedder  embeddings.Embedder
	topK      int
	threshold float64

	mu    sync.Mutex
	cache map[string]map[string][]float32 // connectionID -> tableName -> embedding
}

// NewLinker constructs a Linker. Non-positive topK/threshold fall back to
// the defaults.
func NewLinker(embedder embeddings.Embedder, topK int, threshold float64) *Linker {
	if topK <= 0 {
		topK = defaultLinkerTopK
	}
	if threshold <= 0 {
		threshold = defaultLinkerSimilarityThreshold
	}
	return &Linker{
		embedder:  embedder,
		topK:      topK,
		threshold: threshold,
		cache:     make(map[string]map[string][]float32),
	}
}

// LinkTables returns the names of the tables most relevant to query. When
// the schema has at most topK tables, every table is returned untouched.
func (l *Linker) LinkTables(ctx context.Context, query string, schema SchemaInfo, connectionID string, topK int, expandWithFK bool) ([]string, error) {
	if len(schema.Tables) == 0 {
		return nil, nil
	}

	k := topK
	if k <= 0 {
		k = l.topK
	}

	if len(schema.Tables) <= k {
		names := make([]string, len(schema.Tables))
		for i, t := range schema.Tables {
			names[i] = t.Name
		}
		return names, nil
	}

	scores, err := l.GetTableScores(ctx, query, schema, connectionID)
	if err != nil {
		return nil, err
	}

	selected := make([]string, 0, k)
	for i := 0; i < k && i < len(scores); i++ {
		selected = append(selected, scores[i].Table)
	}

	if expandWithFK {
		selected = expandWithFKTables(selected, schema)
	}
	return selected, nil
}

// GetTableScores returns every table's similarity to query, sorted
// descending, useful for diagnostics/UI display.
func (l *Linker) GetTableScores(ctx context.Context, query string, schema SchemaInfo, connectionID string) ([]TableScore, error) {
	if len(schema.Tables) == 0 {
		return nil, nil
	}

	tableEmbeddings, err := l.tableEmbeddings(ctx, schema, connectionID)
	if err != nil {
		return nil, err
	}

	queryVecs, err := l.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryEmb := queryVecs[0]

	scores := make([]TableScore, 0, len(schema.Tables))
	for _, t := range schema.Tables {
		emb, ok := tableEmbeddings[t.Name]
		sim := 0.0
		if ok {
			sim = cosineSimilarityVec(queryEmb, emb)
		}
		scores = append(scores, TableScore{Table: t.Name, Score: sim})
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores, nil
}

func (l *Linker) tableEmbeddings(ctx context.Context, schema SchemaInfo, connectionID string) (map[string][]float32, error) {
	cacheKey := connectionID
	if cacheKey == "" {
		cacheKey = "default"
	}

	l.mu.Lock()
	cached, ok := l.cache[cacheKey]
	l.mu.Unlock()
	if ok && sameTableSet(cached, schema.Tables) {
		return cached, nil
	}

	descriptions := make([]string, len(schema.Tables))
	for i, t := range schema.Tables {
		descriptions[i] = tableDescription(t)
	}

	vecs, err := l.embedder.Embed(ctx, descriptions)
	if err != nil {
		return nil, fmt.Errorf("embed tables: %w", err)
	}

	tableVecs := make(map[string][]float32, len(schema.Tables))
	for i, t := range schema.Tables {
		if i < len(vecs) {
			tableVecs[t.Name] = vecs[i]
		}
	}

	l.mu.Lock()
	l.cache[cacheKey] = tableVecs
	l.mu.Unlock()

	return tableVecs, nil
}

func sameTableSet(cached map[string][]float32, tables []TableInfo) bool {
	if len(cached) != len(tables) {
		return false
	}
	for _, t := range tables {
		if _, ok := cached[t.Name]; !ok {
			return false
		}
	}
	return true
}

// tableDescription builds the text fed to the embedder for one table:
// name, column names (underscores expanded to spaces), light type hints,
// and a handful of sample values for entity matching.
func tableDescription(t TableInfo) string {
	parts := []string{t.Name}

	for _, col := range t.Columns {
		parts = append(parts, strings.ReplaceAll(col.Name, "_", " "))

		typeLower := strings.ToLower(col.Type)
		switch {
		case strings.Contains(typeLower, "timestamp"), strings.Contains(typeLower, "date"):
			parts = append(parts, "date time")
		case strings.Contains(typeLower, "money"), strings.Contains(typeLower, "decimal"):
			parts = append(parts, "amount price")
		}
	}

	sampleCols := 0
	for _, col := range t.Columns {
		if sampleCols >= 3 {
			break
		}
		values, ok := t.SampleValues[col.Name]
		if !ok {
			continue
		}
		sampleCols++
		for i, v := range values {
			if i >= 2 {
				break
			}
			if v != "" && len(v) < 50 {
				parts = append(parts, v)
			}
		}
	}

	return strings.Join(parts, " ")
}

// expandWithFKTables adds every table reachable by one FK hop from the
// selected set, ensuring JOIN paths stay available.
func expandWithFKTables(tables []string, schema SchemaInfo) []string {
	selected := make(map[string]bool, len(tables))
	lower := make(map[string]bool, len(tables))
	for _, t := range tables {
		selected[t] = true
		lower[strings.ToLower(t)] = true
	}

	for _, rel := range schema.Relationships {
		if lower[strings.ToLower(rel.FromTable)] {
			selected[rel.ToTable] = true
		}
		if lower[strings.ToLower(rel.ToTable)] {
			selected[rel.FromTable] = true
		}
	}

	out := make([]string, 0, len(selected))
	for t := range selected {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// FilterSchema returns a copy of schema restricted to the named tables and
// the relationships that connect two of them.
func FilterSchema(schema SchemaInfo, tableNames []string) SchemaInfo {
	wanted := make(map[string]bool, len(tableNames))
	for _, t := range tableNames {
		wanted[strings.ToLower(t)] = true
	}

	var tables []TableInfo
	for _, t := range schema.Tables {
		if wanted[strings.ToLower(t.Name)] {
			tables = append(tables, t)
		}
	}

	var rels []ForeignKey
	for _, r := range schema.Relationships {
		if wanted[strings.ToLower(r.FromTable)] && wanted[strings.ToLower(r.ToTable)] {
			rels = append(rels, r)
		}
	}

	return SchemaInfo{
		DatabaseName:  schema.DatabaseName,
		Tables:        tables,
		Relationships: rels,
		CachedAt:      schema.CachedAt,
		Fingerprint:   schema.Fingerprint,
	}
}

// ClearCache drops cached table embeddings for one connection, or every
// connection when connectionID is empty.
func (l *Linker) ClearCache(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if connectionID == "" {
		l.cache = make(map[string]map[string][]float32)
		return
	}
	delete(l.cache, connectionID)
}

func cosineSimilarityVec(a, b []float32) float64 {
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
