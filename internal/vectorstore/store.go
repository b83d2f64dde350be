// Package vectorstore persists chunks (text, embedding, JSON metadata) in
// Postgres+pgvector and serves metadata-filtered, embedding-ranked queries.
// It generalizes the teacher's conversation-scoped document_chunks table
// into the full §4.1 contract: add, delete_by, query, load_all_by, with a
// unique (md5(text), notebook_id) index as the dedup mechanism.
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/notebook-core/internal/chunk"
)

// Filter is an equality filter over chunk metadata keys, applied in SQL
// rather than client-side; notebook_id and source_id have expression indexes.
type Filter map[string]string

// Store persists and retrieves chunks from Postgres + pgvector.
type Store struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
}

// NewStore connects to Postgres and ensures the necessary schema exists.
func NewStore(ctx context.Context, dsn string, maxConns int, dimension int, table string) (*Store, error) {
	if table == "" {
		table = "document_chunks"
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	store := &Store{pool: pool, table: table, dimension: dimension}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
	id UUID PRIMARY KEY,
	text TEXT NOT NULL,
	text_hash TEXT NOT NULL,
	embedding vector(%[2]d) NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS %[1]s_notebook_idx
	ON %[1]s ((metadata->>'notebook_id'));

CREATE INDEX IF NOT EXISTS %[1]s_source_idx
	ON %[1]s ((metadata->>'source_id'));

CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_dedup_idx
	ON %[1]s (text_hash, (metadata->>'notebook_id'));

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_indexes
		WHERE schemaname = current_schema() AND indexname = '%[1]s_embedding_idx'
	) THEN
		EXECUTE 'CREATE INDEX %[1]s_embedding_idx ON %[1]s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);';
	END IF;
END
$$;
`, s.table, s.dimension)

	_, err := s.pool.Exec(ctx, stmt)
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// The approximate index needs rows to build statistics; ignore and
		// let exact scans serve queries until enough rows accumulate.
		err = nil
	}
	return err
}

// Add inserts chunks, skipping any whose (md5(text), notebook_id) pair
// already exists. Conflicts are not errors — they are the dedup mechanism.
func (s *Store) Add(ctx context.Context, chunks []chunk.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	insertSQL := fmt.Sprintf(`
INSERT INTO %s (id, text, text_hash, embedding, metadata)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (text_hash, (metadata->>'notebook_id')) DO NOTHING`, s.table)

	for _, c := range chunks {
		if len(c.Embedding) != s.dimension {
			return inserted, fmt.Errorf("embedding dimension mismatch: expected %d got %d", s.dimension, len(c.Embedding))
		}

		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}

		metaJSON, err := marshalMetadata(c.Metadata)
		if err != nil {
			return inserted, fmt.Errorf("marshal metadata: %w", err)
		}

		tag, err := tx.Exec(ctx, insertSQL, id, c.Text, c.TextHash(), pgvector.NewVector(c.Embedding), metaJSON)
		if err != nil {
			return inserted, fmt.Errorf("insert chunk: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return inserted, fmt.Errorf("commit transaction: %w", err)
	}
	return inserted, nil
}

// DeleteBy removes all chunks matching filter. Intended for the
// {notebook_id} and {source_id} indexed-delete paths required by notebook
// and document lifecycle.
func (s *Store) DeleteBy(ctx context.Context, filter Filter) (int, error) {
	if len(filter) == 0 {
		return 0, fmt.Errorf("delete_by requires at least one filter key")
	}

	where, args := whereClause(filter)
	sql := fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.table, where)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ScoredChunk is a chunk together with the similarity score it was
// retrieved with.
type ScoredChunk struct {
	chunk.Chunk
	Score float32
}

// Query returns the top-k chunks by cosine similarity to queryEmbedding
// among those whose metadata satisfies filter. The filter is always
// applied before ranking, never after, so tenancy is respected for any k.
func (s *Store) Query(ctx context.Context, filter Filter, k int, queryEmbedding []float32) ([]ScoredChunk, error) {
	if len(queryEmbedding) != s.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d got %d", s.dimension, len(queryEmbedding))
	}

	where, args := whereClause(filter)
	args = append(args, pgvector.NewVector(queryEmbedding))
	vecPos := len(args)
	args = append(args, k)
	limitPos := len(args)

	sql := fmt.Sprintf(`
SELECT id, text, embedding, metadata, 1 - (embedding <=> $%d) AS score
FROM %s
WHERE %s
ORDER BY embedding <=> $%d, created_at ASC
LIMIT $%d`, vecPos, s.table, where, vecPos, limitPos)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	return scanScoredChunks(rows)
}

// LoadAllBy returns every chunk matching filter, in insertion order, with no
// ranking applied. Used for BM25 indexing and bulk notebook operations.
func (s *Store) LoadAllBy(ctx context.Context, filter Filter) ([]chunk.Chunk, error) {
	where, args := whereClause(filter)
	sql := fmt.Sprintf(`
SELECT id, text, embedding, metadata
FROM %s
WHERE %s
ORDER BY created_at ASC`, s.table, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	var out []chunk.Chunk
	for rows.Next() {
		var (
			id       string
			text     string
			embedRaw pgvector.Vector
			metaRaw  []byte
		)
		if err := rows.Scan(&id, &text, &embedRaw, &metaRaw); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		meta, err := unmarshalMetadata(metaRaw)
		if err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, chunk.Chunk{ID: id, Text: text, Embedding: embedRaw.Slice(), Metadata: meta})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func scanScoredChunks(rows pgx.Rows) ([]ScoredChunk, error) {
	var out []ScoredChunk
	for rows.Next() {
		var (
			id       string
			text     string
			embedRaw pgvector.Vector
			metaRaw  []byte
			score    float32
		)
		if err := rows.Scan(&id, &text, &embedRaw, &metaRaw, &score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		meta, err := unmarshalMetadata(metaRaw)
		if err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, ScoredChunk{
			Chunk: chunk.Chunk{ID: id, Text: text, Embedding: embedRaw.Slice(), Metadata: meta},
			Score: score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	// Stable sort by score descending; ties keep their insertion order,
	// matching the "all scores tied -> stable sort by insertion order" edge
	// case from the hybrid retriever spec.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func whereClause(filter Filter) (string, []any) {
	if len(filter) == 0 {
		return "TRUE", nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	args := make([]any, 0, len(filter))
	for i, k := range keys {
		clauses = append(clauses, fmt.Sprintf("metadata->>'%s' = $%d", k, i+1))
		args = append(args, filter[k])
	}
	return strings.Join(clauses, " AND "), args
}
