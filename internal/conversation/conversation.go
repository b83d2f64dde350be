// Package conversation persists the per-(notebook,user) message log the RAG
// chat engine reads back for memory-aware prompt assembly. It follows the
// same pgxpool-backed, ensure-schema-on-construct shape as
// internal/vectorstore, generalizing the teacher's filesystem-backed
// storage.Manager into a relational table so the front door can page
// through history without loading whole conversation files into memory.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Role is who authored a ConversationMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a notebook conversation.
type Message struct {
	ID         string
	NotebookID string
	UserID     string
	Role       Role
	Content    string
	Timestamp  time.Time
}

// Store persists and retrieves conversation messages ordered by timestamp.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to Postgres and ensures the conversation_messages table
// exists. Callers typically share a single *pgxpool.Pool between this store
// and vectorstore.Store.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id UUID PRIMARY KEY,
	notebook_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS conversation_messages_notebook_idx
	ON conversation_messages (notebook_id, created_at);
`)
	if err != nil {
		return fmt.Errorf("ensure conversation schema: %w", err)
	}
	return nil
}

// Append adds a message to a notebook's conversation and returns it with its
// assigned ID and timestamp filled in.
func (s *Store) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO conversation_messages (id, notebook_id, user_id, role, content)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at`, msg.ID, msg.NotebookID, msg.UserID, string(msg.Role), msg.Content)

	if err := row.Scan(&msg.Timestamp); err != nil {
		return Message{}, fmt.Errorf("append conversation message: %w", err)
	}
	return msg, nil
}

// History returns the most recent limit messages for a notebook, oldest
// first, matching the "ordered by timestamp on retrieval" invariant. A
// limit of 0 returns the full log.
func (s *Store) History(ctx context.Context, notebookID string, limit int) ([]Message, error) {
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx, `
SELECT id, notebook_id, user_id, role, content, created_at
FROM (
	SELECT id, notebook_id, user_id, role, content, created_at
	FROM conversation_messages
	WHERE notebook_id = $1
	ORDER BY created_at DESC
	LIMIT $2
) recent
ORDER BY created_at ASC`, notebookID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
SELECT id, notebook_id, user_id, role, content, created_at
FROM conversation_messages
WHERE notebook_id = $1
ORDER BY created_at ASC`, notebookID)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.NotebookID, &m.UserID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan conversation message: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation history: %w", err)
	}
	return out, nil
}

// DeleteNotebook removes every message belonging to a notebook, used when a
// notebook is deleted or its documents are fully refreshed.
func (s *Store) DeleteNotebook(ctx context.Context, notebookID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversation_messages WHERE notebook_id = $1`, notebookID)
	if err != nil {
		return fmt.Errorf("delete notebook conversation: %w", err)
	}
	return nil
}
