// Package ragchat implements the RAG Chat Engine: condense-follow-up query
// rewriting, hybrid-retrieved context assembly, and streamed generation with
// per-notebook conversation memory. Grounded on rag_chatbot/pipeline.py and
// rag_chatbot/core/engine/engine.py (original_source) for the two-mode
// (simple / condensed-context) structure and the notebook-switch
// flush/reload sequence; memory buffer grounded on ChatMemoryBuffer usage
// in the same files.
package ragchat

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fabfab/notebook-core/internal/chunk"
	"github.com/fabfab/notebook-core/internal/conversation"
	"github.com/fabfab/notebook-core/internal/embeddings"
	"github.com/fabfab/notebook-core/internal/llmprovider"
	"github.com/fabfab/notebook-core/internal/retrieval"
	"github.com/fabfab/notebook-core/internal/vectorstore"
)

// historyLoadLimit is the "last N=50 messages" the source loads when
// switching notebooks.
const historyLoadLimit = 50

const defaultSystemPrompt = "You are a helpful assistant answering questions about the user's uploaded documents. Ground every answer in the provided context; say so plainly if the context does not contain the answer."

// Engine is a single chat session bound to one notebook at a time. It owns
// the token-bounded memory buffer and coordinates retrieval + generation.
type Engine struct {
	retriever    *retrieval.Retriever
	llm          llmprovider.Provider
	embedder     embeddings.Embedder
	convStore    *conversation.Store
	systemPrompt string

	currentNotebookID string
	currentUserID     string
	memory            *TokenBuffer
	lastSources       []retrieval.Candidate
}

// NewEngine constructs an Engine with an empty memory buffer and no
// notebook selected (general-chat mode, i.e. SimpleChatEngine equivalent).
func NewEngine(retriever *retrieval.Retriever, llm llmprovider.Provider, embedder embeddings.Embedder, convStore *conversation.Store, tokenLimit int) *Engine {
	return &Engine{
		retriever:    retriever,
		llm:          llm,
		embedder:     embedder,
		convStore:    convStore,
		systemPrompt: defaultSystemPrompt,
		memory:       NewTokenBuffer(tokenLimit),
	}
}

// SetSystemPrompt overrides the default system prompt.
func (e *Engine) SetSystemPrompt(prompt string) {
	if prompt != "" {
		e.systemPrompt = prompt
	}
}

// SwitchNotebook sets the current notebook and user, then reloads the last
// historyLoadLimit messages for the new notebook into the memory buffer.
// Nothing is saved here (RecordExchange already persists turns as they
// happen). Without a conversation store the memory buffer is just reset.
func (e *Engine) SwitchNotebook(ctx context.Context, notebookID, userID string) error {
	e.currentNotebookID = notebookID
	e.currentUserID = userID

	if e.convStore == nil {
		e.memory.Reset()
		return nil
	}

	history, err := e.convStore.History(ctx, notebookID, historyLoadLimit)
	if err != nil {
		return fmt.Errorf("load notebook history: %w", err)
	}

	msgs := make([]llmprovider.Message, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Role == conversation.RoleAssistant {
			role = "assistant"
		}
		msgs = append(msgs, llmprovider.Message{Role: role, Content: m.Content})
	}
	e.memory.LoadFrom(msgs)
	return nil
}

// ResetConversation clears memory without changing the selected notebook,
// matching clear_conversation()/reset().
func (e *Engine) ResetConversation() { e.memory.Reset() }

// LastSources returns the retrieval candidates used to build context for the
// most recent Chat call, for callers that need to surface sources alongside
// the generated response (e.g. the HTTP /api/query endpoint).
func (e *Engine) LastSources() []retrieval.Candidate { return e.lastSources }

// isFollowUp applies the same heuristic as pipeline.py's
// _is_follow_up_query: no history means not a follow-up; otherwise
// follow-up keywords, or a bare question without problem-statement
// language, or a short conversational message, count as a follow-up.
func isFollowUp(message string, historyLen int) bool {
	if historyLen == 0 {
		return false
	}

	lower := strings.ToLower(message)

	followUpKeywords := []string{
		"more details", "explain", "tell me more", "elaborate",
		"what about", "how about", "can you", "could you",
		"specifically", "example", "clarify", "expand",
	}
	for _, kw := range followUpKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	questionWords := []string{"what", "how", "why", "when", "where", "which"}
	problemKeywords := []string{"problem", "issue", "challenge", "need help", "struggling"}

	hasQuestion := false
	for _, qw := range questionWords {
		if strings.Contains(lower, qw) {
			hasQuestion = true
			break
		}
	}
	hasProblem := false
	for _, pk := range problemKeywords {
		if strings.Contains(lower, pk) {
			hasProblem = true
			break
		}
	}

	if hasQuestion && !hasProblem {
		return true
	}
	if len(message) < 50 && hasQuestion {
		return true
	}
	return false
}

// condenseQuery asks the LLM to rewrite message as a standalone question
// given the buffered history, the "condense-follow-up" query rewriting
// step.
func (e *Engine) condenseQuery(ctx context.Context, message string) (string, error) {
	history := e.memory.All()
	if len(history) == 0 {
		return message, nil
	}

	var sb strings.Builder
	sb.WriteString("Given the conversation history below, rewrite the follow-up question as a standalone question that captures its full intent without needing the history for context. Reply with only the rewritten question.\n\n")
	for _, m := range history {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&sb, "Follow-up question: %s\nStandalone question:", message)

	reply, err := e.llm.Complete(ctx, []llmprovider.Message{{Role: "user", Content: sb.String()}})
	if err != nil {
		return "", fmt.Errorf("condense query: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return message, nil
	}
	return reply, nil
}

// Chat runs one turn: optional condensation, retrieval (skipped when no
// notebook is selected — the general-chat / SimpleChatEngine path),
// prompt assembly, and streamed generation. Callers must drain the
// returned channel and then call RecordExchange to persist the turn.
func (e *Engine) Chat(ctx context.Context, message string) (<-chan llmprovider.Token, error) {
	history := e.memory.All()

	queryForRetrieval := message
	if e.currentNotebookID != "" && isFollowUp(message, len(history)) {
		condensed, err := e.condenseQuery(ctx, message)
		if err == nil {
			queryForRetrieval = condensed
		}
	}

	var contextBlock string
	if e.currentNotebookID != "" && e.retriever != nil && e.embedder != nil {
		vecs, err := e.embedder.Embed(ctx, []string{queryForRetrieval})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		filter := vectorstore.Filter{chunk.MetaNotebookID: e.currentNotebookID}
		candidates, err := e.retriever.Retrieve(ctx, filter, queryForRetrieval, vecs[0], 5, retrieval.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("retrieve context: %w", err)
		}
		contextBlock = buildContextBlock(candidates)
		e.lastSources = candidates
	}

	messages := make([]llmprovider.Message, 0, len(history)+3)
	systemContent := e.systemPrompt
	if contextBlock != "" {
		systemContent = e.systemPrompt + "\n\nContext:\n" + contextBlock
	}
	messages = append(messages, llmprovider.Message{Role: "system", Content: systemContent})
	messages = append(messages, history...)
	messages = append(messages, llmprovider.Message{Role: "user", Content: message})

	return e.llm.Stream(ctx, messages)
}

func buildContextBlock(candidates []retrieval.Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, c.Text)
	}
	return sb.String()
}

// RecordExchange appends the completed turn to the in-memory buffer and,
// when a conversation store is configured, persists both messages. This is
// the Go equivalent of save_conversation_exchange: never called
// automatically mid-stream, only once the assistant's full reply is known.
func (e *Engine) RecordExchange(ctx context.Context, userMessage, assistantMessage string) error {
	e.memory.Append(llmprovider.Message{Role: "user", Content: userMessage})
	e.memory.Append(llmprovider.Message{Role: "assistant", Content: assistantMessage})

	if e.convStore == nil || e.currentNotebookID == "" {
		return nil
	}

	if _, err := e.convStore.Append(ctx, conversation.Message{
		ID:         uuid.NewString(),
		NotebookID: e.currentNotebookID,
		UserID:     e.currentUserID,
		Role:       conversation.RoleUser,
		Content:    userMessage,
	}); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	if _, err := e.convStore.Append(ctx, conversation.Message{
		ID:         uuid.NewString(),
		NotebookID: e.currentNotebookID,
		UserID:     e.currentUserID,
		Role:       conversation.RoleAssistant,
		Content:    assistantMessage,
	}); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	return nil
}
