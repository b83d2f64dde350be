package ragchat

import (
	"github.com/fabfab/notebook-core/internal/llmprovider"
)

// approxTokens estimates token count the way cheap local buffers do when no
// tokenizer is wired in: roughly 4 characters per token.
func approxTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// TokenBuffer is a bounded, oldest-first-evicted chat history, the Go
// equivalent of ChatMemoryBuffer(token_limit=...) from
// rag_chatbot/core/engine/engine.py.
type TokenBuffer struct {
	tokenLimit int
	messages   []llmprovider.Message
}

// NewTokenBuffer constructs a buffer bounded by tokenLimit approximate
// tokens. A non-positive limit falls back to 4096.
func NewTokenBuffer(tokenLimit int) *TokenBuffer {
	if tokenLimit <= 0 {
		tokenLimit = 4096
	}
	return &TokenBuffer{tokenLimit: tokenLimit}
}

// Append adds a message, evicting the oldest messages until the running
// total fits within the token limit.
func (b *TokenBuffer) Append(msg llmprovider.Message) {
	b.messages = append(b.messages, msg)
	b.evict()
}

func (b *TokenBuffer) evict() {
	total := 0
	for _, m := range b.messages {
		total += approxTokens(m.Content)
	}
	for total > b.tokenLimit && len(b.messages) > 1 {
		total -= approxTokens(b.messages[0].Content)
		b.messages = b.messages[1:]
	}
}

// All returns every message currently held, oldest first.
func (b *TokenBuffer) All() []llmprovider.Message {
	out := make([]llmprovider.Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Reset clears the buffer, matching the reset()-without-documents path.
func (b *TokenBuffer) Reset() { b.messages = nil }

// LoadFrom replaces the buffer's contents with the given messages (oldest
// first), truncated to the token limit from the end if needed. Used when
// switching notebooks to seed the buffer with persisted history.
func (b *TokenBuffer) LoadFrom(messages []llmprovider.Message) {
	b.messages = nil
	for _, m := range messages {
		b.Append(m)
	}
}
