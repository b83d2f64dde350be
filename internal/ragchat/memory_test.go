package ragchat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/notebook-core/internal/llmprovider"
)

func TestApproxTokens(t *testing.T) {
	assert.Equal(t, 0, approxTokens(""))
	assert.Equal(t, 1, approxTokens("hi"))
	assert.Equal(t, 3, approxTokens("twelve chars"))
}

func TestNewTokenBuffer_FallsBackToDefaultLimit(t *testing.T) {
	b := NewTokenBuffer(0)
	assert.Equal(t, 4096, b.tokenLimit)
}

func TestTokenBuffer_AppendEvictsOldestBeyondLimit(t *testing.T) {
	b := NewTokenBuffer(2) // ~2 tokens ~ 8 chars

	b.Append(llmprovider.Message{Role: "user", Content: "aaaaaaaa"})  // 2 tokens
	b.Append(llmprovider.Message{Role: "user", Content: "bbbbbbbb"})  // pushes total to 4 > 2, evict oldest

	all := b.All()
	require.Len(t, all, 1)
	assert.Equal(t, "bbbbbbbb", all[0].Content)
}

func TestTokenBuffer_NeverEvictsLastMessage(t *testing.T) {
	b := NewTokenBuffer(1)

	b.Append(llmprovider.Message{Role: "user", Content: "this message alone exceeds the tiny token limit"})

	assert.Len(t, b.All(), 1, "a single message is kept even if it alone exceeds the limit")
}

func TestTokenBuffer_Reset(t *testing.T) {
	b := NewTokenBuffer(100)
	b.Append(llmprovider.Message{Role: "user", Content: "hi"})

	b.Reset()

	assert.Empty(t, b.All())
}

func TestTokenBuffer_LoadFromReplacesAndTruncates(t *testing.T) {
	b := NewTokenBuffer(100)
	b.Append(llmprovider.Message{Role: "user", Content: "stale"})

	b.LoadFrom([]llmprovider.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
	})

	all := b.All()
	require.Len(t, all, 2)
	assert.Equal(t, "first", all[0].Content)
	assert.Equal(t, "second", all[1].Content)
}

func TestTokenBuffer_All_ReturnsIndependentCopy(t *testing.T) {
	b := NewTokenBuffer(100)
	b.Append(llmprovider.Message{Role: "user", Content: "hi"})

	all := b.All()
	all[0].Content = "mutated"

	assert.Equal(t, "hi", b.All()[0].Content, "All() must return a copy, not the live backing slice")
}
