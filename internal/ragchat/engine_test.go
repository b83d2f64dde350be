package ragchat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/notebook-core/internal/chunk"
	"github.com/fabfab/notebook-core/internal/llmprovider"
	"github.com/fabfab/notebook-core/internal/retrieval"
	"github.com/fabfab/notebook-core/internal/vectorstore"
)

type fakeLLM struct {
	completeResponses []string
	completeCalls     int
	streamTokens      []llmprovider.Token
	lastMessages      []llmprovider.Message
}

func (f *fakeLLM) Complete(_ context.Context, messages []llmprovider.Message) (string, error) {
	f.lastMessages = messages
	if f.completeCalls >= len(f.completeResponses) {
		return "", nil
	}
	out := f.completeResponses[f.completeCalls]
	f.completeCalls++
	return out, nil
}

func (f *fakeLLM) Stream(_ context.Context, messages []llmprovider.Message) (<-chan llmprovider.Token, error) {
	f.lastMessages = messages
	ch := make(chan llmprovider.Token, len(f.streamTokens))
	for _, tok := range f.streamTokens {
		ch <- tok
	}
	close(ch)
	return ch, nil
}

type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Dimension() int { return f.dim }

func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeRetrieveStore struct{ nodes []chunk.Chunk }

func (s *fakeRetrieveStore) LoadAllBy(_ context.Context, _ vectorstore.Filter) ([]chunk.Chunk, error) {
	return s.nodes, nil
}

func TestIsFollowUp_NoHistoryIsNeverFollowUp(t *testing.T) {
	assert.False(t, isFollowUp("tell me more", 0))
}

func TestIsFollowUp_KeywordMatch(t *testing.T) {
	assert.True(t, isFollowUp("can you explain that further", 1))
}

func TestIsFollowUp_QuestionWithoutProblemLanguage(t *testing.T) {
	assert.True(t, isFollowUp("what is that", 1))
}

func TestIsFollowUp_QuestionWithProblemLanguageIsNotFollowUp(t *testing.T) {
	assert.False(t, isFollowUp("what is causing this issue I am struggling with in the billing pipeline export", 1))
}

func TestIsFollowUp_ShortQuestionIsFollowUp(t *testing.T) {
	assert.True(t, isFollowUp("why?", 1))
}

func TestBuildContextBlock(t *testing.T) {
	assert.Equal(t, "", buildContextBlock(nil))

	out := buildContextBlock([]retrieval.Candidate{
		{Chunk: chunk.Chunk{Text: "first chunk"}},
		{Chunk: chunk.Chunk{Text: "second chunk"}},
	})
	assert.Contains(t, out, "[1] first chunk")
	assert.Contains(t, out, "[2] second chunk")
}

func TestNewEngine_DefaultsSystemPromptAndMemory(t *testing.T) {
	e := NewEngine(nil, &fakeLLM{}, nil, nil, 0)

	assert.Equal(t, defaultSystemPrompt, e.systemPrompt)
	assert.Equal(t, 4096, e.memory.tokenLimit)
}

func TestEngine_SetSystemPrompt_IgnoresEmpty(t *testing.T) {
	e := NewEngine(nil, &fakeLLM{}, nil, nil, 100)
	e.SetSystemPrompt("custom prompt")
	assert.Equal(t, "custom prompt", e.systemPrompt)

	e.SetSystemPrompt("")
	assert.Equal(t, "custom prompt", e.systemPrompt)
}

func TestEngine_Chat_GeneralModeSkipsRetrievalWithoutNotebook(t *testing.T) {
	llm := &fakeLLM{streamTokens: []llmprovider.Token{{Text: "hi", Done: true}}}
	e := NewEngine(nil, llm, nil, nil, 100)

	ch, err := e.Chat(context.Background(), "hello")
	require.NoError(t, err)

	var texts []string
	for tok := range ch {
		texts = append(texts, tok.Text)
	}
	assert.Equal(t, []string{"hi"}, texts)
	assert.Nil(t, e.LastSources())
	assert.Equal(t, "system", llm.lastMessages[0].Role)
	assert.NotContains(t, llm.lastMessages[0].Content, "Context:")
}

func TestEngine_Chat_RetrievesContextWhenNotebookSelected(t *testing.T) {
	store := &fakeRetrieveStore{nodes: []chunk.Chunk{
		{ID: "a", Text: "relevant passage", Embedding: []float32{1, 0}},
	}}
	retriever := retrieval.NewRetriever(store, nil, nil)
	llm := &fakeLLM{streamTokens: []llmprovider.Token{{Text: "answer", Done: true}}}
	e := NewEngine(retriever, llm, fakeEmbedder{dim: 2}, nil, 100)
	e.currentNotebookID = "nb-1"

	ch, err := e.Chat(context.Background(), "what does the document say")
	require.NoError(t, err)
	for range ch {
	}

	require.Len(t, e.LastSources(), 1)
	assert.Equal(t, "a", e.LastSources()[0].ID)
	assert.Contains(t, llm.lastMessages[0].Content, "Context:")
	assert.Contains(t, llm.lastMessages[0].Content, "relevant passage")
}

func TestEngine_Chat_CondensesFollowUpQuestion(t *testing.T) {
	store := &fakeRetrieveStore{nodes: []chunk.Chunk{{ID: "a", Text: "x", Embedding: []float32{1, 0}}}}
	retriever := retrieval.NewRetriever(store, nil, nil)
	llm := &fakeLLM{
		completeResponses: []string{"standalone rewritten question"},
		streamTokens:      []llmprovider.Token{{Done: true}},
	}
	e := NewEngine(retriever, llm, fakeEmbedder{dim: 2}, nil, 100)
	e.currentNotebookID = "nb-1"
	e.memory.Append(llmprovider.Message{Role: "user", Content: "first question"})
	e.memory.Append(llmprovider.Message{Role: "assistant", Content: "first answer"})

	ch, err := e.Chat(context.Background(), "can you explain that more")
	require.NoError(t, err)
	for range ch {
	}

	assert.Equal(t, 1, llm.completeCalls, "condensation should call Complete once")
}

func TestEngine_RecordExchange_AppendsToMemoryWithoutStore(t *testing.T) {
	e := NewEngine(nil, &fakeLLM{}, nil, nil, 1000)

	err := e.RecordExchange(context.Background(), "question", "answer")

	require.NoError(t, err)
	all := e.memory.All()
	require.Len(t, all, 2)
	assert.Equal(t, "question", all[0].Content)
	assert.Equal(t, "answer", all[1].Content)
}

func TestEngine_ResetConversation(t *testing.T) {
	e := NewEngine(nil, &fakeLLM{}, nil, nil, 1000)
	e.memory.Append(llmprovider.Message{Role: "user", Content: "hi"})

	e.ResetConversation()

	assert.Empty(t, e.memory.All())
}

func TestEngine_SwitchNotebook_WithoutConvStoreResetsMemory(t *testing.T) {
	e := NewEngine(nil, &fakeLLM{}, nil, nil, 1000)
	e.memory.Append(llmprovider.Message{Role: "user", Content: "hi"})

	err := e.SwitchNotebook(context.Background(), "nb-2", "user-1")

	require.NoError(t, err)
	assert.Empty(t, e.memory.All())
	assert.Equal(t, "nb-2", e.currentNotebookID)
	assert.Equal(t, "user-1", e.currentUserID)
}
