package sqlgen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/notebook-core/internal/llmprovider"
	"github.com/fabfab/notebook-core/internal/sqlengine"
)

type fakeLLM struct {
	responses []string
	call      int
	err       error
	prompts   []string
}

func (f *fakeLLM) Complete(ctx context.Context, messages []llmprovider.Message) (string, error) {
	if len(messages) > 0 {
		f.prompts = append(f.prompts, messages[len(messages)-1].Content)
	}
	if f.err != nil {
		return "", f.err
	}
	if f.call >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	r := f.responses[f.call]
	f.call++
	return r, nil
}

func (f *fakeLLM) Stream(ctx context.Context, messages []llmprovider.Message) (<-chan llmprovider.Token, error) {
	return nil, nil
}

func usersSchema() sqlengine.SchemaInfo {
	return sqlengine.SchemaInfo{Tables: []sqlengine.TableInfo{{Name: "users"}}}
}

func TestNewGenerator_FallsBackToDefaultMaxCorrectionAttempts(t *testing.T) {
	g := NewGenerator(&fakeLLM{}, nil, 0)
	assert.Equal(t, DefaultMaxCorrectionAttempts, g.maxCorrectionAttempts)
}

func TestGenerateSQL_CleansMarkdownFenceAndClassifies(t *testing.T) {
	llm := &fakeLLM{responses: []string{"```sql\nSELECT * FROM users\n```"}}
	g := NewGenerator(llm, nil, 3)

	sql, classification, err := g.GenerateSQL(context.Background(), "show me all users", "CREATE TABLE users (id int)", usersSchema(), "")

	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users", sql)
	assert.NotEmpty(t, classification.Intent)
}

func TestGenerateSQL_PropagatesLLMError(t *testing.T) {
	llm := &fakeLLM{err: assert.AnError}
	g := NewGenerator(llm, nil, 3)

	_, _, err := g.GenerateSQL(context.Background(), "q", "", usersSchema(), "")

	assert.Error(t, err)
}

func TestGenerateSQL_IncludesSchemaTextAndJoinHintsInPrompt(t *testing.T) {
	llm := &fakeLLM{responses: []string{"SELECT 1"}}
	g := NewGenerator(llm, nil, 3)

	_, _, err := g.GenerateSQL(context.Background(), "q", "CREATE TABLE users (id int)", usersSchema(), "JOIN hint: users.id = orders.user_id")

	require.NoError(t, err)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "CREATE TABLE users")
	assert.Contains(t, llm.prompts[0], "JOIN hint: users.id = orders.user_id")
	assert.Contains(t, llm.prompts[0], "User Query: q")
}

func TestGenerateWithCorrection_AcceptsValidSQLOnFirstTry(t *testing.T) {
	llm := &fakeLLM{responses: []string{"SELECT * FROM users"}}
	g := NewGenerator(llm, nil, 3)

	sql, ok, _, err := g.GenerateWithCorrection(context.Background(), "show users", "", usersSchema(), "")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SELECT * FROM users", sql)
}

func TestGenerateWithCorrection_CorrectsForbiddenOperationThenSucceeds(t *testing.T) {
	llm := &fakeLLM{responses: []string{"DELETE FROM users", "SELECT * FROM users"}}
	g := NewGenerator(llm, nil, 3)

	sql, ok, _, err := g.GenerateWithCorrection(context.Background(), "show users", "", usersSchema(), "")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SELECT * FROM users", sql)
	require.Len(t, llm.prompts, 2)
	assert.Contains(t, llm.prompts[1], "forbidden operation")
}

func TestGenerateWithCorrection_GivesUpAfterMaxAttempts(t *testing.T) {
	llm := &fakeLLM{responses: []string{"DELETE FROM users"}}
	g := NewGenerator(llm, nil, 2)

	sql, ok, _, err := g.GenerateWithCorrection(context.Background(), "show users", "", usersSchema(), "")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "DELETE FROM users", sql)
}

func TestGenerateWithCorrection_PropagatesInitialGenerationError(t *testing.T) {
	llm := &fakeLLM{err: assert.AnError}
	g := NewGenerator(llm, nil, 3)

	_, ok, _, err := g.GenerateWithCorrection(context.Background(), "q", "", usersSchema(), "")

	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRefineSQL_ReturnsLLMOutputCleaned(t *testing.T) {
	llm := &fakeLLM{responses: []string{"```sql\nSELECT id FROM users WHERE active = true\n```"}}
	g := NewGenerator(llm, nil, 3)

	out := g.RefineSQL(context.Background(), "SELECT id FROM users", "only show active users")

	assert.Equal(t, "SELECT id FROM users WHERE active = true", out)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "only show active users")
}

func TestRefineSQL_FallsBackToPreviousSQLOnError(t *testing.T) {
	llm := &fakeLLM{err: assert.AnError}
	g := NewGenerator(llm, nil, 3)

	out := g.RefineSQL(context.Background(), "SELECT 1", "change it")

	assert.Equal(t, "SELECT 1", out)
}

func TestExplainSQL_ReturnsTrimmedExplanation(t *testing.T) {
	llm := &fakeLLM{responses: []string{"  This counts all users.  "}}
	g := NewGenerator(llm, nil, 3)

	out := g.ExplainSQL(context.Background(), "SELECT COUNT(*) FROM users")

	assert.Equal(t, "This counts all users.", out)
}

func TestExplainSQL_FallsBackOnError(t *testing.T) {
	llm := &fakeLLM{err: assert.AnError}
	g := NewGenerator(llm, nil, 3)

	out := g.ExplainSQL(context.Background(), "SELECT 1")

	assert.Equal(t, "Unable to generate explanation", out)
}

func TestCleanSQLResponse(t *testing.T) {
	assert.Equal(t, "SELECT 1", cleanSQLResponse("```sql\nSELECT 1\n```"))
	assert.Equal(t, "SELECT 1", cleanSQLResponse("```\nSELECT 1\n```"))
	assert.Equal(t, "SELECT 1", cleanSQLResponse("  SELECT 1  "))
}
