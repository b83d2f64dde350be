package decompose

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/notebook-core/internal/llmprovider"
	"github.com/fabfab/notebook-core/internal/sqlengine"
)

type fakeLLM struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeLLM) Complete(ctx context.Context, messages []llmprovider.Message) (string, error) {
	if len(messages) > 0 {
		f.prompts = append(f.prompts, messages[len(messages)-1].Content)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeLLM) Stream(ctx context.Context, messages []llmprovider.Message) (<-chan llmprovider.Token, error) {
	return nil, nil
}

func TestIsComplex(t *testing.T) {
	assert.True(t, IsComplex("compare sales this month vs last month"))
	assert.True(t, IsComplex("show revenue trend over time"))
	assert.True(t, IsComplex("breakdown by region and product"))
	assert.False(t, IsComplex("how many users signed up today"))
}

func TestDecompose_ParsesJSONArrayFromLLM(t *testing.T) {
	llm := &fakeLLM{response: `Here you go:
[
  {"id": 1, "question": "total sales this month", "depends_on": []},
  {"id": 2, "question": "total sales last month", "depends_on": []},
  {"id": 3, "question": "compare the two", "depends_on": [1, 2]}
]`}
	d := NewDecomposer(llm)
	schema := sqlengine.SchemaInfo{Tables: []sqlengine.TableInfo{{Name: "sales"}}}

	subs := d.Decompose(context.Background(), "compare sales this month vs last month", schema, 0)

	require.Len(t, subs, 3)
	assert.Equal(t, "total sales this month", subs[0].Question)
	assert.Equal(t, []int{1, 2}, subs[2].DependsOn)
	assert.Equal(t, "sq_3", subs[2].CTEName)
	for _, sq := range subs {
		assert.Equal(t, "compare sales this month vs last month", sq.OriginalQuestion)
	}
}

func TestDecompose_CapsAtMaxSubQueries(t *testing.T) {
	llm := &fakeLLM{response: `[
  {"id": 1, "question": "a"},
  {"id": 2, "question": "b"},
  {"id": 3, "question": "c"},
  {"id": 4, "question": "d"}
]`}
	d := NewDecomposer(llm)

	subs := d.Decompose(context.Background(), "q", sqlengine.SchemaInfo{}, 2)

	assert.Len(t, subs, 2)
}

func TestDecompose_FallsBackOnLLMError(t *testing.T) {
	llm := &fakeLLM{err: assert.AnError}
	d := NewDecomposer(llm)

	subs := d.Decompose(context.Background(), "original question", sqlengine.SchemaInfo{}, 0)

	require.Len(t, subs, 1)
	assert.Equal(t, "original question", subs[0].Question)
	assert.Equal(t, "sq_1", subs[0].CTEName)
}

func TestDecompose_FallsBackOnUnparsableResponse(t *testing.T) {
	llm := &fakeLLM{response: "not json at all"}
	d := NewDecomposer(llm)

	subs := d.Decompose(context.Background(), "original question", sqlengine.SchemaInfo{}, 0)

	require.Len(t, subs, 1)
	assert.Equal(t, "original question", subs[0].Question)
}

func TestDecompose_LimitsTableNamesInPromptTo20(t *testing.T) {
	llm := &fakeLLM{response: "[]"}
	d := NewDecomposer(llm)

	tables := make([]sqlengine.TableInfo, 25)
	for i := range tables {
		tables[i] = sqlengine.TableInfo{Name: fmt.Sprintf("tbl%02d", i)}
	}
	schema := sqlengine.SchemaInfo{Tables: tables}

	d.Decompose(context.Background(), "q", schema, 0)

	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "tbl19")
	assert.NotContains(t, llm.prompts[0], "tbl20")
}

func TestDecompose_DefaultsIDWhenMissingFromJSON(t *testing.T) {
	llm := &fakeLLM{response: `[{"question": "first"}, {"question": "second"}]`}
	d := NewDecomposer(llm)

	subs := d.Decompose(context.Background(), "q", sqlengine.SchemaInfo{}, 0)

	require.Len(t, subs, 2)
	assert.Equal(t, 1, subs[0].ID)
	assert.Equal(t, 2, subs[1].ID)
}

func TestCombineIntoCTE_EmptyWhenNoSQL(t *testing.T) {
	assert.Equal(t, "", CombineIntoCTE([]SubQuery{{ID: 1, Question: "q"}}))
}

func TestCombineIntoCTE_SingleSubQueryReturnsItsSQLDirectly(t *testing.T) {
	subs := []SubQuery{{ID: 1, SQL: "SELECT 1;"}}
	assert.Equal(t, "SELECT 1;", CombineIntoCTE(subs))
}

func TestCombineIntoCTE_ChainsMultipleAsCTEs(t *testing.T) {
	subs := []SubQuery{
		{ID: 1, CTEName: "sq_1", SQL: "SELECT a FROM t;"},
		{ID: 2, CTEName: "sq_2", SQL: "SELECT b FROM sq_1;"},
	}

	out := CombineIntoCTE(subs)

	assert.Contains(t, out, "WITH sq_1 AS (")
	assert.Contains(t, out, "SELECT a FROM t")
	assert.Contains(t, out, "SELECT b FROM sq_1")
	assert.False(t, len(out) > 0 && out[len(out)-1] == ';', "trailing semicolons should be stripped from component SQL")
}

func TestCombineIntoCTE_SkipsSubQueriesWithoutSQL(t *testing.T) {
	subs := []SubQuery{
		{ID: 1, CTEName: "sq_1", SQL: "SELECT 1;"},
		{ID: 2, Question: "never got SQL"},
		{ID: 3, CTEName: "sq_3", SQL: "SELECT * FROM sq_1;"},
	}

	out := CombineIntoCTE(subs)

	assert.Contains(t, out, "sq_1 AS")
	assert.NotContains(t, out, "sq_2")
}

func TestGenerateCombinationQuery_EmptySubQueriesReturnsEmpty(t *testing.T) {
	d := NewDecomposer(&fakeLLM{})
	assert.Equal(t, "", d.GenerateCombinationQuery(context.Background(), nil, "q"))
}

func TestGenerateCombinationQuery_ReturnsSelectDirectly(t *testing.T) {
	llm := &fakeLLM{response: "SELECT * FROM sq_1 JOIN sq_2 ON true"}
	d := NewDecomposer(llm)
	subs := []SubQuery{{ID: 1, CTEName: "sq_1", SQL: "SELECT 1;", Question: "first"}}

	out := d.GenerateCombinationQuery(context.Background(), subs, "original")

	assert.Equal(t, "SELECT * FROM sq_1 JOIN sq_2 ON true", out)
}

func TestGenerateCombinationQuery_ExtractsSelectFromSurroundingText(t *testing.T) {
	llm := &fakeLLM{response: "Sure, here it is:\nSELECT * FROM sq_1"}
	d := NewDecomposer(llm)
	subs := []SubQuery{{ID: 1, CTEName: "sq_1", SQL: "SELECT 1;"}}

	out := d.GenerateCombinationQuery(context.Background(), subs, "original")

	assert.Equal(t, "SELECT * FROM sq_1", out)
}

func TestGenerateCombinationQuery_ReturnsEmptyWhenNoSelectFound(t *testing.T) {
	llm := &fakeLLM{response: "I cannot do that."}
	d := NewDecomposer(llm)
	subs := []SubQuery{{ID: 1, CTEName: "sq_1", SQL: "SELECT 1;"}}

	out := d.GenerateCombinationQuery(context.Background(), subs, "original")

	assert.Equal(t, "", out)
}

func TestGenerateCombinationQuery_ReturnsEmptyOnLLMError(t *testing.T) {
	llm := &fakeLLM{err: assert.AnError}
	d := NewDecomposer(llm)
	subs := []SubQuery{{ID: 1, CTEName: "sq_1", SQL: "SELECT 1;"}}

	out := d.GenerateCombinationQuery(context.Background(), subs, "original")

	assert.Equal(t, "", out)
}

func TestGetExecutionOrder_RespectsDependencies(t *testing.T) {
	subs := []SubQuery{
		{ID: 3, DependsOn: []int{1, 2}},
		{ID: 1},
		{ID: 2, DependsOn: []int{1}},
	}

	order := GetExecutionOrder(subs)

	require.Len(t, order, 3)
	assert.Equal(t, 1, order[0])
	assert.Equal(t, 2, order[1])
	assert.Equal(t, 3, order[2])
}

func TestGetExecutionOrder_BreaksCircularDependency(t *testing.T) {
	subs := []SubQuery{
		{ID: 1, DependsOn: []int{2}},
		{ID: 2, DependsOn: []int{1}},
	}

	order := GetExecutionOrder(subs)

	assert.Len(t, order, 2, "circular deps should still yield every sub-query exactly once")
	assert.ElementsMatch(t, []int{1, 2}, order)
}

func TestFormatForDisplay(t *testing.T) {
	subs := []SubQuery{
		{ID: 1, Question: "first question"},
		{ID: 2, Question: "second question", DependsOn: []int{1}},
	}

	out := FormatForDisplay(subs)

	assert.Contains(t, out, "1. first question")
	assert.Contains(t, out, "2. second question (depends on: [1])")
}
