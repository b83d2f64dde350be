// Package sqlgen turns a natural-language question into SQL: it builds a
// prompt from few-shot examples, intent hints, and learned JOIN hints,
// asks the LLM for the query, and runs a bounded self-correction loop
// against internal/sqlvalidate before handing the result back. Grounded
// on dbnotebook/core/sql_chat/query_engine.py (original_source); the
// LlamaIndex table-retriever/object-index machinery that file uses for
// automatic table selection is superseded here by
// internal/sqlengine.Linker, already built to the same end.
package sqlgen

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fabfab/notebook-core/internal/fewshot"
	"github.com/fabfab/notebook-core/internal/intent"
	"github.com/fabfab/notebook-core/internal/llmprovider"
	"github.com/fabfab/notebook-core/internal/sqlengine"
	"github.com/fabfab/notebook-core/internal/sqlvalidate"
)

// DefaultMaxCorrectionAttempts mirrors
// TextToSQLEngine.MAX_CORRECTION_ATTEMPTS.
const DefaultMaxCorrectionAttempts = 3

// Generator produces and self-corrects SQL for one connection's schema.
type Generator struct {
	llm                   llmprovider.Provider
	fewShot               *fewshot.Retriever
	classifier            *intent.Classifier
	maxCorrectionAttempts int
}

// NewGenerator constructs a Generator. fewShot may be nil to disable
// few-shot prompting. Non-positive maxCorrectionAttempts falls back to
// DefaultMaxCorrectionAttempts.
func NewGenerator(llm llmprovider.Provider, fewShot *fewshot.Retriever, maxCorrectionAttempts int) *Generator {
	if maxCorrectionAttempts <= 0 {
		maxCorrectionAttempts = DefaultMaxCorrectionAttempts
	}
	return &Generator{
		llm:                   llm,
		fewShot:               fewShot,
		classifier:            intent.NewClassifier(),
		maxCorrectionAttempts: maxCorrectionAttempts,
	}
}

// GenerateSQL classifies nlQuery's intent, builds an enhanced prompt from
// schemaText (the already-formatted linked sub-schema), few-shot
// examples, intent hints, and joinHints, and asks the LLM for SQL.
func (g *Generator) GenerateSQL(ctx context.Context, nlQuery, schemaText string, schema sqlengine.SchemaInfo, joinHints string) (string, intent.Classification, error) {
	classification := g.classifier.Classify(nlQuery)

	enhancedQuery, err := g.buildEnhancedQuery(ctx, nlQuery, schemaText, schema, classification, joinHints)
	if err != nil {
		return "", classification, fmt.Errorf("build prompt: %w", err)
	}

	response, err := g.llm.Complete(ctx, []llmprovider.Message{{Role: "user", Content: enhancedQuery}})
	if err != nil {
		return "", classification, fmt.Errorf("generate sql: %w", err)
	}

	return cleanSQLResponse(response), classification, nil
}

func (g *Generator) buildEnhancedQuery(ctx context.Context, nlQuery, schemaText string, schema sqlengine.SchemaInfo, classification intent.Classification, joinHints string) (string, error) {
	var parts []string

	if schemaText != "" {
		parts = append(parts, schemaText)
	}

	if g.fewShot != nil {
		tableNames := make([]string, len(schema.Tables))
		for i, t := range schema.Tables {
			tableNames[i] = t.Name
		}
		domain := fewshot.InferDomain(strings.Join(tableNames, " "))

		examples, err := g.fewShot.GetExamples(ctx, nlQuery, fewshot.DefaultTopK, domain, "")
		if err != nil {
			return "", err
		}
		if len(examples) > 0 {
			parts = append(parts, fewshot.FormatForPrompt(examples, false))
		}
	}

	if joinHints != "" {
		parts = append(parts, joinHints)
	}

	parts = append(parts, "\n"+intent.EnhancePromptWithIntent(nlQuery, classification))

	return strings.Join(parts, "\n"), nil
}

// GenerateWithCorrection generates SQL and, while it fails
// internal/sqlvalidate's check, asks the LLM to correct it, up to
// maxCorrectionAttempts tries.
func (g *Generator) GenerateWithCorrection(ctx context.Context, nlQuery, schemaText string, schema sqlengine.SchemaInfo, joinHints string) (string, bool, intent.Classification, error) {
	sql, classification, err := g.GenerateSQL(ctx, nlQuery, schemaText, schema, joinHints)
	if err != nil {
		return "", false, classification, err
	}

	for i := 0; i < g.maxCorrectionAttempts; i++ {
		ok, errMsg := sqlvalidate.ValidateGeneratedSQL(sql, &schema)
		if ok {
			return sql, true, classification, nil
		}
		sql = g.correctSQL(ctx, nlQuery, sql, errMsg)
	}

	return sql, false, classification, nil
}

func (g *Generator) correctSQL(ctx context.Context, nlQuery, sql, errMsg string) string {
	prompt := fmt.Sprintf(`The following SQL query has an issue:

Original question: %s

SQL query:
%s

Error: %s

Generate a corrected SQL query. Return ONLY the SQL, no explanation.
`, nlQuery, sql, errMsg)

	response, err := g.llm.Complete(ctx, []llmprovider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return sql
	}
	return cleanSQLResponse(response)
}

// RefineSQL modifies previousSQL per refinement, the follow-up-question
// path driven by internal/sqlmemory.
func (g *Generator) RefineSQL(ctx context.Context, previousSQL, refinement string) string {
	prompt := fmt.Sprintf(`Modify the following SQL query based on the user's request.

Previous SQL:
%s

User's modification request: %s

Generate the modified SQL query. Return ONLY the SQL, no explanation.
`, previousSQL, refinement)

	response, err := g.llm.Complete(ctx, []llmprovider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return previousSQL
	}
	return cleanSQLResponse(response)
}

// ExplainSQL asks the LLM for a plain-language summary of sql.
func (g *Generator) ExplainSQL(ctx context.Context, sql string) string {
	prompt := fmt.Sprintf(`Explain the following SQL query in simple terms:

%s

Provide a brief, clear explanation of what this query does.
`, sql)

	response, err := g.llm.Complete(ctx, []llmprovider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return "Unable to generate explanation"
	}
	return strings.TrimSpace(response)
}

var fencedSQL = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)\\s*```")

func cleanSQLResponse(response string) string {
	trimmed := strings.TrimSpace(response)
	if strings.Contains(trimmed, "```") {
		if m := fencedSQL.FindStringSubmatch(trimmed); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return trimmed
}
