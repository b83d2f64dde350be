package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/fabfab/notebook-core/internal/llmprovider"
)

// isAmbiguous asks the LLM single-selector to choose between the two router
// branches given their descriptions, matching "selection uses an LLM
// single-selector given tool descriptions."
func (r *Retriever) isAmbiguous(ctx context.Context, query string) (bool, error) {
	prompt := fmt.Sprintf(`Given the user query below, choose the better retrieval strategy by replying with exactly one digit.

1. fusion-with-query-rewrite: the query is ambiguous, underspecified, or could be phrased several different ways.
2. two-stage fusion+rerank: the query is clear and specific.

Query: %q

Reply with only "1" or "2".`, query)

	reply, err := r.llm.Complete(ctx, []llmprovider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return false, fmt.Errorf("router selector: %w", err)
	}

	choice := strings.TrimSpace(reply)
	return strings.HasPrefix(choice, "1"), nil
}

// generateParaphrases asks the LLM for n alternate phrasings of query, one
// per line, used by the query-rewrite fusion branch.
func (r *Retriever) generateParaphrases(ctx context.Context, query string, n int) ([]string, error) {
	prompt := fmt.Sprintf("Rewrite the following question as %d distinct alternate phrasings that preserve its meaning. Reply with exactly one phrasing per line, no numbering.\n\nQuestion: %s", n, query)

	reply, err := r.llm.Complete(ctx, []llmprovider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("generate paraphrases: %w", err)
	}

	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "0123456789.- )"))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) >= n {
			break
		}
	}
	return out, nil
}
