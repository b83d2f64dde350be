package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fabfab/notebook-core/internal/apperr"
	"github.com/fabfab/notebook-core/internal/chunk"
)

type queryRequest struct {
	NotebookID     string `json:"notebook_id"`
	Query          string `json:"query"`
	Mode           string `json:"mode"`
	IncludeSources *bool  `json:"include_sources"`
	MaxSources     int    `json:"max_sources"`
	SessionID      string `json:"session_id"`
}

type sourcePayload struct {
	Text       string  `json:"text"`
	FusedScore float64 `json:"fused_score"`
	SourceID   string  `json:"source_id"`
	FileName   string  `json:"file_name"`
}

// handleQuery is POST /api/query (§6): a single-shot (non-streaming) RAG
// turn against the selected notebook, returning the generated response plus
// its supporting sources and pipeline metadata.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "decode request: %v", err))
		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "query must not be empty"))
		return
	}
	if req.Mode == "" {
		req.Mode = "chat"
	}
	includeSources := req.IncludeSources == nil || *req.IncludeSources
	maxSources := req.MaxSources
	if maxSources <= 0 {
		maxSources = 6
	}

	s.ragMu.Lock()
	defer s.ragMu.Unlock()

	start := time.Now()

	if req.NotebookID != "" {
		if err := s.rag.SwitchNotebook(r.Context(), req.NotebookID, userID(r)); err != nil {
			writeError(w, apperr.Wrap(apperr.ErrExternalService, "switch notebook: %v", err))
			return
		}
	}

	tokens, err := s.rag.Chat(r.Context(), req.Query)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.ErrExternalService, "chat: %v", err))
		return
	}

	var sb strings.Builder
	for tok := range tokens {
		if tok.Err != nil {
			writeError(w, apperr.Wrap(apperr.ErrExternalService, "generate response: %v", tok.Err))
			return
		}
		sb.WriteString(tok.Text)
	}
	response := sb.String()

	if err := s.rag.RecordExchange(r.Context(), req.Query, response); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrInternal, "record exchange: %v", err))
		return
	}

	sources := []sourcePayload{}
	if includeSources {
		candidates := s.rag.LastSources()
		if len(candidates) > maxSources {
			candidates = candidates[:maxSources]
		}
		for _, c := range candidates {
			sources = append(sources, sourcePayload{
				Text:       c.Text,
				FusedScore: c.FusedScore,
				SourceID:   c.SourceID(),
				FileName:   fileName(c.Chunk),
			})
		}
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"response": response,
		"sources":  sources,
		"metadata": map[string]any{
			"execution_time_ms":  float64(time.Since(start).Microseconds()) / 1000,
			"model":              s.model,
			"retrieval_strategy": s.strategy,
			"node_count":         len(sources),
		},
	})
}

func fileName(c chunk.Chunk) string {
	if v, ok := c.Metadata[chunk.MetaFileName].(string); ok {
		return v
	}
	return ""
}
