package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaEmbedder_EmbedReturnsVectorsPerText(t *testing.T) {
	var gotRequests []ollamaEmbedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotRequests = append(gotRequests, req)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer server.Close()

	e := NewOllamaEmbedder(server.URL, "nomic-embed-text", 3, time.Second)

	vecs, err := e.Embed(context.Background(), []string{"hello", "world"})

	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vecs[0])
	require.Len(t, gotRequests, 2)
	assert.Equal(t, "nomic-embed-text", gotRequests[0].Model)
	assert.Equal(t, "hello", gotRequests[0].Prompt)
}

func TestOllamaEmbedder_DimensionMismatchErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float64{0.1, 0.2}})
	}))
	defer server.Close()

	e := NewOllamaEmbedder(server.URL, "model", 5, time.Second)

	_, err := e.Embed(context.Background(), []string{"hello"})

	assert.Error(t, err)
}

func TestOllamaEmbedder_TrimsTrailingSlashFromHost(t *testing.T) {
	e := NewOllamaEmbedder("http://localhost:11434/", "m", 0, time.Second).(*ollamaEmbedder)
	assert.Equal(t, "http://localhost:11434", e.host)
}

func TestOllamaEmbedder_Dimension(t *testing.T) {
	e := NewOllamaEmbedder("http://localhost:11434", "m", 768, time.Second)
	assert.Equal(t, 768, e.Dimension())
}
