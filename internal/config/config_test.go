package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()

	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Address)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.Host)
	assert.Equal(t, "llama3.1:8b", cfg.Ollama.Model)
	assert.Equal(t, 768, cfg.Embed.Dimension)
	assert.Equal(t, "hybrid", cfg.RetrievalStrategy)
	assert.True(t, len(cfg.DataDir) > 0 && cfg.DataDir[0] == '/', "relative DataDir should be resolved to an absolute path")
}

func TestFromEnv_ReadsOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", "0.0.0.0:9090")
	t.Setenv("OLLAMA_HOST", "http://ollama.internal:11434/")
	t.Setenv("EMBEDDING_DIMENSION", "1536")
	t.Setenv("RERANKER_ENABLED", "true")
	t.Setenv("SQL_CHAT_MAX_COST", "12345.5")

	cfg, err := FromEnv()

	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.Address)
	assert.Equal(t, "http://ollama.internal:11434", cfg.Ollama.Host, "trailing slash should be trimmed")
	assert.Equal(t, 1536, cfg.Embed.Dimension)
	assert.True(t, cfg.Reranker.Enabled)
	assert.Equal(t, 12345.5, cfg.SQLChat.MaxCostUnits)
}

func TestFromEnv_RejectsEmptyLLMModel(t *testing.T) {
	t.Setenv("LLM_MODEL", "")

	_, err := FromEnv()

	assert.Error(t, err)
}

func TestFromEnv_RejectsNonPositiveEmbeddingDimension(t *testing.T) {
	t.Setenv("EMBEDDING_DIMENSION", "0")

	_, err := FromEnv()

	assert.Error(t, err)
}

func TestFromEnv_RejectsEmptyDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := FromEnv()

	assert.Error(t, err)
}

func TestFromEnv_DefaultsSearchTopKWhenNonPositive(t *testing.T) {
	t.Setenv("RETRIEVAL_TOP_K", "-5")

	cfg, err := FromEnv()

	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Database.SearchTopK)
}

func TestGetEnvHelpers_FallBackOnMissingOrUnparsable(t *testing.T) {
	assert.Equal(t, "fallback", getEnv("DOES_NOT_EXIST_XYZ", "fallback"))
	assert.Equal(t, 42, getEnvInt("DOES_NOT_EXIST_XYZ", 42))
	assert.Equal(t, 1.5, getEnvFloat("DOES_NOT_EXIST_XYZ", 1.5))
	assert.Equal(t, true, getEnvBool("DOES_NOT_EXIST_XYZ", true))

	t.Setenv("SOME_INT_ENV", "not-a-number")
	assert.Equal(t, 7, getEnvInt("SOME_INT_ENV", 7))
}
