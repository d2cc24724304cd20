package app

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sensei/internal/config"
	"github.com/ashita-ai/sensei/internal/service/embedding"
)

func TestNewEmbedder(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	base := config.Config{EmbeddingDimensions: 16, EmbeddingModel: "text-embedding-3-small", OllamaURL: "http://localhost:11434", OllamaModel: "mxbai-embed-large"}

	tests := []struct {
		provider string
		want     any
	}{
		{"openai", &embedding.OpenAIProvider{}},
		{"ollama", &embedding.OllamaProvider{}},
		{"noop", &embedding.NoopProvider{}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := base
			cfg.EmbeddingProvider = tt.provider
			p := NewEmbedder(cfg, logger)
			require.NotNil(t, p)
			assert.IsType(t, tt.want, p)
			assert.Equal(t, 16, p.Dimensions())
		})
	}
}

func TestNewAssemblerRejectsUnknownRanker(t *testing.T) {
	cfg := config.Config{ContextRanker: "pagerank", ContextMaxExcerptChars: 100}
	_, err := NewAssembler(cfg, nil, embedding.NewNoopProvider(8), slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}
