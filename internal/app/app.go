// Package app holds the process wiring shared by the sensei server and the
// sensei-admin CLI: logger, database, and provider construction from Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ashita-ai/sensei/internal/config"
	"github.com/ashita-ai/sensei/internal/llm"
	"github.com/ashita-ai/sensei/internal/service/contextwin"
	"github.com/ashita-ai/sensei/internal/service/embedding"
	"github.com/ashita-ai/sensei/internal/storage"
	"github.com/ashita-ai/sensei/migrations"
)

// NewLogger returns a JSON logger at the configured level and makes it the default.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}

// OpenDB connects to Postgres and applies the embedded migrations.
func OpenDB(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

// NewModelClient builds the shared model client for the configured provider.
func NewModelClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (*llm.Client, error) {
	var provider llm.Provider
	switch cfg.LLMProvider {
	case "gemini":
		p, err := llm.NewGeminiProvider(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("gemini provider: %w", err)
		}
		provider = p
	default:
		provider = llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.LLMBaseURL, nil)
	}
	logger.Info("model provider", "provider", provider.Name(), "model", cfg.Model, "timeout", cfg.LLMTimeout)
	return llm.NewClient(provider, llm.ClientConfig{
		DefaultModel:       cfg.Model,
		DefaultTimeout:     cfg.LLMTimeout,
		DefaultTemperature: cfg.LLMTemperature,
	}, logger), nil
}

// NewEmbedder builds the configured embedding provider.
func NewEmbedder(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions
	switch cfg.EmbeddingProvider {
	case "openai":
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.LLMBaseURL, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	default:
		logger.Info("embedding provider: noop (embedding ranker unavailable)")
		return embedding.NewNoopProvider(dims)
	}
}

// NewAssembler builds the context assembler with the configured ranker.
func NewAssembler(cfg config.Config, db *storage.DB, embedder embedding.Provider, logger *slog.Logger) (*contextwin.Assembler, error) {
	ranker, err := contextwin.RankerByName(cfg.ContextRanker, embedder)
	if err != nil {
		return nil, err
	}
	return contextwin.New(db, ranker, cfg.ContextMaxExcerptChars, logger), nil
}
