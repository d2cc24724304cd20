package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/sensei/internal/model"
)

// maxEmbedChars caps the text sent per document. Embedding models have input
// limits well below typical transcript sizes; the head of a document carries
// enough signal for ranking.
const maxEmbedChars = 8000

// DocumentStore is the slice of storage the backfiller needs.
type DocumentStore interface {
	ListDocumentsMissingEmbedding(ctx context.Context, limit int) ([]model.Document, error)
	SetDocumentEmbedding(ctx context.Context, id uuid.UUID, emb pgvector.Vector) error
}

// BackfillResult reports what a backfill run did.
type BackfillResult struct {
	Embedded int
	Batches  int
}

// Backfill embeds every document that has text and no stored embedding,
// batchSize documents at a time, until none remain or ctx is cancelled.
func Backfill(ctx context.Context, store DocumentStore, provider Provider, batchSize int, logger *slog.Logger) (BackfillResult, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	var res BackfillResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		docs, err := store.ListDocumentsMissingEmbedding(ctx, batchSize)
		if err != nil {
			return res, fmt.Errorf("embedding: backfill list: %w", err)
		}
		if len(docs) == 0 {
			return res, nil
		}

		texts := make([]string, len(docs))
		for i, d := range docs {
			texts[i] = truncateRunes(d.ContentText, maxEmbedChars)
		}
		vecs, err := provider.EmbedBatch(ctx, texts)
		if err != nil {
			return res, fmt.Errorf("embedding: backfill batch %d: %w", res.Batches+1, err)
		}
		for i, d := range docs {
			if err := store.SetDocumentEmbedding(ctx, d.ID, vecs[i]); err != nil {
				return res, fmt.Errorf("embedding: backfill store %s: %w", d.ID, err)
			}
		}
		res.Batches++
		res.Embedded += len(docs)
		logger.Info("embedding: backfill batch done", "batch", res.Batches, "documents", len(docs), "total", res.Embedded)
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
