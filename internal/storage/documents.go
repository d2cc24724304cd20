package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/sensei/internal/model"
)

// CreateDocument inserts a document whose text was extracted upstream.
func (db *DB) CreateDocument(ctx context.Context, d model.Document) (model.Document, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO documents (id, client_id, filename, content_text, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.ClientID, d.Filename, d.ContentText, d.Embedding, d.CreatedAt,
	)
	if err != nil {
		return model.Document{}, fmt.Errorf("storage: create document: %w", err)
	}
	return d, nil
}

// ListClientDocuments returns the client's documents that have usable text,
// newest first. Blank-content documents are never context candidates.
func (db *DB) ListClientDocuments(ctx context.Context, clientID uuid.UUID) ([]model.Document, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, client_id, filename, content_text, embedding, created_at
		 FROM documents
		 WHERE client_id = $1 AND btrim(content_text) <> ''
		 ORDER BY created_at DESC, id ASC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list client documents: %w", err)
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.ClientID, &d.Filename, &d.ContentText, &d.Embedding, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDocumentsMissingEmbedding returns up to limit documents with text and no embedding.
func (db *DB) ListDocumentsMissingEmbedding(ctx context.Context, limit int) ([]model.Document, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, client_id, filename, content_text, created_at
		 FROM documents
		 WHERE embedding IS NULL AND btrim(content_text) <> ''
		 ORDER BY created_at ASC, id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list documents missing embedding: %w", err)
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.ClientID, &d.Filename, &d.ContentText, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDocumentEmbedding stores a computed embedding for a document.
func (db *DB) SetDocumentEmbedding(ctx context.Context, id uuid.UUID, emb pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx, `UPDATE documents SET embedding = $2 WHERE id = $1`, id, emb)
	if err != nil {
		return fmt.Errorf("storage: set document embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
	}
	return nil
}
