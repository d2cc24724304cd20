package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sensei/internal/model"
)

// CreatePendingReport records a report request before any model call runs.
func (db *DB) CreatePendingReport(ctx context.Context, clientID uuid.UUID) (model.Report, error) {
	r := model.Report{ID: uuid.New(), ClientID: clientID, Status: model.ReportStatusPending, Metadata: map[string]any{}}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO reports (id, client_id, status) VALUES ($1, $2, 'pending') RETURNING created_at`,
		r.ID, clientID,
	).Scan(&r.CreatedAt)
	if err != nil {
		return model.Report{}, fmt.Errorf("storage: create report: %w", err)
	}
	return r, nil
}

// CompleteReport stores generated content. Only pending reports transition.
func (db *DB) CompleteReport(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE reports SET status = 'completed', content = $2, metadata = $3, completed_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, content, metadata,
	)
	if err != nil {
		return fmt.Errorf("storage: complete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: pending report %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailReport marks a pending report failed with the given reason.
func (db *DB) FailReport(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE reports SET status = 'failed', error = $2, completed_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: fail report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: pending report %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetReport returns a report by ID.
func (db *DB) GetReport(ctx context.Context, id uuid.UUID) (model.Report, error) {
	var r model.Report
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, client_id, status, content, metadata, error, created_at, completed_at
		 FROM reports WHERE id = $1`, id,
	).Scan(&r.ID, &r.ClientID, &status, &r.Content, &r.Metadata, &r.Error, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Report{}, fmt.Errorf("storage: report %s: %w", id, ErrNotFound)
		}
		return model.Report{}, fmt.Errorf("storage: get report: %w", err)
	}
	r.Status = model.ReportStatus(status)
	return r, nil
}
