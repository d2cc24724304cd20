package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sensei/internal/model"
)

// CreateLayer inserts a response layer. Layers are administered outside the
// pipeline; this exists for seeding and tests.
func (db *DB) CreateLayer(ctx context.Context, l model.Layer) (model.Layer, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	if l.AppliesTo == "" {
		l.AppliesTo = model.LayerTargetAll
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_layers (id, name, description, model, temperature, position, enabled,
		 instructions, applies_to, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.Name, l.Description, l.Model, l.Temperature, l.Position, l.Enabled,
		l.Instructions, string(l.AppliesTo), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return model.Layer{}, fmt.Errorf("storage: create layer: %w", err)
	}
	return l, nil
}

// ListEnabledLayers returns enabled layers for an agent kind ordered by
// position then name. REPORT has no dedicated target, so it only receives
// ALL-scoped layers.
func (db *DB) ListEnabledLayers(ctx context.Context, kind model.AgentKind) ([]model.Layer, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, description, model, temperature, position, enabled, instructions,
		        applies_to, created_at, updated_at
		 FROM agent_layers
		 WHERE enabled AND (applies_to = $1 OR applies_to = 'ALL')
		 ORDER BY position ASC, name ASC`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled layers: %w", err)
	}
	defer rows.Close()

	var out []model.Layer
	for rows.Next() {
		var l model.Layer
		var target string
		if err := rows.Scan(&l.ID, &l.Name, &l.Description, &l.Model, &l.Temperature, &l.Position,
			&l.Enabled, &l.Instructions, &target, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan layer: %w", err)
		}
		l.AppliesTo = model.LayerTarget(target)
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetAgentPrompt returns the stored base instructions for an agent kind.
func (db *DB) GetAgentPrompt(ctx context.Context, kind model.AgentKind) (model.AgentPrompt, error) {
	p := model.AgentPrompt{Kind: kind}
	err := db.pool.QueryRow(ctx,
		`SELECT instructions, updated_at FROM agent_prompts WHERE kind = $1`, string(kind),
	).Scan(&p.Instructions, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentPrompt{}, fmt.Errorf("storage: agent prompt %s: %w", kind, ErrNotFound)
		}
		return model.AgentPrompt{}, fmt.Errorf("storage: get agent prompt: %w", err)
	}
	return p, nil
}

// UpsertAgentPrompt replaces the base instructions for an agent kind.
func (db *DB) UpsertAgentPrompt(ctx context.Context, kind model.AgentKind, instructions string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_prompts (kind, instructions, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (kind) DO UPDATE SET instructions = EXCLUDED.instructions, updated_at = now()`,
		string(kind), instructions,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert agent prompt: %w", err)
	}
	return nil
}
