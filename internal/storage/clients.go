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

// CreateUser inserts a user. Users are provisioned by the identity provider;
// this exists for seeding and tests.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Role == "" {
		u.Role = model.UserRoleCoach
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, role, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.Name, string(u.Role), u.CreatedAt,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUser returns a user by ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	var u model.User
	var role string
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, name, role, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("storage: user %s: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	u.Role = model.UserRole(role)
	return u, nil
}

// CreateClient inserts a client.
func (db *DB) CreateClient(ctx context.Context, c model.Client) (model.Client, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := db.pool.Exec(ctx,
		`INSERT INTO clients (id, name, coach_id, summary, goals, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Name, c.CoachID, c.Summary, c.Goals, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Client{}, fmt.Errorf("storage: create client: %w", err)
	}
	return c, nil
}

// SetClientCoach changes the configured coach for a client.
func (db *DB) SetClientCoach(ctx context.Context, clientID uuid.UUID, coachID *uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE clients SET coach_id = $2, updated_at = now() WHERE id = $1`, clientID, coachID,
	)
	if err != nil {
		return fmt.Errorf("storage: set client coach: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: client %s: %w", clientID, ErrNotFound)
	}
	return nil
}

// GetClient returns a client by ID.
func (db *DB) GetClient(ctx context.Context, id uuid.UUID) (model.Client, error) {
	var c model.Client
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, coach_id, summary, goals, created_at, updated_at FROM clients WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.CoachID, &c.Summary, &c.Goals, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Client{}, fmt.Errorf("storage: client %s: %w", id, ErrNotFound)
		}
		return model.Client{}, fmt.Errorf("storage: get client: %w", err)
	}
	return c, nil
}

// ClientDigests returns one aggregate row per client coached by coachID,
// most recently active first. Only non-deleted sessions count.
func (db *DB) ClientDigests(ctx context.Context, coachID uuid.UUID) ([]model.ClientDigest, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.name, c.summary, c.goals,
		        COUNT(DISTINCT s.id)::int AS session_count,
		        COUNT(m.id)::int AS message_count,
		        MAX(m.created_at) AS last_activity_at
		 FROM clients c
		 LEFT JOIN coaching_sessions s ON s.client_id = c.id AND s.deleted_at IS NULL
		 LEFT JOIN agent_messages m ON m.session_id = s.id
		 WHERE c.coach_id = $1
		 GROUP BY c.id, c.name, c.summary, c.goals
		 ORDER BY MAX(m.created_at) DESC NULLS LAST, c.name ASC, c.id ASC`,
		coachID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: client digests: %w", err)
	}
	defer rows.Close()

	var out []model.ClientDigest
	for rows.Next() {
		var d model.ClientDigest
		if err := rows.Scan(&d.ClientID, &d.ClientName, &d.Summary, &d.Goals,
			&d.SessionCount, &d.MessageCount, &d.LastActivityAt); err != nil {
			return nil, fmt.Errorf("storage: scan client digest: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
