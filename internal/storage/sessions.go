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

const sessionColumns = `id, client_id, owner_id, created_at, updated_at, deleted_at`

func scanSession(row pgx.Row) (model.CoachingSession, error) {
	var s model.CoachingSession
	err := row.Scan(&s.ID, &s.ClientID, &s.OwnerID, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt)
	return s, err
}

// EnsureCoachingSession returns the canonical non-deleted session for
// (ownerID, clientID), creating one when none exists. ownerID may be nil for
// clients without a configured coach.
//
// When duplicates already exist (historical data awaiting reconciliation) the
// same canonical choice the reconciler makes is returned: most messages, then
// most recently updated, then smallest id.
//
// Without the partial unique index, two concurrent first turns can both
// insert; the reconciler merges those later. With the index in place the
// losing insert hits 23505 and re-reads the winner.
func (db *DB) EnsureCoachingSession(ctx context.Context, ownerID *uuid.UUID, clientID uuid.UUID) (model.CoachingSession, error) {
	s, err := db.canonicalSession(ctx, ownerID, clientID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.CoachingSession{}, err
	}

	s, err = scanSession(db.pool.QueryRow(ctx,
		`INSERT INTO coaching_sessions (client_id, owner_id) VALUES ($1, $2)
		 RETURNING `+sessionColumns,
		clientID, ownerID,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return db.canonicalSession(ctx, ownerID, clientID)
		}
		return model.CoachingSession{}, fmt.Errorf("storage: create coaching session: %w", err)
	}
	return s, nil
}

func (db *DB) canonicalSession(ctx context.Context, ownerID *uuid.UUID, clientID uuid.UUID) (model.CoachingSession, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT s.id, s.client_id, s.owner_id, s.created_at, s.updated_at, s.deleted_at
		 FROM coaching_sessions s
		 LEFT JOIN LATERAL (SELECT COUNT(*) AS n FROM agent_messages m WHERE m.session_id = s.id) mc ON true
		 WHERE s.client_id = $1 AND s.owner_id IS NOT DISTINCT FROM $2 AND s.deleted_at IS NULL
		 ORDER BY mc.n DESC, s.updated_at DESC, s.id ASC
		 LIMIT 1`,
		clientID, ownerID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CoachingSession{}, ErrNotFound
		}
		return model.CoachingSession{}, fmt.Errorf("storage: get coaching session: %w", err)
	}
	return s, nil
}

// CreateCoachingSession inserts a session unconditionally. Used to seed data
// and by tests that need duplicate rows; the pipeline uses EnsureCoachingSession.
func (db *DB) CreateCoachingSession(ctx context.Context, s model.CoachingSession) (model.CoachingSession, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	out, err := scanSession(db.pool.QueryRow(ctx,
		`INSERT INTO coaching_sessions (id, client_id, owner_id, created_at, updated_at, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+sessionColumns,
		s.ID, s.ClientID, s.OwnerID, s.CreatedAt, s.UpdatedAt, s.DeletedAt,
	))
	if err != nil {
		return model.CoachingSession{}, fmt.Errorf("storage: create coaching session: %w", err)
	}
	return out, nil
}

// GetCoachingSession returns a session by ID, including soft-deleted ones.
func (db *DB) GetCoachingSession(ctx context.Context, id uuid.UUID) (model.CoachingSession, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM coaching_sessions WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CoachingSession{}, fmt.Errorf("storage: coaching session %s: %w", id, ErrNotFound)
		}
		return model.CoachingSession{}, fmt.Errorf("storage: get coaching session: %w", err)
	}
	return s, nil
}

// LatestClientSession returns the most recently updated non-deleted session
// for a client regardless of owner. Used for report history.
func (db *DB) LatestClientSession(ctx context.Context, clientID uuid.UUID) (model.CoachingSession, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM coaching_sessions
		 WHERE client_id = $1 AND deleted_at IS NULL
		 ORDER BY updated_at DESC, id ASC
		 LIMIT 1`,
		clientID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CoachingSession{}, fmt.Errorf("storage: session for client %s: %w", clientID, ErrNotFound)
		}
		return model.CoachingSession{}, fmt.Errorf("storage: latest client session: %w", err)
	}
	return s, nil
}

// EnsureOverseerSession returns the coach's overseer session, creating it on first use.
func (db *DB) EnsureOverseerSession(ctx context.Context, coachID uuid.UUID) (model.OverseerSession, error) {
	var s model.OverseerSession
	err := db.pool.QueryRow(ctx,
		`INSERT INTO overseer_sessions (coach_id) VALUES ($1)
		 ON CONFLICT (coach_id) DO UPDATE SET coach_id = EXCLUDED.coach_id
		 RETURNING id, coach_id, created_at, updated_at`,
		coachID,
	).Scan(&s.ID, &s.CoachID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return model.OverseerSession{}, fmt.Errorf("storage: ensure overseer session: %w", err)
	}
	return s, nil
}
