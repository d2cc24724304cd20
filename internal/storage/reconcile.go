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

// OwnerlessSession is a coaching session with no owner, joined with its client's coach.
type OwnerlessSession struct {
	SessionID     uuid.UUID
	ClientID      uuid.UUID
	ClientCoachID *uuid.UUID
}

// SessionStats is one member of a duplicate group.
type SessionStats struct {
	ID           uuid.UUID
	MessageCount int
	UpdatedAt    time.Time
}

// SessionGroup is a set of non-deleted sessions sharing (OwnerID, ClientID).
type SessionGroup struct {
	OwnerID  uuid.UUID
	ClientID uuid.UUID
	Sessions []SessionStats
}

// OwnerlessSessions lists every session with owner_id NULL, soft-deleted included.
func (db *DB) OwnerlessSessions(ctx context.Context) ([]OwnerlessSession, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT s.id, s.client_id, c.coach_id
		 FROM coaching_sessions s
		 JOIN clients c ON c.id = s.client_id
		 WHERE s.owner_id IS NULL
		 ORDER BY s.created_at ASC, s.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ownerless sessions: %w", err)
	}
	defer rows.Close()

	var out []OwnerlessSession
	for rows.Next() {
		var o OwnerlessSession
		if err := rows.Scan(&o.SessionID, &o.ClientID, &o.ClientCoachID); err != nil {
			return nil, fmt.Errorf("storage: scan ownerless session: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOwnerlessSessions returns the number of sessions still lacking an owner.
func (db *DB) CountOwnerlessSessions(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM coaching_sessions WHERE owner_id IS NULL`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count ownerless sessions: %w", err)
	}
	return n, nil
}

// FallbackOwner returns the earliest-created admin, else the earliest-created
// user of any role. Returns ErrNotFound when there are no users.
func (db *DB) FallbackOwner(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT id FROM users
		 ORDER BY (role = $1) DESC, created_at ASC, id ASC
		 LIMIT 1`,
		string(model.UserRoleAdmin),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("storage: fallback owner: %w", ErrNotFound)
		}
		return uuid.Nil, fmt.Errorf("storage: fallback owner: %w", err)
	}
	return id, nil
}

// OwnerAssignment reports what AssignSessionOwner did.
type OwnerAssignment struct {
	// Assigned is false when the session was no longer ownerless.
	Assigned bool
	// MergedSessionID is set when the owner already had a live session for
	// the client and the two were merged; it names the session removed.
	MergedSessionID uuid.UUID
	MessagesMoved   int64
}

// AssignSessionOwner gives a still-ownerless session its owner. When the owner
// already has a live session for the same client, the pair is merged in the
// same transaction (canonical = most messages, then most recently updated,
// then smallest id) so that the (owner, client) pair never gains a second
// live session and the unique index, when present, is never violated.
func (db *DB) AssignSessionOwner(ctx context.Context, sessionID, ownerID uuid.UUID) (OwnerAssignment, error) {
	var out OwnerAssignment
	err := db.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		out = OwnerAssignment{}
		var clientID uuid.UUID
		var deletedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT client_id, deleted_at FROM coaching_sessions
			 WHERE id = $1 AND owner_id IS NULL FOR UPDATE`,
			sessionID,
		).Scan(&clientID, &deletedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: lock ownerless session: %w", err)
		}

		var peerID uuid.UUID
		if deletedAt == nil {
			err = tx.QueryRow(ctx,
				`SELECT s.id FROM coaching_sessions s
				 LEFT JOIN LATERAL (SELECT COUNT(*) AS n FROM agent_messages m WHERE m.session_id = s.id) mc ON true
				 WHERE s.owner_id = $1 AND s.client_id = $2 AND s.deleted_at IS NULL
				 ORDER BY mc.n DESC, s.updated_at DESC, s.id ASC
				 LIMIT 1
				 FOR UPDATE OF s`,
				ownerID, clientID,
			).Scan(&peerID)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: find owned session: %w", err)
			}
		}

		if peerID == uuid.Nil {
			if _, err := tx.Exec(ctx,
				`UPDATE coaching_sessions SET owner_id = $2 WHERE id = $1`, sessionID, ownerID,
			); err != nil {
				return fmt.Errorf("storage: assign session owner: %w", err)
			}
			out.Assigned = true
			return nil
		}

		winner, err := canonicalOf(ctx, tx, sessionID, peerID)
		if err != nil {
			return err
		}
		loser := peerID
		if winner == peerID {
			loser = sessionID
		}
		moved, err := moveAndDelete(ctx, tx, winner, loser)
		if err != nil {
			return err
		}
		if winner == sessionID {
			// The owned peer is gone, so setting the owner cannot collide.
			if _, err := tx.Exec(ctx,
				`UPDATE coaching_sessions SET owner_id = $2 WHERE id = $1`, sessionID, ownerID,
			); err != nil {
				return fmt.Errorf("storage: assign session owner: %w", err)
			}
		}
		out = OwnerAssignment{Assigned: true, MergedSessionID: loser, MessagesMoved: moved}
		return nil
	})
	if err != nil {
		return OwnerAssignment{}, err
	}
	return out, nil
}

// canonicalOf applies the reconciler's ranking to two sessions.
func canonicalOf(ctx context.Context, tx pgx.Tx, a, b uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT s.id FROM coaching_sessions s
		 LEFT JOIN LATERAL (SELECT COUNT(*) AS n FROM agent_messages m WHERE m.session_id = s.id) mc ON true
		 WHERE s.id = ANY($1)
		 ORDER BY mc.n DESC, s.updated_at DESC, s.id ASC
		 LIMIT 1`,
		[]uuid.UUID{a, b},
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: rank sessions: %w", err)
	}
	return id, nil
}

// moveAndDelete re-parents the loser's messages onto canonicalID and deletes
// the loser row. Both sessions must already be locked by tx.
func moveAndDelete(ctx context.Context, tx pgx.Tx, canonicalID, loserID uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE agent_messages SET session_id = $1 WHERE session_id = $2`, canonicalID, loserID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: move messages: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE coaching_sessions SET updated_at = now() WHERE id = $1`, canonicalID,
	); err != nil {
		return 0, fmt.Errorf("storage: touch canonical session: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM coaching_sessions WHERE id = $1`, loserID); err != nil {
		return 0, fmt.Errorf("storage: delete merged session: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DuplicateSessionGroups returns every (owner, client) pair with more than one
// non-deleted session, members ordered by id.
func (db *DB) DuplicateSessionGroups(ctx context.Context) ([]SessionGroup, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT s.owner_id, s.client_id, s.id, s.updated_at, mc.n::int
		 FROM coaching_sessions s
		 LEFT JOIN LATERAL (SELECT COUNT(*) AS n FROM agent_messages m WHERE m.session_id = s.id) mc ON true
		 WHERE s.deleted_at IS NULL AND s.owner_id IS NOT NULL
		   AND (s.owner_id, s.client_id) IN (
		       SELECT owner_id, client_id FROM coaching_sessions
		       WHERE deleted_at IS NULL AND owner_id IS NOT NULL
		       GROUP BY owner_id, client_id
		       HAVING COUNT(*) > 1)
		 ORDER BY s.owner_id, s.client_id, s.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: duplicate session groups: %w", err)
	}
	defer rows.Close()

	var groups []SessionGroup
	for rows.Next() {
		var owner, client uuid.UUID
		var st SessionStats
		if err := rows.Scan(&owner, &client, &st.ID, &st.UpdatedAt, &st.MessageCount); err != nil {
			return nil, fmt.Errorf("storage: scan duplicate session: %w", err)
		}
		if n := len(groups); n == 0 || groups[n-1].OwnerID != owner || groups[n-1].ClientID != client {
			groups = append(groups, SessionGroup{OwnerID: owner, ClientID: client})
		}
		g := &groups[len(groups)-1]
		g.Sessions = append(g.Sessions, st)
	}
	return groups, rows.Err()
}

// MergeSessions moves every message from loserID to canonicalID, bumps the
// canonical session's updated_at, and deletes the loser, all in one
// transaction retried on serialization failure or deadlock. A loser that no
// longer exists is treated as already merged.
func (db *DB) MergeSessions(ctx context.Context, canonicalID, loserID uuid.UUID) (int64, error) {
	if canonicalID == loserID {
		return 0, fmt.Errorf("storage: merge session into itself: %s", canonicalID)
	}
	var moved int64
	err := db.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		moved = 0
		// Lock in id order so concurrent merges touching the same pair cannot deadlock.
		rows, err := tx.Query(ctx,
			`SELECT id FROM coaching_sessions WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
			[]uuid.UUID{canonicalID, loserID},
		)
		if err != nil {
			return fmt.Errorf("storage: lock sessions: %w", err)
		}
		present := map[uuid.UUID]bool{}
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("storage: scan locked session: %w", err)
			}
			present[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("storage: lock sessions: %w", err)
		}
		if !present[canonicalID] {
			return fmt.Errorf("storage: canonical session %s: %w", canonicalID, ErrNotFound)
		}
		if !present[loserID] {
			return nil
		}

		n, err := moveAndDelete(ctx, tx, canonicalID, loserID)
		if err != nil {
			return err
		}
		moved = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// EnsureUniqueSessionIndex adds the partial unique index that forbids two
// live sessions for the same (owner, client). Fails if duplicates remain.
func (db *DB) EnsureUniqueSessionIndex(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_coaching_sessions_owner_client
		 ON coaching_sessions (owner_id, client_id) WHERE deleted_at IS NULL`,
	); err != nil {
		return fmt.Errorf("storage: create unique session index: %w", err)
	}
	return nil
}
