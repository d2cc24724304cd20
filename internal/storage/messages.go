package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sensei/internal/model"
)

// Thread selects which conversation table a message belongs to.
type Thread int

const (
	ThreadCoaching Thread = iota
	ThreadOverseer
)

func (t Thread) tables() (messages, sessions string) {
	if t == ThreadOverseer {
		return "overseer_messages", "overseer_sessions"
	}
	return "agent_messages", "coaching_sessions"
}

// AppendMessage inserts a message and bumps the session's updated_at in one
// transaction. Messages are append-only.
func (db *DB) AppendMessage(ctx context.Context, thread Thread, m model.AgentMessage) (model.AgentMessage, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	msgTable, sessTable := thread.tables()

	err := db.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+msgTable+` (id, session_id, role, source, content, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, m.SessionID, string(m.Role), string(m.Source), m.Content, m.Metadata, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert message: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+sessTable+` SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
			m.SessionID, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: touch session: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.AgentMessage{}, err
	}
	return m, nil
}

// RecentMessages returns the last limit messages of a session in
// chronological order, skipping excludeID (the inbound message the caller
// appends itself).
func (db *DB) RecentMessages(ctx context.Context, thread Thread, sessionID uuid.UUID, limit int, excludeID uuid.UUID) ([]model.AgentMessage, error) {
	msgTable, _ := thread.tables()
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, role, source, content, metadata, created_at
		 FROM `+msgTable+`
		 WHERE session_id = $1 AND id <> $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		sessionID, excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent messages: %w", err)
	}
	defer rows.Close()

	var out []model.AgentMessage
	for rows.Next() {
		var m model.AgentMessage
		var role, source string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &source, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Role = model.MessageRole(role)
		m.Source = model.MessageSource(source)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: recent messages: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// CountMessages returns the number of messages in a session.
func (db *DB) CountMessages(ctx context.Context, thread Thread, sessionID uuid.UUID) (int, error) {
	msgTable, _ := thread.tables()
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+msgTable+` WHERE session_id = $1`, sessionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count messages: %w", err)
	}
	return n, nil
}
