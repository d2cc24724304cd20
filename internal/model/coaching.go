package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// UserRole enumerates the roles a platform user can hold.
type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleCoach UserRole = "coach"
)

// User is a platform account. Owned by the identity provider; the pipeline
// only reads it (coach lookup, fallback session ownership).
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is a coaching client. CoachID is the currently configured coach, if any.
type Client struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	CoachID   *uuid.UUID `json:"coach_id,omitempty"`
	Summary   string     `json:"summary"`
	Goals     string     `json:"goals"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ProfileSummary renders the client profile block used in prompts.
// Returns "" when there is nothing beyond the name worth telling the model.
func (c Client) ProfileSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Client: %s\n", c.Name)
	if s := strings.TrimSpace(c.Summary); s != "" {
		fmt.Fprintf(&b, "Profile: %s\n", s)
	}
	if g := strings.TrimSpace(c.Goals); g != "" {
		fmt.Fprintf(&b, "Goals: %s\n", g)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Document is a client document whose textual content was extracted upstream
// (audio transcription, PDF/DOCX parsing). Embedding is optional and, when
// present, was computed upstream from ContentText.
type Document struct {
	ID          uuid.UUID        `json:"id"`
	ClientID    uuid.UUID        `json:"client_id"`
	Filename    string           `json:"filename"`
	ContentText string           `json:"-"`
	Embedding   *pgvector.Vector `json:"-"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ContextSource is one document excerpt accepted into an assembled context window.
// Ephemeral: produced per invocation and never persisted as its own row.
type ContextSource struct {
	DocumentID uuid.UUID `json:"document_id"`
	Filename   string    `json:"filename"`
	Excerpt    string    `json:"-"`
	Score      float64   `json:"score"`
	CharLen    int       `json:"char_len"`
	CreatedAt  time.Time `json:"created_at"`
}

// CoachingSession is the conversation thread between a client and their coach's agent.
// At most one non-deleted session may exist per (OwnerID, ClientID).
type CoachingSession struct {
	ID        uuid.UUID  `json:"id"`
	ClientID  uuid.UUID  `json:"client_id"`
	OwnerID   *uuid.UUID `json:"owner_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// OverseerSession is the single conversation thread a coach has with the overseer agent.
type OverseerSession struct {
	ID        uuid.UUID `json:"id"`
	CoachID   uuid.UUID `json:"coach_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRole is the conversational role of a persisted message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// MessageSource records who authored a message.
type MessageSource string

const (
	MessageSourceHuman MessageSource = "HUMAN"
	MessageSourceAI    MessageSource = "AI"
)

// AgentMessage is an append-only conversation entry. Exclusively owned by its session.
type AgentMessage struct {
	ID        uuid.UUID      `json:"id"`
	SessionID uuid.UUID      `json:"session_id"`
	Role      MessageRole    `json:"role"`
	Source    MessageSource  `json:"source"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// ClientDigest is an aggregate view of one client used by the overseer agent.
type ClientDigest struct {
	ClientID       uuid.UUID  `json:"client_id"`
	ClientName     string     `json:"client_name"`
	Summary        string     `json:"summary"`
	Goals          string     `json:"goals"`
	SessionCount   int        `json:"session_count"`
	MessageCount   int        `json:"message_count"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// Line renders the digest as a single prompt line.
func (d ClientDigest) Line() string {
	last := "never"
	if d.LastActivityAt != nil {
		last = d.LastActivityAt.UTC().Format("2006-01-02")
	}
	line := fmt.Sprintf("- %s: %d messages across %d sessions, last active %s", d.ClientName, d.MessageCount, d.SessionCount, last)
	if s := strings.TrimSpace(d.Summary); s != "" {
		line += ". " + s
	}
	return line
}
