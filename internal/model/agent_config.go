package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentKind identifies which orchestrated agent is running.
type AgentKind string

const (
	AgentKindCoach    AgentKind = "COACH"
	AgentKindOverseer AgentKind = "OVERSEER"
	AgentKindReport   AgentKind = "REPORT"
)

// LayerTarget is the set of agent kinds a response layer applies to.
type LayerTarget string

const (
	LayerTargetCoach    LayerTarget = "COACH"
	LayerTargetOverseer LayerTarget = "OVERSEER"
	LayerTargetAll      LayerTarget = "ALL"
)

// Layer is a configured post-processing transform applied to a draft reply.
// Read-only for the pipeline; mutated only through the admin surface.
type Layer struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Model        string      `json:"model"`
	Temperature  float64     `json:"temperature"`
	Position     int         `json:"position"`
	Enabled      bool        `json:"enabled"`
	Instructions string      `json:"instructions"`
	AppliesTo    LayerTarget `json:"applies_to"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// AppliesToKind reports whether the layer targets the given agent kind.
// ALL-scoped layers apply to every kind, including reports.
func (l Layer) AppliesToKind(kind AgentKind) bool {
	if l.AppliesTo == LayerTargetAll {
		return true
	}
	return string(l.AppliesTo) == string(kind)
}

// AgentPrompt holds the configurable base role instructions for an agent kind.
type AgentPrompt struct {
	Kind         AgentKind `json:"kind"`
	Instructions string    `json:"instructions"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ReportStatus tracks the lifecycle of a generated report.
type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "pending"
	ReportStatusCompleted ReportStatus = "completed"
	ReportStatusFailed    ReportStatus = "failed"
)

// Report is a generated client progress report.
type Report struct {
	ID          uuid.UUID      `json:"id"`
	ClientID    uuid.UUID      `json:"client_id"`
	Status      ReportStatus   `json:"status"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	Error       *string        `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
