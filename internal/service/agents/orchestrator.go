// Package agents runs the coach, overseer, and report agents: it persists the
// inbound turn, gathers history and document context, calls the model, passes
// the draft through the layer chain, and persists the reply with its audit
// metadata.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/sensei/internal/llm"
	"github.com/ashita-ai/sensei/internal/model"
	"github.com/ashita-ai/sensei/internal/service/contextwin"
	"github.com/ashita-ai/sensei/internal/service/layers"
	"github.com/ashita-ai/sensei/internal/storage"
	"github.com/ashita-ai/sensei/internal/telemetry"
)

// ErrInvalidInput marks caller mistakes (blank message, oversized context).
var ErrInvalidInput = errors.New("invalid input")

// NotFoundError reports a missing client or coach. It matches storage.ErrNotFound.
type NotFoundError struct {
	Entity string
	ID     uuid.UUID
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }

func (e *NotFoundError) Unwrap() error { return storage.ErrNotFound }

// Store is the slice of persistence the orchestrator needs.
type Store interface {
	GetClient(ctx context.Context, id uuid.UUID) (model.Client, error)
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	ClientDigests(ctx context.Context, coachID uuid.UUID) ([]model.ClientDigest, error)
	FallbackOwner(ctx context.Context) (uuid.UUID, error)
	EnsureCoachingSession(ctx context.Context, ownerID *uuid.UUID, clientID uuid.UUID) (model.CoachingSession, error)
	LatestClientSession(ctx context.Context, clientID uuid.UUID) (model.CoachingSession, error)
	EnsureOverseerSession(ctx context.Context, coachID uuid.UUID) (model.OverseerSession, error)
	AppendMessage(ctx context.Context, thread storage.Thread, m model.AgentMessage) (model.AgentMessage, error)
	RecentMessages(ctx context.Context, thread storage.Thread, sessionID uuid.UUID, limit int, excludeID uuid.UUID) ([]model.AgentMessage, error)
	GetAgentPrompt(ctx context.Context, kind model.AgentKind) (model.AgentPrompt, error)
	CreatePendingReport(ctx context.Context, clientID uuid.UUID) (model.Report, error)
	CompleteReport(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) error
	FailReport(ctx context.Context, id uuid.UUID, reason string) error
}

// ContextAssembler builds the document context for a client.
type ContextAssembler interface {
	Assemble(ctx context.Context, clientID uuid.UUID, query string, budgetChars int) (contextwin.Result, error)
}

// LayerApplier post-processes a draft reply.
type LayerApplier interface {
	Apply(ctx context.Context, kind model.AgentKind, draft string, lc layers.LayerContext, policy layers.Policy) (layers.Outcome, error)
}

// Config tunes the orchestrator.
type Config struct {
	Model              string // empty means the model client's default
	HistoryWindow      int
	ContextBudgetChars int
}

// Orchestrator runs agent turns. Safe for concurrent use; it holds no per-call state.
type Orchestrator struct {
	store     Store
	assembler ContextAssembler
	invoker   llm.Invoker
	layers    LayerApplier
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates an Orchestrator.
func New(store Store, assembler ContextAssembler, invoker llm.Invoker, chain LayerApplier, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.ContextBudgetChars <= 0 {
		cfg.ContextBudgetChars = 12000
	}
	return &Orchestrator{
		store:     store,
		assembler: assembler,
		invoker:   invoker,
		layers:    chain,
		cfg:       cfg,
		logger:    logger,
		tracer:    telemetry.Tracer("sensei/agents"),
	}
}

// ContextStats summarizes the context window used for a coach turn.
type ContextStats struct {
	DocsConsidered int `json:"docs_considered"`
	ChunksSelected int `json:"chunks_selected"`
	TotalChars     int `json:"total_chars"`
}

func statsOf(r contextwin.Result) ContextStats {
	return ContextStats{DocsConsidered: r.DocsConsidered, ChunksSelected: len(r.Sources), TotalChars: r.TotalChars}
}

// basePrompt returns the stored instructions for kind, or the built-in default.
func (o *Orchestrator) basePrompt(ctx context.Context, kind model.AgentKind) (string, error) {
	p, err := o.store.GetAgentPrompt(ctx, kind)
	if errors.Is(err, storage.ErrNotFound) {
		return defaultInstructions(kind), nil
	}
	if err != nil {
		return "", fmt.Errorf("agents: load %s prompt: %w", kind, err)
	}
	if p.Instructions == "" {
		return defaultInstructions(kind), nil
	}
	return p.Instructions, nil
}

// history loads the recent window for a session, oldest first, excluding excludeID.
func (o *Orchestrator) history(ctx context.Context, thread storage.Thread, sessionID, excludeID uuid.UUID) ([]llm.Turn, error) {
	msgs, err := o.store.RecentMessages(ctx, thread, sessionID, o.cfg.HistoryWindow, excludeID)
	if err != nil {
		return nil, fmt.Errorf("agents: load history: %w", err)
	}
	turns := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, llm.Turn{Role: turnRole(m.Role), Content: m.Content})
	}
	return turns, nil
}

func turnRole(r model.MessageRole) llm.Role {
	switch r {
	case model.MessageRoleAssistant:
		return llm.RoleAssistant
	case model.MessageRoleSystem:
		return llm.RoleSystem
	default:
		return llm.RoleUser
	}
}

// replyMetadata is the audit record persisted with an assistant message or report.
func replyMetadata(res llm.CompletionResult, out layers.Outcome, modelID, correlationID string, sources []model.ContextSource) map[string]any {
	if sources == nil {
		sources = []model.ContextSource{}
	}
	md := map[string]any{
		"response_id":     res.ResponseID,
		"applied_layers":  out.AppliedLayers,
		"model":           modelID,
		"correlation_id":  correlationID,
		"context_sources": sources,
	}
	if res.Usage != nil {
		md["usage"] = res.Usage
	}
	return md
}

func (o *Orchestrator) modelID() string {
	if o.cfg.Model != "" {
		return o.cfg.Model
	}
	if d, ok := o.invoker.(interface{ DefaultModel() string }); ok {
		return d.DefaultModel()
	}
	return ""
}

// sessionOwner picks the owner of a client's coaching session with the same
// rule the reconciler backfills with: the client's coach, else the fallback
// owner. Nil only when no user exists yet; the reconciler reports those.
func (o *Orchestrator) sessionOwner(ctx context.Context, client model.Client) (*uuid.UUID, error) {
	if client.CoachID != nil {
		return client.CoachID, nil
	}
	id, err := o.store.FallbackOwner(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agents: resolve session owner: %w", err)
	}
	return &id, nil
}
