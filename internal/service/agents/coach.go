package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ashita-ai/sensei/internal/ctxutil"
	"github.com/ashita-ai/sensei/internal/llm"
	"github.com/ashita-ai/sensei/internal/model"
	"github.com/ashita-ai/sensei/internal/service/layers"
	"github.com/ashita-ai/sensei/internal/storage"
)

// CoachTurnInput is one client message to their coaching agent.
type CoachTurnInput struct {
	ClientID uuid.UUID
	Message  string
}

// CoachTurnResult is the persisted reply and what went into it.
type CoachTurnResult struct {
	SessionID     uuid.UUID    `json:"session_id"`
	MessageID     uuid.UUID    `json:"message_id"`
	Reply         string       `json:"reply"`
	Usage         *llm.Usage   `json:"usage,omitempty"`
	AppliedLayers []string     `json:"applied_layers"`
	ContextStats  ContextStats `json:"context_stats"`
}

// RunCoachTurn handles a client message. The inbound message is persisted
// before any model call, so it survives every downstream failure.
func (o *Orchestrator) RunCoachTurn(ctx context.Context, in CoachTurnInput) (CoachTurnResult, error) {
	if err := model.ValidateTurnMessage(in.Message); err != nil {
		return CoachTurnResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ctx, span := o.tracer.Start(ctx, "agents.coach_turn")
	defer span.End()
	span.SetAttributes(attribute.String("sensei.client_id", in.ClientID.String()))
	correlationID := ctxutil.CorrelationIDFromContext(ctx)

	// 1. Resolve the client and its canonical session.
	client, err := o.store.GetClient(ctx, in.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return CoachTurnResult{}, &NotFoundError{Entity: "client", ID: in.ClientID}
	}
	if err != nil {
		return CoachTurnResult{}, fmt.Errorf("agents: coach turn: load client: %w", err)
	}
	owner, err := o.sessionOwner(ctx, client)
	if err != nil {
		return CoachTurnResult{}, err
	}
	session, err := o.store.EnsureCoachingSession(ctx, owner, client.ID)
	if err != nil {
		return CoachTurnResult{}, fmt.Errorf("agents: coach turn: ensure session: %w", err)
	}

	// 2. Persist the inbound turn.
	inbound, err := o.store.AppendMessage(ctx, storage.ThreadCoaching, model.AgentMessage{
		SessionID: session.ID,
		Role:      model.MessageRoleUser,
		Source:    model.MessageSourceHuman,
		Content:   in.Message,
		Metadata:  map[string]any{"correlation_id": correlationID},
	})
	if err != nil {
		return CoachTurnResult{}, fmt.Errorf("agents: coach turn: persist inbound: %w", err)
	}

	// 3. History and document context.
	history, err := o.history(ctx, storage.ThreadCoaching, session.ID, inbound.ID)
	if err != nil {
		return CoachTurnResult{}, err
	}
	window, err := o.assembler.Assemble(ctx, client.ID, in.Message, o.cfg.ContextBudgetChars)
	if err != nil {
		return CoachTurnResult{}, fmt.Errorf("agents: coach turn: assemble context: %w", err)
	}

	// 4. Compose and invoke.
	base, err := o.basePrompt(ctx, model.AgentKindCoach)
	if err != nil {
		return CoachTurnResult{}, err
	}
	turns := append([]llm.Turn{{Role: llm.RoleSystem, Content: systemPrompt(base, client.ProfileSummary(), window.Text, "")}}, history...)
	turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: in.Message})
	res, err := o.invoker.Invoke(ctx, llm.CompletionRequest{
		Model:         o.cfg.Model,
		Turns:         turns,
		CorrelationID: correlationID,
		Operation:     "coach_turn",
	})
	if err != nil {
		return CoachTurnResult{}, err
	}

	// 5. Layers, skipping any that fail.
	out, err := o.layers.Apply(ctx, model.AgentKindCoach, res.Text, layers.LayerContext{
		UserMessage:     in.Message,
		ClientProfile:   client.ProfileSummary(),
		DocumentContext: window.Text,
	}, layers.PolicySkip)
	if err != nil {
		return CoachTurnResult{}, err
	}

	// 6. Persist the reply with its audit metadata.
	reply, err := o.store.AppendMessage(ctx, storage.ThreadCoaching, model.AgentMessage{
		SessionID: session.ID,
		Role:      model.MessageRoleAssistant,
		Source:    model.MessageSourceAI,
		Content:   out.Reply,
		Metadata:  replyMetadata(res, out, o.modelID(), correlationID, window.Sources),
	})
	if err != nil {
		return CoachTurnResult{}, fmt.Errorf("agents: coach turn: persist reply: %w", err)
	}

	o.logger.Info("coach turn completed",
		"correlation_id", correlationID,
		"client_id", client.ID,
		"session_id", session.ID,
		"applied_layers", out.AppliedLayers,
		"context_chars", window.TotalChars,
	)
	return CoachTurnResult{
		SessionID:     session.ID,
		MessageID:     reply.ID,
		Reply:         out.Reply,
		Usage:         res.Usage,
		AppliedLayers: out.AppliedLayers,
		ContextStats:  statsOf(window),
	}, nil
}
