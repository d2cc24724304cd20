package agents

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ashita-ai/sensei/internal/ctxutil"
	"github.com/ashita-ai/sensei/internal/llm"
	"github.com/ashita-ai/sensei/internal/model"
	"github.com/ashita-ai/sensei/internal/service/contextwin"
	"github.com/ashita-ai/sensei/internal/service/layers"
	"github.com/ashita-ai/sensei/internal/storage"
)

// OverseerTurnInput is one coach message to the overseer agent. When
// FocusClientID is set, that client's documents are assembled as context;
// otherwise the budget is shared across all of the coach's clients.
type OverseerTurnInput struct {
	CoachID       uuid.UUID
	Message       string
	FocusClientID *uuid.UUID
	ExtraContext  string
}

// OverseerTurnResult is the persisted overseer reply.
type OverseerTurnResult struct {
	SessionID     uuid.UUID  `json:"session_id"`
	MessageID     uuid.UUID  `json:"message_id"`
	Reply         string     `json:"reply"`
	Usage         *llm.Usage `json:"usage,omitempty"`
	AppliedLayers []string   `json:"applied_layers"`
}

// RunOverseerTurn handles a coach message. Any layer failure aborts the turn.
func (o *Orchestrator) RunOverseerTurn(ctx context.Context, in OverseerTurnInput) (OverseerTurnResult, error) {
	if err := model.ValidateTurnMessage(in.Message); err != nil {
		return OverseerTurnResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := model.ValidateExtraContext(in.ExtraContext); err != nil {
		return OverseerTurnResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ctx, span := o.tracer.Start(ctx, "agents.overseer_turn")
	defer span.End()
	span.SetAttributes(attribute.String("sensei.coach_id", in.CoachID.String()))
	correlationID := ctxutil.CorrelationIDFromContext(ctx)

	coach, err := o.store.GetUser(ctx, in.CoachID)
	if errors.Is(err, storage.ErrNotFound) {
		return OverseerTurnResult{}, &NotFoundError{Entity: "coach", ID: in.CoachID}
	}
	if err != nil {
		return OverseerTurnResult{}, fmt.Errorf("agents: overseer turn: load coach: %w", err)
	}
	var focus *model.Client
	if in.FocusClientID != nil {
		c, err := o.store.GetClient(ctx, *in.FocusClientID)
		// A client assigned to another coach is reported as missing.
		if errors.Is(err, storage.ErrNotFound) || (err == nil && (c.CoachID == nil || *c.CoachID != coach.ID)) {
			return OverseerTurnResult{}, &NotFoundError{Entity: "client", ID: *in.FocusClientID}
		}
		if err != nil {
			return OverseerTurnResult{}, fmt.Errorf("agents: overseer turn: load focus client: %w", err)
		}
		focus = &c
	}
	digests, err := o.store.ClientDigests(ctx, coach.ID)
	if err != nil {
		return OverseerTurnResult{}, fmt.Errorf("agents: overseer turn: client digests: %w", err)
	}
	session, err := o.store.EnsureOverseerSession(ctx, coach.ID)
	if err != nil {
		return OverseerTurnResult{}, fmt.Errorf("agents: overseer turn: ensure session: %w", err)
	}

	inbound, err := o.store.AppendMessage(ctx, storage.ThreadOverseer, model.AgentMessage{
		SessionID: session.ID,
		Role:      model.MessageRoleUser,
		Source:    model.MessageSourceHuman,
		Content:   in.Message,
		Metadata:  overseerInboundMetadata(correlationID, in),
	})
	if err != nil {
		return OverseerTurnResult{}, fmt.Errorf("agents: overseer turn: persist inbound: %w", err)
	}

	history, err := o.history(ctx, storage.ThreadOverseer, session.ID, inbound.ID)
	if err != nil {
		return OverseerTurnResult{}, err
	}

	entity := digestBlock(coach, digests)
	var window contextwin.Result
	var profile string
	if focus != nil {
		profile = focus.ProfileSummary()
		entity += "\n\nFocused client:\n" + profile
		window, err = o.assembler.Assemble(ctx, focus.ID, focusQuery(in.Message, focus.ID, digests), o.cfg.ContextBudgetChars)
	} else {
		window, err = o.assembleAcross(ctx, in.Message, digests)
	}
	if err != nil {
		return OverseerTurnResult{}, fmt.Errorf("agents: overseer turn: assemble context: %w", err)
	}

	base, err := o.basePrompt(ctx, model.AgentKindOverseer)
	if err != nil {
		return OverseerTurnResult{}, err
	}
	turns := append([]llm.Turn{{Role: llm.RoleSystem, Content: systemPrompt(base, entity, window.Text, in.ExtraContext)}}, history...)
	turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: in.Message})
	res, err := o.invoker.Invoke(ctx, llm.CompletionRequest{
		Model:         o.cfg.Model,
		Turns:         turns,
		CorrelationID: correlationID,
		Operation:     "overseer_turn",
	})
	if err != nil {
		return OverseerTurnResult{}, err
	}

	out, err := o.layers.Apply(ctx, model.AgentKindOverseer, res.Text, layers.LayerContext{
		UserMessage:     in.Message,
		ClientProfile:   profile,
		DocumentContext: window.Text,
		ExtraContext:    in.ExtraContext,
	}, layers.PolicyAbort)
	if err != nil {
		return OverseerTurnResult{}, err
	}

	reply, err := o.store.AppendMessage(ctx, storage.ThreadOverseer, model.AgentMessage{
		SessionID: session.ID,
		Role:      model.MessageRoleAssistant,
		Source:    model.MessageSourceAI,
		Content:   out.Reply,
		Metadata:  replyMetadata(res, out, o.modelID(), correlationID, window.Sources),
	})
	if err != nil {
		return OverseerTurnResult{}, fmt.Errorf("agents: overseer turn: persist reply: %w", err)
	}

	o.logger.Info("overseer turn completed",
		"correlation_id", correlationID,
		"coach_id", coach.ID,
		"session_id", session.ID,
		"clients", len(digests),
		"context_chars", window.TotalChars,
		"applied_layers", out.AppliedLayers,
	)
	return OverseerTurnResult{
		SessionID:     session.ID,
		MessageID:     reply.ID,
		Reply:         out.Reply,
		Usage:         res.Usage,
		AppliedLayers: out.AppliedLayers,
	}, nil
}

func overseerInboundMetadata(correlationID string, in OverseerTurnInput) map[string]any {
	md := map[string]any{"correlation_id": correlationID}
	if in.FocusClientID != nil {
		md["focus_client_id"] = in.FocusClientID.String()
	}
	if strings.TrimSpace(in.ExtraContext) != "" {
		md["extra_context"] = in.ExtraContext
	}
	return md
}

// focusQuery ranks documents by the coach's message plus the focused client's digest.
func focusQuery(message string, clientID uuid.UUID, digests []model.ClientDigest) string {
	for _, d := range digests {
		if d.ClientID == clientID {
			return message + "\n" + d.Summary + "\n" + d.Goals
		}
	}
	return message
}

// assembleAcross builds context for an unfocused overseer turn. Clients are
// visited most recently active first; each gets an even share of what is left
// of the budget, so a client with little material passes its unused share on.
// Each client's documents are ranked against the message plus that client's
// digest.
func (o *Orchestrator) assembleAcross(ctx context.Context, message string, digests []model.ClientDigest) (contextwin.Result, error) {
	ordered := slices.Clone(digests)
	slices.SortStableFunc(ordered, func(a, b model.ClientDigest) int {
		switch {
		case a.LastActivityAt == nil && b.LastActivityAt == nil:
		case a.LastActivityAt == nil:
			return 1
		case b.LastActivityAt == nil:
			return -1
		default:
			if c := b.LastActivityAt.Compare(*a.LastActivityAt); c != 0 {
				return c
			}
		}
		if c := cmp.Compare(a.ClientName, b.ClientName); c != 0 {
			return c
		}
		return bytes.Compare(a.ClientID[:], b.ClientID[:])
	})

	out := contextwin.Result{Sources: []model.ContextSource{}}
	var blocks []string
	remaining := o.cfg.ContextBudgetChars
	for i, d := range ordered {
		if remaining <= 0 {
			break
		}
		share := remaining / (len(ordered) - i)
		if share <= 0 {
			continue
		}
		r, err := o.assembler.Assemble(ctx, d.ClientID, focusQuery(message, d.ClientID, digests), share)
		if err != nil {
			return contextwin.Result{}, err
		}
		out.DocsConsidered += r.DocsConsidered
		if r.Text == "" {
			continue
		}
		blocks = append(blocks, "## "+d.ClientName+"\n"+r.Text)
		out.Sources = append(out.Sources, r.Sources...)
		out.TotalChars += r.TotalChars
		remaining -= r.TotalChars
	}
	out.Text = strings.Join(blocks, "\n\n")
	return out, nil
}
