package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ashita-ai/sensei/internal/ctxutil"
	"github.com/ashita-ai/sensei/internal/llm"
	"github.com/ashita-ai/sensei/internal/model"
	"github.com/ashita-ai/sensei/internal/service/layers"
	"github.com/ashita-ai/sensei/internal/storage"
)

// ReportInput requests a progress report for a client.
type ReportInput struct {
	ClientID uuid.UUID
}

// ReportResult is a completed report.
type ReportResult struct {
	ReportID      uuid.UUID  `json:"report_id"`
	ReportText    string     `json:"report_text"`
	Usage         *llm.Usage `json:"usage,omitempty"`
	AppliedLayers []string   `json:"applied_layers"`
}

// GenerateReport writes a progress report for a client. A pending report row
// is stored first; it ends completed, or failed with the error's message.
func (o *Orchestrator) GenerateReport(ctx context.Context, in ReportInput) (ReportResult, error) {
	ctx, span := o.tracer.Start(ctx, "agents.generate_report")
	defer span.End()
	span.SetAttributes(attribute.String("sensei.client_id", in.ClientID.String()))
	correlationID := ctxutil.CorrelationIDFromContext(ctx)

	client, err := o.store.GetClient(ctx, in.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return ReportResult{}, &NotFoundError{Entity: "client", ID: in.ClientID}
	}
	if err != nil {
		return ReportResult{}, fmt.Errorf("agents: report: load client: %w", err)
	}

	report, err := o.store.CreatePendingReport(ctx, client.ID)
	if err != nil {
		return ReportResult{}, fmt.Errorf("agents: report: create: %w", err)
	}

	res, err := o.writeReport(ctx, client, report.ID, correlationID)
	if err != nil {
		// The caller may have gone away; record the failure regardless.
		if ferr := o.store.FailReport(context.WithoutCancel(ctx), report.ID, err.Error()); ferr != nil {
			o.logger.Error("report: mark failed", "correlation_id", correlationID, "report_id", report.ID, "error", ferr)
		}
		return ReportResult{}, err
	}
	return res, nil
}

func (o *Orchestrator) writeReport(ctx context.Context, client model.Client, reportID uuid.UUID, correlationID string) (ReportResult, error) {
	var history []llm.Turn
	session, err := o.store.LatestClientSession(ctx, client.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return ReportResult{}, fmt.Errorf("agents: report: load session: %w", err)
	default:
		history, err = o.history(ctx, storage.ThreadCoaching, session.ID, uuid.Nil)
		if err != nil {
			return ReportResult{}, err
		}
	}

	window, err := o.assembler.Assemble(ctx, client.ID, reportQuery(client), o.cfg.ContextBudgetChars)
	if err != nil {
		return ReportResult{}, fmt.Errorf("agents: report: assemble context: %w", err)
	}

	base, err := o.basePrompt(ctx, model.AgentKindReport)
	if err != nil {
		return ReportResult{}, err
	}
	instruction := fmt.Sprintf("Write a progress report for %s based on the conversation so far and the document context.", client.Name)
	turns := append([]llm.Turn{{Role: llm.RoleSystem, Content: systemPrompt(base, client.ProfileSummary(), window.Text, "")}}, history...)
	turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: instruction})
	res, err := o.invoker.Invoke(ctx, llm.CompletionRequest{
		Model:         o.cfg.Model,
		Turns:         turns,
		CorrelationID: correlationID,
		Operation:     "generate_report",
	})
	if err != nil {
		return ReportResult{}, err
	}

	out, err := o.layers.Apply(ctx, model.AgentKindReport, res.Text, layers.LayerContext{
		UserMessage:     instruction,
		ClientProfile:   client.ProfileSummary(),
		DocumentContext: window.Text,
	}, layers.PolicyAbort)
	if err != nil {
		return ReportResult{}, err
	}

	md := replyMetadata(res, out, o.modelID(), correlationID, window.Sources)
	md["history_messages"] = len(history)
	if err := o.store.CompleteReport(ctx, reportID, out.Reply, md); err != nil {
		return ReportResult{}, fmt.Errorf("agents: report: complete: %w", err)
	}

	o.logger.Info("report generated",
		"correlation_id", correlationID,
		"client_id", client.ID,
		"report_id", reportID,
		"applied_layers", out.AppliedLayers,
	)
	return ReportResult{
		ReportID:      reportID,
		ReportText:    out.Reply,
		Usage:         res.Usage,
		AppliedLayers: out.AppliedLayers,
	}, nil
}

func reportQuery(c model.Client) string {
	q := strings.TrimSpace(c.Goals + "\n" + c.Summary)
	if q == "" {
		return "progress goals next steps"
	}
	return q
}
