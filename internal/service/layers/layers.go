// Package layers applies configured post-processing layers to a draft reply.
// Each layer is a model call whose non-blank output replaces the reply before
// the next layer runs.
package layers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/sensei/internal/ctxutil"
	"github.com/ashita-ai/sensei/internal/llm"
	"github.com/ashita-ai/sensei/internal/model"
)

// Policy selects what happens when a layer's model call fails.
type Policy int

const (
	// PolicyAbort stops the chain and returns the layer's error.
	PolicyAbort Policy = iota
	// PolicySkip logs the failure and continues with the reply as it was before the layer.
	PolicySkip
)

func (p Policy) String() string {
	if p == PolicySkip {
		return "skip"
	}
	return "abort"
}

const preamble = "You are a response layer in a coaching assistant pipeline. " +
	"Rewrite the draft reply according to the instructions below. " +
	"Return only the revised reply text, with no commentary. " +
	"If no change is needed, return the draft unchanged."

// Store lists the layers that apply to an agent kind, in application order.
type Store interface {
	ListEnabledLayers(ctx context.Context, kind model.AgentKind) ([]model.Layer, error)
}

// LayerContext is the optional material a layer may see alongside the draft.
// Empty fields are omitted from the prompt.
type LayerContext struct {
	UserMessage     string
	ClientProfile   string
	DocumentContext string
	ExtraContext    string
}

// Outcome is the final reply and the names of layers that changed it, in order.
type Outcome struct {
	Reply         string
	AppliedLayers []string
}

// LayerError reports which layer failed under PolicyAbort. It unwraps to the
// model error so callers can still match llm error kinds.
type LayerError struct {
	Layer string
	Err   error
}

func (e *LayerError) Error() string { return fmt.Sprintf("layer %q: %v", e.Layer, e.Err) }

func (e *LayerError) Unwrap() error { return e.Err }

// Chain runs layers through a shared model client.
type Chain struct {
	store   Store
	invoker llm.Invoker
	logger  *slog.Logger
}

// New creates a Chain.
func New(store Store, invoker llm.Invoker, logger *slog.Logger) *Chain {
	return &Chain{store: store, invoker: invoker, logger: logger}
}

// Apply runs every enabled layer for kind over draft, strictly in order.
// A blank draft or an empty layer list returns the draft with no model calls.
func (c *Chain) Apply(ctx context.Context, kind model.AgentKind, draft string, lc LayerContext, policy Policy) (Outcome, error) {
	out := Outcome{Reply: draft, AppliedLayers: []string{}}
	if strings.TrimSpace(draft) == "" {
		return out, nil
	}
	layers, err := c.store.ListEnabledLayers(ctx, kind)
	if err != nil {
		return Outcome{}, fmt.Errorf("layers: load for %s: %w", kind, err)
	}
	if len(layers) == 0 {
		return out, nil
	}

	correlationID := ctxutil.CorrelationIDFromContext(ctx)
	for _, layer := range layers {
		if !layer.AppliesToKind(kind) {
			continue
		}
		res, err := c.invoker.Invoke(ctx, llm.CompletionRequest{
			Model:         layer.Model,
			Turns:         buildTurns(layer, out.Reply, lc),
			Temperature:   llm.Float64(layer.Temperature),
			CorrelationID: correlationID,
			Operation:     "layer:" + layer.Name,
		})
		if err != nil {
			if policy == PolicyAbort {
				return Outcome{}, &LayerError{Layer: layer.Name, Err: err}
			}
			c.logger.Warn("layer failed, skipping",
				"correlation_id", correlationID,
				"agent_kind", kind,
				"layer", layer.Name,
				"error", err,
			)
			continue
		}
		revised := strings.TrimSpace(res.Text)
		if revised == "" {
			c.logger.Debug("layer returned blank output, keeping reply",
				"correlation_id", correlationID, "layer", layer.Name)
			continue
		}
		out.Reply = revised
		out.AppliedLayers = append(out.AppliedLayers, layer.Name)
	}
	return out, nil
}

func buildTurns(layer model.Layer, draft string, lc LayerContext) []llm.Turn {
	system := preamble
	if instr := strings.TrimSpace(layer.Instructions); instr != "" {
		system += "\n\nLayer instructions:\n" + instr
	}

	var b strings.Builder
	block := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		fmt.Fprintf(&b, "%s:\n%s\n\n", title, body)
	}
	block("Original user message", lc.UserMessage)
	block("Client profile", lc.ClientProfile)
	block("Document context", lc.DocumentContext)
	block("Additional context", lc.ExtraContext)
	fmt.Fprintf(&b, "Draft reply:\n%s", draft)

	return []llm.Turn{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
