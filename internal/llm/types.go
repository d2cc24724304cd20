// Package llm is the model invocation boundary: every call to an external
// completion endpoint goes through Client, which owns the per-call deadline,
// caller cancellation, error classification, and call telemetry.
//
// Providers (OpenAI-compatible HTTP, Gemini) only perform the wire call and
// report provider failures as typed errors. Nothing above this package
// inspects raw provider error shapes.
package llm

import (
	"context"
	"time"
)

// Role is the conversational role of a turn sent to the provider.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged entry in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is an immutable, per-call request to the completion endpoint.
type CompletionRequest struct {
	// Model overrides the client's default model when non-empty.
	Model string
	Turns []Turn
	// Temperature is provider default when nil.
	Temperature *float64
	// Timeout overrides the client's default deadline when positive.
	Timeout       time.Duration
	CorrelationID string
	// Operation tags the call site in logs and metrics (e.g. "coach_turn", "layer:tone").
	Operation string
}

// Usage holds provider-reported token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResult is produced once per successful call.
type CompletionResult struct {
	Text       string
	ResponseID string
	Usage      *Usage
}

// Invoker is the narrow contract consumers depend on.
type Invoker interface {
	Invoke(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// Provider performs the wire call for one completion endpoint. Implementations
// must honor ctx on the outbound network operation and return *RateLimitError
// or *ProviderError for upstream failures they can identify.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
	// CompleteStream delivers text deltas to emit as they arrive. If emit returns
	// an error the provider must stop reading and return it. The returned
	// result's Text may be empty; Client aggregates the delivered deltas.
	CompleteStream(ctx context.Context, req CompletionRequest, emit func(delta string) error) (CompletionResult, error)
}

// Float64 returns a pointer to v, for optional request fields.
func Float64(v float64) *float64 { return &v }
