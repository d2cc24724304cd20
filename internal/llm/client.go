package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/sensei/internal/ctxutil"
	"github.com/ashita-ai/sensei/internal/telemetry"
)

// DefaultTimeout is used when neither the request nor the client config sets one.
const DefaultTimeout = 60 * time.Second

// errDeadline is the cause attached to the per-call timer. Distinguishing it
// from a caller's cancellation cause is what separates TimeoutError from
// ErrAborted when both race.
var errDeadline = errors.New("llm: per-call deadline exceeded")

// ClientConfig holds defaults applied to every request that does not override them.
type ClientConfig struct {
	DefaultModel       string
	DefaultTimeout     time.Duration
	DefaultTemperature *float64
}

// Client invokes a Provider with a bounded deadline, honors caller
// cancellation, and normalizes failures into TimeoutError, RateLimitError,
// ProviderError, or ErrAborted. Safe for concurrent use; construct one per
// process and pass it to consumers.
type Client struct {
	provider Provider
	cfg      ClientConfig
	logger   *slog.Logger

	tracer   trace.Tracer
	duration metric.Float64Histogram
	calls    metric.Int64Counter
}

// NewClient creates a Client around provider.
func NewClient(provider Provider, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("sensei/llm")
	dur, _ := meter.Float64Histogram("sensei.llm.duration",
		metric.WithDescription("Model call latency (ms)"),
		metric.WithUnit("ms"),
	)
	calls, _ := meter.Int64Counter("sensei.llm.calls",
		metric.WithDescription("Model calls by operation and outcome"),
	)
	return &Client{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		tracer:   telemetry.Tracer("sensei/llm"),
		duration: dur,
		calls:    calls,
	}
}

// DefaultModel returns the model used when a request does not name one.
func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

// Invoke performs one completion. Exactly one of result or error is returned.
func (c *Client) Invoke(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	req, err := c.prepare(ctx, req)
	if err != nil {
		return CompletionResult{}, err
	}
	timeout := c.timeoutFor(req)

	ctx, span := c.startSpan(ctx, "llm.invoke", req)
	defer span.End()

	callCtx, cancel := context.WithTimeoutCause(ctx, timeout, errDeadline)
	defer cancel()

	start := time.Now()
	c.logStart(req, timeout)
	res, err := c.provider.Complete(callCtx, req)
	if err != nil {
		err = c.classify(callCtx, req, timeout, err)
		c.finish(ctx, span, req, start, CompletionResult{}, err)
		return CompletionResult{}, err
	}
	c.finish(ctx, span, req, start, res, nil)
	return res, nil
}

// prepare applies defaults and normalizes turns. Requests are values, so the
// caller's copy is never mutated.
func (c *Client) prepare(ctx context.Context, req CompletionRequest) (CompletionRequest, error) {
	if req.Model == "" {
		req.Model = c.cfg.DefaultModel
	}
	if req.Temperature == nil {
		req.Temperature = c.cfg.DefaultTemperature
	}
	if req.CorrelationID == "" {
		req.CorrelationID = ctxutil.CorrelationIDFromContext(ctx)
	}
	req.Turns = normalizeTurns(req.Turns)
	if _, rest := splitSystem(req.Turns); len(rest) == 0 {
		return req, fmt.Errorf("%s: %w", opName(req.Operation), ErrEmptyConversation)
	}
	return req, nil
}

func (c *Client) timeoutFor(req CompletionRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return c.cfg.DefaultTimeout
}

// classify maps a provider failure onto the error taxonomy. Context state wins
// over whatever the provider returned: once callCtx is done, the provider's
// error is just the symptom of our own cancellation.
func (c *Client) classify(callCtx context.Context, req CompletionRequest, timeout time.Duration, err error) error {
	if callCtx.Err() != nil {
		cause := context.Cause(callCtx)
		if errors.Is(cause, errDeadline) {
			return &TimeoutError{TimeoutMs: timeout.Milliseconds(), Operation: req.Operation}
		}
		return &abortedError{operation: req.Operation, cause: cause}
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		if rl.Operation == "" {
			rl.Operation = req.Operation
		}
		return rl
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Operation == "" {
			pe.Operation = req.Operation
		}
		if pe.Provider == "" {
			pe.Provider = c.provider.Name()
		}
		return pe
	}
	if IsRateLimitMessage(err.Error()) {
		return &RateLimitError{
			RetryAfterMs: RetryAfterFromMessage(err.Error()),
			Operation:    req.Operation,
			Message:      err.Error(),
		}
	}
	return &ProviderError{
		Operation: req.Operation,
		Provider:  c.provider.Name(),
		Message:   err.Error(),
		Err:       err,
	}
}

func (c *Client) startSpan(ctx context.Context, name string, req CompletionRequest) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("llm.provider", c.provider.Name()),
		attribute.String("llm.model", req.Model),
		attribute.String("llm.operation", req.Operation),
		attribute.String("sensei.correlation_id", req.CorrelationID),
	))
}

func (c *Client) logStart(req CompletionRequest, timeout time.Duration) {
	c.logger.Info("llm call started",
		"operation", req.Operation,
		"provider", c.provider.Name(),
		"model", req.Model,
		"turns", len(req.Turns),
		"timeout_ms", timeout.Milliseconds(),
		"correlation_id", req.CorrelationID,
	)
}

// finish emits exactly one terminal log line, span status, and metric sample.
func (c *Client) finish(ctx context.Context, span trace.Span, req CompletionRequest, start time.Time, res CompletionResult, err error) {
	elapsed := time.Since(start)
	outcome := outcomeOf(err)
	attrs := []any{
		"operation", req.Operation,
		"provider", c.provider.Name(),
		"model", req.Model,
		"duration_ms", elapsed.Milliseconds(),
		"correlation_id", req.CorrelationID,
	}

	var (
		te *TimeoutError
		rl *RateLimitError
	)
	switch {
	case err == nil:
		attrs = append(attrs, "response_id", res.ResponseID, "output_chars", len(res.Text))
		if res.Usage != nil {
			attrs = append(attrs, "total_tokens", res.Usage.TotalTokens)
		}
		c.logger.Info("llm call succeeded", attrs...)
	case errors.As(err, &te):
		c.logger.Warn("llm call timed out", append(attrs, "timeout_ms", te.TimeoutMs)...)
	case errors.As(err, &rl):
		if rl.RetryAfterMs != nil {
			attrs = append(attrs, "retry_after_ms", *rl.RetryAfterMs)
		}
		c.logger.Warn("llm call rate limited", attrs...)
	case errors.Is(err, ErrAborted):
		c.logger.Info("llm call aborted", attrs...)
	default:
		c.logger.Error("llm call failed", append(attrs, "error", err)...)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("llm.outcome", outcome))

	// Context may already be cancelled; metrics should still be recorded.
	mctx := context.WithoutCancel(ctx)
	mattrs := metric.WithAttributes(
		attribute.String("operation", req.Operation),
		attribute.String("provider", c.provider.Name()),
		attribute.String("outcome", outcome),
	)
	if c.calls != nil {
		c.calls.Add(mctx, 1, mattrs)
	}
	if c.duration != nil {
		c.duration.Record(mctx, float64(elapsed.Milliseconds()), mattrs)
	}
}

func outcomeOf(err error) string {
	var (
		te *TimeoutError
		rl *RateLimitError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.Is(err, ErrAborted):
		return "aborted"
	default:
		return "error"
	}
}
