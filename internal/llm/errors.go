package llm

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// ErrAborted is matched (errors.Is) by failures caused by caller-initiated
// cancellation: a cancelled parent context or an explicit Stream.Close.
var ErrAborted = errors.New("llm: aborted by caller")

// ErrEmptyConversation is returned when no non-system turn survives normalization.
var ErrEmptyConversation = errors.New("llm: conversation has no user or assistant turns")

// TimeoutError means no response arrived within the per-call deadline.
// Retryable by the caller after backoff.
type TimeoutError struct {
	TimeoutMs int64
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("llm: %s timed out after %dms", opName(e.Operation), e.TimeoutMs)
}

// RateLimitError means the provider throttled the call. RetryAfterMs is a
// best-effort hint and is nil when the provider gave nothing parseable.
type RateLimitError struct {
	RetryAfterMs *int64
	Operation    string
	Message      string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterMs != nil {
		return fmt.Sprintf("llm: %s rate limited (retry after %dms): %s", opName(e.Operation), *e.RetryAfterMs, e.Message)
	}
	return fmt.Sprintf("llm: %s rate limited: %s", opName(e.Operation), e.Message)
}

// ProviderError is an opaque upstream failure. StatusCode is 0 for transport errors.
type ProviderError struct {
	Operation  string
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: %s: %s status %d: %s", opName(e.Operation), e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm: %s: %s: %s", opName(e.Operation), e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// abortedError carries the cancellation cause while matching ErrAborted.
type abortedError struct {
	operation string
	cause     error
}

func (e *abortedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("llm: %s aborted by caller: %v", opName(e.operation), e.cause)
	}
	return fmt.Sprintf("llm: %s aborted by caller", opName(e.operation))
}

func (e *abortedError) Is(target error) bool { return target == ErrAborted }

func (e *abortedError) Unwrap() error { return e.cause }

func opName(op string) string {
	if op == "" {
		return "completion"
	}
	return op
}

var rateLimitPattern = regexp.MustCompile(`(?i)rate[ _-]?limit|too many requests|resource[ _-]?exhausted`)

// IsRateLimitMessage reports whether a provider message text indicates throttling.
func IsRateLimitMessage(msg string) bool {
	return rateLimitPattern.MatchString(msg)
}

// tryAgainPattern matches hints like "Please try again in 20ms" or "try again in 1.5s".
// Provider-message-format dependent; treat the result as a hint only.
var tryAgainPattern = regexp.MustCompile(`(?i)try again in\s+(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?)\b`)

// RetryAfterFromMessage scrapes a retry hint from free text. Returns nil when absent.
func RetryAfterFromMessage(msg string) *int64 {
	m := tryAgainPattern.FindStringSubmatch(msg)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v < 0 {
		return nil
	}
	unit := strings.ToLower(m[2])
	if !strings.HasPrefix(unit, "m") {
		v *= 1000
	}
	ms := int64(math.Round(v))
	return &ms
}

// RetryAfterFromHeader reads Retry-After (seconds, integer or decimal) and
// falls back to Retry-After-Ms. Returns nil when neither parses.
func RetryAfterFromHeader(h http.Header) *int64 {
	if h == nil {
		return nil
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			ms := int64(math.Round(secs * 1000))
			return &ms
		}
	}
	if v := strings.TrimSpace(h.Get("Retry-After-Ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
			out := int64(math.Round(ms))
			return &out
		}
	}
	return nil
}

// classifyStatus turns a failed provider response into a typed error.
// 429 or a rate-limit message yields *RateLimitError; anything else *ProviderError.
func classifyStatus(provider, operation string, status int, header http.Header, message string) error {
	if status == http.StatusTooManyRequests || IsRateLimitMessage(message) {
		retry := RetryAfterFromHeader(header)
		if retry == nil {
			retry = RetryAfterFromMessage(message)
		}
		return &RateLimitError{RetryAfterMs: retry, Operation: operation, Message: message}
	}
	return &ProviderError{Operation: operation, Provider: provider, StatusCode: status, Message: message}
}
