package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for inbound turn text. Keeps a single oversized message
// from blowing past the model's context window before any budgeting happens.
const (
	MaxMessageLen      = 32 * 1024 // 32 KB
	MaxExtraContextLen = 16 * 1024 // 16 KB
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
// RequestID doubles as the correlation id threaded through pipeline logs.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs *int64 `json:"retry_after_ms,omitempty"`
}

// Error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeTimeout       = "UPSTREAM_TIMEOUT"
	ErrCodeAborted       = "REQUEST_ABORTED"
)

// CoachTurnRequest is the request body for POST /v1/clients/{client_id}/coach.
type CoachTurnRequest struct {
	Message string `json:"message"`
}

// OverseerTurnRequest is the request body for POST /v1/coaches/{coach_id}/overseer.
type OverseerTurnRequest struct {
	Message       string     `json:"message"`
	FocusClientID *uuid.UUID `json:"focus_client_id,omitempty"`
	Context       string     `json:"context,omitempty"`
}

// ValidateTurnMessage checks that an inbound message is present and within limits.
func ValidateTurnMessage(msg string) error {
	if strings.TrimSpace(msg) == "" {
		return fmt.Errorf("message is required")
	}
	if len(msg) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// ValidateExtraContext checks the free-form context attached to an overseer turn.
func ValidateExtraContext(extra string) error {
	if len(extra) > MaxExtraContextLen {
		return fmt.Errorf("context exceeds maximum length of %d bytes", MaxExtraContextLen)
	}
	return nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
