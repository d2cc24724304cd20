package server

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/ashita-ai/sensei/internal/llm"
	"github.com/ashita-ai/sensei/internal/model"
	"github.com/ashita-ai/sensei/internal/service/agents"
	"github.com/ashita-ai/sensei/internal/storage"
)

// StatusClientClosedRequest is the non-standard status logged when the
// caller went away before the reply was ready.
const StatusClientClosedRequest = 499

// statusForError maps a pipeline error to an HTTP status and error code.
func statusForError(err error) (int, string) {
	var te *llm.TimeoutError
	var rl *llm.RateLimitError
	switch {
	case errors.Is(err, agents.ErrInvalidInput):
		return http.StatusBadRequest, model.ErrCodeInvalidInput
	case errors.As(err, &te):
		return http.StatusGatewayTimeout, model.ErrCodeTimeout
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, model.ErrCodeRateLimited
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, model.ErrCodeNotFound
	case errors.Is(err, llm.ErrAborted), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, model.ErrCodeAborted
	default:
		return http.StatusInternalServerError, model.ErrCodeInternalError
	}
}

// writeServiceError writes the envelope for err. Internal errors are logged
// and replaced with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := statusForError(err)
	detail := model.ErrorDetail{Code: code, Message: err.Error()}

	var rl *llm.RateLimitError
	if errors.As(err, &rl) {
		detail.Message = "upstream model rate limited"
		if rl.RetryAfterMs != nil {
			ms := *rl.RetryAfterMs
			detail.RetryAfterMs = &ms
			w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(float64(ms)/1000)), 10))
		}
	}
	switch status {
	case http.StatusGatewayTimeout:
		detail.Message = "upstream model timed out"
	case StatusClientClosedRequest:
		detail.Message = "request aborted"
	case http.StatusInternalServerError:
		logger.Error("request failed",
			"correlation_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		detail.Message = "internal error"
	}
	writeErrorDetail(w, r, status, detail)
}
