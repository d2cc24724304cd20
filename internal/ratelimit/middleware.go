package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sensei/internal/model"
	"github.com/ashita-ai/sensei/internal/telemetry"
)

// KeyFunc picks the rate-limit key for a request. An empty key bypasses the limit.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request id for the error envelope. Injected so this
// package does not depend on server.
type RequestIDFunc func(r *http.Request) string

// Middleware rejects requests over the limit with 429, a Retry-After header,
// and the standard error envelope. Limiter errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	rejected, _ := telemetry.Meter("sensei/ratelimit").Int64Counter("sensei.ratelimit.rejected",
		metric.WithDescription("Requests rejected by the inbound rate limiter"),
	)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter failed, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			wait := time.Second
			if ra, ok := limiter.(RetryAfterer); ok {
				wait = max(ra.RetryAfter(key), time.Millisecond)
			}
			rejected.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", r.Pattern)))

			var requestID string
			if reqIDFunc != nil {
				requestID = reqIDFunc(r)
			}
			writeRateLimited(w, requestID, wait)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, requestID string, wait time.Duration) {
	ms := wait.Milliseconds()
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:         model.ErrCodeRateLimited,
			Message:      "too many requests",
			RetryAfterMs: &ms,
		},
		Meta: model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}

// IPKeyFunc keys by the connection's remote IP. X-Forwarded-For is ignored
// because any client can set it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
