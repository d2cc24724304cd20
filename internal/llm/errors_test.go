package llm

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryAfterFromHeader(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   *int64
	}{
		{"integer seconds", http.Header{"Retry-After": {"2"}}, ptr(2000)},
		{"decimal seconds", http.Header{"Retry-After": {"1.5"}}, ptr(1500)},
		{"ms fallback", http.Header{"Retry-After-Ms": {"250"}}, ptr(250)},
		{"seconds wins over ms", http.Header{"Retry-After": {"3"}, "Retry-After-Ms": {"10"}}, ptr(3000)},
		{"unparseable seconds falls back", http.Header{"Retry-After": {"soon"}, "Retry-After-Ms": {"40"}}, ptr(40)},
		{"negative ignored", http.Header{"Retry-After": {"-1"}}, nil},
		{"absent", http.Header{}, nil},
		{"nil header", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryAfterFromHeader(tt.header))
		})
	}
}

func TestRetryAfterFromMessage(t *testing.T) {
	assert.Equal(t, ptr(20), RetryAfterFromMessage("Rate limit reached for gpt-4o. Please try again in 20ms."))
	assert.Equal(t, ptr(1500), RetryAfterFromMessage("Please try again in 1.5s"))
	assert.Equal(t, ptr(7000), RetryAfterFromMessage("TRY AGAIN IN 7 seconds"))
	assert.Nil(t, RetryAfterFromMessage("rate limit exceeded"))
	assert.Nil(t, RetryAfterFromMessage(""))
}

func TestIsRateLimitMessage(t *testing.T) {
	for _, msg := range []string{
		"Rate limit reached for requests",
		"rate_limit_exceeded",
		"429 Too Many Requests",
		"RESOURCE_EXHAUSTED: quota",
		"resource exhausted",
	} {
		assert.True(t, IsRateLimitMessage(msg), msg)
	}
	assert.False(t, IsRateLimitMessage("invalid api key"))
	assert.False(t, IsRateLimitMessage("model overloaded"))
}

func TestClassifyStatus(t *testing.T) {
	t.Run("429 with header", func(t *testing.T) {
		err := classifyStatus("openai", "coach_turn", http.StatusTooManyRequests, http.Header{"Retry-After": {"2"}}, "slow down")
		var rl *RateLimitError
		require.ErrorAs(t, err, &rl)
		assert.Equal(t, ptr(2000), rl.RetryAfterMs)
		assert.Equal(t, "coach_turn", rl.Operation)
	})

	t.Run("429 message hint only", func(t *testing.T) {
		err := classifyStatus("openai", "op", http.StatusTooManyRequests, nil, "Please try again in 20ms")
		var rl *RateLimitError
		require.ErrorAs(t, err, &rl)
		assert.Equal(t, ptr(20), rl.RetryAfterMs)
	})

	t.Run("429 without hint", func(t *testing.T) {
		err := classifyStatus("openai", "op", http.StatusTooManyRequests, nil, "nope")
		var rl *RateLimitError
		require.ErrorAs(t, err, &rl)
		assert.Nil(t, rl.RetryAfterMs)
	})

	t.Run("rate limit text on non-429", func(t *testing.T) {
		err := classifyStatus("openai", "op", http.StatusServiceUnavailable, nil, "rate limit exceeded")
		var rl *RateLimitError
		assert.ErrorAs(t, err, &rl)
	})

	t.Run("other status", func(t *testing.T) {
		err := classifyStatus("openai", "op", http.StatusInternalServerError, nil, "boom")
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, http.StatusInternalServerError, pe.StatusCode)
		assert.Equal(t, "openai", pe.Provider)
		assert.Contains(t, pe.Error(), "boom")
	})
}

func TestAbortedErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &abortedError{operation: "op", cause: errStreamClosed})
	assert.True(t, errors.Is(err, ErrAborted))
	assert.True(t, errors.Is(err, errStreamClosed))
	var te *TimeoutError
	assert.False(t, errors.As(err, &te))
}

func TestGeminiRetryDelay(t *testing.T) {
	details := []map[string]any{
		{"@type": "type.googleapis.com/google.rpc.QuotaFailure"},
		{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "21s"},
	}
	assert.Equal(t, ptr(21000), geminiRetryDelay(details))
	assert.Nil(t, geminiRetryDelay(nil))
	assert.Nil(t, geminiRetryDelay([]map[string]any{{"@type": "RetryInfo", "retryDelay": "bogus"}}))
}

func ptr(v int64) *int64 { return &v }
