package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/sensei/internal/ctxutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		// Started at init by the genai dependency chain.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	mu       sync.Mutex
	requests []CompletionRequest
	complete func(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.complete(ctx, req)
}

func (f *fakeProvider) CompleteStream(ctx context.Context, req CompletionRequest, emit func(string) error) (CompletionResult, error) {
	res, err := f.Complete(ctx, req)
	if err != nil {
		return CompletionResult{}, err
	}
	if err := emit(res.Text); err != nil {
		return CompletionResult{}, err
	}
	return res, nil
}

func (f *fakeProvider) last() CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func userTurn(s string) []Turn { return []Turn{{Role: RoleUser, Content: s}} }

// blockingServer returns a server whose handler waits until the client goes
// away, and a channel closed once the handler observed that. The body is
// drained first: the server only notices a client hang-up once the request
// body has been consumed.
func blockingServer(t *testing.T) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	cancelled := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
		once.Do(func() { close(cancelled) })
	}))
	t.Cleanup(srv.Close)
	return srv, cancelled
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: not observed within 3s", what)
	}
}

func TestInvoke_OpenAISuccess(t *testing.T) {
	var got openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "corr-1", r.Header.Get("X-Request-ID"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"content":"Keep going."}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	}))
	defer srv.Close()

	c := NewClient(NewOpenAIProvider("sk-test", srv.URL, nil), ClientConfig{DefaultModel: "gpt-4o-mini"}, testLogger())
	ctx := ctxutil.WithCorrelationID(context.Background(), "corr-1")
	res, err := c.Invoke(ctx, CompletionRequest{
		Turns: []Turn{
			{Role: RoleSystem, Content: "Be kind."},
			{Role: RoleUser, Content: "I skipped my run."},
			{Role: RoleSystem, Content: "Client: Ana"},
		},
		Temperature: Float64(0.2),
		Operation:   "coach_turn",
	})
	require.NoError(t, err)
	assert.Equal(t, "Keep going.", res.Text)
	assert.Equal(t, "chatcmpl-1", res.ResponseID)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 15, res.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "Be kind.\n\nClient: Ana", got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Role)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
}

func TestInvoke_TimeoutCancelsRequest(t *testing.T) {
	srv, cancelled := blockingServer(t)
	c := NewClient(NewOpenAIProvider("", srv.URL, nil), ClientConfig{DefaultModel: "m"}, testLogger())

	start := time.Now()
	_, err := c.Invoke(context.Background(), CompletionRequest{
		Turns:     userTurn("hello"),
		Timeout:   50 * time.Millisecond,
		Operation: "coach_turn",
	})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(50), te.TimeoutMs)
	assert.Equal(t, "coach_turn", te.Operation)
	assert.False(t, errors.Is(err, ErrAborted))
	assert.Less(t, time.Since(start), 2*time.Second)
	waitClosed(t, cancelled, "upstream cancellation")
}

func TestInvoke_CallerAbort(t *testing.T) {
	srv, cancelled := blockingServer(t)
	c := NewClient(NewOpenAIProvider("", srv.URL, nil), ClientConfig{DefaultModel: "m", DefaultTimeout: 10 * time.Second}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := c.Invoke(ctx, CompletionRequest{Turns: userTurn("hello")})

	require.ErrorIs(t, err, ErrAborted)
	var te *TimeoutError
	assert.False(t, errors.As(err, &te))
	waitClosed(t, cancelled, "upstream cancellation")
}

func TestInvoke_AbortBeforeDeadlineWins(t *testing.T) {
	p := &fakeProvider{complete: func(ctx context.Context, _ CompletionRequest) (CompletionResult, error) {
		<-ctx.Done()
		// Outlive the deadline so both signals have fired by classification time.
		time.Sleep(80 * time.Millisecond)
		return CompletionResult{}, ctx.Err()
	}}
	c := NewClient(p, ClientConfig{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := c.Invoke(ctx, CompletionRequest{Turns: userTurn("x"), Timeout: 40 * time.Millisecond})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestInvoke_DeadlineBeforeAbortWins(t *testing.T) {
	p := &fakeProvider{complete: func(ctx context.Context, _ CompletionRequest) (CompletionResult, error) {
		<-ctx.Done()
		time.Sleep(80 * time.Millisecond)
		return CompletionResult{}, ctx.Err()
	}}
	c := NewClient(p, ClientConfig{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(40*time.Millisecond, cancel)
	defer cancel()
	_, err := c.Invoke(ctx, CompletionRequest{Turns: userTurn("x"), Timeout: 10 * time.Millisecond})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(10), te.TimeoutMs)
}

func TestInvoke_RateLimited(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		body    string
		want    *int64
	}{
		{"retry-after seconds", map[string]string{"Retry-After": "2"}, `{"error":{"message":"slow down"}}`, ptr(2000)},
		{"message hint", nil, `{"error":{"message":"Rate limit reached. Please try again in 20ms."}}`, ptr(20)},
		{"no hint", nil, `{"error":{"message":"quota"}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(NewOpenAIProvider("", srv.URL, nil), ClientConfig{DefaultModel: "m"}, testLogger())
			_, err := c.Invoke(context.Background(), CompletionRequest{Turns: userTurn("hi"), Operation: "overseer_turn"})
			var rl *RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, tt.want, rl.RetryAfterMs)
			assert.Equal(t, "overseer_turn", rl.Operation)
		})
	}
}

func TestInvoke_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c := NewClient(NewOpenAIProvider("", srv.URL, nil), ClientConfig{DefaultModel: "m"}, testLogger())
	_, err := c.Invoke(context.Background(), CompletionRequest{Turns: userTurn("hi")})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadGateway, pe.StatusCode)
	assert.Equal(t, "openai", pe.Provider)
	assert.Contains(t, pe.Message, "upstream exploded")
}

func TestInvoke_UntypedProviderFailures(t *testing.T) {
	p := &fakeProvider{complete: func(context.Context, CompletionRequest) (CompletionResult, error) {
		return CompletionResult{}, errors.New("429 Too Many Requests, try again in 3s")
	}}
	c := NewClient(p, ClientConfig{}, testLogger())
	_, err := c.Invoke(context.Background(), CompletionRequest{Turns: userTurn("x")})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, ptr(3000), rl.RetryAfterMs)

	p.complete = func(context.Context, CompletionRequest) (CompletionResult, error) {
		return CompletionResult{}, errors.New("connection reset")
	}
	_, err = c.Invoke(context.Background(), CompletionRequest{Turns: userTurn("x")})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "fake", pe.Provider)
}

func TestInvoke_EmptyConversation(t *testing.T) {
	p := &fakeProvider{complete: func(context.Context, CompletionRequest) (CompletionResult, error) {
		t.Fatal("provider must not be called")
		return CompletionResult{}, nil
	}}
	c := NewClient(p, ClientConfig{}, testLogger())

	_, err := c.Invoke(context.Background(), CompletionRequest{Turns: []Turn{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "   "},
	}})
	assert.ErrorIs(t, err, ErrEmptyConversation)
}

func TestInvoke_DefaultsAndOverrides(t *testing.T) {
	p := &fakeProvider{complete: func(context.Context, CompletionRequest) (CompletionResult, error) {
		return CompletionResult{Text: "ok"}, nil
	}}
	c := NewClient(p, ClientConfig{DefaultModel: "default-model", DefaultTemperature: Float64(0.7)}, testLogger())

	_, err := c.Invoke(context.Background(), CompletionRequest{Turns: userTurn("x")})
	require.NoError(t, err)
	assert.Equal(t, "default-model", p.last().Model)
	assert.InDelta(t, 0.7, *p.last().Temperature, 1e-9)

	_, err = c.Invoke(context.Background(), CompletionRequest{Turns: userTurn("x"), Model: "layer-model", Temperature: Float64(0)})
	require.NoError(t, err)
	assert.Equal(t, "layer-model", p.last().Model)
	assert.InDelta(t, 0.0, *p.last().Temperature, 1e-9)
}
