package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, chunks []string, block bool) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	cancelled := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
			flusher.Flush()
		}
		if block {
			<-r.Context().Done()
			once.Do(func() { close(cancelled) })
			return
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)
	return srv, cancelled
}

func drain(s *Stream) []string {
	var out []string
	for d := range s.Deltas() {
		out = append(out, d)
	}
	return out
}

func TestStream_AggregatesDeltas(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`{"id":"chatcmpl-9","choices":[{"delta":{"content":"You "}}]}`,
		`{"id":"chatcmpl-9","choices":[{"delta":{"content":"did "}}]}`,
		`{"id":"chatcmpl-9","choices":[{"delta":{"content":"well."}}]}`,
		`{"id":"chatcmpl-9","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
	}, false)

	c := NewClient(NewOpenAIProvider("", srv.URL, nil), ClientConfig{DefaultModel: "m"}, testLogger())
	s, err := c.Stream(context.Background(), CompletionRequest{Turns: userTurn("how did I do?")})
	require.NoError(t, err)

	deltas := drain(s)
	res, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"You ", "did ", "well."}, deltas)
	assert.Equal(t, strings.Join(deltas, ""), res.Text)
	assert.Equal(t, "chatcmpl-9", res.ResponseID)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 8, res.Usage.TotalTokens)
}

func TestStream_CloseAborts(t *testing.T) {
	srv, cancelled := sseServer(t, []string{
		`{"id":"x","choices":[{"delta":{"content":"partial"}}]}`,
	}, true)

	c := NewClient(NewOpenAIProvider("", srv.URL, nil), ClientConfig{DefaultModel: "m", DefaultTimeout: 10 * time.Second}, testLogger())
	s, err := c.Stream(context.Background(), CompletionRequest{Turns: userTurn("hi")})
	require.NoError(t, err)

	select {
	case d := <-s.Deltas():
		assert.Equal(t, "partial", d)
	case <-time.After(3 * time.Second):
		t.Fatal("no delta received")
	}
	s.Close()
	_ = drain(s)

	_, err = s.Result()
	assert.ErrorIs(t, err, ErrAborted)
	waitClosed(t, cancelled, "upstream cancellation")
	s.Close()
}

func TestStream_Timeout(t *testing.T) {
	srv, cancelled := sseServer(t, nil, true)

	c := NewClient(NewOpenAIProvider("", srv.URL, nil), ClientConfig{DefaultModel: "m"}, testLogger())
	s, err := c.Stream(context.Background(), CompletionRequest{Turns: userTurn("hi"), Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, drain(s))

	_, err = s.Result()
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(50), te.TimeoutMs)
	waitClosed(t, cancelled, "upstream cancellation")
}

func TestStream_ValidationIsSynchronous(t *testing.T) {
	c := NewClient(&fakeProvider{}, ClientConfig{}, testLogger())
	s, err := c.Stream(context.Background(), CompletionRequest{})
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrEmptyConversation)
}
