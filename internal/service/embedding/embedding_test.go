package embedding

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sensei/internal/model"
)

func ollamaServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		vec := make([]float32, dims)
		vec[0] = float32(len(req.Prompt))
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaProvider(t *testing.T) {
	srv := ollamaServer(t, 8)
	p := NewOllamaProvider(srv.URL, "test-model", 8)
	assert.Equal(t, 8, p.Dimensions())

	vec, err := p.Embed(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, vec.Slice(), 8)
	assert.InDelta(t, 3.0, vec.Slice()[0], 1e-6)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.InDelta(t, float64(i+1), v.Slice()[0], 1e-6, "batch order preserved")
	}

	vecs, err = p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOllamaProviderErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}))
		defer srv.Close()
		_, err := NewOllamaProvider(srv.URL, "m", 8).Embed(context.Background(), "x")
		assert.ErrorContains(t, err, "status 500")
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		srv := ollamaServer(t, 4)
		_, err := NewOllamaProvider(srv.URL, "m", 8).Embed(context.Background(), "x")
		assert.ErrorContains(t, err, "returned 4 dimensions")
	})

	t.Run("batch failure surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer srv.Close()
		_, err := NewOllamaProvider(srv.URL, "m", 8).EmbedBatch(context.Background(), []string{"a", "b"})
		assert.ErrorContains(t, err, "batch item")
	})
}

func TestOpenAIProvider(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		// Deliberately out of order.
		_, _ = io.WriteString(w, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL, "text-embedding-3-small", 2)
	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vecs[0].Slice())
	assert.Equal(t, []float32{0, 1}, vecs[1].Slice())
	assert.Equal(t, 2, got.Dimensions)
	assert.Equal(t, []string{"first", "second"}, got.Input)
}

func TestOpenAIProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()
	_, err := NewOpenAIProvider("", srv.URL, "m", 2).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "status 429")

	short := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"index":0,"embedding":[1,0]}]}`)
	}))
	defer short.Close()
	_, err = NewOpenAIProvider("", short.URL, "m", 2).EmbedBatch(context.Background(), []string{"a", "b"})
	assert.ErrorContains(t, err, "expected 2 vectors")
}

type memDocs struct {
	mu   sync.Mutex
	docs []model.Document
}

func (m *memDocs) ListDocumentsMissingEmbedding(_ context.Context, limit int) ([]model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Document
	for _, d := range m.docs {
		if d.Embedding == nil && strings.TrimSpace(d.ContentText) != "" && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDocs) SetDocumentEmbedding(_ context.Context, id uuid.UUID, emb pgvector.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.docs {
		if m.docs[i].ID == id {
			m.docs[i].Embedding = &emb
		}
	}
	return nil
}

func TestBackfill(t *testing.T) {
	store := &memDocs{}
	for range 5 {
		store.docs = append(store.docs, model.Document{ID: uuid.New(), ContentText: "session notes"})
	}
	store.docs = append(store.docs, model.Document{ID: uuid.New(), ContentText: "  "})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, err := Backfill(context.Background(), store, NewNoopProvider(3), 2, logger)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Embedded)
	assert.Equal(t, 3, res.Batches)
	for _, d := range store.docs[:5] {
		require.NotNil(t, d.Embedding)
		assert.Len(t, d.Embedding.Slice(), 3)
	}
	assert.Nil(t, store.docs[5].Embedding)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", truncateRunes("héllo", 4))
	assert.Equal(t, "hi", truncateRunes("hi", 4))
}
