package contextwin

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/ashita-ai/sensei/internal/model"
	"github.com/ashita-ai/sensei/internal/service/embedding"
)

// Ranker scores candidate documents against a query. Higher is more relevant.
// Scores must be a pure function of (query, docs); ties are broken by the assembler.
type Ranker interface {
	Name() string
	Score(ctx context.Context, query string, docs []model.Document) ([]float64, error)
}

// LexicalRanker scores by distinct query-term overlap, normalized by the
// square root of the document's token count so long transcripts do not win
// on volume alone.
type LexicalRanker struct{}

func (LexicalRanker) Name() string { return "lexical" }

func (LexicalRanker) Score(_ context.Context, query string, docs []model.Document) ([]float64, error) {
	terms := map[string]struct{}{}
	for _, t := range tokenize(query) {
		terms[t] = struct{}{}
	}
	scores := make([]float64, len(docs))
	if len(terms) == 0 {
		return scores, nil
	}
	for i, d := range docs {
		tokens := tokenize(d.ContentText)
		if len(tokens) == 0 {
			continue
		}
		seen := map[string]struct{}{}
		for _, t := range tokens {
			if _, ok := terms[t]; ok {
				seen[t] = struct{}{}
			}
		}
		scores[i] = float64(len(seen)) / math.Sqrt(float64(len(tokens)))
	}
	return scores, nil
}

// RecencyRanker gives every document the same score, so ordering falls
// through to the newest-first tie-break.
type RecencyRanker struct{}

func (RecencyRanker) Name() string { return "recency" }

func (RecencyRanker) Score(_ context.Context, _ string, docs []model.Document) ([]float64, error) {
	return make([]float64, len(docs)), nil
}

// EmbeddingRanker scores by cosine similarity between the query embedding and
// each document's stored embedding. Documents without a compatible embedding score 0.
type EmbeddingRanker struct {
	provider embedding.Provider
}

// NewEmbeddingRanker creates a ranker backed by provider.
func NewEmbeddingRanker(provider embedding.Provider) *EmbeddingRanker {
	return &EmbeddingRanker{provider: provider}
}

func (r *EmbeddingRanker) Name() string { return "embedding" }

func (r *EmbeddingRanker) Score(ctx context.Context, query string, docs []model.Document) ([]float64, error) {
	scores := make([]float64, len(docs))
	if strings.TrimSpace(query) == "" || len(docs) == 0 {
		return scores, nil
	}
	qv, err := r.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("contextwin: embed query: %w", err)
	}
	q := qv.Slice()
	for i, d := range docs {
		if d.Embedding == nil {
			continue
		}
		scores[i] = cosine(q, d.Embedding.Slice())
	}
	return scores, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// tokenize lowercases and splits on anything that is not a letter or digit,
// dropping single-character tokens.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// RankerByName resolves a configured ranker. provider is only used by "embedding".
func RankerByName(name string, provider embedding.Provider) (Ranker, error) {
	switch name {
	case "", "lexical":
		return LexicalRanker{}, nil
	case "recency":
		return RecencyRanker{}, nil
	case "embedding":
		if provider == nil {
			return nil, fmt.Errorf("contextwin: embedding ranker requires an embedding provider")
		}
		if _, noop := provider.(*embedding.NoopProvider); noop {
			return nil, fmt.Errorf("contextwin: embedding ranker cannot use the noop provider")
		}
		return NewEmbeddingRanker(provider), nil
	default:
		return nil, fmt.Errorf("contextwin: unknown ranker %q", name)
	}
}
