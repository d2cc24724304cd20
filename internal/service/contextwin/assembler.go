// Package contextwin assembles the document context window for a model call:
// it ranks a client's documents against a query and greedily packs whole
// excerpts into a character budget.
package contextwin

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sensei/internal/model"
	"github.com/ashita-ai/sensei/internal/telemetry"
)

// DefaultMaxExcerptChars bounds a single document's excerpt.
const DefaultMaxExcerptChars = 4000

// DocumentSource lists a client's candidate documents.
type DocumentSource interface {
	ListClientDocuments(ctx context.Context, clientID uuid.UUID) ([]model.Document, error)
}

// Result is an assembled context window. Text is empty when nothing was selected.
type Result struct {
	Text           string
	Sources        []model.ContextSource
	DocsConsidered int
	TotalChars     int
}

// Assembler builds context windows. It holds no per-call state: the same
// stored documents, query, and budget always produce the same Result.
type Assembler struct {
	docs            DocumentSource
	ranker          Ranker
	maxExcerptChars int
	logger          *slog.Logger
	chars           metric.Int64Histogram
}

// New creates an Assembler. A nil ranker means LexicalRanker.
func New(docs DocumentSource, ranker Ranker, maxExcerptChars int, logger *slog.Logger) *Assembler {
	if ranker == nil {
		ranker = LexicalRanker{}
	}
	if maxExcerptChars <= 0 {
		maxExcerptChars = DefaultMaxExcerptChars
	}
	chars, _ := telemetry.Meter("sensei/contextwin").Int64Histogram("sensei.context.chars",
		metric.WithDescription("Excerpt characters selected per context window"),
	)
	return &Assembler{
		docs:            docs,
		ranker:          ranker,
		maxExcerptChars: maxExcerptChars,
		logger:          logger,
		chars:           chars,
	}
}

type candidate struct {
	doc     model.Document
	excerpt string
	charLen int
	score   float64
}

// Assemble ranks the client's documents against query and accepts whole
// excerpts in rank order, stopping at the first one that would push the
// excerpt total past budgetChars. Section headers are not counted.
func (a *Assembler) Assemble(ctx context.Context, clientID uuid.UUID, query string, budgetChars int) (Result, error) {
	docs, err := a.docs.ListClientDocuments(ctx, clientID)
	if err != nil {
		return Result{}, fmt.Errorf("contextwin: list documents: %w", err)
	}

	var usable []model.Document
	for _, d := range docs {
		if strings.TrimSpace(d.ContentText) != "" {
			usable = append(usable, d)
		}
	}
	res := Result{Sources: []model.ContextSource{}, DocsConsidered: len(usable)}
	if len(usable) == 0 {
		return res, nil
	}

	scores, err := a.ranker.Score(ctx, query, usable)
	if err != nil {
		return Result{}, fmt.Errorf("contextwin: rank (%s): %w", a.ranker.Name(), err)
	}
	if len(scores) != len(usable) {
		return Result{}, fmt.Errorf("contextwin: ranker %s returned %d scores for %d documents", a.ranker.Name(), len(scores), len(usable))
	}

	cands := make([]candidate, len(usable))
	for i, d := range usable {
		ex := excerpt(d.ContentText, a.maxExcerptChars)
		cands[i] = candidate{doc: d, excerpt: ex, charLen: utf8.RuneCountInString(ex), score: scores[i]}
	}
	slices.SortFunc(cands, compareCandidates)

	var sections []string
	for _, c := range cands {
		if res.TotalChars+c.charLen > budgetChars {
			break
		}
		res.TotalChars += c.charLen
		res.Sources = append(res.Sources, model.ContextSource{
			DocumentID: c.doc.ID,
			Filename:   c.doc.Filename,
			Excerpt:    c.excerpt,
			Score:      c.score,
			CharLen:    c.charLen,
			CreatedAt:  c.doc.CreatedAt,
		})
		sections = append(sections, fmt.Sprintf("### %s (%s)\n%s", c.doc.Filename, c.doc.CreatedAt.UTC().Format("2006-01-02"), c.excerpt))
	}
	res.Text = strings.Join(sections, "\n\n")

	a.chars.Record(ctx, int64(res.TotalChars), metric.WithAttributes(attribute.String("ranker", a.ranker.Name())))
	a.logger.Debug("context assembled",
		"client_id", clientID,
		"ranker", a.ranker.Name(),
		"docs_considered", res.DocsConsidered,
		"chunks_selected", len(res.Sources),
		"total_chars", res.TotalChars,
		"budget_chars", budgetChars,
	)
	return res, nil
}

// compareCandidates orders by score desc, then newer first, then document id
// asc, which makes the ordering total.
func compareCandidates(x, y candidate) int {
	if c := cmp.Compare(y.score, x.score); c != 0 {
		return c
	}
	if c := y.doc.CreatedAt.Compare(x.doc.CreatedAt); c != 0 {
		return c
	}
	return bytes.Compare(x.doc.ID[:], y.doc.ID[:])
}

// excerpt is the document's trimmed text capped at max runes.
func excerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	r := []rune(text)
	return strings.TrimSpace(string(r[:max]))
}
