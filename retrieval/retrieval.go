// Package retrieval implements first-stage candidate retrieval over a
// document's annotation index: query-vector construction (including the
// multi-example averaging path) and top-K nearest-neighbor ranking by
// cosine distance.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/abelrugaju/opencontracts/llm"
	"github.com/abelrugaju/opencontracts/store"
)

// ErrEmbeddingFailed is returned when no query example could be embedded.
var ErrEmbeddingFailed = errors.New("retrieval: embedding generation failed")

// ExampleDelimiter separates multiple query examples in a column's match
// text. Each example is embedded independently and the vectors are
// averaged component-wise into a single query vector.
const ExampleDelimiter = "|||"

// Config holds retrieval engine configuration.
type Config struct {
	TopK int // first-stage candidate count (default 15)
}

// Candidate is one retrieved annotation with its first-stage distance
// (lower is closer).
type Candidate struct {
	AnnotationID int64   `json:"annotation_id"`
	DocumentID   int64   `json:"document_id"`
	Text         string  `json:"text"`
	Page         int     `json:"page"`
	Label        string  `json:"label,omitempty"`
	Distance     float64 `json:"distance"`
}

// Engine retrieves candidate annotations for a column's query against one
// document. It holds no mutable state between invocations.
type Engine struct {
	store    *store.Store
	embedder llm.Provider
	cfg      Config
}

// New creates a retrieval engine.
func New(s *store.Store, embedder llm.Provider, cfg Config) *Engine {
	if cfg.TopK == 0 {
		cfg.TopK = 15
	}
	return &Engine{store: s, embedder: embedder, cfg: cfg}
}

// Retrieve returns the top-k annotations of a document nearest to the
// column's query. Two paths:
//
//   - averaged-vector: the match text contains the example delimiter; each
//     example is embedded independently and the mean vector ranks the
//     document's annotations (honoring the must-contain-text predicate).
//   - direct: the raw match text (or free-text query when match text is
//     empty) is embedded once and ranked via the KNN index, or in-process
//     when a must-contain-text predicate forces pre-filtering.
func (e *Engine) Retrieve(ctx context.Context, docID int64, col *store.Column, k int) ([]Candidate, error) {
	if k <= 0 {
		k = e.cfg.TopK
	}

	if strings.Contains(col.MatchText, ExampleDelimiter) {
		queryVec, err := e.QueryVector(ctx, col.MatchText)
		if err != nil {
			return nil, err
		}
		return e.rankFiltered(ctx, docID, queryVec, col.MustContainText, k)
	}

	queryText := col.MatchText
	if queryText == "" {
		queryText = col.Query
	}
	if queryText == "" {
		return nil, fmt.Errorf("column %d has neither match text nor query", col.ID)
	}

	embeddings, err := e.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", ErrEmbeddingFailed)
	}
	queryVec := embeddings[0]

	if col.MustContainText != "" {
		return e.rankFiltered(ctx, docID, queryVec, col.MustContainText, k)
	}

	scored, err := e.store.AnnotationKNN(ctx, docID, queryVec, k)
	if err != nil {
		return nil, fmt.Errorf("annotation knn: %w", err)
	}
	return toCandidates(scored), nil
}

// QueryVector builds a single query vector from a multi-example match
// text: split on the delimiter, embed each example, average the vectors.
// Examples whose embedding fails are skipped; at least one must succeed.
func (e *Engine) QueryVector(ctx context.Context, matchText string) ([]float32, error) {
	var examples []string
	for _, part := range strings.Split(matchText, ExampleDelimiter) {
		if t := strings.TrimSpace(part); t != "" {
			examples = append(examples, t)
		}
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("match text contains no examples")
	}

	vectors := make([][]float32, 0, len(examples))
	embeddings, err := e.embedder.Embed(ctx, examples)
	if err != nil {
		// Batch failed — fall back to embedding each example individually
		// so one bad example doesn't lose the entire query.
		slog.Warn("retrieval: batch embed failed, falling back to individual",
			"examples", len(examples), "error", err)
		for _, ex := range examples {
			single, serr := e.embedder.Embed(ctx, []string{ex})
			if serr != nil || len(single) == 0 || len(single[0]) == 0 {
				slog.Warn("retrieval: example embed failed, skipping",
					"example_len", len(ex), "error", serr)
				continue
			}
			vectors = append(vectors, single[0])
		}
	} else {
		for _, v := range embeddings {
			if len(v) > 0 {
				vectors = append(vectors, v)
			}
		}
	}

	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: all %d query examples failed", ErrEmbeddingFailed, len(examples))
	}

	return AverageVectors(vectors)
}

// rankFiltered loads the document's annotations (optionally filtered by a
// must-contain predicate), ranks them by cosine distance to the query
// vector in-process, and returns the top-k.
func (e *Engine) rankFiltered(ctx context.Context, docID int64, queryVec []float32, mustContain string, k int) ([]Candidate, error) {
	anns, err := e.store.GetAnnotationsByDocument(ctx, docID, mustContain)
	if err != nil {
		return nil, fmt.Errorf("loading annotations: %w", err)
	}

	candidates := make([]Candidate, 0, len(anns))
	for _, a := range anns {
		if len(a.Embedding) == 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			AnnotationID: a.ID,
			DocumentID:   a.DocumentID,
			Text:         a.RawText,
			Page:         a.Page,
			Label:        a.Label,
			Distance:     CosineDistance(queryVec, a.Embedding),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func toCandidates(scored []store.ScoredAnnotation) []Candidate {
	out := make([]Candidate, len(scored))
	for i, s := range scored {
		out[i] = Candidate{
			AnnotationID: s.ID,
			DocumentID:   s.DocumentID,
			Text:         s.RawText,
			Page:         s.Page,
			Label:        s.Label,
			Distance:     s.Distance,
		}
	}
	return out
}
