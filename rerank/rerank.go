// Package rerank implements the mandatory second-stage reorder: a
// cross-encoder scores each (query, candidate) pair jointly, independent
// of the first-stage distance ranking, and the top-N survivors become the
// evidence set for extraction.
package rerank

import (
	"context"
	"fmt"
	"sort"

	"github.com/abelrugaju/opencontracts/retrieval"
)

// Scorer is the cross-encoder relevance model. Score returns one
// relevance score per text, higher meaning more relevant to the query.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Scored is a candidate with its cross-encoder relevance.
type Scored struct {
	retrieval.Candidate
	Relevance float64 `json:"relevance"`
}

// Reranker re-scores first-stage candidates with a cross-encoder and
// truncates to the top-N. First-stage distances are never trusted as
// final: every candidate is re-scored from scratch.
type Reranker struct {
	scorer Scorer
	topN   int
}

// New creates a reranker with the given default top-N (5 if zero).
func New(scorer Scorer, topN int) *Reranker {
	if topN == 0 {
		topN = 5
	}
	return &Reranker{scorer: scorer, topN: topN}
}

// Rerank scores candidates against the query and returns at most
// min(n, len(candidates)) results ordered by descending relevance.
// When query is empty the candidates' own text order is meaningless to a
// cross-encoder, so the caller should pass the column's free-text query;
// an empty query is still scored (the model sees an empty left side).
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, n int) ([]Scored, error) {
	if n <= 0 {
		n = r.topN
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	scores, err := r.scorer.Score(ctx, query, texts)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder scoring: %w", err)
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("cross-encoder returned %d scores for %d candidates",
			len(scores), len(candidates))
	}

	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		scored[i] = Scored{Candidate: c, Relevance: scores[i]}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Relevance > scored[j].Relevance
	})

	if len(scored) > n {
		scored = scored[:n]
	}
	return scored, nil
}
