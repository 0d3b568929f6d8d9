package rerank

import (
	"context"
	"fmt"
	"testing"

	"github.com/abelrugaju/opencontracts/retrieval"
)

// fakeScorer returns canned relevance scores keyed by text.
type fakeScorer struct {
	scores map[string]float64
	err    error
}

func (f *fakeScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(texts))
	for i, t := range texts {
		out[i] = f.scores[t]
	}
	return out, nil
}

func candidates(texts ...string) []retrieval.Candidate {
	out := make([]retrieval.Candidate, len(texts))
	for i, t := range texts {
		// Ascending distances: first-stage order is input order.
		out[i] = retrieval.Candidate{AnnotationID: int64(i + 1), Text: t, Distance: float64(i) * 0.1}
	}
	return out
}

func TestRerankReordersIndependentOfDistance(t *testing.T) {
	// The cross-encoder disagrees with the first stage: the last candidate
	// by distance is the most relevant.
	scorer := &fakeScorer{scores: map[string]float64{
		"a": 0.1,
		"b": 0.5,
		"c": 0.9,
	}}
	r := New(scorer, 5)

	scored, err := r.Rerank(context.Background(), "query", candidates("a", "b", "c"), 3)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(scored) != 3 {
		t.Fatalf("expected 3 results, got %d", len(scored))
	}
	if scored[0].Text != "c" || scored[1].Text != "b" || scored[2].Text != "a" {
		t.Errorf("wrong order: %q, %q, %q", scored[0].Text, scored[1].Text, scored[2].Text)
	}
}

func TestRerankTruncatesToN(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]float64{"a": 3, "b": 2, "c": 1}}
	r := New(scorer, 5)

	scored, err := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 2)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("expected 2 results, got %d", len(scored))
	}
	if scored[0].Text != "a" || scored[1].Text != "b" {
		t.Errorf("wrong survivors: %q, %q", scored[0].Text, scored[1].Text)
	}
}

func TestRerankFewerCandidatesThanN(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]float64{"a": 1, "b": 2}}
	r := New(scorer, 5)

	scored, err := r.Rerank(context.Background(), "q", candidates("a", "b"), 5)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(scored) != 2 {
		t.Errorf("expected min(n, len) = 2 results, got %d", len(scored))
	}
}

func TestRerankDefaultTopN(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]float64{}}
	r := New(scorer, 0) // default 5

	in := candidates("a", "b", "c", "d", "e", "f", "g")
	scored, err := r.Rerank(context.Background(), "q", in, 0)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(scored) != 5 {
		t.Errorf("expected default top-5, got %d", len(scored))
	}
}

func TestRerankEmptyCandidates(t *testing.T) {
	r := New(&fakeScorer{}, 5)
	scored, err := r.Rerank(context.Background(), "q", nil, 5)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if scored != nil {
		t.Errorf("expected nil for no candidates, got %v", scored)
	}
}

func TestRerankScorerError(t *testing.T) {
	r := New(&fakeScorer{err: fmt.Errorf("service down")}, 5)
	if _, err := r.Rerank(context.Background(), "q", candidates("a"), 5); err == nil {
		t.Fatal("expected error when scorer fails")
	}
}

func TestRerankScoreCountMismatch(t *testing.T) {
	r := New(scorerFunc(func(ctx context.Context, q string, texts []string) ([]float64, error) {
		return []float64{1}, nil // wrong length
	}), 5)
	if _, err := r.Rerank(context.Background(), "q", candidates("a", "b"), 5); err == nil {
		t.Fatal("expected error on score count mismatch")
	}
}

type scorerFunc func(ctx context.Context, query string, texts []string) ([]float64, error)

func (f scorerFunc) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	return f(ctx, query, texts)
}
