package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/abelrugaju/opencontracts/llm"
)

// fakeEmbedder returns canned vectors keyed by text. Texts without an
// entry fail, either per-text or by failing the whole batch.
type fakeEmbedder struct {
	vectors   map[string][]float32
	failBatch bool
	calls     int
}

func (f *fakeEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("not a chat provider")
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failBatch && len(texts) > 1 {
		return nil, fmt.Errorf("batch embedding unavailable")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			if len(texts) == 1 {
				return nil, fmt.Errorf("no embedding for %q", t)
			}
			continue
		}
		out[i] = v
	}
	return out, nil
}

func TestQueryVectorAveragesExamples(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"termination for cause":      {1, 0, 0},
		"termination by convenience": {0, 1, 0},
	}}
	e := New(nil, embedder, Config{})

	vec, err := e.QueryVector(context.Background(),
		"termination for cause ||| termination by convenience")
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}

	want := []float32{0.5, 0.5, 0}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("component %d: got %f, want %f", i, vec[i], want[i])
		}
	}
}

func TestQueryVectorSkipsFailedExamples(t *testing.T) {
	// The batch fails, forcing the per-example fallback; "garbled" has no
	// embedding and must be skipped without losing the query.
	embedder := &fakeEmbedder{
		vectors:   map[string][]float32{"good example": {2, 4, 6}},
		failBatch: true,
	}
	e := New(nil, embedder, Config{})

	vec, err := e.QueryVector(context.Background(), "good example ||| garbled")
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	want := []float32{2, 4, 6}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("component %d: got %f, want %f", i, vec[i], want[i])
		}
	}
}

func TestQueryVectorAllExamplesFail(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{}, failBatch: true}
	e := New(nil, embedder, Config{})

	if _, err := e.QueryVector(context.Background(), "alpha ||| beta"); err == nil {
		t.Fatal("expected error when every example fails embedding")
	}
}

func TestQueryVectorTrimsAndDropsEmptyExamples(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"only example": {1, 1},
	}}
	e := New(nil, embedder, Config{})

	vec, err := e.QueryVector(context.Background(), "  only example  |||   ")
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	if vec[0] != 1 || vec[1] != 1 {
		t.Errorf("got %v, want [1 1]", vec)
	}
}

func TestQueryVectorNoExamples(t *testing.T) {
	e := New(nil, &fakeEmbedder{}, Config{})
	if _, err := e.QueryVector(context.Background(), " ||| "); err == nil {
		t.Fatal("expected error for match text with no examples")
	}
}
