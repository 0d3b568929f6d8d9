package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/abelrugaju/opencontracts/llm"
	"github.com/abelrugaju/opencontracts/store"
)

type fakeEmbedder struct {
	dim       int
	failBatch bool
	failTexts map[string]bool
}

func (f *fakeEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not a chat provider")
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.failBatch && len(texts) > 1 {
		return nil, errors.New("batch unavailable")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if f.failTexts[t] {
			if len(texts) == 1 {
				return nil, errors.New("embedding failed")
			}
			continue
		}
		v := make([]float32, f.dim)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 3)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const sampleText = `ARTICLE 1. DEFINITIONS

"Confidential Information" means all non-public information disclosed by either party under this Agreement.

ARTICLE 2. GOVERNING LAW

This Agreement shall be governed by and construed in accordance with the laws of the State of Delaware.`

func TestIngestText(t *testing.T) {
	s := testStore(t)
	g := New(s, &fakeEmbedder{dim: 3})
	ctx := context.Background()

	res, err := g.IngestText(ctx, "msa", sampleText)
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.Annotations == 0 {
		t.Fatal("no annotations produced")
	}
	if res.Embedded != res.Annotations {
		t.Errorf("embedded %d of %d annotations", res.Embedded, res.Annotations)
	}

	doc, err := s.GetDocument(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Title != "msa" {
		t.Errorf("title = %q", doc.Title)
	}
	if doc.ContentHash == "" {
		t.Error("content hash not recorded")
	}

	anns, err := s.GetAnnotationsByDocument(ctx, res.DocumentID, "")
	if err != nil {
		t.Fatalf("GetAnnotationsByDocument: %v", err)
	}
	if len(anns) != res.Annotations {
		t.Errorf("stored %d annotations, result says %d", len(anns), res.Annotations)
	}
	for _, a := range anns {
		if len(a.Embedding) != 3 {
			t.Errorf("annotation %d missing embedding", a.ID)
		}
	}
}

func TestIngestTextDropsShortFragments(t *testing.T) {
	s := testStore(t)
	g := New(s, &fakeEmbedder{dim: 3})

	res, err := g.IngestText(context.Background(), "doc",
		"12\n\nA paragraph that is comfortably longer than the minimum length.\n\np. 3")
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.Annotations != 1 {
		t.Errorf("expected page-number fragments dropped, got %d annotations", res.Annotations)
	}
}

func TestIngestTextEmbedFallback(t *testing.T) {
	// Batch fails, one paragraph fails individually: the rest are stored
	// with vectors, the bad one without.
	s := testStore(t)
	badParagraph := "This paragraph will fail to embed for mysterious reasons."
	g := New(s, &fakeEmbedder{
		dim:       3,
		failBatch: true,
		failTexts: map[string]bool{badParagraph: true},
	})

	text := "A perfectly normal first paragraph about governing law.\n\n" + badParagraph
	res, err := g.IngestText(context.Background(), "doc", text)
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.Annotations != 2 {
		t.Fatalf("expected 2 annotations, got %d", res.Annotations)
	}
	if res.Embedded != 1 {
		t.Errorf("expected 1 embedded, got %d", res.Embedded)
	}
}

func TestEmbedMissingBackfills(t *testing.T) {
	// Ingest with a broken embedder, then backfill once it recovers.
	s := testStore(t)
	badParagraph := "This paragraph will fail to embed for mysterious reasons."
	emb := &fakeEmbedder{
		dim:       3,
		failBatch: true,
		failTexts: map[string]bool{badParagraph: true},
	}
	g := New(s, emb)
	ctx := context.Background()

	text := "A perfectly normal first paragraph about governing law.\n\n" + badParagraph
	res, err := g.IngestText(ctx, "doc", text)
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.Embedded != 1 {
		t.Fatalf("expected 1 embedded at ingest, got %d", res.Embedded)
	}

	emb.failTexts = nil
	n, err := g.EmbedMissing(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("EmbedMissing: %v", err)
	}
	if n != 1 {
		t.Errorf("backfilled %d annotations, want 1", n)
	}

	anns, err := s.GetAnnotationsByDocument(ctx, res.DocumentID, "")
	if err != nil {
		t.Fatalf("GetAnnotationsByDocument: %v", err)
	}
	for _, a := range anns {
		if len(a.Embedding) != 3 {
			t.Errorf("annotation %d still missing embedding", a.ID)
		}
	}

	// Nothing left to backfill on a second run.
	n, err = g.EmbedMissing(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("EmbedMissing again: %v", err)
	}
	if n != 0 {
		t.Errorf("second backfill touched %d annotations, want 0", n)
	}
}

func TestIngestTextEmpty(t *testing.T) {
	s := testStore(t)
	g := New(s, &fakeEmbedder{dim: 3})
	if _, err := g.IngestText(context.Background(), "empty", "   \n\n  "); err == nil {
		t.Fatal("expected error for empty text")
	}
}
