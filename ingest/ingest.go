// Package ingest loads documents into the annotation index: PDF text
// extraction, paragraph segmentation, embedding, and storage. Each
// paragraph becomes one annotation, the retrievable unit of evidence.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/abelrugaju/opencontracts/llm"
	"github.com/abelrugaju/opencontracts/store"
)

// Ingestor parses documents and indexes their annotations.
type Ingestor struct {
	store    *store.Store
	embedder llm.Provider
}

// New creates an ingestor.
func New(s *store.Store, embedder llm.Provider) *Ingestor {
	return &Ingestor{store: s, embedder: embedder}
}

// Result summarises one ingestion run.
type Result struct {
	DocumentID  int64 `json:"document_id"`
	Annotations int   `json:"annotations"`
	Pages       int   `json:"pages"`
	Embedded    int   `json:"embedded"`
}

// IngestPDF parses a PDF file, segments its pages into paragraph
// annotations, embeds them, and stores everything under a new document
// record. Paragraphs whose embedding fails are stored without a vector;
// they remain reachable through the filtered retrieval path.
func (g *Ingestor) IngestPDF(ctx context.Context, path string) (*Result, error) {
	hash, err := fileHash(path)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}

	paragraphs, pages, err := extractParagraphs(path)
	if err != nil {
		return nil, err
	}
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("no extractable text in %s", path)
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	docID, err := g.store.CreateDocument(ctx, store.Document{
		Title:       title,
		ContentHash: hash,
	})
	if err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}

	anns := make([]store.Annotation, len(paragraphs))
	texts := make([]string, len(paragraphs))
	for i, p := range paragraphs {
		anns[i] = store.Annotation{RawText: p.text, Page: p.page}
		texts[i] = p.text
	}

	embedded := g.embedBatch(ctx, texts, anns)

	if _, err := g.store.InsertAnnotations(ctx, docID, anns); err != nil {
		return nil, fmt.Errorf("inserting annotations: %w", err)
	}

	slog.Info("document ingested",
		"document", docID, "title", title,
		"pages", pages, "annotations", len(anns), "embedded", embedded)

	return &Result{
		DocumentID:  docID,
		Annotations: len(anns),
		Pages:       pages,
		Embedded:    embedded,
	}, nil
}

// IngestText indexes a pre-extracted plain text under a new document
// record, splitting on blank lines. Page numbers are all 1; plain text
// carries no pagination.
func (g *Ingestor) IngestText(ctx context.Context, title, text string) (*Result, error) {
	var paragraphs []paragraph
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if len(block) < minParagraphLen {
			continue
		}
		paragraphs = append(paragraphs, paragraph{text: block, page: 1})
	}
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("no paragraphs in text for %q", title)
	}

	sum := sha256.Sum256([]byte(text))
	docID, err := g.store.CreateDocument(ctx, store.Document{
		Title:       title,
		ContentHash: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}

	anns := make([]store.Annotation, len(paragraphs))
	texts := make([]string, len(paragraphs))
	for i, p := range paragraphs {
		anns[i] = store.Annotation{RawText: p.text, Page: p.page}
		texts[i] = p.text
	}
	embedded := g.embedBatch(ctx, texts, anns)

	if _, err := g.store.InsertAnnotations(ctx, docID, anns); err != nil {
		return nil, fmt.Errorf("inserting annotations: %w", err)
	}

	return &Result{
		DocumentID:  docID,
		Annotations: len(anns),
		Pages:       1,
		Embedded:    embedded,
	}, nil
}

// embedBatch embeds all texts in one call, falling back to per-item
// embedding when the batch fails so one bad paragraph doesn't lose the
// whole document's index. Returns the number of vectors stored.
func (g *Ingestor) embedBatch(ctx context.Context, texts []string, anns []store.Annotation) int {
	embedded := 0
	vectors, err := g.embedder.Embed(ctx, texts)
	if err == nil && len(vectors) == len(texts) {
		for i, v := range vectors {
			if len(v) > 0 {
				anns[i].Embedding = v
				embedded++
			}
		}
		return embedded
	}

	slog.Warn("ingest: batch embed failed, falling back to individual",
		"paragraphs", len(texts), "error", err)
	for i, t := range texts {
		single, serr := g.embedder.Embed(ctx, []string{t})
		if serr != nil || len(single) == 0 || len(single[0]) == 0 {
			slog.Warn("ingest: paragraph embed failed, storing without vector",
				"page", anns[i].Page, "error", serr)
			continue
		}
		anns[i].Embedding = single[0]
		embedded++
	}
	return embedded
}

// EmbedMissing backfills vectors for a document's annotations that were
// stored without one (the embedder was down during ingestion). Returns
// the number of vectors added; annotations that still fail are left for
// a later run.
func (g *Ingestor) EmbedMissing(ctx context.Context, docID int64) (int, error) {
	anns, err := g.store.GetAnnotationsByDocument(ctx, docID, "")
	if err != nil {
		return 0, fmt.Errorf("loading annotations: %w", err)
	}

	backfilled := 0
	for _, a := range anns {
		if len(a.Embedding) > 0 {
			continue
		}
		vectors, err := g.embedder.Embed(ctx, []string{a.RawText})
		if err != nil || len(vectors) == 0 || len(vectors[0]) == 0 {
			slog.Warn("ingest: backfill embed failed, skipping",
				"annotation", a.ID, "error", err)
			continue
		}
		if err := g.store.SetAnnotationEmbedding(ctx, a.ID, docID, vectors[0]); err != nil {
			return backfilled, fmt.Errorf("storing embedding for annotation %d: %w", a.ID, err)
		}
		backfilled++
	}

	if backfilled > 0 {
		slog.Info("embeddings backfilled", "document", docID, "annotations", backfilled)
	}
	return backfilled, nil
}

type paragraph struct {
	text string
	page int
}

// minParagraphLen drops page-number fragments and stray line noise.
const minParagraphLen = 20

// extractParagraphs pulls plain text from every page and splits it on
// blank lines. Pages that fail extraction are skipped, not fatal.
func extractParagraphs(path string) ([]paragraph, int, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	var paragraphs []paragraph
	totalPages := reader.NumPage()

	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("ingest: page extraction failed, skipping", "page", i, "error", err)
			continue
		}
		for _, block := range strings.Split(text, "\n\n") {
			block = strings.TrimSpace(block)
			if len(block) < minParagraphLen {
				continue
			}
			paragraphs = append(paragraphs, paragraph{text: block, page: i})
		}
	}

	return paragraphs, totalPages, nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
