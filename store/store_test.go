package store

import (
	"context"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), 3)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedJob creates one document, a fieldset with one column, and a job
// over both. Returns (jobID, docID, columnID).
func seedJob(t *testing.T, s *Store) (int64, int64, int64) {
	t.Helper()
	ctx := context.Background()

	docID, err := s.CreateDocument(ctx, Document{Title: "msa.pdf"})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	fsID, err := s.CreateFieldset(ctx, Fieldset{Name: "basic terms"})
	if err != nil {
		t.Fatalf("CreateFieldset: %v", err)
	}
	colID, err := s.CreateColumn(ctx, Column{
		FieldsetID: fsID,
		Name:       "governing law",
		OutputType: "text",
		MatchText:  "governing law",
	})
	if err != nil {
		t.Fatalf("CreateColumn: %v", err)
	}
	jobID, err := s.CreateJob(ctx, ExtractionJob{Ref: "job-ref-1", FieldsetID: fsID})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.AddJobDocuments(ctx, jobID, []int64{docID}); err != nil {
		t.Fatalf("AddJobDocuments: %v", err)
	}
	return jobID, docID, colID
}

func TestAnnotationRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	docID, err := s.CreateDocument(ctx, Document{Title: "doc"})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	ids, err := s.InsertAnnotations(ctx, docID, []Annotation{
		{RawText: "This Agreement shall be governed by Delaware law.", Page: 3, Embedding: []float32{1, 0, 0}},
		{RawText: "Payment is due within thirty days.", Page: 5, Embedding: []float32{0, 1, 0}},
		{RawText: "No embedding on this one.", Page: 6},
	})
	if err != nil {
		t.Fatalf("InsertAnnotations: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}

	anns, err := s.GetAnnotationsByDocument(ctx, docID, "")
	if err != nil {
		t.Fatalf("GetAnnotationsByDocument: %v", err)
	}
	if len(anns) != 3 {
		t.Fatalf("expected 3 annotations, got %d", len(anns))
	}
	if anns[0].Page != 3 || len(anns[0].Embedding) != 3 {
		t.Errorf("first annotation: page %d, embedding len %d", anns[0].Page, len(anns[0].Embedding))
	}
	if anns[2].Embedding != nil {
		t.Errorf("third annotation should have no embedding")
	}
}

func TestGetAnnotationsByDocumentMustContain(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	docID, _ := s.CreateDocument(ctx, Document{Title: "doc"})
	_, err := s.InsertAnnotations(ctx, docID, []Annotation{
		{RawText: "Termination for cause requires notice.", Page: 1},
		{RawText: "Payment schedule is quarterly.", Page: 2},
	})
	if err != nil {
		t.Fatalf("InsertAnnotations: %v", err)
	}

	anns, err := s.GetAnnotationsByDocument(ctx, docID, "termination")
	if err != nil {
		t.Fatalf("GetAnnotationsByDocument: %v", err)
	}
	if len(anns) != 1 {
		t.Fatalf("expected 1 filtered annotation, got %d", len(anns))
	}
	if anns[0].Page != 1 {
		t.Errorf("wrong annotation survived the filter: page %d", anns[0].Page)
	}
}

func TestAnnotationKNN(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	docA, _ := s.CreateDocument(ctx, Document{Title: "a"})
	docB, _ := s.CreateDocument(ctx, Document{Title: "b"})

	if _, err := s.InsertAnnotations(ctx, docA, []Annotation{
		{RawText: "close", Page: 1, Embedding: []float32{1, 0, 0}},
		{RawText: "far", Page: 2, Embedding: []float32{0, 1, 0}},
	}); err != nil {
		t.Fatalf("InsertAnnotations A: %v", err)
	}
	// Same vector in another document must not leak across the partition.
	if _, err := s.InsertAnnotations(ctx, docB, []Annotation{
		{RawText: "other doc", Page: 1, Embedding: []float32{1, 0, 0}},
	}); err != nil {
		t.Fatalf("InsertAnnotations B: %v", err)
	}

	results, err := s.AnnotationKNN(ctx, docA, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("AnnotationKNN: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results from document A only, got %d", len(results))
	}
	if results[0].RawText != "close" {
		t.Errorf("nearest = %q, want close", results[0].RawText)
	}
	if results[0].Distance >= results[1].Distance {
		t.Errorf("distances not ascending: %f, %f", results[0].Distance, results[1].Distance)
	}
	for _, r := range results {
		if r.DocumentID != docA {
			t.Errorf("result leaked from document %d", r.DocumentID)
		}
	}
}

func TestDatacellUniqueUnit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	jobID, docID, colID := seedJob(t, s)

	cell := Datacell{JobID: jobID, ColumnID: colID, DocumentID: docID, DataDefinition: "text"}
	if _, err := s.CreateDatacell(ctx, cell); err != nil {
		t.Fatalf("CreateDatacell: %v", err)
	}
	if _, err := s.CreateDatacell(ctx, cell); err == nil {
		t.Fatal("expected unique constraint violation for duplicate work unit")
	}
}

func TestDatacellTerminalTransitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	jobID, docID, colID := seedJob(t, s)

	id, err := s.CreateDatacell(ctx, Datacell{JobID: jobID, ColumnID: colID, DocumentID: docID, DataDefinition: "text"})
	if err != nil {
		t.Fatalf("CreateDatacell: %v", err)
	}

	ok, err := s.CompleteDatacell(ctx, id, `{"data": "Delaware"}`)
	if err != nil || !ok {
		t.Fatalf("CompleteDatacell: ok=%v err=%v", ok, err)
	}

	// Terminal states are immutable: neither transition may fire again.
	ok, err = s.CompleteDatacell(ctx, id, `{"data": "overwrite"}`)
	if err != nil {
		t.Fatalf("second CompleteDatacell: %v", err)
	}
	if ok {
		t.Error("completed cell accepted a second completion")
	}
	ok, err = s.FailDatacell(ctx, id, "late failure")
	if err != nil {
		t.Fatalf("FailDatacell: %v", err)
	}
	if ok {
		t.Error("completed cell accepted a failure transition")
	}

	cell, err := s.GetDatacell(ctx, id)
	if err != nil {
		t.Fatalf("GetDatacell: %v", err)
	}
	if cell.State() != "completed" {
		t.Errorf("state = %q, want completed", cell.State())
	}
	if cell.Data != `{"data": "Delaware"}` {
		t.Errorf("data overwritten: %q", cell.Data)
	}
	if cell.Stacktrace != "" {
		t.Errorf("stacktrace set on completed cell: %q", cell.Stacktrace)
	}
}

func TestDatacellFailTransition(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	jobID, docID, colID := seedJob(t, s)

	id, _ := s.CreateDatacell(ctx, Datacell{JobID: jobID, ColumnID: colID, DocumentID: docID, DataDefinition: "text"})

	ok, err := s.FailDatacell(ctx, id, "SchemaMismatch: output does not conform")
	if err != nil || !ok {
		t.Fatalf("FailDatacell: ok=%v err=%v", ok, err)
	}

	cell, _ := s.GetDatacell(ctx, id)
	if cell.State() != "failed" {
		t.Errorf("state = %q, want failed", cell.State())
	}
	if cell.Stacktrace == "" {
		t.Error("failure trace not recorded")
	}
}

func TestCountNonTerminalCells(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	jobID, docID, colID := seedJob(t, s)

	// Second column gives the job two cells.
	col2, err := s.CreateColumn(ctx, Column{FieldsetID: 1, Name: "term", OutputType: "text", MatchText: "term"})
	if err != nil {
		t.Fatalf("CreateColumn: %v", err)
	}
	c1, _ := s.CreateDatacell(ctx, Datacell{JobID: jobID, ColumnID: colID, DocumentID: docID, DataDefinition: "text"})
	c2, _ := s.CreateDatacell(ctx, Datacell{JobID: jobID, ColumnID: col2, DocumentID: docID, DataDefinition: "text"})

	n, err := s.CountNonTerminalCells(ctx, jobID)
	if err != nil || n != 2 {
		t.Fatalf("CountNonTerminalCells = %d, %v; want 2", n, err)
	}

	s.CompleteDatacell(ctx, c1, `{"data": null}`)
	n, _ = s.CountNonTerminalCells(ctx, jobID)
	if n != 1 {
		t.Errorf("after one completion: %d, want 1", n)
	}

	// A failed cell is terminal too; the barrier counts both kinds.
	s.FailDatacell(ctx, c2, "boom")
	n, _ = s.CountNonTerminalCells(ctx, jobID)
	if n != 0 {
		t.Errorf("after all terminal: %d, want 0", n)
	}
}

func TestFinishJobFiresOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	jobID, _, _ := seedJob(t, s)

	fired, err := s.FinishJob(ctx, jobID)
	if err != nil || !fired {
		t.Fatalf("first FinishJob: fired=%v err=%v", fired, err)
	}
	fired, err = s.FinishJob(ctx, jobID)
	if err != nil {
		t.Fatalf("second FinishJob: %v", err)
	}
	if fired {
		t.Error("completion barrier fired twice")
	}

	job, _ := s.GetJob(ctx, jobID)
	if job.Finished == "" {
		t.Error("finished timestamp not set")
	}
}

func TestDatacellSources(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	jobID, docID, colID := seedJob(t, s)

	annIDs, err := s.InsertAnnotations(ctx, docID, []Annotation{
		{RawText: "a", Page: 1},
		{RawText: "b", Page: 2},
	})
	if err != nil {
		t.Fatalf("InsertAnnotations: %v", err)
	}
	cellID, _ := s.CreateDatacell(ctx, Datacell{JobID: jobID, ColumnID: colID, DocumentID: docID, DataDefinition: "text"})

	if err := s.AddDatacellSources(ctx, cellID, annIDs); err != nil {
		t.Fatalf("AddDatacellSources: %v", err)
	}
	// Re-adding the same sources is idempotent.
	if err := s.AddDatacellSources(ctx, cellID, annIDs); err != nil {
		t.Fatalf("AddDatacellSources again: %v", err)
	}

	got, err := s.GetDatacellSources(ctx, cellID)
	if err != nil {
		t.Fatalf("GetDatacellSources: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 sources, got %d", len(got))
	}
}

func TestGetJobByRef(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	jobID, _, _ := seedJob(t, s)

	job, err := s.GetJobByRef(ctx, "job-ref-1")
	if err != nil {
		t.Fatalf("GetJobByRef: %v", err)
	}
	if job.ID != jobID {
		t.Errorf("job id = %d, want %d", job.ID, jobID)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	in := []float32{1.5, -2.25, 0, 3.125}
	out := deserializeFloat32(serializeFloat32(in))
	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("component %d: %f != %f", i, out[i], in[i])
		}
	}
}
