package export

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/abelrugaju/opencontracts"
	"github.com/abelrugaju/opencontracts/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 3)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRenderCell(t *testing.T) {
	tests := []struct {
		name   string
		cell   store.Datacell
		exists bool
		want   string
	}{
		{"missing unit", store.Datacell{}, false, ""},
		{"failed", store.Datacell{Failed: "2026-01-01", Stacktrace: "boom"}, true, "FAILED"},
		{"pending", store.Datacell{}, true, ""},
		{"string value", store.Datacell{Completed: "x", Data: `{"data": "Delaware"}`}, true, "Delaware"},
		{"null value", store.Datacell{Completed: "x", Data: `{"data": null}`}, true, ""},
		{"number value", store.Datacell{Completed: "x", Data: `{"data": 30}`}, true, "30"},
		{"list value", store.Datacell{Completed: "x", Data: `{"data": ["a", "b"]}`}, true, `["a","b"]`},
		{"object value", store.Datacell{Completed: "x", Data: `{"data": {"name": "Acme"}}`}, true, `{"name":"Acme"}`},
		{"malformed payload", store.Datacell{Completed: "x", Data: `not json`}, true, "not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderCell(tt.cell, tt.exists); got != tt.want {
				t.Errorf("renderCell = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteXLSXRequiresFinishedJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	fsID, _ := s.CreateFieldset(ctx, store.Fieldset{Name: "fs"})
	jobID, _ := s.CreateJob(ctx, store.ExtractionJob{Ref: "r1", FieldsetID: fsID})

	e := New(s)
	err := e.WriteXLSX(ctx, jobID, filepath.Join(t.TempDir(), "out.xlsx"))
	if !errors.Is(err, opencontracts.ErrJobNotFinished) {
		t.Fatalf("expected ErrJobNotFinished, got %v", err)
	}
}

func TestWriteXLSXGrid(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	docID, _ := s.CreateDocument(ctx, store.Document{Title: "msa"})
	annIDs, err := s.InsertAnnotations(ctx, docID, []store.Annotation{
		{RawText: "governed by Delaware law", Page: 1},
		{RawText: "choice of law clause", Page: 2},
	})
	if err != nil {
		t.Fatalf("InsertAnnotations: %v", err)
	}
	fsID, _ := s.CreateFieldset(ctx, store.Fieldset{Name: "fs"})
	lawCol, _ := s.CreateColumn(ctx, store.Column{FieldsetID: fsID, Name: "Governing Law", OutputType: "text"})
	daysCol, _ := s.CreateColumn(ctx, store.Column{FieldsetID: fsID, Name: "Notice Days", OutputType: "int"})

	jobID, _ := s.CreateJob(ctx, store.ExtractionJob{Ref: "r2", FieldsetID: fsID})
	if err := s.AddJobDocuments(ctx, jobID, []int64{docID}); err != nil {
		t.Fatalf("AddJobDocuments: %v", err)
	}

	c1, _ := s.CreateDatacell(ctx, store.Datacell{JobID: jobID, ColumnID: lawCol, DocumentID: docID, DataDefinition: "text"})
	c2, _ := s.CreateDatacell(ctx, store.Datacell{JobID: jobID, ColumnID: daysCol, DocumentID: docID, DataDefinition: "int"})
	if err := s.AddDatacellSources(ctx, c1, annIDs); err != nil {
		t.Fatalf("AddDatacellSources: %v", err)
	}
	if ok, err := s.CompleteDatacell(ctx, c1, `{"data": "Delaware"}`); err != nil || !ok {
		t.Fatalf("CompleteDatacell: ok=%v err=%v", ok, err)
	}
	if ok, err := s.FailDatacell(ctx, c2, "SchemaMismatch: not an integer"); err != nil || !ok {
		t.Fatalf("FailDatacell: ok=%v err=%v", ok, err)
	}
	if fired, err := s.FinishJob(ctx, jobID); err != nil || !fired {
		t.Fatalf("FinishJob: fired=%v err=%v", fired, err)
	}

	path := filepath.Join(t.TempDir(), "out.xlsx")
	if err := New(s).WriteXLSX(ctx, jobID, path); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("opening spreadsheet: %v", err)
	}
	defer f.Close()
	sheet := f.GetSheetName(0)

	check := func(cell, want string) {
		t.Helper()
		got, err := f.GetCellValue(sheet, cell)
		if err != nil {
			t.Fatalf("GetCellValue(%s): %v", cell, err)
		}
		if got != want {
			t.Errorf("%s = %q, want %q", cell, got, want)
		}
	}
	check("A1", "Document")
	check("B1", "Governing Law")
	check("C1", "Notice Days")
	check("A2", "msa")
	check("B2", "Delaware")
	check("C2", "FAILED")

	checkSrc := func(cell, want string) {
		t.Helper()
		got, err := f.GetCellValue("Sources", cell)
		if err != nil {
			t.Fatalf("GetCellValue(Sources!%s): %v", cell, err)
		}
		if got != want {
			t.Errorf("Sources!%s = %q, want %q", cell, got, want)
		}
	}
	checkSrc("A2", "msa")
	checkSrc("B2", "2")
	checkSrc("C2", "0")
}
