package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/electionarchive/form20-extract/internal/document"
	"github.com/electionarchive/form20-extract/internal/store"
)

func exportStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()

	score := func(v float64) *float64 { return &v }
	count := func(v int) *int { return &v }
	now := time.Now().UTC()

	records := []document.Record{
		{
			ID: 216, District: "Pune", Tier: document.Tier1, Status: document.StatusCompleted,
			AttemptCount: 1, QualityScore: score(0.95), RecordCount: count(307), ExtractedAt: &now,
			Fields: &document.Fields{
				ConstituencyNumber: 216,
				ConstituencyName:   "PUNE CANTONMENT",
				TotalElectors:      308272,
				ElectedPerson:      "SUNITA PATIL",
			},
		},
		{ID: 12, Tier: document.Tier2, Status: document.StatusNeedsReview, AttemptCount: 1, QualityScore: score(0.6)},
		{ID: 307, Tier: document.Tier3, Status: document.StatusFailed, AttemptCount: 3, LastError: "timeout"},
	}

	st, err := store.Create(filepath.Join(dir, "progress.json"), filepath.Join(dir, "checkpoints"), 10, records)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestBuild(t *testing.T) {
	art := New(exportStore(t)).Build()

	want := Summary{Total: 3, Completed: 1, Failed: 1, NeedsReview: 1, TotalRecords: 307}
	if art.Summary != want {
		t.Errorf("Summary = %+v, want %+v", art.Summary, want)
	}
	if len(art.Documents) != 1 {
		t.Fatalf("got %d documents, want only completed ones", len(art.Documents))
	}
	doc := art.Documents[0]
	if doc.ID != 216 || doc.QualityScore != 0.95 || doc.RecordCount != 307 {
		t.Errorf("document = %+v", doc)
	}
	if doc.Fields == nil || doc.Fields.ElectedPerson != "SUNITA PATIL" {
		t.Errorf("fields = %+v", doc.Fields)
	}
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "final.json")
	if _, err := New(exportStore(t)).WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var art Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		t.Fatalf("artifact is not valid JSON: %v", err)
	}
	if art.RunID == "" || art.Summary.Completed != 1 {
		t.Errorf("artifact = %+v", art.Summary)
	}
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "final.xlsx")
	if _, err := New(exportStore(t)).WriteXLSX(path); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Error("spreadsheet is empty")
	}
}
