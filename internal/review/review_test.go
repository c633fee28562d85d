package review

import (
	"path/filepath"
	"testing"

	"github.com/electionarchive/form20-extract/internal/audit"
	"github.com/electionarchive/form20-extract/internal/config"
	"github.com/electionarchive/form20-extract/internal/document"
	"github.com/electionarchive/form20-extract/internal/store"
)

func TestGateDecide(t *testing.T) {
	g := NewGate(config.QualityConfig{Threshold: 0.85, MinStations: 1, MaxStations: 2000})

	tests := []struct {
		score float64
		count int
		want  document.Status
	}{
		{0.95, 250, document.StatusCompleted},
		{0.85, 250, document.StatusCompleted}, // boundary accepts
		{0.8499, 250, document.StatusNeedsReview},
		{0, 250, document.StatusNeedsReview},
		// A high score cannot buy acceptance of an implausible count.
		{0.90, 2500, document.StatusNeedsReview},
		{0.95, 0, document.StatusNeedsReview},
		{0.90, 2000, document.StatusCompleted}, // boundary of the plausible range
		{0.90, 1, document.StatusCompleted},
	}
	for _, tt := range tests {
		if got := g.Decide(tt.score, tt.count); got != tt.want {
			t.Errorf("Decide(%g, %d) = %s, want %s", tt.score, tt.count, got, tt.want)
		}
	}
}

func newService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()

	score := func(v float64) *float64 { return &v }
	count := func(v int) *int { return &v }
	records := []document.Record{
		{ID: 12, Status: document.StatusNeedsReview, Tier: document.Tier2, AttemptCount: 1, QualityScore: score(0.80), RecordCount: count(250)},
		{ID: 216, Status: document.StatusNeedsReview, Tier: document.Tier1, AttemptCount: 1, QualityScore: score(0.60), RecordCount: count(307)},
		{ID: 307, Status: document.StatusFailed, Tier: document.Tier3, AttemptCount: 3, LastError: "timeout"},
		{ID: 410, Status: document.StatusCompleted, Tier: document.Tier1, AttemptCount: 1, QualityScore: score(0.95), RecordCount: count(290)},
	}

	st, err := store.Create(filepath.Join(dir, "progress.json"), filepath.Join(dir, "checkpoints"), 10, records)
	if err != nil {
		t.Fatal(err)
	}
	log, err := audit.Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return NewService(st, log)
}

func TestQueueOrder(t *testing.T) {
	s := newService(t)
	q := s.Queue()
	if len(q) != 2 {
		t.Fatalf("queue length = %d, want 2", len(q))
	}
	// Worst score first.
	if q[0].ID != 216 || q[1].ID != 12 {
		t.Errorf("queue order = %d, %d, want 216, 12", q[0].ID, q[1].ID)
	}
}

func TestCorrectIdempotent(t *testing.T) {
	s := newService(t)

	if err := s.Correct(216, "total_electors", "308272", "reviewer1"); err != nil {
		t.Fatalf("Correct: %v", err)
	}
	// Second identical application changes nothing and audits nothing.
	if err := s.Correct(216, "total_electors", "308272", "reviewer1"); err != nil {
		t.Fatalf("repeat Correct: %v", err)
	}

	entries, err := s.log.ForDocument(216)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d audit entries, want 1", len(entries))
	}
	if entries[0].Field != "total_electors" || entries[0].NewValue != "308272" {
		t.Errorf("audit entry = %+v", entries[0])
	}

	rec, _ := s.store.Get(216)
	if rec.Fields == nil || rec.Fields.TotalElectors != 308272 {
		t.Errorf("correction not applied: %+v", rec.Fields)
	}
}

func TestCorrectRejectsUnknownField(t *testing.T) {
	s := newService(t)
	if err := s.Correct(216, "winner_margin", "x", "reviewer1"); err == nil {
		t.Error("unknown field should be rejected")
	}
	if err := s.Correct(216, "total_electors", "lots", "reviewer1"); err == nil {
		t.Error("non-numeric elector count should be rejected")
	}
}

func TestApproveBatch(t *testing.T) {
	s := newService(t)

	n, err := s.ApproveBatch(0.75, "reviewer1")
	if err != nil {
		t.Fatalf("ApproveBatch: %v", err)
	}
	if n != 1 {
		t.Errorf("approved %d, want 1 (only the 0.80 record clears 0.75)", n)
	}

	rec, _ := s.store.Get(12)
	if rec.Status != document.StatusCompleted {
		t.Errorf("document 12 status = %s, want completed", rec.Status)
	}
	rec, _ = s.store.Get(216)
	if rec.Status != document.StatusNeedsReview {
		t.Errorf("document 216 status = %s, want needs_review", rec.Status)
	}
}

func TestVerifyCountMatchPromotes(t *testing.T) {
	s := newService(t)

	ok, actual, err := s.VerifyCount(216, 307, "reviewer1")
	if err != nil || !ok || actual != 307 {
		t.Fatalf("VerifyCount(216, 307) = %v, %d, %v", ok, actual, err)
	}

	rec, _ := s.store.Get(216)
	if rec.Status != document.StatusCompleted {
		t.Errorf("status = %s, want completed after verified count", rec.Status)
	}
	if rec.Notes != "record count verified: 307" {
		t.Errorf("notes = %q", rec.Notes)
	}

	entries, err := s.log.ForDocument(216)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionVerifyCount {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestVerifyCountMismatchStaysQueued(t *testing.T) {
	s := newService(t)

	ok, actual, err := s.VerifyCount(216, 300, "reviewer1")
	if err != nil || ok || actual != 307 {
		t.Fatalf("VerifyCount(216, 300) = %v, %d, %v", ok, actual, err)
	}

	rec, _ := s.store.Get(216)
	if rec.Status != document.StatusNeedsReview {
		t.Errorf("status = %s, want needs_review after mismatch", rec.Status)
	}
	if rec.Notes != "record count mismatch: recorded 307, expected 300" {
		t.Errorf("notes = %q", rec.Notes)
	}

	entries, err := s.log.ForDocument(216)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].OldValue != "307" || entries[0].NewValue != "300" {
		t.Errorf("audit entries = %+v", entries)
	}

	if _, _, err := s.VerifyCount(307, 10, "reviewer1"); err == nil {
		t.Error("VerifyCount on a document without a count should fail")
	}
}

func TestCorrectWritesCheckpointFirst(t *testing.T) {
	s := newService(t)

	before, err := s.store.Checkpoints()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Correct(12, "elected_person", "SUNITA PATIL", "reviewer1"); err != nil {
		t.Fatalf("Correct: %v", err)
	}
	after, err := s.store.Checkpoints()
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before)+1 {
		t.Errorf("checkpoints went %d -> %d, want one written before the correction", len(before), len(after))
	}
}

func TestMarkComplete(t *testing.T) {
	s := newService(t)

	if err := s.MarkComplete(307, 290, 0.95, "operator"); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	rec, _ := s.store.Get(307)
	if rec.Status != document.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.QualityScore == nil || *rec.QualityScore != 0.95 || rec.RecordCount == nil || *rec.RecordCount != 290 {
		t.Errorf("record = %+v", rec)
	}
	if rec.LastError != "" {
		t.Error("LastError should be cleared")
	}

	entries, err := s.log.ForDocument(307)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionMarkComplete {
		t.Errorf("audit entries = %+v", entries)
	}

	if err := s.MarkComplete(307, 290, 1.5, "operator"); err == nil {
		t.Error("out-of-range quality score should be rejected")
	}
}
