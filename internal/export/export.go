// Package export builds the consolidated output artifacts: one JSON
// file with every completed extraction, and an optional XLSX summary
// for reviewers who live in spreadsheets.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/electionarchive/form20-extract/internal/document"
	"github.com/electionarchive/form20-extract/internal/store"
)

// Artifact is the consolidated JSON layout.
type Artifact struct {
	RunID       string     `json:"run_id"`
	GeneratedAt time.Time  `json:"generated_at"`
	Summary     Summary    `json:"summary"`
	Documents   []Document `json:"documents"`
}

// Summary aggregates run-level counters.
type Summary struct {
	Total        int `json:"total"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	NeedsReview  int `json:"needs_review"`
	TotalRecords int `json:"total_records"`
}

// Document is one completed extraction in the artifact.
type Document struct {
	ID           int              `json:"id"`
	District     string           `json:"district,omitempty"`
	Tier         document.Tier    `json:"tier"`
	QualityScore float64          `json:"quality_score"`
	RecordCount  int              `json:"record_count"`
	ExtractedAt  *time.Time       `json:"extracted_at,omitempty"`
	Fields       *document.Fields `json:"fields,omitempty"`
}

// Exporter writes artifacts from a progress store.
type Exporter struct {
	store *store.Store
}

// New returns an exporter over the store.
func New(st *store.Store) *Exporter {
	return &Exporter{store: st}
}

// Build assembles the artifact from completed documents, ascending by
// ID.
func (e *Exporter) Build() *Artifact {
	art := &Artifact{
		RunID:       e.store.RunID(),
		GeneratedAt: time.Now().UTC(),
	}

	for _, rec := range e.store.All() {
		art.Summary.Total++
		switch rec.Status {
		case document.StatusFailed:
			art.Summary.Failed++
			continue
		case document.StatusNeedsReview:
			art.Summary.NeedsReview++
			continue
		case document.StatusCompleted:
		default:
			continue
		}

		art.Summary.Completed++
		doc := Document{
			ID:          rec.ID,
			District:    rec.District,
			Tier:        rec.Tier,
			ExtractedAt: rec.ExtractedAt,
			Fields:      rec.Fields,
		}
		if rec.QualityScore != nil {
			doc.QualityScore = *rec.QualityScore
		}
		if rec.RecordCount != nil {
			doc.RecordCount = *rec.RecordCount
			art.Summary.TotalRecords += *rec.RecordCount
		}
		art.Documents = append(art.Documents, doc)
	}
	return art
}

// WriteJSON writes the consolidated artifact to path.
func (e *Exporter) WriteJSON(path string) (*Artifact, error) {
	art := e.Build()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling export: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("writing export: %w", err)
	}
	return art, nil
}

// WriteXLSX writes a one-row-per-document spreadsheet to path.
func (e *Exporter) WriteXLSX(path string) (*Artifact, error) {
	art := e.Build()

	f := excelize.NewFile()
	const sheet = "Constituencies"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	_ = f.DeleteSheet("Sheet1")

	headers := []string{
		"Constituency No",
		"Constituency Name",
		"District",
		"Tier",
		"Quality Score",
		"Polling Stations",
		"Total Electors",
		"Elected Person",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, doc := range art.Documents {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, doc.ID)
		if doc.Fields != nil {
			write(2, doc.Fields.ConstituencyName)
			write(7, doc.Fields.TotalElectors)
			write(8, doc.Fields.ElectedPerson)
		}
		write(3, doc.District)
		write(4, string(doc.Tier))
		write(5, doc.QualityScore)
		write(6, doc.RecordCount)
		row++
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return nil, fmt.Errorf("writing spreadsheet: %w", err)
	}
	return art, nil
}
