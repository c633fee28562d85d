// Package review applies the quality gate to finished extractions and
// carries the manual-review workflow: queueing, corrections, batch
// approval and count verification. Every human intervention lands in
// the audit log.
package review

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/electionarchive/form20-extract/internal/audit"
	"github.com/electionarchive/form20-extract/internal/config"
	"github.com/electionarchive/form20-extract/internal/document"
	"github.com/electionarchive/form20-extract/internal/store"
)

// Gate decides whether a scored extraction is accepted outright or
// queued for manual review.
type Gate struct {
	threshold   float64
	minStations int
	maxStations int
}

// NewGate returns a gate with the configured acceptance policy.
func NewGate(cfg config.QualityConfig) *Gate {
	return &Gate{
		threshold:   cfg.Threshold,
		minStations: cfg.MinStations,
		maxStations: cfg.MaxStations,
	}
}

// Decide returns the status for a scored extraction. Acceptance needs
// both a quality score at or above the threshold and a record count
// inside the plausible range; a score exactly at the threshold is
// accepted.
func (g *Gate) Decide(score float64, recordCount int) document.Status {
	if recordCount < g.minStations || recordCount > g.maxStations {
		return document.StatusNeedsReview
	}
	if score >= g.threshold {
		return document.StatusCompleted
	}
	return document.StatusNeedsReview
}

// Service runs the manual-review operations against the progress
// store.
type Service struct {
	store *store.Store
	log   *audit.Log
}

// NewService binds the review workflow to a store and audit log.
func NewService(st *store.Store, log *audit.Log) *Service {
	return &Service{store: st, log: log}
}

// Queue returns the documents awaiting review, worst score first so
// reviewers see the most doubtful extractions at the top.
func (s *Service) Queue() []document.Record {
	var queue []document.Record
	for _, rec := range s.store.All() {
		if rec.Status == document.StatusNeedsReview {
			queue = append(queue, rec)
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		return scoreOf(queue[i]) < scoreOf(queue[j])
	})
	return queue
}

func scoreOf(rec document.Record) float64 {
	if rec.QualityScore == nil {
		return 0
	}
	return *rec.QualityScore
}

// Correct sets one field of a reviewed document. Re-applying the same
// correction is a no-op and records no audit entry.
func (s *Service) Correct(id int, field, value, author string) error {
	// Corrections overwrite extracted values, so snapshot first.
	if _, err := s.store.Checkpoint(fmt.Sprintf("pre-correct-%d", id)); err != nil {
		return err
	}

	var old string
	changed := false

	err := s.store.Mutate(id, func(rec *document.Record) error {
		cur, set, err := applyField(rec, field, value)
		if err != nil {
			return err
		}
		old = cur
		changed = set
		return nil
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	return s.log.Record(audit.Entry{
		DocumentID: id,
		Action:     audit.ActionCorrection,
		Field:      field,
		OldValue:   old,
		NewValue:   value,
		Author:     author,
	})
}

// applyField mutates one correctable field. Returns the prior value
// and whether anything changed.
func applyField(rec *document.Record, field, value string) (old string, changed bool, err error) {
	ensureFields := func() *document.Fields {
		if rec.Fields == nil {
			rec.Fields = &document.Fields{ConstituencyNumber: rec.ID}
		}
		return rec.Fields
	}

	switch field {
	case "constituency_name":
		f := ensureFields()
		old = f.ConstituencyName
		if old != value {
			f.ConstituencyName = value
			changed = true
		}
	case "elected_person":
		f := ensureFields()
		old = f.ElectedPerson
		if old != value {
			f.ElectedPerson = value
			changed = true
		}
	case "total_electors":
		n, perr := strconv.Atoi(value)
		if perr != nil || n < 0 {
			return "", false, fmt.Errorf("total_electors must be a non-negative integer, got %q", value)
		}
		f := ensureFields()
		old = strconv.Itoa(f.TotalElectors)
		if f.TotalElectors != n {
			f.TotalElectors = n
			changed = true
		}
	case "record_count":
		n, perr := strconv.Atoi(value)
		if perr != nil || n < 0 {
			return "", false, fmt.Errorf("record_count must be a non-negative integer, got %q", value)
		}
		if rec.RecordCount != nil {
			old = strconv.Itoa(*rec.RecordCount)
		}
		if rec.RecordCount == nil || *rec.RecordCount != n {
			rec.RecordCount = &n
			changed = true
		}
	case "notes":
		old = rec.Notes
		if old != value {
			rec.Notes = value
			changed = true
		}
	default:
		return "", false, fmt.Errorf("unknown correctable field %q", field)
	}
	return old, changed, nil
}

// ApproveBatch promotes every review-queued document whose score meets
// minConfidence to completed. Returns how many were approved.
func (s *Service) ApproveBatch(minConfidence float64, author string) (int, error) {
	approved := 0
	for _, rec := range s.Queue() {
		if scoreOf(rec) < minConfidence {
			continue
		}
		id := rec.ID
		err := s.store.Mutate(id, func(r *document.Record) error {
			if r.Status != document.StatusNeedsReview {
				return nil
			}
			r.Status = document.StatusCompleted
			return nil
		})
		if err != nil {
			return approved, err
		}
		if err := s.log.Record(audit.Entry{
			DocumentID: id,
			Action:     audit.ActionBatchApproval,
			NewValue:   fmt.Sprintf("min_confidence=%.2f", minConfidence),
			Author:     author,
		}); err != nil {
			return approved, err
		}
		approved++
	}
	return approved, nil
}

// VerifyCount compares a document's recorded sub-record count against
// an expected value from an external tally. A match promotes a
// review-queued document to completed with a verification note; a
// mismatch leaves the status alone and notes the discrepancy. Either
// outcome lands in the audit log.
func (s *Service) VerifyCount(id, expected int, author string) (bool, int, error) {
	rec, ok := s.store.Get(id)
	if !ok {
		return false, 0, fmt.Errorf("unknown document %d", id)
	}
	if rec.RecordCount == nil {
		return false, 0, fmt.Errorf("document %d has no recorded count yet", id)
	}
	actual := *rec.RecordCount
	match := actual == expected

	err := s.store.Mutate(id, func(r *document.Record) error {
		if match {
			if r.Status == document.StatusNeedsReview {
				r.Status = document.StatusCompleted
			}
			r.Notes = fmt.Sprintf("record count verified: %d", actual)
		} else {
			r.Notes = fmt.Sprintf("record count mismatch: recorded %d, expected %d", actual, expected)
		}
		return nil
	})
	if err != nil {
		return match, actual, err
	}

	if err := s.log.Record(audit.Entry{
		DocumentID: id,
		Action:     audit.ActionVerifyCount,
		Field:      "record_count",
		OldValue:   strconv.Itoa(actual),
		NewValue:   strconv.Itoa(expected),
		Author:     author,
	}); err != nil {
		return match, actual, err
	}
	return match, actual, nil
}

// MarkComplete forces a document to completed with an operator-supplied
// record count and quality score, typically after side-channel manual
// extraction.
func (s *Service) MarkComplete(id, count int, quality float64, author string) error {
	if quality < 0 || quality > 1 {
		return fmt.Errorf("quality score must be in [0,1], got %g", quality)
	}
	if count < 0 {
		return fmt.Errorf("record count must be non-negative, got %d", count)
	}

	err := s.store.Mutate(id, func(rec *document.Record) error {
		now := time.Now().UTC()
		rec.Status = document.StatusCompleted
		rec.RecordCount = &count
		rec.QualityScore = &quality
		rec.LastError = ""
		rec.ExtractedAt = &now
		if rec.AttemptCount == 0 {
			rec.AttemptCount = 1
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.log.Record(audit.Entry{
		DocumentID: id,
		Action:     audit.ActionMarkComplete,
		NewValue:   fmt.Sprintf("%d:%d:%.2f", id, count, quality),
		Author:     author,
	})
}
