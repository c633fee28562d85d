// Package document defines the typed record model for tracked documents.
package document

import (
	"fmt"
	"time"
)

// Tier is the extraction difficulty class assigned to a document. It
// selects the backend strategy, worker-pool sizing, and timeout.
type Tier string

const (
	TierUnclassified Tier = "unclassified"
	Tier1            Tier = "tier_1" // direct structured extraction
	Tier2            Tier = "tier_2" // local-language-aware extraction
	Tier3            Tier = "tier_3" // image/vision extraction
)

// ParseTier converts a string to a Tier, rejecting unknown values.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierUnclassified, Tier1, Tier2, Tier3:
		return Tier(s), nil
	case "1":
		return Tier1, nil
	case "2":
		return Tier2, nil
	case "3":
		return Tier3, nil
	default:
		return TierUnclassified, fmt.Errorf("unknown tier: %q (valid: tier_1, tier_2, tier_3, unclassified)", s)
	}
}

// Classified reports whether the tier is one of the three concrete tiers.
func (t Tier) Classified() bool {
	return t == Tier1 || t == Tier2 || t == Tier3
}

// Status is the lifecycle state of a document record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
)

// ParseStatus converts a string to a Status, rejecting unknown values so
// that an undefined status string can never enter the record set.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusNeedsReview:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status: %q", s)
	}
}

// Terminal reports whether the status ends the automatic lifecycle.
// needs_review is not terminal: the verification gate may still flip it.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is one tracked document. Created once at corpus-scan time and
// never deleted, only re-attempted.
type Record struct {
	ID           int        `json:"id"`
	SourcePath   string     `json:"source_path"`
	District     string     `json:"district,omitempty"`
	Tier         Tier       `json:"tier"`
	Status       Status     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	QualityScore *float64   `json:"quality_score,omitempty"`
	RecordCount  *int       `json:"record_count,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	ClassifiedAt *time.Time `json:"classified_at,omitempty"`
	ExtractedAt  *time.Time `json:"extracted_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`

	// Fields holds the extracted payload once an attempt completes.
	// Transient extraction metadata (backend confidence, duration) is
	// folded into QualityScore and not persisted.
	Fields *Fields `json:"fields,omitempty"`
}

// Validate checks the record's internal invariants.
func (r *Record) Validate(maxRetries int) error {
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return err
	}
	if r.AttemptCount < 0 {
		return fmt.Errorf("document %d: negative attempt count %d", r.ID, r.AttemptCount)
	}
	switch r.Status {
	case StatusCompleted:
		if r.QualityScore == nil {
			return fmt.Errorf("document %d: completed without a quality score", r.ID)
		}
		if r.AttemptCount < 1 {
			return fmt.Errorf("document %d: completed with zero attempts", r.ID)
		}
	case StatusFailed:
		if maxRetries > 0 && r.AttemptCount < maxRetries {
			return fmt.Errorf("document %d: failed after %d of %d attempts", r.ID, r.AttemptCount, maxRetries)
		}
	}
	return nil
}

// Candidate is one contestant and their constituency-wide vote total.
type Candidate struct {
	Name  string `json:"name"`
	Party string `json:"party,omitempty"`
	Votes int    `json:"votes"`
}

// StationRow is one polling station's tally: the per-candidate votes in
// ballot order plus the totals columns of the Form 20 sheet.
type StationRow struct {
	Serial         int   `json:"serial"`
	CandidateVotes []int `json:"candidate_votes"`
	Valid          int   `json:"valid_votes"`
	Rejected       int   `json:"rejected_votes"`
	NOTA           int   `json:"nota_votes"`
	Total          int   `json:"total_votes"`
}

// Fields is the structured payload extracted from one document.
type Fields struct {
	ConstituencyNumber int          `json:"constituency_number"`
	ConstituencyName   string       `json:"constituency_name,omitempty"`
	TotalElectors      int          `json:"total_electors"`
	ElectedPerson      string       `json:"elected_person,omitempty"`
	Candidates         []Candidate  `json:"candidates"`
	Stations           []StationRow `json:"stations"`
}
