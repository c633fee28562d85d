package score

import (
	"math"
	"testing"

	"github.com/electionarchive/form20-extract/internal/config"
	"github.com/electionarchive/form20-extract/internal/document"
	"github.com/electionarchive/form20-extract/internal/extract"
)

func testScorer() *Scorer {
	return New(config.QualityConfig{
		Threshold:          0.85,
		WeightCompleteness: 0.4,
		WeightConsistency:  0.3,
		WeightConfidence:   0.2,
		WeightStructure:    0.1,
		VoteTolerance:      1,
		MinStations:        1,
		MaxStations:        2000,
	})
}

func fullFields() document.Fields {
	return document.Fields{
		ConstituencyNumber: 216,
		ConstituencyName:   "PUNE CANTONMENT",
		TotalElectors:      308272,
		ElectedPerson:      "SUNITA PATIL",
		Candidates: []document.Candidate{
			{Name: "SUNITA PATIL", Votes: 864},
			{Name: "RAMESH KULKARNI", Votes: 753},
		},
		Stations: []document.StationRow{
			{Serial: 1, CandidateVotes: []int{245, 312}, Valid: 557, Rejected: 2, NOTA: 14, Total: 573},
			{Serial: 2, CandidateVotes: []int{198, 402}, Valid: 600, Rejected: 1, NOTA: 9, Total: 610},
		},
	}
}

func TestScorePerfectResult(t *testing.T) {
	res := &extract.Result{Fields: fullFields(), Confidence: 1.0}
	b := testScorer().Score(res)

	if b.Completeness != 1 || b.Consistency != 1 || b.Confidence != 1 || b.Structure != 1 {
		t.Errorf("terms = %+v, want all 1", b)
	}
	if math.Abs(b.Composite-1.0) > 1e-9 {
		t.Errorf("Composite = %g, want 1.0", b.Composite)
	}
}

func TestScoreZeroStationsClampsLow(t *testing.T) {
	f := fullFields()
	f.Stations = nil
	res := &extract.Result{Fields: f, Confidence: 1.0}

	b := testScorer().Score(res)
	if b.Completeness != 0 || b.Consistency != 0 {
		t.Errorf("completeness/consistency = %g/%g, want 0/0", b.Completeness, b.Consistency)
	}
	// Only confidence (0.2) can contribute; structure fails the 1..2000
	// range with zero rows.
	if b.Composite > 0.25 {
		t.Errorf("Composite = %g, must stay far below the 0.85 gate", b.Composite)
	}
}

func TestScoreVoteTolerance(t *testing.T) {
	f := fullFields()
	// Off by exactly the tolerance: still consistent.
	f.Stations[0].Total = f.Stations[0].Total + 1
	res := &extract.Result{Fields: f, Confidence: 1.0}
	if b := testScorer().Score(res); b.Consistency != 1 {
		t.Errorf("Consistency = %g, want 1 at tolerance boundary", b.Consistency)
	}

	// Off by two: that row is inconsistent.
	f.Stations[0].Total = f.Stations[0].Total + 1
	if b := testScorer().Score(res); b.Consistency != 0.5 {
		t.Errorf("Consistency = %g, want 0.5", b.Consistency)
	}
}

func TestScoreMissingHeaderFields(t *testing.T) {
	f := fullFields()
	f.TotalElectors = 0
	res := &extract.Result{Fields: f, Confidence: 0.5}

	b := testScorer().Score(res)
	if b.Completeness != 0.75 {
		t.Errorf("Completeness = %g, want 0.75", b.Completeness)
	}
	want := 0.4*0.75 + 0.3*1 + 0.2*0.5 + 0.1*1
	if math.Abs(b.Composite-want) > 1e-9 {
		t.Errorf("Composite = %g, want %g", b.Composite, want)
	}
}

func TestScoreImplausibleStationCount(t *testing.T) {
	s := New(config.QualityConfig{
		WeightCompleteness: 0.4,
		WeightConsistency:  0.3,
		WeightConfidence:   0.2,
		WeightStructure:    0.1,
		VoteTolerance:      1,
		MinStations:        1,
		MaxStations:        1,
	})
	res := &extract.Result{Fields: fullFields(), Confidence: 1.0}
	if b := s.Score(res); b.Structure != 0 {
		t.Errorf("Structure = %g, want 0 when count exceeds plausible range", b.Structure)
	}
}

func TestScoreClampsConfidence(t *testing.T) {
	res := &extract.Result{Fields: fullFields(), Confidence: 1.7}
	if b := testScorer().Score(res); b.Confidence != 1 {
		t.Errorf("Confidence = %g, want clamped to 1", b.Confidence)
	}
}
