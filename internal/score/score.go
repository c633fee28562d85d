// Package score computes a normalized quality score for an extraction
// result from field completeness, vote arithmetic, backend confidence
// and structural plausibility.
package score

import (
	"github.com/electionarchive/form20-extract/internal/config"
	"github.com/electionarchive/form20-extract/internal/extract"
)

// Breakdown carries the composite score and its weighted terms.
type Breakdown struct {
	Composite    float64
	Completeness float64 // unweighted term values in [0,1]
	Consistency  float64
	Confidence   float64
	Structure    float64
}

// Scorer weighs extraction results against the configured policy.
type Scorer struct {
	cfg config.QualityConfig
}

// New builds a scorer from the quality policy.
func New(cfg config.QualityConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the weighted quality of a result.
// With zero station rows the completeness and consistency terms clamp
// to 0, so the composite cannot clear the acceptance threshold no
// matter how confident the backend was.
func (s *Scorer) Score(res *extract.Result) Breakdown {
	var b Breakdown

	f := res.Fields
	if len(f.Stations) > 0 {
		present := 0
		if f.ConstituencyNumber > 0 {
			present++
		}
		if f.TotalElectors > 0 {
			present++
		}
		if len(f.Candidates) > 0 {
			present++
		}
		present++ // at least one station row
		b.Completeness = float64(present) / 4

		consistent := 0
		for _, st := range f.Stations {
			sum := st.Rejected + st.NOTA
			for _, v := range st.CandidateVotes {
				sum += v
			}
			if abs(sum-st.Total) <= s.cfg.VoteTolerance {
				consistent++
			}
		}
		b.Consistency = float64(consistent) / float64(len(f.Stations))
	}

	b.Confidence = clamp01(res.Confidence)

	n := len(f.Stations)
	if n >= s.cfg.MinStations && n <= s.cfg.MaxStations {
		b.Structure = 1
	}

	b.Composite = s.cfg.WeightCompleteness*b.Completeness +
		s.cfg.WeightConsistency*b.Consistency +
		s.cfg.WeightConfidence*b.Confidence +
		s.cfg.WeightStructure*b.Structure
	return b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
