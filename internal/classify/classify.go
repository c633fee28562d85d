// Package classify assigns documents to extraction tiers from probed
// PDF statistics. Classification is a pure function of the stats and
// the configured thresholds, so re-running it never changes a result.
package classify

import (
	"github.com/electionarchive/form20-extract/internal/config"
	"github.com/electionarchive/form20-extract/internal/document"
	"github.com/electionarchive/form20-extract/internal/probe"
)

// Classifier maps probe statistics to a tier.
type Classifier struct {
	minTextChars     int
	cleanTextChars   int
	nonASCIIFraction float64
}

// New builds a classifier from configured thresholds.
func New(cfg config.ClassifyConfig) *Classifier {
	return &Classifier{
		minTextChars:     cfg.MinTextChars,
		cleanTextChars:   cfg.CleanTextChars,
		nonASCIIFraction: cfg.NonASCIIFraction,
	}
}

// Classify returns the extraction tier for a document with the given
// stats. Documents with almost no text layer are scans and need the
// vision backend (tier 3). A thin text layer below the clean-text
// floor means a partial or hybrid scan, also tier 3; only documents
// at or above that floor qualify for the text tiers. Substantial text
// with a heavy non-ASCII share is regional-script output that the
// plain text parser mangles (tier 2). Everything else has a clean
// machine-readable text layer (tier 1).
func (c *Classifier) Classify(stats probe.Stats) document.Tier {
	switch {
	case stats.TextChars < c.minTextChars:
		return document.Tier3
	case stats.TextChars < c.cleanTextChars:
		return document.Tier3
	case stats.NonASCIIFraction > c.nonASCIIFraction:
		return document.Tier2
	default:
		return document.Tier1
	}
}

// Fallback returns the tier a failed document is retried on for its
// final attempt, or the same tier when no cheaper route exists.
// Vision-tier documents fall back to the local OCR path; the cheap
// tiers have nowhere to go.
func Fallback(t document.Tier) document.Tier {
	if t == document.Tier3 {
		return document.Tier2
	}
	return t
}
