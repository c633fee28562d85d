package extract

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/electionarchive/form20-extract/internal/document"
)

// TextSource produces a document's raw text layer.
type TextSource interface {
	Text(ctx context.Context, path string) (string, error)
}

// TextBackend handles tier 1 documents: a clean machine-readable text
// layer parsed directly into Form 20 fields.
type TextBackend struct {
	src TextSource
}

// NewTextBackend returns the direct text-layer backend.
func NewTextBackend(src TextSource) *TextBackend {
	return &TextBackend{src: src}
}

func (b *TextBackend) Name() string { return "text" }

func (b *TextBackend) Extract(ctx context.Context, rec document.Record) (*Result, error) {
	start := time.Now()

	text, err := b.src.Text(ctx, rec.SourcePath)
	if err != nil {
		return nil, categorizeSourceErr(err)
	}

	fields, err := parseForm20(text, rec.ID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Tier:       document.Tier1,
		Fields:     fields,
		Confidence: parseConfidence(fields, 0.95),
		Duration:   time.Since(start),
	}, nil
}

// LocalTextBackend handles tier 2 documents: mixed English and Marathi
// script. Devanagari numerals are normalized before parsing, which
// keeps the row parser identical to tier 1.
type LocalTextBackend struct {
	src TextSource
}

// NewLocalTextBackend returns the regional-script backend.
func NewLocalTextBackend(src TextSource) *LocalTextBackend {
	return &LocalTextBackend{src: src}
}

func (b *LocalTextBackend) Name() string { return "local-text" }

func (b *LocalTextBackend) Extract(ctx context.Context, rec document.Record) (*Result, error) {
	start := time.Now()

	text, err := b.src.Text(ctx, rec.SourcePath)
	if err != nil {
		return nil, categorizeSourceErr(err)
	}

	fields, err := parseForm20(normalizeDigits(text), rec.ID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Tier:       document.Tier2,
		Fields:     fields,
		Confidence: parseConfidence(fields, 0.80),
		Duration:   time.Since(start),
	}, nil
}

// parseConfidence reduces a backend's base confidence for each header
// field the parser failed to recover.
func parseConfidence(fields document.Fields, base float64) float64 {
	conf := base
	if fields.ConstituencyName == "" {
		conf -= 0.10
	}
	if fields.TotalElectors == 0 {
		conf -= 0.10
	}
	if fields.ElectedPerson == "" {
		conf -= 0.05
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

func categorizeSourceErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, os.ErrNotExist):
		return NewError(KindUnavailable, err)
	default:
		return NewError(KindMalformedOutput, err)
	}
}
