// Package probe inspects PDF files and summarizes the properties the
// classifier needs: page count, extractable text volume, script mix,
// and embedded image count.
package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Stats summarizes one document's probed properties.
type Stats struct {
	PageCount        int
	TextChars        int
	NonASCIIFraction float64
	ImageCount       int
}

// Prober inspects a document on disk.
type Prober interface {
	Probe(ctx context.Context, path string) (Stats, error)
}

// PDFProber probes PDF files with pdfcpu. Scanned government forms are
// frequently malformed, so validation runs in relaxed mode.
type PDFProber struct {
	conf *model.Configuration
}

// NewPDFProber returns a prober with relaxed validation.
func NewPDFProber() *PDFProber {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFProber{conf: conf}
}

// Probe extracts page count, content-stream text and image counts from
// the PDF at path.
func (p *PDFProber) Probe(ctx context.Context, path string) (Stats, error) {
	var stats Stats

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	pages, err := api.PageCountFile(path)
	if err != nil {
		return stats, fmt.Errorf("counting pages in %s: %w", filepath.Base(path), err)
	}
	stats.PageCount = pages

	tmp, err := os.MkdirTemp("", "form20-probe-*")
	if err != nil {
		return stats, fmt.Errorf("creating probe workspace: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	contentDir := filepath.Join(tmp, "content")
	if err := os.Mkdir(contentDir, 0750); err != nil {
		return stats, err
	}
	if err := api.ExtractContentFile(path, contentDir, nil, p.conf); err != nil {
		return stats, fmt.Errorf("extracting content streams from %s: %w", filepath.Base(path), err)
	}

	var total, nonASCII int
	if err := filepath.WalkDir(contentDir, func(fp string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(fp)
		if err != nil {
			return err
		}
		t, n := ScanText(data)
		total += t
		nonASCII += n
		return nil
	}); err != nil {
		return stats, fmt.Errorf("reading content streams: %w", err)
	}
	stats.TextChars = total
	if total > 0 {
		stats.NonASCIIFraction = float64(nonASCII) / float64(total)
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	imageDir := filepath.Join(tmp, "images")
	if err := os.Mkdir(imageDir, 0750); err != nil {
		return stats, err
	}
	// Image extraction failures are tolerated. A document without an
	// extractable image set still classifies from its text stats.
	if err := api.ExtractImagesFile(path, imageDir, nil, p.conf); err == nil {
		entries, err := os.ReadDir(imageDir)
		if err == nil {
			stats.ImageCount = len(entries)
		}
	}

	return stats, nil
}

// Text extracts the document's text layer, pages concatenated in order.
func (p *PDFProber) Text(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.MkdirTemp("", "form20-text-*")
	if err != nil {
		return "", fmt.Errorf("creating extraction workspace: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := api.ExtractContentFile(path, tmp, nil, p.conf); err != nil {
		return "", fmt.Errorf("extracting content streams from %s: %w", filepath.Base(path), err)
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return pageOrdinal(names[i]) < pageOrdinal(names[j])
	})

	var b strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(tmp, name))
		if err != nil {
			return "", err
		}
		b.WriteString(ExtractText(data))
	}
	return b.String(), nil
}

// pageOrdinal pulls the trailing page number out of an extracted
// content file name so pages sort numerically, not lexically.
func pageOrdinal(name string) int {
	end := len(name)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		end = i
	}
	start := end
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0
	}
	v, _ := strconv.Atoi(name[start:end])
	return v
}
