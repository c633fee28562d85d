// Package extract defines the extraction backend boundary. Each tier
// has a concrete backend; the orchestrator only ever sees the Backend
// interface and selects by tier.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/electionarchive/form20-extract/internal/document"
)

// Result is the transient product of one extraction attempt.
type Result struct {
	Tier       document.Tier
	Fields     document.Fields
	Confidence float64 // backend-reported, in [0,1]
	Duration   time.Duration
}

// RecordCount returns the number of polling station rows extracted.
func (r *Result) RecordCount() int {
	return len(r.Fields.Stations)
}

// Kind categorizes backend failures.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindUnavailable     Kind = "backend_unavailable"
	KindMalformedOutput Kind = "malformed_output"
	KindNoData          Kind = "no_data_extracted"
)

// Error is a categorized backend failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a failure kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a categorized failure from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err carries the given failure kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

// FailureKind returns the failure kind carried by err, or an empty
// string for uncategorized errors.
func FailureKind(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// Backend extracts structured data from one document.
type Backend interface {
	// Name identifies the backend in logs and results.
	Name() string

	// Extract processes the document at rec.SourcePath. It honors ctx
	// cancellation and returns a categorized *Error on failure.
	Extract(ctx context.Context, rec document.Record) (*Result, error)
}

// Registry maps tiers to their configured backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[document.Tier]Backend
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[document.Tier]Backend)}
}

// Register binds a backend to a tier.
// Panics if the tier already has a backend.
func (r *Registry) Register(tier document.Tier, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[tier]; exists {
		panic(fmt.Sprintf("backend for %s already registered", tier))
	}
	r.backends[tier] = b
}

// Get retrieves the backend for a tier.
func (r *Registry) Get(tier document.Tier) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.backends[tier]
	if !exists {
		return nil, fmt.Errorf("no backend registered for %s (available: %v)", tier, r.tiersLocked())
	}
	return b, nil
}

// Tiers lists the registered tiers in sorted order.
func (r *Registry) Tiers() []document.Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tiersLocked()
}

func (r *Registry) tiersLocked() []document.Tier {
	tiers := make([]document.Tier, 0, len(r.backends))
	for t := range r.backends {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}
