package notify

import (
	"time"

	"github.com/electionarchive/form20-extract/internal/store"
)

// Provider defines the notification contract for extraction run events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// RunStarted sends notification when an extraction run starts.
	RunStarted(runID string, queued int) error

	// RunCompleted sends notification when a run drains its queue.
	// The snapshot decides the tone: runs with failed or review
	// documents report a warning instead of a success.
	RunCompleted(runID string, startTime time.Time, duration time.Duration, snap store.Snapshot) error

	// RunFailed sends notification when a run aborts with an error.
	RunFailed(runID string, err error, duration time.Duration) error

	// DocumentFailed sends notification when a document exhausts its
	// retry budget.
	DocumentFailed(runID string, documentID int, reason string) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
