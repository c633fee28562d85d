package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker renders batch extraction progress
type Tracker struct {
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	startTime time.Time

	// Track in-flight documents for accurate display
	mu     sync.Mutex
	active map[int]struct{} // document ID -> in flight
}

// New creates a new progress tracker
func New() *Tracker {
	return &Tracker{
		startTime: time.Now(),
		active:    make(map[int]struct{}),
	}
}

// SetTotal sets the number of documents this run will process
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Extracting"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// StartDocument marks a document as in flight
func (t *Tracker) StartDocument(id int) {
	t.mu.Lock()
	t.active[id] = struct{}{}
	inFlight := len(t.active)
	t.mu.Unlock()

	if t.bar != nil {
		if inFlight == 1 {
			t.bar.Describe(fmt.Sprintf("Extracting AC_%d", id))
		} else {
			t.bar.Describe(fmt.Sprintf("Extracting (%d documents)", inFlight))
		}
		t.bar.RenderBlank()
	}
}

// EndDocument marks a document as settled and advances the bar
func (t *Tracker) EndDocument(id int) {
	t.mu.Lock()
	delete(t.active, id)
	inFlight := len(t.active)
	t.mu.Unlock()

	t.current.Add(1)
	if t.bar != nil {
		t.bar.Add64(1)
		if inFlight == 0 {
			t.bar.Describe("Extracting")
		}
	}
}

// Current returns the number of settled documents
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Elapsed returns time since tracking started
func (t *Tracker) Elapsed() time.Duration {
	return time.Since(t.startTime)
}

// Finish completes the progress bar
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
		fmt.Println()
	}
}
