// Package scheduler is the control loop of a run. It classifies
// unclassified documents, dispatches pending ones to per-tier worker
// pools, applies the retry and fallback policy, and folds every
// outcome back into the progress store.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/electionarchive/form20-extract/internal/classify"
	"github.com/electionarchive/form20-extract/internal/config"
	"github.com/electionarchive/form20-extract/internal/control"
	"github.com/electionarchive/form20-extract/internal/document"
	"github.com/electionarchive/form20-extract/internal/extract"
	"github.com/electionarchive/form20-extract/internal/logging"
	"github.com/electionarchive/form20-extract/internal/notify"
	"github.com/electionarchive/form20-extract/internal/probe"
	"github.com/electionarchive/form20-extract/internal/progress"
	"github.com/electionarchive/form20-extract/internal/review"
	"github.com/electionarchive/form20-extract/internal/score"
	"github.com/electionarchive/form20-extract/internal/store"
)

// Scheduler coordinates one extraction run.
type Scheduler struct {
	cfg        *config.Config
	store      *store.Store
	registry   *extract.Registry
	classifier *classify.Classifier
	prober     probe.Prober
	scorer     *score.Scorer
	gate       *review.Gate
	watcher    *control.Watcher
	limiter    *rate.Limiter
	notifier   notify.Provider
	tracker    *progress.Tracker
}

// Options narrows which pending documents a run dispatches.
type Options struct {
	FromID int // skip documents with a lower ID
	OnlyID int // process a single document
	Quiet  bool
}

// New wires a scheduler. A nil tracker disables the progress bar.
func New(cfg *config.Config, st *store.Store, reg *extract.Registry, prober probe.Prober) *Scheduler {
	var limiter *rate.Limiter
	if cfg.Extraction.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Extraction.RatePerSecond), cfg.Extraction.RateBurst)
	}
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		registry:   reg,
		classifier: classify.New(cfg.Classify),
		prober:     prober,
		scorer:     score.New(cfg.Quality),
		gate:       review.NewGate(cfg.Quality),
		watcher:    control.NewWatcher(cfg.ControlDir()),
		limiter:    limiter,
		notifier:   notify.New(&cfg.Notify.Slack),
	}
}

// stopPollInterval bounds how long a full pool can delay noticing an
// emergency stop while dispatch waits for a slot.
const stopPollInterval = 200 * time.Millisecond

// Run processes every eligible pending document and returns the final
// aggregate snapshot. Dispatch order is ascending document ID; an
// emergency stop or context cancellation halts dispatch and drains
// in-flight work, force-cancelling whatever is still running once the
// configured grace period passes.
func (s *Scheduler) Run(ctx context.Context, opts Options) (store.Snapshot, error) {
	// A stop request addresses the run it was issued against. Clearing
	// any leftover marker here is what lets resume actually resume.
	if err := control.ClearStop(s.cfg.ControlDir()); err != nil {
		return s.store.Snapshot(), fmt.Errorf("clearing stale stop request: %w", err)
	}

	skip, err := s.applyControlRequests(make(map[int]bool))
	if err != nil {
		return s.store.Snapshot(), err
	}

	queue := s.eligible(opts, skip)
	if len(queue) == 0 {
		logging.Info("Nothing to process")
		return s.store.Snapshot(), nil
	}

	if err := s.classifyPending(ctx, queue); err != nil {
		return s.store.Snapshot(), err
	}

	startedAt := time.Now()
	s.notifyQuietly(s.notifier.RunStarted(s.store.RunID(), len(queue)))

	if !opts.Quiet {
		s.tracker = progress.New()
		s.tracker.SetTotal(int64(len(queue)))
	}

	// One semaphore per tier bounds concurrent extractions.
	sems := map[document.Tier]chan struct{}{
		document.Tier1: make(chan struct{}, s.cfg.Extraction.Tier1Workers),
		document.Tier2: make(chan struct{}, s.cfg.Extraction.Tier2Workers),
		document.Tier3: make(chan struct{}, s.cfg.Extraction.Tier3Workers),
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	stopped := false
dispatch:
	for _, id := range queue {
		if gctx.Err() != nil {
			break
		}
		if s.watcher.StopRequested() {
			stopped = true
			break
		}

		skip, err = s.applyControlRequests(skip)
		if err != nil {
			break
		}
		if skip[id] {
			logging.Info("Skipping document %d on operator request", id)
			continue
		}

		rec, ok := s.store.Get(id)
		if !ok || rec.Status != document.StatusPending {
			continue
		}

		// Hold a pool slot before spawning the worker, so dispatch
		// pauses at capacity and keeps watching for stop requests
		// instead of queueing the whole batch up front.
		sem := sems[rec.Tier]
	acquire:
		for {
			select {
			case sem <- struct{}{}:
				break acquire
			case <-gctx.Done():
				break dispatch
			case <-time.After(stopPollInterval):
				if s.watcher.StopRequested() {
					stopped = true
					break dispatch
				}
			}
		}

		// A stop written while we waited for the slot wins over the
		// document that just got it.
		if s.watcher.StopRequested() {
			<-sem
			stopped = true
			break
		}

		docID := id
		g.Go(func() error {
			defer func() { <-sem }()

			rec, ok := s.store.Get(docID)
			if !ok || rec.Status != document.StatusPending {
				return nil
			}

			if s.tracker != nil {
				s.tracker.StartDocument(docID)
				defer s.tracker.EndDocument(docID)
			}
			return s.process(gctx, docID)
		})
	}

	if stopped {
		grace := time.Duration(s.cfg.Extraction.StopGraceSec) * time.Second
		logging.Warn("Emergency stop requested, draining in-flight work (%s grace)", grace)
		timer := time.AfterFunc(grace, cancelRun)
		defer timer.Stop()
	}

	runErr := g.Wait()
	if s.tracker != nil {
		s.tracker.Finish()
	}
	if err != nil && runErr == nil {
		runErr = err
	}
	if stopped && runErr == nil {
		logging.Info("Stopped cleanly; resume to continue")
	}

	snap := s.store.Snapshot()
	if runErr != nil {
		s.notifyQuietly(s.notifier.RunFailed(s.store.RunID(), runErr, time.Since(startedAt)))
	} else {
		s.notifyQuietly(s.notifier.RunCompleted(s.store.RunID(), startedAt, time.Since(startedAt), snap))
	}
	return snap, runErr
}

// notifyQuietly logs a notification failure without affecting the run.
func (s *Scheduler) notifyQuietly(err error) {
	if err != nil {
		logging.Warn("Notification failed: %v", err)
	}
}

// eligible returns the IDs to dispatch this run, ascending.
func (s *Scheduler) eligible(opts Options, skip map[int]bool) []int {
	var ids []int
	for _, rec := range s.store.All() {
		if rec.Status != document.StatusPending {
			continue
		}
		if opts.OnlyID != 0 && rec.ID != opts.OnlyID {
			continue
		}
		if rec.ID < opts.FromID || skip[rec.ID] {
			continue
		}
		ids = append(ids, rec.ID)
	}
	return ids
}

// applyControlRequests drains the control directory, extending the
// skip set and re-queueing reprocess targets.
func (s *Scheduler) applyControlRequests(skip map[int]bool) (map[int]bool, error) {
	reqs, err := s.watcher.Drain()
	if err != nil {
		return skip, fmt.Errorf("reading control requests: %w", err)
	}
	for _, req := range reqs {
		switch req.Kind {
		case control.KindSkip:
			skip[req.DocumentID] = true
		case control.KindReprocess:
			// Reprocessing discards a terminal state, so snapshot first.
			if _, err := s.store.Checkpoint(fmt.Sprintf("pre-reprocess-%d", req.DocumentID)); err != nil {
				logging.Warn("Checkpoint before reprocess failed: %v", err)
			}
			err := s.store.Mutate(req.DocumentID, func(rec *document.Record) error {
				rec.Status = document.StatusPending
				rec.AttemptCount = 0
				rec.LastError = ""
				return nil
			})
			if err != nil {
				logging.Warn("Cannot reprocess document %d: %v", req.DocumentID, err)
			} else {
				logging.Info("Document %d queued for reprocessing", req.DocumentID)
			}
		}
	}
	return skip, nil
}

// classifyPending assigns a tier to every queued document that does
// not have one. Unreadable documents route to tier 3, the only backend
// that does not need a parseable text layer.
func (s *Scheduler) classifyPending(ctx context.Context, queue []int) error {
	for _, id := range queue {
		rec, ok := s.store.Get(id)
		if !ok || rec.Tier.Classified() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		tier := document.Tier3
		note := ""
		stats, err := s.prober.Probe(ctx, rec.SourcePath)
		if err != nil {
			note = fmt.Sprintf("unclassifiable: %v", err)
			logging.Warn("Document %d is unclassifiable, routing to %s: %v", id, tier, err)
		} else {
			tier = s.classifier.Classify(stats)
			logging.Debug("Document %d classified %s (text=%d images=%d nonascii=%.2f)",
				id, tier, stats.TextChars, stats.ImageCount, stats.NonASCIIFraction)
		}

		now := time.Now().UTC()
		err = s.store.Mutate(id, func(r *document.Record) error {
			r.Tier = tier
			r.ClassifiedAt = &now
			if note != "" {
				r.Notes = note
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// process runs the retry loop for one document.
func (s *Scheduler) process(ctx context.Context, id int) error {
	rec, ok := s.store.Get(id)
	if !ok {
		return nil
	}
	maxRetries := s.cfg.Extraction.MaxRetries

	for rec.AttemptCount < maxRetries {
		if ctx.Err() != nil {
			return nil
		}

		attemptTier := rec.Tier
		if s.cfg.FallbackEnabled() && rec.Tier == document.Tier3 && rec.AttemptCount == maxRetries-1 {
			attemptTier = classify.Fallback(rec.Tier)
			logging.Info("Document %d: final attempt falls back to %s", id, attemptTier)
		}

		err := s.store.Mutate(id, func(r *document.Record) error {
			r.Status = document.StatusInProgress
			r.AttemptCount++
			return nil
		})
		if err != nil {
			return err
		}
		rec.AttemptCount++

		res, err := s.attempt(ctx, rec, attemptTier)
		if err == nil {
			return s.settle(id, res)
		}

		if ctx.Err() != nil {
			// Shutdown, not a document failure. Give the attempt back
			// so resume retries it.
			return s.store.Mutate(id, func(r *document.Record) error {
				r.Status = document.StatusPending
				if r.AttemptCount > 0 {
					r.AttemptCount--
				}
				return nil
			})
		}

		kind := extract.FailureKind(err)
		logging.Warn("Document %d attempt %d/%d on %s failed (%s): %v",
			id, rec.AttemptCount, maxRetries, attemptTier, kind, err)

		final := rec.AttemptCount >= maxRetries
		if err := s.store.Mutate(id, func(r *document.Record) error {
			r.LastError = err.Error()
			if final {
				r.Status = document.StatusFailed
			} else {
				r.Status = document.StatusPending
			}
			return nil
		}); err != nil {
			return err
		}
		if final {
			s.notifyQuietly(s.notifier.DocumentFailed(s.store.RunID(), id, err.Error()))
			return nil
		}
	}
	return nil
}

// attempt runs one extraction with the tier's timeout and the global
// backend rate limit.
func (s *Scheduler) attempt(ctx context.Context, rec document.Record, tier document.Tier) (*extract.Result, error) {
	backend, err := s.registry.Get(tier)
	if err != nil {
		return nil, err
	}

	if s.limiter != nil && tier == document.Tier3 {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.tierTimeout(tier))
	defer cancel()

	res, err := backend.Extract(attemptCtx, rec)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, extract.NewError(extract.KindTimeout, attemptCtx.Err())
		}
		return nil, err
	}
	return res, nil
}

// settle scores a successful extraction and records the gate decision.
func (s *Scheduler) settle(id int, res *extract.Result) error {
	breakdown := s.scorer.Score(res)
	status := s.gate.Decide(breakdown.Composite, res.RecordCount())

	now := time.Now().UTC()
	quality := breakdown.Composite
	count := res.RecordCount()
	fields := res.Fields

	if status == document.StatusNeedsReview {
		logging.Info("Document %d scored %.2f, queued for review", id, quality)
	} else {
		logging.Debug("Document %d completed with score %.2f (%d rows)", id, quality, count)
	}

	return s.store.Mutate(id, func(r *document.Record) error {
		r.Status = status
		r.QualityScore = &quality
		r.RecordCount = &count
		r.LastError = ""
		r.ExtractedAt = &now
		r.Fields = &fields
		return nil
	})
}

func (s *Scheduler) tierTimeout(tier document.Tier) time.Duration {
	var secs int
	switch tier {
	case document.Tier1:
		secs = s.cfg.Extraction.Tier1TimeoutSec
	case document.Tier2:
		secs = s.cfg.Extraction.Tier2TimeoutSec
	default:
		secs = s.cfg.Extraction.Tier3TimeoutSec
	}
	return time.Duration(secs) * time.Second
}
