// Package control passes operator requests into a live run through
// marker files in a control directory. A second CLI invocation drops a
// request file; the scheduler polls the directory between dispatches.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies an operator request.
type Kind string

const (
	KindStop      Kind = "stop"
	KindSkip      Kind = "skip"
	KindReprocess Kind = "reprocess"
)

const stopFile = "emergency-stop"

// Request is one pending operator request.
type Request struct {
	Kind       Kind
	DocumentID int // zero for stop requests
}

// RequestStop asks a running scheduler to halt after in-flight work
// drains.
func RequestStop(dir string) error {
	return writeMarker(dir, stopFile)
}

// RequestSkip asks the scheduler to not dispatch a document this run.
func RequestSkip(dir string, id int) error {
	return writeMarker(dir, fmt.Sprintf("skip-%d", id))
}

// RequestReprocess asks the scheduler to queue a document again even
// if it already reached a terminal state.
func RequestReprocess(dir string, id int) error {
	return writeMarker(dir, fmt.Sprintf("reprocess-%d", id))
}

func writeMarker(dir, name string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating control directory: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(stamp), 0600); err != nil {
		return fmt.Errorf("writing control request: %w", err)
	}
	return nil
}

// ClearStop removes the emergency stop marker if one is present. A
// stop request only addresses the run it interrupted; the next run
// clears it before dispatching.
func ClearStop(dir string) error {
	err := os.Remove(filepath.Join(dir, stopFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing stop request: %w", err)
	}
	return nil
}

// Watcher polls a control directory.
type Watcher struct {
	dir string
}

// NewWatcher returns a watcher over dir.
func NewWatcher(dir string) *Watcher {
	return &Watcher{dir: dir}
}

// StopRequested reports whether an emergency stop marker is present.
// The marker stays on disk so late-starting workers also see it;
// ClearStop or Reset removes it.
func (w *Watcher) StopRequested() bool {
	_, err := os.Stat(filepath.Join(w.dir, stopFile))
	return err == nil
}

// Drain consumes all pending skip and reprocess requests, removing
// their marker files. Requests come back in document ID order.
func (w *Watcher) Drain() ([]Request, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var reqs []Request
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		req, ok := parseMarker(e.Name())
		if !ok {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, e.Name())); err != nil {
			return reqs, err
		}
		reqs = append(reqs, req)
	}

	sort.Slice(reqs, func(i, j int) bool { return reqs[i].DocumentID < reqs[j].DocumentID })
	return reqs, nil
}

func parseMarker(name string) (Request, bool) {
	for _, kind := range []Kind{KindSkip, KindReprocess} {
		prefix := string(kind) + "-"
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil || id <= 0 {
			return Request{}, false
		}
		return Request{Kind: kind, DocumentID: id}, true
	}
	return Request{}, false
}

// Reset removes every marker, including a stale emergency stop. Called
// when a new run starts.
func Reset(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := parseMarker(e.Name()); ok || e.Name() == stopFile {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
