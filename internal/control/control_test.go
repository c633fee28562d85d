package control

import (
	"testing"
)

func TestStopRequest(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir)

	if w.StopRequested() {
		t.Fatal("no stop should be pending in a fresh directory")
	}
	if err := RequestStop(dir); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	if !w.StopRequested() {
		t.Error("stop marker not visible")
	}
	// The marker survives a drain; only Reset clears it.
	if _, err := w.Drain(); err != nil {
		t.Fatal(err)
	}
	if !w.StopRequested() {
		t.Error("Drain must not consume the stop marker")
	}

	if err := Reset(dir); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if w.StopRequested() {
		t.Error("Reset should clear the stop marker")
	}
}

func TestDrainRequests(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir)

	if err := RequestSkip(dir, 307); err != nil {
		t.Fatal(err)
	}
	if err := RequestReprocess(dir, 12); err != nil {
		t.Fatal(err)
	}

	reqs, err := w.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if reqs[0] != (Request{Kind: KindReprocess, DocumentID: 12}) {
		t.Errorf("first request = %+v", reqs[0])
	}
	if reqs[1] != (Request{Kind: KindSkip, DocumentID: 307}) {
		t.Errorf("second request = %+v", reqs[1])
	}

	// Consumed on drain.
	again, err := w.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second drain returned %+v, want nothing", again)
	}
}

func TestDrainIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	if err := RequestSkip(dir, 5); err != nil {
		t.Fatal(err)
	}
	if err := RequestStop(dir); err != nil {
		t.Fatal(err)
	}
	// A malformed marker stays untouched.
	if err := writeMarker(dir, "skip-abc"); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(dir)
	reqs, err := w.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].DocumentID != 5 {
		t.Errorf("requests = %+v", reqs)
	}
	if !w.StopRequested() {
		t.Error("stop marker must survive")
	}
}
