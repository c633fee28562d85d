package notify

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/electionarchive/form20-extract/internal/config"
	"github.com/electionarchive/form20-extract/internal/store"
)

func newTestNotifier(t *testing.T, status int) (*Notifier, *[]SlackMessage) {
	t.Helper()

	var got []SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading webhook body: %v", err)
		}
		var msg SlackMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Errorf("unmarshaling webhook body: %v", err)
		}
		got = append(got, msg)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	n := New(&config.SlackConfig{
		Enabled:    true,
		WebhookURL: srv.URL,
		Channel:    "#extraction",
	})
	return n, &got
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	n := New(nil)
	if n.IsEnabled() {
		t.Fatal("nil config should disable notifications")
	}
	if err := n.RunStarted("run-1", 10); err != nil {
		t.Fatalf("disabled notifier returned error: %v", err)
	}
}

func TestRunCompletedClean(t *testing.T) {
	n, got := newTestNotifier(t, http.StatusOK)

	snap := store.Snapshot{Total: 5, Completed: 5}
	if err := n.RunCompleted("run-1", time.Now(), 90*time.Second, snap); err != nil {
		t.Fatalf("RunCompleted: %v", err)
	}

	if len(*got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(*got))
	}
	msg := (*got)[0]
	if msg.Channel != "#extraction" {
		t.Errorf("channel = %q", msg.Channel)
	}
	if msg.IconEmoji != ":white_check_mark:" {
		t.Errorf("clean run should use the success icon, got %q", msg.IconEmoji)
	}
	if !strings.Contains(msg.Text, "5 of 5") {
		t.Errorf("summary text = %q", msg.Text)
	}
}

func TestRunCompletedWithIssuesWarns(t *testing.T) {
	n, got := newTestNotifier(t, http.StatusOK)

	snap := store.Snapshot{Total: 5, Completed: 3, Failed: 1, NeedsReview: 1}
	if err := n.RunCompleted("run-1", time.Now(), time.Minute, snap); err != nil {
		t.Fatalf("RunCompleted: %v", err)
	}

	msg := (*got)[0]
	if msg.IconEmoji != ":warning:" {
		t.Errorf("run with failures should warn, got %q", msg.IconEmoji)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Color != "#ffc107" {
		t.Errorf("expected yellow attachment, got %+v", msg.Attachments)
	}
}

func TestDocumentFailed(t *testing.T) {
	n, got := newTestNotifier(t, http.StatusOK)

	if err := n.DocumentFailed("run-1", 216, "backend_unavailable: vision service down"); err != nil {
		t.Fatalf("DocumentFailed: %v", err)
	}

	fields := (*got)[0].Attachments[0].Fields
	var doc string
	for _, f := range fields {
		if f.Title == "Document" {
			doc = f.Value
		}
	}
	if doc != "AC_216" {
		t.Errorf("document field = %q, want AC_216", doc)
	}
}

func TestSendReportsWebhookError(t *testing.T) {
	n, _ := newTestNotifier(t, http.StatusForbidden)

	err := n.RunFailed("run-1", errors.New("boom"), time.Second)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
}
