package extract

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/electionarchive/form20-extract/internal/config"
	"github.com/electionarchive/form20-extract/internal/document"
)

func testPDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "AC_216.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 test"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func visionBackend(t *testing.T, url string) *VisionBackend {
	t.Helper()
	b, err := NewVisionBackend(config.VisionConfig{
		Endpoint:   url,
		Model:      "vision-test",
		MaxRetries: 2,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("NewVisionBackend: %v", err)
	}
	return b
}

const goodVisionBody = `{
  "constituency_number": 216,
  "constituency_name": "PUNE CANTONMENT",
  "total_electors": 308272,
  "elected_person": "SUNITA PATIL",
  "confidence": 0.91,
  "candidates": [{"name": "SUNITA PATIL", "votes": 864}],
  "stations": [
    {"serial": 1, "candidate_votes": [245, 312, 101], "valid": 658, "rejected": 2, "nota": 14, "total": 674}
  ]
}`

func TestVisionExtract(t *testing.T) {
	var gotReq visionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(goodVisionBody))
	}))
	defer srv.Close()

	b := visionBackend(t, srv.URL)
	rec := document.Record{ID: 216, SourcePath: testPDF(t)}

	res, err := b.Extract(context.Background(), rec)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if gotReq.DocumentID != 216 || gotReq.PDFBase64 == "" {
		t.Errorf("request = %+v, want document 216 with payload", gotReq)
	}
	if res.Confidence != 0.91 {
		t.Errorf("Confidence = %g, want 0.91", res.Confidence)
	}
	if res.RecordCount() != 1 {
		t.Errorf("RecordCount = %d, want 1", res.RecordCount())
	}
	if res.Fields.ElectedPerson != "SUNITA PATIL" {
		t.Errorf("ElectedPerson = %q", res.Fields.ElectedPerson)
	}
	if res.Tier != document.Tier3 {
		t.Errorf("Tier = %v, want tier 3", res.Tier)
	}
}

func TestVisionExtractRetriesOn429(t *testing.T) {
	orig := visionRetryBaseDelay
	visionRetryBaseDelay = time.Millisecond
	defer func() { visionRetryBaseDelay = orig }()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(goodVisionBody))
	}))
	defer srv.Close()

	b := visionBackend(t, srv.URL)
	_, err := b.Extract(context.Background(), document.Record{ID: 216, SourcePath: testPDF(t)})
	if err != nil {
		t.Fatalf("Extract after retry: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestVisionExtractFailureKinds(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    Kind
	}{
		{
			name: "server error is unavailable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: KindUnavailable,
		},
		{
			name: "schema violation is malformed output",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"confidence": 2.5, "stations": []}`))
			},
			want: KindMalformedOutput,
		},
		{
			name: "non-json body is malformed output",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>oops</html>"))
			},
			want: KindMalformedOutput,
		},
		{
			name: "empty station list is no data",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"confidence": 0.9, "stations": []}`))
			},
			want: KindNoData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			b := visionBackend(t, srv.URL)
			_, err := b.Extract(context.Background(), document.Record{ID: 216, SourcePath: testPDF(t)})
			if !IsKind(err, tt.want) {
				t.Errorf("err = %v, want kind %s", err, tt.want)
			}
		})
	}
}

func TestVisionExtractTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect
		// and cancels the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := visionBackend(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Extract(ctx, document.Record{ID: 216, SourcePath: testPDF(t)})
	if !IsKind(err, KindTimeout) {
		t.Errorf("err = %v, want kind %s", err, KindTimeout)
	}
}
