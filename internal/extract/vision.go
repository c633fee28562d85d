package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/electionarchive/form20-extract/internal/config"
	"github.com/electionarchive/form20-extract/internal/document"
)

// visionRetryBaseDelay controls the base duration for exponential
// backoff on HTTP 429 responses. Tests override this to avoid real
// sleeps.
var visionRetryBaseDelay = 10 * time.Second

// visionSchema constrains the hosted model's output. Responses that do
// not conform are malformed_output failures, never partial results.
const visionSchema = `{
  "type": "object",
  "required": ["confidence", "stations"],
  "properties": {
    "constituency_number": {"type": "integer"},
    "constituency_name": {"type": "string"},
    "total_electors": {"type": "integer", "minimum": 0},
    "elected_person": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "candidates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "party": {"type": "string"},
          "votes": {"type": "integer", "minimum": 0}
        }
      }
    },
    "stations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["serial", "total"],
        "properties": {
          "serial": {"type": "integer", "minimum": 1},
          "candidate_votes": {"type": "array", "items": {"type": "integer", "minimum": 0}},
          "valid": {"type": "integer", "minimum": 0},
          "rejected": {"type": "integer", "minimum": 0},
          "nota": {"type": "integer", "minimum": 0},
          "total": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

// VisionBackend handles tier 3 documents by sending page images to a
// hosted vision model over HTTP.
type VisionBackend struct {
	cfg    config.VisionConfig
	client *http.Client
	schema *jsonschema.Schema
}

// NewVisionBackend builds the vision backend. The response schema is
// compiled once here.
func NewVisionBackend(cfg config.VisionConfig) (*VisionBackend, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.json", strings.NewReader(visionSchema)); err != nil {
		return nil, fmt.Errorf("adding response schema: %w", err)
	}
	schema, err := compiler.Compile("response.json")
	if err != nil {
		return nil, fmt.Errorf("compiling response schema: %w", err)
	}

	return &VisionBackend{
		cfg:    cfg,
		client: &http.Client{},
		schema: schema,
	}, nil
}

func (b *VisionBackend) Name() string { return "vision" }

type visionRequest struct {
	Model      string `json:"model,omitempty"`
	DocumentID int    `json:"document_id"`
	PDFBase64  string `json:"pdf_base64"`
}

type visionResponse struct {
	ConstituencyNumber int     `json:"constituency_number"`
	ConstituencyName   string  `json:"constituency_name"`
	TotalElectors      int     `json:"total_electors"`
	ElectedPerson      string  `json:"elected_person"`
	Confidence         float64 `json:"confidence"`
	Candidates         []struct {
		Name  string `json:"name"`
		Party string `json:"party"`
		Votes int    `json:"votes"`
	} `json:"candidates"`
	Stations []struct {
		Serial         int   `json:"serial"`
		CandidateVotes []int `json:"candidate_votes"`
		Valid          int   `json:"valid"`
		Rejected       int   `json:"rejected"`
		NOTA           int   `json:"nota"`
		Total          int   `json:"total"`
	} `json:"stations"`
}

func (b *VisionBackend) Extract(ctx context.Context, rec document.Record) (*Result, error) {
	start := time.Now()

	raw, err := os.ReadFile(rec.SourcePath)
	if err != nil {
		return nil, categorizeSourceErr(err)
	}

	body, err := json.Marshal(visionRequest{
		Model:      b.cfg.Model,
		DocumentID: rec.ID,
		PDFBase64:  base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.doWithRetry(ctx, req, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(KindTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, NewError(KindUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Errorf(KindUnavailable, "vision endpoint returned %s", resp.Status)
	default:
		return nil, Errorf(KindMalformedOutput, "vision endpoint returned %s", resp.Status)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, NewError(KindUnavailable, err)
	}

	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, NewError(KindMalformedOutput, err)
	}
	if err := b.schema.Validate(generic); err != nil {
		return nil, Errorf(KindMalformedOutput, "response does not match schema: %v", err)
	}

	var vr visionResponse
	if err := json.Unmarshal(payload, &vr); err != nil {
		return nil, NewError(KindMalformedOutput, err)
	}
	if len(vr.Stations) == 0 {
		return nil, Errorf(KindNoData, "vision model extracted no polling station rows for document %d", rec.ID)
	}

	fields := document.Fields{
		ConstituencyNumber: vr.ConstituencyNumber,
		ConstituencyName:   vr.ConstituencyName,
		TotalElectors:      vr.TotalElectors,
		ElectedPerson:      vr.ElectedPerson,
	}
	if fields.ConstituencyNumber == 0 {
		fields.ConstituencyNumber = rec.ID
	}
	for _, c := range vr.Candidates {
		fields.Candidates = append(fields.Candidates, document.Candidate{Name: c.Name, Party: c.Party, Votes: c.Votes})
	}
	for _, s := range vr.Stations {
		fields.Stations = append(fields.Stations, document.StationRow{
			Serial:         s.Serial,
			CandidateVotes: s.CandidateVotes,
			Valid:          s.Valid,
			Rejected:       s.Rejected,
			NOTA:           s.NOTA,
			Total:          s.Total,
		})
	}

	return &Result{
		Tier:       document.Tier3,
		Fields:     fields,
		Confidence: vr.Confidence,
		Duration:   time.Since(start),
	}, nil
}

// doWithRetry retries the request on HTTP 429 with exponential
// backoff. The delay starts at visionRetryBaseDelay and doubles each
// attempt. The body is rewound per attempt. After exhausting retries
// the last 429 response is returned so the caller can classify it.
func (b *VisionBackend) doWithRetry(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	maxRetries := b.cfg.MaxRetries

	for attempt := 0; ; attempt++ {
		r := req.Clone(ctx)
		r.Body = io.NopCloser(bytes.NewReader(body))

		resp, err := b.client.Do(r)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= maxRetries {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		backoff := time.Duration(math.Pow(2, float64(attempt))) * visionRetryBaseDelay
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}
