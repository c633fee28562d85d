// Package store is the durable progress record for a run. State lives
// in a single JSON file with an embedded checksum; every write goes
// through a temp file and an atomic rename so a crash never leaves a
// half-written store behind.
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/electionarchive/form20-extract/internal/document"
	"github.com/electionarchive/form20-extract/internal/logging"
)

// ErrCorrupt marks a store whose contents fail checksum or structural
// verification. Callers must halt rather than process on top of it.
var ErrCorrupt = errors.New("progress store corrupt")

// envelope is the on-disk layout. The checksum covers the exact
// payload bytes as written.
type envelope struct {
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

type payload struct {
	RunID     string            `json:"run_id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Resumed   bool              `json:"resumed,omitempty"`
	Documents []document.Record `json:"documents"`
}

// Snapshot holds aggregate counters recomputed from the records. It is
// never stored, so the counts cannot drift from the documents.
type Snapshot struct {
	Total       int
	Pending     int
	InProgress  int
	Completed   int
	Failed      int
	NeedsReview int
}

// Processed counts documents that have reached a terminal or review
// state.
func (s Snapshot) Processed() int {
	return s.Completed + s.Failed + s.NeedsReview
}

// Store is the process-wide progress record. All access is serialized;
// Mutate is the only way to change a document record.
type Store struct {
	mu            sync.Mutex
	path          string
	checkpointDir string
	interval      int

	data      *payload
	index     map[int]int // document ID to slice position
	processed int         // terminal transitions since last auto checkpoint
}

// Create initializes a fresh store at path with the given records.
// Fails if a store already exists there.
func Create(path, checkpointDir string, interval int, records []document.Record) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("progress store already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.MkdirAll(checkpointDir, 0750); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	now := time.Now().UTC()
	docs := make([]document.Record, len(records))
	copy(docs, records)
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	s := &Store{
		path:          path,
		checkpointDir: checkpointDir,
		interval:      interval,
		data: &payload{
			RunID:     uuid.New().String(),
			CreatedAt: now,
			UpdatedAt: now,
			Documents: docs,
		},
	}
	s.reindex()
	if err := s.save(); err != nil {
		return nil, err
	}
	logging.Info("Initialized progress store %s with %d documents (run %s)", path, len(docs), s.data.RunID)
	return s, nil
}

// Open loads and verifies an existing store.
func Open(path, checkpointDir string, interval int) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading progress store: %w", err)
	}

	data, err := decode(raw)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:          path,
		checkpointDir: checkpointDir,
		interval:      interval,
		data:          data,
	}
	s.reindex()
	return s, nil
}

func decode(raw []byte) (*payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Checksum == "" || len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing checksum or payload", ErrCorrupt)
	}

	// The envelope writer re-indents the payload, so the checksum is
	// always computed over its compact form.
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	sum := sha256.Sum256(compact.Bytes())
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var data payload
	if err := json.Unmarshal(env.Payload, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if data.RunID == "" {
		return nil, fmt.Errorf("%w: missing run id", ErrCorrupt)
	}

	seen := make(map[int]struct{}, len(data.Documents))
	for _, rec := range data.Documents {
		if _, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate document %d", ErrCorrupt, rec.ID)
		}
		seen[rec.ID] = struct{}{}
		if _, err := document.ParseStatus(string(rec.Status)); err != nil {
			return nil, fmt.Errorf("%w: document %d: %v", ErrCorrupt, rec.ID, err)
		}
	}

	return &data, nil
}

func (s *Store) reindex() {
	s.index = make(map[int]int, len(s.data.Documents))
	for i, rec := range s.data.Documents {
		s.index[rec.ID] = i
	}
}

// save writes the store atomically: payload is marshaled, checksummed,
// written to a temp file in the same directory and renamed into place.
// Callers hold s.mu.
func (s *Store) save() error {
	s.data.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("marshaling progress store: %w", err)
	}
	sum := sha256.Sum256(body)

	raw, err := json.MarshalIndent(envelope{
		Checksum: hex.EncodeToString(sum[:]),
		Payload:  body,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling progress store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing progress store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing progress store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing progress store: %w", err)
	}
	return nil
}

// RunID returns the run identifier assigned at creation.
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.RunID
}

// Path returns the store's file location.
func (s *Store) Path() string { return s.path }

// Get returns a copy of one document record.
func (s *Store) Get(id int) (document.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return document.Record{}, false
	}
	return cloneRecord(s.data.Documents[i]), true
}

// All returns copies of every record in ascending ID order.
func (s *Store) All() []document.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]document.Record, len(s.data.Documents))
	for i, rec := range s.data.Documents {
		out[i] = cloneRecord(rec)
	}
	return out
}

// Mutate applies fn to one record under the store lock and persists
// the result. When fn moves the record into a terminal or review state
// the processed counter advances and an automatic checkpoint is taken
// every interval transitions.
func (s *Store) Mutate(id int, fn func(*document.Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("unknown document %d", id)
	}

	before := s.data.Documents[i].Status
	if err := fn(&s.data.Documents[i]); err != nil {
		return err
	}
	after := s.data.Documents[i].Status

	if err := s.save(); err != nil {
		return err
	}

	if before != after && (after == document.StatusCompleted || after == document.StatusFailed || after == document.StatusNeedsReview) {
		s.processed++
		if s.interval > 0 && s.processed >= s.interval {
			s.processed = 0
			if _, err := s.checkpointLocked("auto"); err != nil {
				logging.Warn("Automatic checkpoint failed: %v", err)
			}
		}
	}
	return nil
}

// ResetInProgress returns every in-progress record to pending. Called
// on resume: a document that was mid-flight when the process died
// never finished its attempt.
func (s *Store) ResetInProgress() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.data.Documents {
		if s.data.Documents[i].Status == document.StatusInProgress {
			s.data.Documents[i].Status = document.StatusPending
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	s.data.Resumed = true
	if err := s.save(); err != nil {
		return 0, err
	}
	return n, nil
}

// Snapshot recomputes the aggregate counters from the records.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	snap.Total = len(s.data.Documents)
	for _, rec := range s.data.Documents {
		switch rec.Status {
		case document.StatusPending:
			snap.Pending++
		case document.StatusInProgress:
			snap.InProgress++
		case document.StatusCompleted:
			snap.Completed++
		case document.StatusFailed:
			snap.Failed++
		case document.StatusNeedsReview:
			snap.NeedsReview++
		}
	}
	return snap
}

// Checkpoint writes an immutable timestamped copy of the store under
// the checkpoint directory and returns its path.
func (s *Store) Checkpoint(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked(name)
}

func (s *Store) checkpointLocked(name string) (string, error) {
	if err := os.MkdirAll(s.checkpointDir, 0750); err != nil {
		return "", fmt.Errorf("creating checkpoint directory: %w", err)
	}

	// Persist current state first so the copy reflects it.
	if err := s.save(); err != nil {
		return "", err
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	base := fmt.Sprintf("%s_%s", stamp, sanitizeName(name))
	dst := filepath.Join(s.checkpointDir, base+".json")
	for n := 1; ; n++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(s.checkpointDir, fmt.Sprintf("%s-%d.json", base, n))
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("reading progress store: %w", err)
	}
	if err := os.WriteFile(dst, raw, 0600); err != nil {
		return "", fmt.Errorf("writing checkpoint: %w", err)
	}
	logging.Info("Checkpoint written: %s", dst)
	return dst, nil
}

// Checkpoints lists checkpoint files in the checkpoint directory,
// oldest first.
func (s *Store) Checkpoints() ([]string, error) {
	entries, err := os.ReadDir(s.checkpointDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func sanitizeName(name string) string {
	if name == "" {
		return "checkpoint"
	}
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

func cloneRecord(rec document.Record) document.Record {
	out := rec
	if rec.QualityScore != nil {
		v := *rec.QualityScore
		out.QualityScore = &v
	}
	if rec.RecordCount != nil {
		v := *rec.RecordCount
		out.RecordCount = &v
	}
	if rec.ClassifiedAt != nil {
		v := *rec.ClassifiedAt
		out.ClassifiedAt = &v
	}
	if rec.ExtractedAt != nil {
		v := *rec.ExtractedAt
		out.ExtractedAt = &v
	}
	if rec.Fields != nil {
		f := *rec.Fields
		if rec.Fields.Candidates != nil {
			f.Candidates = make([]document.Candidate, len(rec.Fields.Candidates))
			copy(f.Candidates, rec.Fields.Candidates)
		}
		if rec.Fields.Stations != nil {
			f.Stations = make([]document.StationRow, len(rec.Fields.Stations))
			copy(f.Stations, rec.Fields.Stations)
			for i, row := range rec.Fields.Stations {
				if row.CandidateVotes != nil {
					f.Stations[i].CandidateVotes = make([]int, len(row.CandidateVotes))
					copy(f.Stations[i].CandidateVotes, row.CandidateVotes)
				}
			}
		}
		out.Fields = &f
	}
	return out
}
