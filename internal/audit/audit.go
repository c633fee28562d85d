// Package audit records operator interventions in an append-only
// SQLite log. Corrections, batch approvals and manual completions all
// leave a row here; nothing is ever updated or deleted.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Actions recorded in the log.
const (
	ActionCorrection    = "correction"
	ActionBatchApproval = "batch_approval"
	ActionMarkComplete  = "mark_complete"
	ActionReset         = "reset"
	ActionReclassify    = "reclassify"
	ActionSkip          = "skip"
	ActionReprocess     = "reprocess"
	ActionVerifyCount   = "verify_count"
)

// Entry is one recorded intervention.
type Entry struct {
	ID         int64
	DocumentID int
	Action     string
	Field      string
	OldValue   string
	NewValue   string
	Author     string
	CreatedAt  time.Time
}

// Log is the append-only audit store.
type Log struct {
	db *sql.DB
}

// Open creates or opens the audit database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		field TEXT NOT NULL DEFAULT '',
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_entries(document_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends one entry.
func (l *Log) Record(e Entry) error {
	_, err := l.db.Exec(`
		INSERT INTO audit_entries (document_id, action, field, old_value, new_value, author)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.DocumentID, e.Action, e.Field, e.OldValue, e.NewValue, e.Author,
	)
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return nil
}

// ForDocument returns all entries for one document, oldest first.
func (l *Log) ForDocument(documentID int) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, document_id, action, field, old_value, new_value, author, created_at
		FROM audit_entries WHERE document_id = ? ORDER BY id`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the latest n entries across all documents, newest
// first.
func (l *Log) Recent(n int) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, document_id, action, field, old_value, new_value, author, created_at
		FROM audit_entries ORDER BY id DESC LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Action, &e.Field, &e.OldValue, &e.NewValue, &e.Author, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
