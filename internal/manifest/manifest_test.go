package manifest

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadBytes(t *testing.T) {
	m, err := LoadBytes([]byte(`
documents:
  - id: 307
    path: AC_307.pdf
    district: Nashik
  - id: 216
    path: /abs/AC_216.pdf
    district: Pune
`), "/corpus")
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	if len(m.Documents) != 2 {
		t.Fatalf("got %d documents, want 2", len(m.Documents))
	}
	// Sorted ascending by ID.
	if m.Documents[0].ID != 216 || m.Documents[1].ID != 307 {
		t.Errorf("order = %d, %d, want 216, 307", m.Documents[0].ID, m.Documents[1].ID)
	}
	// Absolute paths kept, relative paths joined to root.
	if m.Documents[0].Path != "/abs/AC_216.pdf" {
		t.Errorf("absolute path rewritten: %q", m.Documents[0].Path)
	}
	if want := filepath.Join("/corpus", "AC_307.pdf"); m.Documents[1].Path != want {
		t.Errorf("relative path = %q, want %q", m.Documents[1].Path, want)
	}
}

func TestLoadBytesErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty", `documents: []`, "no documents"},
		{"missing path", "documents:\n  - id: 1", "path is required"},
		{"bad id", "documents:\n  - id: 0\n    path: a.pdf", "id must be positive"},
		{"duplicate id", "documents:\n  - id: 5\n    path: a.pdf\n  - id: 5\n    path: b.pdf", "duplicate document id 5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml), "")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
