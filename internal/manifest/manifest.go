// Package manifest loads the corpus manifest that enumerates the
// documents a run operates on.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Entry describes one source document in the corpus.
type Entry struct {
	ID       int    `yaml:"id"`
	Path     string `yaml:"path"`
	District string `yaml:"district,omitempty"`
}

// Manifest is the parsed corpus listing, ordered by document ID.
type Manifest struct {
	Documents []Entry `yaml:"documents"`
}

// Load reads and validates a corpus manifest from a YAML file.
// Relative document paths are resolved against root when root is non-empty.
func Load(path, root string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return LoadBytes(data, root)
}

// LoadBytes parses a manifest from raw YAML.
func LoadBytes(data []byte, root string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if len(m.Documents) == 0 {
		return nil, fmt.Errorf("manifest lists no documents")
	}

	seen := make(map[int]struct{}, len(m.Documents))
	for i := range m.Documents {
		e := &m.Documents[i]
		if e.ID <= 0 {
			return nil, fmt.Errorf("document %d: id must be positive, got %d", i, e.ID)
		}
		if e.Path == "" {
			return nil, fmt.Errorf("document %d: path is required", e.ID)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("duplicate document id %d", e.ID)
		}
		seen[e.ID] = struct{}{}
		if root != "" && !filepath.IsAbs(e.Path) {
			e.Path = filepath.Join(root, e.Path)
		}
	}

	sort.Slice(m.Documents, func(i, j int) bool {
		return m.Documents[i].ID < m.Documents[j].ID
	})

	return &m, nil
}
