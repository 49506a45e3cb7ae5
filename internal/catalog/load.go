package catalog

import (
	"encoding/json"
	"fmt"
)

// rawEntry mirrors the tree-sitter tool's per-function JSON record. Field
// names match the external tool's output; this is the seam where its
// result enters the catalog.
type rawEntry struct {
	Container  string `json:"container"`
	Name       string `json:"name"`
	Signature  string `json:"signature"`
	FilePath   string `json:"file_path"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	Visibility string `json:"visibility"`
	Body       string `json:"body"`
}

// LoadEntries decodes the tree-sitter tool's catalog JSON (an array of
// function records) into []Entry, ready for Build.
func LoadEntries(raw []byte) ([]Entry, error) {
	var rows []rawEntry
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("catalog: parse tree-sitter output: %w", err)
	}
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = Entry{
			Container:  r.Container,
			Name:       r.Name,
			Signature:  r.Signature,
			FilePath:   r.FilePath,
			StartLine:  r.StartLine,
			EndLine:    r.EndLine,
			Visibility: r.Visibility,
			Body:       r.Body,
		}
	}
	return entries, nil
}
