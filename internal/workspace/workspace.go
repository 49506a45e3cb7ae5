// Package workspace resolves and validates a project's sandbox root
// against a dataset manifest.
//
// Grounded on internal/dispatch/docker.go's workdir resolution, but
// tightened: an escaping or missing path is always rejected, never
// silently substituted with a fallback directory.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/auditor/internal/errs"
)

// ManifestEntry is one row of the dataset manifest.
type ManifestEntry struct {
	Path string `json:"path"`
}

// Manifest maps project_id to its relative workspace path.
type Manifest map[string]ManifestEntry

// LoadManifest reads the read-only JSON manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Resolver computes and validates workspace_root for projects named in a
// dataset manifest, rejecting any path escape.
type Resolver struct {
	datasetBase string
	manifest    Manifest
}

// NewResolver builds a Resolver over an absolute dataset_base and manifest.
func NewResolver(datasetBase string, manifest Manifest) (*Resolver, error) {
	abs, err := filepath.Abs(datasetBase)
	if err != nil {
		return nil, fmt.Errorf("resolve dataset base %s: %w", datasetBase, err)
	}
	clean, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize dataset base %s: %w", abs, err)
	}
	return &Resolver{datasetBase: clean, manifest: manifest}, nil
}

// DatasetBase returns the canonical absolute dataset_base.
func (r *Resolver) DatasetBase() string { return r.datasetBase }

// Resolve computes the canonical workspace_root for project_id and
// verifies it exists, is a directory, and is contained under
// dataset_base. Any violation is returned as a *errs.Error(KindWorkspace).
func (r *Resolver) Resolve(projectID string) (string, error) {
	entry, ok := r.manifest[projectID]
	if !ok {
		return "", errs.Workspace(projectID, fmt.Errorf("project %q not present in manifest", projectID))
	}
	relPath := strings.TrimSpace(entry.Path)
	if relPath == "" {
		return "", errs.Workspace(projectID, fmt.Errorf("project %q has empty manifest path", projectID))
	}

	joined := filepath.Join(r.datasetBase, relPath)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", errs.Workspace(projectID, fmt.Errorf("resolve path: %w", err))
	}

	info, statErr := os.Stat(abs)
	if statErr != nil {
		return "", errs.Workspace(projectID, fmt.Errorf("stat workspace %s: %w", abs, statErr))
	}
	if !info.IsDir() {
		return "", errs.Workspace(projectID, fmt.Errorf("workspace %s is not a directory", abs))
	}

	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errs.Workspace(projectID, fmt.Errorf("canonicalize workspace %s: %w", abs, err))
	}

	if !isContained(r.datasetBase, canonical) {
		return "", errs.Workspace(projectID, fmt.Errorf("workspace %s escapes dataset base %s", canonical, r.datasetBase))
	}

	return canonical, nil
}

// isContained reports whether commonpath(base, target) == base,
// comparing by path-segment prefix so "/data/proj-2" never matches base
// "/data/proj".
func isContained(base, target string) bool {
	base = filepath.Clean(base)
	target = filepath.Clean(target)
	if base == target {
		return true
	}
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}
