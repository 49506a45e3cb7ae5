package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/antigravity-dev/auditor/internal/config"
	"github.com/antigravity-dev/auditor/internal/store"
	"github.com/antigravity-dev/auditor/internal/workspace"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "auditor.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newResolver(t *testing.T, manifest workspace.Manifest) *workspace.Resolver {
	t.Helper()
	base := t.TempDir()
	for _, entry := range manifest {
		if err := os.MkdirAll(filepath.Join(base, entry.Path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	r, err := workspace.NewResolver(base, manifest)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

// TestRunProjectSkipsPlanningWhenTasksAlreadyExist confirms a resumed
// project (Tasks already present) never starts PlanningWorkflow, so a
// nil Temporal client is safe as long as stage stops at "plan".
func TestRunProjectSkipsPlanningWhenTasksAlreadyExist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.BulkInsertTasks(ctx, []store.Task{
		{UUID: uuid.NewString(), ProjectID: "proj1", Name: "FlowA", RuleKey: "reentrancy", Group: "F1"},
	}); err != nil {
		t.Fatalf("BulkInsertTasks: %v", err)
	}

	resolver := newResolver(t, workspace.Manifest{"proj1": {Path: "proj1"}})

	d := &Driver{
		Cfg:      &config.Config{General: config.General{MaxParallel: 2}},
		Store:    s,
		Resolver: resolver,
	}

	res := d.runProject(ctx, "proj1", StagePlan)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Planning != nil {
		t.Fatalf("expected planning to be skipped, got %+v", res.Planning)
	}
}

// TestRunRecordsWorkspaceResolveFailurePerProject confirms one project's
// unresolvable workspace doesn't prevent Run from returning a result for
// every requested project.
func TestRunRecordsWorkspaceResolveFailurePerProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.BulkInsertTasks(ctx, []store.Task{
		{UUID: uuid.NewString(), ProjectID: "proj-ok", Name: "FlowA", RuleKey: "reentrancy", Group: "F1"},
	}); err != nil {
		t.Fatalf("BulkInsertTasks: %v", err)
	}

	resolver := newResolver(t, workspace.Manifest{"proj-ok": {Path: "proj-ok"}})

	d := &Driver{
		Cfg:      &config.Config{General: config.General{MaxParallel: 2}},
		Store:    s,
		Resolver: resolver,
	}

	results, err := d.Run(ctx, []string{"proj-missing", "proj-ok"}, StagePlan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	byID := map[string]ProjectResult{}
	for _, r := range results {
		byID[r.ProjectID] = r
	}

	if byID["proj-missing"].Err == nil {
		t.Fatalf("expected resolve error for proj-missing")
	}
	if byID["proj-ok"].Err != nil {
		t.Fatalf("unexpected error for proj-ok: %v", byID["proj-ok"].Err)
	}
}
