package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auditor.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(projectID, name, group string) Task {
	return Task{
		UUID:      uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		RuleKey:   "reentrancy",
		Group:     group,
	}
}

func TestBulkInsertAndListTasksForProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tasks := []Task{
		sampleTask("proj1", "FlowA", "g1"),
		sampleTask("proj1", "FlowB", "g1"),
		sampleTask("proj1", "FlowC", "g2"),
	}
	ids, err := s.BulkInsertTasks(ctx, tasks)
	if err != nil {
		t.Fatalf("BulkInsertTasks: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}

	got, err := s.ListTasksForProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("ListTasksForProject: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(got))
	}
	for i := 0; i < len(got)-1; i++ {
		if got[i].Group > got[i+1].Group {
			t.Fatalf("tasks not ordered by group: %v", got)
		}
	}
}

func TestCountTasksForProjectResumePrecondition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.CountTasksForProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("CountTasksForProject: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 tasks before planning, got %d", n)
	}

	if _, err := s.BulkInsertTasks(ctx, []Task{sampleTask("proj1", "FlowA", "g1")}); err != nil {
		t.Fatalf("BulkInsertTasks: %v", err)
	}

	n, err = s.CountTasksForProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("CountTasksForProject: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task after planning, got %d", n)
	}
}

func TestUpdateTaskResultThenShortResultOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.BulkInsertTasks(ctx, []Task{sampleTask("proj1", "FlowA", "g1")})
	if err != nil {
		t.Fatalf("BulkInsertTasks: %v", err)
	}
	taskID := ids[0]

	resultJSON := `{"schema_version":"1.0","vulnerabilities":[{"description":"reentrant withdraw"}]}`
	if err := s.UpdateTaskResult(ctx, taskID, resultJSON); err != nil {
		t.Fatalf("UpdateTaskResult: %v", err)
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Result != resultJSON {
		t.Fatalf("expected result written before short_result, got %q", task.Result)
	}
	if task.ShortResult != "" {
		t.Fatalf("expected short_result still empty, got %q", task.ShortResult)
	}

	if err := s.SetTaskShortResult(ctx, taskID, "split_done"); err != nil {
		t.Fatalf("SetTaskShortResult: %v", err)
	}
	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.ShortResult != "split_done" {
		t.Fatalf("expected split_done, got %q", task.ShortResult)
	}
}

func TestReplaceTaskFindingsIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.BulkInsertTasks(ctx, []Task{sampleTask("proj1", "FlowA", "g1")})
	if err != nil {
		t.Fatalf("BulkInsertTasks: %v", err)
	}
	taskID := ids[0]

	findings := []Finding{
		{UUID: uuid.NewString(), TaskUUID: "tu1", RuleKey: "reentrancy", FindingJSON: `{"description":"bug one"}`},
		{UUID: uuid.NewString(), TaskUUID: "tu1", RuleKey: "reentrancy", FindingJSON: `{"description":"bug two"}`},
	}

	if err := s.ReplaceTaskFindings(ctx, "proj1", taskID, findings); err != nil {
		t.Fatalf("ReplaceTaskFindings (first): %v", err)
	}
	first, err := s.ListFindingsForTask(ctx, taskID)
	if err != nil {
		t.Fatalf("ListFindingsForTask: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(first))
	}

	// Re-running SPLIT with the same finding set must produce the same
	// set of descriptions (P6 idempotence), not an accumulating duplicate set.
	if err := s.ReplaceTaskFindings(ctx, "proj1", taskID, findings); err != nil {
		t.Fatalf("ReplaceTaskFindings (second): %v", err)
	}
	second, err := s.ListFindingsForTask(ctx, taskID)
	if err != nil {
		t.Fatalf("ListFindingsForTask: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected 2 findings after re-split, got %d", len(second))
	}

	descSet := func(fs []Finding) map[string]bool {
		out := make(map[string]bool, len(fs))
		for _, f := range fs {
			out[f.FindingJSON] = true
		}
		return out
	}
	a, b := descSet(first), descSet(second)
	if len(a) != len(b) {
		t.Fatalf("finding sets diverged across re-split: %v vs %v", a, b)
	}
	for k := range a {
		if !b[k] {
			t.Fatalf("re-split lost finding %q", k)
		}
	}
}

func TestListFindingsForValidationExcludesDeletedAndFinal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.BulkInsertTasks(ctx, []Task{sampleTask("proj1", "FlowA", "g1")})
	if err != nil {
		t.Fatalf("BulkInsertTasks: %v", err)
	}
	taskID := ids[0]

	findings := []Finding{
		{UUID: uuid.NewString(), TaskUUID: "tu1", RuleKey: "reentrancy", FindingJSON: `{"description":"pending one"}`},
		{UUID: uuid.NewString(), TaskUUID: "tu1", RuleKey: "reentrancy", FindingJSON: `{"description":"deleted one"}`, DedupStatus: "delete"},
		{UUID: uuid.NewString(), TaskUUID: "tu1", RuleKey: "reentrancy", FindingJSON: `{"description":"already validated"}`, ValidationStatus: "vulnerability"},
	}
	if err := s.ReplaceTaskFindings(ctx, "proj1", taskID, findings); err != nil {
		t.Fatalf("ReplaceTaskFindings: %v", err)
	}

	pending, err := s.ListFindingsForValidation(ctx, "proj1")
	if err != nil {
		t.Fatalf("ListFindingsForValidation: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending finding, got %d: %+v", len(pending), pending)
	}
	if pending[0].FindingJSON != `{"description":"pending one"}` {
		t.Fatalf("unexpected pending finding selected: %+v", pending[0])
	}
}

func TestUpdateFindingValidationWritesRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.BulkInsertTasks(ctx, []Task{sampleTask("proj1", "FlowA", "g1")})
	if err != nil {
		t.Fatalf("BulkInsertTasks: %v", err)
	}
	taskID := ids[0]

	if err := s.ReplaceTaskFindings(ctx, "proj1", taskID, []Finding{
		{UUID: uuid.NewString(), TaskUUID: "tu1", RuleKey: "reentrancy", FindingJSON: `{"description":"x"}`},
	}); err != nil {
		t.Fatalf("ReplaceTaskFindings: %v", err)
	}

	findings, err := s.ListFindingsForTask(ctx, taskID)
	if err != nil {
		t.Fatalf("ListFindingsForTask: %v", err)
	}
	findingID := findings[0].ID

	record := `{"schema_version":"validation_codex_v1","status":"vulnerability"}`
	if err := s.UpdateFindingValidation(ctx, findingID, "vulnerability", record); err != nil {
		t.Fatalf("UpdateFindingValidation: %v", err)
	}

	exported, err := s.ListFindingsForExport(ctx, "proj1")
	if err != nil {
		t.Fatalf("ListFindingsForExport: %v", err)
	}
	if len(exported) != 1 || exported[0].ValidationStatus != "vulnerability" || exported[0].ValidationRecord != record {
		t.Fatalf("unexpected exported finding: %+v", exported)
	}

	// Now a no-op re-validation candidate: the finding is no longer
	// selected because its validation_status is no longer pending/empty.
	pending, err := s.ListFindingsForValidation(ctx, "proj1")
	if err != nil {
		t.Fatalf("ListFindingsForValidation: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected finalized finding to drop out of validation selection, got %+v", pending)
	}
}

func TestWithRetryRetriesStoreErrorsOnce(t *testing.T) {
	ctx := context.Background()
	calls := 0
	op := func() error {
		calls++
		if calls == 1 {
			s := openTestStore(t)
			_, err := s.GetTask(ctx, 999)
			return err
		}
		return nil
	}
	if err := WithRetry(ctx, op); err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", calls)
	}
}
