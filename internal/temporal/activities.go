package temporal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/auditor/internal/catalog"
	"github.com/antigravity-dev/auditor/internal/config"
	"github.com/antigravity-dev/auditor/internal/executor"
	"github.com/antigravity-dev/auditor/internal/planning"
	"github.com/antigravity-dev/auditor/internal/reasoning"
	"github.com/antigravity-dev/auditor/internal/store"
)

// Activities bundles the collaborators every workflow activity needs:
// the sandboxed agent, the durable store, and run-wide config. Grounded
// on an Activities{Store, Tiers, DAG} injection shape.
type Activities struct {
	Store   *store.Store
	Sandbox executor.Sandbox
	Cfg     *config.Config
}

// RoundInput parameterizes one AgentExecutor call shared by planning's
// P0-P5 rounds and reasoning's Reasoner/Watcher/Ideator rounds.
type RoundInput struct {
	ProjectID     string
	WorkspaceRoot string
	Stage         string // "plan" or "reason"
	Scope         string // e.g. "p0", "task-42/round-1/reasoner"
	Prompt        string
	TimeoutSec    int
}

// RoundOutput is the raw agent response plus where its artifacts landed.
type RoundOutput struct {
	Raw         string
	ArtifactDir string
}

// RunAgentRoundActivity invokes AgentExecutor once in read-only mode.
// Both PlanningWorkflow and ReasoningWorkflow call this for every
// prompt round; only Stage/Scope/Prompt vary.
func (a *Activities) RunAgentRoundActivity(ctx context.Context, in RoundInput) (RoundOutput, error) {
	timeout := time.Duration(in.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(a.Cfg.General.TimeoutSec) * time.Second
	}

	res, err := a.Sandbox.Run(ctx, executor.RunOpts{
		WorkspaceRoot: in.WorkspaceRoot,
		Prompt:        in.Prompt,
		Sandbox:       executor.ReadOnly,
		Approval:      executor.ApprovalNever,
		Timeout:       timeout,
		Stage:         in.Stage,
		ProjectID:     in.ProjectID,
		Scope:         in.Scope,
	})
	if err != nil {
		return RoundOutput{}, err
	}
	return RoundOutput{Raw: res.Stdout, ArtifactDir: res.ArtifactDir}, nil
}

// LoadCatalogActivity reads the tree-sitter tool's catalog output for a
// project's workspace and builds a FunctionCatalog. Tree-sitter parsing
// itself runs out-of-process, outside this binary; this activity only
// consumes "<workspace_root>/.auditor/catalog.json".
func (a *Activities) LoadCatalogActivity(ctx context.Context, workspaceRoot string) ([]catalog.Entry, error) {
	path := filepath.Join(workspaceRoot, ".auditor", "catalog.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("temporal: read catalog %s: %w", path, err)
	}
	return catalog.LoadEntries(raw)
}

// ParsePlanningDocumentActivity decodes one P0-P5 round's raw output.
func (a *Activities) ParsePlanningDocumentActivity(ctx context.Context, raw string) (*planning.Document, error) {
	return planning.ParseDocument(raw)
}

// FinalizeInput carries the resolved flows that survive Phase B into
// the Finalize step.
type FinalizeInput struct {
	ProjectID string
	Flows     []planning.ResolvedFlow
	RuleKeys  []string
	Rules     planning.RuleCatalog
}

// FinalizeOutput reports what Finalize persisted.
type FinalizeOutput struct {
	TaskIDs []int64
}

// FinalizeTasksActivity builds one Task per (Flow, rule_key) and
// persists them via a single bulk insert.
func (a *Activities) FinalizeTasksActivity(ctx context.Context, in FinalizeInput) (FinalizeOutput, error) {
	tasks, err := planning.Finalize(in.ProjectID, in.Flows, in.RuleKeys, in.Rules)
	if err != nil {
		return FinalizeOutput{}, err
	}
	ids, err := a.Store.BulkInsertTasks(ctx, tasks)
	if err != nil {
		return FinalizeOutput{}, err
	}
	return FinalizeOutput{TaskIDs: ids}, nil
}

// GetTaskActivity loads a Task row for ReasoningWorkflow's resume check.
func (a *Activities) GetTaskActivity(ctx context.Context, taskID int64) (*store.Task, error) {
	return a.Store.GetTask(ctx, taskID)
}

// ParseReasonerActivity decodes one reasoning round's raw output. A
// parse failure is non-fatal: it resolves to an empty
// vulnerabilities list so the Watcher sees a zero-progress round
// instead of aborting the Task.
func (a *Activities) ParseReasonerActivity(ctx context.Context, raw string) (reasoning.ReasonerOutput, error) {
	out, err := reasoning.ParseReasonerOutput(raw)
	if err != nil {
		return reasoning.ReasonerOutput{SchemaVersion: "1.0"}, nil
	}
	return *out, nil
}

// UpdateTaskResultActivity writes the aggregated multi-vuln JSON to
// Task.result. Must complete before SplitActivity runs, so a crash
// between the two never leaves Findings split from a result that was
// never durably recorded.
func (a *Activities) UpdateTaskResultActivity(ctx context.Context, taskID int64, resultJSON string) error {
	return a.Store.UpdateTaskResult(ctx, taskID, resultJSON)
}

// SetTaskScanRecordActivity persists the round-by-round trace.
func (a *Activities) SetTaskScanRecordActivity(ctx context.Context, taskID int64, scanRecordJSON string) error {
	return a.Store.SetTaskScanRecord(ctx, taskID, scanRecordJSON)
}

// SplitInput carries the aggregated result that SPLIT fans into Findings.
type SplitInput struct {
	ProjectID string
	Task      store.Task
	Result    reasoning.ReasonerOutput
}

// SplitActivity performs the idempotent SPLIT step.
func (a *Activities) SplitActivity(ctx context.Context, in SplitInput) (reasoning.SplitResult, error) {
	return reasoning.Split(ctx, a.Store, in.ProjectID, in.Task, in.Result)
}

// marshalScanRecord keeps JSON construction out of workflow code, which
// must stay deterministic; ReasoningWorkflow calls this as a plain
// function (not an activity) since it has no side effects.
func marshalScanRecord(rec ScanRecord) (string, error) {
	rec.SchemaVersion = reasoningTraceSchemaVersion
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("temporal: marshal scan_record: %w", err)
	}
	return string(b), nil
}
