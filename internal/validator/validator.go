// Package validator implements Validator: it
// re-confirms each Finding with an evidence-based AgentExecutor call,
// parses the agent's verdict, and writes an auditable validation_record.
//
// Grounded on internal/health/stuck.go's scan-and-act loop (select
// candidates from the store, act on each, log per-item outcome) and
// internal/dispatch/retry.go's timeout/backoff shape for the per-item
// deadline; concurrency uses golang.org/x/sync/errgroup.SetLimit in
// place of a sequential for-loop, since unbounded validation
// concurrency would starve the executor's own concurrency limits.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/auditor/internal/errs"
	"github.com/antigravity-dev/auditor/internal/executor"
	"github.com/antigravity-dev/auditor/internal/store"
)

// Status is the enumerated validation_status.
type Status string

const (
	StatusPending            Status = "pending"
	StatusIntendedDesign     Status = "intended_design"
	StatusFalsePositive      Status = "false_positive"
	StatusVulnerability      Status = "vulnerability"
	StatusVulnHighCost       Status = "vuln_high_cost"
	StatusVulnLowImpact      Status = "vuln_low_impact"
	StatusNotSure            Status = "not_sure"
	StatusError              Status = "error"
)

// ExitMode records how the agent invocation ended.
type ExitMode string

const (
	ExitOK      ExitMode = "ok"
	ExitTimeout ExitMode = "timeout"
	ExitError   ExitMode = "error"
)

// Evidence is one element of the Validation output's evidence[] array.
type Evidence struct {
	File    string `json:"file"`
	Locator string `json:"locator"`
	Snippet string `json:"snippet,omitempty"`
	Why     string `json:"why"`
}

// Verdict is the Validation output schema
// schema_version "validation_codex_v1").
type Verdict struct {
	SchemaVersion        string     `json:"schema_version"`
	Status               Status     `json:"status"`
	Confidence           string     `json:"confidence"`
	Exists               bool       `json:"exists"`
	Classification       string     `json:"classification"`
	Impact               string     `json:"impact"`
	ExploitDifficulty    string     `json:"exploit_difficulty"`
	Reason               string     `json:"reason"`
	Evidence             []Evidence `json:"evidence"`
	DocReferences        []string   `json:"doc_references"`
	AttackPreconditions  []string   `json:"attack_preconditions"`
	AttackPath           string     `json:"attack_path"`
	Mitigation           string     `json:"mitigation"`
	Unknowns             []string   `json:"unknowns"`
}

// ParseVerdict decodes the agent's single JSON verdict object.
func ParseVerdict(raw string) (*Verdict, error) {
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, errs.Parse("", fmt.Errorf("validation verdict: %w", err))
	}
	return &v, nil
}

// Record is the validation_record JSON persisted alongside
// validation_status.
type Record struct {
	SchemaVersion string    `json:"schema_version"`
	RawFinalText  string    `json:"raw_final_text"`
	Parsed        *Verdict  `json:"parsed,omitempty"`
	WorkspaceRoot string    `json:"workspace_root"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	PromptHash    string    `json:"prompt_hash"`
	ExitMode      ExitMode  `json:"exit_mode"`
}

const recordSchemaVersion = "validation_record_v1"

// PromptHash returns the sha256 hex digest of a prompt, used so the
// validation_record can attest exactly what was asked without
// duplicating potentially large prompt text in every row.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// BuildPrompt constructs the strict JSON-only re-validation prompt for
// one Finding (finding_json, rule_key, optional hints).
func BuildPrompt(f store.Finding) string {
	return fmt.Sprintf(
		"Re-validate this candidate vulnerability with evidence-based search. "+
			"Respond with a single strict JSON object matching schema_version %q.\n\n"+
			"rule_key: %s\nfile: %s\nfunction: %s\nfinding: %s",
		"validation_codex_v1", f.RuleKey, f.TaskRelativeFilePath, f.TaskName, f.FindingJSON,
	)
}

// Outcome is one Finding's validation result, ready to persist.
type Outcome struct {
	FindingID int64
	Status    Status
	Record    Record
}

// toRecordJSON marshals an Outcome's Record for Store.UpdateFindingValidation.
func (o Outcome) toRecordJSON() (string, error) {
	o.Record.SchemaVersion = recordSchemaVersion
	b, err := json.Marshal(o.Record)
	if err != nil {
		return "", fmt.Errorf("validator: marshal validation_record: %w", err)
	}
	return string(b), nil
}

// mapStatus translates the agent verdict's status to the persisted
// validation_status. An empty/unrecognized status from the agent is
// treated as not_sure, matching the parse-failure fallback rule.
func mapStatus(raw Status) Status {
	switch raw {
	case StatusIntendedDesign, StatusFalsePositive, StatusVulnerability,
		StatusVulnHighCost, StatusVulnLowImpact, StatusNotSure:
		return raw
	default:
		return StatusNotSure
	}
}

// Runner executes the Validator's bounded-concurrency pool over a
// project's pending Findings.
type Runner struct {
	Store       *store.Store
	Sandbox     executor.Sandbox
	MaxParallel int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Run selects every pending Finding for projectID and re-validates it
// with bounded concurrency, writing status+record as each completes.
// Each item's AgentExecutor call gets its own timeout and is cancelled
// independently if the parent ctx is cancelled.
func (r *Runner) Run(ctx context.Context, projectID, workspaceRoot string) (int, error) {
	var pending []store.Finding
	if err := store.WithRetry(ctx, func() error {
		var err error
		pending, err = r.Store.ListFindingsForValidation(ctx, projectID)
		return err
	}); err != nil {
		return 0, err
	}

	limit := r.MaxParallel
	if limit <= 0 {
		limit = 3
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var done atomic.Int64
	for _, f := range pending {
		f := f
		g.Go(func() error {
			outcome := r.validateOne(gctx, projectID, workspaceRoot, f, timeout)
			recordJSON, err := outcome.toRecordJSON()
			if err != nil {
				return err
			}
			if err := store.WithRetry(gctx, func() error {
				return r.Store.UpdateFindingValidation(gctx, outcome.FindingID, string(outcome.Status), recordJSON)
			}); err != nil {
				return err
			}
			if r.Logger != nil {
				r.Logger.Info("finding validated",
					"project_id", projectID, "finding_id", outcome.FindingID, "status", outcome.Status)
			}
			done.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	return int(done.Load()), nil
}

// validateOne runs one Finding through AgentExecutor and classifies the
// outcome. It never returns an error: infrastructure failures map to
// status=error with exit_mode recorded, so one bad item never aborts
// the pool (errgroup.Go's error would cancel every sibling call).
func (r *Runner) validateOne(ctx context.Context, projectID, workspaceRoot string, f store.Finding, timeout time.Duration) Outcome {
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := BuildPrompt(f)
	started := time.Now()

	res, err := r.Sandbox.Run(itemCtx, executor.RunOpts{
		WorkspaceRoot: workspaceRoot,
		Prompt:        prompt,
		Sandbox:       executor.ReadOnly,
		Approval:      executor.ApprovalNever,
		Timeout:       timeout,
		Stage:         "validate",
		ProjectID:     projectID,
		Scope:         fmt.Sprintf("finding-%d", f.ID),
	})

	rec := Record{
		WorkspaceRoot: workspaceRoot,
		StartedAt:     started,
		FinishedAt:    time.Now(),
		PromptHash:    PromptHash(prompt),
	}

	if err != nil {
		rec.ExitMode = ExitError
		if errs.IsKind(err, errs.KindTimeout) {
			rec.ExitMode = ExitTimeout
		}
		return Outcome{FindingID: f.ID, Status: StatusError, Record: rec}
	}

	rec.ExitMode = ExitOK
	rec.RawFinalText = res.Stdout

	verdict, perr := ParseVerdict(res.Stdout)
	if perr != nil {
		return Outcome{FindingID: f.ID, Status: StatusNotSure, Record: rec}
	}
	rec.Parsed = verdict

	return Outcome{FindingID: f.ID, Status: mapStatus(verdict.Status), Record: rec}
}
