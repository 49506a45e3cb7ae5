// Package reasoning implements ReasoningLoop (C5): the
// per-Task Reasoner/Watcher/Ideator state machine and the idempotent
// SPLIT step that turns a Task's aggregated result into Finding rows.
//
// The prompt round sequence itself runs as Temporal Activities in
// internal/temporal, which call into this package for parsing, the
// Watcher decision table, and SPLIT.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antigravity-dev/auditor/internal/errs"
	"github.com/antigravity-dev/auditor/internal/store"
	"github.com/google/uuid"
)

// Vulnerability is one element of the Reasoner's output array.
type Vulnerability struct {
	Description string `json:"description"`
}

// ReasonerOutput is the Reasoner's strict JSON schema (schema_version "1.0").
type ReasonerOutput struct {
	SchemaVersion   string          `json:"schema_version"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

// ParseReasonerOutput decodes the Reasoner's JSON. A parse failure is
// recorded by callers as a zero-vulnerability round, never as a fatal
// error to the loop.
func ParseReasonerOutput(raw string) (*ReasonerOutput, error) {
	var out ReasonerOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errs.Parse("", fmt.Errorf("reasoner output: %w", err))
	}
	return &out, nil
}

// EntryPoint classifies where a Task resumes into the state machine.
type EntryPoint string

const (
	EntryReason EntryPoint = "reason" // result == ""
	EntrySplit  EntryPoint = "split"  // result != "" && short_result != split_done
	EntryDone   EntryPoint = "done"   // short_result == split_done
)

// Resume determines a Task's entry point from its persisted columns.
func Resume(t store.Task) EntryPoint {
	if t.ShortResult == "split_done" {
		return EntryDone
	}
	if t.Result != "" {
		return EntrySplit
	}
	return EntryReason
}

// Decision is the Watcher's verdict for one round.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionPivot    Decision = "pivot"
	DecisionStop     Decision = "stop"
)

// Budget tracks the Watcher's round counters across a Task's loop.
type Budget struct {
	MaxRounds        int
	RoundsUsed       int
	NoProgressPivot  int // consecutive zero-new-finding rounds before pivot
	NoProgressRounds int
}

// RemainingRounds reports rounds left before the budget is exhausted.
func (b Budget) RemainingRounds() int {
	r := b.MaxRounds - b.RoundsUsed
	if r < 0 {
		return 0
	}
	return r
}

// WatcherState is the rolling state the Watcher consults each round,
// owned by the caller (Temporal Activity) across round invocations.
type WatcherState struct {
	Budget            Budget
	SeenDescriptions  map[string]bool
	LastInstruction   string
	PendingHypotheses int
}

// NewWatcherState builds the initial Watcher state with its round
// budget (default 3-6 rounds).
func NewWatcherState(maxRounds, noProgressPivot int) *WatcherState {
	return &WatcherState{
		Budget: Budget{MaxRounds: maxRounds, NoProgressPivot: noProgressPivot},
		SeenDescriptions: make(map[string]bool),
	}
}

// Evaluate applies the Watcher's decision table to one round's Reasoner
// output, updates rolling state, and returns the decision plus the
// count of genuinely new (non-duplicate) findings this round.
func (w *WatcherState) Evaluate(round ReasonerOutput, instructionRepeated bool) (Decision, int) {
	w.Budget.RoundsUsed++

	newCount := 0
	for _, v := range round.Vulnerabilities {
		key := normalizeDescription(v.Description)
		if key == "" || w.SeenDescriptions[key] {
			continue
		}
		w.SeenDescriptions[key] = true
		newCount++
	}

	if newCount == 0 {
		w.Budget.NoProgressRounds++
	} else {
		w.Budget.NoProgressRounds = 0
	}

	remaining := w.Budget.RemainingRounds()

	switch {
	case remaining <= 0:
		return DecisionStop, newCount
	case newCount == 0 && w.PendingHypotheses == 0:
		return DecisionStop, newCount
	case w.Budget.NoProgressRounds >= w.Budget.NoProgressPivot && w.Budget.NoProgressPivot > 0:
		return DecisionPivot, newCount
	case instructionRepeated:
		return DecisionPivot, newCount
	case newCount > 0:
		return DecisionContinue, newCount
	default:
		return DecisionContinue, newCount
	}
}

func normalizeDescription(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

// SplitResult is the outcome of one SPLIT invocation.
type SplitResult struct {
	FindingsWritten int
	ShortResult     string // "split_done" or "split_failed"
}

// Split performs the idempotent SPLIT step: delete all Findings for
// task_id then insert one Finding per vulnerabilities[i]. Task.result
// must already be written by the caller before Split runs; Split only
// touches short_result and project_finding.
func Split(ctx context.Context, st *store.Store, projectID string, task store.Task, result ReasonerOutput) (SplitResult, error) {
	findings := make([]store.Finding, 0, len(result.Vulnerabilities))
	for _, v := range result.Vulnerabilities {
		fj, err := json.Marshal(Vulnerability{Description: v.Description})
		if err != nil {
			_ = st.SetTaskShortResult(ctx, task.ID, "split_failed")
			return SplitResult{ShortResult: "split_failed"}, fmt.Errorf("reasoning: marshal finding_json: %w", err)
		}
		findings = append(findings, store.Finding{
			UUID:                 uuid.NewString(),
			TaskUUID:             task.UUID,
			RuleKey:              task.RuleKey,
			FindingJSON:          string(fj),
			TaskName:             task.Name,
			TaskContent:          task.Content,
			TaskBusinessFlowCode: task.BusinessFlowCode,
			TaskContractCode:     task.ContractCode,
			TaskStartLine:        task.StartLine,
			TaskEndLine:          task.EndLine,
			TaskRelativeFilePath: task.RelativeFilePath,
			TaskAbsoluteFilePath: task.AbsoluteFilePath,
			TaskRule:             task.Rule,
			TaskGroup:            task.Group,
		})
	}

	if err := st.ReplaceTaskFindings(ctx, projectID, task.ID, findings); err != nil {
		_ = st.SetTaskShortResult(ctx, task.ID, "split_failed")
		return SplitResult{ShortResult: "split_failed"}, err
	}
	if err := st.SetTaskShortResult(ctx, task.ID, "split_done"); err != nil {
		return SplitResult{ShortResult: "split_failed"}, err
	}

	return SplitResult{FindingsWritten: len(findings), ShortResult: "split_done"}, nil
}
