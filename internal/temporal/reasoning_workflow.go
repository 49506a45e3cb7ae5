package temporal

import (
	"encoding/json"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/auditor/internal/reasoning"
	"github.com/antigravity-dev/auditor/internal/store"
)

// ReasoningWorkflow drives the per-Task Reasoner/Watcher loop
// INIT -> (REASON -> EVAL -> (PIVOT -> REASON) | STOP), then one
// Task.result write and one SPLIT -> DONE. Task.result is written and
// SPLIT runs once, after the loop stops, not after each round: a crash
// mid-loop leaves result empty and the Task re-enters at REASON. The
// Watcher is the local decision table in internal/reasoning; no
// separate Watcher or Ideator agent round runs.
//
// Generalizes a CortexAgentWorkflow PLAN->GATE->EXECUTE->
// REVIEW->HANDOFF->DOD->RECORD loop: where that workflow looped
// execute/review/DoD attempts and always called RecordOutcomeActivity
// (success or failure) before returning, this workflow loops
// reason/watch rounds and, unless the Task is already split_done, calls
// SplitActivity — after Task.result is written — before returning, so a
// crash mid-split leaves a recoverable state.
func ReasoningWorkflow(ctx workflow.Context, req ReasoningRequest) (ReasoningResult, error) {
	logger := workflow.GetLogger(ctx)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities

	var task *store.Task
	if err := workflow.ExecuteActivity(ctx, a.GetTaskActivity, req.TaskID).Get(ctx, &task); err != nil {
		return ReasoningResult{}, fmt.Errorf("reasoning: load task %d: %w", req.TaskID, err)
	}

	entry := reasoning.Resume(*task)
	if entry == reasoning.EntryDone {
		return ReasoningResult{TaskID: req.TaskID, ShortResult: "split_done"}, nil
	}

	var aggregate reasoning.ReasonerOutput
	var trace []RoundTrace
	finalDecision := string(reasoning.DecisionStop)

	if entry == reasoning.EntryReason {
		maxRounds := req.MaxRounds
		if maxRounds <= 0 {
			maxRounds = 6
		}
		watcher := reasoning.NewWatcherState(maxRounds, req.NoProgressPivot)

		round := 0
		for {
			round++

			var out RoundOutput
			if err := workflow.ExecuteActivity(ctx, a.RunAgentRoundActivity, RoundInput{
				ProjectID:     req.ProjectID,
				WorkspaceRoot: req.WorkspaceRoot,
				Stage:         "reason",
				Scope:         fmt.Sprintf("task-%d/round-%d/reasoner", req.TaskID, round),
				Prompt:        reasonerPrompt(*task, aggregate),
			}).Get(ctx, &out); err != nil {
				logger.Warn("reasoning: round failed", "task", req.TaskID, "round", round, "error", err)
				break
			}

			var roundOut reasoning.ReasonerOutput
			if err := workflow.ExecuteActivity(ctx, a.ParseReasonerActivity, out.Raw).Get(ctx, &roundOut); err != nil {
				roundOut = reasoning.ReasonerOutput{SchemaVersion: "1.0"}
			}

			decision, newCount := watcher.Evaluate(roundOut, false)
			aggregate.SchemaVersion = "1.0"
			aggregate.Vulnerabilities = append(aggregate.Vulnerabilities, roundOut.Vulnerabilities...)

			trace = append(trace, RoundTrace{
				Round:       round,
				Role:        "reasoner",
				Decision:    string(decision),
				NewFindings: newCount,
				ArtifactDir: out.ArtifactDir,
			})

			finalDecision = string(decision)
			if decision == reasoning.DecisionStop {
				break
			}
			if decision == reasoning.DecisionPivot {
				watcher.PendingHypotheses = 1 // a pivot marks one hypothesis pending; the loop continues as REASON
			}
		}

		resultJSON, err := json.Marshal(aggregate)
		if err != nil {
			return ReasoningResult{}, fmt.Errorf("reasoning: marshal aggregate result: %w", err)
		}
		if err := workflow.ExecuteActivity(ctx, a.UpdateTaskResultActivity, req.TaskID, string(resultJSON)).Get(ctx, nil); err != nil {
			return ReasoningResult{}, fmt.Errorf("reasoning: persist result: %w", err)
		}

		scanRecordJSON, err := marshalScanRecord(ScanRecord{
			ProjectID:     req.ProjectID,
			TaskID:        req.TaskID,
			Rounds:        trace,
			FinalDecision: finalDecision,
		})
		if err != nil {
			return ReasoningResult{}, err
		}
		if err := workflow.ExecuteActivity(ctx, a.SetTaskScanRecordActivity, req.TaskID, scanRecordJSON).Get(ctx, nil); err != nil {
			return ReasoningResult{}, fmt.Errorf("reasoning: persist scan_record: %w", err)
		}
	} else {
		// entry == EntrySplit: result already written by a prior (crashed)
		// run; re-parse it and proceed straight to SPLIT.
		parsed, err := reasoning.ParseReasonerOutput(task.Result)
		if err != nil {
			return ReasoningResult{}, fmt.Errorf("reasoning: resume parse task %d result: %w", req.TaskID, err)
		}
		aggregate = *parsed
	}

	// ===== SPLIT (always runs once Task.result is settled, and is idempotent) =====
	var splitRes reasoning.SplitResult
	if err := workflow.ExecuteActivity(ctx, a.SplitActivity, SplitInput{
		ProjectID: req.ProjectID,
		Task:      *task,
		Result:    aggregate,
	}).Get(ctx, &splitRes); err != nil {
		return ReasoningResult{}, fmt.Errorf("reasoning: split task %d: %w", req.TaskID, err)
	}

	return ReasoningResult{
		TaskID:          req.TaskID,
		RoundsRun:       len(trace),
		FindingsWritten: splitRes.FindingsWritten,
		ShortResult:     splitRes.ShortResult,
	}, nil
}

// reasonerPrompt builds the Reasoner's round prompt: the task's
// business-flow code and rule checklist, plus a note of vulnerabilities
// already surfaced so the agent hunts for new ones instead of repeating
// itself.
func reasonerPrompt(task store.Task, priorAggregate reasoning.ReasonerOutput) string {
	seedNote := ""
	if len(priorAggregate.Vulnerabilities) > 0 {
		seedNote = fmt.Sprintf(" Already found %d vulnerabilities this task; look for different issues.", len(priorAggregate.Vulnerabilities))
	}
	return fmt.Sprintf("Analyze this business flow for %s.%s\n\n%s", task.RuleKey, seedNote, task.BusinessFlowCode)
}
