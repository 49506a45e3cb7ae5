package temporal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/auditor/internal/catalog"
	"github.com/antigravity-dev/auditor/internal/planning"
)

// PlanningWorkflow drives PlanningEngine's two phases for one project
// Phase A (P0 draft -> P1 normalize -> P2 resolve)
// produces an initial Flow set; Phase B (P3 batch uncovered refs -> P4
// propose additions -> P5 re-resolve) repeats until coverage_target is
// met or max_repair_rounds is exhausted. Finalize then emits one Task
// per (Flow, rule_key).
//
// Generalizes a PlanningCeremonyWorkflow cycle loop: that
// workflow repeated groom->select->question->summarize->greenlight up
// to 5 times waiting on human signals; this workflow repeats
// draft->resolve->measure-coverage up to MaxRepairRounds, waiting on
// nothing but the agent and the catalog.
func PlanningWorkflow(ctx workflow.Context, req PlanningRequest) (PlanningResult, error) {
	logger := workflow.GetLogger(ctx)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities

	var entries []catalog.Entry
	if err := workflow.ExecuteActivity(ctx, a.LoadCatalogActivity, req.WorkspaceRoot).Get(ctx, &entries); err != nil {
		return PlanningResult{}, fmt.Errorf("planning: load catalog: %w", err)
	}
	cat := catalog.Build(entries)

	var doc *planning.Document
	round := 0

	// ===== PHASE A: forward extraction (P0 -> P1 -> P2) =====
	for _, scope := range []string{"p0", "p1", "p2"} {
		round++
		var out RoundOutput
		if err := workflow.ExecuteActivity(ctx, a.RunAgentRoundActivity, RoundInput{
			ProjectID:     req.ProjectID,
			WorkspaceRoot: req.WorkspaceRoot,
			Stage:         "plan",
			Scope:         scope,
			Prompt:        planningPrompt(scope, cat, doc),
		}).Get(ctx, &out); err != nil {
			return PlanningResult{}, fmt.Errorf("planning: %s round: %w", scope, err)
		}

		var parsed *planning.Document
		if err := workflow.ExecuteActivity(ctx, a.ParsePlanningDocumentActivity, out.Raw).Get(ctx, &parsed); err != nil {
			logger.Warn("planning: parse failed, retaining last snapshot", "scope", scope, "error", err)
			continue
		}
		doc = parsed
	}
	if doc == nil {
		return PlanningResult{}, fmt.Errorf("planning: phase A produced no parseable document")
	}

	flows := resolveFlows(cat, doc.Flows)
	stats := planning.ComputeCoverage(cat, flows)

	// ===== PHASE B: coverage repair (P3 -> P4 -> P5), bounded rounds =====
	maxRounds := req.MaxRepairRounds
	if maxRounds <= 0 {
		maxRounds = 4
	}
	for repairRound := 0; repairRound < maxRounds && stats.Coverage < req.CoverageTarget && len(stats.Uncovered) > 0; repairRound++ {
		round++
		batches := planning.PartitionBatches(stats.Uncovered, req.BatchSizeMin, req.BatchSizeMax)
		if len(batches) == 0 {
			break
		}

		var out RoundOutput
		if err := workflow.ExecuteActivity(ctx, a.RunAgentRoundActivity, RoundInput{
			ProjectID:     req.ProjectID,
			WorkspaceRoot: req.WorkspaceRoot,
			Stage:         "plan",
			Scope:         fmt.Sprintf("repair-%d", repairRound+1),
			Prompt:        repairPrompt(batches[0], cat, doc),
		}).Get(ctx, &out); err != nil {
			logger.Warn("planning: repair round failed, stopping repair", "round", repairRound+1, "error", err)
			break
		}

		var parsed *planning.Document
		if err := workflow.ExecuteActivity(ctx, a.ParsePlanningDocumentActivity, out.Raw).Get(ctx, &parsed); err != nil {
			logger.Warn("planning: repair round parse failed, retaining last snapshot", "round", repairRound+1, "error", err)
			continue
		}
		doc = parsed
		flows = resolveFlows(cat, doc.Flows)
		stats = planning.ComputeCoverage(cat, flows)

		logger.Info("planning: repair round complete", "round", repairRound+1, "coverage", stats.Coverage)
	}

	// ===== FINALIZE =====
	var finalizeOut FinalizeOutput
	if err := workflow.ExecuteActivity(ctx, a.FinalizeTasksActivity, FinalizeInput{
		ProjectID: req.ProjectID,
		Flows:     flows,
		RuleKeys:  req.RuleKeys,
		Rules:     req.Rules,
	}).Get(ctx, &finalizeOut); err != nil {
		return PlanningResult{}, fmt.Errorf("planning: finalize: %w", err)
	}

	return PlanningResult{
		ProjectID:     req.ProjectID,
		TasksCreated:  len(finalizeOut.TaskIDs),
		FinalCoverage: stats,
		Rounds:        round,
	}, nil
}

func resolveFlows(cat *catalog.Catalog, flows []planning.Flow) []planning.ResolvedFlow {
	out := make([]planning.ResolvedFlow, 0, len(flows))
	for _, f := range flows {
		out = append(out, planning.ResolveFlow(cat, f))
	}
	return out
}

// planningPrompt builds the P0/P1/P2 prompt. P0 presents the full
// catalog with hard constraints (refs verbatim, no bare names); P1/P2
// re-present the prior snapshot for normalization/resolution passes
func planningPrompt(scope string, cat *catalog.Catalog, prior *planning.Document) string {
	snapshot := ""
	if prior != nil {
		if b, err := json.Marshal(prior); err == nil {
			snapshot = "\n\nPrior snapshot:\n" + string(b)
		}
	}
	switch scope {
	case "p0":
		ids := make([]string, 0, cat.Len())
		for _, e := range cat.List() {
			ids = append(ids, e.CanonicalID())
		}
		return fmt.Sprintf("Identify business flows grouping related functions from this catalog of %d functions. Refs must be drawn verbatim from the catalog; no external interfaces, no bare function names, no constants or events.\n\nCatalog:\n%s", cat.Len(), strings.Join(ids, "\n"))
	case "p1":
		return "Normalize the prior group/flow draft: dedupe function_refs, ensure every flow has at least one group_id." + snapshot
	default:
		return "Resolve every function_ref against the catalog and report any refs that do not match." + snapshot
	}
}

func repairPrompt(batch []string, cat *catalog.Catalog, prior *planning.Document) string {
	return fmt.Sprintf("The following %d catalog functions are not yet covered by any business flow: %v. Propose new flows or additions to existing flows ('~' prefix) to cover them.", len(batch), batch)
}
