// Package pipeline implements PipelineDriver (C8): the top-level
// per-project stage sequencer that drives Planning, then Reasoning
// (one Task per flow/rule group), then Validation, bounding both
// inter-project and inter-task concurrency.
//
// Grounded on cmd/cortex/main.go's goroutine-per-subsystem construction
// and internal/health/stuck.go's scan-and-act shape; concurrency uses
// golang.org/x/sync/errgroup with SetLimit in place of a fixed
// single-goroutine-per-subsystem wiring, since PipelineDriver fans out
// across many projects and tasks rather than starting fixed subsystems.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/auditor/internal/config"
	"github.com/antigravity-dev/auditor/internal/planning"
	"github.com/antigravity-dev/auditor/internal/store"
	"github.com/antigravity-dev/auditor/internal/temporal"
	"github.com/antigravity-dev/auditor/internal/validator"
	"github.com/antigravity-dev/auditor/internal/workspace"
)

// Stage names a point in the plan -> reason -> validate sequence a
// caller can stop at (the CLI's --stage flag).
type Stage string

const (
	StagePlan     Stage = "plan"
	StageReason   Stage = "reason"
	StageValidate Stage = "validate"
	StageAll      Stage = "all"
)

// ProjectResult summarizes one project's run through the requested stages.
type ProjectResult struct {
	ProjectID        string
	WorkspaceRoot    string
	Planning         *temporal.PlanningResult
	TasksReasoned    int
	FindingsValidated int
	Err              error
}

// Driver sequences the pipeline's stages across one or more projects,
// bounded by Cfg.General.MaxParallel concurrent projects.
type Driver struct {
	Cfg       *config.Config
	Store     *store.Store
	Resolver  *workspace.Resolver
	Temporal  client.Client
	Validator *validator.Runner
	Logger    *slog.Logger

	// Rules is the rule_key -> checklist catalog loaded from
	// Cfg.Planning.RulesPath (nil if unset), embedded verbatim into
	// every Task.rule that Finalize produces.
	Rules planning.RuleCatalog
}

// Run drives projectIDs through stage (or every stage up to and
// including it), returning one ProjectResult per project in input
// order. A single project's failure never aborts the others: each
// project's error is captured on its ProjectResult, and no project
// goroutine returns an error, so the returned error is always nil.
func (d *Driver) Run(ctx context.Context, projectIDs []string, stage Stage) ([]ProjectResult, error) {
	results := make([]ProjectResult, len(projectIDs))

	limit := d.Cfg.General.MaxParallel
	if limit <= 0 {
		limit = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, projectID := range projectIDs {
		i, projectID := i, projectID
		g.Go(func() error {
			results[i] = d.runProject(gctx, projectID, stage)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// runProject sequences one project through plan -> reason -> validate,
// stopping early if ctx is cancelled or if stage says to stop sooner.
// It never returns an error directly: failures are recorded on the
// returned ProjectResult so sibling projects keep running.
func (d *Driver) runProject(ctx context.Context, projectID string, stage Stage) ProjectResult {
	res := ProjectResult{ProjectID: projectID}

	workspaceRoot, err := d.Resolver.Resolve(projectID)
	if err != nil {
		res.Err = fmt.Errorf("resolve workspace for %s: %w", projectID, err)
		return res
	}
	res.WorkspaceRoot = workspaceRoot

	planningResult, err := d.runPlanning(ctx, projectID, workspaceRoot)
	if err != nil {
		res.Err = fmt.Errorf("planning stage for %s: %w", projectID, err)
		return res
	}
	res.Planning = planningResult

	if stage == StagePlan {
		return res
	}

	reasoned, err := d.runReasoning(ctx, projectID, workspaceRoot)
	if err != nil {
		res.Err = fmt.Errorf("reasoning stage for %s: %w", projectID, err)
		return res
	}
	res.TasksReasoned = reasoned

	if stage == StageReason {
		return res
	}

	validated, err := d.Validator.Run(ctx, projectID, workspaceRoot)
	if err != nil {
		res.Err = fmt.Errorf("validation stage for %s: %w", projectID, err)
		return res
	}
	res.FindingsValidated = validated

	return res
}

// runPlanning starts and awaits PlanningWorkflow for one project. If the
// project already has Tasks (a resumed run), planning is skipped
// entirely: Finalize is idempotent, but re-running P0-P5
// against an already-planned project is wasted agent spend.
func (d *Driver) runPlanning(ctx context.Context, projectID, workspaceRoot string) (*temporal.PlanningResult, error) {
	var existing int
	if err := store.WithRetry(ctx, func() error {
		var err error
		existing, err = d.Store.CountTasksForProject(ctx, projectID)
		return err
	}); err != nil {
		return nil, err
	}
	if existing > 0 {
		if d.Logger != nil {
			d.Logger.Info("planning skipped, tasks already exist", "project_id", projectID, "task_count", existing)
		}
		return nil, nil
	}

	req := temporal.PlanningRequest{
		ProjectID:       projectID,
		WorkspaceRoot:   workspaceRoot,
		CoverageTarget:  d.Cfg.Planning.CoverageTarget,
		MaxRepairRounds: d.Cfg.Planning.MaxRepairRounds,
		BatchSizeMin:    d.Cfg.Planning.BatchSizeMin,
		BatchSizeMax:    d.Cfg.Planning.BatchSizeMax,
		RuleKeys:        d.Cfg.RuleKeys,
		Rules:           d.Rules,
	}

	run, err := d.Temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "planning-" + projectID,
		TaskQueue: d.Cfg.Temporal.TaskQueue,
	}, temporal.PlanningWorkflow, req)
	if err != nil {
		return nil, fmt.Errorf("start PlanningWorkflow: %w", err)
	}

	var out temporal.PlanningResult
	if err := run.Get(ctx, &out); err != nil {
		return nil, fmt.Errorf("PlanningWorkflow: %w", err)
	}
	return &out, nil
}

// runReasoning starts and awaits one ReasoningWorkflow per Task in the
// project. Tasks sharing a Group run serially, in the order
// ListTasksForProject returns them; distinct groups run in parallel, at
// most Cfg.Reasoning.MaxReasoningParallel at a time. Tasks whose
// reasoning already completed (EntryDone) return immediately inside the
// workflow, so a resumed run costs a cheap no-op round trip rather than
// re-reasoning finished work.
func (d *Driver) runReasoning(ctx context.Context, projectID, workspaceRoot string) (int, error) {
	var tasks []store.Task
	if err := store.WithRetry(ctx, func() error {
		var err error
		tasks, err = d.Store.ListTasksForProject(ctx, projectID)
		return err
	}); err != nil {
		return 0, err
	}

	limit := d.Cfg.Reasoning.MaxReasoningParallel
	if limit <= 0 {
		limit = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var groupOrder []string
	byGroup := make(map[string][]store.Task)
	for _, t := range tasks {
		if _, ok := byGroup[t.Group]; !ok {
			groupOrder = append(groupOrder, t.Group)
		}
		byGroup[t.Group] = append(byGroup[t.Group], t)
	}

	for _, group := range groupOrder {
		groupTasks := byGroup[group]
		g.Go(func() error {
			for _, t := range groupTasks {
				req := temporal.ReasoningRequest{
					ProjectID:       projectID,
					TaskID:          t.ID,
					WorkspaceRoot:   workspaceRoot,
					MaxRounds:       d.Cfg.Reasoning.MaxRounds,
					NoProgressPivot: d.Cfg.Reasoning.NoProgressPivot,
				}
				run, err := d.Temporal.ExecuteWorkflow(gctx, client.StartWorkflowOptions{
					ID:        fmt.Sprintf("reasoning-%s-%d", projectID, t.ID),
					TaskQueue: d.Cfg.Temporal.TaskQueue,
				}, temporal.ReasoningWorkflow, req)
				if err != nil {
					return fmt.Errorf("start ReasoningWorkflow for task %d: %w", t.ID, err)
				}
				var out temporal.ReasoningResult
				if err := run.Get(gctx, &out); err != nil {
					return fmt.Errorf("ReasoningWorkflow for task %d: %w", t.ID, err)
				}
				if d.Logger != nil {
					d.Logger.Info("task reasoned",
						"project_id", projectID, "task_id", t.ID, "rounds", out.RoundsRun, "findings", out.FindingsWritten)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(tasks), nil
}
