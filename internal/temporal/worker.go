package temporal

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/auditor/internal/config"
	"github.com/antigravity-dev/auditor/internal/executor"
	"github.com/antigravity-dev/auditor/internal/store"
)

// StartWorker connects to Temporal and starts the auditor task queue
// worker, registering the Planning and Reasoning workflows and their
// activities.
func StartWorker(cfg *config.Config, st *store.Store, sandbox executor.Sandbox) error {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("temporal: dial %s: %w", cfg.Temporal.HostPort, err)
	}
	defer c.Close()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})

	a := &Activities{Store: st, Sandbox: sandbox, Cfg: cfg}

	w.RegisterWorkflow(PlanningWorkflow)
	w.RegisterWorkflow(ReasoningWorkflow)

	w.RegisterActivity(a.RunAgentRoundActivity)
	w.RegisterActivity(a.LoadCatalogActivity)
	w.RegisterActivity(a.ParsePlanningDocumentActivity)
	w.RegisterActivity(a.FinalizeTasksActivity)
	w.RegisterActivity(a.GetTaskActivity)
	w.RegisterActivity(a.ParseReasonerActivity)
	w.RegisterActivity(a.UpdateTaskResultActivity)
	w.RegisterActivity(a.SetTaskScanRecordActivity)
	w.RegisterActivity(a.SplitActivity)

	return w.Run(worker.InterruptCh())
}

// NewClient dials the Temporal frontend for callers (e.g. PipelineDriver)
// that need to start workflows without running a worker in-process.
func NewClient(cfg *config.Config) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal: dial %s: %w", cfg.Temporal.HostPort, err)
	}
	return c, nil
}
