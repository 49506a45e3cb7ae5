package temporal

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/antigravity-dev/auditor/internal/catalog"
	"github.com/antigravity-dev/auditor/internal/planning"
)

// TestPlanningWorkflowSkipsRepairWhenCoverageTargetAlreadyMet exercises
// scenario S1's shape: Phase A alone reaches the coverage target, so
// Phase B never runs and Finalize sees the Phase A flow set.
func TestPlanningWorkflowSkipsRepairWhenCoverageTargetAlreadyMet(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	entries := []catalog.Entry{
		{Container: "A", Name: "f", FilePath: "a.sol", StartLine: 1, Body: "body-f"},
		{Container: "A", Name: "g", FilePath: "a.sol", StartLine: 10, Body: "body-g"},
	}
	doc := &planning.Document{
		Flows: []planning.Flow{{FlowID: "F1", Name: "trade", FunctionRefs: []string{"A.f", "A.g"}}},
	}

	env.OnActivity("LoadCatalogActivity", mock.Anything, mock.Anything).Return(entries, nil)
	env.OnActivity("RunAgentRoundActivity", mock.Anything, mock.Anything).
		Return(RoundOutput{Raw: "raw", ArtifactDir: "/logs/p0"}, nil).Times(3)
	env.OnActivity("ParsePlanningDocumentActivity", mock.Anything, mock.Anything).Return(doc, nil)
	env.OnActivity("FinalizeTasksActivity", mock.Anything, mock.Anything).
		Return(FinalizeOutput{TaskIDs: []int64{1}}, nil)

	env.ExecuteWorkflow(PlanningWorkflow, PlanningRequest{
		ProjectID:       "proj1",
		WorkspaceRoot:   "/ws/proj1",
		CoverageTarget:  0.90,
		MaxRepairRounds: 4,
		RuleKeys:        []string{"reentrancy"},
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res PlanningResult
	require.NoError(t, env.GetWorkflowResult(&res))
	require.Equal(t, 1, res.TasksCreated)
	require.InDelta(t, 1.0, res.FinalCoverage.Coverage, 1e-9)
	require.Equal(t, 3, res.Rounds)
}

// TestPlanningWorkflowRunsRepairRoundsUntilCoverageTargetMet exercises
// Phase B: Phase A undercovers the catalog, so one repair round runs
// and adds the missing flow before Finalize.
func TestPlanningWorkflowRunsRepairRoundsUntilCoverageTargetMet(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	entries := []catalog.Entry{
		{Container: "A", Name: "f", FilePath: "a.sol", StartLine: 1, Body: "body-f"},
		{Container: "B", Name: "h", FilePath: "b.sol", StartLine: 1, Body: "body-h"},
	}
	phaseADoc := &planning.Document{
		Flows: []planning.Flow{{FlowID: "F1", Name: "trade", FunctionRefs: []string{"A.f"}}},
	}
	repairedDoc := &planning.Document{
		Flows: []planning.Flow{
			{FlowID: "F1", Name: "trade", FunctionRefs: []string{"A.f"}},
			{FlowID: "F2", Name: "withdraw", FunctionRefs: []string{"B.h"}},
		},
	}

	env.OnActivity("LoadCatalogActivity", mock.Anything, mock.Anything).Return(entries, nil)
	env.OnActivity("RunAgentRoundActivity", mock.Anything, mock.Anything).
		Return(RoundOutput{Raw: "raw", ArtifactDir: "/logs/round"}, nil)
	// Phase A's 3 rounds (P0/P1/P2) all resolve to the undercovering
	// draft; the first repair round resolves to the completed flow set.
	env.OnActivity("ParsePlanningDocumentActivity", mock.Anything, mock.Anything).
		Return(phaseADoc, nil).Times(3)
	env.OnActivity("ParsePlanningDocumentActivity", mock.Anything, mock.Anything).
		Return(repairedDoc, nil).Once()
	env.OnActivity("FinalizeTasksActivity", mock.Anything, mock.Anything).
		Return(FinalizeOutput{TaskIDs: []int64{1, 2}}, nil)

	env.ExecuteWorkflow(PlanningWorkflow, PlanningRequest{
		ProjectID:       "proj1",
		WorkspaceRoot:   "/ws/proj1",
		CoverageTarget:  0.90,
		MaxRepairRounds: 4,
		BatchSizeMin:    1,
		BatchSizeMax:    400,
		RuleKeys:        []string{"reentrancy"},
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res PlanningResult
	require.NoError(t, env.GetWorkflowResult(&res))
	require.Equal(t, 2, res.TasksCreated)
	require.InDelta(t, 1.0, res.FinalCoverage.Coverage, 1e-9)
}
