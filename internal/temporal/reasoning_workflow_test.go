package temporal

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/antigravity-dev/auditor/internal/reasoning"
	"github.com/antigravity-dev/auditor/internal/store"
)

// TestReasoningWorkflowStopsWhenNoNewFindings exercises the
// INIT -> REASON -> SPLIT -> DONE path: a single round
// with no vulnerabilities ends the loop immediately and still writes
// Task.result and splits (to zero Findings).
func TestReasoningWorkflowStopsWhenNoNewFindings(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	task := &store.Task{ID: 42, ProjectID: "proj1", RuleKey: "reentrancy"}

	env.OnActivity("GetTaskActivity", mock.Anything, int64(42)).Return(task, nil)
	env.OnActivity("RunAgentRoundActivity", mock.Anything, mock.Anything).
		Return(RoundOutput{Raw: `{"schema_version":"1.0","vulnerabilities":[]}`, ArtifactDir: "/logs/round1"}, nil)
	env.OnActivity("ParseReasonerActivity", mock.Anything, mock.Anything).
		Return(reasoning.ReasonerOutput{SchemaVersion: "1.0"}, nil)
	env.OnActivity("UpdateTaskResultActivity", mock.Anything, int64(42), mock.Anything).Return(nil)
	env.OnActivity("SetTaskScanRecordActivity", mock.Anything, int64(42), mock.Anything).Return(nil)
	env.OnActivity("SplitActivity", mock.Anything, mock.Anything).
		Return(reasoning.SplitResult{FindingsWritten: 0, ShortResult: "split_done"}, nil)

	env.ExecuteWorkflow(ReasoningWorkflow, ReasoningRequest{
		ProjectID: "proj1", TaskID: 42, MaxRounds: 6, NoProgressPivot: 2,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res ReasoningResult
	require.NoError(t, env.GetWorkflowResult(&res))
	require.Equal(t, "split_done", res.ShortResult)
	require.Equal(t, 1, res.RoundsRun)
}

// TestReasoningWorkflowResumesDirectlyToSplit exercises the
// EntrySplit resume path: a Task whose
// result was already written by a crashed prior run skips REASON
// entirely and goes straight to SPLIT.
func TestReasoningWorkflowResumesDirectlyToSplit(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	task := &store.Task{
		ID:        42,
		ProjectID: "proj1",
		RuleKey:   "reentrancy",
		Result:    `{"schema_version":"1.0","vulnerabilities":[{"description":"reentrant withdraw"}]}`,
	}

	env.OnActivity("GetTaskActivity", mock.Anything, int64(42)).Return(task, nil)
	env.OnActivity("SplitActivity", mock.Anything, mock.Anything).
		Return(reasoning.SplitResult{FindingsWritten: 1, ShortResult: "split_done"}, nil)

	env.ExecuteWorkflow(ReasoningWorkflow, ReasoningRequest{ProjectID: "proj1", TaskID: 42})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res ReasoningResult
	require.NoError(t, env.GetWorkflowResult(&res))
	require.Equal(t, 1, res.FindingsWritten)
	require.Equal(t, 0, res.RoundsRun)

	env.AssertNotCalled(t, "RunAgentRoundActivity", mock.Anything, mock.Anything)
}

// TestReasoningWorkflowSkipsAlreadyDoneTask confirms EntryDone is a
// true no-op: no activities run at all.
func TestReasoningWorkflowSkipsAlreadyDoneTask(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	task := &store.Task{ID: 42, ProjectID: "proj1", ShortResult: "split_done"}
	env.OnActivity("GetTaskActivity", mock.Anything, int64(42)).Return(task, nil)

	env.ExecuteWorkflow(ReasoningWorkflow, ReasoningRequest{ProjectID: "proj1", TaskID: 42})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res ReasoningResult
	require.NoError(t, env.GetWorkflowResult(&res))
	require.Equal(t, "split_done", res.ShortResult)

	env.AssertNotCalled(t, "SplitActivity", mock.Anything, mock.Anything)
}
