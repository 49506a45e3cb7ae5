package temporal

import "github.com/antigravity-dev/auditor/internal/planning"

// PlanningRequest drives PlanningWorkflow for one project.
type PlanningRequest struct {
	ProjectID       string
	WorkspaceRoot   string
	CoverageTarget  float64
	MaxRepairRounds int
	BatchSizeMin    int
	BatchSizeMax    int
	RuleKeys        []string
	Rules           planning.RuleCatalog
}

// PlanningResult is what PlanningWorkflow returns to the pipeline driver.
type PlanningResult struct {
	ProjectID     string
	TasksCreated  int
	FinalCoverage planning.CoverageStats
	Rounds        int
}

// ReasoningRequest drives ReasoningWorkflow for one Task.
type ReasoningRequest struct {
	ProjectID       string
	TaskID          int64
	WorkspaceRoot   string
	MaxRounds       int
	NoProgressPivot int
}

// ReasoningResult is ReasoningWorkflow's terminal outcome.
type ReasoningResult struct {
	TaskID          int64
	RoundsRun       int
	FindingsWritten int
	ShortResult     string
}

// RoundTrace is one round's entry in the task's scan_record
// (the scan_record trace JSON, schema reasoning_trace_v1).
type RoundTrace struct {
	Round       int    `json:"round"`
	Role        string `json:"role"` // "reasoner", "watcher", "ideator"
	Decision    string `json:"decision,omitempty"`
	NewFindings int    `json:"new_findings"`
	ArtifactDir string `json:"artifact_dir"`
}

// ScanRecord is the full per-task reasoning trace persisted to
// Task.scan_record.
type ScanRecord struct {
	SchemaVersion string       `json:"schema_version"`
	ProjectID     string       `json:"project_id"`
	TaskID        int64        `json:"task_id"`
	Rounds        []RoundTrace `json:"rounds"`
	FinalDecision string       `json:"final_decision"`
}

const reasoningTraceSchemaVersion = "reasoning_trace_v1"
