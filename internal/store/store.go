// Package store implements the Store component:
// SQLite-backed persistence of Task and Finding rows with inserts, an
// idempotent per-Task Finding replacement, and status-based selection
// queries. Grounded on the
// teacher's internal/store/store.go: schema-as-const-string, WAL +
// busy_timeout pragmas on Open, typed column-list constants, and a
// queryX/scanX helper pair per row type.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/auditor/internal/errs"
)

// Store provides SQLite-backed persistence for the auditing pipeline.
type Store struct {
	db *sql.DB
}

// Task mirrors the project_task table.
type Task struct {
	ID               int64
	UUID             string
	ProjectID        string
	Name             string
	Content          string
	Rule             string
	RuleKey          string
	Result           string
	ContractCode     string
	StartLine        int
	EndLine          int
	RelativeFilePath string
	AbsoluteFilePath string
	Recommendation   string
	BusinessFlowCode string
	ScanRecord       string
	ShortResult      string
	Group            string
}

// Finding mirrors the project_finding table, including the denormalized
// task snapshot columns the spec requires for export independence.
type Finding struct {
	ID                   int64
	UUID                 string
	ProjectID            string
	TaskID               int64
	TaskUUID             string
	RuleKey              string
	FindingJSON          string
	TaskName             string
	TaskContent          string
	TaskBusinessFlowCode string
	TaskContractCode     string
	TaskStartLine        int
	TaskEndLine          int
	TaskRelativeFilePath string
	TaskAbsoluteFilePath string
	TaskRule             string
	TaskGroup            string
	DedupStatus          string
	ValidationStatus     string
	ValidationRecord     string
}

const schema = `
CREATE TABLE IF NOT EXISTS project_task (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	rule TEXT NOT NULL DEFAULT '',
	rule_key TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	contract_code TEXT NOT NULL DEFAULT '',
	start_line INTEGER NOT NULL DEFAULT 0,
	end_line INTEGER NOT NULL DEFAULT 0,
	relative_file_path TEXT NOT NULL DEFAULT '',
	absolute_file_path TEXT NOT NULL DEFAULT '',
	recommendation TEXT NOT NULL DEFAULT '',
	business_flow_code TEXT NOT NULL DEFAULT '',
	scan_record TEXT NOT NULL DEFAULT '',
	short_result TEXT NOT NULL DEFAULT '',
	"group" TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS project_finding (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	project_id TEXT NOT NULL,
	task_id INTEGER NOT NULL REFERENCES project_task(id),
	task_uuid TEXT NOT NULL,
	rule_key TEXT NOT NULL,
	finding_json TEXT NOT NULL,
	task_name TEXT NOT NULL DEFAULT '',
	task_content TEXT NOT NULL DEFAULT '',
	task_business_flow_code TEXT NOT NULL DEFAULT '',
	task_contract_code TEXT NOT NULL DEFAULT '',
	task_start_line INTEGER NOT NULL DEFAULT 0,
	task_end_line INTEGER NOT NULL DEFAULT 0,
	task_relative_file_path TEXT NOT NULL DEFAULT '',
	task_absolute_file_path TEXT NOT NULL DEFAULT '',
	task_rule TEXT NOT NULL DEFAULT '',
	task_group TEXT NOT NULL DEFAULT '',
	dedup_status TEXT NOT NULL DEFAULT '',
	validation_status TEXT NOT NULL DEFAULT '',
	validation_record TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_project_task_project ON project_task(project_id);
CREATE INDEX IF NOT EXISTS idx_project_task_group ON project_task(project_id, "group");
CREATE INDEX IF NOT EXISTS idx_project_finding_project ON project_finding(project_id);
CREATE INDEX IF NOT EXISTS idx_project_finding_task ON project_finding(task_id);
CREATE INDEX IF NOT EXISTS idx_project_finding_validation ON project_finding(project_id, dedup_status, validation_status);
`

// Open creates or opens a SQLite database at dbPath and ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errs.Store("", fmt.Errorf("open %s: %w", dbPath, err))
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Store("", fmt.Errorf("create schema: %w", err))
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries (e.g. export).
func (s *Store) DB() *sql.DB {
	return s.db
}

const taskCols = `id, uuid, project_id, name, content, rule, rule_key, result, contract_code, start_line, end_line, relative_file_path, absolute_file_path, recommendation, business_flow_code, scan_record, short_result, "group"`

// InsertTask inserts a single Task row and returns its assigned ID.
func (s *Store) InsertTask(ctx context.Context, t Task) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO project_task (uuid, project_id, name, content, rule, rule_key, result, contract_code, start_line, end_line, relative_file_path, absolute_file_path, recommendation, business_flow_code, scan_record, short_result, "group")
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UUID, t.ProjectID, t.Name, t.Content, t.Rule, t.RuleKey, t.Result, t.ContractCode,
		t.StartLine, t.EndLine, t.RelativeFilePath, t.AbsoluteFilePath, t.Recommendation,
		t.BusinessFlowCode, t.ScanRecord, t.ShortResult, t.Group,
	)
	if err != nil {
		return 0, errs.Store(t.ProjectID, fmt.Errorf("insert task: %w", err))
	}
	return res.LastInsertId()
}

// BulkInsertTasks inserts all Tasks in one transaction, returning their
// assigned IDs in the same order. Used by Planning's Finalize step so a
// whole project's Task set commits atomically.
func (s *Store) BulkInsertTasks(ctx context.Context, tasks []Task) ([]int64, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Store(tasks[0].ProjectID, fmt.Errorf("begin bulk insert: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO project_task (uuid, project_id, name, content, rule, rule_key, result, contract_code, start_line, end_line, relative_file_path, absolute_file_path, recommendation, business_flow_code, scan_record, short_result, "group")
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, errs.Store(tasks[0].ProjectID, fmt.Errorf("prepare bulk insert: %w", err))
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		res, err := stmt.ExecContext(ctx,
			t.UUID, t.ProjectID, t.Name, t.Content, t.Rule, t.RuleKey, t.Result, t.ContractCode,
			t.StartLine, t.EndLine, t.RelativeFilePath, t.AbsoluteFilePath, t.Recommendation,
			t.BusinessFlowCode, t.ScanRecord, t.ShortResult, t.Group,
		)
		if err != nil {
			return nil, errs.Store(t.ProjectID, fmt.Errorf("bulk insert task %s: %w", t.Name, err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, errs.Store(t.ProjectID, fmt.Errorf("bulk insert task id: %w", err))
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Store(tasks[0].ProjectID, fmt.Errorf("commit bulk insert: %w", err))
	}
	return ids, nil
}

// UpdateTaskResult writes the Reasoner's aggregated result JSON onto the Task.
// This write strictly precedes SPLIT.
func (s *Store) UpdateTaskResult(ctx context.Context, taskID int64, resultJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE project_task SET result = ? WHERE id = ?`, resultJSON, taskID)
	if err != nil {
		return errs.Store("", fmt.Errorf("update task %d result: %w", taskID, err)).WithTask(fmt.Sprintf("%d", taskID))
	}
	return nil
}

// SetTaskShortResult sets the Task's short_result marker (e.g. "split_done").
func (s *Store) SetTaskShortResult(ctx context.Context, taskID int64, value string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE project_task SET short_result = ? WHERE id = ?`, value, taskID)
	if err != nil {
		return errs.Store("", fmt.Errorf("set task %d short_result: %w", taskID, err)).WithTask(fmt.Sprintf("%d", taskID))
	}
	return nil
}

// SetTaskScanRecord persists the reasoning loop's per-round trace JSON.
func (s *Store) SetTaskScanRecord(ctx context.Context, taskID int64, scanRecordJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE project_task SET scan_record = ? WHERE id = ?`, scanRecordJSON, taskID)
	if err != nil {
		return errs.Store("", fmt.Errorf("set task %d scan_record: %w", taskID, err)).WithTask(fmt.Sprintf("%d", taskID))
	}
	return nil
}

// GetTask loads a single Task by ID.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	tasks, err := s.queryTasks(ctx, `SELECT `+taskCols+` FROM project_task WHERE id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, errs.Store("", fmt.Errorf("task %d not found", taskID)).WithTask(fmt.Sprintf("%d", taskID))
	}
	return &tasks[0], nil
}

// ListTasksForProject returns all Tasks for a project ordered by group then id,
// matching the "Tasks grouped by group, insertion order within group" scheduling rule.
func (s *Store) ListTasksForProject(ctx context.Context, projectID string) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskCols+` FROM project_task WHERE project_id = ? ORDER BY "group", id`, projectID)
}

// CountTasksForProject reports whether Planning has already run for a
// project, used by PipelineDriver's resume precondition.
func (s *Store) CountTasksForProject(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM project_task WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, errs.Store(projectID, fmt.Errorf("count tasks: %w", err))
	}
	return n, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Store("", fmt.Errorf("query tasks: %w", err))
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.ID, &t.UUID, &t.ProjectID, &t.Name, &t.Content, &t.Rule, &t.RuleKey, &t.Result,
			&t.ContractCode, &t.StartLine, &t.EndLine, &t.RelativeFilePath, &t.AbsoluteFilePath,
			&t.Recommendation, &t.BusinessFlowCode, &t.ScanRecord, &t.ShortResult, &t.Group,
		); err != nil {
			return nil, errs.Store("", fmt.Errorf("scan task: %w", err))
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const findingCols = `id, uuid, project_id, task_id, task_uuid, rule_key, finding_json, task_name, task_content, task_business_flow_code, task_contract_code, task_start_line, task_end_line, task_relative_file_path, task_absolute_file_path, task_rule, task_group, dedup_status, validation_status, validation_record`

// ReplaceTaskFindings atomically deletes all existing Findings for taskID
// and inserts the new set, in one transaction — the SPLIT primitive that
// resume correctness depends on ("MUST run in one transaction so partial
// writes cannot break resumability"). Re-running with the same findings set is a
// no-op in effect, giving SPLIT idempotence (P6).
func (s *Store) ReplaceTaskFindings(ctx context.Context, projectID string, taskID int64, findings []Finding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Store(projectID, fmt.Errorf("begin replace findings: %w", err)).WithTask(fmt.Sprintf("%d", taskID))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM project_finding WHERE task_id = ?`, taskID); err != nil {
		return errs.Store(projectID, fmt.Errorf("delete existing findings: %w", err)).WithTask(fmt.Sprintf("%d", taskID))
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO project_finding (uuid, project_id, task_id, task_uuid, rule_key, finding_json,
			task_name, task_content, task_business_flow_code, task_contract_code, task_start_line, task_end_line,
			task_relative_file_path, task_absolute_file_path, task_rule, task_group,
			dedup_status, validation_status, validation_record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errs.Store(projectID, fmt.Errorf("prepare insert finding: %w", err)).WithTask(fmt.Sprintf("%d", taskID))
	}
	defer stmt.Close()

	for _, f := range findings {
		if _, err := stmt.ExecContext(ctx,
			f.UUID, projectID, taskID, f.TaskUUID, f.RuleKey, f.FindingJSON,
			f.TaskName, f.TaskContent, f.TaskBusinessFlowCode, f.TaskContractCode, f.TaskStartLine, f.TaskEndLine,
			f.TaskRelativeFilePath, f.TaskAbsoluteFilePath, f.TaskRule, f.TaskGroup,
			f.DedupStatus, f.ValidationStatus, f.ValidationRecord,
		); err != nil {
			return errs.Store(projectID, fmt.Errorf("insert finding: %w", err)).WithTask(fmt.Sprintf("%d", taskID))
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Store(projectID, fmt.Errorf("commit replace findings: %w", err)).WithTask(fmt.Sprintf("%d", taskID))
	}
	return nil
}

// ListFindingsForValidation selects Findings eligible for the Validator:
// dedup_status != 'delete' and validation_status in ('', 'pending').
func (s *Store) ListFindingsForValidation(ctx context.Context, projectID string) ([]Finding, error) {
	return s.queryFindings(ctx,
		`SELECT `+findingCols+` FROM project_finding
		 WHERE project_id = ? AND dedup_status != 'delete' AND (validation_status = '' OR validation_status = 'pending')
		 ORDER BY id`,
		projectID)
}

// UpdateFindingValidation writes the Validator's terminal status and audit record.
func (s *Store) UpdateFindingValidation(ctx context.Context, findingID int64, status string, record string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE project_finding SET validation_status = ?, validation_record = ? WHERE id = ?`,
		status, record, findingID,
	)
	if err != nil {
		return errs.Store("", fmt.Errorf("update finding %d validation: %w", findingID, err)).WithFinding(fmt.Sprintf("%d", findingID))
	}
	return nil
}

// UpdateFindingDedupStatus sets a Finding's dedup_status ('' | kept | delete).
func (s *Store) UpdateFindingDedupStatus(ctx context.Context, findingID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE project_finding SET dedup_status = ? WHERE id = ?`, status, findingID)
	if err != nil {
		return errs.Store("", fmt.Errorf("update finding %d dedup status: %w", findingID, err)).WithFinding(fmt.Sprintf("%d", findingID))
	}
	return nil
}

// ListFindingsForExport returns every non-deleted Finding for a project,
// independent of validation status, for report/export consumption.
func (s *Store) ListFindingsForExport(ctx context.Context, projectID string) ([]Finding, error) {
	return s.queryFindings(ctx,
		`SELECT `+findingCols+` FROM project_finding WHERE project_id = ? AND dedup_status != 'delete' ORDER BY id`,
		projectID)
}

// ListFindingsForTask returns all Findings currently attached to a Task,
// used by tests and by re-derivation of P2/P6 invariants.
func (s *Store) ListFindingsForTask(ctx context.Context, taskID int64) ([]Finding, error) {
	return s.queryFindings(ctx, `SELECT `+findingCols+` FROM project_finding WHERE task_id = ? ORDER BY id`, taskID)
}

func (s *Store) queryFindings(ctx context.Context, query string, args ...any) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Store("", fmt.Errorf("query findings: %w", err))
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(
			&f.ID, &f.UUID, &f.ProjectID, &f.TaskID, &f.TaskUUID, &f.RuleKey, &f.FindingJSON,
			&f.TaskName, &f.TaskContent, &f.TaskBusinessFlowCode, &f.TaskContractCode, &f.TaskStartLine, &f.TaskEndLine,
			&f.TaskRelativeFilePath, &f.TaskAbsoluteFilePath, &f.TaskRule, &f.TaskGroup,
			&f.DedupStatus, &f.ValidationStatus, &f.ValidationRecord,
		); err != nil {
			return nil, errs.Store("", fmt.Errorf("scan finding: %w", err))
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// WithRetry retries a Store operation once with a short backoff, per
// the "StoreError is retried once with backoff; second failure
// bubbles up and stops the driver."
func WithRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !errs.IsKind(err, errs.KindStore) {
		return err
	}
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return op()
}
