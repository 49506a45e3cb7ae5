// Package errs defines the closed set of error kinds used across the
// pipeline. Each kind wraps an underlying cause and carries enough
// identifying context to log structurally via slog.
package errs

import "fmt"

// Kind is one of the pipeline's closed error kinds.
type Kind string

const (
	KindWorkspace       Kind = "workspace"
	KindCatalog         Kind = "catalog"
	KindPromptAssembly  Kind = "prompt_assembly"
	KindExec            Kind = "exec"
	KindTimeout         Kind = "timeout"
	KindParse           Kind = "parse"
	KindStore           Kind = "store"
	KindCancel          Kind = "cancel"
)

// Error is the common shape for every pipeline error kind.
type Error struct {
	Kind      Kind
	ProjectID string
	TaskID    string
	FindingID string
	Err       error
}

func (e *Error) Error() string {
	ctx := e.ProjectID
	if e.TaskID != "" {
		ctx += "/" + e.TaskID
	}
	if e.FindingID != "" {
		ctx += "/" + e.FindingID
	}
	if ctx == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, ctx, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can do errors.Is(err, &errs.Error{Kind: errs.KindTimeout}) checks against a sentinel
// built with the zero value for everything but Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind Kind, projectID string, err error) *Error {
	return &Error{Kind: kind, ProjectID: projectID, Err: err}
}

// Workspace builds a WorkspaceError (invalid or escaping path).
func Workspace(projectID string, err error) *Error { return newErr(KindWorkspace, projectID, err) }

// Catalog builds a CatalogError (tree-sitter data malformed).
func Catalog(projectID string, err error) *Error { return newErr(KindCatalog, projectID, err) }

// PromptAssembly builds a PromptAssemblyError (inputs too large or missing).
func PromptAssembly(projectID string, err error) *Error {
	return newErr(KindPromptAssembly, projectID, err)
}

// Exec builds an ExecError (agent non-zero exit or I/O failure).
func Exec(projectID string, err error) *Error { return newErr(KindExec, projectID, err) }

// Timeout builds a TimeoutError.
func Timeout(projectID string, err error) *Error { return newErr(KindTimeout, projectID, err) }

// Parse builds a ParseError (JSON schema violation).
func Parse(projectID string, err error) *Error { return newErr(KindParse, projectID, err) }

// Store builds a StoreError (DB failure).
func Store(projectID string, err error) *Error { return newErr(KindStore, projectID, err) }

// Cancel builds a CancelError (driver-initiated).
func Cancel(projectID string, err error) *Error { return newErr(KindCancel, projectID, err) }

// WithTask returns a copy of e annotated with a task ID.
func (e *Error) WithTask(taskID string) *Error {
	cp := *e
	cp.TaskID = taskID
	return &cp
}

// WithFinding returns a copy of e annotated with a finding ID.
func (e *Error) WithFinding(findingID string) *Error {
	cp := *e
	cp.FindingID = findingID
	return &cp
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
