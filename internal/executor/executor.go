// Package executor implements AgentExecutor (C1): it
// launches the external analysis agent as a sandboxed subprocess rooted
// at a validated workspace path, captures stdout/stderr, enforces a
// timeout, and returns the decoded result plus artifact paths.
//
// Grounded on internal/dispatch/headless.go (process bookkeeping,
// per-call log files) and internal/dispatch/docker.go (container
// lifecycle); generalized from an interactive coding
// dispatcher to a single-shot, read-only-by-default analysis call.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/antigravity-dev/auditor/internal/config"
	"github.com/antigravity-dev/auditor/internal/errs"
)

// SandboxMode controls whether the agent may write inside the workspace.
type SandboxMode string

const (
	ReadOnly      SandboxMode = "read-only"
	WorkspaceWrite SandboxMode = "workspace-write"
)

// Approval is always "never"; kept as a type so call
// sites document intent rather than passing a bare string literal.
type Approval string

const ApprovalNever Approval = "never"

// RunOpts parameterizes one AgentExecutor call.
type RunOpts struct {
	WorkspaceRoot string
	Prompt        string
	Sandbox       SandboxMode
	Approval      Approval
	Timeout       time.Duration
	Env           map[string]string

	// Stage/Scope name the log directory:
	// logs/<stage>_<project_id>_<ts>/<scope>/{prompt,stdout,stderr}
	Stage     string
	ProjectID string
	Scope     string
}

// Result is the decoded outcome of one AgentExecutor call.
type Result struct {
	Stdout      string
	Stderr      string
	ExitCode    int
	StartedAt   time.Time
	FinishedAt  time.Time
	ArtifactDir string
}

// Sandbox is the AgentExecutor contract. Two backends implement it:
// ProcessSandbox (default, local subprocess) and DockerSandbox
// (container-per-call, used when PoC execution needs workspace-write
// isolation). Mirrors dispatch.DispatcherInterface's backend-swap shape.
type Sandbox interface {
	Run(ctx context.Context, opts RunOpts) (Result, error)
	Name() string
}

// New constructs the configured Sandbox backend.
func New(cfg *config.Config) (Sandbox, error) {
	switch cfg.Sandbox.Backend {
	case "", "process":
		return NewProcessSandbox(cfg), nil
	case "docker":
		return NewDockerSandbox(cfg)
	default:
		return nil, fmt.Errorf("executor: unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
}

// artifactDir computes and creates the log directory for one call,
// following the logs/<stage>_<project_id>_<ts>/<scope>/ layout. Every
// call gets a unique directory (nanosecond timestamp, bumped past any
// directory that already exists) so concurrent calls never collide.
func artifactDir(logRoot string, opts RunOpts) (string, error) {
	stage := sanitizeComponent(opts.Stage)
	project := sanitizeComponent(opts.ProjectID)
	scope := sanitizeComponent(opts.Scope)
	ts := time.Now().UnixNano()

	parent := filepath.Join(logRoot, fmt.Sprintf("%s_%s_%d", stage, project, ts))
	if err := os.MkdirAll(filepath.Dir(parent), 0755); err != nil {
		return "", fmt.Errorf("executor: create log root %s: %w", filepath.Dir(parent), err)
	}
	// os.Mkdir refuses an existing directory, so a timestamp already
	// claimed by a concurrent call is bumped until a free one is found.
	for err := os.Mkdir(parent, 0755); err != nil; err = os.Mkdir(parent, 0755) {
		if !os.IsExist(err) {
			return "", fmt.Errorf("executor: create artifact dir %s: %w", parent, err)
		}
		ts++
		parent = filepath.Join(logRoot, fmt.Sprintf("%s_%s_%d", stage, project, ts))
	}

	dir := filepath.Join(parent, scope)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("executor: create artifact dir %s: %w", dir, err)
	}
	return dir, nil
}

func sanitizeComponent(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	return replacer.Replace(v)
}

// writeArtifacts persists prompt/stdout/stderr under dir, never truncating.
func writeArtifacts(dir, prompt, stdout, stderr string) error {
	if err := os.WriteFile(filepath.Join(dir, "prompt"), []byte(prompt), 0644); err != nil {
		return fmt.Errorf("executor: write prompt artifact: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stdout"), []byte(stdout), 0644); err != nil {
		return fmt.Errorf("executor: write stdout artifact: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stderr"), []byte(stderr), 0644); err != nil {
		return fmt.Errorf("executor: write stderr artifact: %w", err)
	}
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// TimeoutErr wraps a deadline-exceeded outcome as errs.Error(KindTimeout).
func TimeoutErr(projectID string, partial Result) error {
	return errs.Timeout(projectID, fmt.Errorf("agent executor timed out after partial output (%s stdout)", humanize.Bytes(uint64(len(partial.Stdout)))))
}
