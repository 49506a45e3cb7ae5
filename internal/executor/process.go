package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/auditor/internal/config"
	"github.com/antigravity-dev/auditor/internal/errs"
)

// ProcessSandbox runs the configured analysis CLI as a local subprocess
// with its working directory fixed to workspace_root, read-only by
// default. Grounded on internal/dispatch/headless.go's process-per-call
// model, simplified: AgentExecutor calls are synchronous (the caller
// already runs inside a goroutine/activity at a well-defined suspension
// point — there is no separate background bookkeeping map to manage).
type ProcessSandbox struct {
	cli       config.CLIExec
	logRoot   string
	killGrace time.Duration
}

// NewProcessSandbox builds the default sandbox backend from cfg.
func NewProcessSandbox(cfg *config.Config) *ProcessSandbox {
	cli := cfg.CLIConfigs["default"]
	if strings.TrimSpace(cli.Cmd) == "" {
		cli = config.CLIExec{Cmd: "auditor-agent", PromptMode: "stdin"}
	}
	return &ProcessSandbox{
		cli:       cli,
		logRoot:   cfg.General.LogDir,
		killGrace: cfg.Sandbox.KillGrace.Duration,
	}
}

func (p *ProcessSandbox) Name() string { return "process" }

// Run starts exactly one subprocess, waits for it to finish or the
// context/opts.Timeout deadline to pass, and reaps it before returning
// (subprocess is reaped before return; no zombies).
func (p *ProcessSandbox) Run(ctx context.Context, opts RunOpts) (Result, error) {
	dir, err := artifactDir(p.logRoot, opts)
	if err != nil {
		return Result{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), p.cli.BaseArgs...)
	args = append(args, "--sandbox", string(opts.Sandbox), "--approval", string(opts.Approval))

	cmd := exec.Command(p.cli.Cmd, args...)
	cmd.Dir = opts.WorkspaceRoot
	cmd.Env = envSlice(opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	mode := strings.TrimSpace(p.cli.PromptMode)
	if mode == "" || mode == "stdin" {
		cmd.Stdin = strings.NewReader(opts.Prompt)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		_ = writeArtifacts(dir, opts.Prompt, "", "")
		return Result{ArtifactDir: dir, StartedAt: started}, errs.Exec(opts.ProjectID, fmt.Errorf("start agent: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	var timedOut bool
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = true
		waitErr = p.terminateThenKill(cmd, done)
	}
	finished := time.Now()

	result := Result{
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		StartedAt:   started,
		FinishedAt:  finished,
		ArtifactDir: dir,
	}
	if err := writeArtifacts(dir, opts.Prompt, result.Stdout, result.Stderr); err != nil {
		return result, err
	}

	if timedOut {
		return result, TimeoutErr(opts.ProjectID, result)
	}
	if waitErr == nil {
		result.ExitCode = 0
		return result, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, errs.Exec(opts.ProjectID, fmt.Errorf("agent exited %d", result.ExitCode))
	}
	result.ExitCode = -1
	return result, errs.Exec(opts.ProjectID, fmt.Errorf("wait agent: %w", waitErr))
}

// terminateThenKill sends SIGTERM, waits up to killGrace for exit, then
// SIGKILL — a kill-then-force idiom generalized from
// tmux-session teardown to a single subprocess (dispatch/tmux.go).
func (p *ProcessSandbox) terminateThenKill(cmd *exec.Cmd, done <-chan error) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	grace := p.killGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		return <-done
	}
}
