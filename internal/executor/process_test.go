package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/auditor/internal/config"
	"github.com/antigravity-dev/auditor/internal/errs"
)

func testConfig(t *testing.T, cmd string, args []string) *config.Config {
	t.Helper()
	return &config.Config{
		General: config.General{LogDir: t.TempDir()},
		Sandbox: config.Sandbox{KillGrace: config.Duration{Duration: 200 * time.Millisecond}},
		CLIConfigs: map[string]config.CLIExec{
			"default": {Cmd: cmd, BaseArgs: args, PromptMode: "stdin"},
		},
	}
}

func TestProcessSandboxCapturesStdout(t *testing.T) {
	workdir := t.TempDir()
	cfg := testConfig(t, "sh", []string{"-c", "cat >/dev/null; echo hello-from-agent"})
	sb := NewProcessSandbox(cfg)

	res, err := sb.Run(context.Background(), RunOpts{
		WorkspaceRoot: workdir,
		Prompt:        "find bugs",
		Sandbox:       ReadOnly,
		Approval:      ApprovalNever,
		Timeout:       5 * time.Second,
		ProjectID:     "p1",
		Stage:         "validate",
		Scope:         "f1",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Stdout, "hello-from-agent") {
		t.Fatalf("expected captured stdout, got %q", res.Stdout)
	}
	if res.ArtifactDir == "" {
		t.Fatalf("expected non-empty artifact dir")
	}
}

func TestProcessSandboxTimeout(t *testing.T) {
	workdir := t.TempDir()
	cfg := testConfig(t, "sh", []string{"-c", "cat >/dev/null; sleep 5"})
	sb := NewProcessSandbox(cfg)

	_, err := sb.Run(context.Background(), RunOpts{
		WorkspaceRoot: workdir,
		Prompt:        "x",
		Sandbox:       ReadOnly,
		Approval:      ApprovalNever,
		Timeout:       200 * time.Millisecond,
		ProjectID:     "p1",
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errs.IsKind(err, errs.KindTimeout) {
		t.Fatalf("expected KindTimeout, got %v", err)
	}
}

func TestProcessSandboxNonZeroExit(t *testing.T) {
	workdir := t.TempDir()
	cfg := testConfig(t, "sh", []string{"-c", "cat >/dev/null; exit 3"})
	sb := NewProcessSandbox(cfg)

	_, err := sb.Run(context.Background(), RunOpts{
		WorkspaceRoot: workdir,
		Prompt:        "x",
		Sandbox:       ReadOnly,
		Approval:      ApprovalNever,
		Timeout:       5 * time.Second,
		ProjectID:     "p1",
	})
	if err == nil {
		t.Fatalf("expected exec error for non-zero exit")
	}
	if !errs.IsKind(err, errs.KindExec) {
		t.Fatalf("expected KindExec, got %v", err)
	}
}

func TestProcessSandboxUniqueArtifactDirsConcurrently(t *testing.T) {
	workdir := t.TempDir()
	cfg := testConfig(t, "sh", []string{"-c", "cat >/dev/null; echo ok"})
	sb := NewProcessSandbox(cfg)

	dirs := make(chan string, 4)
	for i := 0; i < 4; i++ {
		go func(n int) {
			res, err := sb.Run(context.Background(), RunOpts{
				WorkspaceRoot: workdir,
				Prompt:        "x",
				Sandbox:       ReadOnly,
				Approval:      ApprovalNever,
				Timeout:       5 * time.Second,
				ProjectID:     "p1",
				Scope:         "concurrent",
			})
			if err != nil {
				t.Errorf("Run: %v", err)
			}
			dirs <- res.ArtifactDir
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		d := <-dirs
		if seen[d] {
			t.Fatalf("duplicate artifact dir across concurrent calls: %s", d)
		}
		seen[d] = true
	}
}
