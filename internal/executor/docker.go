package executor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/antigravity-dev/auditor/internal/config"
	"github.com/antigravity-dev/auditor/internal/errs"
)

// DockerSandbox runs the analysis CLI in a fresh container per call,
// with the workspace bind-mounted at /workspace. Used when PoC
// execution needs workspace-write isolation; read-only
// mode bind-mounts /workspace read-only instead of trusting the agent's
// own flag. Grounded directly on internal/dispatch/docker.go's
// container lifecycle.
type DockerSandbox struct {
	cli     *client.Client
	image   string
	logRoot string
}

// NewDockerSandbox builds the Docker-backed sandbox.
func NewDockerSandbox(cfg *config.Config) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("executor: init docker client: %w", err)
	}
	return &DockerSandbox{
		cli:     cli,
		image:   cfg.Sandbox.DockerImage,
		logRoot: cfg.General.LogDir,
	}, nil
}

func (d *DockerSandbox) Name() string { return "docker" }

// Run creates, starts, waits on, and removes exactly one container per
// call — no container is reused across calls (exactly one subprocess
// per call; no process reuse).
func (d *DockerSandbox) Run(ctx context.Context, opts RunOpts) (Result, error) {
	dir, err := artifactDir(d.logRoot, opts)
	if err != nil {
		return Result{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	readOnly := opts.Sandbox != WorkspaceWrite

	containerConfig := &container.Config{
		Image:      d.image,
		Cmd:        []string{"analyze", "--prompt-stdin", "--sandbox", string(opts.Sandbox), "--approval", string(opts.Approval)},
		Tty:        false,
		WorkingDir: "/workspace",
		Env:        envSlice(opts.Env),
		OpenStdin:  true,
		StdinOnce:  true,
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: opts.WorkspaceRoot, Target: "/workspace", ReadOnly: readOnly},
		},
		AutoRemove: false,
	}

	name := fmt.Sprintf("auditor-%s-%s-%d", sanitizeComponent(opts.ProjectID), sanitizeComponent(opts.Scope), time.Now().UnixNano())
	resp, err := d.cli.ContainerCreate(runCtx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return Result{ArtifactDir: dir}, errs.Exec(opts.ProjectID, fmt.Errorf("create container: %w", err))
	}
	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer removeCancel()
		_ = d.cli.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	started := time.Now()
	attach, err := d.cli.ContainerAttach(runCtx, resp.ID, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return Result{ArtifactDir: dir, StartedAt: started}, errs.Exec(opts.ProjectID, fmt.Errorf("attach container: %w", err))
	}
	defer attach.Close()

	if err := d.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return Result{ArtifactDir: dir, StartedAt: started}, errs.Exec(opts.ProjectID, fmt.Errorf("start container: %w", err))
	}

	go func() {
		_, _ = attach.Conn.Write([]byte(opts.Prompt))
		_ = attach.CloseWrite()
	}()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	statusCh, errCh := d.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int64
	var timedOut bool
	select {
	case status := <-statusCh:
		exitCode = status.StatusCode
	case werr := <-errCh:
		if werr != nil && runCtx.Err() != nil {
			timedOut = true
		}
	case <-runCtx.Done():
		timedOut = true
	}

	if timedOut {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = d.cli.ContainerStop(stopCtx, resp.ID, container.StopOptions{})
		stopCancel()
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.cli.ContainerKill(killCtx, resp.ID, "KILL")
		killCancel()
	}

	<-copyDone
	finished := time.Now()

	result := Result{
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		ExitCode:    int(exitCode),
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
	if exitCode != 0 {
		return result, errs.Exec(opts.ProjectID, fmt.Errorf("agent container exited %d", exitCode))
	}
	return result, nil
}
