package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"gameforge/pkg/logx"
)

const containerWorkdir = "/work"

// DockerExecutor runs each command in a throwaway container with no network,
// the attempt directory mounted at /work, and cgroup limits.
type DockerExecutor struct {
	logger    *logx.Logger
	image     string
	dockerCmd string
	limits    Limits

	mu      sync.Mutex
	running map[string]struct{}
}

func NewDockerExecutor(image string, limits Limits) *DockerExecutor {
	dockerCmd := "docker"
	if _, err := exec.LookPath("podman"); err == nil {
		if _, err := exec.LookPath("docker"); err != nil {
			dockerCmd = "podman"
		}
	}
	return &DockerExecutor{
		logger:    logx.NewLogger("sandbox-docker"),
		image:     image,
		dockerCmd: dockerCmd,
		limits:    limits,
		running:   make(map[string]struct{}),
	}
}

func (d *DockerExecutor) Name() string { return BackendDocker }

// Available checks that the CLI exists and the daemon answers.
func (d *DockerExecutor) Available() bool {
	if _, err := exec.LookPath(d.dockerCmd); err != nil {
		d.logger.Debug("Docker command not found: %v", err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, d.dockerCmd, "ps", "-q").Run(); err != nil {
		d.logger.Debug("Docker daemon not available: %v", err)
		return false
	}
	return true
}

func (d *DockerExecutor) Run(ctx context.Context, cmd Command) (ExecutionResult, error) {
	if err := cmd.validate(); err != nil {
		return ExecutionResult{}, err
	}
	dir, err := filepath.Abs(cmd.Dir)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	name := "gameforge-" + uuid.NewString()[:12]
	args := d.buildArgs(name, dir, cmd)

	child := exec.Command(d.dockerCmd, args...) //nolint:gosec // fixed binary, argv built here
	stdout := newTailBuffer(d.limits.MaxOutputBytes)
	stderr := newTailBuffer(d.limits.MaxOutputBytes)
	child.Stdout = stdout
	if cmd.Stdout != nil {
		child.Stdout = io.MultiWriter(stdout, cmd.Stdout)
	}
	child.Stderr = stderr
	child.Stdin = cmd.Stdin
	child.WaitDelay = waitDelay

	d.track(name, true)
	defer d.track(name, false)

	start := time.Now()
	if err := child.Start(); err != nil {
		return ExecutionResult{}, fmt.Errorf("failed to start container: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	timer := time.NewTimer(cmd.timeout())
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		d.kill(name)
		waitErr = <-done
	case <-ctx.Done():
		d.kill(name)
		<-done
		return ExecutionResult{}, fmt.Errorf("sandbox run cancelled: %w", ctx.Err())
	}

	result := ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
		Backend:  d.Name(),
		Workdir:  containerWorkdir,
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return result, fmt.Errorf("docker command failed: %w", waitErr)
	}
	result.ExitCode = child.ProcessState.ExitCode()
	// 137 = 128+SIGKILL: the OOM killer or the pids cgroup ended the container.
	if !timedOut && result.ExitCode == 137 {
		result.Signal = "SIGKILL"
	}
	return result, nil
}

func (d *DockerExecutor) buildArgs(name, dir string, cmd Command) []string {
	args := []string{
		"run", "--rm", "-i", "--name", name,
		"--network", "none",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", "/tmp:nodev,nosuid,size=64m",
		"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		"--volume", dir + ":" + containerWorkdir + ":rw",
		"--workdir", containerWorkdir,
	}
	if d.limits.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(d.limits.MemoryMB)+"m")
	}
	if d.limits.CPUSeconds > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", d.limits.CPUSeconds, d.limits.CPUSeconds+1))
	}
	if d.limits.PIDs > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(d.limits.PIDs))
	}
	for _, kv := range childEnv(containerWorkdir, cmd.Env) {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			continue
		}
		args = append(args, "--env", kv)
	}
	args = append(args, d.image)
	return append(args, cmd.Argv...)
}

func (d *DockerExecutor) track(name string, running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if running {
		d.running[name] = struct{}{}
	} else {
		delete(d.running, name)
	}
}

func (d *DockerExecutor) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, d.dockerCmd, "kill", name).Run(); err != nil {
		d.logger.Debug("Failed to kill container %s: %v", name, err)
	}
	if err := exec.CommandContext(ctx, d.dockerCmd, "rm", "-f", name).Run(); err != nil {
		d.logger.Debug("Failed to remove container %s: %v", name, err)
	}
}

// Shutdown kills every container still running.
func (d *DockerExecutor) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	names := make([]string, 0, len(d.running))
	for name := range d.running {
		names = append(names, name)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.kill(name)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	}
}
