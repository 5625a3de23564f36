package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"gameforge/pkg/logx"
)

// waitDelay bounds how long output pipes are drained after the child exits,
// in case a grandchild still holds them open.
const waitDelay = 500 * time.Millisecond

// LocalExecutor runs children directly on the host in their own process
// group, with rlimits applied and a scrubbed environment.
type LocalExecutor struct {
	limits Limits
	logger *logx.Logger
}

func NewLocalExecutor(limits Limits) *LocalExecutor {
	return &LocalExecutor{limits: limits, logger: logx.NewLogger("sandbox")}
}

func (e *LocalExecutor) Name() string { return BackendLocal }

// Available returns true since local execution is always possible.
func (e *LocalExecutor) Available() bool { return true }

// Run starts cmd in a fresh process group and waits for it, the timeout, or
// ctx cancellation. The whole group is killed before Run returns.
func (e *LocalExecutor) Run(ctx context.Context, cmd Command) (ExecutionResult, error) {
	if err := cmd.validate(); err != nil {
		return ExecutionResult{}, err
	}
	dir, err := filepath.Abs(cmd.Dir)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return ExecutionResult{}, fmt.Errorf("working directory does not exist: %s", dir)
	}

	child := exec.Command(cmd.Argv[0], cmd.Argv[1:]...) //nolint:gosec // argv comes from the runtime, not the candidate
	child.Dir = dir
	child.Env = childEnv(dir, cmd.Env)
	child.SysProcAttr = sysProcAttr()
	child.WaitDelay = waitDelay

	stdout := newTailBuffer(e.limits.MaxOutputBytes)
	stderr := newTailBuffer(e.limits.MaxOutputBytes)
	child.Stdout = stdout
	if cmd.Stdout != nil {
		child.Stdout = io.MultiWriter(stdout, cmd.Stdout)
	}
	child.Stderr = stderr
	child.Stdin = cmd.Stdin

	start := time.Now()
	if err := child.Start(); err != nil {
		return ExecutionResult{}, fmt.Errorf("failed to start %s: %w", cmd.Argv[0], err)
	}
	pgid := child.Process.Pid
	if err := applyLimits(pgid, e.limits); err != nil {
		e.logger.Warn("failed to apply resource limits to pid %d: %v", pgid, err)
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
		killGroup(pgid)
		waitErr = <-done
	case <-ctx.Done():
		killGroup(pgid)
		<-done
		killGroup(pgid)
		return ExecutionResult{}, fmt.Errorf("sandbox run cancelled: %w", ctx.Err())
	}
	// Reap anything the leader left behind in its group.
	killGroup(pgid)

	result := ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
		Backend:  e.Name(),
		Workdir:  dir,
	}
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, fmt.Errorf("failed waiting for child: %w", waitErr)
		}
	}
	result.ExitCode, result.Signal = exitStatus(child.ProcessState)
	if timedOut {
		result.Signal = ""
	}

	logx.Debug(ctx, "sandbox", "%v exited code=%d signal=%q timed_out=%t in %s",
		cmd.Argv, result.ExitCode, result.Signal, result.TimedOut, result.Duration)
	return result, nil
}

func exitStatus(ps *os.ProcessState) (int, string) {
	if ps == nil {
		return -1, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, signalName(ws.Signal())
	}
	return ps.ExitCode(), ""
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGXCPU:
		return "SIGXCPU"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return sig.String()
	}
}
