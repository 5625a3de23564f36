// Package sandbox runs candidate programs in isolated child processes and
// classifies how they ended.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"gameforge/pkg/config"
)

// Backend names.
const (
	BackendLocal  = config.SandboxLocal
	BackendDocker = config.SandboxDocker
)

// Executor runs one command to completion inside its isolation boundary.
// A non-zero exit is reported through ExecutionResult; the error return is
// reserved for failures to launch or supervise the child.
type Executor interface {
	Run(ctx context.Context, cmd Command) (ExecutionResult, error)

	// Name returns the backend name for logging.
	Name() string

	// Available returns true if this backend can be used in the current environment.
	Available() bool
}

// Command describes one sandboxed invocation.
//
//nolint:govet // logical grouping preferred
type Command struct {
	// Argv is the program and its arguments, resolved relative to Dir.
	Argv []string

	// Dir is the child's working directory. Required.
	Dir string

	// Timeout bounds wall-clock time. Zero means DefaultTimeout.
	Timeout time.Duration

	// Env is merged over the allow-listed base environment.
	Env map[string]string

	// Stdin is fed to the child; nil means an empty stdin.
	Stdin io.Reader

	// Stdout, when set, also receives the child's stdout as it is produced.
	Stdout io.Writer
}

// ExecutionResult is the outcome of one Run.
type ExecutionResult struct {
	ExitCode int           `json:"exit_code"`
	Signal   string        `json:"signal,omitempty"` // set when the child was killed by a signal
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
	Backend  string        `json:"backend"`
	Workdir  string        `json:"workdir,omitempty"` // cwd as the child saw it
}

// Clean reports a zero exit within the time limit.
func (r ExecutionResult) Clean() bool {
	return !r.TimedOut && r.Signal == "" && r.ExitCode == 0
}

// Limits are the per-child resource bounds.
type Limits struct {
	MemoryMB       int
	CPUSeconds     int
	PIDs           int
	MaxOutputBytes int
}

// Defaults.
const (
	DefaultTimeout        = config.DefaultSandboxTimeout
	DefaultMaxOutputBytes = 1 << 20
	DefaultPIDs           = 64
)

// LimitsFromConfig converts the sandbox section into Limits.
func LimitsFromConfig(cfg config.SandboxConfig) Limits {
	return Limits{
		MemoryMB:       cfg.MemoryMB,
		CPUSeconds:     cfg.CPUSeconds,
		PIDs:           DefaultPIDs,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// New creates the executor for the configured backend.
func New(cfg config.SandboxConfig) (Executor, error) {
	limits := LimitsFromConfig(cfg)
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalExecutor(limits), nil
	case BackendDocker:
		return NewDockerExecutor(cfg.Image, limits), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend: %s", cfg.Backend)
	}
}

func (c Command) validate() error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("command cannot be empty")
	}
	if c.Dir == "" {
		return fmt.Errorf("working directory is required")
	}
	return nil
}

func (c Command) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}
