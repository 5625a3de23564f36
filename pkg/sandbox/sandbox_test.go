package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gameforge/pkg/config"
	"gameforge/pkg/diag"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sh(dir, script string) Command {
	return Command{Argv: []string{"/bin/sh", "-c", script}, Dir: dir, Timeout: 5 * time.Second}
}

// processGone reports whether pid has exited (missing or zombie).
func processGone(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(data[strings.LastIndexByte(string(data), ')')+1:]))
	return len(fields) > 0 && (fields[0] == "Z" || fields[0] == "X")
}

func TestLocalCleanRun(t *testing.T) {
	dir := t.TempDir()
	res, err := NewLocalExecutor(Limits{}).Run(context.Background(), sh(dir, "echo hi; echo warn >&2"))
	require.NoError(t, err)

	assert.True(t, res.Clean())
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)
	assert.Equal(t, BackendLocal, res.Backend)
	assert.Nil(t, Classify(res))
}

func TestLocalNonZeroExit(t *testing.T) {
	res, err := NewLocalExecutor(Limits{}).Run(context.Background(), sh(t.TempDir(), "exit 3"))
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	d := Classify(res)
	require.NotNil(t, d)
	assert.Equal(t, diag.RuntimeException, d.Category)
	assert.Equal(t, "exit status 3", d.Message)
}

func TestLocalTimeoutKillsProcessTree(t *testing.T) {
	dir := t.TempDir()
	cmd := sh(dir, "sleep 30 & echo $!; sleep 30")
	cmd.Timeout = 300 * time.Millisecond

	start := time.Now()
	res, err := NewLocalExecutor(Limits{}).Run(context.Background(), cmd)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
	d := Classify(res)
	require.NotNil(t, d)
	assert.Equal(t, diag.TimeoutExceeded, d.Category)

	bg, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return processGone(bg) }, 2*time.Second, 20*time.Millisecond)
}

func TestLocalEnvironmentIsScrubbed(t *testing.T) {
	t.Setenv("GAMEFORGE_TEST_SECRET", "leak")
	dir := t.TempDir()
	cmd := sh(dir, `echo "[$GAMEFORGE_TEST_SECRET]"; echo "$HOME"; echo "$CUSTOM"; pwd -P`)
	cmd.Env = map[string]string{"CUSTOM": "set"}

	res, err := NewLocalExecutor(Limits{}).Run(context.Background(), cmd)
	require.NoError(t, err)

	real, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "[]", lines[0])
	assert.Equal(t, "set", lines[2])
	assert.Equal(t, real, lines[3])

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.NotEqual(t, real, cwd)
	assert.Equal(t, "leak", os.Getenv("GAMEFORGE_TEST_SECRET"))
}

func TestLocalStdinAndTee(t *testing.T) {
	var tee strings.Builder
	cmd := sh(t.TempDir(), "read a; echo got $a")
	cmd.Stdin = strings.NewReader("UP\n")
	cmd.Stdout = &tee

	res, err := NewLocalExecutor(Limits{}).Run(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "got UP\n", res.Stdout)
	assert.Equal(t, "got UP\n", tee.String())
}

func TestLocalTracebackClassification(t *testing.T) {
	dir := t.TempDir()
	tb := `Traceback (most recent call last):
  File "/work/_gameforge_smoke.py", line 30, in <module>
    main()
  File "/work/_gameforge_smoke.py", line 24, in main
    game.update(dt)
  File "/work/main.py", line 7, in update
    player.velocity += 1
AttributeError: 'NoneType' object has no attribute 'velocity'
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tb.txt"), []byte(tb), 0o600))

	res, err := NewLocalExecutor(Limits{}).Run(context.Background(), sh(dir, "cat tb.txt >&2; exit 1"))
	require.NoError(t, err)

	d := Classify(res, "_gameforge_")
	require.NotNil(t, d)
	assert.Equal(t, diag.RuntimeException, d.Category)
	assert.Equal(t, "AttributeError", d.Subtype)
	assert.Equal(t, "/work/main.py:7", d.Location.String())
	assert.Contains(t, d.Excerpt, "AttributeError")
}

func TestLocalViolationIsClassified(t *testing.T) {
	res, err := NewLocalExecutor(Limits{}).Run(context.Background(),
		sh(t.TempDir(), `echo "SANDBOX-VIOLATION: write outside workspace: /etc/passwd" >&2; exit 86`))
	require.NoError(t, err)

	d := Classify(res)
	require.NotNil(t, d)
	assert.Equal(t, diag.SandboxViolation, d.Category)
	assert.Equal(t, "write outside workspace: /etc/passwd", d.Message)
}

func TestLocalSignalIsResourceExhausted(t *testing.T) {
	res, err := NewLocalExecutor(Limits{}).Run(context.Background(), sh(t.TempDir(), "kill -s XCPU $$"))
	require.NoError(t, err)

	assert.Equal(t, "SIGXCPU", res.Signal)
	d := Classify(res)
	require.NotNil(t, d)
	assert.Equal(t, diag.ResourceExhausted, d.Category)
}

func TestLocalCPULimit(t *testing.T) {
	cmd := sh(t.TempDir(), "while :; do :; done")
	cmd.Timeout = 20 * time.Second

	res, err := NewLocalExecutor(Limits{CPUSeconds: 1}).Run(context.Background(), cmd)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Contains(t, []string{"SIGXCPU", "SIGKILL"}, res.Signal)
	assert.Equal(t, diag.ResourceExhausted, Classify(res).Category)
}

func TestLocalCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewLocalExecutor(Limits{}).Run(ctx, sh(t.TempDir(), "sleep 30"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalRejectsBadCommands(t *testing.T) {
	e := NewLocalExecutor(Limits{})
	_, err := e.Run(context.Background(), Command{Dir: t.TempDir()})
	assert.Error(t, err)

	_, err = e.Run(context.Background(), sh(filepath.Join(t.TempDir(), "missing"), "true"))
	assert.Error(t, err)

	_, err = e.Run(context.Background(), Command{Argv: []string{"/nonexistent/binary"}, Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		res  ExecutionResult
		want diag.Category
	}{
		{"clean", ExecutionResult{}, diag.CategoryNone},
		{"timeout wins over traceback", ExecutionResult{TimedOut: true, ExitCode: -1, Stderr: "ValueError: x"}, diag.TimeoutExceeded},
		{"guard exit code alone", ExecutionResult{ExitCode: ViolationExitCode}, diag.SandboxViolation},
		{"memory error", ExecutionResult{ExitCode: 1, Stderr: "Traceback (most recent call last):\nMemoryError"}, diag.ResourceExhausted},
		{"syntax error", ExecutionResult{ExitCode: 1, Stderr: "  File \"main.py\", line 3\n    def x(\n         ^\nSyntaxError: '(' was never closed"}, diag.CompileOrSyntaxError},
		{"killed", ExecutionResult{ExitCode: -1, Signal: "SIGKILL"}, diag.ResourceExhausted},
		{"segfault", ExecutionResult{ExitCode: -1, Signal: "SIGSEGV"}, diag.RuntimeException},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.res)
			if tt.want == diag.CategoryNone {
				assert.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			assert.Equal(t, tt.want, d.Category)
		})
	}
}

func TestClassifyTrimsWorkdir(t *testing.T) {
	stderr := "Traceback (most recent call last):\n" +
		"  File \"/work/_gameforge_smoke.py\", line 24, in main\n" +
		"  File \"/work/main.py\", line 7, in update\n" +
		"AttributeError: 'NoneType' object has no attribute 'velocity'\n"

	d := Classify(ExecutionResult{ExitCode: 1, Stderr: stderr, Workdir: containerWorkdir}, "_gameforge_")
	require.NotNil(t, d)
	assert.Equal(t, "main.py:7", d.Location.String())
	assert.NotContains(t, d.Excerpt, "/work/")

	dir := t.TempDir()
	script := `echo "  File \"$PWD/main.py\", line 3, in update" >&2; echo "KeyError: 'UP'" >&2; exit 1`
	res, err := NewLocalExecutor(Limits{}).Run(context.Background(), sh(dir, script))
	require.NoError(t, err)
	assert.Equal(t, dir, res.Workdir)

	d = Classify(res)
	require.NotNil(t, d)
	assert.Equal(t, "main.py:3", d.Location.String())
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "[... 4 bytes truncated ...]\n456789ab", b.String())
}

func TestChildEnv(t *testing.T) {
	t.Setenv("PATH", "/bin")
	env := childEnv("/w", map[string]string{"SDL_VIDEODRIVER": "dummy", "HOME": "/override"})
	assert.Contains(t, env, "PATH=/bin")
	assert.Contains(t, env, "TMPDIR=/w")
	assert.Contains(t, env, "HOME=/override")
	assert.Contains(t, env, "SDL_VIDEODRIVER=dummy")
	assert.IsNonDecreasing(t, env)
}

func TestDockerArgs(t *testing.T) {
	d := NewDockerExecutor("python:3.12-slim", Limits{MemoryMB: 512, CPUSeconds: 5, PIDs: 32})
	args := d.buildArgs("gameforge-test", "/tmp/attempt", Command{
		Argv: []string{"python3", "_gameforge_smoke.py"},
		Env:  map[string]string{"SDL_VIDEODRIVER": "dummy"},
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--network none")
	assert.Contains(t, joined, "--memory 512m")
	assert.Contains(t, joined, "--ulimit cpu=5:6")
	assert.Contains(t, joined, "--pids-limit 32")
	assert.Contains(t, joined, "--volume /tmp/attempt:/work:rw")
	assert.Contains(t, joined, "--env SDL_VIDEODRIVER=dummy")
	assert.Contains(t, joined, "--env HOME=/work")
	assert.NotContains(t, joined, "PATH=")
	assert.Equal(t, []string{"python:3.12-slim", "python3", "_gameforge_smoke.py"}, args[len(args)-3:])
}

func TestNewSelectsBackend(t *testing.T) {
	e, err := New(configFor("local"))
	require.NoError(t, err)
	assert.Equal(t, BackendLocal, e.Name())

	e, err = New(configFor("docker"))
	require.NoError(t, err)
	assert.Equal(t, BackendDocker, e.Name())

	_, err = New(configFor("vm"))
	assert.Error(t, err)
}

func configFor(backend string) config.SandboxConfig {
	return config.SandboxConfig{Backend: backend, MemoryMB: 256, CPUSeconds: 2, Image: "python:3.12-slim"}
}
