package repair

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameforge/pkg/diag"
	"gameforge/pkg/fuzz"
	"gameforge/pkg/gamekit"
	"gameforge/pkg/roles"
	"gameforge/pkg/session"
)

// pythonGame renders a candidate module; bodies override the default
// entry point implementations.
func pythonGame(bodies map[string]string) string {
	defaults := map[string]string{
		gamekit.EntryInitialize:  `state["x"] = 0.0`,
		gamekit.EntryUpdate:      `state["x"] += dt`,
		gamekit.EntryRender:      `state["frames"] = state.get("frames", 0) + 1`,
		gamekit.EntryHandleInput: `state["last"] = event`,
		gamekit.EntryDebugStart:  `state["debug"] = True`,
	}
	params := map[string]string{gamekit.EntryUpdate: "dt", gamekit.EntryHandleInput: "event"}

	var b strings.Builder
	b.WriteString("state = {}\n")
	for _, name := range gamekit.EntryNames() {
		body, ok := bodies[name]
		if !ok {
			body = defaults[name]
		}
		fmt.Fprintf(&b, "\n\ndef %s(%s):\n", name, params[name])
		for _, line := range strings.Split(body, "\n") {
			b.WriteString("    " + line + "\n")
		}
	}
	return b.String()
}

func newPythonHarness(t *testing.T, sources []string) *harness {
	t.Helper()
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not found on PATH")
	}
	rt := gamekit.NewPythonRuntime(python)
	return newHarness(t, sources, func(d *Deps, _ *Options) {
		d.Runtime = rt
		d.Fuzzer = fuzz.NewDriver(d.Executor, rt, fuzz.Options{FrameDT: 1.0 / 60, Timeout: 10 * time.Second})
		d.Generator.(*roles.Pipeline).SourceFile = rt.SourceFile()
	})
}

func TestPythonCleanCandidateSucceeds(t *testing.T) {
	h := newPythonHarness(t, []string{pythonGame(nil)})

	res, err := h.ctrl.Run(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, session.StatusSucceeded, res.Status, "diagnostic: %+v", res.LastDiagnostic)
	assert.Equal(t, 1, res.AttemptCount)

	a := h.sink.attempts[0]
	assert.Contains(t, a.Execution.Stdout, "SMOKE OK 3")
	require.NotNil(t, a.Fuzz)
	assert.Equal(t, 50, a.Fuzz.Handled)
	assert.FileExists(t, filepath.Join(a.Dir, gamekit.PythonSource))
}

func TestPythonAttributeErrorInUpdateIsRepaired(t *testing.T) {
	broken := pythonGame(map[string]string{
		gamekit.EntryInitialize: `state["player"] = None`,
		gamekit.EntryUpdate:     `state["player"].x += dt`,
	})
	h := newPythonHarness(t, []string{broken, pythonGame(nil)})

	res, err := h.ctrl.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, session.StatusSucceeded, res.Status)
	assert.Equal(t, 2, res.AttemptCount)

	first := h.sink.attempts[0]
	assert.Equal(t, diag.RuntimeException, first.Outcome)
	require.NotNil(t, first.Diagnostic)
	assert.Equal(t, "AttributeError", first.Diagnostic.Subtype)
	assert.Contains(t, first.Diagnostic.Message, "'NoneType' object has no attribute 'x'")
	require.NotNil(t, first.Diagnostic.Location)
	assert.Equal(t, gamekit.PythonSource, first.Diagnostic.Location.File)
	assert.Positive(t, first.Diagnostic.Location.Line)
	assert.NotContains(t, first.Diagnostic.Excerpt, first.Dir)

	inputs := h.planner.Inputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, broken, inputs[1].PriorSource)
}

func TestPythonPauseFaultIsFoundByReplay(t *testing.T) {
	events := fuzz.Synthesize(42, 50)
	want := slices.Index(events, fuzz.Pause)
	require.NotEqual(t, -1, want)

	controls := pythonGame(map[string]string{
		gamekit.EntryHandleInput: `moves = {"UP": (0, -1), "DOWN": (0, 1), "LEFT": (-1, 0), "RIGHT": (1, 0), "ACTION": (0, 0)}
state["last"] = moves[event]`,
	})
	h := newPythonHarness(t, []string{controls, pythonGame(nil)})

	res, err := h.ctrl.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, session.StatusSucceeded, res.Status)

	first := h.sink.attempts[0]
	assert.Equal(t, diag.FuzzFailure, first.Outcome)
	require.NotNil(t, first.Execution)
	assert.True(t, first.Execution.Clean())
	require.NotNil(t, first.Fuzz)
	assert.False(t, first.Fuzz.Startup)
	assert.Equal(t, want, first.Fuzz.FaultOffset)
	assert.Equal(t, "KeyError", first.Diagnostic.Subtype)
	assert.Contains(t, first.Diagnostic.Message, "(PAUSE)")
	assert.Equal(t, gamekit.PythonSource, first.Diagnostic.Location.File)
}

func TestPythonWriteOutsideWorkspaceIsFatal(t *testing.T) {
	target := filepath.Join(t.TempDir(), "escaped.txt")
	escape := pythonGame(map[string]string{
		gamekit.EntryInitialize: fmt.Sprintf("with open(%q, \"w\") as f:\n    f.write(\"x\")", target),
	})
	h := newPythonHarness(t, []string{escape, pythonGame(nil)})

	res, err := h.ctrl.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, session.StatusFatal, res.Status)
	assert.Equal(t, 1, res.AttemptCount)
	require.NotNil(t, res.LastDiagnostic)
	assert.Equal(t, diag.SandboxViolation, res.LastDiagnostic.Category)
	assert.Contains(t, res.LastDiagnostic.Message, "write outside workspace")
	assert.NoFileExists(t, target)
	assert.Len(t, h.engineer.Inputs(), 1)
}
