package gamekit

import (
	"embed"
	"path"
	"strconv"
)

//go:embed python/*.py
var pythonFS embed.FS

// Python harness file names.
const (
	PythonSmokeHarness = "_gameforge_smoke.py"
	PythonFuzzHarness  = "_gameforge_fuzz.py"
	PythonGuard        = "_gameforge_guard.py"
	PythonSource       = "main.py"
)

// PythonRuntime runs pygame-style candidates headless.
type PythonRuntime struct {
	Interpreter string
}

func NewPythonRuntime(interpreter string) *PythonRuntime {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &PythonRuntime{Interpreter: interpreter}
}

func (p *PythonRuntime) Name() string       { return "Python 3" }
func (p *PythonRuntime) SourceFile() string { return PythonSource }

func (p *PythonRuntime) SupportFiles() map[string][]byte {
	files := make(map[string][]byte, 3)
	for _, name := range []string{PythonGuard, PythonSmokeHarness, PythonFuzzHarness} {
		data, err := pythonFS.ReadFile(path.Join("python", name))
		if err != nil {
			panic("gamekit: missing embedded harness " + name)
		}
		files[name] = data
	}
	return files
}

func (p *PythonRuntime) SmokeCommand(frames int, dt float64) []string {
	return []string{p.Interpreter, PythonSmokeHarness, PythonSource, strconv.Itoa(frames), formatDT(dt)}
}

func (p *PythonRuntime) FuzzCommand(dt float64) []string {
	return []string{p.Interpreter, PythonFuzzHarness, PythonSource, formatDT(dt)}
}

func (p *PythonRuntime) Env() map[string]string {
	return map[string]string{
		"SDL_VIDEODRIVER":            "dummy",
		"SDL_AUDIODRIVER":            "dummy",
		"PYGAME_HIDE_SUPPORT_PROMPT": "1",
		"PYTHONDONTWRITEBYTECODE":    "1",
		"PYTHONUNBUFFERED":           "1",
		"PYTHONPATH":                 ".",
	}
}

func (p *PythonRuntime) HarnessPrefixes() []string {
	return []string{"_gameforge_", "<frozen "}
}

func formatDT(dt float64) string {
	return strconv.FormatFloat(dt, 'f', -1, 64)
}
