// Package gamekit defines the contract every generated game must satisfy and
// the runtimes that drive candidates through it.
package gamekit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Entry points a candidate must define.
const (
	EntryInitialize  = "initialize"
	EntryUpdate      = "update"
	EntryRender      = "render"
	EntryHandleInput = "handle_input"
	EntryDebugStart  = "debug_start"
)

// EntryPoint describes one required function.
type EntryPoint struct {
	Name    string
	Params  []string
	Purpose string
}

// Contract lists the required entry points in call order.
var Contract = []EntryPoint{
	{Name: EntryInitialize, Purpose: "set up all game state; no window loop"},
	{Name: EntryUpdate, Params: []string{"dt"}, Purpose: "advance the simulation by dt seconds"},
	{Name: EntryRender, Purpose: "draw the current frame"},
	{Name: EntryHandleInput, Params: []string{"event"}, Purpose: "apply one discrete input event: UP, DOWN, LEFT, RIGHT, ACTION or PAUSE"},
	{Name: EntryDebugStart, Purpose: "skip intro and menus and enter interactive play immediately"},
}

// EntryNames returns the names of all required entry points.
func EntryNames() []string {
	names := make([]string, len(Contract))
	for i, ep := range Contract {
		names[i] = ep.Name
	}
	return names
}

// Describe renders the contract as prompt text.
func Describe(rt Runtime) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The program is a single %s file named %s. It must define these top-level functions:\n", rt.Name(), rt.SourceFile())
	for _, ep := range Contract {
		fmt.Fprintf(&b, "- %s(%s): %s\n", ep.Name, strings.Join(ep.Params, ", "), ep.Purpose)
	}
	b.WriteString("It must not run its own main loop at import time, open network connections, spawn processes, or write files outside its working directory.")
	return b.String()
}

// Runtime adapts the contract to a language toolchain.
type Runtime interface {
	Name() string
	// SourceFile is the candidate's file name inside the attempt directory.
	SourceFile() string
	// SupportFiles are written beside the candidate before any run.
	SupportFiles() map[string][]byte
	// SmokeCommand initializes the game, runs frames update/render cycles and exits 0.
	SmokeCommand(frames int, dt float64) []string
	// FuzzCommand prints "READY" once debug_start returns, then reads one
	// event per stdin line and prints "ACK <n>" after each.
	FuzzCommand(dt float64) []string
	// Env is merged over the sandbox's base environment.
	Env() map[string]string
	// HarnessPrefixes identify support-file frames in tracebacks.
	HarnessPrefixes() []string
}

// WriteWorkspace materializes source and the runtime's support files in dir.
func WriteWorkspace(rt Runtime, dir, source string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create attempt directory: %w", err)
	}
	for name, content := range rt.SupportFiles() {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil { //nolint:gosec // world-readable support files
			return "", fmt.Errorf("failed to write support file %s: %w", name, err)
		}
	}
	path := filepath.Join(dir, rt.SourceFile())
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil { //nolint:gosec // candidate source is not secret
		return "", fmt.Errorf("failed to write candidate source: %w", err)
	}
	return path, nil
}
