package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameforge/pkg/catalog"
	"gameforge/pkg/repair"
	"gameforge/pkg/retrieval"
	"gameforge/pkg/session"
	"gameforge/pkg/version"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version.String()+"\n", out)
}

func TestReadPromptsSkipsBlankAndComments(t *testing.T) {
	prompts, err := readPrompts(strings.NewReader("# batch\nsnake with walls\n\n  pong for two players  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"snake with walls", "pong for two players"}, prompts)
}

func TestGenerationRequests(t *testing.T) {
	t.Cleanup(func() { genBatchFile, genTags, genConstraints = "", nil, nil })

	_, err := generationRequests(nil, nil)
	require.ErrorContains(t, err, "prompt is required")

	genTags = []string{"pooling"}
	reqs, err := generationRequests(nil, []string{"space shooter"})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "space shooter", reqs[0].Prompt)
	assert.Equal(t, []string{"pooling"}, reqs[0].Tags)

	genBatchFile = "-"
	_, err = generationRequests(nil, []string{"space shooter"})
	require.ErrorContains(t, err, "not both")

	reqs, err = generationRequests(strings.NewReader("snake\npong\n"), nil)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "pong", reqs[1].Prompt)

	_, err = generationRequests(strings.NewReader("# nothing\n"), nil)
	require.ErrorContains(t, err, "no prompts")
}

func TestBatchOutputKeepsErrors(t *testing.T) {
	out := batchOutput([]repair.BatchResult{
		{Result: session.Result{SessionID: "a", Status: session.StatusSucceeded}},
		{Err: errors.New("sandbox unavailable")},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].SessionID)
	assert.Empty(t, out[0].Error)
	assert.Equal(t, "sandbox unavailable", out[1].Error)

	data, err := json.Marshal(out[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"a"`)
	assert.NotContains(t, string(data), `"error"`)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestCatalogBuildAndQuery(t *testing.T) {
	modules := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modules, "object_pool.py"), []byte(`# tags: pooling, performance
"""
Object pool that recycles bullet sprites instead of allocating new ones.
"""
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(modules, "tile_map.py"), []byte(`# tags: map
"""Grid of terrain tiles loaded from a text layout."""
`), 0o644))

	snapshot := filepath.Join(t.TempDir(), "catalog.msgpack")
	project := t.TempDir()

	out, err := execute(t, "--project-dir", project, "catalog", "build", modules, "--snapshot", snapshot)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 2 modules")

	cat, err := catalog.LoadSnapshot(snapshot)
	require.NoError(t, err)
	assert.Equal(t, []string{"object_pool", "tile_map"}, cat.IDs())

	t.Setenv("GAMEFORGE_CATALOG_DIR", modules)
	out, err = execute(t, "--project-dir", project, "catalog", "query",
		"object pool that recycles bullet sprites", "--k", "1", "--threshold", "0")
	require.NoError(t, err)

	var matches []retrieval.Match
	require.NoError(t, json.Unmarshal([]byte(out), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "object_pool", matches[0].ModuleID)
}

func TestGenerateRequiresPrompt(t *testing.T) {
	_, err := execute(t, "generate")
	require.ErrorContains(t, err, "prompt is required")
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
