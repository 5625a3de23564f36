package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gameforge/pkg/diag"
	"gameforge/pkg/fuzz"
	"gameforge/pkg/sandbox"
	"gameforge/pkg/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("database/sql.(*DB).connectionOpener"))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSession(t *testing.T) *session.RepairSession {
	t.Helper()
	rs := session.New(session.NewRequest("a space shooter", []string{"no audio"}, []string{"pooling"}))
	rs.CatalogVersion = 7

	rs.Transition(session.StateExecuting, 1)
	require.NoError(t, rs.Record(session.Attempt{
		Number:    1,
		Source:    "def initialize(): pass\n",
		Design:    json.RawMessage(`{"title":"Shooter"}`),
		Snippets:  []session.Snippet{{ModuleID: "object_pool", Score: 0.35}},
		Execution: &sandbox.ExecutionResult{ExitCode: 1, Backend: "local"},
		Outcome:   diag.RuntimeException,
		Diagnostic: &diag.Diagnostic{
			Category: diag.RuntimeException,
			Subtype:  "AttributeError",
			Message:  "'NoneType' object has no attribute 'x'",
			Location: &diag.Location{File: "main.py", Line: 7},
		},
		Dir:       "/tmp/a1",
		StartedAt: time.Now(),
		Duration:  1500 * time.Millisecond,
	}))
	rs.Transition(session.StateDiagnosing, 1)
	require.NoError(t, rs.Record(session.Attempt{
		Number:    2,
		Source:    "def initialize(): return\n",
		Execution: &sandbox.ExecutionResult{},
		Fuzz:      &fuzz.Report{Seed: 42, Events: []fuzz.Action{fuzz.Up, fuzz.Pause}, FaultOffset: fuzz.NoFault, Handled: 2},
		Prior:     &diag.Diagnostic{Category: diag.RuntimeException, Subtype: "AttributeError"},
		Dir:       "/tmp/a2",
		StartedAt: time.Now(),
	}))
	rs.Transition(session.StateSucceeded, 2)
	return rs
}

func persist(t *testing.T, s *Store, rs *session.RepairSession) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SessionStarted(ctx, rs))
	for _, a := range rs.Attempts() {
		require.NoError(t, s.AttemptRecorded(ctx, rs.ID, a))
	}
	for _, tr := range rs.Transitions() {
		require.NoError(t, s.Transitioned(ctx, rs.ID, tr))
	}
	require.NoError(t, s.SessionFinished(ctx, rs))
}

func TestStoreRoundTripsSession(t *testing.T) {
	s := openStore(t)
	rs := sampleSession(t)
	persist(t, s, rs)
	ctx := context.Background()

	rec, err := s.GetSession(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, "a space shooter", rec.Request.Prompt)
	assert.Equal(t, []string{"pooling"}, rec.Request.Tags)
	assert.Equal(t, uint64(7), rec.CatalogVersion)
	assert.Equal(t, session.StatusSucceeded, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Equal(t, "def initialize(): return\n", rec.FinalSource)
	require.NotNil(t, rec.FinishedAt)

	attempts, err := s.ListAttempts(ctx, rs.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	first := attempts[0]
	assert.Equal(t, diag.RuntimeException, first.Outcome)
	require.NotNil(t, first.Diagnostic)
	assert.Equal(t, "main.py:7", first.Diagnostic.Location.String())
	assert.Equal(t, []session.Snippet{{ModuleID: "object_pool", Score: 0.35}}, first.Snippets)
	assert.JSONEq(t, `{"title":"Shooter"}`, string(first.Design))
	require.NotNil(t, first.ExitCode)
	assert.Equal(t, 1, *first.ExitCode)
	assert.Equal(t, 1500*time.Millisecond, first.Duration)

	second := attempts[1]
	assert.Equal(t, diag.CategoryNone, second.Outcome)
	assert.Nil(t, second.Diagnostic)
	require.NotNil(t, second.Prior)
	assert.Equal(t, "AttributeError", second.Prior.Subtype)
	assert.Contains(t, second.FuzzTrace, "seed=42")
	assert.Empty(t, second.Snippets)

	transitions, err := s.ListTransitions(ctx, rs.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, session.StateGenerating, transitions[0].From)
	assert.Equal(t, session.StateSucceeded, transitions[2].To)
}

func TestStoreRejectsDuplicateAttempt(t *testing.T) {
	s := openStore(t)
	rs := sampleSession(t)
	persist(t, s, rs)

	a, _ := rs.Last()
	require.Error(t, s.AttemptRecorded(context.Background(), rs.ID, a))
}

func TestGetSessionNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	older := session.New(session.NewRequest("first", nil, nil))
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := session.New(session.NewRequest("second", nil, nil))
	require.NoError(t, s.SessionStarted(ctx, older))
	require.NoError(t, s.SessionStarted(ctx, newer))

	all, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer.ID, all[0].ID)
	assert.Equal(t, session.StatusRunning, all[0].Status)

	one, err := s.ListSessions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestOpenFileDatabaseIsReopenable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path)
	require.NoError(t, err)
	rs := sampleSession(t)
	persist(t, s, rs)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	version, err := GetSchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	rec, err := s.GetSession(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSucceeded, rec.Status)
}

func TestRecorderAppliesWritesInOrder(t *testing.T) {
	s := openStore(t)
	r := NewRecorder(s, 4)
	defer r.Close()

	rs := sampleSession(t)
	ctx := context.Background()
	require.NoError(t, r.SessionStarted(ctx, rs))
	for _, a := range rs.Attempts() {
		require.NoError(t, r.AttemptRecorded(ctx, rs.ID, a))
	}
	for _, tr := range rs.Transitions() {
		require.NoError(t, r.Transitioned(ctx, rs.ID, tr))
	}
	require.NoError(t, r.SessionFinished(ctx, rs))
	require.NoError(t, r.Flush(ctx))

	rec, err := s.GetSession(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSucceeded, rec.Status)

	attempts, err := s.ListAttempts(ctx, rs.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}
