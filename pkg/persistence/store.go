package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gameforge/pkg/diag"
	"gameforge/pkg/session"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SessionRecord is the persisted summary of one repair session.
type SessionRecord struct {
	ID              string                    `json:"id"`
	Request         session.GenerationRequest `json:"request"`
	CatalogVersion  uint64                    `json:"catalog_version"`
	State           session.State             `json:"state"`
	Status          session.Status            `json:"status"`
	AttemptCount    int                       `json:"attempt_count"`
	FinalSource     string                    `json:"final_source,omitempty"`
	FinalDiagnostic *diag.Diagnostic          `json:"final_diagnostic,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	FinishedAt      *time.Time                `json:"finished_at,omitempty"`
}

// AttemptRecord is the persisted form of one attempt.
//
//nolint:govet // struct alignment optimization not critical for this type.
type AttemptRecord struct {
	SessionID  string            `json:"session_id"`
	Number     int               `json:"number"`
	Outcome    diag.Category     `json:"outcome"`
	Diagnostic *diag.Diagnostic  `json:"diagnostic,omitempty"`
	Prior      *diag.Diagnostic  `json:"prior,omitempty"`
	Snippets   []session.Snippet `json:"snippets"`
	Design     json.RawMessage   `json:"design,omitempty"`
	Source     string            `json:"source"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Signal     string            `json:"signal,omitempty"`
	TimedOut   bool              `json:"timed_out"`
	FuzzTrace  string            `json:"fuzz_trace,omitempty"`
	Dir        string            `json:"dir"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
}

func recordFor(s *session.RepairSession) SessionRecord {
	res := s.Result()
	rec := SessionRecord{
		ID:              s.ID,
		Request:         s.Request,
		CatalogVersion:  s.CatalogVersion,
		State:           s.State,
		Status:          res.Status,
		AttemptCount:    res.AttemptCount,
		FinalSource:     res.FinalSource,
		FinalDiagnostic: res.LastDiagnostic,
		CreatedAt:       s.CreatedAt,
	}
	if !s.FinishedAt.IsZero() {
		at := s.FinishedAt
		rec.FinishedAt = &at
	}
	return rec
}

func attemptRecordFor(sessionID string, a *session.Attempt) AttemptRecord {
	rec := AttemptRecord{
		SessionID:  sessionID,
		Number:     a.Number,
		Outcome:    a.Outcome,
		Diagnostic: a.Diagnostic,
		Prior:      a.Prior,
		Snippets:   a.Snippets,
		Design:     a.Design,
		Source:     a.Source,
		Dir:        a.Dir,
		StartedAt:  a.StartedAt,
		Duration:   a.Duration,
	}
	if a.Execution != nil {
		code := a.Execution.ExitCode
		rec.ExitCode = &code
		rec.Signal = a.Execution.Signal
		rec.TimedOut = a.Execution.TimedOut
	}
	if a.Fuzz != nil {
		rec.FuzzTrace = a.Fuzz.Trace()
	}
	return rec
}

// SessionStarted inserts the session row.
func (s *Store) SessionStarted(ctx context.Context, rs *session.RepairSession) error {
	return s.upsertSession(ctx, recordFor(rs))
}

// SessionFinished updates the session row with its terminal outcome.
func (s *Store) SessionFinished(ctx context.Context, rs *session.RepairSession) error {
	return s.upsertSession(ctx, recordFor(rs))
}

// AttemptRecorded inserts one attempt row.
func (s *Store) AttemptRecorded(ctx context.Context, sessionID string, a session.Attempt) error {
	return s.insertAttempt(ctx, attemptRecordFor(sessionID, &a))
}

// Transitioned inserts one transition row.
func (s *Store) Transitioned(ctx context.Context, sessionID string, t session.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (session_id, seq, from_state, to_state, attempt, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, t.Seq, string(t.From), string(t.To), t.Attempt, t.At.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert transition %d of session %s: %w", t.Seq, sessionID, err)
	}
	return nil
}

func (s *Store) upsertSession(ctx context.Context, rec SessionRecord) error {
	requestJSON, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	diagJSON, err := marshalDiagnostic(rec.FinalDiagnostic)
	if err != nil {
		return err
	}
	var finished sql.NullString
	if rec.FinishedAt != nil {
		finished = sql.NullString{String: rec.FinishedAt.UTC().Format(timeLayout), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, prompt, request_json, catalog_version, state, status, attempt_count,
			final_source, final_diagnostic_json, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			final_source = excluded.final_source,
			final_diagnostic_json = excluded.final_diagnostic_json,
			finished_at = excluded.finished_at`,
		rec.ID, rec.Request.Prompt, string(requestJSON), int64(rec.CatalogVersion), string(rec.State), string(rec.Status),
		rec.AttemptCount, nullString(rec.FinalSource), diagJSON, rec.CreatedAt.UTC().Format(timeLayout), finished)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) insertAttempt(ctx context.Context, rec AttemptRecord) error {
	diagJSON, err := marshalDiagnostic(rec.Diagnostic)
	if err != nil {
		return err
	}
	priorJSON, err := marshalDiagnostic(rec.Prior)
	if err != nil {
		return err
	}
	snippets := rec.Snippets
	if snippets == nil {
		snippets = []session.Snippet{}
	}
	snippetsJSON, err := json.Marshal(snippets)
	if err != nil {
		return fmt.Errorf("failed to marshal snippets: %w", err)
	}
	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempts (session_id, number, outcome, diagnostic_json, prior_json, snippets_json,
			design_json, source, exit_code, signal, timed_out, fuzz_trace, dir, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Number, rec.Outcome.String(), diagJSON, priorJSON, string(snippetsJSON),
		nullString(string(rec.Design)), rec.Source, exitCode, nullString(rec.Signal), rec.TimedOut,
		rec.FuzzTrace, rec.Dir, rec.StartedAt.UTC().Format(timeLayout), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert attempt %d of session %s: %w", rec.Number, rec.SessionID, err)
	}
	return nil
}

// GetSession loads one session summary.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_json, catalog_version, state, status, attempt_count,
			final_source, final_diagnostic_json, created_at, finished_at
		FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rec, err
}

// ListSessions returns the most recent sessions first. limit <= 0 returns all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_json, catalog_version, state, status, attempt_count,
			final_source, final_diagnostic_json, created_at, finished_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListAttempts returns a session's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, sessionID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, outcome, diagnostic_json, prior_json, snippets_json, design_json, source,
			exit_code, signal, timed_out, fuzz_trace, dir, started_at, duration_ms
		FROM attempts WHERE session_id = ? ORDER BY number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AttemptRecord
	for rows.Next() {
		var (
			rec                          = AttemptRecord{SessionID: sessionID}
			outcome, snippets, startedAt string
			diagJSON, priorJSON, design  sql.NullString
			signal                       sql.NullString
			exitCode                     sql.NullInt64
			durationMS                   int64
		)
		if err := rows.Scan(&rec.Number, &outcome, &diagJSON, &priorJSON, &snippets, &design, &rec.Source,
			&exitCode, &signal, &rec.TimedOut, &rec.FuzzTrace, &rec.Dir, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if rec.Outcome, err = diag.ParseCategory(outcome); err != nil {
			return nil, err
		}
		if rec.Diagnostic, err = unmarshalDiagnostic(diagJSON); err != nil {
			return nil, err
		}
		if rec.Prior, err = unmarshalDiagnostic(priorJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(snippets), &rec.Snippets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snippets: %w", err)
		}
		if design.Valid {
			rec.Design = json.RawMessage(design.String)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		rec.Signal = signal.String
		if rec.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListTransitions returns a session's transitions in sequence order.
func (s *Store) ListTransitions(ctx context.Context, sessionID string) ([]session.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, from_state, to_state, attempt, at
		FROM transitions WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []session.Transition
	for rows.Next() {
		var (
			t        session.Transition
			from, to string
			at       string
		)
		if err := rows.Scan(&t.Seq, &from, &to, &t.Attempt, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From, t.To = session.State(from), session.State(to)
		if t.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("failed to parse transition time: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var (
		rec                   SessionRecord
		requestJSON           string
		catalogVersion        int64
		state, status         string
		finalSource, diagJSON sql.NullString
		createdAt             string
		finishedAt            sql.NullString
	)
	if err := row.Scan(&rec.ID, &requestJSON, &catalogVersion, &state, &status, &rec.AttemptCount,
		&finalSource, &diagJSON, &createdAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(requestJSON), &rec.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	rec.CatalogVersion = uint64(catalogVersion)
	rec.State = session.State(state)
	rec.Status = session.Status(status)
	rec.FinalSource = finalSource.String

	var err error
	if rec.FinalDiagnostic, err = unmarshalDiagnostic(diagJSON); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if finishedAt.Valid {
		at, err := time.Parse(timeLayout, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at: %w", err)
		}
		rec.FinishedAt = &at
	}
	return &rec, nil
}

func marshalDiagnostic(d *diag.Diagnostic) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal diagnostic: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalDiagnostic(s sql.NullString) (*diag.Diagnostic, error) {
	if !s.Valid || s.String == "" {
		return nil, nil //nolint:nilnil // absent diagnostic
	}
	var d diag.Diagnostic
	if err := json.Unmarshal([]byte(s.String), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diagnostic: %w", err)
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
