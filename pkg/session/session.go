// Package session holds the data model of one repair session: the immutable
// request, its numbered attempts and the audited state transitions.
package session

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"gameforge/pkg/diag"
	"gameforge/pkg/fuzz"
	"gameforge/pkg/sandbox"
)

// State is a repair loop state.
type State string

const (
	StateGenerating State = "GENERATING"
	StateExecuting  State = "EXECUTING"
	StateFuzzing    State = "FUZZING"
	StateDiagnosing State = "DIAGNOSING"
	StateRepairing  State = "REPAIRING"
	StateSucceeded  State = "SUCCEEDED"
	StateExhausted  State = "EXHAUSTED"
	StateFatal      State = "FATAL"
)

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateFatal
}

// Status is the terminal outcome surfaced to callers.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusExhausted Status = "exhausted"
	StatusFatal     Status = "fatal"
)

// StatusFor maps a terminal state to its status.
func StatusFor(s State) Status {
	switch s {
	case StateSucceeded:
		return StatusSucceeded
	case StateExhausted:
		return StatusExhausted
	case StateFatal:
		return StatusFatal
	default:
		return StatusRunning
	}
}

// GenerationRequest is what the user asked for. Treat as immutable.
type GenerationRequest struct {
	Prompt      string   `json:"prompt"`
	Constraints []string `json:"constraints,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// NewRequest copies its slices so later caller edits cannot leak in.
func NewRequest(prompt string, constraints, tags []string) GenerationRequest {
	return GenerationRequest{
		Prompt:      prompt,
		Constraints: slices.Clone(constraints),
		Tags:        slices.Clone(tags),
	}
}

// Snippet is a retrieved reference module frozen into an attempt.
type Snippet struct {
	ModuleID string  `json:"module_id"`
	Score    float64 `json:"score"`
}

// Attempt is one generate, execute, fuzz cycle.
type Attempt struct {
	Number     int                      `json:"number"`
	Source     string                   `json:"-"`
	Design     json.RawMessage          `json:"design,omitempty"`
	Snippets   []Snippet                `json:"snippets"`
	Execution  *sandbox.ExecutionResult `json:"execution,omitempty"`
	Fuzz       *fuzz.Report             `json:"fuzz,omitempty"`
	Outcome    diag.Category            `json:"outcome"`
	Diagnostic *diag.Diagnostic         `json:"diagnostic,omitempty"`
	// Prior is the diagnostic carried in from the previous attempt.
	Prior     *diag.Diagnostic `json:"prior,omitempty"`
	Dir       string           `json:"dir"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
}

// Clean reports whether the attempt both ran and fuzzed without fault.
func (a *Attempt) Clean() bool {
	return a.Outcome == diag.CategoryNone && a.Execution != nil && a.Execution.Clean() &&
		a.Fuzz != nil && !a.Fuzz.Faulted()
}

// SnippetIDs lists the frozen module ids.
func (a *Attempt) SnippetIDs() []string {
	ids := make([]string, len(a.Snippets))
	for i, s := range a.Snippets {
		ids[i] = s.ModuleID
	}
	return ids
}

// clone deep-copies a so a recorded attempt shares nothing with callers.
func (a Attempt) clone() Attempt {
	a.Snippets = slices.Clone(a.Snippets)
	a.Design = slices.Clone(a.Design)
	if a.Execution != nil {
		res := *a.Execution
		a.Execution = &res
	}
	a.Fuzz = a.Fuzz.Clone()
	a.Diagnostic = a.Diagnostic.Clone()
	a.Prior = a.Prior.Clone()
	return a
}

// Transition is one audited state change.
type Transition struct {
	Seq     int       `json:"seq"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

// RepairSession accumulates attempts and transitions for one request.
// It is owned by a single controller goroutine.
type RepairSession struct {
	ID              string
	Request         GenerationRequest
	CatalogVersion  uint64
	CreatedAt       time.Time
	FinishedAt      time.Time
	State           State
	attempts        []Attempt
	transitions     []Transition
	finalDiagnostic *diag.Diagnostic
}

func New(req GenerationRequest) *RepairSession {
	return &RepairSession{
		ID:        uuid.NewString(),
		Request:   req,
		CreatedAt: time.Now(),
		State:     StateGenerating,
	}
}

// Record appends a finished attempt. Numbers must continue the sequence.
func (s *RepairSession) Record(a Attempt) error {
	if want := len(s.attempts) + 1; a.Number != want {
		return fmt.Errorf("attempt number %d out of sequence, expected %d", a.Number, want)
	}
	s.attempts = append(s.attempts, a.clone())
	return nil
}

// Attempts returns copies of every recorded attempt in order.
func (s *RepairSession) Attempts() []Attempt {
	out := make([]Attempt, len(s.attempts))
	for i := range s.attempts {
		out[i] = s.attempts[i].clone()
	}
	return out
}

// Last returns a copy of the most recent attempt.
func (s *RepairSession) Last() (Attempt, bool) {
	if len(s.attempts) == 0 {
		return Attempt{}, false
	}
	return s.attempts[len(s.attempts)-1].clone(), true
}

// Transition records a move to state `to` and returns the entry.
func (s *RepairSession) Transition(to State, attempt int) Transition {
	t := Transition{Seq: len(s.transitions) + 1, From: s.State, To: to, Attempt: attempt, At: time.Now()}
	s.transitions = append(s.transitions, t)
	s.State = to
	if to.IsTerminal() {
		s.FinishedAt = t.At
	}
	return t
}

func (s *RepairSession) Transitions() []Transition {
	return slices.Clone(s.transitions)
}

// SetFinalDiagnostic records the session-level diagnostic (e.g. RepairExhausted).
func (s *RepairSession) SetFinalDiagnostic(d *diag.Diagnostic) {
	s.finalDiagnostic = d.Clone()
}

// Result is what callers see once the session is over.
type Result struct {
	SessionID      string           `json:"session_id"`
	Status         Status           `json:"status"`
	FinalSource    string           `json:"final_source,omitempty"`
	AttemptCount   int              `json:"attempt_count"`
	LastDiagnostic *diag.Diagnostic `json:"last_diagnostic,omitempty"`
}

// Result summarizes the session. FinalSource is set only on success.
func (s *RepairSession) Result() Result {
	r := Result{
		SessionID:    s.ID,
		Status:       StatusFor(s.State),
		AttemptCount: len(s.attempts),
	}
	last, ok := s.Last()
	if ok && s.State == StateSucceeded {
		r.FinalSource = last.Source
	}
	switch {
	case s.finalDiagnostic != nil:
		r.LastDiagnostic = s.finalDiagnostic.Clone()
	case ok:
		r.LastDiagnostic = last.Diagnostic
	}
	return r
}
