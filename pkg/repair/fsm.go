package repair

import (
	"slices"

	"gameforge/pkg/session"
)

// Transitions is the canonical state transition map of the repair loop.
// StateFatal is reachable from every non-terminal state and is not listed.
var Transitions = map[session.State][]session.State{
	// GENERATING produces a candidate, or an escalated review rejection that
	// is diagnosed like a failed run.
	session.StateGenerating: {session.StateExecuting},

	// EXECUTING runs the clean smoke pass.
	session.StateExecuting: {session.StateFuzzing, session.StateDiagnosing},

	// FUZZING replays the seeded event sequence.
	session.StateFuzzing: {session.StateSucceeded, session.StateDiagnosing},

	// DIAGNOSING decides between another attempt and giving up.
	session.StateDiagnosing: {session.StateRepairing, session.StateExhausted},

	// REPAIRING carries the diagnostic into the next attempt.
	session.StateRepairing: {session.StateGenerating},
}

// ValidStates lists every repair loop state.
func ValidStates() []session.State {
	return []session.State{
		session.StateGenerating, session.StateExecuting, session.StateFuzzing, session.StateDiagnosing,
		session.StateRepairing, session.StateSucceeded, session.StateExhausted, session.StateFatal,
	}
}

// IsValidTransition reports whether the loop may move from one state to another.
func IsValidTransition(from, to session.State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == session.StateFatal {
		return true
	}
	return slices.Contains(Transitions[from], to)
}
