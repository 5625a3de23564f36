// Package fuzz replays deterministic synthetic input against a candidate's
// debug entry point and records the first fault.
package fuzz

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// Action is one discrete input event.
type Action uint8

const (
	Up Action = iota
	Down
	Left
	Right
	Press
	Pause
)

// Actions is the fixed enumerated action set, in draw order.
var Actions = []Action{Up, Down, Left, Right, Press, Pause}

var actionNames = [...]string{"UP", "DOWN", "LEFT", "RIGHT", "ACTION", "PAUSE"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", a)
}

// ParseAction is the inverse of String.
func ParseAction(s string) (Action, error) {
	for i, name := range actionNames {
		if strings.EqualFold(s, name) {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// pcgStream decorrelates the two PCG words derived from one seed.
const pcgStream = 0x9e3779b97f4a7c15

// Synthesize returns length actions drawn from a PCG generator seeded only by
// seed. Identical inputs always yield identical sequences.
func Synthesize(seed uint64, length int) []Action {
	if length <= 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, seed^pcgStream)) //nolint:gosec // reproducibility, not secrecy
	events := make([]Action, length)
	for i := range events {
		events[i] = Actions[rng.IntN(len(Actions))]
	}
	return events
}

// Script renders events as the newline-separated stdin a harness consumes.
func Script(events []Action) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
