// Package metrics records repair-loop and LLM metrics in Prometheus and
// queries them back for reports.
package metrics

import (
	"time"

	"gameforge/pkg/diag"
	"gameforge/pkg/session"
)

// Recorder receives loop observations. Implementations must be safe for
// concurrent use; batch runs share one recorder.
type Recorder interface {
	ObserveSession(status session.Status, attempts int, duration time.Duration)
	ObserveAttempt(outcome diag.Category, duration time.Duration)
	ObserveExecution(backend, phase string, duration time.Duration, timedOut bool)
	ObserveFuzz(events int, faulted bool)
	ObserveRetrieval(matches int)
	ObserveLLMRequest(model string, duration time.Duration, err error)
}

// Execution phases.
const (
	PhaseSmoke = "smoke"
	PhaseFuzz  = "fuzz"
)

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveSession(session.Status, int, time.Duration) {}
func (Noop) ObserveAttempt(diag.Category, time.Duration) {}
func (Noop) ObserveExecution(string, string, time.Duration, bool) {}
func (Noop) ObserveFuzz(int, bool) {}
func (Noop) ObserveRetrieval(int) {}
func (Noop) ObserveLLMRequest(string, time.Duration, error) {}
