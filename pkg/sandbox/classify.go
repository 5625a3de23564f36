package sandbox

import (
	"fmt"
	"time"

	"gameforge/pkg/diag"
)

// ViolationExitCode is the exit status the runtime guard uses when it blocks
// an operation outside the sandbox.
const ViolationExitCode = 86

// Classify maps a finished run to a diagnostic, or nil for a clean run.
// harnessPrefixes name support files whose traceback frames are not user code.
// Paths under res.Workdir are reported relative to it.
func Classify(res ExecutionResult, harnessPrefixes ...string) *diag.Diagnostic {
	d := classify(res, harnessPrefixes)
	d.TrimDir(res.Workdir)
	return d
}

func classify(res ExecutionResult, harnessPrefixes []string) *diag.Diagnostic {
	if res.Clean() {
		return nil
	}
	excerpt := diag.Tail(res.Stderr, diag.DefaultTailLines)

	if res.TimedOut {
		return &diag.Diagnostic{
			Category: diag.TimeoutExceeded,
			Message:  fmt.Sprintf("execution did not finish within %s", res.Duration.Round(time.Millisecond)),
			Excerpt:  excerpt,
		}
	}

	if what, ok := diag.FindViolation(res.Stderr); ok || res.ExitCode == ViolationExitCode {
		if what == "" {
			what = fmt.Sprintf("guard exit status %d", res.ExitCode)
		}
		return &diag.Diagnostic{Category: diag.SandboxViolation, Message: what, Excerpt: excerpt}
	}

	switch res.Signal {
	case "SIGXCPU", "SIGKILL":
		return &diag.Diagnostic{
			Category: diag.ResourceExhausted,
			Subtype:  res.Signal,
			Message:  "terminated by " + res.Signal + " after exceeding a resource limit",
			Excerpt:  excerpt,
		}
	}

	tb := diag.ParseTraceback(res.Stderr, harnessPrefixes...)
	if tb.Found() {
		return &diag.Diagnostic{
			Category: diag.CategoryForSubtype(tb.Subtype),
			Subtype:  tb.Subtype,
			Message:  tb.Message,
			Location: tb.Location,
			Excerpt:  tb.Excerpt,
		}
	}

	msg := fmt.Sprintf("exit status %d", res.ExitCode)
	if res.Signal != "" {
		msg = "terminated by " + res.Signal
	}
	return &diag.Diagnostic{Category: diag.RuntimeException, Message: msg, Location: tb.Location, Excerpt: excerpt}
}
