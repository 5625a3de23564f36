package fuzz

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"gameforge/pkg/config"
	"gameforge/pkg/diag"
	"gameforge/pkg/gamekit"
	"gameforge/pkg/logx"
	"gameforge/pkg/sandbox"
)

// NoFault is the FaultOffset of a clean replay.
const NoFault = -1

// Report is the outcome of one replay.
type Report struct {
	Seed        uint64           `json:"seed"`
	Events      []Action         `json:"-"`
	FaultOffset int              `json:"fault_offset"` // index of the event being handled when the fault hit, or NoFault
	Handled     int              `json:"handled"`
	Startup     bool             `json:"startup,omitempty"` // fault hit in initialize or debug_start; no event was fed
	Diagnostic  *diag.Diagnostic `json:"diagnostic,omitempty"`
	Duration    time.Duration    `json:"duration"`
}

// Clone returns a copy that shares no memory with r.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.Events = slices.Clone(r.Events)
	c.Diagnostic = r.Diagnostic.Clone()
	return &c
}

// Faulted reports whether the replay hit a fault.
func (r Report) Faulted() bool {
	return r.FaultOffset != NoFault
}

// Trace renders the report for audit rows.
func (r Report) Trace() string {
	names := make([]string, len(r.Events))
	for i, e := range r.Events {
		names[i] = e.String()
	}
	fault := "none"
	switch {
	case r.Startup:
		fault = "startup"
	case r.Faulted():
		fault = strconv.Itoa(r.FaultOffset)
	}
	return fmt.Sprintf("seed=%d len=%d fault=%s events=%s", r.Seed, len(r.Events), fault, strings.Join(names, ","))
}

// Options tune frame timing and the replay's wall-clock bound.
type Options struct {
	FrameDT float64
	Timeout time.Duration
}

// OptionsFromConfig extracts driver options from the fuzz section.
func OptionsFromConfig(cfg config.FuzzConfig) Options {
	return Options{FrameDT: cfg.FrameDT, Timeout: cfg.Timeout}
}

// Driver feeds event sequences through a runtime's fuzz harness in the sandbox.
type Driver struct {
	exec    sandbox.Executor
	runtime gamekit.Runtime
	opts    Options
	logger  *logx.Logger
}

func NewDriver(exec sandbox.Executor, rt gamekit.Runtime, opts Options) *Driver {
	if opts.FrameDT <= 0 {
		opts.FrameDT = config.DefaultFuzzFrameDT
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultFuzzTimeout
	}
	return &Driver{exec: exec, runtime: rt, opts: opts, logger: logx.NewLogger("fuzz")}
}

// Run replays Synthesize(seed, length) against the candidate prepared in dir.
// The harness stops at the first uncaught fault; the error return is only for
// sandbox infrastructure failures.
func (d *Driver) Run(ctx context.Context, dir string, seed uint64, length int) (Report, error) {
	events := Synthesize(seed, length)
	acks := &ackCounter{}

	res, err := d.exec.Run(ctx, sandbox.Command{
		Argv:    d.runtime.FuzzCommand(d.opts.FrameDT),
		Dir:     dir,
		Timeout: d.opts.Timeout,
		Env:     d.runtime.Env(),
		Stdin:   strings.NewReader(Script(events)),
		Stdout:  acks,
	})
	if err != nil {
		return Report{}, fmt.Errorf("fuzz replay failed to run: %w", err)
	}

	handled := min(acks.Max(), len(events))
	report := Report{
		Seed:        seed,
		Events:      events,
		FaultOffset: NoFault,
		Handled:     handled,
		Duration:    res.Duration,
	}
	if res.Clean() && handled == len(events) {
		logx.Debug(ctx, "fuzz", "seed %d: %d events handled, no fault", seed, handled)
		return report, nil
	}

	report.FaultOffset = handled
	report.Startup = !acks.Ready()
	report.Diagnostic = d.faultDiagnostic(res, events, handled, report.Startup)
	d.logger.Info("seed %d: fault after %d/%d events: %s", seed, handled, len(events), report.Diagnostic.Summary())
	return report, nil
}

func (d *Driver) faultDiagnostic(res sandbox.ExecutionResult, events []Action, offset int, startup bool) *diag.Diagnostic {
	var where string
	switch {
	case startup:
		where = "during startup, before the first event"
	case offset < len(events):
		where = fmt.Sprintf("at event %d (%s)", offset, events[offset])
	default:
		where = "after the last event"
	}

	dg := sandbox.Classify(res, d.runtime.HarnessPrefixes()...)
	if dg == nil {
		return &diag.Diagnostic{
			Category: diag.FuzzFailure,
			Message:  fmt.Sprintf("harness exited cleanly after %d of %d events", offset, len(events)),
			Excerpt:  diag.Tail(res.Stderr, diag.DefaultTailLines),
		}
	}
	// A guard trip stays a violation so the controller can stop the session.
	if dg.Category == diag.SandboxViolation {
		return dg
	}
	out := *dg
	out.Category = diag.FuzzFailure
	if out.Subtype == "" {
		out.Subtype = dg.Category.String()
	}
	out.Message = strings.TrimSpace(where + ": " + dg.Message)
	return &out
}

// ackCounter tracks the READY line and the highest "ACK <n>" line seen on stdout.
type ackCounter struct {
	mu      sync.Mutex
	partial []byte
	ready   bool
	max     int
}

func (a *ackCounter) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partial = append(a.partial, p...)
	for {
		i := bytes.IndexByte(a.partial, '\n')
		if i < 0 {
			break
		}
		a.scan(a.partial[:i])
		a.partial = a.partial[i+1:]
	}
	return len(p), nil
}

func (a *ackCounter) scan(line []byte) {
	line = bytes.TrimSpace(line)
	if bytes.Equal(line, []byte("READY")) {
		a.ready = true
		return
	}
	rest, ok := bytes.CutPrefix(line, []byte("ACK "))
	if !ok {
		return
	}
	if n, err := strconv.Atoi(string(rest)); err == nil && n > a.max {
		a.max = n
	}
}

// Ready reports whether the harness got past startup.
func (a *ackCounter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready || a.max > 0
}

func (a *ackCounter) Max() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max
}
