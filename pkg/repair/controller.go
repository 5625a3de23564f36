// Package repair implements the closed generate, execute, fuzz, repair loop.
// One Controller serves many sessions; each Run is sequential and owns its
// own workspace directory and child processes.
package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gameforge/pkg/catalog"
	"gameforge/pkg/config"
	"gameforge/pkg/diag"
	"gameforge/pkg/fuzz"
	"gameforge/pkg/gamekit"
	"gameforge/pkg/logx"
	"gameforge/pkg/metrics"
	"gameforge/pkg/retrieval"
	"gameforge/pkg/roles"
	"gameforge/pkg/sandbox"
	"gameforge/pkg/session"
)

// ErrPromptRejected is returned by Run when the refiner refuses the prompt.
// No session is created.
var ErrPromptRejected = roles.ErrPromptRejected

// Generator turns one plan input into a reviewed candidate.
type Generator interface {
	Generate(ctx context.Context, in roles.PlanInput) (roles.Candidate, error)
}

// AuditSink receives the session trail as it happens.
type AuditSink interface {
	SessionStarted(ctx context.Context, s *session.RepairSession) error
	AttemptRecorded(ctx context.Context, sessionID string, a session.Attempt) error
	Transitioned(ctx context.Context, sessionID string, t session.Transition) error
	SessionFinished(ctx context.Context, s *session.RepairSession) error
}

// Options bound the loop.
type Options struct {
	MaxAttempts  int
	K            int
	Threshold    float64
	SmokeFrames  int
	FrameDT      float64
	SmokeTimeout time.Duration
	FuzzSeed     uint64
	FuzzLength   int
	// Workspace is the root under which each session gets its own directory.
	Workspace string
}

// OptionsFromConfig extracts loop options from a loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxAttempts:  cfg.Repair.MaxAttempts,
		K:            cfg.Retrieval.K,
		Threshold:    cfg.Retrieval.Threshold,
		SmokeFrames:  cfg.Sandbox.SmokeFrames,
		FrameDT:      cfg.Fuzz.FrameDT,
		SmokeTimeout: cfg.Sandbox.Timeout,
		FuzzSeed:     cfg.Fuzz.Seed,
		FuzzLength:   cfg.Fuzz.Length,
		Workspace:    cfg.Repair.Workspace,
	}
}

// Deps are the collaborators of a Controller. Retriever, Refiner, Audit and
// Metrics are optional.
type Deps struct {
	Index     *catalog.Index
	Retriever *retrieval.Retriever
	Generator Generator
	Refiner   roles.Refiner
	Executor  sandbox.Executor
	Fuzzer    *fuzz.Driver
	Runtime   gamekit.Runtime
	Audit     AuditSink
	Metrics   metrics.Recorder
}

// Controller sequences retrieval, generation, execution and fuzzing.
type Controller struct {
	Deps
	opts   Options
	logger *logx.Logger
}

// NewController validates deps and fills option defaults.
func NewController(deps Deps, opts Options) (*Controller, error) {
	switch {
	case deps.Generator == nil:
		return nil, fmt.Errorf("repair controller needs a generator")
	case deps.Executor == nil:
		return nil, fmt.Errorf("repair controller needs a sandbox executor")
	case deps.Fuzzer == nil:
		return nil, fmt.Errorf("repair controller needs a fuzz driver")
	case deps.Runtime == nil:
		return nil, fmt.Errorf("repair controller needs a runtime")
	case opts.Workspace == "":
		return nil, fmt.Errorf("repair controller needs a workspace root")
	}
	if deps.Index == nil {
		deps.Index = catalog.NewIndex()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.DefaultMaxAttempts
	}
	if opts.K <= 0 {
		opts.K = config.DefaultK
	}
	if opts.SmokeFrames <= 0 {
		opts.SmokeFrames = config.DefaultSmokeFrames
	}
	if opts.FrameDT <= 0 {
		opts.FrameDT = config.DefaultFuzzFrameDT
	}
	if opts.SmokeTimeout <= 0 {
		opts.SmokeTimeout = config.DefaultSandboxTimeout
	}
	if opts.FuzzLength <= 0 {
		opts.FuzzLength = config.DefaultFuzzLength
	}
	return &Controller{Deps: deps, opts: opts, logger: logx.NewLogger("repair")}, nil
}

// run is the per-session state owned by one Run call.
type run struct {
	*Controller
	s       *session.RepairSession
	cat     *catalog.Catalog
	planReq session.GenerationRequest
	dir     string
}

// Run drives one request to a terminal state. Attempt failures are retried
// internally; the returned error is reserved for a rejected prompt and for
// infrastructure failures, in which case the session is closed as fatal.
func (c *Controller) Run(ctx context.Context, req session.GenerationRequest) (session.Result, error) {
	planReq := req
	if c.Refiner != nil {
		brief, err := c.Refiner.Refine(ctx, req.Prompt)
		if err != nil {
			if errors.Is(err, ErrPromptRejected) {
				c.logger.Warn("prompt rejected: %v", err)
			}
			return session.Result{}, err
		}
		planReq.Prompt = brief
	}

	s := session.New(req)
	cat := c.Index.Snapshot()
	s.CatalogVersion = cat.Version()
	ctx = logx.WithSession(ctx, s.ID)

	r := &run{
		Controller: c,
		s:          s,
		cat:        cat,
		planReq:    planReq,
		dir:        filepath.Join(c.opts.Workspace, s.ID),
	}
	c.logger.Info("session %s started on catalog v%d (max %d attempts)", s.ID, cat.Version(), c.opts.MaxAttempts)
	c.audit(ctx, "session start", func() error { return c.Audit.SessionStarted(ctx, s) })

	err := r.loop(ctx)
	if err != nil && !s.State.IsTerminal() {
		c.logger.Error("session %s aborted: %v", s.ID, err)
		r.fatal(ctx, nil)
	}

	c.audit(ctx, "session finish", func() error { return c.Audit.SessionFinished(ctx, s) })
	res := s.Result()
	c.Metrics.ObserveSession(res.Status, res.AttemptCount, time.Since(s.CreatedAt))
	c.logger.Info("session %s finished: %s after %d attempt(s)", s.ID, res.Status, res.AttemptCount)
	return res, err
}

func (r *run) loop(ctx context.Context) error {
	var (
		prior       *diag.Diagnostic
		priorSource string
	)
	for n := 1; ; n++ {
		if n > 1 {
			if err := r.transition(ctx, session.StateGenerating, n); err != nil {
				return err
			}
		}

		a, err := r.attempt(ctx, n, prior, priorSource)
		if err != nil {
			return err
		}
		r.Metrics.ObserveAttempt(a.Outcome, a.Duration)
		if err := r.s.Record(a); err != nil {
			return err
		}
		r.writeAttemptRecord(&a)
		r.audit(ctx, "attempt", func() error { return r.Audit.AttemptRecorded(ctx, r.s.ID, a) })

		switch {
		case a.Diagnostic == nil:
			return r.transition(ctx, session.StateSucceeded, n)
		case a.Diagnostic.Category.Fatal():
			r.fatal(ctx, a.Diagnostic)
			return nil
		}

		if err := r.transition(ctx, session.StateDiagnosing, n); err != nil {
			return err
		}
		if n >= r.opts.MaxAttempts {
			d := &diag.Diagnostic{
				Category: diag.RepairExhausted,
				Message:  fmt.Sprintf("no clean candidate after %d attempts; last failure: %s", n, a.Diagnostic.Summary()),
				Location: a.Diagnostic.Location,
				Excerpt:  a.Diagnostic.Excerpt,
			}
			r.s.SetFinalDiagnostic(d)
			return r.transition(ctx, session.StateExhausted, n)
		}
		if err := r.transition(ctx, session.StateRepairing, n); err != nil {
			return err
		}
		prior, priorSource = a.Diagnostic, a.Source
	}
}

// attempt runs one generate, execute, fuzz cycle. It leaves the session in
// EXECUTING or FUZZING with the outcome recorded on the returned attempt.
// priorSource is the candidate that produced prior.
func (r *run) attempt(ctx context.Context, n int, prior *diag.Diagnostic, priorSource string) (session.Attempt, error) {
	a := session.Attempt{
		Number:    n,
		Prior:     prior,
		Dir:       filepath.Join(r.dir, fmt.Sprintf("attempt-%d", n)),
		StartedAt: time.Now(),
	}
	matches := r.retrieve(ctx)
	for _, m := range matches {
		a.Snippets = append(a.Snippets, session.Snippet{ModuleID: m.ModuleID, Score: m.Score})
	}

	cand, err := r.Generator.Generate(ctx, roles.PlanInput{
		Request:     r.planReq,
		References:  matches,
		Prior:       prior,
		PriorSource: priorSource,
		Attempt:     n,
	})
	a.Source = cand.Source
	if cand.Design.Title != "" {
		a.Design = cand.Design.JSON()
	}
	if err != nil {
		d, ok := diag.As(err)
		if !ok || !d.Category.Retryable() {
			return a, fmt.Errorf("attempt %d: generation failed: %w", n, err)
		}
		// Escalated rejections are diagnosed exactly like a failed run.
		r.logger.Warn("attempt %d: candidate rejected before execution: %s", n, d.Summary())
		if err := r.transition(ctx, session.StateExecuting, n); err != nil {
			return a, err
		}
		a.Outcome, a.Diagnostic = d.Category, &d
		a.Duration = time.Since(a.StartedAt)
		return a, nil
	}

	if _, err := gamekit.WriteWorkspace(r.Runtime, a.Dir, a.Source); err != nil {
		return a, err
	}
	if len(a.Design) > 0 {
		if err := os.WriteFile(filepath.Join(a.Dir, "design.json"), a.Design, 0o644); err != nil { //nolint:gosec // audit artifact
			return a, fmt.Errorf("failed to write design artifact: %w", err)
		}
	}

	if err := r.transition(ctx, session.StateExecuting, n); err != nil {
		return a, err
	}
	res, err := r.Executor.Run(ctx, sandbox.Command{
		Argv:    r.Runtime.SmokeCommand(r.opts.SmokeFrames, r.opts.FrameDT),
		Dir:     a.Dir,
		Timeout: r.opts.SmokeTimeout,
		Env:     r.Runtime.Env(),
	})
	if err != nil {
		return a, fmt.Errorf("attempt %d: %w", n, err)
	}
	a.Execution = &res
	r.Metrics.ObserveExecution(res.Backend, metrics.PhaseSmoke, res.Duration, res.TimedOut)

	if d := sandbox.Classify(res, r.Runtime.HarnessPrefixes()...); d != nil {
		r.logger.Info("attempt %d: execution failed: %s", n, d.Summary())
		a.Outcome, a.Diagnostic = d.Category, d
		a.Duration = time.Since(a.StartedAt)
		return a, nil
	}

	if err := r.transition(ctx, session.StateFuzzing, n); err != nil {
		return a, err
	}
	report, err := r.Fuzzer.Run(ctx, a.Dir, r.opts.FuzzSeed, r.opts.FuzzLength)
	if err != nil {
		return a, fmt.Errorf("attempt %d: %w", n, err)
	}
	a.Fuzz = &report
	r.Metrics.ObserveExecution(res.Backend, metrics.PhaseFuzz, report.Duration, false)
	r.Metrics.ObserveFuzz(len(report.Events), report.Faulted())
	if report.Faulted() {
		a.Outcome, a.Diagnostic = report.Diagnostic.Category, report.Diagnostic
	}
	a.Duration = time.Since(a.StartedAt)
	return a, nil
}

// retrieve queries the session's catalog snapshot. Failures degrade to a miss.
func (r *run) retrieve(ctx context.Context) []retrieval.Match {
	if r.Retriever == nil {
		return nil
	}
	matches, err := r.Retriever.Search(ctx, r.cat, retrieval.Query{
		Text:      r.planReq.Prompt,
		Tags:      r.planReq.Tags,
		K:         r.opts.K,
		Threshold: r.opts.Threshold,
	})
	if err != nil {
		r.logger.Warn("retrieval failed, continuing without references: %v", err)
		matches = nil
	}
	r.Metrics.ObserveRetrieval(len(matches))
	if len(matches) == 0 {
		logx.Debug(ctx, "repair", "%s: no reference module above %.2f", diag.RetrievalMiss, r.opts.Threshold)
	}
	return matches
}

func (r *run) transition(ctx context.Context, to session.State, attempt int) error {
	from := r.s.State
	if !IsValidTransition(from, to) {
		return fmt.Errorf("invalid repair transition %s -> %s", from, to)
	}
	t := r.s.Transition(to, attempt)
	logx.DebugState(ctx, "repair", "transition", string(to), string(from), fmt.Sprintf("attempt=%d", attempt))
	r.audit(ctx, "transition", func() error { return r.Audit.Transitioned(ctx, r.s.ID, t) })
	return nil
}

// fatal closes the session. d is nil when an infrastructure error aborted it.
func (r *run) fatal(ctx context.Context, d *diag.Diagnostic) {
	if d != nil {
		r.s.SetFinalDiagnostic(d)
		r.logger.Error("session %s is fatal: %s", r.s.ID, d.Summary())
	}
	last := 0
	if a, ok := r.s.Last(); ok {
		last = a.Number
	}
	_ = r.transition(ctx, session.StateFatal, last)
}

// writeAttemptRecord leaves attempt.json beside the candidate for debugging.
func (r *run) writeAttemptRecord(a *session.Attempt) {
	if _, err := os.Stat(a.Dir); err != nil {
		return
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(a.Dir, "attempt.json"), data, 0o644); err != nil { //nolint:gosec // audit artifact
		r.logger.Warn("failed to write attempt record: %v", err)
	}
}

// audit calls fn when a sink is configured. Sink failures never fail a session.
func (c *Controller) audit(_ context.Context, what string, fn func() error) {
	if c.Audit == nil {
		return
	}
	if err := fn(); err != nil {
		c.logger.Warn("audit %s failed: %v", what, err)
	}
}
