package roles

import (
	"context"
	"fmt"

	"gameforge/pkg/diag"
	"gameforge/pkg/logx"
)

// ReviewRejectedSubtype marks diagnostics escalated from the review loop.
const ReviewRejectedSubtype = "ReviewRejected"

// Candidate is the pipeline's output for one attempt.
type Candidate struct {
	Design DesignDocument
	Source string
	// Drafts counts engineer invocations, including the accepted one.
	Drafts  int
	Verdict Verdict
}

// Pipeline chains Planner, Engineer and Reviewer. The engineer is re-invoked
// with the reviewer's rejections up to ReviewRetries times; those retries do
// not count against the repair loop's attempt budget.
type Pipeline struct {
	Planner       Planner
	Engineer      Engineer
	Reviewer      Reviewer
	ReviewRetries int
	// SourceFile names the candidate in escalated diagnostics.
	SourceFile string
}

// Generate produces a reviewed candidate. When the reviewer still rejects
// after the inner retries, the last draft is returned together with a
// CompileOrSyntaxError diagnostic.
func (p *Pipeline) Generate(ctx context.Context, in PlanInput) (Candidate, error) {
	if in.Attempt > 1 && in.Prior == nil {
		return Candidate{}, fmt.Errorf("attempt %d has no diagnostic from attempt %d", in.Attempt, in.Attempt-1)
	}

	design, err := p.Planner.Plan(ctx, in)
	if err != nil {
		return Candidate{}, err
	}
	logx.DebugFlow(ctx, "roles", "plan", "done", design.Title)

	ein := EngineerInput{Design: design, References: in.References, Prior: in.Prior, PriorSource: in.PriorSource}
	cand := Candidate{Design: design}
	for {
		source, err := p.Engineer.Implement(ctx, ein)
		if err != nil {
			return cand, err
		}
		cand.Source = source
		cand.Drafts++

		verdict, err := p.Reviewer.Review(ctx, source)
		if err != nil {
			return cand, err
		}
		cand.Verdict = verdict
		if verdict.Approved {
			logx.DebugFlow(ctx, "roles", "review", "approved", fmt.Sprintf("draft %d", cand.Drafts))
			return cand, nil
		}
		logx.DebugFlow(ctx, "roles", "review", "rejected", verdict.String())

		if cand.Drafts > p.ReviewRetries {
			return cand, p.escalate(verdict)
		}
		ein.Rejections = verdict.Rejections
		ein.PreviousSource = source
	}
}

func (p *Pipeline) escalate(v Verdict) *diag.Error {
	d := diag.Diagnostic{
		Category: diag.CompileOrSyntaxError,
		Subtype:  ReviewRejectedSubtype,
		Message:  v.String(),
	}
	for _, r := range v.Rejections {
		if r.Line > 0 {
			file := p.SourceFile
			if file == "" {
				file = "main.py"
			}
			d.Location = &diag.Location{File: file, Line: r.Line}
			break
		}
	}
	return diag.FromDiagnostic(d)
}
