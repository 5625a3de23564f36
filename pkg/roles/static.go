package roles

import (
	"context"
	"fmt"
	"sync"
)

// StaticPlanner returns a fixed design and records every input.
type StaticPlanner struct {
	Design DesignDocument

	mu     sync.Mutex
	inputs []PlanInput
}

func (p *StaticPlanner) Plan(_ context.Context, in PlanInput) (DesignDocument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	d := p.Design
	if d.Title == "" {
		d.Title = "static"
	}
	return d, nil
}

// Inputs returns every PlanInput received, in order.
func (p *StaticPlanner) Inputs() []PlanInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PlanInput(nil), p.inputs...)
}

// StaticEngineer returns Sources[i] on call i, repeating the last entry.
type StaticEngineer struct {
	Sources []string

	mu     sync.Mutex
	inputs []EngineerInput
}

func (e *StaticEngineer) Implement(_ context.Context, in EngineerInput) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Sources) == 0 {
		return "", fmt.Errorf("static engineer has no sources")
	}
	i := min(len(e.inputs), len(e.Sources)-1)
	e.inputs = append(e.inputs, in)
	return e.Sources[i], nil
}

func (e *StaticEngineer) Inputs() []EngineerInput {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EngineerInput(nil), e.inputs...)
}

// StaticReviewer returns Verdicts[i] on call i and approves once they run out.
type StaticReviewer struct {
	Verdicts []Verdict

	mu    sync.Mutex
	calls int
}

func (r *StaticReviewer) Review(context.Context, string) (Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i < len(r.Verdicts) {
		return r.Verdicts[i], nil
	}
	return Approve(), nil
}

func (r *StaticReviewer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// StaticRefiner returns Brief, or rejects with Reason when set.
type StaticRefiner struct {
	Brief  string
	Reason string
}

func (r StaticRefiner) Refine(_ context.Context, prompt string) (string, error) {
	if r.Reason != "" {
		return "", fmt.Errorf("%w: %s", ErrPromptRejected, r.Reason)
	}
	if r.Brief == "" {
		return prompt, nil
	}
	return r.Brief, nil
}
