// Package roles implements the planner, engineer and reviewer stages that turn
// a request plus retrieved context into a candidate program.
package roles

import (
	"context"
	"fmt"
	"strings"

	"gameforge/pkg/diag"
	"gameforge/pkg/retrieval"
	"gameforge/pkg/session"
)

// PlanInput is everything the planner sees. Prior is nil only on attempt 1;
// PriorSource is the candidate that produced it, empty when none was written.
type PlanInput struct {
	Request     session.GenerationRequest
	References  []retrieval.Match
	Prior       *diag.Diagnostic
	PriorSource string
	Attempt     int
}

// EngineerInput is everything the engineer sees. Prior and PriorSource carry
// the failed attempt; PreviousSource is the draft the reviewer last rejected.
type EngineerInput struct {
	Design         DesignDocument
	References     []retrieval.Match
	Prior          *diag.Diagnostic
	PriorSource    string
	Rejections     []Rejection
	PreviousSource string
}

// Rejection names one construct the reviewer refused.
type Rejection struct {
	Construct string `json:"construct"`
	Reason    string `json:"reason"`
	Line      int    `json:"line,omitempty"` // 1-based; 0 when not tied to a line
}

func (r Rejection) String() string {
	if r.Line > 0 {
		return fmt.Sprintf("line %d: %s: %s", r.Line, r.Construct, r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Construct, r.Reason)
}

// Verdict is the reviewer's answer for one draft.
type Verdict struct {
	Approved   bool
	Rejections []Rejection
}

// Approve is the passing verdict.
func Approve() Verdict { return Verdict{Approved: true} }

// Reject builds a failing verdict.
func Reject(rejections ...Rejection) Verdict {
	return Verdict{Rejections: rejections}
}

func (v Verdict) String() string {
	if v.Approved {
		return "approved"
	}
	parts := make([]string, len(v.Rejections))
	for i, r := range v.Rejections {
		parts[i] = r.String()
	}
	return strings.Join(parts, "; ")
}

// Planner turns a request into a design document.
type Planner interface {
	Plan(ctx context.Context, in PlanInput) (DesignDocument, error)
}

// Engineer turns a design into candidate source.
type Engineer interface {
	Implement(ctx context.Context, in EngineerInput) (string, error)
}

// Reviewer statically checks candidate source.
type Reviewer interface {
	Review(ctx context.Context, source string) (Verdict, error)
}

// Refiner rewrites a raw prompt into a concrete brief, or rejects it with
// an error wrapping ErrPromptRejected.
type Refiner interface {
	Refine(ctx context.Context, prompt string) (string, error)
}
