// Package diag defines the failure taxonomy shared by the sandbox, fuzz driver
// and repair loop, plus structured diagnostics extracted from child output.
package diag

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies why an attempt (or a session) failed.
type Category int8

const (
	// CategoryNone marks a clean outcome.
	CategoryNone Category = iota

	// Absorbed locally by the retriever.

	// RetrievalMiss means no reference module cleared the similarity threshold.
	RetrievalMiss

	// Attempt-level failures, retried by the repair loop.

	// CompileOrSyntaxError means the candidate was rejected statically or failed to parse.
	CompileOrSyntaxError
	// RuntimeException is an uncaught fault during a plain execution.
	RuntimeException
	// TimeoutExceeded means execution exceeded its wall-clock bound.
	TimeoutExceeded
	// FuzzFailure is an uncaught fault surfaced only during input replay.
	FuzzFailure
	// ResourceExhausted means the child violated a memory or CPU limit.
	ResourceExhausted

	// Session-level terminal failures.

	// RepairExhausted means the attempt budget ran out.
	RepairExhausted
	// SandboxViolation means the child tried to leave its isolation boundary. Never retried.
	SandboxViolation
)

var categoryNames = map[Category]string{
	CategoryNone:         "None",
	RetrievalMiss:        "RetrievalMiss",
	CompileOrSyntaxError: "CompileOrSyntaxError",
	RuntimeException:     "RuntimeException",
	TimeoutExceeded:      "TimeoutExceeded",
	FuzzFailure:          "FuzzFailure",
	ResourceExhausted:    "ResourceExhausted",
	RepairExhausted:      "RepairExhausted",
	SandboxViolation:     "SandboxViolation",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "invalid"
}

// ParseCategory is the inverse of String.
func ParseCategory(s string) (Category, error) {
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return CategoryNone, fmt.Errorf("unknown diagnostic category %q", s)
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Retryable reports whether the repair loop should feed this failure into another attempt.
func (c Category) Retryable() bool {
	switch c {
	case CompileOrSyntaxError, RuntimeException, TimeoutExceeded, FuzzFailure, ResourceExhausted:
		return true
	default:
		return false
	}
}

// Fatal reports whether the failure terminates the session immediately.
func (c Category) Fatal() bool {
	return c == SandboxViolation
}

// Location is a source position recovered from child output.
type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

func (l *Location) String() string {
	if l == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Diagnostic is the structured description of one failure.
type Diagnostic struct {
	Category Category  `json:"category"`
	Subtype  string    `json:"subtype,omitempty"` // e.g. AttributeError
	Message  string    `json:"message"`
	Location *Location `json:"location,omitempty"`
	Excerpt  string    `json:"excerpt,omitempty"` // tail of captured stderr
}

// Summary renders a single line suitable for logs and audit rows.
// Clone returns a deep copy of d. A nil d clones to nil.
func (d *Diagnostic) Clone() *Diagnostic {
	if d == nil {
		return nil
	}
	c := *d
	if d.Location != nil {
		loc := *d.Location
		c.Location = &loc
	}
	return &c
}

func (d *Diagnostic) Summary() string {
	if d == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(d.Category.String())
	if d.Subtype != "" {
		b.WriteString(": ")
		b.WriteString(d.Subtype)
	}
	if d.Message != "" {
		b.WriteString(": ")
		b.WriteString(d.Message)
	}
	if d.Location != nil {
		fmt.Fprintf(&b, " (%s)", d.Location)
	}
	return b.String()
}

// Error wraps a Diagnostic so it can travel through error returns.
type Error struct {
	Diagnostic Diagnostic
	Err        error
}

func (e *Error) Error() string {
	s := e.Diagnostic.Summary()
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a diagnostic error with the given category and message.
func New(category Category, message string) *Error {
	return &Error{Diagnostic: Diagnostic{Category: category, Message: message}}
}

// Newf is New with formatting.
func Newf(category Category, format string, args ...any) *Error {
	return New(category, fmt.Sprintf(format, args...))
}

// Wrap classifies cause under category.
func Wrap(category Category, cause error, message string) *Error {
	return &Error{Diagnostic: Diagnostic{Category: category, Message: message}, Err: cause}
}

// FromDiagnostic converts a diagnostic into an error value.
func FromDiagnostic(d Diagnostic) *Error {
	return &Error{Diagnostic: d}
}

// CategoryOf returns the category carried by err, or CategoryNone.
func CategoryOf(err error) Category {
	var de *Error
	if errors.As(err, &de) {
		return de.Diagnostic.Category
	}
	return CategoryNone
}

// Is reports whether err carries the given category.
func Is(err error, category Category) bool {
	return err != nil && CategoryOf(err) == category
}

// As extracts the diagnostic carried by err.
func As(err error) (Diagnostic, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Diagnostic, true
	}
	return Diagnostic{}, false
}
