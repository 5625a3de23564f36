// Package llmerrors classifies role-call failures (planner, engineer, reviewer,
// refiner, embeddings) so the client middleware knows whether to back off.
package llmerrors

import (
	"errors"
	"fmt"
	"time"
)

type ErrorType int8

const (
	ErrorTypeRateLimit ErrorType = iota
	ErrorTypeTransient
	ErrorTypeEmptyResponse
	ErrorTypeAuth
	ErrorTypeBadPrompt
	ErrorTypeUnknown
	ErrorTypeServiceUnavailable // retries spent; surfaces as an infrastructure failure
)

var typeNames = [...]string{
	ErrorTypeRateLimit:          "rate_limit",
	ErrorTypeTransient:          "transient",
	ErrorTypeEmptyResponse:      "empty_response",
	ErrorTypeAuth:               "auth",
	ErrorTypeBadPrompt:          "bad_prompt",
	ErrorTypeUnknown:            "unknown",
	ErrorTypeServiceUnavailable: "service_unavailable",
}

func (et ErrorType) String() string {
	if et < 0 || int(et) >= len(typeNames) {
		return "invalid"
	}
	return typeNames[et]
}

// RetryConfig is the backoff schedule for one ErrorType.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs keeps a role call from stalling a repair session: a
// provider that stays down ends in ErrorTypeServiceUnavailable.
//
//nolint:gochecknoglobals
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeEmptyResponse: {MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2.0, Jitter: true},
	ErrorTypeRateLimit:     {MaxRetries: 6, InitialDelay: 1 * time.Second, MaxDelay: 60 * time.Second, BackoffFactor: 2.0, Jitter: true},
	ErrorTypeTransient:     {MaxRetries: 4, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffFactor: 2.0, Jitter: true},
	ErrorTypeAuth:          {BackoffFactor: 1.0},
	ErrorTypeBadPrompt:     {BackoffFactor: 1.0},
	ErrorTypeUnknown:       {MaxRetries: 1, InitialDelay: 1 * time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2.0, Jitter: true},

	ErrorTypeServiceUnavailable: {BackoffFactor: 1.0},
}

type Error struct {
	Err        error
	Message    string
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("model call failed (%s): %s", e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("model call failed (%s): %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("model call failed (%s): status %d", e.Type, e.StatusCode)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable is false only for auth, prompt and exhausted failures.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable:
		return false
	default:
		return true
	}
}

func (e *Error) RetryConfig() RetryConfig {
	if cfg, ok := DefaultRetryConfigs[e.Type]; ok {
		return cfg
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

func Is(err error, errorType ErrorType) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Type == errorType
}

// TypeOf is ErrorTypeUnknown for errors that were never classified.
func TypeOf(err error) ErrorType {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Type
	}
	return ErrorTypeUnknown
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewServiceUnavailableError wraps the final failure of an exhausted retry loop.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("provider still failing after %d attempts", attempts),
	}
}
