package llmerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTypeNames(t *testing.T) {
	assert.Equal(t, "rate_limit", ErrorTypeRateLimit.String())
	assert.Equal(t, "service_unavailable", ErrorTypeServiceUnavailable.String())
	assert.Equal(t, "invalid", ErrorType(-1).String())
	assert.Equal(t, "invalid", ErrorType(42).String())
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	cause := errors.New("429 Too Many Requests")
	err := fmt.Errorf("planner: %w", NewErrorWithCause(ErrorTypeRateLimit, cause, "slow down"))

	assert.True(t, Is(err, ErrorTypeRateLimit))
	assert.False(t, Is(err, ErrorTypeAuth))
	assert.Equal(t, ErrorTypeRateLimit, TypeOf(err))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(cause))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "model call failed (rate_limit): slow down")
}

func TestRetryPolicy(t *testing.T) {
	assert.True(t, NewError(ErrorTypeTransient, "reset").IsRetryable())
	assert.True(t, NewError(ErrorTypeEmptyResponse, "").IsRetryable())
	assert.False(t, NewErrorWithStatus(ErrorTypeAuth, 401, "").IsRetryable())
	assert.False(t, NewError(ErrorTypeBadPrompt, "too long").IsRetryable())

	exhausted := NewServiceUnavailableError(errors.New("503"), 4)
	assert.False(t, exhausted.IsRetryable())
	assert.Contains(t, exhausted.Error(), "after 4 attempts")
	assert.Equal(t, 6, NewError(ErrorTypeRateLimit, "").RetryConfig().MaxRetries)
	assert.Equal(t, DefaultRetryConfigs[ErrorTypeUnknown], (&Error{Type: ErrorType(42)}).RetryConfig())
	assert.Equal(t, "model call failed (auth): status 401", NewErrorWithStatus(ErrorTypeAuth, 401, "").Error())
}
