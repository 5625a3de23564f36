package ollama

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"gameforge/pkg/llm/llmerrors"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want llmerrors.ErrorType
	}{
		{"dial tcp 127.0.0.1:11434: connect: connection refused", llmerrors.ErrorTypeTransient},
		{`model "llama9" not found, try pulling it first`, llmerrors.ErrorTypeBadPrompt},
		{"context canceled", llmerrors.ErrorTypeTransient},
		{"something else", llmerrors.ErrorTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, llmerrors.TypeOf(classifyError(errors.New(tt.msg))))
		})
	}
}

func TestClientModelName(t *testing.T) {
	c := NewClient("", "qwen2.5-coder:14b")
	assert.Equal(t, "qwen2.5-coder:14b", c.GetModelName())
}
