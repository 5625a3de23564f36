package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"gameforge/pkg/llm"
	"gameforge/pkg/llm/llmerrors"
)

func TestEnsureAlternationMergesRepeats(t *testing.T) {
	out := ensureAlternation([]llm.CompletionMessage{
		llm.NewUserMessage("a"),
		llm.NewUserMessage("b"),
		llm.NewAssistantMessage("c"),
	})
	assert.Equal(t, []llm.CompletionMessage{
		llm.NewUserMessage("a\n\nb"),
		llm.NewAssistantMessage("c"),
	}, out)
}

func TestClassifyNetworkErrors(t *testing.T) {
	assert.Equal(t, llmerrors.ErrorTypeTransient, classifyError(errors.New("read: connection reset by peer")).Type)
	assert.Equal(t, llmerrors.ErrorTypeTransient, classifyError(context.DeadlineExceeded).Type)
	assert.Equal(t, llmerrors.ErrorTypeRateLimit, classifyError(errors.New("quota exceeded")).Type)
	assert.Equal(t, llmerrors.ErrorTypeUnknown, classifyError(errors.New("weird")).Type)
}
