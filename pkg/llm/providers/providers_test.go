package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New("acme", "rocket-1", nil)
	assert.Error(t, err)

	_, err = New("", "", nil)
	assert.Error(t, err)
}

func TestNewOllamaNeedsNoKey(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	client, err := New("ollama", "qwen2.5-coder:14b", nil)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5-coder:14b", client.GetModelName())
}
