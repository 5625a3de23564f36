package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func withDebug(t *testing.T, enabled bool, domains ...string) {
	t.Helper()
	prevEnabled := IsDebugEnabled()
	SetDebug(enabled)
	SetDebugDomains(domains)
	t.Cleanup(func() {
		SetDebug(prevEnabled)
		SetDebugDomains(nil)
	})
}

func TestLogFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("sandbox").Info("started pid %d", 42)

	out := buf.String()
	assert.Contains(t, out, "[sandbox]")
	assert.Contains(t, out, "INFO: started pid 42")
	assert.True(t, strings.HasPrefix(out, "["))
	assert.Contains(t, out, "Z]")
}

func TestDebugSuppressedWhenDisabled(t *testing.T) {
	buf := captureOutput(t)
	withDebug(t, false)

	NewLogger("fuzz").Debug("hidden")
	Debug(context.Background(), "fuzz", "hidden too")

	assert.Empty(t, buf.String())
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := captureOutput(t)
	withDebug(t, true, "repair")

	ctx := WithSession(context.Background(), "sess-1")
	Debug(ctx, "repair", "attempt %d", 2)
	Debug(ctx, "sandbox", "filtered")

	out := buf.String()
	assert.Contains(t, out, "[sess-1] DEBUG: [repair] attempt 2")
	assert.NotContains(t, out, "filtered")
}

func TestDebugStateFormat(t *testing.T) {
	buf := captureOutput(t)
	withDebug(t, true)

	DebugState(context.Background(), "repair", "transition", "Executing", "attempt 1")

	assert.Contains(t, buf.String(), "[no-session] DEBUG: [repair] State transition: Executing - attempt 1")
}

func TestSessionFromEmptyContext(t *testing.T) {
	assert.Equal(t, "", SessionFrom(context.Background()))
	assert.Equal(t, "abc", SessionFrom(WithSession(context.Background(), "abc")))
}

func TestWrap(t *testing.T) {
	captureOutput(t)

	assert.NoError(t, Wrap(nil, "noop"))

	base := errors.New("disk full")
	err := Wrap(base, "write snapshot")
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "write snapshot: disk full", err.Error())
}

func TestWithComponentSharesSink(t *testing.T) {
	buf := captureOutput(t)

	base := NewLogger("repair")
	child := base.WithComponent("repair/sess-9")
	child.Warn("budget low")

	assert.Equal(t, "repair/sess-9", child.Component())
	assert.Contains(t, buf.String(), "[repair/sess-9] WARN: budget low")
}
