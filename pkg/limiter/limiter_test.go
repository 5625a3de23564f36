package limiter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameforge/pkg/config"
	"gameforge/pkg/llm"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limits Limits) (*Limiter, *clock) {
	c := &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(limits)
	l.now = c.now
	return l, c
}

func TestReserveRefillsPerMinute(t *testing.T) {
	l, c := newTestLimiter(Limits{TokensPerMinute: 1000})
	ml := l.For("claude-sonnet-4-5")

	require.NoError(t, ml.Reserve(600))
	assert.ErrorIs(t, ml.Reserve(600), ErrRateLimit)

	c.advance(59 * time.Second)
	assert.ErrorIs(t, ml.Reserve(600), ErrRateLimit, "bucket refills only on whole minutes")

	c.advance(time.Second)
	require.NoError(t, ml.Reserve(600))
	tokens, _ := ml.Status()
	assert.Equal(t, 400, tokens)

	c.advance(10 * time.Minute)
	tokens, _ = ml.Status()
	assert.Equal(t, 1000, tokens, "refill is capped at one bucket")
}

func TestReserveClampsOversizedRequests(t *testing.T) {
	l, _ := newTestLimiter(Limits{TokensPerMinute: 100})
	ml := l.For("gpt-5")

	require.NoError(t, ml.Reserve(5000))
	tokens, _ := ml.Status()
	assert.Zero(t, tokens)
}

func TestUnlimitedByDefault(t *testing.T) {
	l, _ := newTestLimiter(Limits{})
	ml := l.For("gpt-5")
	for range 10 {
		require.NoError(t, ml.Reserve(1_000_000))
		require.NoError(t, ml.Acquire())
	}
	_, inFlight := ml.Status()
	assert.Equal(t, 10, inFlight)
}

func TestSlots(t *testing.T) {
	l, _ := newTestLimiter(Limits{MaxConcurrent: 2})
	ml := l.For("claude-sonnet-4-5")

	require.NoError(t, ml.Acquire())
	require.NoError(t, ml.Acquire())
	assert.ErrorIs(t, ml.Acquire(), ErrSlotLimit)

	require.NoError(t, ml.Release())
	require.NoError(t, ml.Acquire())

	require.NoError(t, ml.Release())
	require.NoError(t, ml.Release())
	assert.Error(t, ml.Release())
}

func TestForSharesPerModel(t *testing.T) {
	l, _ := newTestLimiter(Limits{MaxConcurrent: 1})
	assert.Same(t, l.For("a"), l.For("a"))
	assert.NotSame(t, l.For("a"), l.For("b"))
}

func TestWaitHonoursContext(t *testing.T) {
	l, _ := newTestLimiter(Limits{MaxConcurrent: 1})
	ml := l.For("a")
	require.NoError(t, ml.Acquire())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := ml.Wait(ctx, 1, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, inFlight := ml.Status()
	assert.Equal(t, 1, inFlight, "a failed wait must not leak a slot")
}

func TestMiddlewareReleasesSlot(t *testing.T) {
	l, _ := newTestLimiter(Limits{TokensPerMinute: 100000, MaxConcurrent: 1})
	var calls atomic.Int32
	client := llm.Chain(&llm.ScriptedClient{Model: "a", Responses: []string{"one", "two"}}, l.Middleware(nil),
		func(next llm.LLMClient) llm.LLMClient {
			return llm.WrapClient(func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				calls.Add(1)
				return next.Complete(ctx, req)
			}, next.GetModelName)
		})

	for range 2 {
		_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())

	tokens, inFlight := l.For("a").Status()
	assert.Zero(t, inFlight)
	assert.Less(t, tokens, 100000)
}

func TestMiddlewareWrapsWaitError(t *testing.T) {
	l, _ := newTestLimiter(Limits{MaxConcurrent: 1})
	require.NoError(t, l.For("a").Acquire())
	client := llm.Chain(&llm.ScriptedClient{Model: "a", Responses: []string{"x"}}, l.Middleware(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimitsFromConfig(t *testing.T) {
	limits := LimitsFromConfig(config.PipelineConfig{MaxTPM: 30000, MaxConcurrent: 4})
	assert.Equal(t, Limits{TokensPerMinute: 30000, MaxConcurrent: 4}, limits)
}
