// Package limiter throttles model calls per model with a tokens-per-minute
// bucket and a cap on in-flight requests. Concurrent repair sessions that share
// a model share its limiter.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gameforge/pkg/config"
	"gameforge/pkg/llm"
)

var (
	// ErrRateLimit is returned when the token bucket cannot cover a reservation.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrSlotLimit is returned when every request slot is taken.
	ErrSlotLimit = fmt.Errorf("concurrent request limit exceeded")
)

// Limits configure one model. Zero values disable the corresponding limit.
type Limits struct {
	TokensPerMinute int
	MaxConcurrent   int
}

// LimitsFromConfig reads the pipeline throttling settings.
func LimitsFromConfig(cfg config.PipelineConfig) Limits {
	return Limits{TokensPerMinute: cfg.MaxTPM, MaxConcurrent: cfg.MaxConcurrent}
}

// Limiter hands out one ModelLimiter per model name.
type Limiter struct {
	limits Limits
	models map[string]*ModelLimiter
	mu     sync.RWMutex
	now    func() time.Time
}

// New creates a limiter applying limits to every model.
func New(limits Limits) *Limiter {
	return &Limiter{limits: limits, models: make(map[string]*ModelLimiter), now: time.Now}
}

// For returns the limiter for model, creating it on first use.
func (l *Limiter) For(model string) *ModelLimiter {
	l.mu.RLock()
	ml, ok := l.models[model]
	l.mu.RUnlock()
	if ok {
		return ml
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ml, ok = l.models[model]; ok {
		return ml
	}
	ml = &ModelLimiter{
		name:               model,
		maxTokensPerMinute: l.limits.TokensPerMinute,
		maxConcurrent:      l.limits.MaxConcurrent,
		currentTokens:      l.limits.TokensPerMinute, // start with a full bucket
		now:                l.now,
	}
	ml.lastRefill = ml.now()
	l.models[model] = ml
	return ml
}

// ModelLimiter enforces token and concurrency limits for a single model.
//
//nolint:govet // logical grouping preferred
type ModelLimiter struct {
	mu                 sync.Mutex
	name               string
	maxTokensPerMinute int
	maxConcurrent      int
	currentTokens      int
	inFlight           int
	lastRefill         time.Time
	now                func() time.Time
}

// Reserve takes tokens from the bucket without blocking. Requests larger than
// the whole bucket are clamped to it so they can eventually proceed.
func (ml *ModelLimiter) Reserve(tokens int) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.maxTokensPerMinute <= 0 {
		return nil
	}
	ml.refillTokens()

	tokens = min(tokens, ml.maxTokensPerMinute)
	if ml.currentTokens < tokens {
		return ErrRateLimit
	}
	ml.currentTokens -= tokens
	return nil
}

// Acquire takes a request slot without blocking.
func (ml *ModelLimiter) Acquire() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.maxConcurrent > 0 && ml.inFlight >= ml.maxConcurrent {
		return ErrSlotLimit
	}
	ml.inFlight++
	return nil
}

// Release returns a slot taken by Acquire.
func (ml *ModelLimiter) Release() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.inFlight <= 0 {
		return fmt.Errorf("no request slots to release for model %s", ml.name)
	}
	ml.inFlight--
	return nil
}

// Status reports the tokens left in the bucket and the requests in flight.
func (ml *ModelLimiter) Status() (tokens, inFlight int) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.refillTokens()
	return ml.currentTokens, ml.inFlight
}

// Wait blocks until both a slot and tokens are available, or ctx ends.
// On success the caller must Release the slot.
func (ml *ModelLimiter) Wait(ctx context.Context, tokens int, poll time.Duration) error {
	for {
		if err := ml.Acquire(); err == nil {
			if err := ml.Reserve(tokens); err == nil {
				return nil
			}
			_ = ml.Release()
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (ml *ModelLimiter) refillTokens() {
	elapsed := ml.now().Sub(ml.lastRefill)
	if elapsed < time.Minute {
		return
	}

	minutes := int(elapsed / time.Minute)
	ml.currentTokens = min(ml.currentTokens+minutes*ml.maxTokensPerMinute, ml.maxTokensPerMinute)
	// Advance to the last complete minute.
	ml.lastRefill = ml.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

// DefaultPoll is how often a blocked call re-checks its limiter.
const DefaultPoll = 250 * time.Millisecond

// Middleware holds each completion until its model has capacity. The cost of a
// request is its prompt tokens plus the requested completion budget.
func (l *Limiter) Middleware(counter *llm.TokenCounter) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				ml := l.For(next.GetModelName())
				if err := ml.Wait(ctx, requestCost(counter, req), DefaultPoll); err != nil {
					return llm.CompletionResponse{}, fmt.Errorf("waiting for %s capacity: %w", ml.name, err)
				}
				defer func() { _ = ml.Release() }()
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}

func requestCost(counter *llm.TokenCounter, req llm.CompletionRequest) int {
	cost := req.MaxTokens
	for _, m := range req.Messages {
		cost += counter.Count(m.Content)
	}
	return cost
}
