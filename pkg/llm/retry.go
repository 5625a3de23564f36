package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"gameforge/pkg/llm/llmerrors"
)

// RetryMiddleware retries classified, retryable failures using the per-type
// backoff in llmerrors.DefaultRetryConfigs. Unclassified errors are returned as is.
// Once retries for a retryable error are exhausted the result is ServiceUnavailable.
func RetryMiddleware() Middleware {
	return retryWith(llmerrors.DefaultRetryConfigs, sleepCtx)
}

func retryWith(configs map[llmerrors.ErrorType]llmerrors.RetryConfig, sleep func(context.Context, time.Duration) error) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				attempt := 0
				for {
					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}

					var llmErr *llmerrors.Error
					if !errors.As(err, &llmErr) || !llmErr.IsRetryable() {
						return CompletionResponse{}, err
					}
					cfg, ok := configs[llmErr.Type]
					if !ok {
						cfg = configs[llmerrors.ErrorTypeUnknown]
					}
					if attempt >= cfg.MaxRetries {
						return CompletionResponse{}, llmerrors.NewServiceUnavailableError(err, attempt+1)
					}

					if err := sleep(ctx, backoff(cfg, attempt)); err != nil {
						return CompletionResponse{}, fmt.Errorf("retry cancelled: %w", err)
					}
					attempt++
				}
			},
			next.GetModelName,
		)
	}
}

func backoff(cfg llmerrors.RetryConfig, attempt int) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		delay *= 0.5 + rand.Float64()/2 //nolint:gosec // jitter only
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	case <-t.C:
		return nil
	}
}

// Observer receives one observation per completion call.
type Observer interface {
	ObserveLLMRequest(model string, duration time.Duration, err error)
}

// ObserveMiddleware reports latency and outcome of every call to obs.
func ObserveMiddleware(obs Observer) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				obs.ObserveLLMRequest(next.GetModelName(), time.Since(start), err)
				return resp, err
			},
			next.GetModelName,
		)
	}
}

// EmptyResponseMiddleware converts blank completions into retryable errors.
func EmptyResponseMiddleware() Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err == nil && strings.TrimSpace(resp.Content) == "" {
					return resp, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "completion returned no content")
				}
				return resp, err
			},
			next.GetModelName,
		)
	}
}
