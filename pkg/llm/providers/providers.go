// Package providers builds LLM clients for configured models.
package providers

import (
	"fmt"

	"gameforge/pkg/config"
	"gameforge/pkg/llm"
	"gameforge/pkg/llm/providers/anthropic"
	"gameforge/pkg/llm/providers/google"
	"gameforge/pkg/llm/providers/ollama"
	"gameforge/pkg/llm/providers/openai"
)

// New creates a client for model. provider may be empty, in which case it is
// inferred from the model name. The raw client is wrapped with the standard
// middleware chain (observation, retry, empty-response detection).
func New(provider, model string, obs llm.Observer) (llm.LLMClient, error) {
	if model == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}
	if provider == "" {
		p, err := config.GetModelProvider(model)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	key, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, err
	}

	var raw llm.LLMClient
	switch provider {
	case config.ProviderAnthropic:
		raw = anthropic.NewClaudeClient(key, model)
	case config.ProviderGoogle:
		raw = google.NewGeminiClient(key, model)
	case config.ProviderOpenAI:
		raw = openai.NewClient(key, model)
	case config.ProviderOllama:
		raw = ollama.NewClient(key, model)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	middlewares := []llm.Middleware{}
	if obs != nil {
		middlewares = append(middlewares, llm.ObserveMiddleware(obs))
	}
	middlewares = append(middlewares, llm.RetryMiddleware(), llm.EmptyResponseMiddleware())
	return llm.Chain(raw, middlewares...), nil
}
