// Package ollama implements llm.LLMClient on a local Ollama server.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"gameforge/pkg/llm"
	"gameforge/pkg/llm/llmerrors"
)

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// NewClient creates a client for hostURL (e.g. "http://localhost:11434").
func NewClient(hostURL, model string) *Client {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || hostURL == "" {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	return &Client{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}
}

func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	messages := make([]api.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		messages = append(messages, api.Message{Role: string(m.Role), Content: m.Content})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	stop := response.DoneReason
	if stop == "" {
		stop = "stop"
	}
	return llm.CompletionResponse{Content: response.Message.Content, StopReason: stop}, nil
}

func (o *Client) GetModelName() string {
	return o.model
}

func classifyError(err error) error {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, fmt.Sprintf("Ollama server not reachable: %v", err))
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, fmt.Sprintf("Ollama model not found: %v", err))
	case strings.Contains(errStr, "context canceled"), strings.Contains(errStr, "timeout"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, fmt.Sprintf("request interrupted: %v", err))
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, fmt.Sprintf("Ollama API error: %v", err))
	}
}
