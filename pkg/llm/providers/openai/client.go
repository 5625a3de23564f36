// Package openai implements llm.LLMClient on the OpenAI Responses API.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"gameforge/pkg/config"
	"gameforge/pkg/llm"
	"gameforge/pkg/llm/llmerrors"
)

// Client wraps the official OpenAI Go client.
type Client struct {
	client openai.Client
	model  string
}

func NewClient(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	system, turns, err := llm.SplitSystem(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	var input strings.Builder
	for _, m := range turns {
		if m.Role == llm.RoleAssistant {
			input.WriteString("Assistant: ")
		}
		input.WriteString(m.Content)
		input.WriteString("\n\n")
	}

	maxTokens := in.MaxTokens
	if info, ok := config.KnownModels[o.model]; ok && info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input.String())},
	}
	if system != "" {
		params.Instructions = openai.String(system)
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}
	return llm.CompletionResponse{
		Content:    resp.OutputText(),
		StopReason: string(resp.Status),
	}, nil
}

func (o *Client) GetModelName() string {
	return o.model
}

func classifyError(err error) *llmerrors.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, code, "authentication failed - check API key")
		case code == http.StatusTooManyRequests:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, code, "rate limit exceeded")
		case code == http.StatusBadRequest:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, code, "bad request")
		case code >= 500:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, code, "server error")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "OpenAI Responses API failed")
}
