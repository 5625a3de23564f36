// Package anthropic implements llm.LLMClient on the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"gameforge/pkg/llm"
	"gameforge/pkg/llm/llmerrors"
)

// ClaudeClient wraps the Anthropic API client.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

func NewClaudeClient(apiKey, model string) *ClaudeClient {
	return &ClaudeClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	system, turns, err := llm.SplitSystem(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range ensureAlternation(turns) {
		role := anthropic.MessageParamRoleUser
		if m.Role == llm.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		messages = append(messages, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty response from Claude API")
	}

	var text strings.Builder
	for i := range resp.Content {
		if block := &resp.Content[i]; block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return llm.CompletionResponse{
		Content:    text.String(),
		StopReason: string(resp.StopReason),
	}, nil
}

func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// ensureAlternation merges consecutive same-role turns; the API rejects repeats.
func ensureAlternation(turns []llm.CompletionMessage) []llm.CompletionMessage {
	out := make([]llm.CompletionMessage, 0, len(turns))
	for _, m := range turns {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

func classifyError(err error) *llmerrors.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request interrupted")
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, code, "authentication failed - check API key")
		case code == http.StatusTooManyRequests:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, code, "rate limit exceeded")
		case code == http.StatusBadRequest:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, code, "bad request - check prompt format and parameters")
		case code >= 500:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, code, "server error")
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "connection"), strings.Contains(lower, "eof"), strings.Contains(lower, "reset"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified error")
	}
}
