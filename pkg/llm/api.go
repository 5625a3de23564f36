// Package llm provides the completion client abstraction used by the role stages.
package llm

import (
	"context"
	"fmt"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
)

const (
	// DefaultMaxTokens bounds a single completion unless the request says otherwise.
	DefaultMaxTokens = 8192

	// TemperatureDefault is used for planning and review.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used for code generation.
	TemperatureDeterministic = 0.2
)

// CompletionMessage is one turn of a completion request.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string
	StopReason string // "end_turn", "max_tokens", "stop", ...
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // established name
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)
	GetModelName() string
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}

// SplitSystem separates system messages (joined by blank lines) from the conversation turns.
func SplitSystem(messages []CompletionMessage) (string, []CompletionMessage, error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}
	var system string
	turns := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleUser, RoleAssistant:
			turns = append(turns, m)
		default:
			return "", nil, fmt.Errorf("unsupported message role: %s", m.Role)
		}
	}
	if len(turns) == 0 {
		return "", nil, fmt.Errorf("request has no user or assistant messages")
	}
	return system, turns, nil
}
