package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays canned responses in order and records every request.
type ScriptedClient struct {
	Model     string
	Responses []string
	Errors    []error // Errors[i], when non-nil, is returned for call i

	mu       sync.Mutex
	requests []CompletionRequest
}

func (c *ScriptedClient) Complete(_ context.Context, in CompletionRequest) (CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := len(c.requests)
	c.requests = append(c.requests, in)
	if i < len(c.Errors) && c.Errors[i] != nil {
		return CompletionResponse{}, c.Errors[i]
	}
	if i >= len(c.Responses) {
		return CompletionResponse{}, fmt.Errorf("scripted client exhausted after %d responses", len(c.Responses))
	}
	return CompletionResponse{Content: c.Responses[i], StopReason: "end_turn"}, nil
}

func (c *ScriptedClient) GetModelName() string {
	if c.Model == "" {
		return "scripted"
	}
	return c.Model
}

// Requests returns a copy of every request received so far.
func (c *ScriptedClient) Requests() []CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CompletionRequest(nil), c.requests...)
}
