package retrieval

import (
	"context"
	"fmt"
	"strings"

	"gameforge/pkg/llm"
)

// Expander suggests catalog module ids relevant to a query.
type Expander interface {
	Expand(ctx context.Context, query string, descriptors []string) ([]string, error)
}

// LLMExpander asks a model to pick module ids from the catalog descriptors.
type LLMExpander struct {
	client      llm.LLMClient
	maxSuggests int
}

func NewLLMExpander(client llm.LLMClient, maxSuggests int) *LLMExpander {
	if maxSuggests <= 0 {
		maxSuggests = 3
	}
	return &LLMExpander{client: client, maxSuggests: maxSuggests}
}

const expandSystemPrompt = `You select reusable game-programming modules for a request.
Reply with module ids only, one per line, most relevant first. Reply NONE when nothing fits.`

func (e *LLMExpander) Expand(ctx context.Context, query string, descriptors []string) ([]string, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Request: %s\n\nAvailable modules:\n", query)
	for _, d := range descriptors {
		user.WriteString("- ")
		user.WriteString(d)
		user.WriteByte('\n')
	}
	fmt.Fprintf(&user, "\nPick at most %d.", e.maxSuggests)

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(expandSystemPrompt),
		llm.NewUserMessage(user.String()),
	})
	req.Temperature = llm.TemperatureDeterministic
	req.MaxTokens = 256

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("expander completion failed: %w", err)
	}
	return parseIDs(resp.Content, e.maxSuggests), nil
}

// parseIDs reads ids from a list reply, tolerating bullets, commas and backticks.
func parseIDs(reply string, limit int) []string {
	fields := strings.FieldsFunc(reply, func(r rune) bool {
		return r == '\n' || r == ','
	})
	var ids []string
	seen := map[string]bool{}
	for _, f := range fields {
		id := strings.Trim(strings.TrimSpace(f), "-*`'\". ")
		if i := strings.IndexByte(id, ':'); i > 0 {
			id = id[:i]
		}
		if id == "" || strings.EqualFold(id, "none") || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		if len(ids) == limit {
			break
		}
	}
	return ids
}
