package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with the GPT-4 encoding, which approximates every
// supported provider closely enough for budgeting prompt context.
type TokenCounter struct {
	codec tokenizer.Codec
}

func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in text, or a 4-chars-per-token estimate
// when the codec is unavailable.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Truncate shortens text to at most limit tokens, cutting on token boundaries.
func (tc *TokenCounter) Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if tc == nil || tc.codec == nil {
		if len(text) <= limit*4 {
			return text
		}
		return text[:limit*4]
	}
	ids, _, err := tc.codec.Encode(text)
	if err != nil || len(ids) <= limit {
		return text
	}
	out, err := tc.codec.Decode(ids[:limit])
	if err != nil {
		return text[:min(len(text), limit*4)]
	}
	return out
}
