package embedding

import (
	"context"
	"fmt"
)

// FixedEngine returns preset vectors keyed by exact text, falling back to
// Default. Used for fixtures and tests that need exact similarity scores.
type FixedEngine struct {
	Vectors map[string][]float32
	Default []float32
	Err     error
}

func (e *FixedEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	if v, ok := e.Vectors[text]; ok {
		return v, nil
	}
	if e.Default != nil {
		return e.Default, nil
	}
	return nil, fmt.Errorf("no fixed vector for %q", text)
}

func (e *FixedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *FixedEngine) Dimensions() int { return len(e.Default) }

func (e *FixedEngine) Name() string { return "fixed" }
