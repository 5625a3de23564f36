package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

const defaultHashDims = 256

// HashEngine is a deterministic bag-of-words feature-hashing embedder. It needs
// no network access, so catalogs built with it are reproducible byte for byte.
type HashEngine struct {
	dims int
}

func NewHashEngine(dims int) *HashEngine {
	if dims <= 0 {
		dims = defaultHashDims
	}
	return &HashEngine{dims: dims}
}

func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, e.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	return Normalize(v), nil
}

func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("hash embed cancelled: %w", err)
		}
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (e *HashEngine) Dimensions() int { return e.dims }

func (e *HashEngine) Name() string { return fmt.Sprintf("hash:%d", e.dims) }

// tokenize lowercases and splits on anything that is not a letter or digit.
// snake_case identifiers also contribute their parts.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f)
		if strings.Contains(f, "_") {
			for _, part := range strings.Split(f, "_") {
				if part != "" {
					out = append(out, part)
				}
			}
		}
	}
	return out
}
