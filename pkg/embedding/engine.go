// Package embedding turns reference-module descriptors and queries into vectors.
// Backends: Google GenAI, OpenAI, Ollama, and a deterministic offline hashing engine.
package embedding

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"gameforge/pkg/config"
	"gameforge/pkg/logx"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates the embedding of a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for several texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length, or 0 when it depends on the remote model.
	Dimensions() int

	// Name identifies the backend and model, e.g. "genai:text-embedding-004".
	Name() string
}

// NewEngine creates an engine from catalog configuration.
func NewEngine(cfg config.CatalogConfig) (Engine, error) {
	logger := logx.NewLogger("embedding")

	var (
		engine Engine
		err    error
	)
	switch cfg.Embedder {
	case config.EmbedderHash, "":
		engine = NewHashEngine(cfg.Dimensions)
	case config.EmbedderGoogle:
		var key string
		if key, err = config.GetAPIKey(config.ProviderGoogle); err == nil {
			engine, err = NewGenAIEngine(context.Background(), key, cfg.EmbeddingModel)
		}
	case config.EmbedderOpenAI:
		var key string
		if key, err = config.GetAPIKey(config.ProviderOpenAI); err == nil {
			engine, err = NewOpenAIEngine(key, cfg.EmbeddingModel, cfg.Dimensions)
		}
	case config.EmbedderOllama:
		var host string
		if host, err = config.GetAPIKey(config.ProviderOllama); err == nil {
			engine, err = NewOllamaEngine(host, cfg.EmbeddingModel)
		}
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Embedder)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s embedding engine: %w", cfg.Embedder, err)
	}

	logger.Info("Embedding engine ready: %s", engine.Name())
	return engine, nil
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Zero-magnitude vectors score 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		aMag += x * x
		bMag += y * y
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// Normalize scales v to unit length in place. Zero vectors are left unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// EmbedAll embeds texts in batches of batchSize, running up to parallelism
// batches at once. Output order matches input order.
func EmbedAll(ctx context.Context, engine Engine, texts []string, batchSize, parallelism int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		g.Go(func() error {
			vecs, err := engine.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embed batch [%d:%d]: got %d vectors", start, end, len(vecs))
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err //nolint:wrapcheck // already wrapped per batch
	}
	return out, nil
}
