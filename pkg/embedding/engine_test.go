package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameforge/pkg/config"
)

func TestCosineSimilarity(t *testing.T) {
	s, err := CosineSimilarity([]float32{1, 0}, []float32{0.35, 0.9367497})
	require.NoError(t, err)
	assert.InDelta(t, 0.35, s, 1e-6)

	s, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestHashEngineDeterministic(t *testing.T) {
	e := NewHashEngine(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "object pool for bullets")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "object pool for bullets")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	s, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-6)
}

func TestHashEngineRelatedTextScoresHigher(t *testing.T) {
	e := NewHashEngine(512)
	ctx := context.Background()

	q, _ := e.Embed(ctx, "manage many bullets efficiently with a pool")
	pool, _ := e.Embed(ctx, "object_pool: reuse bullets from a fixed pool")
	tilemap, _ := e.Embed(ctx, "tilemap: render a grid of tiles from a csv layout")

	sPool, err := CosineSimilarity(q, pool)
	require.NoError(t, err)
	sTile, err := CosineSimilarity(q, tilemap)
	require.NoError(t, err)
	assert.Greater(t, sPool, sTile)
}

func TestTokenizeSplitsSnakeCase(t *testing.T) {
	assert.Equal(t, []string{"object_pool", "object", "pool", "v2"}, tokenize("Object_Pool, v2!"))
}

func TestEmbedAllPreservesOrder(t *testing.T) {
	texts := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		texts = append(texts, fmt.Sprintf("module %d", i))
	}
	e := NewHashEngine(32)

	got, err := EmbedAll(context.Background(), e, texts, 4, 3)
	require.NoError(t, err)
	require.Len(t, got, len(texts))
	for i, text := range texts {
		want, _ := e.Embed(context.Background(), text)
		assert.Equal(t, want, got[i], "index %d", i)
	}
}

func TestEmbedAllPropagatesError(t *testing.T) {
	boom := errors.New("quota")
	_, err := EmbedAll(context.Background(), &FixedEngine{Err: boom}, []string{"a", "b"}, 1, 2)
	assert.ErrorIs(t, err, boom)
}

func TestNewEngineHashDefault(t *testing.T) {
	e, err := NewEngine(config.CatalogConfig{Embedder: config.EmbedderHash, Dimensions: 16})
	require.NoError(t, err)
	assert.Equal(t, "hash:16", e.Name())
	assert.Equal(t, 16, e.Dimensions())

	_, err = NewEngine(config.CatalogConfig{Embedder: "word2vec"})
	assert.Error(t, err)
}

func TestGenAIEmbedConfig(t *testing.T) {
	assert.Equal(t, "RETRIEVAL_QUERY", embedConfig(taskRetrievalQuery).TaskType)
	assert.Equal(t, "RETRIEVAL_DOCUMENT", embedConfig(taskRetrievalDocument).TaskType)

	_, err := NewGenAIEngine(context.Background(), "", "")
	assert.ErrorContains(t, err, "API key is required")
}
