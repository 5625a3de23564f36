package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameforge/pkg/catalog"
	"gameforge/pkg/embedding"
	"gameforge/pkg/llm"
)

const bulletsQuery = "manage many bullets efficiently"

func fixture(t *testing.T) (*catalog.Catalog, *embedding.FixedEngine) {
	t.Helper()
	cat, err := catalog.New("fixed", []catalog.ReferenceModule{
		{ID: "tilemap", Tags: []string{"level"}, Embedding: []float32{0.1, 0.99498744}, Source: "class TileMap: ..."},
		{ID: "object_pool", Tags: []string{"pooling"}, Embedding: []float32{0.35, 0.9367497}, Source: "class ObjectPool: ..."},
		{ID: "particles", Tags: []string{"fx", "pooling"}, Embedding: []float32{0.3, 0.9539392}, Source: "class Emitter: ..."},
	})
	require.NoError(t, err)
	engine := &embedding.FixedEngine{Vectors: map[string][]float32{bulletsQuery: {1, 0}}}
	return cat, engine
}

func TestSearchObjectPoolScenario(t *testing.T) {
	cat, engine := fixture(t)
	r := New(engine)

	got, err := r.Search(context.Background(), cat, Query{Text: bulletsQuery, K: 1, Threshold: 0.2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "object_pool", got[0].ModuleID)
	assert.InDelta(t, 0.35, got[0].Score, 1e-4)
	assert.Equal(t, "class ObjectPool: ...", got[0].Source)
}

func TestSearchSortedAboveThreshold(t *testing.T) {
	cat, engine := fixture(t)
	r := New(engine)

	for _, threshold := range []float64{-1, 0, 0.1, 0.2, 0.3, 0.35, 0.9} {
		got, err := r.Search(context.Background(), cat, Query{Text: bulletsQuery, K: 10, Threshold: threshold})
		require.NoError(t, err)
		for i, m := range got {
			assert.Greater(t, m.Score, threshold)
			if i > 0 {
				assert.GreaterOrEqual(t, got[i-1].Score, m.Score)
			}
		}
	}
}

func TestSearchMissIsEmptyNotError(t *testing.T) {
	cat, engine := fixture(t)
	got, err := New(engine).Search(context.Background(), cat, Query{Text: bulletsQuery, K: 3, Threshold: 0.9})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = New(engine).Search(context.Background(), catalog.Empty(), Query{Text: bulletsQuery, K: 3})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchTiesKeepInsertionOrder(t *testing.T) {
	cat, err := catalog.New("fixed", []catalog.ReferenceModule{
		{ID: "b_first", Embedding: []float32{0.5, 0.5}},
		{ID: "a_second", Embedding: []float32{0.5, 0.5}},
		{ID: "c_third", Embedding: []float32{0.5, 0.5}},
	})
	require.NoError(t, err)
	engine := &embedding.FixedEngine{Default: []float32{1, 1}}

	got, err := New(engine).Search(context.Background(), cat, Query{Text: "x", K: 2, Threshold: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"b_first", "a_second"}, IDs(got))
}

func TestSearchTagFilter(t *testing.T) {
	cat, engine := fixture(t)
	got, err := New(engine).Search(context.Background(), cat, Query{Text: bulletsQuery, Tags: []string{"FX", "level"}, K: 5, Threshold: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"particles", "tilemap"}, IDs(got))
}

func TestSearchErrors(t *testing.T) {
	cat, engine := fixture(t)

	_, err := New(engine).Search(context.Background(), cat, Query{Text: bulletsQuery, K: 0})
	assert.Error(t, err)

	failing := &embedding.FixedEngine{Err: errors.New("quota")}
	_, err = New(failing).Search(context.Background(), cat, Query{Text: bulletsQuery, K: 1})
	assert.Error(t, err)

	wrongDims := &embedding.FixedEngine{Default: []float32{1, 0, 0}}
	_, err = New(wrongDims).Search(context.Background(), cat, Query{Text: "other", K: 1})
	assert.Error(t, err)

	other, err := catalog.New("hash:256", []catalog.ReferenceModule{{ID: "x", Embedding: []float32{1, 0}}})
	require.NoError(t, err)
	_, err = New(engine).Search(context.Background(), other, Query{Text: bulletsQuery, K: 1})
	assert.ErrorContains(t, err, "hash:256")
}

type stubExpander struct {
	ids []string
	err error
}

func (s stubExpander) Expand(context.Context, string, []string) ([]string, error) {
	return s.ids, s.err
}

func TestExpanderEnhancesQueryWithKnownIDs(t *testing.T) {
	cat, engine := fixture(t)
	enhanced := bulletsQuery + "\nStrictly use these modules: object_pool"
	engine.Vectors[enhanced] = []float32{0.3, 0.9539392}

	r := New(engine, WithExpander(stubExpander{ids: []string{"ghost", "object_pool"}}))
	got, err := r.Search(context.Background(), cat, Query{Text: bulletsQuery, K: 1, Threshold: 0.2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "particles", got[0].ModuleID)
}

func TestExpanderFailureFallsBackToRawQuery(t *testing.T) {
	cat, engine := fixture(t)
	r := New(engine, WithExpander(stubExpander{err: errors.New("down")}))
	got, err := r.Search(context.Background(), cat, Query{Text: bulletsQuery, K: 1, Threshold: 0.2})
	require.NoError(t, err)
	assert.Equal(t, []string{"object_pool"}, IDs(got))
}

func TestLLMExpanderParsesReply(t *testing.T) {
	client := &llm.ScriptedClient{Responses: []string{"- `object_pool`\n- particles: emitters\n- object_pool\nNONE"}}
	ids, err := NewLLMExpander(client, 5).Expand(context.Background(), bulletsQuery, []string{"object_pool: pool"})
	require.NoError(t, err)
	assert.Equal(t, []string{"object_pool", "particles"}, ids)

	req := client.Requests()[0]
	assert.Contains(t, req.Messages[1].Content, "object_pool: pool")
}

func TestFormatContext(t *testing.T) {
	matches := []Match{
		{ModuleID: "object_pool", Source: "class ObjectPool:\n    pass\n"},
		{ModuleID: "tilemap", Source: "class TileMap:\n    pass"},
	}
	out := FormatContext(matches, nil, 0)
	assert.True(t, strings.HasPrefix(out, "# ====== Reference Module: object_pool ======\nclass ObjectPool:"))
	assert.Contains(t, out, "# ====== Reference Module: tilemap ======")

	tc, err := llm.NewTokenCounter()
	require.NoError(t, err)
	limited := FormatContext(matches, tc, tc.Count("# ====== Reference Module: object_pool ======\nclass ObjectPool:\n    pass\n\n"))
	assert.NotContains(t, limited, "tilemap")
	assert.Contains(t, limited, "object_pool")
	assert.Empty(t, FormatContext(nil, tc, 100))
}
