package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameforge/pkg/embedding"
)

const objectPoolSource = `# tags: pooling, performance
"""
Object pool that recycles bullet sprites
instead of allocating new ones.
"""

class ObjectPool:
    pass
`

func writeModules(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestParseDocument(t *testing.T) {
	doc := ParseDocument("object_pool", objectPoolSource)

	assert.Equal(t, "object_pool", doc.ID)
	assert.Equal(t, []string{"pooling", "performance"}, doc.Tags)
	assert.Equal(t, "Object pool that recycles bullet sprites instead of allocating new ones.", doc.Description)
	assert.Equal(t, objectPoolSource, doc.Source)
}

func TestScanDirSortedAndFiltered(t *testing.T) {
	dir := writeModules(t, map[string]string{
		"tile_map.py":    "# tags: map\n\"\"\"Tile map.\"\"\"\n",
		"object_pool.py": objectPoolSource,
		"__init__.py":    "",
		"README.md":      "not a module",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.py"), 0o755))

	docs, err := ScanDir(dir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "object_pool", docs[0].ID)
	assert.Equal(t, "tile_map", docs[1].ID)
}

func TestNewRejectsInvalidModules(t *testing.T) {
	_, err := New("x", []ReferenceModule{{ID: "a", Embedding: []float32{1}}, {ID: "a", Embedding: []float32{1}}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = New("x", []ReferenceModule{{ID: "a"}})
	assert.ErrorContains(t, err, "no embedding")

	_, err = New("x", []ReferenceModule{{ID: "a", Embedding: []float32{1}}, {ID: "b", Embedding: []float32{1, 2}}})
	assert.ErrorContains(t, err, "dimensions")
}

func TestCatalogIsolatedFromCallerSlices(t *testing.T) {
	emb := []float32{1, 0}
	tags := []string{"pooling"}
	c, err := New("x", []ReferenceModule{{ID: "a", Tags: tags, Embedding: emb}})
	require.NoError(t, err)

	emb[0] = 9
	tags[0] = "changed"

	m, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, float32(1), m.Embedding[0])
	assert.Equal(t, []string{"pooling"}, m.Tags)
}

func TestBuildPreservesOrder(t *testing.T) {
	docs := []Document{
		{ID: "c", Description: "third"},
		{ID: "a", Description: "first"},
		{ID: "b", Description: "second", Tags: []string{"x"}},
	}
	c, err := Build(context.Background(), embedding.NewHashEngine(32), docs)
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a", "b"}, c.IDs())
	assert.Equal(t, "hash:32", c.Embedder())
	assert.Equal(t, uint64(0), c.Version())
}

func TestHasAnyTag(t *testing.T) {
	m := &ReferenceModule{Tags: []string{"Pooling", "perf"}}
	assert.True(t, m.HasAnyTag([]string{"pooling"}))
	assert.True(t, m.HasAnyTag([]string{"nope", "perf"}))
	assert.False(t, m.HasAnyTag([]string{"camera"}))
	assert.False(t, m.HasAnyTag(nil))
}

func TestIndexPublishIsVersionedAndAtomic(t *testing.T) {
	idx := NewIndex()
	assert.Equal(t, uint64(0), idx.Snapshot().Version())

	first, err := New("x", []ReferenceModule{{ID: "a", Embedding: []float32{1}}})
	require.NoError(t, err)
	v, err := idx.Publish(first)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	held := idx.Snapshot()

	second, err := New("x", []ReferenceModule{{ID: "b", Embedding: []float32{1}}})
	require.NoError(t, err)
	v, err = idx.Publish(second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	// A reader holding v1 keeps seeing v1.
	assert.Equal(t, uint64(1), held.Version())
	assert.Equal(t, []string{"a"}, held.IDs())
	assert.Equal(t, []string{"b"}, idx.Snapshot().IDs())

	_, err = idx.Publish(second)
	assert.Error(t, err)
}

func TestIndexRebuildFailureKeepsCurrent(t *testing.T) {
	idx := NewIndex()
	c, err := New("x", []ReferenceModule{{ID: "a", Embedding: []float32{1}}})
	require.NoError(t, err)
	_, err = idx.Publish(c)
	require.NoError(t, err)

	_, err = idx.Rebuild(context.Background(), func(context.Context) (*Catalog, error) {
		return nil, errors.New("embedder down")
	})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), idx.Snapshot().Version())
}

func TestConcurrentReadersDuringRebuild(t *testing.T) {
	idx := NewIndex()
	engine := embedding.NewHashEngine(16)
	build := func(ctx context.Context) (*Catalog, error) {
		return Build(ctx, engine, []Document{{ID: "a"}, {ID: "b"}})
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := idx.Snapshot()
				n := 0
				snap.Each(func(int, *ReferenceModule) bool { n++; return true })
				assert.Equal(t, snap.Len(), n)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		_, err := idx.Rebuild(context.Background(), build)
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, uint64(10), idx.Snapshot().Version())
}

func TestSnapshotRoundTrip(t *testing.T) {
	c, err := Build(context.Background(), embedding.NewHashEngine(8), []Document{
		{ID: "object_pool", Description: "pool", Tags: []string{"pooling"}, Source: objectPoolSource},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "catalog.msgpack")
	require.NoError(t, SaveSnapshot(path, c))

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, c.IDs(), loaded.IDs())
	assert.Equal(t, c.Embedder(), loaded.Embedder())
	assert.Equal(t, c.At(0).Embedding, loaded.At(0).Embedding)
	assert.Equal(t, objectPoolSource, loaded.At(0).Source)
	assert.Equal(t, uint64(0), loaded.Version())
}

func TestLoadSnapshotMissing(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatcherRebuildsOnChange(t *testing.T) {
	dir := writeModules(t, map[string]string{"object_pool.py": objectPoolSource})
	idx := NewIndex()
	engine := embedding.NewHashEngine(16)
	build := DirBuilder(dir, engine)
	_, err := idx.Rebuild(context.Background(), build)
	require.NoError(t, err)

	rebuilt := make(chan uint64, 4)
	w := NewWatcher(dir, idx, build)
	w.SetDebounce(20 * time.Millisecond)
	w.OnRebuild = func(v uint64, err error) {
		if err == nil {
			rebuilt <- v
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Let the watch register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera.py"), []byte("# tags: camera\n\"\"\"Camera.\"\"\"\n"), 0o644))

	select {
	case v := <-rebuilt:
		assert.GreaterOrEqual(t, v, uint64(2))
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not rebuild")
	}
	assert.Contains(t, idx.Snapshot().IDs(), "camera")

	cancel()
	require.NoError(t, <-done)
}
