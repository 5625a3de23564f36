package catalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"gameforge/pkg/logx"
)

// Index is the process-wide handle to the current catalog. Readers take a
// Snapshot once and keep using it; Publish swaps in a new version atomically
// without disturbing readers of older versions.
type Index struct {
	current   atomic.Pointer[Catalog]
	publishMu sync.Mutex // never held by readers
	buildMu   sync.Mutex
	logger    *logx.Logger
}

// NewIndex creates an index holding an empty catalog (version 0).
func NewIndex() *Index {
	idx := &Index{logger: logx.NewLogger("catalog")}
	idx.current.Store(Empty())
	return idx
}

// Snapshot returns the catalog in effect right now.
func (idx *Index) Snapshot() *Catalog {
	return idx.current.Load()
}

// Publish installs c as the next version and returns that version. c must not
// have been published before.
func (idx *Index) Publish(c *Catalog) (uint64, error) {
	if c == nil {
		return 0, fmt.Errorf("cannot publish nil catalog")
	}

	idx.publishMu.Lock()
	defer idx.publishMu.Unlock()

	if c.version != 0 {
		return 0, fmt.Errorf("catalog already published as version %d", c.version)
	}

	c.version = idx.current.Load().version + 1
	idx.current.Store(c)
	idx.logger.Info("Published catalog v%d: %d modules (%s)", c.version, c.Len(), c.embedder)
	return c.version, nil
}

// Rebuild runs build and publishes its result. Concurrent rebuilds are serialized;
// a failed build leaves the current version in place.
func (idx *Index) Rebuild(ctx context.Context, build func(context.Context) (*Catalog, error)) (uint64, error) {
	idx.buildMu.Lock()
	defer idx.buildMu.Unlock()

	c, err := build(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog rebuild failed: %w", err)
	}
	return idx.Publish(c)
}
