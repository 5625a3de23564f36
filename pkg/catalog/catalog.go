// Package catalog holds the versioned, read-only collection of reference modules
// consulted by retrieval. A Catalog is never mutated after it is built; rebuilds
// produce a new Catalog that an Index publishes atomically.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"gameforge/pkg/embedding"
)

// ReferenceModule is one indexed reference snippet.
type ReferenceModule struct {
	ID          string    `msgpack:"id" json:"id"`
	Description string    `msgpack:"description" json:"description"`
	Tags        []string  `msgpack:"tags" json:"tags"`
	Embedding   []float32 `msgpack:"embedding" json:"-"`
	Source      string    `msgpack:"source" json:"-"`
}

// HasAnyTag reports whether the module carries at least one of tags.
func (m *ReferenceModule) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range m.Tags {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// Descriptor is the text embedded for this module.
func (m *ReferenceModule) Descriptor() string {
	return Descriptor(m.ID, m.Description, m.Tags)
}

// Descriptor renders id, description and tags as one embedding input.
func Descriptor(id, description string, tags []string) string {
	var b strings.Builder
	b.WriteString(id)
	if description != "" {
		b.WriteString(": ")
		b.WriteString(description)
	}
	if len(tags) > 0 {
		b.WriteString(" (tags: ")
		b.WriteString(strings.Join(tags, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Document is an unindexed reference module, as produced by ScanDir.
type Document struct {
	ID          string
	Description string
	Tags        []string
	Source      string
}

// Catalog is an ordered, immutable set of reference modules.
type Catalog struct {
	version  uint64
	builtAt  time.Time
	embedder string
	modules  []ReferenceModule
	byID     map[string]int
}

// Empty is a catalog with no modules, version 0.
func Empty() *Catalog {
	return &Catalog{byID: map[string]int{}}
}

// New assembles a catalog from already-embedded modules, preserving order.
// Module IDs must be unique and every embedding must share one dimension.
func New(embedder string, modules []ReferenceModule) (*Catalog, error) {
	c := &Catalog{
		builtAt:  time.Now().UTC(),
		embedder: embedder,
		modules:  make([]ReferenceModule, len(modules)),
		byID:     make(map[string]int, len(modules)),
	}

	dims := -1
	for i, m := range modules {
		if m.ID == "" {
			return nil, fmt.Errorf("module at position %d has no id", i)
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate module id %q", m.ID)
		}
		if len(m.Embedding) == 0 {
			return nil, fmt.Errorf("module %q has no embedding", m.ID)
		}
		if dims >= 0 && len(m.Embedding) != dims {
			return nil, fmt.Errorf("module %q has %d dimensions, expected %d", m.ID, len(m.Embedding), dims)
		}
		dims = len(m.Embedding)

		c.modules[i] = ReferenceModule{
			ID:          m.ID,
			Description: m.Description,
			Tags:        slices.Clone(m.Tags),
			Embedding:   slices.Clone(m.Embedding),
			Source:      m.Source,
		}
		c.byID[m.ID] = i
	}
	return c, nil
}

// Build embeds docs with engine and assembles a catalog in document order.
func Build(ctx context.Context, engine embedding.Engine, docs []Document) (*Catalog, error) {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = Descriptor(d.ID, d.Description, d.Tags)
	}

	vectors, err := embedding.EmbedAll(ctx, engine, texts, 16, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to embed catalog: %w", err)
	}

	modules := make([]ReferenceModule, len(docs))
	for i, d := range docs {
		modules[i] = ReferenceModule{
			ID:          d.ID,
			Description: d.Description,
			Tags:        d.Tags,
			Embedding:   vectors[i],
			Source:      d.Source,
		}
	}
	return New(engine.Name(), modules)
}

// Version is assigned when the catalog is published to an Index. Unpublished catalogs report 0.
func (c *Catalog) Version() uint64 { return c.version }

func (c *Catalog) BuiltAt() time.Time { return c.builtAt }

// Embedder names the engine that produced the vectors.
func (c *Catalog) Embedder() string { return c.embedder }

func (c *Catalog) Len() int { return len(c.modules) }

// At returns the module at insertion position i.
func (c *Catalog) At(i int) *ReferenceModule {
	m := c.modules[i]
	return &m
}

// Get looks a module up by id.
func (c *Catalog) Get(id string) (*ReferenceModule, bool) {
	i, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return c.At(i), true
}

// IDs lists module ids in insertion order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.modules))
	for i := range c.modules {
		ids[i] = c.modules[i].ID
	}
	return ids
}

// Each calls fn for every module in insertion order until fn returns false.
// fn must not retain or modify the module.
func (c *Catalog) Each(fn func(pos int, m *ReferenceModule) bool) {
	for i := range c.modules {
		if !fn(i, &c.modules[i]) {
			return
		}
	}
}
