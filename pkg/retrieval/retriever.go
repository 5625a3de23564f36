// Package retrieval implements nearest-neighbor lookup of reference modules
// over a catalog snapshot.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gameforge/pkg/catalog"
	"gameforge/pkg/embedding"
	"gameforge/pkg/logx"
)

// Query is one retrieval request.
type Query struct {
	Text      string
	Tags      []string // optional; a module matches when it carries any of them
	K         int
	Threshold float64
}

// Match is one retrieved module with its similarity score.
type Match struct {
	ModuleID string  `json:"module_id"`
	Score    float64 `json:"score"`
	Source   string  `json:"-"`
	Position int     `json:"position"` // insertion position in the catalog
}

// IDs lists the module ids of matches in order.
func IDs(matches []Match) []string {
	ids := make([]string, len(matches))
	for i := range matches {
		ids[i] = matches[i].ModuleID
	}
	return ids
}

// Retriever scores catalog modules against a query embedding. It holds no
// catalog itself; callers pass the snapshot their session is pinned to.
type Retriever struct {
	engine   embedding.Engine
	expander Expander
	logger   *logx.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithExpander enables query expansion.
func WithExpander(e Expander) Option {
	return func(r *Retriever) { r.expander = e }
}

func New(engine embedding.Engine, opts ...Option) *Retriever {
	r := &Retriever{engine: engine, logger: logx.NewLogger("retrieval")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search returns at most q.K modules scoring strictly above q.Threshold,
// highest score first. Equal scores keep catalog insertion order.
// An empty result is a normal outcome, not an error.
func (r *Retriever) Search(ctx context.Context, cat *catalog.Catalog, q Query) ([]Match, error) {
	if q.K <= 0 {
		return nil, fmt.Errorf("retrieval k must be positive, got %d", q.K)
	}
	if cat == nil || cat.Len() == 0 {
		return nil, nil
	}
	if cat.Embedder() != "" && cat.Embedder() != r.engine.Name() {
		return nil, fmt.Errorf("catalog v%d was embedded with %s but the query engine is %s",
			cat.Version(), cat.Embedder(), r.engine.Name())
	}

	text := q.Text
	if r.expander != nil {
		text = r.expand(ctx, cat, text)
	}

	vec, err := r.engine.Embed(ctx, text)
	if err != nil {
		return nil, logx.Wrap(err, "failed to embed query")
	}

	var matches []Match
	var scoreErr error
	cat.Each(func(pos int, m *catalog.ReferenceModule) bool {
		if len(q.Tags) > 0 && !m.HasAnyTag(q.Tags) {
			return true
		}
		score, err := embedding.CosineSimilarity(vec, m.Embedding)
		if err != nil {
			scoreErr = fmt.Errorf("module %s: %w", m.ID, err)
			return false
		}
		if score > q.Threshold {
			matches = append(matches, Match{ModuleID: m.ID, Score: score, Source: m.Source, Position: pos})
		}
		return true
	})
	if scoreErr != nil {
		return nil, scoreErr
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > q.K {
		matches = matches[:q.K]
	}

	logx.Debug(ctx, "retrieval", "query %q: %d match(es) above %.2f in catalog v%d", q.Text, len(matches), q.Threshold, cat.Version())
	return matches, nil
}

func (r *Retriever) expand(ctx context.Context, cat *catalog.Catalog, text string) string {
	descriptors := make([]string, 0, cat.Len())
	cat.Each(func(_ int, m *catalog.ReferenceModule) bool {
		descriptors = append(descriptors, m.Descriptor())
		return true
	})

	suggested, err := r.expander.Expand(ctx, text, descriptors)
	if err != nil {
		r.logger.Warn("query expansion failed, using raw query: %v", err)
		return text
	}

	var ids []string
	for _, id := range suggested {
		if _, ok := cat.Get(id); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return text
	}
	return text + "\nStrictly use these modules: " + strings.Join(ids, ", ")
}
