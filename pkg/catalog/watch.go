package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"gameforge/pkg/embedding"
	"gameforge/pkg/logx"
)

// DefaultDebounce coalesces editor save bursts into one rebuild.
const DefaultDebounce = 500 * time.Millisecond

// Watcher rebuilds an Index whenever reference module files in a directory change.
type Watcher struct {
	dir      string
	index    *Index
	build    func(context.Context) (*Catalog, error)
	debounce time.Duration
	logger   *logx.Logger

	// OnRebuild, when set, is called after every rebuild attempt.
	OnRebuild func(version uint64, err error)
}

// NewWatcher creates a watcher for dir. build produces the replacement catalog.
func NewWatcher(dir string, index *Index, build func(context.Context) (*Catalog, error)) *Watcher {
	return &Watcher{
		dir:      dir,
		index:    index,
		build:    build,
		debounce: DefaultDebounce,
		logger:   logx.NewLogger("catalog-watch"),
	}
}

// SetDebounce overrides the quiet period before a rebuild.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run blocks until ctx is cancelled, rebuilding after each burst of changes.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("Watching %s for reference module changes", w.dir)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != SourceExt || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			logx.Debug(ctx, "catalog", "change %s %s", event.Op, event.Name)
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fs watcher error: %v", err)
		case <-timer.C:
			version, err := w.index.Rebuild(ctx, w.build)
			if err != nil {
				w.logger.Error("Rebuild after change failed, keeping v%d: %v", w.index.Snapshot().Version(), err)
			}
			if w.OnRebuild != nil {
				w.OnRebuild(version, err)
			}
		}
	}
}

// DirBuilder returns a build function that scans dir and embeds it with engine.
func DirBuilder(dir string, engine embedding.Engine) func(context.Context) (*Catalog, error) {
	return func(ctx context.Context) (*Catalog, error) {
		docs, err := ScanDir(dir)
		if err != nil {
			return nil, err
		}
		return Build(ctx, engine, docs)
	}
}
