package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// snapshotFormat is bumped whenever the on-disk layout changes.
const snapshotFormat = 1

type snapshotFile struct {
	Format   int               `msgpack:"format"`
	Embedder string            `msgpack:"embedder"`
	BuiltAt  time.Time         `msgpack:"built_at"`
	Modules  []ReferenceModule `msgpack:"modules"`
}

// ErrSnapshotFormat is returned for snapshots written by an incompatible build.
var ErrSnapshotFormat = errors.New("unsupported catalog snapshot format")

// SaveSnapshot writes c to path atomically (temp file + rename).
func SaveSnapshot(path string, c *Catalog) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".catalog-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) //nolint:errcheck // no-op after rename

	payload := snapshotFile{
		Format:   snapshotFormat,
		Embedder: c.embedder,
		BuiltAt:  c.builtAt,
		Modules:  c.modules,
	}
	if err := msgpack.NewEncoder(f).Encode(&payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to install snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a catalog written by SaveSnapshot. The result is unpublished.
func LoadSnapshot(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	var payload snapshotFile
	if err := msgpack.NewDecoder(f).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if payload.Format != snapshotFormat {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotFormat, payload.Format)
	}

	c, err := New(payload.Embedder, payload.Modules)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	c.builtAt = payload.BuiltAt
	return c, nil
}
