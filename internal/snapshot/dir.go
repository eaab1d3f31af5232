package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirDestination writes snapshots as files under a local directory.
type DirDestination struct {
	dir string
}

// NewDirDestination returns a destination rooted at dir, creating it if needed.
func NewDirDestination(dir string) (*DirDestination, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &DirDestination{dir: dir}, nil
}

func (d *DirDestination) String() string { return d.dir }

// Write replaces dir/name atomically.
func (d *DirDestination) Write(_ context.Context, name string, data []byte) error {
	path := filepath.Join(d.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
