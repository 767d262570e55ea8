// Package file stores session exports as JSON files in a local directory,
// named session_<id>.json.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrWong99/murmur/internal/archive"
)

var _ archive.Store = (*Store)(nil)

// Store writes one file per session into dir.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive/file: create dir %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Path returns where the document of sessionID is stored.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, archive.FileName(sessionID))
}

// Save writes the document to a temporary file and renames it into place so
// a crash never leaves a truncated export behind.
func (s *Store) Save(_ context.Context, sessionID string, document []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("archive/file: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(document); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("archive/file: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("archive/file: close: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(sessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("archive/file: rename: %w", err)
	}
	return nil
}

// Load reads the document of sessionID.
func (s *Store) Load(_ context.Context, sessionID string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", archive.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive/file: read: %w", err)
	}
	return data, nil
}

// Ping checks that the directory still exists and accepts new files.
func (s *Store) Ping(_ context.Context) error {
	f, err := os.CreateTemp(s.dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("archive/file: dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
