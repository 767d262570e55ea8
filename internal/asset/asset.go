// Package asset manages the short-lived audio files that pass through a turn:
// uploaded clips, console recordings, and synthesized replies.
//
// Every asset lives directly in one temp directory and is named
// <prefix><32 hex chars><ext>, where the prefix records its purpose. Removal
// after use is best-effort; [Manager.Sweep] is the global cleanup that runs at
// start and stop. A session reset sweeps replies only, since uploads and
// recordings of a turn still in flight must survive it.
package asset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Purpose is the filename prefix that identifies why an asset exists.
type Purpose string

const (
	// PurposeUpload marks audio received over HTTP.
	PurposeUpload Purpose = "upload_"

	// PurposeTTS marks synthesized replies. These are the only assets served
	// back to clients.
	PurposeTTS Purpose = "tts_"

	// PurposeRecording marks audio captured by the console loop.
	PurposeRecording Purpose = "rec_"
)

// Purposes lists every known prefix. [Manager.Sweep] removes files with any of
// them.
var Purposes = []Purpose{PurposeUpload, PurposeTTS, PurposeRecording}

// IsValid reports whether p is a known purpose.
func (p Purpose) IsValid() bool {
	switch p {
	case PurposeUpload, PurposeTTS, PurposeRecording:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned by [Manager.Open] when no such asset exists.
	ErrNotFound = errors.New("asset: not found")

	// ErrInvalidName is returned by [Manager.Open] for names that contain a
	// path separator or lack a known prefix.
	ErrInvalidName = errors.New("asset: invalid name")
)

// Manager creates and removes assets inside a single directory.
// It holds no mutable state and is safe for concurrent use.
type Manager struct {
	dir string
}

// New returns a Manager rooted at dir, creating the directory if needed.
func New(dir string) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("asset: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("asset: create dir %q: %w", dir, err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the directory that holds the assets.
func (m *Manager) Dir() string { return m.dir }

// NewName returns a collision-resistant file name for purpose. ext should
// include its leading dot.
func NewName(purpose Purpose, ext string) string {
	return string(purpose) + strings.ReplaceAll(uuid.NewString(), "-", "") + ext
}

// Create writes data to a new asset and returns its absolute path. A partial
// file left by a failed write is removed.
func (m *Manager) Create(purpose Purpose, ext string, data []byte) (string, error) {
	if !purpose.IsValid() {
		return "", fmt.Errorf("asset: unknown purpose %q", purpose)
	}
	path := filepath.Join(m.dir, NewName(purpose, ext))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("asset: write %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// Release deletes the asset at path. Failures are logged at warn level and
// never returned. Releasing an asset that is already gone is not a failure.
func (m *Manager) Release(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("asset: release failed", "path", path, "err", err)
	}
}

// Sweep deletes every file in the directory whose name carries a known
// prefix and returns how many were removed. Individual failures are logged
// and skipped; only an unreadable directory is returned as an error.
func (m *Manager) Sweep() (int, error) {
	return m.SweepPurposes(Purposes...)
}

// SweepPurposes is [Manager.Sweep] limited to files of the given purposes.
func (m *Manager) SweepPurposes(purposes ...Purpose) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("asset: sweep %q: %w", m.dir, err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !hasPrefix(e.Name(), purposes) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("asset: sweep failed to remove file", "path", path, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Open resolves a bare asset name and opens it for reading. The caller must
// close the returned file.
func (m *Manager) Open(name string) (*os.File, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || !hasKnownPrefix(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	f, err := os.Open(filepath.Join(m.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("asset: open %q: %w", name, err)
	}
	return f, nil
}

// OpenReply is [Manager.Open] restricted to synthesized replies, the only
// assets clients may fetch. Other names fail with [ErrInvalidName].
func (m *Manager) OpenReply(name string) (*os.File, error) {
	if !strings.HasPrefix(name, string(PurposeTTS)) {
		return nil, fmt.Errorf("%w: %q is not a reply", ErrInvalidName, name)
	}
	return m.Open(name)
}

// CheckWritable creates and removes a scratch file. It backs the readiness
// check of the temp directory.
func (m *Manager) CheckWritable(_ context.Context) error {
	f, err := os.CreateTemp(m.dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("asset: temp dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func hasKnownPrefix(name string) bool {
	return hasPrefix(name, Purposes)
}

func hasPrefix(name string, purposes []Purpose) bool {
	for _, p := range purposes {
		if strings.HasPrefix(name, string(p)) {
			return true
		}
	}
	return false
}
