package asset_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/MrWong99/murmur/internal/asset"
)

func newManager(t *testing.T) *asset.Manager {
	t.Helper()
	m, err := asset.New(filepath.Join(t.TempDir(), "assets"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// TestNewName checks the prefix + 32 hex + extension layout.
func TestNewName(t *testing.T) {
	t.Parallel()
	re := regexp.MustCompile(`^tts_[0-9a-f]{32}\.wav$`)
	seen := make(map[string]bool)
	for range 100 {
		name := asset.NewName(asset.PurposeTTS, ".wav")
		if !re.MatchString(name) {
			t.Fatalf("name %q does not match %s", name, re)
		}
		if seen[name] {
			t.Fatalf("duplicate name %q", name)
		}
		seen[name] = true
	}
}

func TestCreateAndRelease(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	path, err := m.Create(asset.PurposeUpload, ".webm", []byte("payload"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if filepath.Dir(path) != m.Dir() {
		t.Errorf("asset written outside the temp dir: %s", path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read asset: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("content: got %q, want %q", got, "payload")
	}

	m.Release(path)
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("asset still exists after Release: %v", err)
	}

	// A second release of the same path must be silent.
	m.Release(path)
	m.Release("")
}

func TestCreate_UnknownPurpose(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	if _, err := m.Create(asset.Purpose("tmp_"), ".wav", nil); err == nil {
		t.Fatal("expected error for unknown purpose")
	}
}

func TestCreate_MissingDir(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	if err := os.RemoveAll(m.Dir()); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	if _, err := m.Create(asset.PurposeUpload, ".wav", []byte("x")); err == nil {
		t.Fatal("expected error when the temp dir is gone")
	}
}

// TestSweep checks that only files with known prefixes are removed.
func TestSweep(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	for _, p := range asset.Purposes {
		if _, err := m.Create(p, ".wav", []byte("x")); err != nil {
			t.Fatalf("Create(%s): %v", p, err)
		}
	}
	keep := filepath.Join(m.Dir(), "notes.txt")
	if err := os.WriteFile(keep, []byte("keep me"), 0o644); err != nil {
		t.Fatalf("write foreign file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(m.Dir(), "tts_dir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	n, err := m.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != len(asset.Purposes) {
		t.Errorf("removed %d files, want %d", n, len(asset.Purposes))
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("foreign file was removed: %v", err)
	}

	n, err = m.Sweep()
	if err != nil || n != 0 {
		t.Errorf("second Sweep: got (%d, %v), want (0, nil)", n, err)
	}
}

func TestSweepPurposes(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	paths := make(map[asset.Purpose]string)
	for _, p := range asset.Purposes {
		path, err := m.Create(p, ".wav", []byte("x"))
		if err != nil {
			t.Fatalf("Create(%s): %v", p, err)
		}
		paths[p] = path
	}

	n, err := m.SweepPurposes(asset.PurposeTTS)
	if err != nil {
		t.Fatalf("SweepPurposes: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d files, want 1", n)
	}
	for p, path := range paths {
		_, err := os.Stat(path)
		if gone := errors.Is(err, os.ErrNotExist); gone != (p == asset.PurposeTTS) {
			t.Errorf("%s: removed = %v", p, gone)
		}
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	path, err := m.Create(asset.PurposeTTS, ".wav", []byte("RIFF"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	f, err := m.Open(filepath.Base(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "RIFF" {
		t.Errorf("content: got %q", data)
	}

	tests := []struct {
		name string
		want error
	}{
		{"", asset.ErrInvalidName},
		{"../tts_abc.wav", asset.ErrInvalidName},
		{"sub/tts_abc.wav", asset.ErrInvalidName},
		{`sub\tts_abc.wav`, asset.ErrInvalidName},
		{"secret.wav", asset.ErrInvalidName},
		{asset.NewName(asset.PurposeTTS, ".wav"), asset.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Open(tt.name)
			if !errors.Is(err, tt.want) {
				t.Errorf("Open(%q): got %v, want %v", tt.name, err, tt.want)
			}
		})
	}
}

func TestOpenReply(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	tests := []struct {
		purpose asset.Purpose
		wantErr error
	}{
		{asset.PurposeTTS, nil},
		{asset.PurposeUpload, asset.ErrInvalidName},
		{asset.PurposeRecording, asset.ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(string(tt.purpose), func(t *testing.T) {
			path, err := m.Create(tt.purpose, ".wav", []byte("RIFF"))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			f, err := m.OpenReply(filepath.Base(path))
			if f != nil {
				f.Close()
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("OpenReply: got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckWritable(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	if err := m.CheckWritable(t.Context()); err != nil {
		t.Fatalf("CheckWritable: %v", err)
	}
	entries, _ := os.ReadDir(m.Dir())
	if len(entries) != 0 {
		t.Errorf("scratch file left behind: %v", entries)
	}
}
