// Package gcs stores session exports as objects in a Google Cloud Storage
// bucket, named <prefix>session_<id>.json.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/MrWong99/murmur/internal/archive"
)

var _ archive.Store = (*Store)(nil)

// Store is the Cloud Storage backed archive.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a client using application default credentials.
func New(ctx context.Context, bucket, prefix string) (*Store, error) {
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive/gcs: create client: %w", err)
	}
	return NewFromClient(c, bucket, prefix), nil
}

// NewFromClient wraps an existing client. The store takes ownership of c and
// closes it in [Store.Close].
func NewFromClient(c *storage.Client, bucket, prefix string) *Store {
	return &Store{client: c, bucket: bucket, prefix: prefix}
}

// ObjectName returns the object name of sessionID.
func (s *Store) ObjectName(sessionID string) string {
	return s.prefix + archive.FileName(sessionID)
}

// Save uploads document as application/json.
func (s *Store) Save(ctx context.Context, sessionID string, document []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.ObjectName(sessionID)).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(document); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive/gcs: write %s: %w", sessionID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive/gcs: finalize %s: %w", sessionID, err)
	}
	return nil
}

// Load downloads the document of sessionID.
func (s *Store) Load(ctx context.Context, sessionID string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.ObjectName(sessionID)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", archive.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive/gcs: open %s: %w", sessionID, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive/gcs: read %s: %w", sessionID, err)
	}
	return data, nil
}

// Ping fetches the bucket attributes.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("archive/gcs: bucket %q: %w", s.bucket, err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }
