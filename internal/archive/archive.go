// Package archive defines the store that receives session export documents
// when a session is reset. Each backend lives in its own subpackage:
//
//   - file: one JSON file per session in a local directory
//   - postgres: an upserted row per session in a session_exports table
//   - redis: one key per session
//   - gcs: one object per session in a Cloud Storage bucket
//
// Documents are keyed by session id and saving the same id again overwrites
// the earlier document.
package archive

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Load] when no document exists for the
// session id.
var ErrNotFound = errors.New("archive: session not found")

// Store persists session export documents.
type Store interface {
	// Save writes document under sessionID.
	Save(ctx context.Context, sessionID string, document []byte) error

	// Load returns the document saved under sessionID, or [ErrNotFound].
	Load(ctx context.Context, sessionID string) ([]byte, error)

	// Ping reports whether the backend is reachable and writable.
	Ping(ctx context.Context) error

	// Close releases connections held by the store.
	Close() error
}

// FileName returns the name a session document is stored under by the file
// and object-store backends.
func FileName(sessionID string) string {
	return "session_" + sessionID + ".json"
}
