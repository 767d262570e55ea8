// Package postgres stores session exports in a PostgreSQL table, one row per
// session, using a [pgxpool.Pool].
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/murmur/internal/archive"
)

var _ archive.Store = (*Store)(nil)

const ddlSessionExports = `
CREATE TABLE IF NOT EXISTS session_exports (
    session_id   TEXT         PRIMARY KEY,
    document     JSONB        NOT NULL,
    archived_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_exports_archived_at
    ON session_exports (archived_at);
`

// Store is the PostgreSQL-backed archive. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive/postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive/postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive/postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the session_exports table if it does not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessionExports); err != nil {
		return fmt.Errorf("archive/postgres: migrate: %w", err)
	}
	return nil
}

// Save upserts the document of sessionID.
func (s *Store) Save(ctx context.Context, sessionID string, document []byte) error {
	const q = `
INSERT INTO session_exports (session_id, document, archived_at)
VALUES ($1, $2::jsonb, now())
ON CONFLICT (session_id) DO UPDATE
    SET document = EXCLUDED.document, archived_at = EXCLUDED.archived_at`
	if _, err := s.pool.Exec(ctx, q, sessionID, string(document)); err != nil {
		return fmt.Errorf("archive/postgres: save %s: %w", sessionID, err)
	}
	return nil
}

// Load returns the document of sessionID. JSONB normalises whitespace, so the
// bytes are equivalent to, not identical with, what was saved.
func (s *Store) Load(ctx context.Context, sessionID string) ([]byte, error) {
	var doc string
	err := s.pool.QueryRow(ctx,
		`SELECT document::text FROM session_exports WHERE session_id = $1`, sessionID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", archive.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive/postgres: load %s: %w", sessionID, err)
	}
	return []byte(doc), nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive/postgres: ping: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
