// Package redis stores session exports as Redis string values under
// <prefix><session id>.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/murmur/internal/archive"
)

var _ archive.Store = (*Store)(nil)

// Store is the Redis-backed archive.
type Store struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// Option configures a [Store].
type Option func(*Store)

// WithTTL expires archived sessions after d. Zero, the default, keeps them
// forever.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// New connects to addr, which may be a redis:// or rediss:// URL or a bare
// host:port, and pings the server.
func New(ctx context.Context, addr, prefix string, opts ...Option) (*Store, error) {
	var rdb *goredis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := goredis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("archive/redis: parse url: %w", err)
		}
		rdb = goredis.NewClient(opt)
	} else {
		rdb = goredis.NewClient(&goredis.Options{Addr: addr})
	}
	s := NewFromClient(rdb, prefix, opts...)
	if err := s.Ping(ctx); err != nil {
		rdb.Close()
		return nil, err
	}
	return s, nil
}

// NewFromClient wraps an existing client. The store takes ownership of rdb
// and closes it in [Store.Close].
func NewFromClient(rdb *goredis.Client, prefix string, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: prefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Key returns the Redis key of sessionID.
func (s *Store) Key(sessionID string) string { return s.prefix + sessionID }

// Save sets the key of sessionID to document.
func (s *Store) Save(ctx context.Context, sessionID string, document []byte) error {
	if err := s.rdb.Set(ctx, s.Key(sessionID), document, s.ttl).Err(); err != nil {
		return fmt.Errorf("archive/redis: save %s: %w", sessionID, err)
	}
	return nil
}

// Load returns the document of sessionID.
func (s *Store) Load(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.Key(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s", archive.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive/redis: load %s: %w", sessionID, err)
	}
	return data, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("archive/redis: ping: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error { return s.rdb.Close() }
