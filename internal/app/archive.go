package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/murmur/internal/archive"
	"github.com/MrWong99/murmur/internal/archive/file"
	"github.com/MrWong99/murmur/internal/archive/gcs"
	"github.com/MrWong99/murmur/internal/archive/postgres"
	"github.com/MrWong99/murmur/internal/archive/redis"
	"github.com/MrWong99/murmur/internal/config"
)

// OpenArchive connects the archive backend selected by cfg.
func OpenArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Store, error) {
	var (
		store archive.Store
		err   error
	)
	switch cfg.Backend {
	case config.ArchiveFile, "":
		var s *file.Store
		if s, err = file.New(cfg.Dir); err == nil {
			store = s
		}
	case config.ArchivePostgres:
		var s *postgres.Store
		if s, err = postgres.New(ctx, cfg.PostgresDSN); err == nil {
			store = s
		}
	case config.ArchiveRedis:
		var s *redis.Store
		if s, err = redis.New(ctx, cfg.RedisURL, cfg.RedisKeyPrefix); err == nil {
			store = s
		}
	case config.ArchiveGCS:
		var s *gcs.Store
		if s, err = gcs.New(ctx, cfg.GCSBucket, cfg.GCSPrefix); err == nil {
			store = s
		}
	default:
		return nil, fmt.Errorf("app: unknown archive backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("app: open %s archive: %w", cfg.Backend, err)
	}
	return store, nil
}
