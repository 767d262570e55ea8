package redis_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/archive"
	"github.com/MrWong99/murmur/internal/archive/redis"
)

// testAddr returns the Redis URL from the environment, or skips the test if
// MURMUR_TEST_REDIS_URL is not set.
func testAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("MURMUR_TEST_REDIS_URL")
	if addr == "" {
		t.Skip("MURMUR_TEST_REDIS_URL not set, skipping Redis integration tests")
	}
	return addr
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s, err := redis.New(ctx, testAddr(t), "murmur:test:", redis.WithTTL(time.Minute))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Save(ctx, "20260314_092653", []byte(`{"turns":[]}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "20260314_092653")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != `{"turns":[]}` {
		t.Errorf("Load: got %s", got)
	}

	_, err = s.Load(ctx, "missing")
	if !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Key(t *testing.T) {
	t.Parallel()
	s := redis.NewFromClient(nil, "murmur:session:")
	if got := s.Key("20260314_092653"); got != "murmur:session:20260314_092653" {
		t.Errorf("Key: got %q", got)
	}
}

func TestNew_Unreachable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := redis.New(ctx, "redis://127.0.0.1:1/0", "p:"); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
