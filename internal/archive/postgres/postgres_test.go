package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/MrWong99/murmur/internal/archive"
	"github.com/MrWong99/murmur/internal/archive/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if MURMUR_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MURMUR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MURMUR_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	s, err := postgres.New(context.Background(), testDSN(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "test_" + t.Name()

	if err := s.Save(ctx, id, []byte(`{"metadata": {}, "turns": []}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, id, []byte(`{"metadata": {"total_turns": 1}, "turns": []}`)); err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}

	data, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var doc struct {
		Metadata struct {
			TotalTurns int `json:"total_turns"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Metadata.TotalTurns != 1 {
		t.Errorf("expected the upserted document, got %s", data)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "does-not-exist")
	if !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Ping(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestNew_InvalidDSN(t *testing.T) {
	_, err := postgres.New(context.Background(), "not a dsn ::")
	if err == nil {
		t.Fatal("expected error for invalid DSN")
	}
}
