package storage

import (
	"context"
	"path/filepath"
	"testing"

	"balloon_tracker/internal/state"
)

func TestOpenRepositorySQLite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "tracker.db")

	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, ok := db.Repo.(*state.SQLiteRepository); !ok {
		t.Errorf("Repo = %T, want *state.SQLiteRepository", db.Repo)
	}
	if db.Archive != nil {
		t.Error("archive opened while disabled")
	}
}

func TestOpenRepositoryUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "mongo"
	if _, err := OpenRepository(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
