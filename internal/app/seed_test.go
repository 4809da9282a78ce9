package app_test

import (
	"context"
	"testing"
	"time"

	"funil/internal/app"
	"funil/internal/config"
	"funil/internal/db"
	"funil/internal/migrate"
	"funil/internal/repo"
)

func newCatalogRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

// The default config carries two boards, so the seeder has to keep
// reading board rows while its own write transaction is open. A pooled
// read there would block on the shared-cache write lock and the seeder
// would never return.
func TestSyncCatalogSeedsMultipleBoards(t *testing.T) {
	r := newCatalogRepo(t)
	cfg := config.Default()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.SyncCatalog(ctx, r, cfg); err != nil {
		t.Fatalf("sync catalog: %v", err)
	}
	boards, err := r.ListBoards(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(boards) != len(cfg.Boards) {
		t.Fatalf("expected %d boards, got %d", len(cfg.Boards), len(boards))
	}
	for _, b := range cfg.Boards {
		stages, err := r.ListStages(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(stages) != len(b.Stages) {
			t.Fatalf("board %s: expected %d stages, got %d", b.ID, len(b.Stages), len(stages))
		}
	}
	reasons, err := r.ListLostReasons(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(reasons) != len(cfg.Reasons) {
		t.Fatalf("expected %d lost reasons, got %d", len(cfg.Reasons), len(reasons))
	}
}

func TestSyncCatalogIsIdempotent(t *testing.T) {
	r := newCatalogRepo(t)
	cfg := config.Default()
	ctx := context.Background()
	if err := app.SyncCatalog(ctx, r, cfg); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := app.SyncCatalog(ctx, r, cfg); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	boards, err := r.ListBoards(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(boards) != len(cfg.Boards) {
		t.Fatalf("re-seed duplicated boards: %d", len(boards))
	}
}
