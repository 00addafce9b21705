package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shardtask/shardtask/internal/partition"
	"github.com/shardtask/shardtask/pkg/types"
)

// pinnedTenant routes to active partition 9 of 16 and interaction
// partition 1 of 8.
var pinnedTenant = uuid.MustParse("40e142fd-1038-48e6-93ae-15edba5c5c43")

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "todos.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func newTestActive(t *testing.T, db *DB) *ActiveStore {
	t.Helper()
	router, err := partition.NewRouter(partition.DefaultActivePartitions)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	s := NewActiveStore(db, router, zerolog.Nop())
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init active store: %v", err)
	}
	return s
}

func newTestArchive(t *testing.T, db *DB) *ArchiveStore {
	t.Helper()
	s := NewArchiveStore(db, zerolog.Nop())
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init archive store: %v", err)
	}
	return s
}

func testItem(tenant uuid.UUID, title string) *types.Item {
	now := time.Now().UTC()
	return &types.Item{
		ID:        uuid.New(),
		UserID:    tenant,
		Title:     title,
		Status:    types.StatusTodo,
		Priority:  3,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func completedItem(tenant uuid.UUID, title string, completedAt time.Time) *types.Item {
	it := testItem(tenant, title)
	it.Status = types.StatusDone
	c := completedAt.UTC()
	it.CompletedAt = &c
	return it
}

func statusPtr(s types.Status) *types.Status { return &s }
