package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shardtask/shardtask/pkg/types"
)

func snapshotItems(n int) []*types.Item {
	now := time.Now().UTC()
	completed := now.AddDate(0, -2, 0)
	archived := now.AddDate(0, -1, 0)
	items := make([]*types.Item, n)
	for i := range items {
		items[i] = &types.Item{
			ID:          uuid.New(),
			UserID:      uuid.New(),
			Title:       "archived item",
			Status:      types.StatusDone,
			Priority:    3,
			CompletedAt: &completed,
			CreatedAt:   now.AddDate(0, -3, 0),
			UpdatedAt:   completed,
			ArchivedAt:  &archived,
		}
	}
	return items
}

func TestSnapshotExportReadRoundTrip(t *testing.T) {
	store := newLocalStore(t)
	snap := NewSnapshotter(store, t.TempDir(), zerolog.Nop())
	ctx := context.Background()

	items := snapshotItems(25)
	objectPath, err := snap.Export(ctx, "todos_archive_y2024m03", items)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if objectPath != "snapshots/todos_archive_y2024m03.jsonl.sz" {
		t.Errorf("unexpected object path %s", objectPath)
	}

	restored, err := snap.Read(ctx, objectPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(restored) != len(items) {
		t.Fatalf("expected %d rows, got %d", len(items), len(restored))
	}
	if restored[0].ID != items[0].ID {
		t.Error("row order must be preserved")
	}
	if restored[0].ArchivedAt == nil {
		t.Error("archived_at must survive the round trip")
	}
}

func TestSnapshotExportEmptyPartition(t *testing.T) {
	store := newLocalStore(t)
	snap := NewSnapshotter(store, t.TempDir(), zerolog.Nop())
	ctx := context.Background()

	objectPath, err := snap.Export(ctx, "todos_archive_y2024m04", nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	restored, err := snap.Read(ctx, objectPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(restored) != 0 {
		t.Errorf("expected empty snapshot, got %d rows", len(restored))
	}
}

func TestSnapshotList(t *testing.T) {
	store := newLocalStore(t)
	snap := NewSnapshotter(store, t.TempDir(), zerolog.Nop())
	ctx := context.Background()

	for _, name := range []string{"todos_archive_y2024m01", "todos_archive_y2024m02"} {
		if _, err := snap.Export(ctx, name, snapshotItems(2)); err != nil {
			t.Fatalf("export %s: %v", name, err)
		}
	}

	objects, err := snap.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 {
		t.Errorf("expected 2 snapshots, got %v", objects)
	}
}

func TestBatchFetch(t *testing.T) {
	store := newLocalStore(t)
	snap := NewSnapshotter(store, t.TempDir(), zerolog.Nop())
	ctx := context.Background()

	var paths []string
	for _, name := range []string{"todos_archive_y2024m01", "todos_archive_y2024m02", "todos_archive_y2024m03"} {
		p, err := snap.Export(ctx, name, snapshotItems(3))
		if err != nil {
			t.Fatalf("export %s: %v", name, err)
		}
		paths = append(paths, p)
	}

	dl := NewBatchDownloader(store, 2, t.TempDir())
	result, err := dl.Fetch(ctx, paths)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.Downloads != 3 {
		t.Errorf("expected 3 downloads, got %d", result.Downloads)
	}

	// Second fetch hits the cache.
	result, err = dl.Fetch(ctx, paths)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if result.CacheHits != 3 {
		t.Errorf("expected 3 cache hits, got %d", result.CacheHits)
	}
}

func TestSnapshotReadManyDecodesEachObject(t *testing.T) {
	store := newLocalStore(t)
	snap := NewSnapshotter(store, t.TempDir(), zerolog.Nop())
	ctx := context.Background()

	first := snapshotItems(5)
	second := snapshotItems(3)
	firstPath, err := snap.Export(ctx, "todos_archive_y2024m01", first)
	if err != nil {
		t.Fatalf("export first: %v", err)
	}
	secondPath, err := snap.Export(ctx, "todos_archive_y2024m02", second)
	if err != nil {
		t.Fatalf("export second: %v", err)
	}

	loaded, errs, err := snap.ReadMany(ctx, []string{firstPath, secondPath})
	if err != nil {
		t.Fatalf("read many: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("expected no per-object errors, got %v", errs)
	}
	if len(loaded[firstPath]) != 5 || len(loaded[secondPath]) != 3 {
		t.Errorf("expected 5 and 3 rows, got %d and %d", len(loaded[firstPath]), len(loaded[secondPath]))
	}
}

func TestSnapshotReadManyReportsMissingObject(t *testing.T) {
	store := newLocalStore(t)
	snap := NewSnapshotter(store, t.TempDir(), zerolog.Nop())
	ctx := context.Background()

	path, err := snap.Export(ctx, "todos_archive_y2024m01", snapshotItems(2))
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	missing := ObjectPath("todos_archive_y2024m12")
	loaded, errs, err := snap.ReadMany(ctx, []string{path, missing})
	if err != nil {
		t.Fatalf("read many: %v", err)
	}
	if len(loaded[path]) != 2 {
		t.Errorf("good snapshot must still decode, got %d rows", len(loaded[path]))
	}
	if _, ok := errs[missing]; !ok {
		t.Error("missing snapshot must be reported per object")
	}
}

func TestPartitionNameFromObject(t *testing.T) {
	name := "todos_archive_y2024m03"
	if got := PartitionNameFromObject(ObjectPath(name)); got != name {
		t.Errorf("expected %s, got %s", name, got)
	}
}
