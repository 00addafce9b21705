package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shardtask/shardtask/internal/config"
	sterrors "github.com/shardtask/shardtask/internal/errors"
	"github.com/shardtask/shardtask/internal/partition"
	"github.com/shardtask/shardtask/internal/storage"
	"github.com/shardtask/shardtask/internal/store"
	"github.com/shardtask/shardtask/pkg/types"
)

var testTenant = uuid.MustParse("40e142fd-1038-48e6-93ae-15edba5c5c43")

type fixture struct {
	jobs    *Jobs
	db      *store.DB
	active  *store.ActiveStore
	archive *store.ArchiveStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Resolve()

	db, err := store.Open(filepath.Join(cfg.DataDir, "todos.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	router, err := partition.NewRouter(cfg.ActivePartitionCount)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	active := store.NewActiveStore(db, router, zerolog.Nop())
	if err := active.Init(ctx); err != nil {
		t.Fatalf("init active store: %v", err)
	}
	archive := store.NewArchiveStore(db, zerolog.Nop())
	if err := archive.Init(ctx); err != nil {
		t.Fatalf("init archive store: %v", err)
	}
	irouter, err := partition.NewRouter(cfg.InteractionPartitionCount)
	if err != nil {
		t.Fatalf("new interaction router: %v", err)
	}
	interactions := store.NewInteractionStore(db, irouter, zerolog.Nop())
	if err := interactions.Init(ctx); err != nil {
		t.Fatalf("init interaction store: %v", err)
	}

	local, err := storage.NewLocalStorage(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	snap := storage.NewSnapshotter(local, filepath.Join(cfg.DataDir, "scratch"), zerolog.Nop())

	jobs := NewJobs(db, active, archive, interactions, snap, cfg, zerolog.Nop())
	return &fixture{jobs: jobs, db: db, active: active, archive: archive}
}

func insertDone(t *testing.T, f *fixture, completedAt time.Time) *types.Item {
	t.Helper()
	now := time.Now().UTC()
	c := completedAt.UTC()
	it := &types.Item{
		ID:          uuid.New(),
		UserID:      testTenant,
		Title:       "done item",
		Status:      types.StatusDone,
		Priority:    3,
		CompletedAt: &c,
		CreatedAt:   c.AddDate(0, 0, -1),
		UpdatedAt:   now,
	}
	if err := f.active.Insert(context.Background(), it); err != nil {
		t.Fatalf("insert done item: %v", err)
	}
	return it
}

func TestRunDailyArchivesEligibleItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := insertDone(t, f, time.Now().AddDate(0, 0, -45))
	fresh := insertDone(t, f, time.Now().AddDate(0, 0, -2))

	report, err := f.jobs.RunDaily(ctx)
	if err != nil {
		t.Fatalf("run daily: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Errorf("expected completed run, got %s", report.Status)
	}
	if report.Archived != 1 {
		t.Errorf("expected 1 item archived, got %d", report.Archived)
	}

	if _, err := f.active.Get(ctx, old.ID, testTenant); !sterrors.IsNotFound(err) {
		t.Errorf("archived item must leave the active store, got %v", err)
	}
	if _, err := f.active.Get(ctx, fresh.ID, testTenant); err != nil {
		t.Errorf("recently completed item must stay active: %v", err)
	}
	if got, err := f.archive.Get(ctx, old.ID, testTenant); err != nil {
		t.Errorf("archived item must be readable from the archive: %v", err)
	} else if got.ArchivedAt == nil {
		t.Error("archived item must carry archived_at")
	}
}

func TestRunDailyNothingEligible(t *testing.T) {
	f := newFixture(t)

	insertDone(t, f, time.Now().AddDate(0, 0, -2))

	report, err := f.jobs.RunDaily(context.Background())
	if err != nil {
		t.Fatalf("run daily: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Errorf("a run with nothing to archive must still complete, got %s", report.Status)
	}
	if report.Archived != 0 {
		t.Errorf("expected 0 archived, got %d", report.Archived)
	}

	found := false
	for _, s := range report.Steps {
		if s.Name == "archive_eligible" {
			found = true
			if s.Detail != "0 archived" {
				t.Errorf("expected step detail \"0 archived\", got %q", s.Detail)
			}
		}
	}
	if !found {
		t.Error("run report must include the archive_eligible step")
	}
}

func TestRunDailyProvisionsAhead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.jobs.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	parts, err := f.archive.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	// current month + 3 ahead
	if len(parts) != 4 {
		t.Errorf("expected 4 provisioned partitions, got %d", len(parts))
	}
}

func TestRunDailyRecordsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.jobs.RunDaily(ctx)
	if err != nil {
		t.Fatalf("run daily: %v", err)
	}

	var status string
	var completed int64
	err = f.db.QueryRow(ctx, `
		SELECT status, completed_at FROM maintenance_runs WHERE run_id = ?`,
		report.RunID).Scan(&status, &completed)
	if err != nil {
		t.Fatalf("read run record: %v", err)
	}
	if status != RunStatusCompleted {
		t.Errorf("expected completed status in run record, got %s", status)
	}
	if completed == 0 {
		t.Error("run record must carry completed_at")
	}
}

func TestRunDailyRefreshesStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	insertDone(t, f, time.Now().AddDate(0, 0, -45))
	if _, err := f.jobs.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	var n int
	if err := f.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM partition_stats WHERE last_analyze IS NOT NULL`).Scan(&n); err != nil {
		t.Fatalf("read stats: %v", err)
	}
	// 16 active + 4 archive + 8 interaction partitions
	if n != 28 {
		t.Errorf("expected 28 analyzed partitions, got %d", n)
	}
}

func TestRunWeeklyVacuumAndStamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	insertDone(t, f, time.Now().AddDate(0, 0, -45))
	if _, err := f.jobs.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	report, err := f.jobs.RunWeekly(ctx)
	if err != nil {
		t.Fatalf("run weekly: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Errorf("expected completed run, got %s", report.Status)
	}

	var unstamped int
	if err := f.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM partition_stats WHERE last_vacuum IS NULL OR dead_rows != 0`).Scan(&unstamped); err != nil {
		t.Fatalf("read stats: %v", err)
	}
	if unstamped != 0 {
		t.Errorf("vacuum must stamp every stats row and clear dead rows, %d left", unstamped)
	}
}

func TestRunWeeklyRetentionDisabledKeepsPartitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.archive.CreatePartitionForMonth(ctx, 2020, time.January); err != nil {
		t.Fatalf("provision: %v", err)
	}

	report, err := f.jobs.RunWeekly(ctx)
	if err != nil {
		t.Fatalf("run weekly: %v", err)
	}
	if len(report.Dropped) != 0 {
		t.Errorf("retention disabled must never drop partitions, dropped %v", report.Dropped)
	}
	parts, err := f.archive.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	if len(parts) != 1 {
		t.Errorf("ancient partition must survive without retention, got %d partitions", len(parts))
	}
}

func TestRunWeeklyRetentionSnapshotsThenDrops(t *testing.T) {
	f := newFixture(t)
	f.jobs.cfg.Archival.RetentionMonths = 12
	ctx := context.Background()

	if err := f.archive.CreatePartitionForMonth(ctx, 2020, time.January); err != nil {
		t.Fatalf("provision: %v", err)
	}
	archivedAt := time.Date(2020, time.January, 10, 0, 0, 0, 0, time.UTC)
	completed := archivedAt.AddDate(0, 0, -40)
	it := &types.Item{
		ID: uuid.New(), UserID: testTenant, Title: "ancient",
		Status: types.StatusDone, Priority: 3, CompletedAt: &completed,
		CreatedAt: completed.AddDate(0, 0, -1), UpdatedAt: completed,
	}
	if err := f.archive.InsertArchived(ctx, it, archivedAt); err != nil {
		t.Fatalf("insert archived: %v", err)
	}

	report, err := f.jobs.RunWeekly(ctx)
	if err != nil {
		t.Fatalf("run weekly: %v", err)
	}
	if len(report.Dropped) != 1 || report.Dropped[0] != "todos_archive_y2020m01" {
		t.Fatalf("expected the 2020 partition dropped, got %v", report.Dropped)
	}

	// The snapshot must exist and carry the dropped rows.
	items, err := f.jobs.snap.Read(ctx, storage.ObjectPath("todos_archive_y2020m01"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(items) != 1 || items[0].ID != it.ID {
		t.Errorf("snapshot must hold the dropped partition's rows, got %d", len(items))
	}
}

func TestArchiveNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Provision the current month first.
	key := partition.MonthKeyFor(time.Now().UTC())
	if err := f.archive.CreatePartitionForMonth(ctx, key.Year, key.Month); err != nil {
		t.Fatalf("provision: %v", err)
	}

	it := insertDone(t, f, time.Now().AddDate(0, 0, -1))
	report, err := f.jobs.ArchiveNow(ctx, it.ID, testTenant)
	if err != nil {
		t.Fatalf("archive now: %v", err)
	}
	if report.Archived != 1 {
		t.Errorf("expected 1 archived, got %d", report.Archived)
	}
	if _, err := f.archive.Get(ctx, it.ID, testTenant); err != nil {
		t.Errorf("item must be in the archive: %v", err)
	}
}

func TestArchiveNowRejectsOpenItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	it := &types.Item{
		ID: uuid.New(), UserID: testTenant, Title: "open",
		Status: types.StatusTodo, Priority: 3,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := f.active.Insert(ctx, it); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err := f.jobs.ArchiveNow(ctx, it.ID, testTenant)
	if sterrors.GetCode(err) != sterrors.CodeMaintenanceJobFailed {
		t.Errorf("expected MAINTENANCE_JOB_FAILED, got %v", err)
	}

	var status string
	if err := f.db.QueryRow(ctx,
		`SELECT status FROM maintenance_runs ORDER BY run_id DESC LIMIT 1`).Scan(&status); err != nil {
		t.Fatalf("read run record: %v", err)
	}
	if status != RunStatusFailed {
		t.Errorf("failed run must be recorded as failed, got %s", status)
	}
}

func TestRunDailyReconcilesCrossMonthDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jan := time.Date(2026, time.January, 20, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, time.February, 15, 0, 0, 0, 0, time.UTC)

	// A January run copied the item into the archive and died before
	// deleting the active row.
	it := insertDone(t, f, jan.AddDate(0, 0, -40))
	if err := f.archive.CreatePartitionForMonth(ctx, 2026, time.January); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := f.archive.InsertArchived(ctx, it, jan); err != nil {
		t.Fatalf("insert archived: %v", err)
	}

	// The retry lands in the next month, where the per-partition primary
	// key alone would not catch the duplicate.
	f.jobs.now = func() time.Time { return feb }
	report, err := f.jobs.RunDaily(ctx)
	if err != nil {
		t.Fatalf("run daily: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Fatalf("expected completed run, got %s", report.Status)
	}

	if _, err := f.active.Get(ctx, it.ID, testTenant); !sterrors.IsNotFound(err) {
		t.Errorf("stale active row must be removed, got %v", err)
	}

	var janCopies, febCopies int
	if err := f.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM todos_archive_y2026m01 WHERE id = ?`, it.ID.String()).Scan(&janCopies); err != nil {
		t.Fatalf("count january copies: %v", err)
	}
	if err := f.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM todos_archive_y2026m02 WHERE id = ?`, it.ID.String()).Scan(&febCopies); err != nil {
		t.Fatalf("count february copies: %v", err)
	}
	if janCopies != 1 || febCopies != 0 {
		t.Errorf("expected exactly one archive copy in january, got jan=%d feb=%d", janCopies, febCopies)
	}
}

func TestRunDailyRecordsPartitionSizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	insertDone(t, f, time.Now().AddDate(0, 0, -2))

	if _, err := f.jobs.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	var populated, empty int64
	if err := f.db.QueryRow(ctx,
		`SELECT size_bytes FROM partition_stats WHERE partition_name = 'todos_active_p09'`).Scan(&populated); err != nil {
		t.Fatalf("read stats: %v", err)
	}
	if populated <= 0 {
		t.Errorf("populated partition must report a size estimate, got %d", populated)
	}
	if err := f.db.QueryRow(ctx,
		`SELECT size_bytes FROM partition_stats WHERE partition_name = 'todos_active_p00'`).Scan(&empty); err != nil {
		t.Fatalf("read stats: %v", err)
	}
	if empty != 0 {
		t.Errorf("empty partition must report zero size, got %d", empty)
	}
}

func TestRestoreSnapshotsReloadsDroppedPartition(t *testing.T) {
	f := newFixture(t)
	f.jobs.cfg.Archival.RetentionMonths = 12
	ctx := context.Background()

	if err := f.archive.CreatePartitionForMonth(ctx, 2020, time.January); err != nil {
		t.Fatalf("provision: %v", err)
	}
	archivedAt := time.Date(2020, time.January, 10, 0, 0, 0, 0, time.UTC)
	completed := archivedAt.AddDate(0, 0, -40)
	it := &types.Item{
		ID: uuid.New(), UserID: testTenant, Title: "ancient",
		Status: types.StatusDone, Priority: 3, CompletedAt: &completed,
		CreatedAt: completed.AddDate(0, 0, -1), UpdatedAt: completed,
	}
	if err := f.archive.InsertArchived(ctx, it, archivedAt); err != nil {
		t.Fatalf("insert archived: %v", err)
	}

	if _, err := f.jobs.RunWeekly(ctx); err != nil {
		t.Fatalf("run weekly: %v", err)
	}
	parts, err := f.archive.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("retention must drop the partition first, %d left", len(parts))
	}

	report, err := f.jobs.RestoreSnapshots(ctx, nil)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Fatalf("expected completed restore, got %s", report.Status)
	}

	parts, err = f.archive.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	if len(parts) != 1 || parts[0].Name != "todos_archive_y2020m01" {
		t.Fatalf("expected the 2020 partition back, got %v", parts)
	}
	got, err := f.archive.Get(ctx, it.ID, testTenant)
	if err != nil {
		t.Fatalf("get restored item: %v", err)
	}
	if got.ArchivedAt == nil || !got.ArchivedAt.Equal(archivedAt) {
		t.Errorf("restored item must keep its original archived_at, got %v", got.ArchivedAt)
	}

	// Rerunning the restore skips the rows already present.
	if _, err := f.jobs.RestoreSnapshots(ctx, nil); err != nil {
		t.Fatalf("second restore: %v", err)
	}
	var n int
	if err := f.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM todos_archive_y2020m01`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 1 {
		t.Errorf("restore must be idempotent, got %d rows", n)
	}
}
