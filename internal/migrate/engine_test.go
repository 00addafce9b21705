package migrate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	sterrors "github.com/shardtask/shardtask/internal/errors"
	"github.com/shardtask/shardtask/internal/partition"
	"github.com/shardtask/shardtask/internal/store"
	"github.com/shardtask/shardtask/pkg/types"
)

var testTenant = uuid.MustParse("40e142fd-1038-48e6-93ae-15edba5c5c43")

func newTestEngine(t *testing.T) (*Engine, *store.DB, *store.ActiveStore, *store.ArchiveStore) {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "todos.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	router, err := partition.NewRouter(partition.DefaultActivePartitions)
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

	e := NewEngine(db, active, archive, 30*24*time.Hour, zerolog.Nop())
	if err := e.EnsureLegacyTable(ctx); err != nil {
		t.Fatalf("ensure legacy table: %v", err)
	}
	return e, db, active, archive
}

// seedLegacy inserts n legacy rows with ascending created_at, all open.
func seedLegacy(t *testing.T, db *store.DB, tenant uuid.UUID, n int) []uuid.UUID {
	t.Helper()
	base := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		ids[i] = uuid.New()
		insertLegacy(t, db, legacySeed{
			id:        ids[i],
			tenant:    tenant,
			title:     fmt.Sprintf("legacy %d", i),
			status:    types.StatusTodo,
			createdAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	return ids
}

type legacySeed struct {
	id          uuid.UUID
	tenant      uuid.UUID
	parentID    *uuid.UUID
	title       string
	status      types.Status
	completedAt *time.Time
	createdAt   time.Time
}

func insertLegacy(t *testing.T, db *store.DB, s legacySeed) {
	t.Helper()
	var parent, completed interface{}
	if s.parentID != nil {
		parent = s.parentID.String()
	}
	if s.completedAt != nil {
		completed = s.completedAt.UTC().UnixNano()
	}
	_, err := db.Exec(context.Background(), `
		INSERT INTO todos (id, user_id, parent_id, title, status, priority, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 3, ?, ?, ?)`,
		s.id.String(), s.tenant.String(), parent, s.title, string(s.status),
		completed, s.createdAt.UnixNano(), s.createdAt.UnixNano())
	if err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
}

func TestRunDrainsInBatches(t *testing.T) {
	e, db, active, _ := newTestEngine(t)
	ctx := context.Background()

	seedLegacy(t, db, testTenant, 17)

	result, err := e.Run(ctx, 5, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RowsMigrated != 17 {
		t.Errorf("expected 17 rows migrated, got %d", result.RowsMigrated)
	}
	if result.BatchesRun != 4 {
		t.Errorf("expected 4 batches (5+5+5+2), got %d", result.BatchesRun)
	}
	if !result.Done {
		t.Error("expected migration to report done")
	}

	n, err := active.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 17 {
		t.Errorf("expected 17 rows in the active store, got %d", n)
	}

	// The legacy table is never modified.
	var legacy int64
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM todos`).Scan(&legacy); err != nil {
		t.Fatalf("count legacy: %v", err)
	}
	if legacy != 17 {
		t.Errorf("legacy table must keep its 17 rows, has %d", legacy)
	}
}

func TestRunResumesFromCursor(t *testing.T) {
	e, db, active, _ := newTestEngine(t)
	ctx := context.Background()

	seedLegacy(t, db, testTenant, 12)

	first, err := e.Run(ctx, 5, 1)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.RowsMigrated != 5 || first.Done {
		t.Fatalf("expected one partial batch of 5, got %+v", first)
	}

	second, err := e.Run(ctx, 5, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.RowsMigrated != 7 || !second.Done {
		t.Fatalf("expected remaining 7 rows, got %+v", second)
	}

	n, err := active.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 12 {
		t.Errorf("expected 12 rows total, got %d", n)
	}
}

func TestRunIsIdempotentOverMigratedRows(t *testing.T) {
	e, db, active, _ := newTestEngine(t)
	ctx := context.Background()

	seedLegacy(t, db, testTenant, 6)

	if _, err := e.Run(ctx, 10, 0); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Wipe the cursor so the second run re-reads from the start.
	if _, err := db.Exec(ctx, `DELETE FROM migration_progress`); err != nil {
		t.Fatalf("reset cursor: %v", err)
	}

	result, err := e.Run(ctx, 10, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.RowsMigrated != 0 || result.RowsSkipped != 6 {
		t.Errorf("expected all 6 rows skipped, got %+v", result)
	}
	n, err := active.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 6 {
		t.Errorf("expected no duplicates, got %d rows", n)
	}
}

func TestRunRoutesOldDoneRowsToArchive(t *testing.T) {
	e, db, active, archive := newTestEngine(t)
	ctx := context.Background()

	now := time.Now().UTC()
	oldDone := now.AddDate(0, 0, -90)
	freshDone := now.AddDate(0, 0, -3)

	insertLegacy(t, db, legacySeed{
		id: uuid.New(), tenant: testTenant, title: "long done",
		status: types.StatusDone, completedAt: &oldDone,
		createdAt: now.AddDate(0, 0, -100),
	})
	insertLegacy(t, db, legacySeed{
		id: uuid.New(), tenant: testTenant, title: "just done",
		status: types.StatusDone, completedAt: &freshDone,
		createdAt: now.AddDate(0, 0, -10),
	})

	if _, err := e.Run(ctx, 10, 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	archived, err := archive.Count(ctx)
	if err != nil {
		t.Fatalf("archive count: %v", err)
	}
	if archived != 1 {
		t.Errorf("expected 1 row in archive, got %d", archived)
	}
	activeN, err := active.Count(ctx)
	if err != nil {
		t.Fatalf("active count: %v", err)
	}
	if activeN != 1 {
		t.Errorf("expected 1 row in active, got %d", activeN)
	}
}

func TestRunDerivesDepth(t *testing.T) {
	e, db, active, _ := newTestEngine(t)
	ctx := context.Background()

	base := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	rootID := uuid.New()
	childID := uuid.New()
	insertLegacy(t, db, legacySeed{
		id: rootID, tenant: testTenant, title: "root",
		status: types.StatusTodo, createdAt: base,
	})
	insertLegacy(t, db, legacySeed{
		id: childID, tenant: testTenant, parentID: &rootID, title: "child",
		status: types.StatusTodo, createdAt: base.Add(time.Hour),
	})

	if _, err := e.Run(ctx, 10, 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	child, err := active.Get(ctx, childID, testTenant)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.Depth != 1 {
		t.Errorf("expected derived depth 1, got %d", child.Depth)
	}
}

func TestRunHaltsOnCancelledContext(t *testing.T) {
	e, db, _, _ := newTestEngine(t)

	seedLegacy(t, db, testTenant, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, 2, 0)
	if sterrors.GetCode(err) != sterrors.CodeMigrationHalted {
		t.Errorf("expected MIGRATION_HALTED, got %v", err)
	}
}

func TestValidatePassesAfterFullMigration(t *testing.T) {
	e, db, _, _ := newTestEngine(t)
	ctx := context.Background()

	seedLegacy(t, db, testTenant, 8)
	now := time.Now().UTC()
	oldDone := now.AddDate(0, 0, -60)
	insertLegacy(t, db, legacySeed{
		id: uuid.New(), tenant: testTenant, title: "archived en route",
		status: types.StatusDone, completedAt: &oldDone,
		createdAt: now.AddDate(0, 0, -70),
	})

	if _, err := e.Run(ctx, 5, 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	report, err := e.Validate(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Passed() {
		t.Errorf("expected all checks to pass, got %+v", report.Checks)
	}
}

func TestValidateFailsOnIncompleteMigration(t *testing.T) {
	e, db, _, _ := newTestEngine(t)
	ctx := context.Background()

	seedLegacy(t, db, testTenant, 10)

	// Migrate only half.
	if _, err := e.Run(ctx, 5, 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	report, err := e.Validate(ctx)
	if sterrors.GetCode(err) != sterrors.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
	if report == nil || report.Passed() {
		t.Error("report must carry the failing checks")
	}
}
