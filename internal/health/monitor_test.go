package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardtask/shardtask/internal/config"
	"github.com/shardtask/shardtask/internal/partition"
	"github.com/shardtask/shardtask/internal/store"
)

func newTestMonitor(t *testing.T) (*Monitor, *store.DB) {
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

	cfg := config.DefaultConfig()
	return NewMonitor(db, cfg, zerolog.Nop()), db
}

func provisionMonth(t *testing.T, db *store.DB, year int, month time.Month) {
	t.Helper()
	key := partition.MonthKey{Year: year, Month: month}
	name := store.ArchivePartitionName(year, int(month))
	_, err := db.Exec(context.Background(), `
		INSERT INTO archive_partitions (partition_name, range_start, range_end, created_at)
		VALUES (?, ?, ?, ?)`,
		name, key.Start().UnixNano(), key.End().UnixNano(), time.Now().UnixNano())
	if err != nil {
		t.Fatalf("register partition: %v", err)
	}
}

func upsertStats(t *testing.T, db *store.DB, name string, rowCount, deadRows int64, lastAnalyze time.Time) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO partition_stats (partition_name, store, row_count, dead_rows, last_analyze, updated_at)
		VALUES (?, 'active', ?, ?, ?, ?)`,
		name, rowCount, deadRows, lastAnalyze.UnixNano(), time.Now().UnixNano())
	if err != nil {
		t.Fatalf("upsert stats: %v", err)
	}
}

func TestCheckFlagsMissingNextMonthPartition(t *testing.T) {
	m, _ := newTestMonitor(t)

	report, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Healthy {
		t.Error("missing next-month partition must make the report unhealthy")
	}

	found := false
	for _, issue := range report.Issues {
		if issue.Severity == SeverityCritical && issue.Message == "next month's archive partition is not provisioned" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected missing-partition issue, got %v", report.Issues)
	}
}

func TestCheckHealthyWithProvisionedPartition(t *testing.T) {
	m, db := newTestMonitor(t)

	next := partition.MonthKeyFor(time.Now().UTC()).Next()
	provisionMonth(t, db, next.Year, next.Month)

	report, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Healthy {
		t.Errorf("expected healthy report, issues: %v", report.Issues)
	}
}

func TestCheckFlagsStaleStatistics(t *testing.T) {
	m, db := newTestMonitor(t)

	next := partition.MonthKeyFor(time.Now().UTC()).Next()
	provisionMonth(t, db, next.Year, next.Month)
	upsertStats(t, db, "todos_active_p00", 100, 0, time.Now().AddDate(0, 0, -10))

	report, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	// Stale stats are a warning, not an outage.
	if !report.Healthy {
		t.Error("stale statistics alone must not make the report unhealthy")
	}
	if len(report.Issues) != 1 || report.Issues[0].Partition != "todos_active_p00" {
		t.Errorf("expected one stale-stats issue, got %v", report.Issues)
	}
}

func TestCheckFlagsDeadRowRatio(t *testing.T) {
	m, db := newTestMonitor(t)

	next := partition.MonthKeyFor(time.Now().UTC()).Next()
	provisionMonth(t, db, next.Year, next.Month)
	upsertStats(t, db, "todos_active_p09", 100, 30, time.Now())

	report, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Partition == "todos_active_p09" && issue.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("expected dead-row issue for p09, got %v", report.Issues)
	}
}

func TestCheckFlagsFailedRun(t *testing.T) {
	m, db := newTestMonitor(t)
	ctx := context.Background()

	next := partition.MonthKeyFor(time.Now().UTC()).Next()
	provisionMonth(t, db, next.Year, next.Month)

	now := time.Now().UnixNano()
	if _, err := db.Exec(ctx, `
		INSERT INTO maintenance_runs (job_name, started_at, completed_at, status)
		VALUES ('daily', ?, ?, 'failed')`, now, now); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	report, err := m.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Healthy {
		t.Error("a failed last run must make the report unhealthy")
	}
}

func TestCheckFailedRunClearedBySuccess(t *testing.T) {
	m, db := newTestMonitor(t)
	ctx := context.Background()

	next := partition.MonthKeyFor(time.Now().UTC()).Next()
	provisionMonth(t, db, next.Year, next.Month)

	now := time.Now().UnixNano()
	for _, status := range []string{"failed", "completed"} {
		if _, err := db.Exec(ctx, `
			INSERT INTO maintenance_runs (job_name, started_at, completed_at, status)
			VALUES ('daily', ?, ?, ?)`, now, now, status); err != nil {
			t.Fatalf("insert run: %v", err)
		}
	}

	report, err := m.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Healthy {
		t.Errorf("a later successful run must clear the failure, issues: %v", report.Issues)
	}
}

func TestPartitionStatisticsOrdered(t *testing.T) {
	m, db := newTestMonitor(t)

	upsertStats(t, db, "todos_active_p09", 10, 0, time.Now())
	upsertStats(t, db, "todos_active_p01", 20, 0, time.Now())

	stats, err := m.PartitionStatistics(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 || stats[0].PartitionName != "todos_active_p01" {
		t.Errorf("expected stats ordered by name, got %v", stats)
	}
}

func TestPartitionStatisticsReportSize(t *testing.T) {
	m, db := newTestMonitor(t)

	now := time.Now().UnixNano()
	if _, err := db.Exec(context.Background(), `
		INSERT INTO partition_stats (partition_name, store, row_count, size_bytes, last_analyze, updated_at)
		VALUES ('todos_active_p09', 'active', 10, 4096, ?, ?)`, now, now); err != nil {
		t.Fatalf("upsert stats: %v", err)
	}

	stats, err := m.PartitionStatistics(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 1 || stats[0].SizeBytes != 4096 {
		t.Errorf("size_bytes must surface in partition statistics, got %v", stats)
	}
}
