package store

import (
	"fmt"
	"time"
)

// Schema contains the SQL definitions for the partitioned layout. Each
// physical partition is its own table; the check constraints mirror the
// ones the original partitioned schema carried (status domain, priority
// range, depth bound, completed_at iff done).

// itemColumnsSQL is the column set shared by active and archive partitions.
// Timestamps are unix nanoseconds; uuids are stored as text.
const itemColumnsSQL = `
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    project_id TEXT,
    parent_id TEXT,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'todo',
    priority INTEGER NOT NULL DEFAULT 3,
    depth INTEGER NOT NULL DEFAULT 0,
    due_date INTEGER,
    completed_at INTEGER,
    ai_generated INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL`

// itemChecksSQL carries the invariants the original partitioned schema
// enforced as check constraints.
const itemChecksSQL = `
    CHECK (status IN ('todo', 'in_progress', 'done')),
    CHECK (priority BETWEEN 1 AND 5),
    CHECK (depth BETWEEN 0 AND 10),
    CHECK ((status = 'done') = (completed_at IS NOT NULL))`

// ActivePartitionName returns the table name of active partition idx.
func ActivePartitionName(idx int) string {
	return fmt.Sprintf("todos_active_p%02d", idx)
}

// CreateActivePartitionSQL returns the DDL for one active partition.
func CreateActivePartitionSQL(idx int) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s,%s\n)", ActivePartitionName(idx), itemColumnsSQL, itemChecksSQL)
}

// CreateActivePartitionIndexSQL returns the pruning indexes for one active
// partition. Every per-tenant query leads with user_id.
func CreateActivePartitionIndexSQL(idx int) []string {
	name := ActivePartitionName(idx)
	return []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user_status ON %s(user_id, status)`, name, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user_parent ON %s(user_id, parent_id)`, name, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user_due ON %s(user_id, due_date)`, name, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_completed ON %s(status, completed_at)`, name, name),
	}
}

// ArchivePartitionName returns the table name of the monthly archive
// partition, e.g. todos_archive_y2025m09.
func ArchivePartitionName(year, month int) string {
	return fmt.Sprintf("todos_archive_y%04dm%02d", year, month)
}

// ParseArchivePartitionName extracts the year and month from a partition
// name produced by ArchivePartitionName.
func ParseArchivePartitionName(name string) (int, time.Month, error) {
	var year, month int
	if _, err := fmt.Sscanf(name, "todos_archive_y%dm%d", &year, &month); err != nil {
		return 0, 0, fmt.Errorf("store: malformed archive partition name %q", name)
	}
	if month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("store: malformed archive partition name %q", name)
	}
	return year, time.Month(month), nil
}

// CreateArchivePartitionSQL returns the DDL for one monthly archive
// partition. The range check keeps every row inside its window, the same
// guarantee a native range partition gives.
func CreateArchivePartitionSQL(name string, rangeStartNs, rangeEndNs int64) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s,
    archived_at INTEGER NOT NULL,%s,
    CHECK (archived_at >= %d AND archived_at < %d)
)`, name, itemColumnsSQL, itemChecksSQL, rangeStartNs, rangeEndNs)
}

// CreateArchivePartitionIndexSQL returns the indexes for one archive
// partition.
func CreateArchivePartitionIndexSQL(name string) []string {
	return []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id, archived_at)`, name, name),
	}
}

// CreateArchiveRegistrySQL creates the registry of provisioned archive
// partitions. Provisioning is an explicit, auditable step; inserts consult
// the registry instead of auto-creating tables.
const CreateArchiveRegistrySQL = `
CREATE TABLE IF NOT EXISTS archive_partitions (
    partition_name TEXT PRIMARY KEY,
    range_start INTEGER NOT NULL,
    range_end INTEGER NOT NULL,
    created_at INTEGER NOT NULL
)`

// InteractionPartitionName returns the table name of interaction partition
// idx.
func InteractionPartitionName(idx int) string {
	return fmt.Sprintf("ai_interactions_p%d", idx)
}

// CreateInteractionPartitionSQL returns the DDL for one interaction-log
// partition. todo_id is a logical reference, not a foreign key: it may
// point across partition boundaries.
func CreateInteractionPartitionSQL(idx int) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    todo_id TEXT NOT NULL,
    interaction_type TEXT NOT NULL,
    prompt TEXT NOT NULL,
    response TEXT NOT NULL,
    subtasks_generated INTEGER NOT NULL DEFAULT 0,
    model_used TEXT,
    created_at INTEGER NOT NULL
)`, InteractionPartitionName(idx))
}

// CreateInteractionPartitionIndexSQL returns the indexes for one
// interaction partition.
func CreateInteractionPartitionIndexSQL(idx int) []string {
	name := InteractionPartitionName(idx)
	return []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user_todo ON %s(user_id, todo_id)`, name, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user_created ON %s(user_id, created_at)`, name, name),
	}
}

// CreateMigrationProgressSQL creates the migration progress records, one
// row per batch. The (last_created_at, last_id) pair is the resume cursor.
const CreateMigrationProgressSQL = `
CREATE TABLE IF NOT EXISTS migration_progress (
    batch_id INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_start_offset INTEGER NOT NULL,
    rows_processed INTEGER NOT NULL DEFAULT 0,
    last_created_at INTEGER,
    last_id TEXT,
    started_at INTEGER NOT NULL,
    completed_at INTEGER,
    status TEXT NOT NULL DEFAULT 'running'
)`

// CreateMaintenanceRunsSQL creates the maintenance run history, the audit
// trail the health monitor reads.
const CreateMaintenanceRunsSQL = `
CREATE TABLE IF NOT EXISTS maintenance_runs (
    run_id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_name TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    completed_at INTEGER,
    status TEXT NOT NULL DEFAULT 'running',
    details TEXT
)`

// CreatePartitionStatsSQL creates the per-partition statistics table
// refreshed by the maintenance jobs and read by the health monitor.
const CreatePartitionStatsSQL = `
CREATE TABLE IF NOT EXISTS partition_stats (
    partition_name TEXT PRIMARY KEY,
    store TEXT NOT NULL,
    row_count INTEGER NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    dead_rows INTEGER NOT NULL DEFAULT 0,
    last_vacuum INTEGER,
    last_analyze INTEGER,
    updated_at INTEGER NOT NULL
)`

// CreateLegacyTableSQL creates the monolithic legacy table the migration
// engine reads from. In production it already exists; tests provision it.
const CreateLegacyTableSQL = `
CREATE TABLE IF NOT EXISTS todos (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    project_id TEXT,
    parent_id TEXT,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'todo',
    priority INTEGER NOT NULL DEFAULT 3,
    due_date INTEGER,
    completed_at INTEGER,
    ai_generated INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// FixedSchemaSQL returns the statements that do not depend on partition
// counts.
func FixedSchemaSQL() []string {
	return []string{
		CreateArchiveRegistrySQL,
		CreateMigrationProgressSQL,
		CreateMaintenanceRunsSQL,
		CreatePartitionStatsSQL,
	}
}
