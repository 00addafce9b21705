// Package maintenance runs the recurring background jobs: daily archival
// and partition provisioning, weekly vacuum and retention. Every run is
// recorded in maintenance_runs so failures surface in the next health check
// instead of silently retrying.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
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

// Job names recorded in maintenance_runs.
const (
	JobDaily   = "daily"
	JobWeekly  = "weekly"
	JobManual  = "manual_archive"
	JobRestore = "restore_snapshots"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// StepResult records one step of a maintenance run.
type StepResult struct {
	Name   string `json:"name"`
	Detail string `json:"detail"`
}

// RunReport summarizes one completed maintenance run.
type RunReport struct {
	RunID    int64
	Job      string
	Status   string
	Steps    []StepResult
	Archived int
	Dropped  []string
}

// Jobs implements the maintenance operations over the partitioned stores.
type Jobs struct {
	db           *store.DB
	active       *store.ActiveStore
	archive      *store.ArchiveStore
	interactions *store.InteractionStore
	snap         *storage.Snapshotter
	cfg          *config.Config
	log          zerolog.Logger
	now          func() time.Time
}

// NewJobs creates the maintenance job set. snap may be nil when snapshot
// export is not configured; retention drops then proceed without export.
func NewJobs(db *store.DB, active *store.ActiveStore, archive *store.ArchiveStore, interactions *store.InteractionStore, snap *storage.Snapshotter, cfg *config.Config, logger zerolog.Logger) *Jobs {
	return &Jobs{
		db:           db,
		active:       active,
		archive:      archive,
		interactions: interactions,
		snap:         snap,
		cfg:          cfg,
		log:          logger.With().Str("component", "maintenance").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// RunDaily provisions upcoming archive partitions, moves eligible completed
// items to the archive, and refreshes partition statistics. A run with
// nothing to archive still completes normally.
func (j *Jobs) RunDaily(ctx context.Context) (*RunReport, error) {
	report, finish, err := j.beginRun(ctx, JobDaily)
	if err != nil {
		return nil, err
	}

	if err := j.step(report, "provision_partitions", func() (string, error) {
		n, err := j.provisionAhead(ctx)
		return fmt.Sprintf("%d partitions ensured", n), err
	}); err != nil {
		return report, finish(err)
	}

	if err := j.step(report, "archive_eligible", func() (string, error) {
		n, err := j.archiveEligible(ctx)
		report.Archived = n
		return fmt.Sprintf("%d archived", n), err
	}); err != nil {
		return report, finish(err)
	}

	if err := j.step(report, "refresh_statistics", func() (string, error) {
		n, err := j.refreshStatistics(ctx)
		return fmt.Sprintf("%d partitions analyzed", n), err
	}); err != nil {
		return report, finish(err)
	}

	return report, finish(nil)
}

// RunWeekly vacuums the database and, when retention is configured,
// snapshots and drops archive partitions past the retention window.
// Retention disabled means partitions are kept forever.
func (j *Jobs) RunWeekly(ctx context.Context) (*RunReport, error) {
	report, finish, err := j.beginRun(ctx, JobWeekly)
	if err != nil {
		return nil, err
	}

	if err := j.step(report, "vacuum", func() (string, error) {
		if err := j.db.Vacuum(ctx); err != nil {
			return "", err
		}
		return "vacuum completed", j.stampVacuum(ctx)
	}); err != nil {
		return report, finish(err)
	}

	if j.cfg.RetentionEnabled() {
		if err := j.step(report, "retention", func() (string, error) {
			dropped, err := j.applyRetention(ctx)
			report.Dropped = dropped
			return fmt.Sprintf("%d partitions dropped", len(dropped)), err
		}); err != nil {
			return report, finish(err)
		}
	}

	return report, finish(nil)
}

// ArchiveNow archives one completed item immediately, outside the daily
// cadence. The target month's partition must already be provisioned.
func (j *Jobs) ArchiveNow(ctx context.Context, id, tenantKey uuid.UUID) (*RunReport, error) {
	report, finish, err := j.beginRun(ctx, JobManual)
	if err != nil {
		return nil, err
	}

	if err := j.step(report, "archive_item", func() (string, error) {
		it, err := j.active.Get(ctx, id, tenantKey)
		if err != nil {
			return "", err
		}
		if it.Status != types.StatusDone {
			return "", sterrors.NewConstraintViolation(
				fmt.Sprintf("item %s is %s, only done items can be archived", id, it.Status), nil)
		}
		if err := j.moveToArchive(ctx, it, j.now()); err != nil {
			return "", err
		}
		report.Archived = 1
		return fmt.Sprintf("item %s archived", id), nil
	}); err != nil {
		return report, finish(err)
	}

	return report, finish(nil)
}

// ListSnapshots returns the object paths of every stored partition
// snapshot.
func (j *Jobs) ListSnapshots(ctx context.Context) ([]string, error) {
	if j.snap == nil {
		return nil, sterrors.NewMaintenanceJobFailed("snapshot storage is not configured", nil)
	}
	return j.snap.List(ctx)
}

// RestoreSnapshots re-provisions archive partitions from their snapshots
// and reloads their rows. names are partition names; an empty list restores
// every stored snapshot. Rows already present in the archive are skipped,
// so a restore can be rerun safely.
func (j *Jobs) RestoreSnapshots(ctx context.Context, names []string) (*RunReport, error) {
	report, finish, err := j.beginRun(ctx, JobRestore)
	if err != nil {
		return nil, err
	}

	if err := j.step(report, "restore_snapshots", func() (string, error) {
		partitions, rows, err := j.restoreSnapshots(ctx, names)
		return fmt.Sprintf("%d rows restored across %d partitions", rows, partitions), err
	}); err != nil {
		return report, finish(err)
	}

	return report, finish(nil)
}

func (j *Jobs) restoreSnapshots(ctx context.Context, names []string) (int, int, error) {
	if j.snap == nil {
		return 0, 0, sterrors.NewMaintenanceJobFailed("snapshot storage is not configured", nil)
	}

	objects := make([]string, 0, len(names))
	if len(names) == 0 {
		var err error
		objects, err = j.snap.List(ctx)
		if err != nil {
			return 0, 0, err
		}
	} else {
		for _, name := range names {
			objects = append(objects, storage.ObjectPath(name))
		}
	}

	loaded, errs, err := j.snap.ReadMany(ctx, objects)
	if err != nil {
		return 0, 0, err
	}
	for object, readErr := range errs {
		return 0, 0, fmt.Errorf("snapshot %s: %w", object, readErr)
	}

	partitions, rows := 0, 0
	for object, items := range loaded {
		name := storage.PartitionNameFromObject(object)
		year, month, err := store.ParseArchivePartitionName(name)
		if err != nil {
			return partitions, rows, err
		}
		if err := j.archive.CreatePartitionForMonth(ctx, year, month); err != nil {
			return partitions, rows, err
		}

		for _, it := range items {
			archived, err := j.archive.ContainsID(ctx, it.ID)
			if err != nil {
				return partitions, rows, err
			}
			if archived {
				continue
			}
			archivedAt := partition.MonthKey{Year: year, Month: month}.Start()
			if it.ArchivedAt != nil {
				archivedAt = *it.ArchivedAt
			}
			if err := j.archive.InsertArchived(ctx, it, archivedAt); err != nil {
				return partitions, rows, err
			}
			rows++
		}
		partitions++
		j.log.Info().Str("partition", name).Int("rows", len(items)).Msg("partition restored from snapshot")
	}
	return partitions, rows, nil
}

// provisionAhead ensures the current month plus the configured number of
// future months all have archive partitions.
func (j *Jobs) provisionAhead(ctx context.Context) (int, error) {
	key := partition.MonthKeyFor(j.now())
	months := j.cfg.Archival.ProvisionAheadMonths + 1
	for i := 0; i < months; i++ {
		if err := j.archive.CreatePartitionForMonth(ctx, key.Year, key.Month); err != nil {
			return i, err
		}
		key = key.Next()
	}
	return months, nil
}

// archiveEligible moves completed items past the age threshold into the
// archive, batch by batch. Each item is copied before its active row is
// deleted; a crash between the two leaves a duplicate that the next run
// reconciles in favor of the archive copy.
func (j *Jobs) archiveEligible(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.cfg.ArchivalAge())
	batchSize := j.cfg.Archival.BatchSize
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		eligible, err := j.active.EligibleForArchival(ctx, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		if len(eligible) == 0 {
			return total, nil
		}
		for _, it := range eligible {
			if err := j.moveToArchive(ctx, it, j.now()); err != nil {
				return total, err
			}
			total++
		}
		if len(eligible) < batchSize {
			return total, nil
		}
	}
}

// moveToArchive copies one item into the archive, then removes its active
// row. Archive membership is checked across all partitions first: a crash between
// a previous run's copy and delete leaves the item in both stores, and the
// retry may fall in a later month where the per-partition primary key would
// not reject a second copy. An already-archived item keeps its original
// archive row and only loses the stale active one.
func (j *Jobs) moveToArchive(ctx context.Context, it *types.Item, archivedAt time.Time) error {
	archived, err := j.archive.ContainsID(ctx, it.ID)
	if err != nil {
		return err
	}
	if archived {
		j.log.Warn().Str("item", it.ID.String()).
			Msg("item already archived, removing stale active row")
		return j.active.DeleteRow(ctx, it.ID, it.UserID)
	}
	if err := j.archive.InsertArchived(ctx, it, archivedAt); err != nil {
		return err
	}
	return j.active.DeleteRow(ctx, it.ID, it.UserID)
}

// refreshStatistics re-analyzes every partition and updates its stats row.
// SQLite only reports exact per-table pages through the dbstat virtual
// table, which the driver does not compile in, so size_bytes is the file
// size apportioned by each partition's row share.
func (j *Jobs) refreshStatistics(ctx context.Context) (int, error) {
	type part struct {
		name  string
		store string
		rows  int64
	}
	var parts []part
	for _, name := range j.active.PartitionNames() {
		parts = append(parts, part{name: name, store: "active"})
	}
	archiveParts, err := j.archive.Partitions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range archiveParts {
		parts = append(parts, part{name: p.Name, store: "archive"})
	}
	for i := 0; i < j.cfg.InteractionPartitionCount; i++ {
		parts = append(parts, part{name: store.InteractionPartitionName(i), store: "interactions"})
	}

	var totalRows int64
	for i := range parts {
		if err := j.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", parts[i].name)).Scan(&parts[i].rows); err != nil {
			return 0, sterrors.NewInternalError("count partition "+parts[i].name, err)
		}
		if err := j.db.Analyze(ctx, parts[i].name); err != nil {
			return 0, sterrors.NewInternalError("analyze partition "+parts[i].name, err)
		}
		totalRows += parts[i].rows
	}

	totalBytes, err := j.db.SizeBytes(ctx)
	if err != nil {
		return 0, sterrors.NewInternalError("read database size", err)
	}

	nowNs := j.now().UnixNano()
	for _, p := range parts {
		var sizeBytes int64
		if totalRows > 0 {
			sizeBytes = totalBytes * p.rows / totalRows
		}
		if _, err := j.db.Exec(ctx, `
			INSERT INTO partition_stats (partition_name, store, row_count, size_bytes, last_analyze, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(partition_name) DO UPDATE SET
				store = excluded.store,
				row_count = excluded.row_count,
				size_bytes = excluded.size_bytes,
				last_analyze = excluded.last_analyze,
				updated_at = excluded.updated_at`,
			p.name, p.store, p.rows, sizeBytes, nowNs, nowNs); err != nil {
			return 0, sterrors.NewInternalError("update partition stats", err)
		}
	}
	return len(parts), nil
}

// stampVacuum records the vacuum in every stats row and clears the
// dead-row counters the vacuum just reclaimed.
func (j *Jobs) stampVacuum(ctx context.Context) error {
	nowNs := j.now().UnixNano()
	_, err := j.db.Exec(ctx, `
		UPDATE partition_stats SET last_vacuum = ?, dead_rows = 0, updated_at = ?`,
		nowNs, nowNs)
	if err != nil {
		return sterrors.NewInternalError("stamp vacuum", err)
	}
	return nil
}

// applyRetention snapshots then drops every archive partition wholly older
// than the retention window. Export failures abort before anything is
// dropped.
func (j *Jobs) applyRetention(ctx context.Context) ([]string, error) {
	now := j.now()
	cutoff := now.AddDate(0, -j.cfg.Archival.RetentionMonths, 0)

	parts, err := j.archive.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	if j.snap != nil {
		for _, p := range parts {
			if p.RangeEnd.After(cutoff) {
				continue
			}
			rows, err := j.archive.ExportPartition(ctx, p.Name)
			if err != nil {
				return nil, err
			}
			if _, err := j.snap.Export(ctx, p.Name, rows); err != nil {
				return nil, err
			}
		}
	}
	return j.archive.DropPartitionsOlderThan(ctx, j.cfg.Archival.RetentionMonths, now)
}

// step runs one named step and records its outcome in the report.
func (j *Jobs) step(report *RunReport, name string, fn func() (string, error)) error {
	detail, err := fn()
	if err != nil {
		report.Steps = append(report.Steps, StepResult{Name: name, Detail: err.Error()})
		return sterrors.NewMaintenanceJobFailed(
			fmt.Sprintf("%s job failed at step %s", report.Job, name), err).
			WithDetails(map[string]interface{}{"step": name})
	}
	report.Steps = append(report.Steps, StepResult{Name: name, Detail: detail})
	j.log.Info().Str("job", report.Job).Str("step", name).Str("detail", detail).Msg("maintenance step completed")
	return nil
}

// beginRun inserts the running record and returns a finish callback that
// stamps the terminal status. Failed runs are not retried automatically;
// the failure stays visible to the health monitor until the next scheduled
// run succeeds.
func (j *Jobs) beginRun(ctx context.Context, job string) (*RunReport, func(error) error, error) {
	res, err := j.db.Exec(ctx, `
		INSERT INTO maintenance_runs (job_name, started_at, status)
		VALUES (?, ?, ?)`, job, j.now().UnixNano(), RunStatusRunning)
	if err != nil {
		return nil, nil, sterrors.NewInternalError("record run start", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, sterrors.NewInternalError("record run start", err)
	}

	report := &RunReport{RunID: runID, Job: job, Status: RunStatusRunning}

	finish := func(runErr error) error {
		status := RunStatusCompleted
		if runErr != nil {
			status = RunStatusFailed
		}
		report.Status = status

		details, _ := json.Marshal(report.Steps)
		if _, err := j.db.Exec(ctx, `
			UPDATE maintenance_runs
			SET completed_at = ?, status = ?, details = ?
			WHERE run_id = ?`,
			j.now().UnixNano(), status, string(details), runID); err != nil {
			j.log.Error().Err(err).Int64("run", runID).Msg("failed to record run completion")
		}
		return runErr
	}
	return report, finish, nil
}
