// Package health reports on the partitioned database without modifying it.
// The monitor reads the statistics and run history the maintenance jobs
// maintain; it performs no scans of the data itself.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardtask/shardtask/internal/config"
	sterrors "github.com/shardtask/shardtask/internal/errors"
	"github.com/shardtask/shardtask/internal/partition"
	"github.com/shardtask/shardtask/internal/store"
)

// PartitionStat is one partition's recorded statistics.
type PartitionStat struct {
	PartitionName string     `json:"partition_name"`
	Store         string     `json:"store"`
	RowCount      int64      `json:"row_count"`
	SizeBytes     int64      `json:"size_bytes"`
	DeadRows      int64      `json:"dead_rows"`
	LastVacuum    *time.Time `json:"last_vacuum,omitempty"`
	LastAnalyze   *time.Time `json:"last_analyze,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Issue severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Issue is one finding of a health check.
type Issue struct {
	Severity  string `json:"severity"`
	Partition string `json:"partition,omitempty"`
	Message   string `json:"message"`
}

// Report is the outcome of one health check.
type Report struct {
	CheckedAt time.Time `json:"checked_at"`
	Healthy   bool      `json:"healthy"`
	Issues    []Issue   `json:"issues"`
}

// Monitor runs read-only health checks over the partition statistics and
// maintenance run history.
type Monitor struct {
	db  *store.DB
	cfg *config.Config
	log zerolog.Logger
	now func() time.Time
}

// NewMonitor creates a health monitor.
func NewMonitor(db *store.DB, cfg *config.Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		db:  db,
		cfg: cfg,
		log: logger.With().Str("component", "health").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// PartitionStatistics returns every recorded partition stats row, ordered
// by partition name.
func (m *Monitor) PartitionStatistics(ctx context.Context) ([]PartitionStat, error) {
	rows, err := m.db.Query(ctx, `
		SELECT partition_name, store, row_count, size_bytes, dead_rows,
		       last_vacuum, last_analyze, updated_at
		FROM partition_stats
		ORDER BY partition_name`)
	if err != nil {
		return nil, sterrors.NewInternalError("read partition stats", err)
	}
	defer rows.Close()

	var stats []PartitionStat
	for rows.Next() {
		var s PartitionStat
		var vacuumNs, analyzeNs sql.NullInt64
		var updatedNs int64
		if err := rows.Scan(&s.PartitionName, &s.Store, &s.RowCount, &s.SizeBytes,
			&s.DeadRows, &vacuumNs, &analyzeNs, &updatedNs); err != nil {
			return nil, sterrors.NewInternalError("scan partition stats", err)
		}
		if vacuumNs.Valid {
			t := time.Unix(0, vacuumNs.Int64).UTC()
			s.LastVacuum = &t
		}
		if analyzeNs.Valid {
			t := time.Unix(0, analyzeNs.Int64).UTC()
			s.LastAnalyze = &t
		}
		s.UpdatedAt = time.Unix(0, updatedNs).UTC()
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Check runs every health check and returns the combined report. A report
// with only warnings still counts as healthy.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	report := &Report{CheckedAt: m.now(), Healthy: true}

	stats, err := m.PartitionStatistics(ctx)
	if err != nil {
		return nil, err
	}

	staleBefore := m.now().AddDate(0, 0, -m.cfg.Maintenance.StaleStatsDays)
	for _, s := range stats {
		if s.LastAnalyze == nil || s.LastAnalyze.Before(staleBefore) {
			report.Issues = append(report.Issues, Issue{
				Severity:  SeverityWarning,
				Partition: s.PartitionName,
				Message:   fmt.Sprintf("statistics older than %d days", m.cfg.Maintenance.StaleStatsDays),
			})
		}
		if s.RowCount > 0 {
			ratio := float64(s.DeadRows) / float64(s.RowCount)
			if ratio > m.cfg.Maintenance.DeadRowRatio {
				report.Issues = append(report.Issues, Issue{
					Severity:  SeverityWarning,
					Partition: s.PartitionName,
					Message:   fmt.Sprintf("dead-row ratio %.2f exceeds %.2f", ratio, m.cfg.Maintenance.DeadRowRatio),
				})
			}
		}
	}

	if err := m.checkNextMonthProvisioned(ctx, report); err != nil {
		return nil, err
	}
	if err := m.checkLastRuns(ctx, report); err != nil {
		return nil, err
	}

	for _, issue := range report.Issues {
		if issue.Severity == SeverityCritical {
			report.Healthy = false
			break
		}
	}
	return report, nil
}

// checkNextMonthProvisioned flags a missing next-month archive partition as
// critical: archival stops dead at the month boundary without it.
func (m *Monitor) checkNextMonthProvisioned(ctx context.Context, report *Report) error {
	next := partition.MonthKeyFor(m.now()).Next()
	name := store.ArchivePartitionName(next.Year, int(next.Month))

	var n int
	err := m.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM archive_partitions WHERE partition_name = ?`, name).Scan(&n)
	if err != nil {
		return sterrors.NewInternalError("archive registry lookup", err)
	}
	if n == 0 {
		report.Issues = append(report.Issues, Issue{
			Severity:  SeverityCritical,
			Partition: name,
			Message:   "next month's archive partition is not provisioned",
		})
	}
	return nil
}

// checkLastRuns flags jobs whose most recent run failed.
func (m *Monitor) checkLastRuns(ctx context.Context, report *Report) error {
	rows, err := m.db.Query(ctx, `
		SELECT job_name, status FROM maintenance_runs
		WHERE run_id IN (
			SELECT MAX(run_id) FROM maintenance_runs GROUP BY job_name
		)`)
	if err != nil {
		return sterrors.NewInternalError("read maintenance runs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var job, status string
		if err := rows.Scan(&job, &status); err != nil {
			return sterrors.NewInternalError("scan maintenance run", err)
		}
		if status == "failed" {
			report.Issues = append(report.Issues, Issue{
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("last %s maintenance run failed", job),
			})
		}
	}
	return rows.Err()
}
