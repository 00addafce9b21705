package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	sterrors "github.com/shardtask/shardtask/internal/errors"
	"github.com/shardtask/shardtask/internal/observability"
	"github.com/shardtask/shardtask/internal/partition"
	"github.com/shardtask/shardtask/pkg/types"
)

// ArchivePartition describes one provisioned monthly partition.
type ArchivePartition struct {
	Name       string
	RangeStart time.Time
	RangeEnd   time.Time
	CreatedAt  time.Time
}

// ArchiveStore is the cold store of terminal items, range-partitioned by
// archival timestamp into monthly windows. Its only write path is
// InsertArchived, invoked by the maintenance scheduler's archival step and
// the migration engine, never by normal application writes.
type ArchiveStore struct {
	db    *DB
	stats *observability.ScanStats
	log   zerolog.Logger
}

// NewArchiveStore creates the archive store over an opened database.
func NewArchiveStore(db *DB, logger zerolog.Logger) *ArchiveStore {
	return &ArchiveStore{
		db:    db,
		stats: observability.NewScanStats(),
		log:   logger.With().Str("component", "archive_store").Logger(),
	}
}

// Init creates the partition registry. Monthly partitions themselves are
// provisioned explicitly via CreatePartitionForMonth.
func (s *ArchiveStore) Init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, CreateArchiveRegistrySQL); err != nil {
		return fmt.Errorf("store: create archive registry: %w", err)
	}
	return nil
}

// ScanStats exposes the partition scan instrumentation.
func (s *ArchiveStore) ScanStats() *observability.ScanStats {
	return s.stats
}

// CreatePartitionForMonth provisions the partition for one month window.
// Idempotent: provisioning the same month twice is a no-op, not an error.
func (s *ArchiveStore) CreatePartitionForMonth(ctx context.Context, year int, month time.Month) error {
	key := partition.MonthKey{Year: year, Month: month}
	name := ArchivePartitionName(year, int(month))

	exists, err := s.isProvisioned(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	startNs := key.Start().UnixNano()
	endNs := key.End().UnixNano()

	if _, err := s.db.Exec(ctx, CreateArchivePartitionSQL(name, startNs, endNs)); err != nil {
		return sterrors.NewInternalError("create archive partition", err)
	}
	for _, stmt := range CreateArchivePartitionIndexSQL(name) {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return sterrors.NewInternalError("index archive partition", err)
		}
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO archive_partitions (partition_name, range_start, range_end, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(partition_name) DO NOTHING`,
		name, startNs, endNs, time.Now().UTC().UnixNano()); err != nil {
		return sterrors.NewInternalError("register archive partition", err)
	}

	s.log.Info().Str("partition", name).Msg("archive partition provisioned")
	return nil
}

// InsertArchived writes one terminal item into the partition owning
// archivedAt. The partition must have been provisioned beforehand;
// provisioning is an explicit, auditable step, never an insert side effect.
func (s *ArchiveStore) InsertArchived(ctx context.Context, it *types.Item, archivedAt time.Time) error {
	if it.Status != types.StatusDone || it.CompletedAt == nil {
		return sterrors.NewConstraintViolation(
			"only completed items can be archived", types.ErrCompletedAtMismatch)
	}

	key := partition.MonthKeyFor(archivedAt)
	name := ArchivePartitionName(key.Year, int(key.Month))

	provisioned, err := s.isProvisioned(ctx, name)
	if err != nil {
		return err
	}
	if !provisioned {
		return sterrors.NewPartitionNotProvisioned(
			fmt.Sprintf("no archive partition for %s (archived_at %s)", key, archivedAt.UTC().Format(time.RFC3339)))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s, archived_at) VALUES (%s, ?)",
		name, itemColumns, placeholders(14))
	args := append(itemArgs(it), archivedAt.UTC().UnixNano())

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return sterrors.NewConstraintViolation(
				fmt.Sprintf("item %s already archived in %s", it.ID, name), err)
		}
		return sterrors.NewInternalError("insert archived item", err)
	}
	return nil
}

// Get fetches one archived item for a tenant, scanning provisioned
// partitions newest first.
func (s *ArchiveStore) Get(ctx context.Context, id, tenantKey uuid.UUID) (*types.Item, error) {
	parts, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	// Newest windows first: recently archived items are the common lookups.
	for i := len(parts) - 1; i >= 0; i-- {
		s.stats.RecordScan(parts[i].Name)
		query := fmt.Sprintf("SELECT %s, archived_at FROM %s WHERE id = ? AND user_id = ?",
			itemColumns, parts[i].Name)
		it, err := scanItem(s.db.QueryRow(ctx, query, id.String(), tenantKey.String()), true)
		if err == nil {
			return it, nil
		}
		if !isNoRows(err) {
			return nil, sterrors.NewInternalError("get archived item", err)
		}
	}
	return nil, sterrors.NewNotFound(fmt.Sprintf("item %s not found in archive store", id))
}

// ArchiveQuery filters a tenant-scoped archive query. The optional window
// bounds prune the scan to the partitions whose ranges intersect it.
type ArchiveQuery struct {
	TenantKey     uuid.UUID
	ArchivedAfter *time.Time
	ArchivedUntil *time.Time
	Limit         int
}

// Query returns the tenant's archived items, newest first.
func (s *ArchiveStore) Query(ctx context.Context, q ArchiveQuery) ([]*types.Item, error) {
	if q.TenantKey == uuid.Nil {
		return nil, sterrors.NewConstraintViolation("tenant key is required", types.ErrMissingTenant)
	}

	parts, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}

	var items []*types.Item
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		// Partition pruning on the archived_at window
		if q.ArchivedAfter != nil && !p.RangeEnd.After(*q.ArchivedAfter) {
			continue
		}
		if q.ArchivedUntil != nil && !p.RangeStart.Before(*q.ArchivedUntil) {
			continue
		}
		if q.Limit > 0 && len(items) >= q.Limit {
			break
		}
		s.stats.RecordScan(p.Name)

		conds := []string{"user_id = ?"}
		args := []interface{}{q.TenantKey.String()}
		if q.ArchivedAfter != nil {
			conds = append(conds, "archived_at >= ?")
			args = append(args, q.ArchivedAfter.UTC().UnixNano())
		}
		if q.ArchivedUntil != nil {
			conds = append(conds, "archived_at < ?")
			args = append(args, q.ArchivedUntil.UTC().UnixNano())
		}

		query := fmt.Sprintf("SELECT %s, archived_at FROM %s WHERE %s ORDER BY archived_at DESC",
			itemColumns, p.Name, strings.Join(conds, " AND "))
		if q.Limit > 0 {
			query += " LIMIT ?"
			args = append(args, q.Limit-len(items))
		}

		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, sterrors.NewInternalError("query archive", err)
		}
		part, err := collectItems(rows, true)
		if err != nil {
			return nil, sterrors.NewInternalError("scan archived items", err)
		}
		items = append(items, part...)
	}
	return items, nil
}

// ContainsID reports whether any archive partition holds the id.
func (s *ArchiveStore) ContainsID(ctx context.Context, id uuid.UUID) (bool, error) {
	parts, err := s.Partitions(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range parts {
		var n int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", p.Name)
		if err := s.db.QueryRow(ctx, query, id.String()).Scan(&n); err != nil {
			return false, sterrors.NewInternalError("probe archive partition", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// AllIDs returns every archived item id. Used to warm the duplicate-check
// bloom filter before migration and reconciliation runs.
func (s *ArchiveStore) AllIDs(ctx context.Context) ([]uuid.UUID, error) {
	parts, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, p := range parts {
		rows, err := s.db.Query(ctx, fmt.Sprintf("SELECT id FROM %s", p.Name))
		if err != nil {
			return nil, sterrors.NewInternalError("list archive ids", err)
		}
		for rows.Next() {
			var idStr string
			if err := rows.Scan(&idStr); err != nil {
				rows.Close()
				return nil, sterrors.NewInternalError("scan archive id", err)
			}
			id, err := uuid.Parse(idStr)
			if err != nil {
				rows.Close()
				return nil, sterrors.NewInternalError("parse archive id", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, sterrors.NewInternalError("list archive ids", err)
		}
	}
	return ids, nil
}

// Partitions returns the provisioned partitions ordered by window start.
func (s *ArchiveStore) Partitions(ctx context.Context) ([]ArchivePartition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT partition_name, range_start, range_end, created_at FROM archive_partitions`)
	if err != nil {
		return nil, sterrors.NewInternalError("list archive partitions", err)
	}
	defer rows.Close()

	var parts []ArchivePartition
	for rows.Next() {
		var p ArchivePartition
		var startNs, endNs, createdNs int64
		if err := rows.Scan(&p.Name, &startNs, &endNs, &createdNs); err != nil {
			return nil, sterrors.NewInternalError("scan archive partition", err)
		}
		p.RangeStart = time.Unix(0, startNs).UTC()
		p.RangeEnd = time.Unix(0, endNs).UTC()
		p.CreatedAt = time.Unix(0, createdNs).UTC()
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, sterrors.NewInternalError("list archive partitions", err)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].RangeStart.Before(parts[j].RangeStart) })
	return parts, nil
}

// DropPartitionsOlderThan irreversibly drops every partition whose entire
// window is older than the cutoff (now minus retentionMonths). It must only
// be invoked with an explicit retention configuration; retentionMonths <= 0
// is rejected rather than treated as "drop everything".
func (s *ArchiveStore) DropPartitionsOlderThan(ctx context.Context, retentionMonths int, now time.Time) ([]string, error) {
	if retentionMonths <= 0 {
		return nil, sterrors.New(sterrors.ErrCategoryArchive, sterrors.CodeRetentionNotConfigured,
			"archive retention is not configured; refusing to drop partitions")
	}

	cutoff := now.UTC().AddDate(0, -retentionMonths, 0)
	parts, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}

	var dropped []string
	for _, p := range parts {
		if !p.RangeEnd.After(cutoff) {
			if _, err := s.db.Exec(ctx, "DROP TABLE IF EXISTS "+p.Name); err != nil {
				return dropped, sterrors.NewInternalError("drop archive partition", err)
			}
			if _, err := s.db.Exec(ctx,
				`DELETE FROM archive_partitions WHERE partition_name = ?`, p.Name); err != nil {
				return dropped, sterrors.NewInternalError("deregister archive partition", err)
			}
			if _, err := s.db.Exec(ctx,
				`DELETE FROM partition_stats WHERE partition_name = ?`, p.Name); err != nil {
				return dropped, sterrors.NewInternalError("drop partition stats", err)
			}
			dropped = append(dropped, p.Name)
			s.log.Warn().Str("partition", p.Name).Msg("archive partition dropped by retention policy")
		}
	}
	return dropped, nil
}

// ExportPartition reads every row of one partition, for snapshot export
// before retention drops it.
func (s *ArchiveStore) ExportPartition(ctx context.Context, name string) ([]*types.Item, error) {
	provisioned, err := s.isProvisioned(ctx, name)
	if err != nil {
		return nil, err
	}
	if !provisioned {
		return nil, sterrors.NewNotFound(fmt.Sprintf("archive partition %s not provisioned", name))
	}

	rows, err := s.db.Query(ctx,
		fmt.Sprintf("SELECT %s, archived_at FROM %s ORDER BY archived_at, id", itemColumns, name))
	if err != nil {
		return nil, sterrors.NewInternalError("export archive partition", err)
	}
	items, err := collectItems(rows, true)
	if err != nil {
		return nil, sterrors.NewInternalError("scan archived items", err)
	}
	return items, nil
}

// Count returns the total row count across provisioned partitions.
func (s *ArchiveStore) Count(ctx context.Context) (int64, error) {
	parts, err := s.Partitions(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range parts {
		var n int64
		if err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", p.Name)).Scan(&n); err != nil {
			return 0, sterrors.NewInternalError("count archive partition", err)
		}
		total += n
	}
	return total, nil
}

// TenantKeys returns the distinct tenant keys across all partitions.
func (s *ArchiveStore) TenantKeys(ctx context.Context) (map[string]struct{}, error) {
	parts, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{})
	for _, p := range parts {
		rows, err := s.db.Query(ctx, fmt.Sprintf("SELECT DISTINCT user_id FROM %s", p.Name))
		if err != nil {
			return nil, sterrors.NewInternalError("list archive tenants", err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, sterrors.NewInternalError("scan tenant key", err)
			}
			keys[k] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, sterrors.NewInternalError("list archive tenants", err)
		}
	}
	return keys, nil
}

// DeleteRow removes one archived row. Only the duplicate-reconciliation
// step uses this; archived items are otherwise immutable.
func (s *ArchiveStore) DeleteRow(ctx context.Context, id, tenantKey uuid.UUID) error {
	parts, err := s.Partitions(ctx)
	if err != nil {
		return err
	}
	for _, p := range parts {
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND user_id = ?", p.Name)
		res, err := s.db.Exec(ctx, query, id.String(), tenantKey.String())
		if err != nil {
			return sterrors.NewInternalError("delete archived row", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.db.BumpDeadRows(ctx, "archive", p.Name, n)
			return nil
		}
	}
	return nil
}

func (s *ArchiveStore) isProvisioned(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM archive_partitions WHERE partition_name = ?`, name).Scan(&n)
	if err != nil {
		return false, sterrors.NewInternalError("archive registry lookup", err)
	}
	return n > 0, nil
}
