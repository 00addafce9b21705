package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	sterrors "github.com/shardtask/shardtask/internal/errors"
	"github.com/shardtask/shardtask/internal/observability"
	"github.com/shardtask/shardtask/internal/partition"
	"github.com/shardtask/shardtask/pkg/types"
)

// Order controls result ordering for item queries.
type Order string

const (
	OrderCreatedDesc  Order = "created_desc"
	OrderDueDateAsc   Order = "due_date_asc"
	OrderPriorityDesc Order = "priority_desc"
)

func (o Order) sql() string {
	switch o {
	case OrderDueDateAsc:
		return "due_date ASC, created_at DESC"
	case OrderPriorityDesc:
		return "priority DESC, created_at DESC"
	default:
		return "created_at DESC, id DESC"
	}
}

// ItemQuery filters a tenant-scoped item query. TenantKey is mandatory: it
// routes the query to exactly one partition. Administrative scans without a
// tenant go through QueryAll and touch every partition.
type ItemQuery struct {
	TenantKey uuid.UUID
	Status    *types.Status
	ProjectID *uuid.UUID
	ParentID  *uuid.UUID
	DueBefore *time.Time
	Order     Order
	Limit     int
	Offset    int
}

// UpdateFields is the set of in-place mutations Update accepts. Nil fields
// are left untouched. ID, tenant key, and bookkeeping columns are immutable.
type UpdateFields struct {
	Title       *string
	Description *string
	Status      *types.Status
	Priority    *int
	DueDate     *time.Time
	ProjectID   *uuid.UUID
}

// ActiveStore is the hot hash-partitioned table of non-terminal items plus
// freshly completed items not yet archived.
type ActiveStore struct {
	db     *DB
	router *partition.Router
	stats  *observability.ScanStats
	log    zerolog.Logger
}

// NewActiveStore creates the active store over an opened database.
func NewActiveStore(db *DB, router *partition.Router, logger zerolog.Logger) *ActiveStore {
	return &ActiveStore{
		db:     db,
		router: router,
		stats:  observability.NewScanStats(),
		log:    logger.With().Str("component", "active_store").Logger(),
	}
}

// Init creates the physical partitions and their indexes.
func (s *ActiveStore) Init(ctx context.Context) error {
	for i := 0; i < s.router.PartitionCount(); i++ {
		if _, err := s.db.Exec(ctx, CreateActivePartitionSQL(i)); err != nil {
			return fmt.Errorf("store: create active partition %d: %w", i, err)
		}
		for _, stmt := range CreateActivePartitionIndexSQL(i) {
			if _, err := s.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("store: index active partition %d: %w", i, err)
			}
		}
	}
	return nil
}

// PartitionName returns the physical partition owning a tenant key.
func (s *ActiveStore) PartitionName(tenantKey uuid.UUID) string {
	return ActivePartitionName(s.router.PartitionFor(tenantKey))
}

// PartitionNames returns all physical partition names in index order.
func (s *ActiveStore) PartitionNames() []string {
	names := make([]string, s.router.PartitionCount())
	for i := range names {
		names[i] = ActivePartitionName(i)
	}
	return names
}

// ScanStats exposes the partition scan instrumentation.
func (s *ActiveStore) ScanStats() *observability.ScanStats {
	return s.stats
}

// Insert creates a fully-formed row in the tenant's partition. Duplicate
// ids fail with a constraint violation; there are no partial writes. If the
// item has a parent, the parent must exist in the same tenant's partition
// and the cached depth is derived from it.
func (s *ActiveStore) Insert(ctx context.Context, it *types.Item) error {
	if it.ParentID != nil {
		parent, err := s.Get(ctx, *it.ParentID, it.UserID)
		if err != nil {
			if sterrors.IsNotFound(err) {
				return sterrors.NewConstraintViolation(
					fmt.Sprintf("parent item %s not found for tenant %s", it.ParentID, it.UserID), nil)
			}
			return err
		}
		it.Depth = parent.Depth + 1
	} else {
		it.Depth = 0
	}

	if err := it.CheckInvariants(); err != nil {
		return sterrors.NewConstraintViolation("item failed invariant check", err)
	}

	table := s.PartitionName(it.UserID)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, itemColumns, placeholders(14))

	if _, err := s.db.Exec(ctx, query, itemArgs(it)...); err != nil {
		if isUniqueViolation(err) {
			return sterrors.NewConstraintViolation(
				fmt.Sprintf("item %s already exists", it.ID), err)
		}
		return sterrors.NewInternalError("insert item", err)
	}

	s.log.Debug().Str("item", it.ID.String()).Str("partition", table).Msg("item inserted")
	return nil
}

// InsertRow writes a fully-formed row without the parent lookup, trusting
// the caller's cached depth. The migration engine uses it for legacy rows
// whose parents may have landed in the archive.
func (s *ActiveStore) InsertRow(ctx context.Context, it *types.Item) error {
	if err := it.CheckInvariants(); err != nil {
		return sterrors.NewConstraintViolation("item failed invariant check", err)
	}

	table := s.PartitionName(it.UserID)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, itemColumns, placeholders(14))
	if _, err := s.db.Exec(ctx, query, itemArgs(it)...); err != nil {
		if isUniqueViolation(err) {
			return sterrors.NewConstraintViolation(
				fmt.Sprintf("item %s already exists", it.ID), err)
		}
		return sterrors.NewInternalError("insert item", err)
	}
	return nil
}

// Get fetches one item. The tenant key routes the lookup to one partition.
func (s *ActiveStore) Get(ctx context.Context, id, tenantKey uuid.UUID) (*types.Item, error) {
	table := s.PartitionName(tenantKey)
	s.stats.RecordScan(table)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND user_id = ?", itemColumns, table)
	it, err := scanItem(s.db.QueryRow(ctx, query, id.String(), tenantKey.String()), false)
	if err == sql.ErrNoRows {
		return nil, sterrors.NewNotFound(fmt.Sprintf("item %s not found in active store", id))
	}
	if err != nil {
		return nil, sterrors.NewInternalError("get item", err)
	}
	return it, nil
}

// Update mutates an item in place. A status transition to done stamps
// completed_at in the same statement, never as a separate write. The read,
// transition check and write share one transaction, so concurrent updates
// always validate against the committed status, never a stale read.
func (s *ActiveStore) Update(ctx context.Context, id, tenantKey uuid.UUID, fields UpdateFields) (*types.Item, error) {
	table := s.PartitionName(tenantKey)
	s.stats.RecordScan(table)

	selectQ := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND user_id = ?", itemColumns, table)

	var updated *types.Item
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := scanItem(tx.QueryRowContext(ctx, selectQ, id.String(), tenantKey.String()), false)
		if err == sql.ErrNoRows {
			return sterrors.NewNotFound(fmt.Sprintf("item %s not found in active store", id))
		}
		if err != nil {
			return sterrors.NewInternalError("get item", err)
		}

		now := time.Now().UTC()
		sets := []string{"updated_at = ?"}
		args := []interface{}{now.UnixNano()}

		if fields.Title != nil {
			if *fields.Title == "" {
				return sterrors.NewConstraintViolation("title must not be empty", types.ErrMissingTitle)
			}
			sets = append(sets, "title = ?")
			args = append(args, *fields.Title)
		}
		if fields.Description != nil {
			sets = append(sets, "description = ?")
			args = append(args, *fields.Description)
		}
		if fields.Priority != nil {
			if *fields.Priority < 1 || *fields.Priority > 5 {
				return sterrors.NewConstraintViolation("priority out of range", types.ErrInvalidPriority)
			}
			sets = append(sets, "priority = ?")
			args = append(args, *fields.Priority)
		}
		if fields.DueDate != nil {
			sets = append(sets, "due_date = ?")
			args = append(args, fields.DueDate.UTC().UnixNano())
		}
		if fields.ProjectID != nil {
			sets = append(sets, "project_id = ?")
			args = append(args, fields.ProjectID.String())
		}
		if fields.Status != nil {
			next := *fields.Status
			if !next.Valid() {
				return sterrors.NewConstraintViolation("unknown status", types.ErrInvalidStatus)
			}
			if !current.Status.CanTransitionTo(next) {
				return sterrors.New(sterrors.ErrCategoryStore, sterrors.CodeInvalidTransition,
					fmt.Sprintf("status transition %s -> %s is not allowed", current.Status, next))
			}
			sets = append(sets, "status = ?")
			args = append(args, string(next))
			if next == types.StatusDone && current.Status != types.StatusDone {
				// completed_at is set atomically with the transition
				sets = append(sets, "completed_at = ?")
				args = append(args, now.UnixNano())
			}
		}

		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND user_id = ?",
			table, strings.Join(sets, ", "))
		args = append(args, id.String(), tenantKey.String())
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return sterrors.NewInternalError("update item", err)
		}

		updated, err = scanItem(tx.QueryRowContext(ctx, selectQ, id.String(), tenantKey.String()), false)
		if err != nil {
			return sterrors.NewInternalError("reread item", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Query returns the tenant's items matching the filters. The mandatory
// tenant key prunes the scan to a single partition.
func (s *ActiveStore) Query(ctx context.Context, q ItemQuery) ([]*types.Item, error) {
	if q.TenantKey == uuid.Nil {
		return nil, sterrors.NewConstraintViolation("tenant key is required; use QueryAll for administrative scans", types.ErrMissingTenant)
	}

	table := s.PartitionName(q.TenantKey)
	s.stats.RecordScan(table)

	where, args := buildItemFilter(q)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		itemColumns, table, where, q.Order.sql())
	query, args = applyLimit(query, args, q.Limit, q.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, sterrors.NewInternalError("query items", err)
	}
	items, err := collectItems(rows, false)
	if err != nil {
		return nil, sterrors.NewInternalError("scan items", err)
	}
	return items, nil
}

// QueryAll scans every partition for items matching the filters. This is
// the administrative/maintenance path and is O(all partitions).
func (s *ActiveStore) QueryAll(ctx context.Context, status *types.Status, limit int) ([]*types.Item, error) {
	var items []*types.Item
	for _, table := range s.PartitionNames() {
		if limit > 0 && len(items) >= limit {
			break
		}
		s.stats.RecordScan(table)

		query := fmt.Sprintf("SELECT %s FROM %s", itemColumns, table)
		var args []interface{}
		if status != nil {
			query += " WHERE status = ?"
			args = append(args, string(*status))
		}
		query += " ORDER BY created_at, id"
		if limit > 0 {
			query += " LIMIT ?"
			args = append(args, limit-len(items))
		}

		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, sterrors.NewInternalError("query all partitions", err)
		}
		part, err := collectItems(rows, false)
		if err != nil {
			return nil, sterrors.NewInternalError("scan items", err)
		}
		items = append(items, part...)
	}
	return items, nil
}

// Delete removes an item and, recursively, its children. The cascade is an
// explicit child enumeration bounded by the depth limit, since child rows
// carry no physical foreign key. Returns the number of rows deleted.
func (s *ActiveStore) Delete(ctx context.Context, id, tenantKey uuid.UUID) (int, error) {
	if _, err := s.Get(ctx, id, tenantKey); err != nil {
		return 0, err
	}

	table := s.PartitionName(tenantKey)
	toDelete := []string{id.String()}
	frontier := []string{id.String()}

	for depth := 0; depth < types.MaxDepth && len(frontier) > 0; depth++ {
		query := fmt.Sprintf("SELECT id FROM %s WHERE user_id = ? AND parent_id IN (%s)",
			table, placeholders(len(frontier)))
		args := make([]interface{}, 0, len(frontier)+1)
		args = append(args, tenantKey.String())
		for _, pid := range frontier {
			args = append(args, pid)
		}

		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return 0, sterrors.NewInternalError("enumerate children", err)
		}
		var next []string
		for rows.Next() {
			var child string
			if err := rows.Scan(&child); err != nil {
				rows.Close()
				return 0, sterrors.NewInternalError("scan child id", err)
			}
			next = append(next, child)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, sterrors.NewInternalError("enumerate children", err)
		}

		toDelete = append(toDelete, next...)
		frontier = next
	}

	deleted := 0
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf("DELETE FROM %s WHERE user_id = ? AND id IN (%s)",
			table, placeholders(len(toDelete)))
		args := make([]interface{}, 0, len(toDelete)+1)
		args = append(args, tenantKey.String())
		for _, did := range toDelete {
			args = append(args, did)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, sterrors.NewInternalError("delete item tree", err)
	}

	s.db.BumpDeadRows(ctx, "active", table, int64(deleted))
	s.log.Debug().Str("item", id.String()).Int("deleted", deleted).Msg("item tree deleted")
	return deleted, nil
}

// DeleteRow removes a single row without cascading. This is the archival
// path: the row has already been copied to the archive store.
func (s *ActiveStore) DeleteRow(ctx context.Context, id, tenantKey uuid.UUID) error {
	table := s.PartitionName(tenantKey)
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND user_id = ?", table)
	res, err := s.db.Exec(ctx, query, id.String(), tenantKey.String())
	if err != nil {
		return sterrors.NewInternalError("delete row", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.db.BumpDeadRows(ctx, "active", table, n)
	}
	return nil
}

// EligibleForArchival returns up to limit items with status done whose
// completed_at is at or before the cutoff. Eligibility is recomputed from
// scratch on every call, so archival needs no resume cursor.
func (s *ActiveStore) EligibleForArchival(ctx context.Context, cutoff time.Time, limit int) ([]*types.Item, error) {
	var items []*types.Item
	for _, table := range s.PartitionNames() {
		if limit > 0 && len(items) >= limit {
			break
		}
		s.stats.RecordScan(table)

		query := fmt.Sprintf(
			"SELECT %s FROM %s WHERE status = 'done' AND completed_at <= ? ORDER BY completed_at, id",
			itemColumns, table)
		args := []interface{}{cutoff.UTC().UnixNano()}
		if limit > 0 {
			query += " LIMIT ?"
			args = append(args, limit-len(items))
		}

		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, sterrors.NewInternalError("scan for archival candidates", err)
		}
		part, err := collectItems(rows, false)
		if err != nil {
			return nil, sterrors.NewInternalError("scan items", err)
		}
		items = append(items, part...)
	}
	return items, nil
}

// ContainsID reports whether any active partition holds the id. Without a
// tenant key this is a primary-key probe per partition.
func (s *ActiveStore) ContainsID(ctx context.Context, id uuid.UUID) (bool, error) {
	for _, table := range s.PartitionNames() {
		var n int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table)
		if err := s.db.QueryRow(ctx, query, id.String()).Scan(&n); err != nil {
			return false, sterrors.NewInternalError("probe partition", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Count returns the total row count across all partitions.
func (s *ActiveStore) Count(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range s.PartitionNames() {
		n, err := s.PartitionRowCount(ctx, table)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// PartitionRowCount returns the row count of one partition.
func (s *ActiveStore) PartitionRowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if err := s.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, sterrors.NewInternalError("count partition", err)
	}
	return n, nil
}

// CountByStatus returns per-status counts across all partitions.
func (s *ActiveStore) CountByStatus(ctx context.Context) (map[types.Status]int64, error) {
	counts := make(map[types.Status]int64)
	for _, table := range s.PartitionNames() {
		query := fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", table)
		rows, err := s.db.Query(ctx, query)
		if err != nil {
			return nil, sterrors.NewInternalError("count by status", err)
		}
		for rows.Next() {
			var st string
			var n int64
			if err := rows.Scan(&st, &n); err != nil {
				rows.Close()
				return nil, sterrors.NewInternalError("scan status count", err)
			}
			counts[types.Status(st)] += n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, sterrors.NewInternalError("count by status", err)
		}
	}
	return counts, nil
}

// TenantKeys returns the distinct tenant keys across all partitions.
func (s *ActiveStore) TenantKeys(ctx context.Context) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	for _, table := range s.PartitionNames() {
		query := fmt.Sprintf("SELECT DISTINCT user_id FROM %s", table)
		rows, err := s.db.Query(ctx, query)
		if err != nil {
			return nil, sterrors.NewInternalError("list tenants", err)
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
			return nil, sterrors.NewInternalError("list tenants", err)
		}
	}
	return keys, nil
}

// buildItemFilter renders the WHERE clause for a tenant-scoped query.
func buildItemFilter(q ItemQuery) (string, []interface{}) {
	conds := []string{"user_id = ?"}
	args := []interface{}{q.TenantKey.String()}

	if q.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*q.Status))
	}
	if q.ProjectID != nil {
		conds = append(conds, "project_id = ?")
		args = append(args, q.ProjectID.String())
	}
	if q.ParentID != nil {
		conds = append(conds, "parent_id = ?")
		args = append(args, q.ParentID.String())
	}
	if q.DueBefore != nil {
		conds = append(conds, "due_date IS NOT NULL AND due_date < ?")
		args = append(args, q.DueBefore.UTC().UnixNano())
	}
	return strings.Join(conds, " AND "), args
}

func applyLimit(query string, args []interface{}, limit, offset int) (string, []interface{}) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return query, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		serr.ExtendedCode == sqlite3.ErrConstraintUnique
}
