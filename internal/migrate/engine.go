// Package migrate moves rows from the legacy monolithic table into the
// partitioned stores in bounded, resumable batches. The legacy table is
// read-only throughout: cutover is a separate, human-driven step that only
// happens after validation passes.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	sterrors "github.com/shardtask/shardtask/internal/errors"
	"github.com/shardtask/shardtask/internal/partition"
	"github.com/shardtask/shardtask/internal/store"
	"github.com/shardtask/shardtask/pkg/types"
)

// BatchResult summarizes one Run invocation.
type BatchResult struct {
	RowsMigrated int
	RowsSkipped  int
	BatchesRun   int
	Done         bool
}

// Engine drains the legacy table into the active and archive stores.
type Engine struct {
	db      *store.DB
	active  *store.ActiveStore
	archive *store.ArchiveStore

	// archivalAge decides each row's destination: done items completed
	// longer ago than this go straight to the archive.
	archivalAge time.Duration

	log zerolog.Logger
	now func() time.Time
}

// NewEngine creates a migration engine over the shared database.
func NewEngine(db *store.DB, active *store.ActiveStore, archive *store.ArchiveStore, archivalAge time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		db:          db,
		active:      active,
		archive:     archive,
		archivalAge: archivalAge,
		log:         logger.With().Str("component", "migrate").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// EnsureLegacyTable creates the legacy table if absent. Production databases
// already have it; fresh environments and tests provision it here.
func (e *Engine) EnsureLegacyTable(ctx context.Context) error {
	if _, err := e.db.Exec(ctx, store.CreateLegacyTableSQL); err != nil {
		return fmt.Errorf("migrate: ensure legacy table: %w", err)
	}
	return nil
}

// Run migrates up to maxBatches batches of batchSize rows each, resuming
// from the recorded cursor. maxBatches <= 0 runs until the legacy table is
// drained. Rows already present in either store are skipped, so re-running
// over migrated ground is safe.
func (e *Engine) Run(ctx context.Context, batchSize, maxBatches int) (*BatchResult, error) {
	if batchSize <= 0 {
		return nil, sterrors.New(sterrors.ErrCategoryMigration, sterrors.CodeInvalidConfig,
			fmt.Sprintf("batch size must be positive, got %d", batchSize))
	}

	result := &BatchResult{}
	for maxBatches <= 0 || result.BatchesRun < maxBatches {
		// A cancelled context halts between batches, never mid-batch.
		if err := ctx.Err(); err != nil {
			return result, sterrors.Wrap(sterrors.ErrCategoryMigration, sterrors.CodeMigrationHalted,
				"migration halted by caller", err)
		}

		migrated, skipped, done, err := e.runBatch(ctx, batchSize)
		if err != nil {
			return result, err
		}
		result.RowsMigrated += migrated
		result.RowsSkipped += skipped
		if migrated+skipped > 0 {
			result.BatchesRun++
		}
		if done {
			result.Done = true
			break
		}
	}
	return result, nil
}

func (e *Engine) runBatch(ctx context.Context, batchSize int) (migrated, skipped int, done bool, err error) {
	cursorCreatedAt, cursorID, offset, err := e.cursor(ctx)
	if err != nil {
		return 0, 0, false, err
	}

	rows, err := e.legacyBatch(ctx, cursorCreatedAt, cursorID, batchSize)
	if err != nil {
		return 0, 0, false, err
	}
	if len(rows) == 0 {
		return 0, 0, true, nil
	}

	batchID, err := e.beginProgress(ctx, offset)
	if err != nil {
		return 0, 0, false, err
	}

	for _, row := range rows {
		if err := e.migrateRow(ctx, row); err != nil {
			e.failProgress(ctx, batchID, err)
			return migrated, skipped, false, sterrors.Wrap(
				sterrors.ErrCategoryMigration, sterrors.CodeMigrationHalted,
				fmt.Sprintf("batch %d halted at row %s", batchID, row.item.ID), err)
		}
		if row.skipped {
			skipped++
		} else {
			migrated++
		}
	}

	last := rows[len(rows)-1]
	if err := e.completeProgress(ctx, batchID, migrated+skipped, last.item.CreatedAt, last.item.ID); err != nil {
		return migrated, skipped, false, err
	}

	e.log.Info().
		Int64("batch", batchID).
		Int("migrated", migrated).
		Int("skipped", skipped).
		Msg("migration batch completed")
	return migrated, skipped, len(rows) < batchSize, nil
}

type legacyRow struct {
	item    *types.Item
	skipped bool
}

// migrateRow copies one legacy row into its destination store. Done items
// whose completion predates the archival age go straight to the archive;
// everything else lands in the active store.
func (e *Engine) migrateRow(ctx context.Context, row *legacyRow) error {
	it := row.item

	if ok, err := e.active.ContainsID(ctx, it.ID); err != nil {
		return err
	} else if ok {
		row.skipped = true
		return nil
	}
	if ok, err := e.archive.ContainsID(ctx, it.ID); err != nil {
		return err
	} else if ok {
		row.skipped = true
		return nil
	}

	cutoff := e.now().Add(-e.archivalAge)
	if it.Status == types.StatusDone && it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
		archivedAt := *it.CompletedAt
		key := partition.MonthKeyFor(archivedAt)
		if err := e.archive.CreatePartitionForMonth(ctx, key.Year, key.Month); err != nil {
			return err
		}
		return e.archive.InsertArchived(ctx, it, archivedAt)
	}

	// Depth is derived from the already-migrated parent. Legacy rows come
	// in created_at order, so parents normally precede their children; a
	// parent that went to the archive leaves the child a root.
	if it.ParentID != nil {
		parent, err := e.active.Get(ctx, *it.ParentID, it.UserID)
		switch {
		case err == nil:
			it.Depth = parent.Depth + 1
		case sterrors.IsNotFound(err):
			it.Depth = 0
		default:
			return err
		}
	}
	return e.active.InsertRow(ctx, it)
}

// cursor returns the resume position: the last completed batch's
// (last_created_at, last_id) pair, plus the running row offset.
func (e *Engine) cursor(ctx context.Context) (createdAt int64, id string, offset int64, err error) {
	row := e.db.QueryRow(ctx, `
		SELECT last_created_at, last_id, batch_start_offset + rows_processed
		FROM migration_progress
		WHERE status = 'completed' AND last_created_at IS NOT NULL
		ORDER BY batch_id DESC
		LIMIT 1`)
	var lastCreated sql.NullInt64
	var lastID sql.NullString
	if err := row.Scan(&lastCreated, &lastID, &offset); err != nil {
		if err == sql.ErrNoRows {
			return 0, "", 0, nil
		}
		return 0, "", 0, sterrors.NewInternalError("read migration cursor", err)
	}
	return lastCreated.Int64, lastID.String, offset, nil
}

// legacyBatch reads the next batch past the cursor in stable
// (created_at, id) order.
func (e *Engine) legacyBatch(ctx context.Context, cursorCreatedAt int64, cursorID string, limit int) ([]*legacyRow, error) {
	rows, err := e.db.Query(ctx, `
		SELECT id, user_id, project_id, parent_id, title, description, status,
		       priority, due_date, completed_at, ai_generated, created_at, updated_at
		FROM todos
		WHERE created_at > ? OR (created_at = ? AND id > ?)
		ORDER BY created_at, id
		LIMIT ?`, cursorCreatedAt, cursorCreatedAt, cursorID, limit)
	if err != nil {
		return nil, sterrors.NewInternalError("read legacy batch", err)
	}
	defer rows.Close()

	var batch []*legacyRow
	for rows.Next() {
		it, err := scanLegacyItem(rows)
		if err != nil {
			return nil, sterrors.NewInternalError("scan legacy row", err)
		}
		batch = append(batch, &legacyRow{item: it})
	}
	if err := rows.Err(); err != nil {
		return nil, sterrors.NewInternalError("read legacy batch", err)
	}
	return batch, nil
}

func (e *Engine) beginProgress(ctx context.Context, offset int64) (int64, error) {
	res, err := e.db.Exec(ctx, `
		INSERT INTO migration_progress (batch_start_offset, started_at, status)
		VALUES (?, ?, 'running')`, offset, e.now().UnixNano())
	if err != nil {
		return 0, sterrors.NewInternalError("record batch start", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, sterrors.NewInternalError("record batch start", err)
	}
	return id, nil
}

func (e *Engine) completeProgress(ctx context.Context, batchID int64, rowsProcessed int, lastCreatedAt time.Time, lastID uuid.UUID) error {
	_, err := e.db.Exec(ctx, `
		UPDATE migration_progress
		SET rows_processed = ?, last_created_at = ?, last_id = ?,
		    completed_at = ?, status = 'completed'
		WHERE batch_id = ?`,
		rowsProcessed, lastCreatedAt.UTC().UnixNano(), lastID.String(),
		e.now().UnixNano(), batchID)
	if err != nil {
		return sterrors.NewInternalError("record batch completion", err)
	}
	return nil
}

func (e *Engine) failProgress(ctx context.Context, batchID int64, cause error) {
	_, err := e.db.Exec(ctx, `
		UPDATE migration_progress
		SET completed_at = ?, status = 'failed'
		WHERE batch_id = ?`, e.now().UnixNano(), batchID)
	if err != nil {
		e.log.Error().Err(err).Int64("batch", batchID).Msg("failed to record batch failure")
	}
	e.log.Error().Err(cause).Int64("batch", batchID).Msg("migration batch failed")
}

func scanLegacyItem(rows *sql.Rows) (*types.Item, error) {
	var (
		it          types.Item
		idStr       string
		userStr     string
		projectStr  sql.NullString
		parentStr   sql.NullString
		description sql.NullString
		status      string
		dueNs       sql.NullInt64
		completedNs sql.NullInt64
		aiGenerated int
		createdNs   int64
		updatedNs   int64
	)
	if err := rows.Scan(&idStr, &userStr, &projectStr, &parentStr, &it.Title,
		&description, &status, &it.Priority, &dueNs, &completedNs,
		&aiGenerated, &createdNs, &updatedNs); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("migrate: corrupt legacy id %q: %w", idStr, err)
	}
	userID, err := uuid.Parse(userStr)
	if err != nil {
		return nil, fmt.Errorf("migrate: corrupt legacy tenant key %q: %w", userStr, err)
	}
	it.ID = id
	it.UserID = userID

	if projectStr.Valid {
		p, err := uuid.Parse(projectStr.String)
		if err != nil {
			return nil, fmt.Errorf("migrate: corrupt legacy project id %q: %w", projectStr.String, err)
		}
		it.ProjectID = &p
	}
	if parentStr.Valid {
		p, err := uuid.Parse(parentStr.String)
		if err != nil {
			return nil, fmt.Errorf("migrate: corrupt legacy parent id %q: %w", parentStr.String, err)
		}
		it.ParentID = &p
	}
	if description.Valid {
		it.Description = description.String
	}
	it.Status = types.Status(status)
	if dueNs.Valid {
		t := time.Unix(0, dueNs.Int64).UTC()
		it.DueDate = &t
	}
	if completedNs.Valid {
		t := time.Unix(0, completedNs.Int64).UTC()
		it.CompletedAt = &t
	}
	it.AIGenerated = aiGenerated != 0
	it.CreatedAt = time.Unix(0, createdNs).UTC()
	it.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return &it, nil
}
