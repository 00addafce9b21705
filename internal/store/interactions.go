package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	sterrors "github.com/shardtask/shardtask/internal/errors"
	"github.com/shardtask/shardtask/internal/observability"
	"github.com/shardtask/shardtask/internal/partition"
	"github.com/shardtask/shardtask/pkg/types"
)

const interactionColumns = "id, user_id, todo_id, interaction_type, prompt, response, subtasks_generated, model_used, created_at"

// InteractionStore is the append-only AI interaction audit log,
// hash-partitioned by tenant key like the active store but with its own,
// smaller partition count. Records are never updated or deleted.
type InteractionStore struct {
	db     *DB
	router *partition.Router
	stats  *observability.ScanStats
	log    zerolog.Logger
}

// NewInteractionStore creates the interaction log over an opened database.
func NewInteractionStore(db *DB, router *partition.Router, logger zerolog.Logger) *InteractionStore {
	return &InteractionStore{
		db:     db,
		router: router,
		stats:  observability.NewScanStats(),
		log:    logger.With().Str("component", "interaction_store").Logger(),
	}
}

// Init creates every interaction partition.
func (s *InteractionStore) Init(ctx context.Context) error {
	for i := 0; i < s.router.PartitionCount(); i++ {
		if _, err := s.db.Exec(ctx, CreateInteractionPartitionSQL(i)); err != nil {
			return fmt.Errorf("store: create interaction partition %d: %w", i, err)
		}
		for _, stmt := range CreateInteractionPartitionIndexSQL(i) {
			if _, err := s.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("store: index interaction partition %d: %w", i, err)
			}
		}
	}
	return nil
}

// PartitionName returns the partition owning the tenant key.
func (s *InteractionStore) PartitionName(tenantKey uuid.UUID) string {
	return InteractionPartitionName(s.router.PartitionFor(tenantKey))
}

// ScanStats exposes the partition scan instrumentation.
func (s *InteractionStore) ScanStats() *observability.ScanStats {
	return s.stats
}

// Append records one interaction. The log is append-only; there is no
// update or delete path.
func (s *InteractionStore) Append(ctx context.Context, rec *types.Interaction) error {
	if err := rec.CheckInvariants(); err != nil {
		return sterrors.NewConstraintViolation("interaction record rejected", err)
	}

	name := s.PartitionName(rec.UserID)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		name, interactionColumns, placeholders(9))

	var modelUsed interface{}
	if rec.ModelUsed != "" {
		modelUsed = rec.ModelUsed
	}
	_, err := s.db.Exec(ctx, query,
		rec.ID.String(), rec.UserID.String(), rec.ItemID.String(),
		rec.InteractionType, rec.Prompt, rec.Response,
		rec.SubtasksGenerated, modelUsed,
		rec.CreatedAt.UTC().UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return sterrors.NewConstraintViolation(
				fmt.Sprintf("interaction %s already recorded", rec.ID), err)
		}
		return sterrors.NewInternalError("append interaction", err)
	}
	return nil
}

// InteractionQuery filters a tenant-scoped interaction log read.
type InteractionQuery struct {
	TenantKey       uuid.UUID
	ItemID          *uuid.UUID
	InteractionType string
	Limit           int
}

// Query returns the tenant's interactions newest first. It touches exactly
// one partition: the log shares the active store's routing discipline.
func (s *InteractionStore) Query(ctx context.Context, q InteractionQuery) ([]*types.Interaction, error) {
	if q.TenantKey == uuid.Nil {
		return nil, sterrors.NewConstraintViolation("tenant key is required", types.ErrMissingTenant)
	}

	name := s.PartitionName(q.TenantKey)
	s.stats.RecordScan(name)

	conds := []string{"user_id = ?"}
	args := []interface{}{q.TenantKey.String()}
	if q.ItemID != nil {
		conds = append(conds, "todo_id = ?")
		args = append(args, q.ItemID.String())
	}
	if q.InteractionType != "" {
		conds = append(conds, "interaction_type = ?")
		args = append(args, q.InteractionType)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY created_at DESC",
		interactionColumns, name, strings.Join(conds, " AND "))
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, sterrors.NewInternalError("query interactions", err)
	}
	defer rows.Close()

	var recs []*types.Interaction
	for rows.Next() {
		rec, err := scanInteraction(rows)
		if err != nil {
			return nil, sterrors.NewInternalError("scan interaction", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, sterrors.NewInternalError("query interactions", err)
	}
	return recs, nil
}

// Count returns the row count of one partition, or of all partitions when
// index is negative.
func (s *InteractionStore) Count(ctx context.Context, index int) (int64, error) {
	var names []string
	if index >= 0 {
		names = []string{InteractionPartitionName(index)}
	} else {
		for i := 0; i < s.router.PartitionCount(); i++ {
			names = append(names, InteractionPartitionName(i))
		}
	}
	var total int64
	for _, name := range names {
		var n int64
		if err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", name)).Scan(&n); err != nil {
			return 0, sterrors.NewInternalError("count interaction partition", err)
		}
		total += n
	}
	return total, nil
}

func scanInteraction(sc rowScanner) (*types.Interaction, error) {
	var (
		rec       types.Interaction
		idStr     string
		userStr   string
		itemStr   string
		modelUsed sql.NullString
		createdNs int64
	)
	if err := sc.Scan(&idStr, &userStr, &itemStr, &rec.InteractionType,
		&rec.Prompt, &rec.Response, &rec.SubtasksGenerated, &modelUsed,
		&createdNs); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt interaction id %q: %w", idStr, err)
	}
	userID, err := uuid.Parse(userStr)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt tenant key %q: %w", userStr, err)
	}
	itemID, err := uuid.Parse(itemStr)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt item id %q: %w", itemStr, err)
	}
	rec.ID = id
	rec.UserID = userID
	rec.ItemID = itemID
	if modelUsed.Valid {
		rec.ModelUsed = modelUsed.String
	}
	rec.CreatedAt = timeFromNs(createdNs)
	return &rec, nil
}
