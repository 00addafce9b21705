package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shardtask/shardtask/internal/bloom"
	sterrors "github.com/shardtask/shardtask/internal/errors"
	"github.com/shardtask/shardtask/pkg/types"
)

// ItemStats summarizes one tenant's items for the stats endpoint.
type ItemStats struct {
	Total      int64                  `json:"total"`
	ByStatus   map[types.Status]int64 `json:"by_status"`
	Overdue    int64                  `json:"overdue"`
	Archived   int64                  `json:"archived"`
	AIAssisted int64                  `json:"ai_assisted"`
}

// UnionView is the read-side facade over the active and archive stores.
// Reads hit the active store first; archived rows are only consulted when
// the caller opts in, so the hot path never pays for cold partitions.
type UnionView struct {
	active  *ActiveStore
	archive *ArchiveStore
	log     zerolog.Logger

	// archiveIDs, when warmed, lets referential checks skip the archive
	// partition scan for ids that were never archived.
	archiveIDs *bloom.IDSet
}

// NewUnionView creates the union read view.
func NewUnionView(active *ActiveStore, archive *ArchiveStore, logger zerolog.Logger) *UnionView {
	return &UnionView{
		active:  active,
		archive: archive,
		log:     logger.With().Str("component", "union_view").Logger(),
	}
}

// WarmArchiveFilter loads every archived id into a bloom filter. Callers
// that do many referential checks (migration, reconciliation) warm it once;
// a false positive only costs the archive probe the filter tried to avoid.
func (v *UnionView) WarmArchiveFilter(ctx context.Context) error {
	ids, err := v.archive.AllIDs(ctx)
	if err != nil {
		return err
	}
	n := len(ids)
	if n < 1024 {
		n = 1024
	}
	set := bloom.NewIDSet(n, 0.01)
	for _, id := range ids {
		set.Add(id)
	}
	v.archiveIDs = set
	v.log.Debug().Int("archived_ids", len(ids)).Msg("archive id filter warmed")
	return nil
}

// Get fetches one item by id for a tenant. The active store is consulted
// first; the archive only when includeArchived is set.
func (v *UnionView) Get(ctx context.Context, id, tenantKey uuid.UUID, includeArchived bool) (*types.Item, error) {
	it, err := v.active.Get(ctx, id, tenantKey)
	if err == nil {
		return it, nil
	}
	if !sterrors.IsNotFound(err) {
		return nil, err
	}
	if !includeArchived {
		return nil, err
	}
	if v.archiveIDs != nil && !v.archiveIDs.MightContain(id) {
		return nil, err
	}
	return v.archive.Get(ctx, id, tenantKey)
}

// ItemExists reports whether the id exists anywhere, active or archive.
// This is the referential check collaborators (attachments, interaction
// writers) use in place of a cross-partition foreign key.
func (v *UnionView) ItemExists(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := v.active.ContainsID(ctx, id)
	if err != nil || ok {
		return ok, err
	}
	if v.archiveIDs != nil && !v.archiveIDs.MightContain(id) {
		return false, nil
	}
	return v.archive.ContainsID(ctx, id)
}

// Stats computes one tenant's item statistics. Active counts come from the
// tenant's single hash partition; the archive contributes only the archived
// total.
func (v *UnionView) Stats(ctx context.Context, tenantKey uuid.UUID, now time.Time) (*ItemStats, error) {
	if tenantKey == uuid.Nil {
		return nil, sterrors.NewConstraintViolation("tenant key is required", types.ErrMissingTenant)
	}

	items, err := v.active.Query(ctx, ItemQuery{TenantKey: tenantKey})
	if err != nil {
		return nil, err
	}

	stats := &ItemStats{ByStatus: make(map[types.Status]int64)}
	for _, it := range items {
		stats.Total++
		stats.ByStatus[it.Status]++
		if it.IsOverdue(now) {
			stats.Overdue++
		}
		if it.AIGenerated {
			stats.AIAssisted++
		}
	}

	archived, err := v.archive.Query(ctx, ArchiveQuery{TenantKey: tenantKey})
	if err != nil {
		return nil, err
	}
	stats.Archived = int64(len(archived))
	return stats, nil
}
