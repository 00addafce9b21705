package migrate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	sterrors "github.com/shardtask/shardtask/internal/errors"
	"github.com/shardtask/shardtask/pkg/types"
)

// Check is one validation comparison between the legacy table and the
// partitioned stores.
type Check struct {
	Name     string `json:"name"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
	Pass     bool   `json:"pass"`
}

// ValidationReport is the result of a full post-migration comparison.
type ValidationReport struct {
	Checks []Check `json:"checks"`
}

// Passed reports whether every check passed.
func (r *ValidationReport) Passed() bool {
	for _, c := range r.Checks {
		if !c.Pass {
			return false
		}
	}
	return true
}

func (r *ValidationReport) add(name string, expected, actual int64) {
	r.Checks = append(r.Checks, Check{
		Name:     name,
		Expected: expected,
		Actual:   actual,
		Pass:     expected == actual,
	})
}

// Validate compares the legacy table against the partitioned stores: total
// row count, per-status counts, distinct tenant count, and parent
// referential integrity. It never modifies data. A failing report is
// returned alongside a VALIDATION_FAILED error so callers can both inspect
// and halt on it.
func (e *Engine) Validate(ctx context.Context) (*ValidationReport, error) {
	report := &ValidationReport{}

	var legacyTotal int64
	if err := e.db.QueryRow(ctx, `SELECT COUNT(*) FROM todos`).Scan(&legacyTotal); err != nil {
		return nil, sterrors.NewInternalError("count legacy rows", err)
	}
	activeTotal, err := e.active.Count(ctx)
	if err != nil {
		return nil, err
	}
	archiveTotal, err := e.archive.Count(ctx)
	if err != nil {
		return nil, err
	}
	report.add("total_rows", legacyTotal, activeTotal+archiveTotal)

	legacyByStatus, err := e.legacyCountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	activeByStatus, err := e.active.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, status := range []types.Status{types.StatusTodo, types.StatusInProgress, types.StatusDone} {
		actual := activeByStatus[status]
		if status == types.StatusDone {
			actual += archiveTotal // every archived row is done
		}
		report.add("status_"+string(status), legacyByStatus[status], actual)
	}

	legacyTenants, err := e.legacyTenantCount(ctx)
	if err != nil {
		return nil, err
	}
	activeTenants, err := e.active.TenantKeys(ctx)
	if err != nil {
		return nil, err
	}
	archiveTenants, err := e.archive.TenantKeys(ctx)
	if err != nil {
		return nil, err
	}
	for k := range archiveTenants {
		activeTenants[k] = struct{}{}
	}
	report.add("distinct_tenants", legacyTenants, int64(len(activeTenants)))

	orphans, err := e.orphanedParents(ctx)
	if err != nil {
		return nil, err
	}
	report.add("orphaned_parents", 0, orphans)

	if !report.Passed() {
		var failed []string
		for _, c := range report.Checks {
			if !c.Pass {
				failed = append(failed, c.Name)
			}
		}
		return report, sterrors.NewValidationFailed(
			fmt.Sprintf("migration validation failed: %v", failed))
	}
	return report, nil
}

func (e *Engine) legacyCountByStatus(ctx context.Context) (map[types.Status]int64, error) {
	rows, err := e.db.Query(ctx, `SELECT status, COUNT(*) FROM todos GROUP BY status`)
	if err != nil {
		return nil, sterrors.NewInternalError("count legacy by status", err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, sterrors.NewInternalError("scan legacy status count", err)
		}
		counts[types.Status(status)] = n
	}
	return counts, rows.Err()
}

func (e *Engine) legacyTenantCount(ctx context.Context) (int64, error) {
	var n int64
	if err := e.db.QueryRow(ctx, `SELECT COUNT(DISTINCT user_id) FROM todos`).Scan(&n); err != nil {
		return 0, sterrors.NewInternalError("count legacy tenants", err)
	}
	return n, nil
}

// orphanedParents counts active items whose parent exists in neither store.
// Parents that were archived while their children stayed open are not
// orphans; the reference is logical and may cross stores.
func (e *Engine) orphanedParents(ctx context.Context) (int64, error) {
	items, err := e.active.QueryAll(ctx, nil, 0)
	if err != nil {
		return 0, err
	}

	seen := make(map[uuid.UUID]bool)
	var orphans int64
	for _, it := range items {
		if it.ParentID == nil {
			continue
		}
		pid := *it.ParentID
		exists, ok := seen[pid]
		if !ok {
			exists, err = e.active.ContainsID(ctx, pid)
			if err != nil {
				return 0, err
			}
			if !exists {
				exists, err = e.archive.ContainsID(ctx, pid)
				if err != nil {
					return 0, err
				}
			}
			seen[pid] = exists
		}
		if !exists {
			orphans++
		}
	}
	return orphans, nil
}
