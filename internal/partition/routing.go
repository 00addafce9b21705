// Package partition implements the partition router: the pure mapping from
// a tenant key (hash partitioning) or a timestamp (range partitioning) to
// the physical partition that owns the row.
package partition

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Default partition counts for the observed deployment. Changing either
// value requires a full re-partitioning migration, not a rolling change.
const (
	DefaultActivePartitions      = 16
	DefaultInteractionPartitions = 8
)

// Router routes tenant keys to hash partitions. The partition count is
// fixed at construction and read-only afterward.
type Router struct {
	partitionCount int
}

// NewRouter creates a router for a fixed partition count.
func NewRouter(partitionCount int) (*Router, error) {
	if partitionCount <= 0 {
		return nil, fmt.Errorf("routing: partition count must be > 0, got %d", partitionCount)
	}
	return &Router{partitionCount: partitionCount}, nil
}

// PartitionCount returns the fixed partition count.
func (r *Router) PartitionCount() int {
	return r.partitionCount
}

// PartitionFor returns the partition index for a tenant key. It is a pure,
// deterministic, total function: the same key and count always produce the
// same index, across calls and across process restarts.
func (r *Router) PartitionFor(tenantKey uuid.UUID) int {
	return PartitionFor(tenantKey, r.partitionCount)
}

// PartitionFor maps a tenant key to a partition index in [0, partitionCount).
func PartitionFor(tenantKey uuid.UUID, partitionCount int) int {
	return int(hashTenantKey(tenantKey) % uint64(partitionCount))
}

// MonthKey identifies one monthly range partition of the archive store.
type MonthKey struct {
	Year  int
	Month time.Month
}

// MonthKeyFor returns the month window that owns an archival timestamp.
func MonthKeyFor(archivedAt time.Time) MonthKey {
	t := archivedAt.UTC()
	return MonthKey{Year: t.Year(), Month: t.Month()}
}

// Next returns the following month window.
func (m MonthKey) Next() MonthKey {
	t := time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return MonthKey{Year: t.Year(), Month: t.Month()}
}

// Start returns the inclusive lower bound of the window.
func (m MonthKey) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the exclusive upper bound of the window.
func (m MonthKey) End() time.Time {
	return m.Start().AddDate(0, 1, 0)
}

// String renders the window as y2025m09, the suffix used in partition names.
func (m MonthKey) String() string {
	return fmt.Sprintf("y%04dm%02d", m.Year, int(m.Month))
}

// Before reports whether m is strictly earlier than other.
func (m MonthKey) Before(other MonthKey) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Month < other.Month
}
