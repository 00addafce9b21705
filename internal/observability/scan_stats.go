// Package observability tracks which physical partitions each store touches,
// making partition pruning observable to tests and operators.
package observability

import (
	"sort"
	"sync"
	"time"
)

// ScanStats counts partition scans per store. Pruning correctness shows up
// here directly: a tenant-scoped query increments exactly one partition.
type ScanStats struct {
	mu         sync.RWMutex
	partitions map[string]*PartitionScan
}

// PartitionScan holds scan statistics for one physical partition.
type PartitionScan struct {
	Partition string
	Scans     int64
	LastSeen  time.Time
}

// NewScanStats creates a new scan tracker.
func NewScanStats() *ScanStats {
	return &ScanStats{partitions: make(map[string]*PartitionScan)}
}

// RecordScan records that a query touched the given partition.
// This method is O(1) and thread-safe.
func (s *ScanStats) RecordScan(partition string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.partitions[partition]
	if !ok {
		ps = &PartitionScan{Partition: partition}
		s.partitions[partition] = ps
	}
	ps.Scans++
	ps.LastSeen = time.Now()
}

// Scans returns the scan count for one partition.
func (s *ScanStats) Scans(partition string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ps, ok := s.partitions[partition]; ok {
		return ps.Scans
	}
	return 0
}

// TotalScans returns the scan count summed over all partitions.
func (s *ScanStats) TotalScans() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, ps := range s.partitions {
		total += ps.Scans
	}
	return total
}

// TouchedPartitions returns the partitions with at least one scan, sorted
// by name.
func (s *ScanStats) TouchedPartitions() []PartitionScan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PartitionScan, 0, len(s.partitions))
	for _, ps := range s.partitions {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Reset clears all counters.
func (s *ScanStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions = make(map[string]*PartitionScan)
}
