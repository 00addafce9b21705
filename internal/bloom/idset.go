// Package bloom provides a probabilistic set of item ids used to cheapen
// cross-store duplicate checks: a negative answer skips the archive lookup
// entirely, a positive answer falls through to the authoritative query.
package bloom

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// IDSet is a bloom filter over item ids. It guarantees no false negatives:
// if an id was added, MightContain always returns true.
type IDSet struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// NewIDSet creates a filter sized for the expected number of ids and target
// false positive rate.
//
// The formulas are:
//   - m = -n * ln(p) / (ln(2)^2)  where m = bits, n = items, p = FPR
//   - k = (m/n) * ln(2)           where k = hash functions
func NewIDSet(expectedItems int, targetFPR float64) *IDSet {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	k := (m / n) * math.Ln2

	numBits := int(math.Ceil(m))
	numHashes := int(math.Ceil(k))
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}

	numWords := (numBits + 63) / 64
	return &IDSet{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// Add records an id in the filter.
func (s *IDSet) Add(id uuid.UUID) {
	h1, h2 := murmur3.Sum128(id[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint64(0); i < s.numHashes; i++ {
		// Double hashing: h(i) = h1 + i*h2
		pos := (h1 + i*h2) % s.numBits
		s.bits[pos/64] |= 1 << (pos % 64)
	}
	s.count++
}

// MightContain reports whether the id may have been added. False positives
// are possible, false negatives are not.
func (s *IDSet) MightContain(id uuid.UUID) bool {
	h1, h2 := murmur3.Sum128(id[:])

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := uint64(0); i < s.numHashes; i++ {
		pos := (h1 + i*h2) % s.numBits
		if s.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of ids added.
func (s *IDSet) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// EstimatedFPR returns the estimated false positive rate at the current
// fill: (1 - e^(-k*n/m))^k.
func (s *IDSet) EstimatedFPR() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return 0
	}
	k := float64(s.numHashes)
	n := float64(s.count)
	m := float64(s.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
