package partition

import "github.com/google/uuid"

// PostgreSQL-compatible hash partitioning.
//
// The partitioned layout this core manages was originally created with
// PostgreSQL declarative hash partitioning (PARTITION BY HASH (user_id)).
// Routing must agree byte-for-byte with that layout, so the hash below is
// the same one PostgreSQL applies to a uuid partition key: Jenkins lookup3
// (hash_bytes_extended) over the 16 uuid bytes, seeded with
// HASH_PARTITION_SEED, folded through hash_combine64, then reduced modulo
// the partition count.

const (
	// hashPartitionSeed is PostgreSQL's HASH_PARTITION_SEED.
	hashPartitionSeed uint64 = 0x7A5B22367996DCFD

	// hashCombineMagic is the constant PostgreSQL's hash_combine64 mixes in.
	hashCombineMagic uint64 = 0x49a0f4dd15e5a8e3
)

func rot(x uint32, k uint) uint32 {
	return x<<k | x>>(32-k)
}

func mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= c
	a ^= rot(c, 4)
	c += b
	b -= a
	b ^= rot(a, 6)
	a += c
	c -= b
	c ^= rot(b, 8)
	b += a
	a -= c
	a ^= rot(c, 16)
	c += b
	b -= a
	b ^= rot(a, 19)
	a += c
	c -= b
	c ^= rot(b, 4)
	b += a
	return a, b, c
}

func final(a, b, c uint32) (uint32, uint32, uint32) {
	c ^= b
	c -= rot(b, 14)
	a ^= c
	a -= rot(c, 11)
	b ^= a
	b -= rot(a, 25)
	c ^= b
	c -= rot(b, 16)
	a ^= c
	a -= rot(c, 4)
	b ^= a
	b -= rot(a, 14)
	c ^= b
	c -= rot(b, 24)
	return a, b, c
}

// hashBytesExtended is PostgreSQL's hash_bytes_extended (lookup3, byte-wise
// little-endian path) returning the 64-bit (b<<32)|c result.
func hashBytesExtended(k []byte, seed uint64) uint64 {
	n := len(k)
	a := uint32(0x9e3779b9) + uint32(n) + 3923095
	b := a
	c := a

	if seed != 0 {
		a += uint32(seed >> 32)
		b += uint32(seed)
		a, b, c = mix(a, b, c)
	}

	for n >= 12 {
		a += uint32(k[0]) | uint32(k[1])<<8 | uint32(k[2])<<16 | uint32(k[3])<<24
		b += uint32(k[4]) | uint32(k[5])<<8 | uint32(k[6])<<16 | uint32(k[7])<<24
		c += uint32(k[8]) | uint32(k[9])<<8 | uint32(k[10])<<16 | uint32(k[11])<<24
		a, b, c = mix(a, b, c)
		k = k[12:]
		n -= 12
	}

	// The lowest byte of c is reserved for the length.
	switch n {
	case 11:
		c += uint32(k[10]) << 24
		fallthrough
	case 10:
		c += uint32(k[9]) << 16
		fallthrough
	case 9:
		c += uint32(k[8]) << 8
		fallthrough
	case 8:
		b += uint32(k[7]) << 24
		fallthrough
	case 7:
		b += uint32(k[6]) << 16
		fallthrough
	case 6:
		b += uint32(k[5]) << 8
		fallthrough
	case 5:
		b += uint32(k[4])
		fallthrough
	case 4:
		a += uint32(k[3]) << 24
		fallthrough
	case 3:
		a += uint32(k[2]) << 16
		fallthrough
	case 2:
		a += uint32(k[1]) << 8
		fallthrough
	case 1:
		a += uint32(k[0])
		a, b, c = final(a, b, c)
	case 0:
		// Nothing left to mix in; lookup3 skips the final scramble.
	}

	return uint64(b)<<32 | uint64(c)
}

// hashCombine64 is PostgreSQL's hash_combine64.
func hashCombine64(a, b uint64) uint64 {
	a ^= b + hashCombineMagic + a<<54 + a>>7
	return a
}

// hashTenantKey computes the 64-bit partition hash for a tenant key exactly
// as PostgreSQL's compute_partition_hash_value does for a single uuid key.
func hashTenantKey(key uuid.UUID) uint64 {
	h := hashBytesExtended(key[:], hashPartitionSeed)
	return hashCombine64(0, h)
}
