// Package hashring implements the consistent hash ring used for actor
// placement, including the hierarchical region/zone/silo variant for
// geo-aware clusters. Rings are mutated copy-on-write under a writer lock
// and published atomically, so lookups never synchronize and never observe
// partial state.
package hashring

import (
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// HashFunc maps a UTF-8 key to a 32-bit ring position.
type HashFunc func(key string) uint32

// castagnoli is the CRC32-C table. crc32 dispatches to the hardware
// instruction on amd64/arm64, which is why CRC32-C is the default ring
// hash.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Hash is the default ring hash: CRC32-Castagnoli over the key bytes.
func Hash(key string) uint32 {
	return crc32.Checksum([]byte(key), castagnoli)
}

// HashXX is the software fallback ring hash: xxhash64 truncated to 32
// bits. It distributes comparably to CRC32-C and carries no hardware
// dependency.
func HashXX(key string) uint32 {
	return uint32(xxhash.Sum64String(key))
}
