package queue

import (
	"github.com/cespare/xxhash/v2"

	"github.com/rl1809/stockflow/internal/core/domain"
)

// PartitionFor maps a key to a partition. Every producer must use the same
// partition count or per-key ordering breaks.
func PartitionFor(key domain.StockKey, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key.String()) % uint64(partitions))
}
