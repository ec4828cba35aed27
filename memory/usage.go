package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/vkngwrapper/csr/memutils"
	"github.com/vkngwrapper/csr/platform"
)

const memoryPoolCount = int(platform.MemoryPoolHostPtr) + 1

// usageData counts live allocations per memory pool
type usageData struct {
	allocationCount [memoryPoolCount]atomic.Uint32
	allocationBytes [memoryPoolCount]atomic.Uint64
}

func (d *usageData) AddAllocation(pool platform.MemoryPool, size uint64) {
	d.allocationBytes[pool].Add(size)
	d.allocationCount[pool].Add(1)
}

func (d *usageData) RemoveAllocation(pool platform.MemoryPool, size uint64) {
	if d.allocationBytes[pool].Load() < size {
		panic(fmt.Sprintf("allocation bytes for %s went negative", pool))
	}
	d.allocationBytes[pool].Add(-size)

	if d.allocationCount[pool].Load() == 0 {
		panic(fmt.Sprintf("allocation count for %s went negative", pool))
	}
	d.allocationCount[pool].Add(^uint32(0))
}

func (d *usageData) AddStatistics(pool platform.MemoryPool, stats *memutils.Statistics) {
	stats.AllocationCount += int(d.allocationCount[pool].Load())
	stats.AllocationBytes += d.allocationBytes[pool].Load()
}
