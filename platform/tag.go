package platform

import (
	"math"
	"sync/atomic"
)

// GpuHangTag is written to a tag slot by the kernel driver when it resets a context that stopped responding
const GpuHangTag uint64 = math.MaxUint64

// TagBuffer is the CPU-visible memory the hardware writes completed fence values into. Work that is split
// across several partitions (tiles) writes one slot per partition, and a fence value is only complete once
// every active partition has written it.
type TagBuffer struct {
	slots []atomic.Uint64
}

func NewTagBuffer(partitions int) *TagBuffer {
	if partitions < 1 {
		partitions = 1
	}
	return &TagBuffer{slots: make([]atomic.Uint64, partitions)}
}

func (b *TagBuffer) Partitions() int {
	return len(b.slots)
}

func (b *TagBuffer) Load(partition int) uint64 {
	return b.slots[partition].Load()
}

// Store is called by whatever plays the part of the hardware
func (b *TagBuffer) Store(partition int, value uint64) {
	b.slots[partition].Store(value)
}

// StoreAll writes value to every partition
func (b *TagBuffer) StoreAll(value uint64) {
	for i := range b.slots {
		b.slots[i].Store(value)
	}
}
