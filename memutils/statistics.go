package memutils

import "math"

// Statistics counts live allocations and the bytes they occupy
type Statistics struct {
	AllocationCount int
	AllocationBytes uint64
}

func (s *Statistics) Clear() {
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

func (s *Statistics) AddAllocation(size uint64) {
	s.AllocationCount++
	s.AllocationBytes += size
}

// ResidencyStatistics summarizes what a residency controller has done since it was created
type ResidencyStatistics struct {
	Statistics
	// PinCalls is the number of times the platform was asked to make handles resident
	PinCalls int
	// ForcedPinCalls is the number of pin calls issued in must-succeed mode
	ForcedPinCalls int
	// EvictedCount is the number of allocations made non-resident by trimming
	EvictedCount int
	// EvictedBytes is the number of bytes made non-resident by trimming
	EvictedBytes uint64
	// BudgetExhaustedCount is the number of pin calls rejected for lack of budget
	BudgetExhaustedCount int
}

func (s *ResidencyStatistics) Clear() {
	s.Statistics.Clear()
	s.PinCalls = 0
	s.ForcedPinCalls = 0
	s.EvictedCount = 0
	s.EvictedBytes = 0
	s.BudgetExhaustedCount = 0
}

func (s *ResidencyStatistics) AddEviction(size uint64) {
	s.EvictedCount++
	s.EvictedBytes += size
}

// PoolStatistics summarizes a reusable-allocation pool
type PoolStatistics struct {
	Statistics
	AllocationSizeMin uint64
	AllocationSizeMax uint64
	AcquireHits       int
	AcquireMisses     int
}

func (s *PoolStatistics) Clear() {
	s.Statistics.Clear()
	s.AllocationSizeMin = math.MaxUint64
	s.AllocationSizeMax = 0
	s.AcquireHits = 0
	s.AcquireMisses = 0
}

func (s *PoolStatistics) AddAllocation(size uint64) {
	s.Statistics.AddAllocation(size)

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}
