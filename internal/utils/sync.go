package utils

import "sync/atomic"

// AtomicMax raises target to value if value is larger and returns the resulting value. It never lowers target,
// so readers always observe a non-decreasing sequence.
func AtomicMax(target *atomic.Uint64, value uint64) uint64 {
	for {
		current := target.Load()
		if value <= current {
			return current
		}

		if target.CompareAndSwap(current, value) {
			return value
		}
	}
}
