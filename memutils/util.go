package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

const (
	// PageSize is the minimum granularity of GPU allocations
	PageSize uint64 = 4 * 1024
	// PageSize64K is the granularity used for command buffers and other large internal allocations
	PageSize64K uint64 = 64 * 1024
	// CacheLineSize is the size reserved at the tail of command buffers so the hardware prefetcher
	// never reads past the end of the allocation
	CacheLineSize uint64 = 64
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) & ^(alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	return value & ^(alignment - 1)
}
