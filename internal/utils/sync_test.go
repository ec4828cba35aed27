package utils

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicMaxNeverLowers(t *testing.T) {
	var value atomic.Uint64

	require.Equal(t, uint64(10), AtomicMax(&value, 10))
	require.Equal(t, uint64(10), AtomicMax(&value, 3))
	require.Equal(t, uint64(11), AtomicMax(&value, 11))
	require.Equal(t, uint64(11), value.Load())
}

func TestAtomicMaxConcurrent(t *testing.T) {
	var value atomic.Uint64
	var wg sync.WaitGroup

	for i := uint64(1); i <= 64; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			AtomicMax(&value, v)
		}(i)
	}
	wg.Wait()

	require.Equal(t, uint64(64), value.Load())
}
