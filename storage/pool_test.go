package storage

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/csr/allocation"
	"github.com/vkngwrapper/csr/config"
	"github.com/vkngwrapper/csr/memutils"
	"github.com/vkngwrapper/csr/platform"
	"golang.org/x/exp/slog"
)

type fakeFences struct {
	lock      sync.Mutex
	completed map[platform.ContextID]uint64
}

func newFakeFences() *fakeFences {
	return &fakeFences{completed: make(map[platform.ContextID]uint64)}
}

func (f *fakeFences) set(contextID platform.ContextID, value uint64) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.completed[contextID] = value
}

func (f *fakeFences) CompletedValue(contextID platform.ContextID) (uint64, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	value, ok := f.completed[contextID]
	return value, ok
}

type fakeFreer struct {
	table *allocation.Table
	freed []*allocation.Allocation
}

func (f *fakeFreer) FreeGraphicsMemoryImmediately(alloc *allocation.Allocation) error {
	_, err := f.table.Remove(alloc.ID())
	f.freed = append(f.freed, alloc)
	return err
}

func newAlloc(table *allocation.Table, size uint64, allocType allocation.Type) *allocation.Allocation {
	alloc := allocation.New(allocation.CreateInfo{
		Size: size,
		Type: allocType,
		CPU:  make([]byte, size),
	})
	table.Insert(alloc)
	return alloc
}

var bufferRequest = AcquireRequest{MinSize: 4096, Type: allocation.TypeBuffer, Pool: platform.MemoryPoolSystem4KB}

func TestAcquireWaitsForReleaseFence(t *testing.T) {
	table := allocation.NewTable()
	fences := newFakeFences()
	pool := NewPool(ClassTemporary, table, nil)

	// Fences 1, 2 and 3 submitted, 2 completed
	fences.set(1, 2)

	late := newAlloc(table, 4096, allocation.TypeBuffer)
	pool.Release(late, 1, 3)
	require.Nil(t, pool.TryAcquire(1, fences, bufferRequest))

	early := newAlloc(table, 4096, allocation.TypeBuffer)
	pool.Release(early, 1, 2)
	require.Same(t, early, pool.TryAcquire(1, fences, bufferRequest))
	require.Equal(t, 1, pool.Len())

	fences.set(1, 3)
	require.Same(t, late, pool.TryAcquire(1, fences, bufferRequest))
	require.Equal(t, 0, pool.Len())
	require.Nil(t, pool.TryAcquire(1, fences, bufferRequest))
}

func TestReleaseAcquireRoundTripPreservesIdentity(t *testing.T) {
	table := allocation.NewTable()
	fences := newFakeFences()
	pool := NewPool(ClassReusable, table, nil)

	alloc := newAlloc(table, 8192, allocation.TypeBuffer)
	pool.Release(alloc, 0, 7)
	fences.set(0, 7)

	acquired := pool.TryAcquire(0, fences, bufferRequest)
	require.Same(t, alloc, acquired)
	require.Equal(t, alloc.ID(), acquired.ID())
	require.Equal(t, 1, table.Len())
}

func TestAcquireRequiresEveryContextComplete(t *testing.T) {
	table := allocation.NewTable()
	fences := newFakeFences()
	pool := NewPool(ClassTemporary, table, nil)

	alloc := newAlloc(table, 4096, allocation.TypeBuffer)
	alloc.UpdateTaskCount(4, 2)
	pool.Release(alloc, 1, 1)

	fences.set(1, 1)
	fences.set(2, 3)
	require.Nil(t, pool.TryAcquire(1, fences, bufferRequest))

	fences.set(2, 4)
	require.Same(t, alloc, pool.TryAcquire(1, fences, bufferRequest))
}

func TestAcquireMatching(t *testing.T) {
	table := allocation.NewTable()
	fences := newFakeFences()
	pool := NewPool(ClassReusable, table, nil)

	small := newAlloc(table, 4096, allocation.TypeBuffer)
	image := newAlloc(table, 65536, allocation.TypeImage)
	large := newAlloc(table, 65536, allocation.TypeBuffer)
	pool.Push(small)
	pool.Push(image)
	pool.Push(large)

	testCases := map[string]struct {
		Request  AcquireRequest
		Expected *allocation.Allocation
	}{
		"Too Large": {
			Request: AcquireRequest{MinSize: 1 << 20, Type: allocation.TypeBuffer},
		},
		"Wrong Pool": {
			Request: AcquireRequest{MinSize: 4096, Type: allocation.TypeBuffer, Pool: platform.MemoryPoolLocalMemory},
		},
		"Pointer Mismatch": {
			Request: AcquireRequest{MinSize: 4096, Type: allocation.TypeBuffer, RequiredPtr: make([]byte, 4096)},
		},
		"Pointer Match": {
			Request:  AcquireRequest{MinSize: 4096, Type: allocation.TypeBuffer, RequiredPtr: large.CPU()},
			Expected: large,
		},
		"Type Match": {
			Request:  AcquireRequest{MinSize: 4096, Type: allocation.TypeImage},
			Expected: image,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			acquired := pool.TryAcquire(0, fences, testCase.Request)
			require.Equal(t, testCase.Expected, acquired)
			if acquired != nil {
				pool.Push(acquired)
			}
		})
	}
}

func TestConcurrentAcquireHandsOutOnce(t *testing.T) {
	table := allocation.NewTable()
	fences := newFakeFences()
	pool := NewPool(ClassTemporary, table, nil)

	pool.Release(newAlloc(table, 4096, allocation.TypeBuffer), 0, 1)
	fences.set(0, 1)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if pool.TryAcquire(0, fences, bufferRequest) != nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), winners.Load())
}

func TestSweepRetention(t *testing.T) {
	testCases := map[string]struct {
		Retention     config.Retention
		ExpectedFreed int
		ExpectedKept  int
	}{
		"Free": {
			Retention:     config.RetentionFree,
			ExpectedFreed: 2,
		},
		"Reuse": {
			Retention:    config.RetentionReuse,
			ExpectedKept: 2,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			table := allocation.NewTable()
			fences := newFakeFences()
			freer := &fakeFreer{table: table}
			temporary := NewPool(ClassTemporary, table, nil)
			reusable := NewPool(ClassReusable, table, nil)

			temporary.Release(newAlloc(table, 4096, allocation.TypeBuffer), 1, 1)
			temporary.Release(newAlloc(table, 4096, allocation.TypeBuffer), 1, 2)
			temporary.Release(newAlloc(table, 4096, allocation.TypeBuffer), 1, 5)

			shared := newAlloc(table, 4096, allocation.TypeBuffer)
			shared.UpdateTaskCount(9, 3)
			temporary.Release(shared, 1, 1)
			fences.set(3, 8)

			swept, err := temporary.Sweep(1, 2, fences, testCase.Retention, reusable, freer)
			require.NoError(t, err)
			require.Equal(t, 2, swept)
			require.Len(t, freer.freed, testCase.ExpectedFreed)
			require.Equal(t, testCase.ExpectedKept, reusable.Len())
			require.Equal(t, 2, temporary.Len())

			for _, kept := range reusable.DetachAll() {
				require.False(t, kept.IsUsed())
			}
		})
	}
}

func TestInternalStorage(t *testing.T) {
	table := allocation.NewTable()
	fences := newFakeFences()
	freer := &fakeFreer{table: table}
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	storage := NewInternalAllocationStorage(logger, 1, table, fences, freer, config.RetentionFree, nil)

	commandBuffer := newAlloc(table, 65536, allocation.TypeCommandBuffer)
	storage.StoreAllocation(commandBuffer, ClassReusable, 4)

	hostPtr := newAlloc(table, 4096, allocation.TypeExternalHostPtr)
	storage.StoreAllocation(hostPtr, ClassTemporary, 2)

	request := AcquireRequest{MinSize: 65536, Type: allocation.TypeCommandBuffer}
	fences.set(1, 3)
	require.Nil(t, storage.ObtainReusableAllocation(request))
	fences.set(1, 4)
	require.Same(t, commandBuffer, storage.ObtainReusableAllocation(request))

	ptrRequest := AcquireRequest{MinSize: 4096, Type: allocation.TypeExternalHostPtr, RequiredPtr: hostPtr.CPU()}
	require.Same(t, hostPtr, storage.ObtainTemporaryAllocationWithPtr(ptrRequest))
	require.Nil(t, storage.ObtainTemporaryAllocationWithPtr(AcquireRequest{Type: allocation.TypeExternalHostPtr}))

	storage.StoreAllocation(hostPtr, ClassTemporary, 5)
	require.NoError(t, storage.CleanAllocationList(4, ClassTemporary))
	require.Equal(t, 1, storage.Pool(ClassTemporary).Len())
	require.NoError(t, storage.CleanAllocationList(5, ClassTemporary))
	require.Equal(t, 0, storage.Pool(ClassTemporary).Len())
	require.Equal(t, []*allocation.Allocation{hostPtr}, freer.freed)

	storage.StoreAllocation(commandBuffer, ClassReusable, 6)
	require.NoError(t, storage.FreeAll())
	require.Equal(t, 0, table.Len())
}

func TestPoolStats(t *testing.T) {
	table := allocation.NewTable()
	fences := newFakeFences()
	pool := NewPool(ClassReusable, table, nil)

	pool.Push(newAlloc(table, 4096, allocation.TypeBuffer))
	pool.Push(newAlloc(table, 16384, allocation.TypeBuffer))
	pool.TryAcquire(0, fences, AcquireRequest{MinSize: 1 << 30, Type: allocation.TypeBuffer})

	var stats memutils.PoolStatistics
	pool.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, uint64(4096), stats.AllocationSizeMin)
	require.Equal(t, uint64(16384), stats.AllocationSizeMax)
	require.Equal(t, 1, stats.AcquireMisses)

	writer := jwriter.NewWriter()
	pool.BuildStatsString(&writer)
	out := string(writer.Bytes())
	require.True(t, strings.Contains(out, `"Class":"ClassReusable"`))
	require.True(t, strings.Contains(out, `"Count":2`))
}
