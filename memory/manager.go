// Package memory creates and destroys GPU allocations. It decides whether a freed allocation can be destroyed
// right away or has to wait for engines that still reference it.
package memory

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/csr/allocation"
	"github.com/vkngwrapper/csr/internal/metrics"
	"github.com/vkngwrapper/csr/memutils"
	"github.com/vkngwrapper/csr/platform"
	"golang.org/x/exp/slog"
)

const (
	// DefaultHeapBase keeps the null page and the first 1MiB of the address space unused
	DefaultHeapBase uint64 = 0x100000
	// DefaultHeapSize covers a 48-bit address space
	DefaultHeapSize uint64 = (1 << 48) - DefaultHeapBase
)

// FenceReader is the view of an engine's fence tracker the memory manager needs
type FenceReader interface {
	CompletedValue() uint64
}

// ResidencyObserver is told about every allocation just before it is destroyed
type ResidencyObserver interface {
	RemoveFromTrimCandidates(alloc *allocation.Allocation)
}

type Properties struct {
	Size  uint64
	Type  allocation.Type
	Pool  platform.MemoryPool
	Flags allocation.Flags
	Name  string
}

type Manager struct {
	logger  *slog.Logger
	driver  platform.MemoryDriver
	table   *allocation.Table
	heap    *Heap
	metrics *metrics.Collectors
	usage   usageData

	engineLock sync.RWMutex
	engines    [platform.MaxContexts]FenceReader

	deferredLock sync.Mutex
	deferred     []allocation.ID

	observerLock sync.RWMutex
	observer     ResidencyObserver
}

func NewManager(logger *slog.Logger, driver platform.MemoryDriver, collectors *metrics.Collectors) *Manager {
	return &Manager{
		logger:  logger,
		driver:  driver,
		table:   allocation.NewTable(),
		heap:    NewHeap(DefaultHeapBase, DefaultHeapSize),
		metrics: collectors,
	}
}

func (m *Manager) Table() *allocation.Table {
	return m.table
}

func (m *Manager) SetResidencyObserver(observer ResidencyObserver) {
	m.observerLock.Lock()
	defer m.observerLock.Unlock()

	m.observer = observer
}

func alignmentFor(props Properties) uint64 {
	if props.Type.IsCommandStream() || props.Pool == platform.MemoryPoolSystem64KB || props.Pool == platform.MemoryPoolLocalMemory {
		return memutils.PageSize64K
	}
	return memutils.PageSize
}

func (m *Manager) AllocateGraphicsMemory(props Properties) (*allocation.Allocation, common.VkResult, error) {
	if props.Size == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("cannot allocate graphics memory of size 0")
	}

	alignment := alignmentFor(props)
	size := memutils.AlignUp(props.Size, alignment)

	m.logger.Debug("Manager::AllocateGraphicsMemory",
		slog.String("Type", props.Type.String()),
		slog.String("Pool", props.Pool.String()),
		slog.Uint64("Size", size),
	)

	gpuAddress, err := m.heap.Allocate(size, alignment)
	if err != nil {
		return nil, core1_0.VKErrorOutOfDeviceMemory, err
	}

	handle, cpu, res, err := m.driver.CreateAllocation(size, props.Pool)
	if err != nil || res != core1_0.VKSuccess {
		m.heap.Free(gpuAddress, size)
		if err == nil {
			err = res.ToError()
		}
		return nil, res, errors.Wrapf(err, "failed to create %s allocation of %d bytes", props.Type, size)
	}

	alloc := allocation.New(allocation.CreateInfo{
		OSHandle:   handle,
		CPU:        cpu,
		GpuAddress: gpuAddress,
		Size:       size,
		Type:       props.Type,
		Pool:       props.Pool,
		Flags:      props.Flags,
		Name:       props.Name,
	})
	m.table.Insert(alloc)
	m.usage.AddAllocation(props.Pool, size)

	return alloc, core1_0.VKSuccess, nil
}

// RegisterEngine makes the engine's completion visible to IsInUse and deferred frees
func (m *Manager) RegisterEngine(contextID platform.ContextID, fence FenceReader) {
	m.engineLock.Lock()
	defer m.engineLock.Unlock()

	m.engines[contextID] = fence
}

func (m *Manager) UnregisterEngine(contextID platform.ContextID) {
	m.engineLock.Lock()
	defer m.engineLock.Unlock()

	m.engines[contextID] = nil
}

// CompletedValue returns the engine's completed fence value. ok is false for contexts that aren't registered.
func (m *Manager) CompletedValue(contextID platform.ContextID) (value uint64, ok bool) {
	m.engineLock.RLock()
	fence := m.engines[contextID]
	m.engineLock.RUnlock()

	if fence == nil {
		return 0, false
	}
	return fence.CompletedValue(), true
}

// IsInUse reports whether any registered engine has yet to complete the allocation's task count. Usage
// recorded by engines that no longer exist is ignored.
func (m *Manager) IsInUse(alloc *allocation.Allocation) bool {
	for _, contextID := range alloc.UsedContexts() {
		completed, ok := m.CompletedValue(contextID)
		if ok && completed < alloc.TaskCount(contextID) {
			return true
		}
	}
	return false
}

// FreeGraphicsMemory destroys the allocation if no engine is using it and otherwise defers the destruction
// until CheckDeferredFrees finds every engine has caught up
func (m *Manager) FreeGraphicsMemory(alloc *allocation.Allocation) error {
	if alloc == nil {
		return nil
	}

	if !m.IsInUse(alloc) {
		return m.FreeGraphicsMemoryImmediately(alloc)
	}

	m.deferredLock.Lock()
	defer m.deferredLock.Unlock()

	m.deferred = append(m.deferred, alloc.ID())
	m.metrics.SetDeferredFrees(len(m.deferred))

	m.logger.Debug("Manager::FreeGraphicsMemory deferred",
		slog.String("Type", alloc.Type().String()),
		slog.Int("Deferred", len(m.deferred)),
	)
	return nil
}

// FreeGraphicsMemoryImmediately destroys the allocation without looking at its fences
func (m *Manager) FreeGraphicsMemoryImmediately(alloc *allocation.Allocation) error {
	m.observerLock.RLock()
	observer := m.observer
	m.observerLock.RUnlock()

	if observer != nil {
		observer.RemoveFromTrimCandidates(alloc)
	}

	_, err := m.table.Remove(alloc.ID())
	if err != nil {
		return err
	}

	m.heap.Free(alloc.GpuAddress(), alloc.Size())
	m.usage.RemoveAllocation(alloc.MemoryPool(), alloc.Size())

	err = m.driver.DestroyAllocation(alloc.OSHandle())
	if err != nil {
		return errors.Wrapf(err, "failed to destroy os handle %d", alloc.OSHandle())
	}
	return nil
}

// CheckDeferredFrees destroys every deferred allocation no engine is still using and returns how many
// were destroyed
func (m *Manager) CheckDeferredFrees() (int, error) {
	m.deferredLock.Lock()
	var ready []*allocation.Allocation
	remaining := m.deferred[:0]
	for _, id := range m.deferred {
		alloc, err := m.table.Get(id)
		if err != nil {
			continue
		}

		if m.IsInUse(alloc) {
			remaining = append(remaining, id)
		} else {
			ready = append(ready, alloc)
		}
	}
	m.deferred = remaining
	m.metrics.SetDeferredFrees(len(m.deferred))
	m.deferredLock.Unlock()

	var err error
	for _, alloc := range ready {
		err = errors.CombineErrors(err, m.FreeGraphicsMemoryImmediately(alloc))
	}

	return len(ready), err
}

func (m *Manager) DeferredCount() int {
	m.deferredLock.Lock()
	defer m.deferredLock.Unlock()

	return len(m.deferred)
}

func (m *Manager) CalculateStatistics(stats *memutils.Statistics) {
	stats.Clear()
	for pool := 0; pool < memoryPoolCount; pool++ {
		m.usage.AddStatistics(platform.MemoryPool(pool), stats)
	}
}

func (m *Manager) PoolStatistics(pool platform.MemoryPool, stats *memutils.Statistics) {
	stats.Clear()
	m.usage.AddStatistics(pool, stats)
}

// Close destroys every allocation still in the table, deferred or not. Engines must already be gone.
func (m *Manager) Close() error {
	m.deferredLock.Lock()
	m.deferred = nil
	m.metrics.SetDeferredFrees(0)
	m.deferredLock.Unlock()

	var leaked []*allocation.Allocation
	m.table.Each(func(alloc *allocation.Allocation) bool {
		leaked = append(leaked, alloc)
		return true
	})

	if len(leaked) > 0 {
		m.logger.Warn("Manager::Close destroying live allocations", slog.Int("Count", len(leaked)))
	}

	var err error
	for _, alloc := range leaked {
		err = errors.CombineErrors(err, m.FreeGraphicsMemoryImmediately(alloc))
	}
	return err
}
