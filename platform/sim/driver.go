// Package sim is an in-process platform driver. It keeps a byte budget for resident allocations, completes
// fences when told to (or immediately), and can declare contexts hung. It is used by tests and by tools that
// want to exercise a device without hardware.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/csr/memutils"
	"github.com/vkngwrapper/csr/platform"
	"golang.org/x/exp/slices"
)

type Options struct {
	// Budget is the number of bytes that may be resident at once. Zero means unlimited.
	Budget uint64
	// Partitions is the number of tag slots written per fence
	Partitions int
	// AutoComplete writes each submission's fence value to the tag buffer as soon as it is submitted
	AutoComplete bool
}

type simAllocation struct {
	size     uint64
	pool     platform.MemoryPool
	resident bool
}

type simContext struct {
	tag           *platform.TagBuffer
	lastSubmitted uint64
	hung          bool
	notify        chan struct{}
}

// Driver implements platform.Driver
type Driver struct {
	lock    sync.Mutex
	options Options

	nextHandle    platform.Handle
	allocations   map[platform.Handle]*simAllocation
	residentBytes uint64
	contexts      map[platform.ContextID]*simContext

	submissions []platform.SubmitInfo
	pinCalls    [][]platform.Handle
}

var _ platform.Driver = &Driver{}

func New(options Options) *Driver {
	if options.Partitions < 1 {
		options.Partitions = 1
	}

	return &Driver{
		options:     options,
		allocations: make(map[platform.Handle]*simAllocation),
		contexts:    make(map[platform.ContextID]*simContext),
	}
}

func (d *Driver) context(contextID platform.ContextID) *simContext {
	c, ok := d.contexts[contextID]
	if !ok {
		c = &simContext{
			tag:    platform.NewTagBuffer(d.options.Partitions),
			notify: make(chan struct{}),
		}
		d.contexts[contextID] = c
	}
	return c
}

func (c *simContext) wake() {
	close(c.notify)
	c.notify = make(chan struct{})
}

func (d *Driver) CreateAllocation(size uint64, pool platform.MemoryPool) (platform.Handle, []byte, common.VkResult, error) {
	if size == 0 {
		return platform.InvalidHandle, nil, core1_0.VKErrorUnknown, errors.New("cannot create an allocation of size 0")
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	d.nextHandle++
	handle := d.nextHandle
	d.allocations[handle] = &simAllocation{size: size, pool: pool}

	var cpu []byte
	if pool != platform.MemoryPoolLocalMemory {
		cpu = make([]byte, size)
	}

	return handle, cpu, core1_0.VKSuccess, nil
}

func (d *Driver) DestroyAllocation(handle platform.Handle) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	alloc, ok := d.allocations[handle]
	if !ok {
		return errors.Wrapf(memutils.ErrInvalidHandle, "destroy of unknown handle %d", handle)
	}

	if alloc.resident {
		d.residentBytes -= alloc.size
	}
	delete(d.allocations, handle)
	return nil
}

func (d *Driver) MakeResident(handles []platform.Handle, mustSucceed bool, totalSize uint64) (uint64, []platform.Handle, common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.pinCalls = append(d.pinCalls, append([]platform.Handle(nil), handles...))

	requested := make(map[platform.Handle]struct{}, len(handles))
	var needed uint64
	for _, handle := range handles {
		alloc, ok := d.allocations[handle]
		if !ok {
			return 0, nil, core1_0.VKErrorUnknown, errors.Wrapf(memutils.ErrInvalidHandle, "pin of unknown handle %d", handle)
		}
		requested[handle] = struct{}{}
		if !alloc.resident {
			needed += alloc.size
		}
	}

	var evicted []platform.Handle
	if d.options.Budget > 0 && d.residentBytes+needed > d.options.Budget {
		if !mustSucceed {
			return d.residentBytes + needed - d.options.Budget, nil, core1_0.VKErrorOutOfDeviceMemory, nil
		}

		var victims []platform.Handle
		for handle, alloc := range d.allocations {
			if _, inRequest := requested[handle]; !inRequest && alloc.resident {
				victims = append(victims, handle)
			}
		}
		// Oldest handles go first so tests can tell which allocations were pushed out
		slices.Sort(victims)

		for _, handle := range victims {
			if d.residentBytes+needed <= d.options.Budget {
				break
			}
			alloc := d.allocations[handle]
			alloc.resident = false
			d.residentBytes -= alloc.size
			evicted = append(evicted, handle)
		}

		if d.residentBytes+needed > d.options.Budget {
			return d.residentBytes + needed - d.options.Budget, evicted, core1_0.VKErrorOutOfDeviceMemory, nil
		}
	}

	for _, handle := range handles {
		alloc := d.allocations[handle]
		if !alloc.resident {
			alloc.resident = true
			d.residentBytes += alloc.size
		}
	}

	return 0, evicted, core1_0.VKSuccess, nil
}

func (d *Driver) Evict(handles []platform.Handle) (uint64, common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	for _, handle := range handles {
		alloc, ok := d.allocations[handle]
		if !ok || !alloc.resident {
			continue
		}
		alloc.resident = false
		d.residentBytes -= alloc.size
	}

	return 0, core1_0.VKSuccess, nil
}

func (d *Driver) EvictAll() (common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	for _, alloc := range d.allocations {
		alloc.resident = false
	}
	d.residentBytes = 0
	return core1_0.VKSuccess, nil
}

func (d *Driver) Submit(info platform.SubmitInfo) (common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	c := d.context(info.Context)
	if c.hung {
		return core1_0.VKErrorDeviceLost, errors.Wrapf(memutils.ErrContextHung, "context %d", info.Context)
	}

	for _, handle := range info.Residency {
		alloc, ok := d.allocations[handle]
		if !ok || !alloc.resident {
			return core1_0.VKErrorUnknown, errors.Newf("submission on context %d references non-resident handle %d", info.Context, handle)
		}
	}

	info.Residency = append([]platform.Handle(nil), info.Residency...)
	d.submissions = append(d.submissions, info)
	c.lastSubmitted = info.FenceValue

	if d.options.AutoComplete {
		c.tag.StoreAll(info.FenceValue)
		c.wake()
	}

	return core1_0.VKSuccess, nil
}

func (d *Driver) SleepUntilFenceOrTimeout(ctx context.Context, contextID platform.ContextID, value uint64, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		d.lock.Lock()
		c := d.context(contextID)
		done := c.hung || completedOn(c.tag) >= value
		notify := c.notify
		d.lock.Unlock()

		if done {
			return nil
		}

		select {
		case <-notify:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func completedOn(tag *platform.TagBuffer) uint64 {
	value := tag.Load(0)
	for i := 1; i < tag.Partitions(); i++ {
		value = min(value, tag.Load(i))
	}
	return value
}

func (d *Driver) IsGpuHangDetected(contextID platform.ContextID) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.context(contextID).hung
}

func (d *Driver) TagBuffer(contextID platform.ContextID) *platform.TagBuffer {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.context(contextID).tag
}

// Complete plays the part of the hardware finishing every submission on the context up to value
func (d *Driver) Complete(contextID platform.ContextID, value uint64) {
	d.lock.Lock()
	defer d.lock.Unlock()

	c := d.context(contextID)
	c.tag.StoreAll(value)
	c.wake()
}

// CompletePartition writes value to a single partition's tag slot
func (d *Driver) CompletePartition(contextID platform.ContextID, partition int, value uint64) {
	d.lock.Lock()
	defer d.lock.Unlock()

	c := d.context(contextID)
	c.tag.Store(partition, value)
	c.wake()
}

// CompleteAll completes everything submitted so far on the context
func (d *Driver) CompleteAll(contextID platform.ContextID) {
	d.lock.Lock()
	defer d.lock.Unlock()

	c := d.context(contextID)
	c.tag.StoreAll(c.lastSubmitted)
	c.wake()
}

// InjectHang declares the context dead and writes the hang sentinel to its tag buffer
func (d *Driver) InjectHang(contextID platform.ContextID) {
	d.lock.Lock()
	defer d.lock.Unlock()

	c := d.context(contextID)
	c.hung = true
	c.tag.StoreAll(platform.GpuHangTag)
	c.wake()
}

func (d *Driver) IsResident(handle platform.Handle) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	alloc, ok := d.allocations[handle]
	return ok && alloc.resident
}

func (d *Driver) ResidentBytes() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.residentBytes
}

func (d *Driver) LiveAllocations() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return len(d.allocations)
}

func (d *Driver) Submissions() []platform.SubmitInfo {
	d.lock.Lock()
	defer d.lock.Unlock()

	return append([]platform.SubmitInfo(nil), d.submissions...)
}

// PinCalls returns the handle list of every MakeResident call so far
func (d *Driver) PinCalls() [][]platform.Handle {
	d.lock.Lock()
	defer d.lock.Unlock()

	return append([][]platform.Handle(nil), d.pinCalls...)
}
