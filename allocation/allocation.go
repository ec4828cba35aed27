// Package allocation holds the GPU allocation entity and the arena table that owns every live allocation on
// a device. Everything else in the module refers to allocations through the table's IDs.
package allocation

import (
	"math"
	"strconv"
	"sync/atomic"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/csr/platform"
)

// NotUsed is the task count of a context that has never submitted work referencing the allocation, or whose
// usage was released
const NotUsed uint64 = math.MaxUint64

type usageData struct {
	taskCount          atomic.Uint64
	residencyTaskCount atomic.Uint64
	resident           atomic.Bool
}

type Allocation struct {
	id         ID
	osHandle   platform.Handle
	cpu        []byte
	gpuAddress uint64
	size       uint64
	allocType  Type
	pool       platform.MemoryPool
	flags      Flags
	name       string

	usage [platform.MaxContexts]usageData

	// Guarded by the lock of whichever storage list holds the allocation
	nextInList ID
}

type CreateInfo struct {
	OSHandle   platform.Handle
	CPU        []byte
	GpuAddress uint64
	Size       uint64
	Type       Type
	Pool       platform.MemoryPool
	Flags      Flags
	Name       string
}

func New(info CreateInfo) *Allocation {
	a := &Allocation{
		osHandle:   info.OSHandle,
		cpu:        info.CPU,
		gpuAddress: info.GpuAddress,
		size:       info.Size,
		allocType:  info.Type,
		pool:       info.Pool,
		flags:      info.Flags,
		name:       info.Name,
	}

	for i := range a.usage {
		a.usage[i].taskCount.Store(NotUsed)
		a.usage[i].residencyTaskCount.Store(NotUsed)
	}

	return a
}

// ID is the allocation's identity in the table that owns it. It is InvalidID until the allocation is inserted.
func (a *Allocation) ID() ID                          { return a.id }
func (a *Allocation) OSHandle() platform.Handle       { return a.osHandle }
func (a *Allocation) CPU() []byte                     { return a.cpu }
func (a *Allocation) GpuAddress() uint64              { return a.gpuAddress }
func (a *Allocation) Size() uint64                    { return a.size }
func (a *Allocation) Type() Type                      { return a.allocType }
func (a *Allocation) MemoryPool() platform.MemoryPool { return a.pool }
func (a *Allocation) Flags() Flags                    { return a.flags }
func (a *Allocation) Name() string                    { return a.name }

func (a *Allocation) SetName(name string) {
	a.name = name
}

// TaskCount returns the fence value of the most recent submission on the context that referenced the
// allocation, or NotUsed
func (a *Allocation) TaskCount(contextID platform.ContextID) uint64 {
	return a.usage[contextID].taskCount.Load()
}

func (a *Allocation) UpdateTaskCount(value uint64, contextID platform.ContextID) {
	a.usage[contextID].taskCount.Store(value)
}

// ResidencyTaskCount returns the fence value through which the allocation must stay resident on the context
func (a *Allocation) ResidencyTaskCount(contextID platform.ContextID) uint64 {
	return a.usage[contextID].residencyTaskCount.Load()
}

func (a *Allocation) UpdateResidencyTaskCount(value uint64, contextID platform.ContextID) {
	a.usage[contextID].residencyTaskCount.Store(value)
}

// ResidencyContexts returns every context with a recorded residency task count
func (a *Allocation) ResidencyContexts() []platform.ContextID {
	var contexts []platform.ContextID
	for i := range a.usage {
		if a.usage[i].residencyTaskCount.Load() != NotUsed {
			contexts = append(contexts, platform.ContextID(i))
		}
	}
	return contexts
}

// LatestResidencyTaskCount is the highest residency task count recorded on any context, or zero
func (a *Allocation) LatestResidencyTaskCount() uint64 {
	var latest uint64
	for i := range a.usage {
		value := a.usage[i].residencyTaskCount.Load()
		if value != NotUsed && value > latest {
			latest = value
		}
	}
	return latest
}

func (a *Allocation) IsResident(contextID platform.ContextID) bool {
	return a.usage[contextID].resident.Load()
}

func (a *Allocation) SetResident(contextID platform.ContextID, resident bool) {
	a.usage[contextID].resident.Store(resident)
}

func (a *Allocation) IsResidentOnAnyContext() bool {
	for i := range a.usage {
		if a.usage[i].resident.Load() {
			return true
		}
	}
	return false
}

// SetResidentEverywhere sets or clears residency for every context at once. Device-wide residency changes
// (eviction, trimming) apply to all contexts.
func (a *Allocation) SetResidentEverywhere(resident bool) {
	for i := range a.usage {
		a.usage[i].resident.Store(resident)
	}
}

func (a *Allocation) IsUsedByContext(contextID platform.ContextID) bool {
	return a.usage[contextID].taskCount.Load() != NotUsed
}

// ReleaseUsageInContext forgets the context's usage of the allocation. It should only be called once the
// context has completed the allocation's task count, or has been destroyed.
func (a *Allocation) ReleaseUsageInContext(contextID platform.ContextID) {
	a.usage[contextID].taskCount.Store(NotUsed)
	a.usage[contextID].residencyTaskCount.Store(NotUsed)
}

func (a *Allocation) IsUsed() bool {
	for i := range a.usage {
		if a.usage[i].taskCount.Load() != NotUsed {
			return true
		}
	}
	return false
}

// UsedContexts returns every context with a recorded task count
func (a *Allocation) UsedContexts() []platform.ContextID {
	var contexts []platform.ContextID
	for i := range a.usage {
		if a.usage[i].taskCount.Load() != NotUsed {
			contexts = append(contexts, platform.ContextID(i))
		}
	}
	return contexts
}

// NextInList is the link used by storage lists
func (a *Allocation) NextInList() ID {
	return a.nextInList
}

func (a *Allocation) SetNextInList(next ID) {
	a.nextInList = next
}

func (a *Allocation) PrintParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.allocType.String())
	json.Name("Size").Int(int(a.size))
	json.Name("GpuAddress").String("0x" + strconv.FormatUint(a.gpuAddress, 16))
	json.Name("MemoryPool").String(a.pool.String())

	if a.flags != 0 {
		json.Name("Flags").String(a.flags.String())
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}

	contexts := a.UsedContexts()
	if len(contexts) > 0 {
		usage := json.Name("TaskCounts").Object()
		for _, contextID := range contexts {
			usage.Name(strconv.Itoa(int(contextID))).Int(int(a.TaskCount(contextID)))
		}
		usage.End()
	}
}
