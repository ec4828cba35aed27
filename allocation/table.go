package allocation

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/csr/memutils"
)

// ID names an allocation in a Table. The low 32 bits are the slot index plus one, the high 32 bits are the
// slot's generation, so an ID for a removed allocation never resolves to whatever reuses its slot.
type ID uint64

const InvalidID ID = 0

func makeID(index int, generation uint32) ID {
	return ID(uint64(generation)<<32 | uint64(index+1))
}

func (id ID) index() int {
	return int(uint32(id)) - 1
}

func (id ID) generation() uint32 {
	return uint32(id >> 32)
}

type tableSlot struct {
	generation uint32
	alloc      *Allocation
}

// Table owns every live allocation on a device
type Table struct {
	lock      sync.RWMutex
	slots     []tableSlot
	freeSlots []int
	count     int

	byGpuAddress *swiss.Map[uint64, ID]
}

func NewTable() *Table {
	return &Table{
		byGpuAddress: swiss.NewMap[uint64, ID](64),
	}
}

// Insert takes ownership of alloc and assigns its ID
func (t *Table) Insert(alloc *Allocation) ID {
	t.lock.Lock()
	defer t.lock.Unlock()

	var index int
	if len(t.freeSlots) > 0 {
		index = t.freeSlots[len(t.freeSlots)-1]
		t.freeSlots = t.freeSlots[:len(t.freeSlots)-1]
	} else {
		index = len(t.slots)
		t.slots = append(t.slots, tableSlot{generation: 1})
	}

	slot := &t.slots[index]
	slot.alloc = alloc
	alloc.id = makeID(index, slot.generation)
	t.count++

	if alloc.gpuAddress != 0 {
		t.byGpuAddress.Put(alloc.gpuAddress, alloc.id)
	}

	return alloc.id
}

func (t *Table) lookup(id ID) (*Allocation, error) {
	index := id.index()
	if id == InvalidID || index >= len(t.slots) {
		return nil, errors.Wrapf(memutils.ErrInvalidHandle, "allocation id %#x", uint64(id))
	}

	slot := t.slots[index]
	if slot.alloc == nil || slot.generation != id.generation() {
		return nil, errors.Wrapf(memutils.ErrInvalidHandle, "allocation id %#x", uint64(id))
	}

	return slot.alloc, nil
}

func (t *Table) Get(id ID) (*Allocation, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.lookup(id)
}

// Remove returns ownership of the allocation to the caller and retires its ID
func (t *Table) Remove(id ID) (*Allocation, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	alloc, err := t.lookup(id)
	if err != nil {
		return nil, err
	}

	index := id.index()
	t.slots[index].alloc = nil
	t.slots[index].generation++
	t.freeSlots = append(t.freeSlots, index)
	t.count--

	if alloc.gpuAddress != 0 {
		t.byGpuAddress.Delete(alloc.gpuAddress)
	}
	alloc.id = InvalidID

	return alloc, nil
}

// FindByGpuAddress finds the allocation whose base GPU address is exactly address
func (t *Table) FindByGpuAddress(address uint64) (*Allocation, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	id, ok := t.byGpuAddress.Get(address)
	if !ok {
		return nil, false
	}

	alloc, err := t.lookup(id)
	return alloc, err == nil
}

func (t *Table) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.count
}

// Each calls visit for every live allocation in slot order until visit returns false. The table is read
// locked for the duration, so visit must not insert or remove.
func (t *Table) Each(visit func(alloc *Allocation) bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	for i := range t.slots {
		if t.slots[i].alloc == nil {
			continue
		}
		if !visit(t.slots[i].alloc) {
			return
		}
	}
}
