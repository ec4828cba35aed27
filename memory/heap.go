package memory

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/csr/memutils"
	"golang.org/x/exp/slices"
)

// smallAllocationLimit is the largest allocation the heap places at the bottom of its range
const smallAllocationLimit uint64 = 9 * memutils.PageSize64K

type chunk struct {
	address uint64
	size    uint64
}

func (c chunk) end() uint64 {
	return c.address + c.size
}

// Heap hands out GPU virtual address ranges. Small ranges grow up from the bottom of the heap and large ranges
// grow down from the top so that the two don't fragment each other. Freed ranges that don't touch either
// frontier are kept in an address-ordered list and reused first-fit.
type Heap struct {
	lock sync.Mutex

	base  uint64
	limit uint64
	left  uint64
	right uint64

	freed []chunk
}

func NewHeap(base, size uint64) *Heap {
	return &Heap{
		base:  base,
		limit: base + size,
		left:  base,
		right: base + size,
	}
}

// Allocate reserves size bytes aligned to alignment, which must be a power of two
func (h *Heap) Allocate(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.New("cannot reserve an empty address range")
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return 0, err
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	defer memutils.DebugValidate(h)

	address, ok := h.allocateFromFreed(size, alignment)
	if ok {
		return address, nil
	}

	if size <= smallAllocationLimit {
		address = memutils.AlignUp(h.left, alignment)
		if address+size > h.right || address+size < address {
			return 0, errors.Newf("gpu address space exhausted reserving %d bytes", size)
		}
		if address > h.left {
			h.insertFreed(chunk{address: h.left, size: address - h.left})
		}
		h.left = address + size
		return address, nil
	}

	if h.right-h.left < size {
		return 0, errors.Newf("gpu address space exhausted reserving %d bytes", size)
	}
	address = memutils.AlignDown(h.right-size, alignment)
	if address < h.left {
		return 0, errors.Newf("gpu address space exhausted reserving %d bytes", size)
	}
	if address+size < h.right {
		h.insertFreed(chunk{address: address + size, size: h.right - address - size})
	}
	h.right = address
	return address, nil
}

func (h *Heap) allocateFromFreed(size, alignment uint64) (uint64, bool) {
	for i, c := range h.freed {
		address := memutils.AlignUp(c.address, alignment)
		if address+size > c.end() {
			continue
		}

		h.freed = slices.Delete(h.freed, i, i+1)
		if address > c.address {
			h.insertFreed(chunk{address: c.address, size: address - c.address})
		}
		if address+size < c.end() {
			h.insertFreed(chunk{address: address + size, size: c.end() - address - size})
		}
		return address, true
	}

	return 0, false
}

func (h *Heap) Free(address, size uint64) {
	if size == 0 {
		return
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	memutils.DebugAssert(address >= h.base && address+size <= h.limit, "freed range lies outside the heap")
	h.insertFreed(chunk{address: address, size: size})
	h.absorbFrontiers()
	memutils.DebugValidate(h)
}

// insertFreed keeps the list ordered by address and merges neighbors
func (h *Heap) insertFreed(c chunk) {
	index := slices.IndexFunc(h.freed, func(other chunk) bool {
		return other.address > c.address
	})
	if index < 0 {
		index = len(h.freed)
	}

	if index < len(h.freed) && c.end() == h.freed[index].address {
		c.size += h.freed[index].size
		h.freed = slices.Delete(h.freed, index, index+1)
	}
	if index > 0 && h.freed[index-1].end() == c.address {
		h.freed[index-1].size += c.size
		return
	}

	h.freed = slices.Insert(h.freed, index, c)
}

// absorbFrontiers moves the frontiers over any freed range that touches them
func (h *Heap) absorbFrontiers() {
	for {
		index := slices.IndexFunc(h.freed, func(c chunk) bool {
			return c.end() == h.left || c.address == h.right
		})
		if index < 0 {
			return
		}

		c := h.freed[index]
		if c.end() == h.left {
			h.left = c.address
		} else {
			h.right = c.end()
		}
		h.freed = slices.Delete(h.freed, index, index+1)
	}
}

// Validate checks that the frontiers are in order and that the reuse list is sorted, unmerged and lies
// strictly between the heap base and the left frontier or the right frontier and the limit
func (h *Heap) Validate() error {
	if h.left < h.base || h.right > h.limit || h.left > h.right {
		return errors.Newf("heap frontiers out of order: base %#x left %#x right %#x limit %#x", h.base, h.left, h.right, h.limit)
	}

	for i, c := range h.freed {
		if c.size == 0 {
			return errors.Newf("empty chunk at %#x", c.address)
		}
		if c.end() > h.left && c.address < h.right {
			return errors.Newf("chunk at %#x overlaps the unreserved range", c.address)
		}
		if i > 0 && h.freed[i-1].end() >= c.address {
			return errors.Newf("chunks at %#x and %#x are unordered or unmerged", h.freed[i-1].address, c.address)
		}
	}
	return nil
}

// Available returns the number of unreserved bytes, including fragmented ones
func (h *Heap) Available() uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()

	available := h.right - h.left
	for _, c := range h.freed {
		available += c.size
	}
	return available
}

// FreeChunks returns the number of ranges on the reuse list
func (h *Heap) FreeChunks() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return len(h.freed)
}
