package residency

import "github.com/vkngwrapper/csr/allocation"

// Container is the set of allocations one submission references. It is rebuilt for every submission.
type Container []*allocation.Allocation

func (c Container) TotalSize() uint64 {
	var total uint64
	for _, alloc := range c {
		total += alloc.Size()
	}
	return total
}

func (c Container) IDs() map[allocation.ID]struct{} {
	ids := make(map[allocation.ID]struct{}, len(c))
	for _, alloc := range c {
		ids[alloc.ID()] = struct{}{}
	}
	return ids
}
