package residency

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/csr/allocation"
	"github.com/vkngwrapper/csr/memutils"
)

// trimCandidates is every allocation the controller has made resident, in the order they were first pinned.
// Removal leaves a hole which is compacted away once holes make up more than half the list.
type trimCandidates struct {
	list      []*allocation.Allocation
	positions *swiss.Map[allocation.ID, int]
	holes     int
}

func newTrimCandidates() *trimCandidates {
	return &trimCandidates{
		positions: swiss.NewMap[allocation.ID, int](64),
	}
}

func (c *trimCandidates) Len() int {
	return len(c.list) - c.holes
}

func (c *trimCandidates) Has(alloc *allocation.Allocation) bool {
	return c.positions.Has(alloc.ID())
}

func (c *trimCandidates) Add(alloc *allocation.Allocation) {
	if c.positions.Has(alloc.ID()) {
		return
	}

	c.positions.Put(alloc.ID(), len(c.list))
	c.list = append(c.list, alloc)
}

func (c *trimCandidates) Remove(alloc *allocation.Allocation) bool {
	position, ok := c.positions.Get(alloc.ID())
	if !ok {
		return false
	}

	c.positions.Delete(alloc.ID())
	if position == len(c.list)-1 {
		c.list = c.list[:position]
		c.trimTrailingHoles()
	} else {
		c.list[position] = nil
		c.holes++
	}

	if c.holes > len(c.list)/2 {
		c.compact()
	}
	memutils.DebugValidate(c)
	return true
}

func (c *trimCandidates) trimTrailingHoles() {
	for len(c.list) > 0 && c.list[len(c.list)-1] == nil {
		c.list = c.list[:len(c.list)-1]
		c.holes--
	}
}

func (c *trimCandidates) compact() {
	compacted := c.list[:0]
	for _, alloc := range c.list {
		if alloc == nil {
			continue
		}
		c.positions.Put(alloc.ID(), len(compacted))
		compacted = append(compacted, alloc)
	}

	for i := len(compacted); i < len(c.list); i++ {
		c.list[i] = nil
	}
	c.list = compacted
	c.holes = 0
}

// Each visits candidates in list order, skipping holes
func (c *trimCandidates) Each(visit func(alloc *allocation.Allocation)) {
	for _, alloc := range c.list {
		if alloc != nil {
			visit(alloc)
		}
	}
}

func (c *trimCandidates) Validate() error {
	holes := 0
	for position, alloc := range c.list {
		if alloc == nil {
			holes++
			continue
		}

		recorded, ok := c.positions.Get(alloc.ID())
		if !ok || recorded != position {
			return errors.Newf("candidate %d is at %d but recorded at %d", alloc.ID(), position, recorded)
		}
	}

	if holes != c.holes {
		return errors.Newf("counted %d holes but %d are recorded", holes, c.holes)
	}
	if c.positions.Count() != len(c.list)-holes {
		return errors.Newf("%d positions recorded for %d candidates", c.positions.Count(), len(c.list)-holes)
	}
	return nil
}
