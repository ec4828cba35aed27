package platform

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/csr/memutils"
)

// Family is the closed set of hardware families a device can be created for
type Family uint32

const (
	FamilyUnknown Family = iota
	FamilyGen12LP
	FamilyXeHPG
	FamilyXeHPC
	FamilyXe2HPG
	FamilyXe3

	familyCount
)

var familyMapping = make(map[Family]string)

func (f Family) String() string {
	return familyMapping[f]
}

func init() {
	familyMapping[FamilyUnknown] = "FamilyUnknown"
	familyMapping[FamilyGen12LP] = "FamilyGen12LP"
	familyMapping[FamilyXeHPG] = "FamilyXeHPG"
	familyMapping[FamilyXeHPC] = "FamilyXeHPC"
	familyMapping[FamilyXe2HPG] = "FamilyXe2HPG"
	familyMapping[FamilyXe3] = "FamilyXe3"
}

// FamilyTraits holds every per-family value the submission core needs. A device looks its traits up once
// at creation and keeps them for its lifetime.
type FamilyTraits struct {
	Family Family
	Name   string

	// CommandBufferAlignment is the size granularity of command buffer allocations
	CommandBufferAlignment uint64
	// CommandBufferReserve is the number of bytes at the end of every command buffer that producers may not
	// write to: room for the batch-buffer-end command and the engine's prefetch overrun
	CommandBufferReserve uint64
	// ActivePartitions is the number of tag slots an engine writes per fence
	ActivePartitions int
	// LocalMemory is true when the family has device-local memory that is subject to a residency budget
	LocalMemory bool
	// DirectSubmission is true when the family supports ring-buffer submission without the kernel
	DirectSubmission bool
}

func (t *FamilyTraits) Validate() error {
	if t.Family == FamilyUnknown || t.Family >= familyCount {
		return errors.Newf("family traits name an invalid family %d", t.Family)
	}
	if t.ActivePartitions < 1 {
		return errors.Newf("family %s must have at least one active partition", t.Family)
	}
	return memutils.CheckPow2(t.CommandBufferAlignment, "CommandBufferAlignment")
}

// Registry maps hardware families to their traits. It is built once during process or device initialization
// and handed to every device that needs it, rather than living in a package-level table.
type Registry struct {
	entries [familyCount]*FamilyTraits
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds or replaces the traits for a family
func (r *Registry) Register(traits FamilyTraits) error {
	err := traits.Validate()
	if err != nil {
		return err
	}

	r.entries[traits.Family] = &traits
	return nil
}

func (r *Registry) Lookup(family Family) (*FamilyTraits, error) {
	if family >= familyCount || r.entries[family] == nil {
		return nil, errors.Wrapf(memutils.ErrUnknownFamily, "family %d", family)
	}

	traits := *r.entries[family]
	return &traits, nil
}

// Families lists every registered family in enum order
func (r *Registry) Families() []Family {
	var families []Family
	for family, entry := range r.entries {
		if entry != nil {
			families = append(families, Family(family))
		}
	}
	return families
}

// DefaultRegistry returns a new registry populated with every family this package knows about
func DefaultRegistry() *Registry {
	registry := NewRegistry()

	defaults := []FamilyTraits{
		{
			Family:                 FamilyGen12LP,
			Name:                   "Gen12LP",
			CommandBufferAlignment: memutils.PageSize64K,
			CommandBufferReserve:   memutils.CacheLineSize + 192,
			ActivePartitions:       1,
		},
		{
			Family:                 FamilyXeHPG,
			Name:                   "XeHPG",
			CommandBufferAlignment: memutils.PageSize64K,
			CommandBufferReserve:   memutils.CacheLineSize + 512,
			ActivePartitions:       1,
			LocalMemory:            true,
		},
		{
			Family:                 FamilyXeHPC,
			Name:                   "XeHPC",
			CommandBufferAlignment: memutils.PageSize64K,
			CommandBufferReserve:   memutils.CacheLineSize + 512,
			ActivePartitions:       2,
			LocalMemory:            true,
			DirectSubmission:       true,
		},
		{
			Family:                 FamilyXe2HPG,
			Name:                   "Xe2HPG",
			CommandBufferAlignment: memutils.PageSize64K,
			CommandBufferReserve:   memutils.CacheLineSize + 512,
			ActivePartitions:       1,
			LocalMemory:            true,
			DirectSubmission:       true,
		},
		{
			Family:                 FamilyXe3,
			Name:                   "Xe3",
			CommandBufferAlignment: memutils.PageSize64K,
			CommandBufferReserve:   memutils.CacheLineSize + 512,
			ActivePartitions:       1,
			DirectSubmission:       true,
		},
	}

	for _, traits := range defaults {
		err := registry.Register(traits)
		if err != nil {
			panic(err)
		}
	}

	return registry
}
