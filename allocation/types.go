package allocation

import "github.com/vkngwrapper/core/v2/common"

// Type describes what an allocation is used for. Placement, alignment and eviction policy are all driven by it.
type Type uint32

const (
	TypeUnknown Type = iota
	TypeBuffer
	TypeBufferHostMemory
	TypeCommandBuffer
	TypeConstantSurface
	TypeExternalHostPtr
	TypeFillPattern
	TypeImage
	TypeInternalHeap
	TypeKernelISA
	TypeLinearStream
	TypePreemption
	TypePrivateSurface
	TypeRingBuffer
	TypeScratchSurface
	TypeTagBuffer
)

var typeMapping = make(map[Type]string)

func (t Type) String() string {
	return typeMapping[t]
}

func init() {
	typeMapping[TypeUnknown] = "TypeUnknown"
	typeMapping[TypeBuffer] = "TypeBuffer"
	typeMapping[TypeBufferHostMemory] = "TypeBufferHostMemory"
	typeMapping[TypeCommandBuffer] = "TypeCommandBuffer"
	typeMapping[TypeConstantSurface] = "TypeConstantSurface"
	typeMapping[TypeExternalHostPtr] = "TypeExternalHostPtr"
	typeMapping[TypeFillPattern] = "TypeFillPattern"
	typeMapping[TypeImage] = "TypeImage"
	typeMapping[TypeInternalHeap] = "TypeInternalHeap"
	typeMapping[TypeKernelISA] = "TypeKernelISA"
	typeMapping[TypeLinearStream] = "TypeLinearStream"
	typeMapping[TypePreemption] = "TypePreemption"
	typeMapping[TypePrivateSurface] = "TypePrivateSurface"
	typeMapping[TypeRingBuffer] = "TypeRingBuffer"
	typeMapping[TypeScratchSurface] = "TypeScratchSurface"
	typeMapping[TypeTagBuffer] = "TypeTagBuffer"
}

// IsScratchClass reports whether allocations of this type hold per-thread scratch space. Scratch-class
// allocations are the first thing evicted device-wide when residency runs out of budget.
func (t Type) IsScratchClass() bool {
	return t == TypeScratchSurface || t == TypePrivateSurface
}

// IsCommandStream reports whether the engine reads commands out of allocations of this type
func (t Type) IsCommandStream() bool {
	return t == TypeCommandBuffer || t == TypeRingBuffer || t == TypeLinearStream
}

type Flags uint32

var flagsMapping = common.NewFlagStringMapping[Flags]()

func (f Flags) Register(str string) {
	flagsMapping.Register(f, str)
}
func (f Flags) String() string {
	return flagsMapping.FlagsToString(f)
}

const (
	// FlagEvictable marks allocations the residency controller may trim
	FlagEvictable Flags = 1 << iota
	// FlagNeedsResidencyBeforeLock marks allocations that must be resident before the CPU maps them
	FlagNeedsResidencyBeforeLock
	// FlagHostPtr marks allocations wrapping memory the application provided
	FlagHostPtr
)

func init() {
	FlagEvictable.Register("FlagEvictable")
	FlagNeedsResidencyBeforeLock.Register("FlagNeedsResidencyBeforeLock")
	FlagHostPtr.Register("FlagHostPtr")
}
