// Package platform describes the operating-system and kernel-driver primitives the submission core is built
// on. Nothing in this package talks to hardware: implementations live behind the Driver interface, either a real
// kernel-mode driver binding or the simulated platform in platform/sim.
package platform

//go:generate mockgen -source driver.go -destination ./mocks/mock_driver.go -package mocks

import (
	"context"
	"time"

	"github.com/vkngwrapper/core/v2/common"
)

// ContextID identifies an engine context: an independent stream of hardware execution with its own fence counter
type ContextID uint32

// Handle is the operating system's handle for a GPU allocation
type Handle uint64

const (
	// InvalidHandle is never returned by a successful CreateAllocation
	InvalidHandle Handle = 0
	// MaxContexts is the number of engine contexts a single device can own at once
	MaxContexts int = 32
)

// MemoryPool describes where the backing storage of an allocation lives
type MemoryPool uint32

const (
	MemoryPoolSystem4KB MemoryPool = iota
	MemoryPoolSystem64KB
	MemoryPoolLocalMemory
	MemoryPoolHostPtr
)

var memoryPoolMapping = make(map[MemoryPool]string)

func (p MemoryPool) String() string {
	return memoryPoolMapping[p]
}

func init() {
	memoryPoolMapping[MemoryPoolSystem4KB] = "MemoryPoolSystem4KB"
	memoryPoolMapping[MemoryPoolSystem64KB] = "MemoryPoolSystem64KB"
	memoryPoolMapping[MemoryPoolLocalMemory] = "MemoryPoolLocalMemory"
	memoryPoolMapping[MemoryPoolHostPtr] = "MemoryPoolHostPtr"
}

// SubmitInfo is everything the platform needs to hand one batch buffer to an engine
type SubmitInfo struct {
	Context ContextID
	// BatchBuffer is the handle of the command buffer allocation
	BatchBuffer Handle
	// GpuAddress is the address the engine should start executing from
	GpuAddress uint64
	// StartOffset and EndOffset delimit the commands within the batch buffer
	StartOffset uint64
	EndOffset   uint64
	// FenceValue is the value the engine writes to the context's tag buffer when the batch completes
	FenceValue uint64
	// Residency lists every handle the batch references
	Residency []Handle
}

// ResidencyDriver pins and unpins allocations in GPU-visible memory
type ResidencyDriver interface {
	// MakeResident asks the platform to pin handles. When the platform rejects the request for lack of
	// budget it returns core1_0.VKErrorOutOfDeviceMemory along with the number of bytes it wants trimmed.
	// When mustSucceed is set the platform evicts whatever it needs to, blocking if necessary, and returns the
	// handles it evicted so the caller can pin them again before they are next referenced.
	MakeResident(handles []Handle, mustSucceed bool, totalSize uint64) (bytesToTrim uint64, evicted []Handle, res common.VkResult, err error)
	// Evict makes handles non-resident and returns the number of bytes the platform would still like trimmed
	Evict(handles []Handle) (bytesToTrim uint64, res common.VkResult, err error)
	// EvictAll makes every handle owned by the device non-resident
	EvictAll() (common.VkResult, error)
}

// SubmissionDriver hands batch buffers to engines and reports on their completion
type SubmissionDriver interface {
	Submit(info SubmitInfo) (common.VkResult, error)
	// SleepUntilFenceOrTimeout blocks until the context's fence reaches value, the timeout expires, or ctx is
	// cancelled. Spurious wakeups are permitted; callers re-check the tag buffer.
	SleepUntilFenceOrTimeout(ctx context.Context, contextID ContextID, value uint64, timeout time.Duration) error
	// IsGpuHangDetected reports whether the kernel driver has declared the context dead
	IsGpuHangDetected(contextID ContextID) bool
	// TagBuffer returns the CPU-visible completion location for the context
	TagBuffer(contextID ContextID) *TagBuffer
}

// MemoryDriver creates and destroys the OS objects that back allocations
type MemoryDriver interface {
	CreateAllocation(size uint64, pool MemoryPool) (Handle, []byte, common.VkResult, error)
	DestroyAllocation(handle Handle) error
}

// Driver is the full platform driver interface consumed by a device
type Driver interface {
	ResidencyDriver
	SubmissionDriver
	MemoryDriver
}
