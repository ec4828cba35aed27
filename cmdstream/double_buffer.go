package cmdstream

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/csr/allocation"
)

// FlushStampWaiter blocks until the submission that produced stamp has retired
type FlushStampWaiter interface {
	WaitForFlushStamp(ctx context.Context, stamp uint64) (common.VkResult, error)
}

// DoubleBuffer writes into one of two command buffers. Switching to the other buffer waits for the
// hardware to finish the last submission that read from it.
type DoubleBuffer struct {
	waiter  FlushStampWaiter
	buffers [2]*allocation.Allocation
	stamps  [2]uint64
	active  int
	stream  *LinearStream
}

func NewDoubleBuffer(first, second *allocation.Allocation, reserved uint64, waiter FlushStampWaiter) *DoubleBuffer {
	return &DoubleBuffer{
		waiter:  waiter,
		buffers: [2]*allocation.Allocation{first, second},
		stream:  NewLinearStream(first, reserved),
	}
}

func (b *DoubleBuffer) Active() int {
	return b.active
}

func (b *DoubleBuffer) Stream() *LinearStream {
	return b.stream
}

func (b *DoubleBuffer) Buffer(index int) *allocation.Allocation {
	return b.buffers[index]
}

// Stamp is the flush stamp recorded for the buffer at index, zero if it has never been submitted
func (b *DoubleBuffer) Stamp(index int) uint64 {
	return b.stamps[index]
}

// MarkFlushed records stamp as the submission that last read the active buffer
func (b *DoubleBuffer) MarkFlushed(stamp uint64) {
	b.stamps[b.active] = stamp
}

// SwitchBuffers makes the other buffer active. If that buffer has been submitted before, it blocks until
// the submission retires. The write cursor is rewound only on success.
func (b *DoubleBuffer) SwitchBuffers(ctx context.Context) (common.VkResult, error) {
	next := 1 - b.active

	if b.stamps[next] != 0 {
		res, err := b.waiter.WaitForFlushStamp(ctx, b.stamps[next])
		if err != nil {
			return res, err
		}
		if res != core1_0.VKSuccess {
			return res, errors.Newf("command buffer %d is still in use by flush stamp %d", next, b.stamps[next])
		}
	}

	b.active = next
	b.stream.ReplaceBuffer(b.buffers[next])
	return core1_0.VKSuccess, nil
}

// Reserve returns size bytes from the active buffer, switching buffers first if it doesn't have room
func (b *DoubleBuffer) Reserve(ctx context.Context, size uint64) ([]byte, common.VkResult, error) {
	if b.stream.AvailableSpace() < size {
		res, err := b.SwitchBuffers(ctx)
		if err != nil || res != core1_0.VKSuccess {
			return nil, res, err
		}
	}

	space, err := b.stream.GetSpace(size)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	return space, core1_0.VKSuccess, nil
}
