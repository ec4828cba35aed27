// Package cmdstream manages the CPU side of command buffers: a bump allocator over one buffer, and a pair
// of buffers rotated so the next submission can be written while the previous one executes.
package cmdstream

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/csr/allocation"
)

// LinearStream hands out space from the front of a command buffer. The last reserved bytes of the buffer
// are never handed out.
type LinearStream struct {
	alloc    *allocation.Allocation
	buffer   []byte
	usable   uint64
	used     uint64
	reserved uint64
}

func NewLinearStream(alloc *allocation.Allocation, reserved uint64) *LinearStream {
	s := &LinearStream{reserved: reserved}
	s.ReplaceBuffer(alloc)
	return s
}

func (s *LinearStream) Allocation() *allocation.Allocation {
	return s.alloc
}

// ReplaceBuffer points the stream at a new command buffer and rewinds it
func (s *LinearStream) ReplaceBuffer(alloc *allocation.Allocation) {
	s.alloc = alloc
	s.used = 0
	s.buffer = nil
	s.usable = 0

	if alloc == nil {
		return
	}

	s.buffer = alloc.CPU()
	if alloc.Size() > s.reserved {
		s.usable = alloc.Size() - s.reserved
	}
}

// GetSpace returns the next size bytes of the stream
func (s *LinearStream) GetSpace(size uint64) ([]byte, error) {
	if s.used+size > s.usable {
		return nil, errors.Newf("command stream has %d bytes available but %d were requested", s.AvailableSpace(), size)
	}

	start := s.used
	s.used += size

	if s.buffer == nil {
		return nil, nil
	}
	return s.buffer[start:s.used:s.used], nil
}

func (s *LinearStream) AvailableSpace() uint64 {
	return s.usable - s.used
}

func (s *LinearStream) Used() uint64 {
	return s.used
}

func (s *LinearStream) Usable() uint64 {
	return s.usable
}

// GpuAddress is the GPU address of the next byte GetSpace would hand out
func (s *LinearStream) GpuAddress() uint64 {
	if s.alloc == nil {
		return 0
	}
	return s.alloc.GpuAddress() + s.used
}

func (s *LinearStream) Reset() {
	s.used = 0
}
