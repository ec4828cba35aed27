package csr

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/csr/allocation"
)

// State is where the most recent submission of a receiver stands. A new submission may begin building while
// an earlier one still executes, so State describes the newest one only.
type State uint32

const (
	StateIdle State = iota
	StateBuildingSubmission
	StateSubmitted
	StateCompleted
	// StateHung is terminal. A hung receiver refuses every further submission.
	StateHung
)

var stateMapping = make(map[State]string)

func (s State) String() string {
	return stateMapping[s]
}

func init() {
	stateMapping[StateIdle] = "StateIdle"
	stateMapping[StateBuildingSubmission] = "StateBuildingSubmission"
	stateMapping[StateSubmitted] = "StateSubmitted"
	stateMapping[StateCompleted] = "StateCompleted"
	stateMapping[StateHung] = "StateHung"
}

// BatchBuffer describes the commands a producer wants executed
type BatchBuffer struct {
	CommandBuffer *allocation.Allocation
	// StartOffset is where the engine begins executing within CommandBuffer
	StartOffset uint64
	// EndOffset is the offset just past the last command
	EndOffset uint64
}

func (b BatchBuffer) Validate() error {
	if b.CommandBuffer == nil {
		return errors.New("batch buffer has no command buffer allocation")
	}
	if b.StartOffset > b.EndOffset {
		return errors.Newf("batch buffer starts at %d but ends at %d", b.StartOffset, b.EndOffset)
	}
	if b.EndOffset > b.CommandBuffer.Size() {
		return errors.Newf("batch buffer ends at %d past the end of its %d byte command buffer", b.EndOffset, b.CommandBuffer.Size())
	}
	return nil
}

// transition moves the receiver from one state to another, failing if it was not in from
func (r *CommandStreamReceiver) transition(from, to State) bool {
	return r.state.CompareAndSwap(uint32(from), uint32(to))
}

// setState moves the receiver to state unless it is hung
func (r *CommandStreamReceiver) setState(state State) bool {
	for {
		current := State(r.state.Load())
		if current == StateHung {
			return state == StateHung
		}
		if r.state.CompareAndSwap(uint32(current), uint32(state)) {
			return true
		}
	}
}

func (r *CommandStreamReceiver) State() State {
	return State(r.state.Load())
}
