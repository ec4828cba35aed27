// Package csr implements the command stream receiver, the per-engine-context orchestrator. A receiver
// gathers the allocations a submission references, has the residency controller pin them, hands the batch
// buffer to the platform and, once the engine catches up, recycles the allocations it no longer needs.
package csr

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/csr/allocation"
	"github.com/vkngwrapper/csr/cmdstream"
	"github.com/vkngwrapper/csr/config"
	"github.com/vkngwrapper/csr/fence"
	"github.com/vkngwrapper/csr/internal/metrics"
	"github.com/vkngwrapper/csr/memory"
	"github.com/vkngwrapper/csr/memutils"
	"github.com/vkngwrapper/csr/platform"
	"github.com/vkngwrapper/csr/residency"
	"github.com/vkngwrapper/csr/storage"
	"golang.org/x/exp/slog"
)

type Options struct {
	ContextID platform.ContextID
	Traits    platform.FamilyTraits
	Settings  config.Settings
}

// CommandStreamReceiver owns the submission ordering of one engine context. Gathering, command stream
// management and submission are serialized by one lock per receiver. Waits do not take it.
type CommandStreamReceiver struct {
	logger       *slog.Logger
	contextID    platform.ContextID
	contextLabel string
	traits       platform.FamilyTraits
	settings     config.Settings

	driver    platform.SubmissionDriver
	memory    *memory.Manager
	residency *residency.Controller
	metrics   *metrics.Collectors

	fence   *fence.Tracker
	storage *storage.InternalAllocationStorage

	submitLock       sync.Mutex
	container        residency.Container
	evictions        []*allocation.Allocation
	commandStream    *cmdstream.LinearStream
	newResourceFound bool
	destroyed        bool

	state       atomic.Uint32
	lastCleaned atomic.Uint64
}

func New(
	logger *slog.Logger,
	options Options,
	driver platform.SubmissionDriver,
	memoryManager *memory.Manager,
	residencyController *residency.Controller,
	collectors *metrics.Collectors,
) (*CommandStreamReceiver, error) {
	if int(options.ContextID) >= platform.MaxContexts {
		return nil, errors.Newf("context id %d exceeds the maximum of %d contexts", options.ContextID, platform.MaxContexts)
	}
	err := options.Traits.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "invalid family traits")
	}

	logger = logger.With(slog.Int("Context", int(options.ContextID)))

	r := &CommandStreamReceiver{
		logger:       logger,
		contextID:    options.ContextID,
		contextLabel: strconv.Itoa(int(options.ContextID)),
		traits:       options.Traits,
		settings:     options.Settings,
		driver:       driver,
		memory:       memoryManager,
		residency:    residencyController,
		metrics:      collectors,
	}

	r.fence = fence.NewTracker(logger, options.ContextID, driver, options.Traits.ActivePartitions, fence.WaitSettings{
		SpinDuration:      options.Settings.SpinWaitDuration,
		HangCheckInterval: options.Settings.HangCheckInterval,
	})
	r.storage = storage.NewInternalAllocationStorage(
		logger,
		options.ContextID,
		memoryManager.Table(),
		memoryManager,
		memoryManager,
		options.Settings.TemporaryRetention,
		collectors,
	)
	r.commandStream = cmdstream.NewLinearStream(nil, options.Traits.CommandBufferReserve)

	memoryManager.RegisterEngine(options.ContextID, r.fence)

	return r, nil
}

func (r *CommandStreamReceiver) ContextID() platform.ContextID {
	return r.contextID
}

func (r *CommandStreamReceiver) Fence() *fence.Tracker {
	return r.fence
}

func (r *CommandStreamReceiver) Storage() *storage.InternalAllocationStorage {
	return r.storage
}

// MakeResident adds alloc to the allocations the next submission references. Allocations already gathered
// for the next submission are skipped.
func (r *CommandStreamReceiver) MakeResident(alloc *allocation.Allocation) {
	r.submitLock.Lock()
	defer r.submitLock.Unlock()

	r.setState(StateBuildingSubmission)
	r.makeResidentLocked(alloc)
}

func (r *CommandStreamReceiver) makeResidentLocked(alloc *allocation.Allocation) {
	submissionValue := r.fence.PeekSubmitted() + 1

	gathered := alloc.ResidencyTaskCount(r.contextID)
	if gathered != allocation.NotUsed && gathered >= submissionValue {
		return
	}

	if r.settings.NewResourceImplicitFlush && !alloc.IsResidentOnAnyContext() && !alloc.IsUsedByContext(r.contextID) {
		r.newResourceFound = true
	}

	r.container = append(r.container, alloc)
	alloc.UpdateResidencyTaskCount(submissionValue, r.contextID)
}

// MakeNonResident drops this context's residency on alloc. Evictable allocations are queued for the next
// ProcessEviction.
func (r *CommandStreamReceiver) MakeNonResident(alloc *allocation.Allocation) {
	r.submitLock.Lock()
	defer r.submitLock.Unlock()

	r.makeNonResidentLocked(alloc)
}

func (r *CommandStreamReceiver) makeNonResidentLocked(alloc *allocation.Allocation) {
	if alloc.IsResident(r.contextID) && alloc.Flags()&allocation.FlagEvictable != 0 {
		r.evictions = append(r.evictions, alloc)
	}
	alloc.SetResident(r.contextID, false)
}

// MakeSurfacePackNonResident drops residency on everything in surfaces, then evicts whatever was queued
func (r *CommandStreamReceiver) MakeSurfacePackNonResident(surfaces residency.Container) {
	r.submitLock.Lock()
	defer r.submitLock.Unlock()

	for _, alloc := range surfaces {
		r.makeNonResidentLocked(alloc)
	}
	r.processEvictionLocked()
}

// ProcessEviction evicts every allocation queued by MakeNonResident. The engine must be done with them.
func (r *CommandStreamReceiver) ProcessEviction() {
	r.submitLock.Lock()
	defer r.submitLock.Unlock()

	r.processEvictionLocked()
}

func (r *CommandStreamReceiver) processEvictionLocked() {
	if len(r.evictions) == 0 {
		return
	}

	r.residency.Evict(r.evictions...)
	clear(r.evictions)
	r.evictions = r.evictions[:0]
}

// ResidencyContainer returns a copy of the allocations gathered for the next submission
func (r *CommandStreamReceiver) ResidencyContainer() residency.Container {
	r.submitLock.Lock()
	defer r.submitLock.Unlock()

	return append(residency.Container(nil), r.container...)
}

// IsNewResourceDetected reports whether an allocation that was never resident anywhere has been gathered
// since the last submission. Producers flush early when it is set.
func (r *CommandStreamReceiver) IsNewResourceDetected() bool {
	r.submitLock.Lock()
	defer r.submitLock.Unlock()

	return r.newResourceFound
}

// CheckImplicitFlushForGpuIdle reports whether producers should flush now because the engine has finished
// everything flushed to it
func (r *CommandStreamReceiver) CheckImplicitFlushForGpuIdle() bool {
	if !r.settings.GpuIdleImplicitFlush {
		return false
	}
	return r.fence.CompletedValue() >= r.fence.LatestFlushed()
}

// SubmitBatchBuffer makes the gathered allocations and the batch's command buffer resident, stamps them
// with the next fence value and hands the batch to the platform. It returns core1_0.VKErrorOutOfDeviceMemory
// when residency could not be established, and core1_0.VKErrorDeviceLost once the context has hung. A
// failed submission keeps its gathered allocations so it can be retried.
func (r *CommandStreamReceiver) SubmitBatchBuffer(ctx context.Context, batch BatchBuffer) (common.VkResult, error) {
	r.submitLock.Lock()
	defer r.submitLock.Unlock()

	if r.destroyed {
		return core1_0.VKErrorUnknown, errors.Newf("submission on destroyed context %d", r.contextID)
	}

	if r.State() == StateHung || r.fence.IsHung() {
		r.setState(StateHung)
		r.metrics.ObserveSubmission(r.contextLabel, resultLabel(core1_0.VKErrorDeviceLost))
		return core1_0.VKErrorDeviceLost, errors.Wrapf(memutils.ErrContextHung, "context %d refused submission", r.contextID)
	}

	err := batch.Validate()
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	r.onCompletion(r.fence.CompletedValue())
	r.setState(StateBuildingSubmission)
	r.makeResidentLocked(batch.CommandBuffer)

	submissionValue := r.fence.PeekSubmitted() + 1

	notResident, res, err := r.residency.MakeResident(ctx, r.contextID, r.container, submissionValue)
	if err != nil || res != core1_0.VKSuccess {
		r.metrics.ObserveSubmission(r.contextLabel, resultLabel(res))
		r.logger.Warn("CommandStreamReceiver::SubmitBatchBuffer residency failed",
			slog.Any("Result", res),
			slog.Int("NotResident", len(notResident)),
		)
		if err == nil {
			err = res.ToError()
		}
		return res, errors.Wrapf(err, "%d allocations could not be made resident", len(notResident))
	}

	previous := make([]uint64, len(r.container))
	handles := make([]platform.Handle, 0, len(r.container))
	for i, alloc := range r.container {
		previous[i] = alloc.TaskCount(r.contextID)
		alloc.UpdateTaskCount(submissionValue, r.contextID)
		handles = append(handles, alloc.OSHandle())
	}

	r.fence.SetLatestSent(submissionValue)
	res, err = r.driver.Submit(platform.SubmitInfo{
		Context:     r.contextID,
		BatchBuffer: batch.CommandBuffer.OSHandle(),
		GpuAddress:  batch.CommandBuffer.GpuAddress() + batch.StartOffset,
		StartOffset: batch.StartOffset,
		EndOffset:   batch.EndOffset,
		FenceValue:  submissionValue,
		Residency:   handles,
	})
	if err != nil || res != core1_0.VKSuccess {
		for i, alloc := range r.container {
			alloc.UpdateTaskCount(previous[i], r.contextID)
		}
		if res == core1_0.VKErrorDeviceLost {
			r.fence.MarkHung()
			r.setState(StateHung)
		}
		r.metrics.ObserveSubmission(r.contextLabel, resultLabel(res))
		if err == nil {
			err = res.ToError()
		}
		return res, errors.Wrapf(err, "submission of fence value %d on context %d failed", submissionValue, r.contextID)
	}

	value := r.fence.NextSubmissionValue()
	memutils.DebugAssert(value == submissionValue, "fence value assigned out of order")
	r.fence.SetLatestFlushed(value)

	r.logger.Debug("CommandStreamReceiver::SubmitBatchBuffer",
		slog.Uint64("FenceValue", value),
		slog.Int("Residency", len(r.container)),
		slog.Uint64("Length", batch.EndOffset-batch.StartOffset),
	)

	clear(r.container)
	r.container = r.container[:0]
	r.newResourceFound = false
	r.setState(StateSubmitted)
	r.metrics.ObserveSubmission(r.contextLabel, resultLabel(core1_0.VKSuccess))

	return core1_0.VKSuccess, nil
}

// onCompletion retires submissions the engine has completed: the receiver returns to idle if everything it
// submitted is done, temporary allocations are swept, and deferred frees are retried
func (r *CommandStreamReceiver) onCompletion(completed uint64) {
	if completed >= r.fence.PeekSubmitted() && r.transition(StateSubmitted, StateCompleted) {
		defer r.transition(StateCompleted, StateIdle)
	}

	for {
		cleaned := r.lastCleaned.Load()
		if completed <= cleaned {
			return
		}
		if r.lastCleaned.CompareAndSwap(cleaned, completed) {
			break
		}
	}

	err := r.storage.CleanAllocationList(completed, storage.ClassTemporary)
	_, freeErr := r.memory.CheckDeferredFrees()
	err = errors.CombineErrors(err, freeErr)
	if err != nil {
		r.logger.Warn("CommandStreamReceiver::Cleanup failed", slog.Uint64("Completed", completed), slog.Any("error", err))
	}
}

// WaitForCompletion blocks until the engine completes value. A finite timeout that expires returns
// core1_0.VKNotReady and leaves the receiver's state alone. A hang returns core1_0.VKErrorDeviceLost and
// leaves the receiver hung for good.
func (r *CommandStreamReceiver) WaitForCompletion(ctx context.Context, value uint64, timeout time.Duration) (common.VkResult, error) {
	start := time.Now()
	status, err := r.fence.Wait(ctx, value, timeout)
	r.metrics.ObserveWait(status.String(), time.Since(start).Seconds())

	switch status {
	case fence.WaitGpuHang:
		r.setState(StateHung)
		return core1_0.VKErrorDeviceLost, errors.Wrapf(memutils.ErrContextHung, "context %d hung before completing %d", r.contextID, value)
	case fence.WaitNotReady:
		return core1_0.VKNotReady, err
	}

	r.onCompletion(r.fence.CompletedValue())
	return core1_0.VKSuccess, nil
}

// WaitForTaskCountAndCleanAllocationList waits for value and then sweeps the class's pool
func (r *CommandStreamReceiver) WaitForTaskCountAndCleanAllocationList(ctx context.Context, value uint64, class storage.Class) (common.VkResult, error) {
	res, err := r.WaitForCompletion(ctx, value, fence.InfiniteTimeout)
	if err != nil || res != core1_0.VKSuccess {
		return res, err
	}

	err = r.storage.CleanAllocationList(value, class)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return core1_0.VKSuccess, nil
}

func (r *CommandStreamReceiver) WaitForTaskCountAndCleanTemporaryAllocationList(ctx context.Context, value uint64) (common.VkResult, error) {
	return r.WaitForTaskCountAndCleanAllocationList(ctx, value, storage.ClassTemporary)
}

// ObtainCurrentFlushStamp returns the stamp of the most recent flush, which WaitForFlushStamp accepts
func (r *CommandStreamReceiver) ObtainCurrentFlushStamp() uint64 {
	return r.fence.LatestFlushed()
}

func (r *CommandStreamReceiver) WaitForFlushStamp(ctx context.Context, stamp uint64) (common.VkResult, error) {
	if stamp == 0 {
		return core1_0.VKSuccess, nil
	}
	return r.WaitForCompletion(ctx, stamp, fence.InfiniteTimeout)
}

var _ cmdstream.FlushStampWaiter = &CommandStreamReceiver{}

// GetCS returns the receiver's command stream with at least minSize bytes available
func (r *CommandStreamReceiver) GetCS(minSize uint64) (*cmdstream.LinearStream, common.VkResult, error) {
	r.submitLock.Lock()
	defer r.submitLock.Unlock()

	r.setState(StateBuildingSubmission)
	res, err := r.ensureCommandBufferAllocationLocked(r.commandStream, minSize)
	if err != nil || res != core1_0.VKSuccess {
		return nil, res, err
	}
	return r.commandStream, core1_0.VKSuccess, nil
}

// EnsureCommandBufferAllocation gives stream a new command buffer if it has fewer than minSize bytes
// available. The new buffer comes from the reusable pool when one fits; the old one is stored there.
func (r *CommandStreamReceiver) EnsureCommandBufferAllocation(stream *cmdstream.LinearStream, minSize uint64) (common.VkResult, error) {
	r.submitLock.Lock()
	defer r.submitLock.Unlock()

	return r.ensureCommandBufferAllocationLocked(stream, minSize)
}

func (r *CommandStreamReceiver) ensureCommandBufferAllocationLocked(stream *cmdstream.LinearStream, minSize uint64) (common.VkResult, error) {
	if stream.Allocation() != nil && stream.AvailableSpace() >= minSize {
		return core1_0.VKSuccess, nil
	}

	alignment := r.traits.CommandBufferAlignment
	memutils.DebugCheckPow2(alignment, "CommandBufferAlignment")
	size := max(
		memutils.AlignUp(minSize+r.traits.CommandBufferReserve, alignment),
		memutils.AlignUp(r.settings.CommandBufferSize, alignment),
	)

	alloc := r.storage.ObtainReusableAllocation(storage.AcquireRequest{
		MinSize: size,
		Type:    allocation.TypeCommandBuffer,
		Pool:    platform.MemoryPoolSystem4KB,
	})
	if alloc == nil {
		var res common.VkResult
		var err error
		alloc, res, err = r.memory.AllocateGraphicsMemory(memory.Properties{
			Size: size,
			Type: allocation.TypeCommandBuffer,
			Pool: platform.MemoryPoolSystem4KB,
			Name: "CommandBuffer",
		})
		if err != nil || res != core1_0.VKSuccess {
			if err == nil {
				err = res.ToError()
			}
			return res, errors.Wrapf(err, "failed to allocate a %d byte command buffer", size)
		}
	}

	if old := stream.Allocation(); old != nil {
		r.storage.StoreAllocation(old, storage.ClassReusable, r.fence.PeekSubmitted())
	}

	stream.ReplaceBuffer(alloc)
	return core1_0.VKSuccess, nil
}

// Destroy waits for everything flushed to the engine, destroys the receiver's pooled allocations and
// unregisters the context from the memory manager. A hung context is not waited on. When the wait is
// interrupted nothing is destroyed and Destroy may be called again.
func (r *CommandStreamReceiver) Destroy(ctx context.Context) error {
	r.submitLock.Lock()
	defer r.submitLock.Unlock()

	if r.destroyed {
		return nil
	}

	latest := r.fence.LatestFlushed()
	if latest > 0 && !r.fence.IsHung() {
		status, err := r.fence.Wait(ctx, latest, fence.InfiniteTimeout)
		if err != nil {
			return errors.Wrapf(err, "context %d interrupted waiting for fence %d", r.contextID, latest)
		}
		if status == fence.WaitGpuHang {
			r.setState(StateHung)
		}
	}
	if r.fence.IsHung() {
		r.setState(StateHung)
	}

	r.destroyed = true

	var err error
	if alloc := r.commandStream.Allocation(); alloc != nil {
		r.commandStream.ReplaceBuffer(nil)
		err = errors.CombineErrors(err, r.memory.FreeGraphicsMemory(alloc))
	}
	err = errors.CombineErrors(err, r.storage.FreeAll())

	r.memory.UnregisterEngine(r.contextID)
	_, freeErr := r.memory.CheckDeferredFrees()
	err = errors.CombineErrors(err, freeErr)

	clear(r.container)
	r.container = nil
	r.evictions = nil

	r.logger.Debug("CommandStreamReceiver::Destroy",
		slog.Uint64("LatestFlushed", latest),
		slog.String("State", r.State().String()),
	)

	return err
}

func (r *CommandStreamReceiver) PrintStats(obj *jwriter.ObjectState) {
	r.submitLock.Lock()
	gathered := len(r.container)
	r.submitLock.Unlock()

	obj.Name("Context").Int(int(r.contextID))
	obj.Name("State").String(r.State().String())
	obj.Name("Submitted").Int(int(r.fence.PeekSubmitted()))
	obj.Name("Completed").Int(int(r.fence.CompletedValue()))
	obj.Name("LatestFlushed").Int(int(r.fence.LatestFlushed()))
	obj.Name("Hung").Bool(r.fence.IsHung())
	obj.Name("Gathered").Int(gathered)

	storageObj := obj.Name("Storage").Object()
	r.storage.PrintStats(&storageObj)
	storageObj.End()
}

func (r *CommandStreamReceiver) BuildStatsString() string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	r.PrintStats(&obj)
	obj.End()

	return string(writer.Bytes())
}

func resultLabel(res common.VkResult) string {
	switch res {
	case core1_0.VKSuccess:
		return "success"
	case core1_0.VKErrorOutOfDeviceMemory:
		return "out_of_device_memory"
	case core1_0.VKErrorDeviceLost:
		return "device_lost"
	case core1_0.VKNotReady:
		return "not_ready"
	}
	return "error"
}
