package csr

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
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
	"github.com/vkngwrapper/csr/platform/sim"
	"github.com/vkngwrapper/csr/residency"
	"github.com/vkngwrapper/csr/storage"
	"golang.org/x/exp/slog"
)

const testContext platform.ContextID = 0

type testHarness struct {
	driver     *sim.Driver
	manager    *memory.Manager
	controller *residency.Controller
	metrics    *metrics.Collectors
	receiver   *CommandStreamReceiver
}

func testSettings() config.Settings {
	settings := config.Default()
	settings.SpinWaitDuration = 0
	settings.HangCheckInterval = 10 * time.Millisecond
	return settings
}

func newHarness(t *testing.T, options sim.Options, settings config.Settings) *testHarness {
	logger := slog.New(slog.NewTextHandler(os.Stdout))

	traits, err := platform.DefaultRegistry().Lookup(platform.FamilyXeHPG)
	require.NoError(t, err)

	h := &testHarness{
		driver:  sim.New(options),
		metrics: metrics.New("test"),
	}
	h.manager = memory.NewManager(logger, h.driver, h.metrics)
	h.controller = residency.NewController(logger, h.driver, h.manager, residency.Settings{
		WaitForMemoryRelease: settings.WaitForMemoryRelease,
		RetryLimit:           settings.MemoryReleaseRetryLimit,
		RetryInterval:        settings.MemoryReleaseRetryInterval,
	}, h.metrics)
	h.manager.SetResidencyObserver(h.controller)

	h.receiver, err = New(logger, Options{
		ContextID: testContext,
		Traits:    *traits,
		Settings:  settings,
	}, h.driver, h.manager, h.controller, h.metrics)
	require.NoError(t, err)

	return h
}

func (h *testHarness) alloc(t *testing.T, size uint64, flags allocation.Flags) *allocation.Allocation {
	alloc, res, err := h.manager.AllocateGraphicsMemory(memory.Properties{
		Size:  size,
		Type:  allocation.TypeBuffer,
		Pool:  platform.MemoryPoolSystem4KB,
		Flags: flags,
	})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	return alloc
}

// submit writes a few bytes to the receiver's command stream and submits them
func (h *testHarness) submit(t *testing.T) {
	stream, res, err := h.receiver.GetCS(64)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	start := stream.Used()
	_, err = stream.GetSpace(64)
	require.NoError(t, err)

	res, err = h.receiver.SubmitBatchBuffer(context.Background(), BatchBuffer{
		CommandBuffer: stream.Allocation(),
		StartOffset:   start,
		EndOffset:     stream.Used(),
	})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
}

func TestSubmitStampsGatheredAllocations(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	buffer := h.alloc(t, 4096, 0)

	require.Equal(t, StateIdle, h.receiver.State())
	h.receiver.MakeResident(buffer)
	require.Equal(t, StateBuildingSubmission, h.receiver.State())

	h.submit(t)
	require.Equal(t, StateSubmitted, h.receiver.State())
	require.Empty(t, h.receiver.ResidencyContainer())

	commandBuffer := h.receiver.commandStream.Allocation()
	require.Equal(t, uint64(1), buffer.TaskCount(testContext))
	require.Equal(t, uint64(1), commandBuffer.TaskCount(testContext))
	require.True(t, buffer.IsResident(testContext))
	require.True(t, h.driver.IsResident(buffer.OSHandle()))

	submissions := h.driver.Submissions()
	require.Len(t, submissions, 1)
	require.Equal(t, uint64(1), submissions[0].FenceValue)
	require.Equal(t, commandBuffer.OSHandle(), submissions[0].BatchBuffer)
	require.Equal(t, commandBuffer.GpuAddress(), submissions[0].GpuAddress)
	require.ElementsMatch(t, []platform.Handle{buffer.OSHandle(), commandBuffer.OSHandle()}, submissions[0].Residency)

	require.Equal(t, uint64(1), h.receiver.Fence().PeekSubmitted())
	require.Equal(t, uint64(1), h.receiver.Fence().LatestSent())
	require.Equal(t, uint64(1), h.receiver.ObtainCurrentFlushStamp())
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Submissions.WithLabelValues("0", "success")))

	h.driver.Complete(testContext, 1)
	res, err := h.receiver.WaitForCompletion(context.Background(), 1, fence.InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, StateIdle, h.receiver.State())
}

func TestMakeResidentGathersOncePerSubmission(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	buffer := h.alloc(t, 4096, 0)

	h.receiver.MakeResident(buffer)
	h.receiver.MakeResident(buffer)
	require.Len(t, h.receiver.ResidencyContainer(), 1)

	h.submit(t)

	h.receiver.MakeResident(buffer)
	h.receiver.MakeResident(buffer)
	require.Len(t, h.receiver.ResidencyContainer(), 1)
	require.Equal(t, uint64(2), buffer.ResidencyTaskCount(testContext))
}

func TestNewResourceDetection(t *testing.T) {
	testCases := map[string]struct {
		Enabled  bool
		Expected bool
	}{
		"Enabled":  {Enabled: true, Expected: true},
		"Disabled": {Enabled: false, Expected: false},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			settings := testSettings()
			settings.NewResourceImplicitFlush = testCase.Enabled
			h := newHarness(t, sim.Options{}, settings)
			buffer := h.alloc(t, 4096, 0)

			h.receiver.MakeResident(buffer)
			require.Equal(t, testCase.Expected, h.receiver.IsNewResourceDetected())

			h.submit(t)
			require.False(t, h.receiver.IsNewResourceDetected())

			h.receiver.MakeResident(buffer)
			require.False(t, h.receiver.IsNewResourceDetected())
		})
	}
}

func TestWaitTimeoutLeavesReceiverSubmitted(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	h.submit(t)

	res, err := h.receiver.WaitForCompletion(context.Background(), 1, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKNotReady, res)
	require.Equal(t, StateSubmitted, h.receiver.State())
}

func TestHungContextRefusesSubmissions(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	h.submit(t)

	h.driver.InjectHang(testContext)

	res, err := h.receiver.WaitForCompletion(context.Background(), 1, fence.InfiniteTimeout)
	require.ErrorIs(t, err, memutils.ErrContextHung)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
	require.Equal(t, StateHung, h.receiver.State())

	stream := h.receiver.commandStream
	res, err = h.receiver.SubmitBatchBuffer(context.Background(), BatchBuffer{
		CommandBuffer: stream.Allocation(),
		EndOffset:     stream.Used(),
	})
	require.ErrorIs(t, err, memutils.ErrContextHung)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
	require.Len(t, h.driver.Submissions(), 1)

	h.receiver.MakeResident(h.alloc(t, 4096, 0))
	require.Equal(t, StateHung, h.receiver.State())
}

// deviceLostDriver loses the device on the first submission it sees
type deviceLostDriver struct {
	*sim.Driver
	lost bool
}

func (d *deviceLostDriver) Submit(info platform.SubmitInfo) (common.VkResult, error) {
	if !d.lost {
		d.lost = true
		return core1_0.VKErrorDeviceLost, nil
	}
	return d.Driver.Submit(info)
}

func TestDeviceLostOnSubmitRefusesLaterSubmissions(t *testing.T) {
	h := newHarness(t, sim.Options{AutoComplete: true}, testSettings())
	h.receiver.driver = &deviceLostDriver{Driver: h.driver}

	stream, res, err := h.receiver.GetCS(64)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	_, err = stream.GetSpace(64)
	require.NoError(t, err)
	batch := BatchBuffer{
		CommandBuffer: stream.Allocation(),
		EndOffset:     stream.Used(),
	}

	res, err = h.receiver.SubmitBatchBuffer(context.Background(), batch)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
	require.Equal(t, StateHung, h.receiver.State())
	require.True(t, h.receiver.Fence().IsHung())

	res, err = h.receiver.SubmitBatchBuffer(context.Background(), batch)
	require.ErrorIs(t, err, memutils.ErrContextHung)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
	require.Equal(t, StateHung, h.receiver.State())
	require.Empty(t, h.driver.Submissions())
	require.Equal(t, uint64(0), h.receiver.Fence().PeekSubmitted())

	res, err = h.receiver.WaitForCompletion(context.Background(), 1, fence.InfiniteTimeout)
	require.ErrorIs(t, err, memutils.ErrContextHung)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
	require.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Submissions.WithLabelValues("0", "device_lost")))
}

func TestSubmitSweepsCompletedTemporaryAllocations(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	h.submit(t)

	temporary := h.alloc(t, 4096, 0)
	h.receiver.Storage().StoreAllocation(temporary, storage.ClassTemporary, 1)
	live := h.driver.LiveAllocations()

	h.submit(t)
	require.Equal(t, live, h.driver.LiveAllocations())
	require.Equal(t, 1, h.receiver.Storage().Pool(storage.ClassTemporary).Len())

	h.driver.Complete(testContext, 2)
	h.submit(t)
	require.Equal(t, live-1, h.driver.LiveAllocations())
	require.Equal(t, 0, h.receiver.Storage().Pool(storage.ClassTemporary).Len())
	require.Equal(t, StateSubmitted, h.receiver.State())
}

func TestWaitRetriesDeferredFrees(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	buffer := h.alloc(t, 4096, 0)

	h.receiver.MakeResident(buffer)
	h.submit(t)

	require.NoError(t, h.manager.FreeGraphicsMemory(buffer))
	require.Equal(t, 1, h.manager.DeferredCount())

	h.driver.Complete(testContext, 1)
	res, err := h.receiver.WaitForCompletion(context.Background(), 1, fence.InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 0, h.manager.DeferredCount())
	require.False(t, h.controller.IsTrimCandidate(buffer))
}

func TestSubmitOutOfDeviceMemory(t *testing.T) {
	h := newHarness(t, sim.Options{Budget: memutils.PageSize64K}, testSettings())
	buffer := h.alloc(t, 4096, 0)

	h.receiver.MakeResident(buffer)
	stream, res, err := h.receiver.GetCS(64)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	res, err = h.receiver.SubmitBatchBuffer(context.Background(), BatchBuffer{
		CommandBuffer: stream.Allocation(),
		EndOffset:     64,
	})
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Empty(t, h.driver.Submissions())
	require.Equal(t, uint64(0), h.receiver.Fence().PeekSubmitted())
	require.Equal(t, StateBuildingSubmission, h.receiver.State())
	require.Len(t, h.receiver.ResidencyContainer(), 2)
	require.Equal(t, allocation.NotUsed, buffer.TaskCount(testContext))
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Submissions.WithLabelValues("0", "out_of_device_memory")))
}

func TestSubmitRejectsInvalidBatch(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	stream, _, err := h.receiver.GetCS(64)
	require.NoError(t, err)

	testCases := map[string]BatchBuffer{
		"No Command Buffer": {EndOffset: 64},
		"Inverted":          {CommandBuffer: stream.Allocation(), StartOffset: 64, EndOffset: 0},
		"Past End":          {CommandBuffer: stream.Allocation(), EndOffset: stream.Allocation().Size() + 1},
	}

	for name, batch := range testCases {
		t.Run(name, func(t *testing.T) {
			res, err := h.receiver.SubmitBatchBuffer(context.Background(), batch)
			require.Error(t, err)
			require.Equal(t, core1_0.VKErrorUnknown, res)
		})
	}
	require.Empty(t, h.driver.Submissions())
}

func TestEnsureCommandBufferReusesCompletedBuffers(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())

	h.submit(t)
	first := h.receiver.commandStream.Allocation()
	require.Equal(t, memutils.PageSize64K, first.Size())

	stream, _, err := h.receiver.GetCS(h.receiver.commandStream.AvailableSpace() + 1)
	require.NoError(t, err)
	second := stream.Allocation()
	require.NotSame(t, first, second)
	require.Equal(t, 1, h.receiver.Storage().Pool(storage.ClassReusable).Len())

	_, err = stream.GetSpace(100)
	require.NoError(t, err)

	h.driver.Complete(testContext, 1)
	stream, _, err = h.receiver.GetCS(stream.AvailableSpace() + 1)
	require.NoError(t, err)
	require.Same(t, first, stream.Allocation())
	require.Equal(t, uint64(0), stream.Used())
	require.Equal(t, 1, h.receiver.Storage().Pool(storage.ClassReusable).Len())
}

func TestMakeSurfacePackNonResident(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	evictable := h.alloc(t, 4096, allocation.FlagEvictable)
	pinned := h.alloc(t, 4096, 0)

	h.receiver.MakeResident(evictable)
	h.receiver.MakeResident(pinned)
	h.submit(t)
	h.driver.Complete(testContext, 1)

	h.receiver.MakeSurfacePackNonResident(residency.Container{evictable, pinned})

	require.False(t, evictable.IsResident(testContext))
	require.False(t, pinned.IsResident(testContext))
	require.False(t, h.driver.IsResident(evictable.OSHandle()))
	require.True(t, h.driver.IsResident(pinned.OSHandle()))
	require.False(t, h.controller.IsTrimCandidate(evictable))
	require.True(t, h.controller.IsTrimCandidate(pinned))
}

func TestCheckImplicitFlushForGpuIdle(t *testing.T) {
	settings := testSettings()
	settings.GpuIdleImplicitFlush = true
	h := newHarness(t, sim.Options{}, settings)

	require.True(t, h.receiver.CheckImplicitFlushForGpuIdle())

	h.submit(t)
	require.False(t, h.receiver.CheckImplicitFlushForGpuIdle())

	h.driver.Complete(testContext, 1)
	require.True(t, h.receiver.CheckImplicitFlushForGpuIdle())

	disabled := newHarness(t, sim.Options{}, testSettings())
	require.False(t, disabled.receiver.CheckImplicitFlushForGpuIdle())
}

func TestWaitForTaskCountAndCleanAllocationList(t *testing.T) {
	h := newHarness(t, sim.Options{AutoComplete: true}, testSettings())
	h.submit(t)

	reusable := h.alloc(t, 4096, 0)
	h.receiver.Storage().StoreAllocation(reusable, storage.ClassReusable, 1)
	temporary := h.alloc(t, 4096, 0)
	h.receiver.Storage().StoreAllocation(temporary, storage.ClassTemporary, 1)

	res, err := h.receiver.WaitForTaskCountAndCleanAllocationList(context.Background(), 1, storage.ClassReusable)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 0, h.receiver.Storage().Pool(storage.ClassReusable).Len())

	res, err = h.receiver.WaitForTaskCountAndCleanTemporaryAllocationList(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 0, h.receiver.Storage().Pool(storage.ClassTemporary).Len())
}

func TestDoubleBufferWaitsOnReceiverFlushStamps(t *testing.T) {
	h := newHarness(t, sim.Options{AutoComplete: true}, testSettings())

	var buffers [2]*allocation.Allocation
	for i := range buffers {
		alloc, res, err := h.manager.AllocateGraphicsMemory(memory.Properties{
			Size: memutils.PageSize64K,
			Type: allocation.TypeCommandBuffer,
			Pool: platform.MemoryPoolSystem4KB,
		})
		require.NoError(t, err)
		require.Equal(t, core1_0.VKSuccess, res)
		buffers[i] = alloc
	}

	double := cmdstream.NewDoubleBuffer(buffers[0], buffers[1], 576, h.receiver)

	for i := 0; i < 3; i++ {
		_, res, err := double.Reserve(context.Background(), 128)
		require.NoError(t, err)
		require.Equal(t, core1_0.VKSuccess, res)

		res, err = h.receiver.SubmitBatchBuffer(context.Background(), BatchBuffer{
			CommandBuffer: double.Buffer(double.Active()),
			EndOffset:     double.Stream().Used(),
		})
		require.NoError(t, err)
		require.Equal(t, core1_0.VKSuccess, res)
		double.MarkFlushed(h.receiver.ObtainCurrentFlushStamp())

		res, err = double.SwitchBuffers(context.Background())
		require.NoError(t, err)
		require.Equal(t, core1_0.VKSuccess, res)
	}

	require.Len(t, h.driver.Submissions(), 3)
	require.Equal(t, 1, double.Active())
}

func TestDestroyWaitsAndFreesReceiverAllocations(t *testing.T) {
	h := newHarness(t, sim.Options{AutoComplete: true}, testSettings())
	buffer := h.alloc(t, 4096, 0)

	h.receiver.MakeResident(buffer)
	h.submit(t)
	h.receiver.Storage().StoreAllocation(h.alloc(t, 4096, 0), storage.ClassTemporary, 1)
	h.receiver.Storage().StoreAllocation(h.alloc(t, 4096, 0), storage.ClassReusable, 1)

	require.NoError(t, h.receiver.Destroy(context.Background()))
	require.Equal(t, 1, h.driver.LiveAllocations())

	_, registered := h.manager.CompletedValue(testContext)
	require.False(t, registered)

	res, err := h.receiver.SubmitBatchBuffer(context.Background(), BatchBuffer{})
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)

	require.NoError(t, h.receiver.Destroy(context.Background()))
}

func TestDestroyInterruptedByCancellation(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	h.submit(t)
	live := h.driver.LiveAllocations()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, h.receiver.Destroy(ctx), context.DeadlineExceeded)
	require.Equal(t, live, h.driver.LiveAllocations())

	h.driver.CompleteAll(testContext)
	require.NoError(t, h.receiver.Destroy(context.Background()))
	require.Equal(t, 0, h.driver.LiveAllocations())
}

func TestDestroyHungContextSkipsWait(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	h.submit(t)
	h.driver.InjectHang(testContext)

	require.NoError(t, h.receiver.Destroy(context.Background()))
	require.Equal(t, StateHung, h.receiver.State())
	require.Equal(t, 0, h.driver.LiveAllocations())
}

func TestStatsString(t *testing.T) {
	h := newHarness(t, sim.Options{}, testSettings())
	h.submit(t)

	stats := h.receiver.BuildStatsString()
	require.Contains(t, stats, `"Context":0`)
	require.Contains(t, stats, `"State":"StateSubmitted"`)
	require.Contains(t, stats, `"Submitted":1`)
	require.Contains(t, stats, `"Storage":{"Temporary":{`)
}
