// Package residency keeps the allocations a submission references pinned in GPU-visible memory, trimming
// idle allocations when the platform's budget runs out.
package residency

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/csr/allocation"
	"github.com/vkngwrapper/csr/internal/metrics"
	"github.com/vkngwrapper/csr/memutils"
	"github.com/vkngwrapper/csr/platform"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

// FenceSource reports completion for every engine context on a device
type FenceSource interface {
	CompletedValue(contextID platform.ContextID) (value uint64, ok bool)
}

type Settings struct {
	// WaitForMemoryRelease retries a failed forced pin while other work releases memory
	WaitForMemoryRelease bool
	// RetryLimit bounds the retries WaitForMemoryRelease allows
	RetryLimit int
	// RetryInterval is the minimum time between retries
	RetryInterval time.Duration
}

// Controller is shared by every engine context on a device. All residency changes happen under its lock,
// since trimming on behalf of one context evicts allocations other contexts made resident.
type Controller struct {
	logger   *slog.Logger
	driver   platform.ResidencyDriver
	fences   FenceSource
	settings Settings
	metrics  *metrics.Collectors

	lock       sync.Mutex
	candidates *trimCandidates
	stats      memutils.ResidencyStatistics

	// lastPeriodicTrim holds each context's completed value as of the previous periodic trim
	lastPeriodicTrim [platform.MaxContexts]uint64

	budgetExhausted atomic.Bool
}

func NewController(logger *slog.Logger, driver platform.ResidencyDriver, fences FenceSource, settings Settings, collectors *metrics.Collectors) *Controller {
	if settings.RetryInterval <= 0 {
		settings.RetryInterval = time.Millisecond
	}

	return &Controller{
		logger:     logger,
		driver:     driver,
		fences:     fences,
		settings:   settings,
		metrics:    collectors,
		candidates: newTrimCandidates(),
	}
}

// IsMemoryBudgetExhausted reports whether the platform has ever rejected a pin for lack of budget
func (c *Controller) IsMemoryBudgetExhausted() bool {
	return c.budgetExhausted.Load()
}

// isIdle reports whether every context that needs alloc resident has completed the work that needed it
func (c *Controller) isIdle(alloc *allocation.Allocation) bool {
	for _, contextID := range alloc.ResidencyContexts() {
		completed, ok := c.fences.CompletedValue(contextID)
		if ok && completed < alloc.ResidencyTaskCount(contextID) {
			return false
		}
	}
	return true
}

func notResidentOn(contextID platform.ContextID, container Container) Container {
	var pending Container
	for _, alloc := range container {
		if !alloc.IsResident(contextID) {
			pending = append(pending, alloc)
		}
	}
	return pending
}

func handlesOf(container Container) []platform.Handle {
	handles := make([]platform.Handle, 0, len(container))
	for _, alloc := range container {
		handles = append(handles, alloc.OSHandle())
	}
	return handles
}

func (c *Controller) pinLocked(pending Container, forced bool) (uint64, common.VkResult, error) {
	c.stats.PinCalls++
	if forced {
		c.stats.ForcedPinCalls++
	}
	c.metrics.ObservePinCall(forced)

	bytesToTrim, evicted, res, err := c.driver.MakeResident(handlesOf(pending), forced, pending.TotalSize())
	if len(evicted) > 0 {
		c.forgetEvictedLocked(evicted)
	}
	if err == nil && res == core1_0.VKErrorOutOfDeviceMemory {
		c.budgetExhausted.Store(true)
		c.stats.BudgetExhaustedCount++
		c.metrics.ObserveBudgetExhausted()
	}
	return bytesToTrim, res, err
}

// MakeResident makes every allocation in container resident for contextID and records submissionFence as
// the value they must stay resident through. Members of container are never evicted to make room for each
// other. When every strategy fails it returns core1_0.VKErrorOutOfDeviceMemory and the allocations that
// are still not resident.
func (c *Controller) MakeResident(ctx context.Context, contextID platform.ContextID, container Container, submissionFence uint64) (Container, common.VkResult, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	pending := notResidentOn(contextID, container)

	c.logger.Debug("Controller::MakeResident",
		slog.Int("Context", int(contextID)),
		slog.Int("Container", len(container)),
		slog.Int("Pending", len(pending)),
		slog.Uint64("SubmissionFence", submissionFence),
	)

	// A forced pin may push out members that were already resident, which then need pinning again
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > len(container) {
			return pending, core1_0.VKErrorOutOfDeviceMemory, errors.Newf(
				"platform kept evicting members of a %d allocation residency request", len(container))
		}

		res, err := c.pinWithTrimLocked(ctx, container, pending)
		if err != nil || res != core1_0.VKSuccess {
			return notResidentOn(contextID, container), res, err
		}

		for _, alloc := range pending {
			alloc.SetResident(contextID, true)
			c.candidates.Add(alloc)
		}
		pending = notResidentOn(contextID, container)
	}

	for _, alloc := range container {
		alloc.SetResident(contextID, true)
		alloc.UpdateResidencyTaskCount(submissionFence, contextID)
		c.candidates.Add(alloc)
	}

	return nil, core1_0.VKSuccess, nil
}

func (c *Controller) pinWithTrimLocked(ctx context.Context, container Container, pending Container) (common.VkResult, error) {
	members := container.IDs()

	bytesToTrim, res, err := c.pinLocked(pending, false)
	for err == nil && res == core1_0.VKErrorOutOfDeviceMemory {
		if bytesToTrim == 0 || !c.trimToBudgetLocked(bytesToTrim, members) {
			break
		}
		bytesToTrim, res, err = c.pinLocked(pending, false)
	}
	if err != nil || res == core1_0.VKSuccess {
		return res, err
	}
	if res != core1_0.VKErrorOutOfDeviceMemory {
		return res, errors.Newf("platform rejected residency request with %v", res)
	}

	evicted := c.evictAllScratchLocked(members)
	if evicted > 0 {
		bytesToTrim, res, err = c.pinLocked(pending, false)
		if err != nil || res == core1_0.VKSuccess {
			return res, err
		}
	}

	bytesToTrim, res, err = c.pinLocked(pending, true)
	if err != nil || res == core1_0.VKSuccess || !c.settings.WaitForMemoryRelease {
		return c.outOfMemory(res, err, pending)
	}

	limiter := rate.NewLimiter(rate.Every(c.settings.RetryInterval), 1)
	limiter.Allow()
	for retry := 0; retry < c.settings.RetryLimit; retry++ {
		waitErr := limiter.Wait(ctx)
		if waitErr != nil {
			return core1_0.VKErrorOutOfDeviceMemory, errors.Wrap(waitErr, "gave up waiting for memory to be released")
		}

		if bytesToTrim > 0 {
			c.trimToBudgetLocked(bytesToTrim, members)
		}

		bytesToTrim, res, err = c.pinLocked(pending, true)
		if err != nil || res == core1_0.VKSuccess {
			return res, err
		}
	}

	return c.outOfMemory(res, err, pending)
}

func (c *Controller) outOfMemory(res common.VkResult, err error, pending Container) (common.VkResult, error) {
	if err != nil || res == core1_0.VKSuccess {
		return res, err
	}

	c.logger.Error("Controller::MakeResident out of device memory",
		slog.Int("Pending", len(pending)),
		slog.Uint64("PendingBytes", pending.TotalSize()),
	)
	return core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(core1_0.VKErrorOutOfDeviceMemory.ToError(),
		"could not make %d allocations (%d bytes) resident", len(pending), pending.TotalSize())
}

// trimToBudgetLocked evicts idle candidates outside exclude, oldest residency task count first, until at
// least bytes have been evicted. Scratch-class allocations compete on the same order. When the idle
// candidates cannot cover bytes nothing is evicted and it reports false.
func (c *Controller) trimToBudgetLocked(bytes uint64, exclude map[allocation.ID]struct{}) bool {
	var eligible []*allocation.Allocation
	c.candidates.Each(func(alloc *allocation.Allocation) {
		if _, isMember := exclude[alloc.ID()]; isMember {
			return
		}
		if c.isIdle(alloc) {
			eligible = append(eligible, alloc)
		}
	})

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].LatestResidencyTaskCount() < eligible[j].LatestResidencyTaskCount()
	})

	var selected []*allocation.Allocation
	var selectedBytes uint64
	for _, alloc := range eligible {
		if selectedBytes >= bytes {
			break
		}
		selected = append(selected, alloc)
		selectedBytes += alloc.Size()
	}

	if selectedBytes < bytes {
		return false
	}
	if len(selected) > 0 {
		c.evictLocked(selected)
	}
	return true
}

// evictAllScratchLocked evicts every idle scratch-class candidate outside exclude and returns how many
// were evicted
func (c *Controller) evictAllScratchLocked(exclude map[allocation.ID]struct{}) int {
	var scratch []*allocation.Allocation
	c.candidates.Each(func(alloc *allocation.Allocation) {
		if _, isMember := exclude[alloc.ID()]; isMember {
			return
		}
		if alloc.Type().IsScratchClass() && c.isIdle(alloc) {
			scratch = append(scratch, alloc)
		}
	})

	if len(scratch) > 0 {
		c.evictLocked(scratch)
	}
	return len(scratch)
}

// forgetEvictedLocked records that the platform evicted handles on its own
func (c *Controller) forgetEvictedLocked(handles []platform.Handle) {
	evicted := make(map[platform.Handle]struct{}, len(handles))
	for _, handle := range handles {
		evicted[handle] = struct{}{}
	}

	var allocs []*allocation.Allocation
	var bytes uint64
	c.candidates.Each(func(alloc *allocation.Allocation) {
		if _, ok := evicted[alloc.OSHandle()]; ok {
			allocs = append(allocs, alloc)
			bytes += alloc.Size()
		}
	})

	for _, alloc := range allocs {
		alloc.SetResidentEverywhere(false)
		c.candidates.Remove(alloc)
		c.stats.AddEviction(alloc.Size())
	}
	c.metrics.ObserveEviction(len(allocs), bytes)

	c.logger.Debug("Controller::MakeResident platform evicted",
		slog.Int("Handles", len(handles)),
		slog.Int("Tracked", len(allocs)),
		slog.Uint64("Bytes", bytes),
	)
}

func (c *Controller) evictLocked(allocs []*allocation.Allocation) {
	var bytes uint64
	for _, alloc := range allocs {
		bytes += alloc.Size()
	}

	_, res, err := c.driver.Evict(handlesOf(allocs))
	if err != nil || res != core1_0.VKSuccess {
		c.logger.Warn("Controller::Evict failed",
			slog.Int("Count", len(allocs)),
			slog.Any("Result", res),
			slog.Any("error", err),
		)
	}

	for _, alloc := range allocs {
		alloc.SetResidentEverywhere(false)
		c.candidates.Remove(alloc)
		c.stats.AddEviction(alloc.Size())
	}
	c.metrics.ObserveEviction(len(allocs), bytes)

	c.logger.Debug("Controller::Evict",
		slog.Int("Count", len(allocs)),
		slog.Uint64("Bytes", bytes),
	)
}

// TrimResidencyToBudget evicts idle allocations, oldest first, until bytes have been evicted. It evicts
// nothing and reports false when the idle allocations cannot cover bytes.
func (c *Controller) TrimResidencyToBudget(bytes uint64) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.trimToBudgetLocked(bytes, nil)
}

// TrimResidencyPeriodic evicts every idle allocation that no context has submitted work against since the
// previous periodic trim, and returns how many it evicted
func (c *Controller) TrimResidencyPeriodic() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	var stale []*allocation.Allocation
	c.candidates.Each(func(alloc *allocation.Allocation) {
		if !c.isIdle(alloc) {
			return
		}
		for _, contextID := range alloc.ResidencyContexts() {
			if alloc.ResidencyTaskCount(contextID) > c.lastPeriodicTrim[contextID] {
				return
			}
		}
		stale = append(stale, alloc)
	})

	if len(stale) > 0 {
		c.evictLocked(stale)
	}

	for contextID := range c.lastPeriodicTrim {
		completed, ok := c.fences.CompletedValue(platform.ContextID(contextID))
		if ok {
			c.lastPeriodicTrim[contextID] = completed
		}
	}

	return len(stale)
}

// EvictAllScratch evicts every idle scratch-class allocation
func (c *Controller) EvictAllScratch() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.evictAllScratchLocked(nil)
}

// Evict makes allocs non-resident on every context regardless of their fences. Callers are responsible for
// knowing the engines are done with them.
func (c *Controller) Evict(allocs ...*allocation.Allocation) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var resident []*allocation.Allocation
	for _, alloc := range allocs {
		if alloc.IsResidentOnAnyContext() || c.candidates.Has(alloc) {
			resident = append(resident, alloc)
		}
	}

	if len(resident) > 0 {
		c.evictLocked(resident)
	}
}

// RemoveFromTrimCandidates forgets alloc without asking the platform to evict it. It is called for
// allocations that are about to be destroyed.
func (c *Controller) RemoveFromTrimCandidates(alloc *allocation.Allocation) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.candidates.Remove(alloc)
}

func (c *Controller) IsTrimCandidate(alloc *allocation.Allocation) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.candidates.Has(alloc)
}

func (c *Controller) CalculateStatistics(stats *memutils.ResidencyStatistics) {
	c.lock.Lock()
	defer c.lock.Unlock()

	*stats = c.stats
	stats.Statistics.Clear()
	c.candidates.Each(func(alloc *allocation.Allocation) {
		stats.AddAllocation(alloc.Size())
	})
}

func (c *Controller) PrintStats(obj *jwriter.ObjectState) {
	var stats memutils.ResidencyStatistics
	c.CalculateStatistics(&stats)

	obj.Name("ResidentCount").Int(stats.AllocationCount)
	obj.Name("ResidentBytes").Int(int(stats.AllocationBytes))
	obj.Name("PinCalls").Int(stats.PinCalls)
	obj.Name("ForcedPinCalls").Int(stats.ForcedPinCalls)
	obj.Name("EvictedCount").Int(stats.EvictedCount)
	obj.Name("EvictedBytes").Int(int(stats.EvictedBytes))
	obj.Name("BudgetExhaustedCount").Int(stats.BudgetExhaustedCount)
	obj.Name("MemoryBudgetExhausted").Bool(c.IsMemoryBudgetExhausted())
}

func (c *Controller) BuildStatsString() string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	c.PrintStats(&obj)
	obj.End()

	return string(writer.Bytes())
}
