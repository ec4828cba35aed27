// Package fence tracks submission and completion values for a single engine context
package fence

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/csr/internal/utils"
	"github.com/vkngwrapper/csr/platform"
	"golang.org/x/exp/slog"
)

// InfiniteTimeout makes Wait block until the fence completes, the context hangs, or ctx is cancelled
const InfiniteTimeout time.Duration = -1

type WaitStatus uint32

const (
	WaitReady WaitStatus = iota
	WaitNotReady
	WaitGpuHang
)

var waitStatusMapping = make(map[WaitStatus]string)

func (s WaitStatus) String() string {
	return waitStatusMapping[s]
}

func init() {
	waitStatusMapping[WaitReady] = "WaitReady"
	waitStatusMapping[WaitNotReady] = "WaitNotReady"
	waitStatusMapping[WaitGpuHang] = "WaitGpuHang"
}

// Result maps a wait status to the result code callers surface
func (s WaitStatus) Result() common.VkResult {
	switch s {
	case WaitReady:
		return core1_0.VKSuccess
	case WaitNotReady:
		return core1_0.VKNotReady
	}
	return core1_0.VKErrorDeviceLost
}

type WaitSettings struct {
	// SpinDuration is how long Wait polls the tag buffer before handing off to the platform
	SpinDuration time.Duration
	// HangCheckInterval is the longest single platform sleep between hang checks
	HangCheckInterval time.Duration
}

// Tracker owns the fence counters of one engine context. NextSubmissionValue must only be called by the
// holder of the context's submission lock; everything else may be called from any goroutine.
type Tracker struct {
	logger    *slog.Logger
	contextID platform.ContextID
	driver    platform.SubmissionDriver
	tag       *platform.TagBuffer
	settings  WaitSettings

	activePartitions int

	submitted atomic.Uint64
	completed atomic.Uint64
	hung      atomic.Bool

	latestSent    atomic.Uint64
	latestFlushed atomic.Uint64
}

func NewTracker(logger *slog.Logger, contextID platform.ContextID, driver platform.SubmissionDriver, activePartitions int, settings WaitSettings) *Tracker {
	if driver == nil {
		panic("fence tracker created without a submission driver")
	}

	tag := driver.TagBuffer(contextID)
	if activePartitions < 1 || activePartitions > tag.Partitions() {
		activePartitions = tag.Partitions()
	}
	if settings.HangCheckInterval <= 0 {
		settings.HangCheckInterval = time.Second
	}

	t := &Tracker{
		logger:           logger,
		contextID:        contextID,
		driver:           driver,
		tag:              tag,
		settings:         settings,
		activePartitions: activePartitions,
	}

	// A reused context id continues numbering from whatever its tag buffer already holds
	var initial uint64
	for partition := 0; partition < activePartitions; partition++ {
		value := tag.Load(partition)
		if value == platform.GpuHangTag {
			initial = 0
			break
		}
		if partition == 0 || value < initial {
			initial = value
		}
	}
	t.submitted.Store(initial)
	t.completed.Store(initial)
	t.latestSent.Store(initial)
	t.latestFlushed.Store(initial)

	return t
}

func (t *Tracker) ContextID() platform.ContextID {
	return t.contextID
}

// NextSubmissionValue assigns the fence value for a new submission. The first value assigned is 1.
func (t *Tracker) NextSubmissionValue() uint64 {
	return t.submitted.Add(1)
}

// PeekSubmitted returns the most recently assigned fence value without assigning a new one
func (t *Tracker) PeekSubmitted() uint64 {
	return t.submitted.Load()
}

// CompletedValue reads the tag buffer. The result is the lowest value written by any active partition, is
// never lower than a value previously returned, and never exceeds PeekSubmitted. Once a partition has
// written the hang sentinel the last good value is returned forever.
func (t *Tracker) CompletedValue() uint64 {
	if t.hung.Load() {
		return t.completed.Load()
	}

	observed := t.tag.Load(0)
	for partition := 0; partition < t.activePartitions; partition++ {
		value := t.tag.Load(partition)
		if value == platform.GpuHangTag {
			t.MarkHung()
			return t.completed.Load()
		}
		observed = min(observed, value)
	}

	observed = min(observed, t.submitted.Load())
	return utils.AtomicMax(&t.completed, observed)
}

func (t *Tracker) IsCompleted(value uint64) bool {
	return t.CompletedValue() >= value
}

// IsHung reports whether the context stopped responding. Hang state is terminal.
func (t *Tracker) IsHung() bool {
	if t.hung.Load() {
		return true
	}

	t.CompletedValue()
	if !t.hung.Load() && t.driver.IsGpuHangDetected(t.contextID) {
		t.MarkHung()
	}
	return t.hung.Load()
}

// MarkHung latches the hang state when the platform reports the context lost outside the tag buffer
func (t *Tracker) MarkHung() {
	if t.hung.CompareAndSwap(false, true) {
		t.logger.Error("Tracker::GpuHang",
			slog.Int("Context", int(t.contextID)),
			slog.Uint64("LastCompleted", t.completed.Load()),
			slog.Uint64("LastSubmitted", t.submitted.Load()),
		)
	}
}

func (t *Tracker) LatestSent() uint64 {
	return t.latestSent.Load()
}

func (t *Tracker) SetLatestSent(value uint64) {
	utils.AtomicMax(&t.latestSent, value)
}

// LatestFlushed is the highest fence value actually handed to the platform
func (t *Tracker) LatestFlushed() uint64 {
	return t.latestFlushed.Load()
}

func (t *Tracker) SetLatestFlushed(value uint64) {
	utils.AtomicMax(&t.latestFlushed, value)
}

// Wait blocks until the context completes target, the context hangs, timeout passes, or ctx is cancelled.
// A finite timeout or a cancelled ctx produce WaitNotReady; ctx's error is returned alongside it in the
// latter case. Wait polls for SpinDuration first and then sleeps in the platform driver, waking at least
// every HangCheckInterval to look for a hang.
func (t *Tracker) Wait(ctx context.Context, target uint64, timeout time.Duration) (WaitStatus, error) {
	if t.IsCompleted(target) {
		return WaitReady, nil
	}
	if t.IsHung() {
		return WaitGpuHang, nil
	}
	if timeout == 0 {
		return WaitNotReady, nil
	}

	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}

	spinUntil := start.Add(t.settings.SpinDuration)
	if !deadline.IsZero() && deadline.Before(spinUntil) {
		spinUntil = deadline
	}

	for time.Now().Before(spinUntil) {
		if t.IsCompleted(target) {
			return WaitReady, nil
		}
		if t.hung.Load() {
			return WaitGpuHang, nil
		}
		runtime.Gosched()
	}

	for {
		if t.IsCompleted(target) {
			return WaitReady, nil
		}
		if t.IsHung() {
			return WaitGpuHang, nil
		}

		if ctx.Err() != nil {
			return WaitNotReady, ctx.Err()
		}

		slice := t.settings.HangCheckInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return WaitNotReady, nil
			}
			slice = min(slice, remaining)
		}

		err := t.driver.SleepUntilFenceOrTimeout(ctx, t.contextID, target, slice)
		if err != nil {
			if t.IsCompleted(target) {
				return WaitReady, nil
			}
			return WaitNotReady, err
		}
	}
}
