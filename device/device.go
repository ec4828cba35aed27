// Package device ties one hardware family, one memory manager and one residency controller to the command
// stream receivers created on top of them.
package device

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/csr/config"
	"github.com/vkngwrapper/csr/csr"
	"github.com/vkngwrapper/csr/internal/metrics"
	"github.com/vkngwrapper/csr/memory"
	"github.com/vkngwrapper/csr/memutils"
	"github.com/vkngwrapper/csr/platform"
	"github.com/vkngwrapper/csr/residency"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// MetricsNamespace enables Prometheus collectors under the given namespace. Empty disables metrics.
	MetricsNamespace string
	// Registerer receives the collectors when metrics are enabled. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type Device struct {
	logger   *slog.Logger
	traits   platform.FamilyTraits
	settings config.Settings
	driver   platform.Driver

	memory     *memory.Manager
	residency  *residency.Controller
	metrics    *metrics.Collectors
	registerer prometheus.Registerer

	engineLock sync.Mutex
	engines    [platform.MaxContexts]*csr.CommandStreamReceiver
	closed     bool

	trimLock   sync.Mutex
	trimGroup  *errgroup.Group
	trimCancel context.CancelFunc
}

// New builds a device for family. A nil logger gets a text logger on stderr at settings.LogLevel.
func New(
	logger *slog.Logger,
	registry *platform.Registry,
	family platform.Family,
	driver platform.Driver,
	settings config.Settings,
	options Options,
) (*Device, error) {
	if driver == nil {
		return nil, errors.New("device created without a platform driver")
	}

	err := settings.Validate()
	if err != nil {
		return nil, err
	}

	traits, err := registry.Lookup(family)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		level, err := settings.Level()
		if err != nil {
			return nil, err
		}
		logger = slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))
	}
	logger = logger.With(slog.String("Family", traits.Name))

	var collectors *metrics.Collectors
	if options.MetricsNamespace != "" {
		collectors = metrics.New(options.MetricsNamespace)
		if options.Registerer != nil {
			err = collectors.Register(options.Registerer)
			if err != nil {
				return nil, err
			}
		}
	}

	d := &Device{
		logger:     logger,
		traits:     *traits,
		settings:   settings,
		driver:     driver,
		metrics:    collectors,
		registerer: options.Registerer,
	}

	d.memory = memory.NewManager(logger, driver, collectors)
	d.residency = residency.NewController(logger, driver, d.memory, residency.Settings{
		WaitForMemoryRelease: settings.WaitForMemoryRelease,
		RetryLimit:           settings.MemoryReleaseRetryLimit,
		RetryInterval:        settings.MemoryReleaseRetryInterval,
	}, collectors)
	d.memory.SetResidencyObserver(d.residency)

	logger.Debug("Device::New",
		slog.Int("ActivePartitions", traits.ActivePartitions),
		slog.Bool("LocalMemory", traits.LocalMemory),
	)

	return d, nil
}

func (d *Device) Traits() platform.FamilyTraits {
	return d.traits
}

func (d *Device) Settings() config.Settings {
	return d.settings
}

func (d *Device) Memory() *memory.Manager {
	return d.memory
}

func (d *Device) Residency() *residency.Controller {
	return d.residency
}

// Metrics returns the device's collectors, or nil when metrics are disabled
func (d *Device) Metrics() *metrics.Collectors {
	return d.metrics
}

// CreateEngine creates a command stream receiver on the lowest free context id
func (d *Device) CreateEngine() (*csr.CommandStreamReceiver, error) {
	d.engineLock.Lock()
	defer d.engineLock.Unlock()

	if d.closed {
		return nil, errors.New("cannot create an engine on a closed device")
	}

	for index, engine := range d.engines {
		if engine != nil {
			continue
		}

		receiver, err := csr.New(d.logger, csr.Options{
			ContextID: platform.ContextID(index),
			Traits:    d.traits,
			Settings:  d.settings,
		}, d.driver, d.memory, d.residency, d.metrics)
		if err != nil {
			return nil, err
		}

		d.engines[index] = receiver
		d.logger.Debug("Device::CreateEngine", slog.Int("Context", index))
		return receiver, nil
	}

	return nil, errors.Newf("all %d engine contexts are in use", platform.MaxContexts)
}

// DestroyEngine destroys receiver and frees its context id for reuse
func (d *Device) DestroyEngine(ctx context.Context, receiver *csr.CommandStreamReceiver) error {
	d.engineLock.Lock()
	defer d.engineLock.Unlock()

	contextID := receiver.ContextID()
	if d.engines[contextID] != receiver {
		return errors.Newf("engine %d does not belong to this device", contextID)
	}

	err := receiver.Destroy(ctx)
	if err != nil {
		return err
	}

	d.engines[contextID] = nil
	return nil
}

func (d *Device) Engines() []*csr.CommandStreamReceiver {
	d.engineLock.Lock()
	defer d.engineLock.Unlock()

	var engines []*csr.CommandStreamReceiver
	for _, engine := range d.engines {
		if engine != nil {
			engines = append(engines, engine)
		}
	}
	return engines
}

// StartPeriodicTrim starts a background worker that evicts allocations no engine has used since the
// previous pass, every PeriodicTrimInterval. It runs until ctx is cancelled, StopPeriodicTrim is called or
// the device is closed.
func (d *Device) StartPeriodicTrim(ctx context.Context) error {
	interval := d.settings.PeriodicTrimInterval
	if interval <= 0 {
		return errors.New("periodic trim is disabled")
	}

	d.trimLock.Lock()
	defer d.trimLock.Unlock()

	if d.trimGroup != nil {
		return errors.New("periodic trim is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.periodicTrim(ctx, interval)
	})

	d.trimGroup = group
	d.trimCancel = cancel
	return nil
}

func (d *Device) periodicTrim(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		evicted := d.residency.TrimResidencyPeriodic()
		freed, err := d.memory.CheckDeferredFrees()
		if err != nil {
			d.logger.Warn("Device::PeriodicTrim failed to free deferred allocations", slog.Any("error", err))
		}

		if evicted > 0 || freed > 0 {
			d.logger.Debug("Device::PeriodicTrim",
				slog.Int("Evicted", evicted),
				slog.Int("Freed", freed),
			)
		}
	}
}

// StopPeriodicTrim stops the background trim worker and waits for it to exit
func (d *Device) StopPeriodicTrim() error {
	d.trimLock.Lock()
	defer d.trimLock.Unlock()

	if d.trimGroup == nil {
		return nil
	}

	d.trimCancel()
	err := d.trimGroup.Wait()
	d.trimGroup = nil
	d.trimCancel = nil
	return err
}

// Close stops the trim worker, destroys every engine concurrently and then destroys every allocation still
// alive. If an engine cannot be destroyed the device stays open.
func (d *Device) Close(ctx context.Context) error {
	err := d.StopPeriodicTrim()
	if err != nil {
		return err
	}

	d.engineLock.Lock()
	defer d.engineLock.Unlock()

	if d.closed {
		return nil
	}

	var group errgroup.Group
	var destroyed [platform.MaxContexts]bool
	for index, engine := range d.engines {
		if engine == nil {
			continue
		}

		index, engine := index, engine
		group.Go(func() error {
			err := engine.Destroy(ctx)
			if err != nil {
				return errors.Wrapf(err, "failed to destroy engine %d", index)
			}
			destroyed[index] = true
			return nil
		})
	}

	err = group.Wait()
	for index := range d.engines {
		if destroyed[index] {
			d.engines[index] = nil
		}
	}
	if err != nil {
		return err
	}

	d.closed = true

	res, evictErr := d.driver.EvictAll()
	if evictErr == nil && res != core1_0.VKSuccess {
		evictErr = res.ToError()
	}
	if evictErr != nil {
		d.logger.Warn("Device::Close failed to evict", slog.Any("error", evictErr))
	}

	err = d.memory.Close()
	if d.metrics != nil && d.registerer != nil {
		d.metrics.Unregister(d.registerer)
	}
	return err
}

func (d *Device) BuildStatsString() string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Family").String(d.traits.Name)

	var stats memutils.Statistics
	d.memory.CalculateStatistics(&stats)

	memoryObj := obj.Name("Memory").Object()
	memoryObj.Name("AllocationCount").Int(stats.AllocationCount)
	memoryObj.Name("AllocationBytes").Int(int(stats.AllocationBytes))
	memoryObj.Name("DeferredFrees").Int(d.memory.DeferredCount())

	pools := memoryObj.Name("Pools").Object()
	for _, pool := range []platform.MemoryPool{
		platform.MemoryPoolSystem4KB,
		platform.MemoryPoolSystem64KB,
		platform.MemoryPoolLocalMemory,
		platform.MemoryPoolHostPtr,
	} {
		d.memory.PoolStatistics(pool, &stats)
		if stats.AllocationCount == 0 {
			continue
		}

		poolObj := pools.Name(pool.String()).Object()
		poolObj.Name("AllocationCount").Int(stats.AllocationCount)
		poolObj.Name("AllocationBytes").Int(int(stats.AllocationBytes))
		poolObj.End()
	}
	pools.End()
	memoryObj.End()

	residencyObj := obj.Name("Residency").Object()
	d.residency.PrintStats(&residencyObj)
	residencyObj.End()

	engines := obj.Name("Engines").Array()
	for _, engine := range d.Engines() {
		engineObj := engines.Object()
		engine.PrintStats(&engineObj)
		engineObj.End()
	}
	engines.End()

	obj.End()
	return string(writer.Bytes())
}
