// Package metrics holds the Prometheus collectors a device reports through. Every method is safe to call on
// a nil *Collectors, which is what components get when metrics are disabled.
package metrics

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	LblContext = "context"
	LblResult  = "result"
	LblStatus  = "status"
	LblMode    = "mode"
	LblClass   = "class"
	LblOutcome = "outcome"

	ModeNormal = "normal"
	ModeForced = "forced"

	OutcomeHit  = "hit"
	OutcomeMiss = "miss"
)

type Collectors struct {
	Submissions     *prometheus.CounterVec
	Waits           *prometheus.CounterVec
	WaitDuration    prometheus.Histogram
	PinCalls        *prometheus.CounterVec
	TrimmedBytes    prometheus.Counter
	Evictions       prometheus.Counter
	BudgetExhausted prometheus.Counter
	PoolAcquires    *prometheus.CounterVec
	DeferredFrees   prometheus.Gauge
}

func New(namespace string) *Collectors {
	return &Collectors{
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "csr",
				Name:      "submissions_total",
				Help:      "Counter of batch buffer submissions by context and result.",
			}, []string{LblContext, LblResult}),
		Waits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fence",
				Name:      "waits_total",
				Help:      "Counter of fence waits by outcome.",
			}, []string{LblStatus}),
		WaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "fence",
				Name:      "wait_duration_seconds",
				Help:      "Histogram of time spent in fence waits.",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			}),
		PinCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "residency",
				Name:      "pin_calls_total",
				Help:      "Counter of platform pin calls by mode.",
			}, []string{LblMode}),
		TrimmedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "residency",
				Name:      "trimmed_bytes_total",
				Help:      "Counter of bytes evicted to make room for residency requests.",
			}),
		Evictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "residency",
				Name:      "evictions_total",
				Help:      "Counter of allocations evicted.",
			}),
		BudgetExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "residency",
				Name:      "budget_exhausted_total",
				Help:      "Counter of pin calls rejected for lack of budget.",
			}),
		PoolAcquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "acquires_total",
				Help:      "Counter of reusable pool acquisitions by class and outcome.",
			}, []string{LblClass, LblOutcome}),
		DeferredFrees: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "memory",
				Name:      "deferred_frees",
				Help:      "Gauge of allocations waiting for their fences before being destroyed.",
			}),
	}
}

func (c *Collectors) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.Submissions,
		c.Waits,
		c.WaitDuration,
		c.PinCalls,
		c.TrimmedBytes,
		c.Evictions,
		c.BudgetExhausted,
		c.PoolAcquires,
		c.DeferredFrees,
	}
}

func (c *Collectors) Register(registerer prometheus.Registerer) error {
	if c == nil {
		return nil
	}

	for _, collector := range c.collectors() {
		err := registerer.Register(collector)
		if err != nil {
			return errors.Wrap(err, "failed to register collector")
		}
	}
	return nil
}

func (c *Collectors) Unregister(registerer prometheus.Registerer) {
	if c == nil {
		return
	}

	for _, collector := range c.collectors() {
		registerer.Unregister(collector)
	}
}

func (c *Collectors) ObserveSubmission(context string, result string) {
	if c == nil {
		return
	}
	c.Submissions.WithLabelValues(context, result).Inc()
}

func (c *Collectors) ObserveWait(status string, seconds float64) {
	if c == nil {
		return
	}
	c.Waits.WithLabelValues(status).Inc()
	c.WaitDuration.Observe(seconds)
}

func (c *Collectors) ObservePinCall(forced bool) {
	if c == nil {
		return
	}
	mode := ModeNormal
	if forced {
		mode = ModeForced
	}
	c.PinCalls.WithLabelValues(mode).Inc()
}

func (c *Collectors) ObserveBudgetExhausted() {
	if c == nil {
		return
	}
	c.BudgetExhausted.Inc()
}

func (c *Collectors) ObserveEviction(count int, bytes uint64) {
	if c == nil {
		return
	}
	c.Evictions.Add(float64(count))
	c.TrimmedBytes.Add(float64(bytes))
}

func (c *Collectors) ObservePoolAcquire(class string, hit bool) {
	if c == nil {
		return
	}
	outcome := OutcomeMiss
	if hit {
		outcome = OutcomeHit
	}
	c.PoolAcquires.WithLabelValues(class, outcome).Inc()
}

func (c *Collectors) SetDeferredFrees(count int) {
	if c == nil {
		return
	}
	c.DeferredFrees.Set(float64(count))
}
