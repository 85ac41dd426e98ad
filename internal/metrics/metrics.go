// Package metrics exposes the queue's Prometheus instruments. A nil
// *Collector is valid and records nothing, so services can run without one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

const namespace = "dlqueue"

// Collector holds every instrument the queue updates.
type Collector struct {
	jobsEnqueued       prometheus.Counter
	jobsDispatched     prometheus.Counter
	transitions        *prometheus.CounterVec
	failures           *prometheus.CounterVec
	deadLettered       prometheus.Counter
	sourceFailures     prometheus.Counter
	slowTransfers      prometheus.Counter
	notificationsDrops prometheus.Counter

	queueDepth       prometheus.Gauge
	activeDispatches prometheus.Gauge
	blockedSources   prometheus.Gauge
	recoveryTime     prometheus.Gauge

	dispatchDuration prometheus.Histogram
}

// NewCollector creates the instruments and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs admitted to the working set",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs handed to a transfer executor",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Applied job state transitions",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Classified download failures",
		}, []string{"error_type"}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Jobs moved to the dead-letter store",
		}),
		sourceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Failures attributed to a remote source",
		}),
		slowTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_transfers_total",
			Help:      "Transfers detected below the minimum speed",
		}),
		notificationsDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the bus was full",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Entries waiting in the working set",
		}),
		activeDispatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_dispatches",
			Help:      "Dispatches currently holding a concurrency slot",
		}),
		blockedSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_sources",
			Help:      "Sources with an active block",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_seconds",
			Help:      "Duration of the last startup reconciliation",
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dispatch to executor hand-off or failure",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.jobsEnqueued, c.jobsDispatched, c.transitions, c.failures,
			c.deadLettered, c.sourceFailures, c.slowTransfers, c.notificationsDrops,
			c.queueDepth, c.activeDispatches, c.blockedSources, c.recoveryTime,
			c.dispatchDuration,
		)
	}
	return c
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) RecordEnqueue() {
	if c != nil {
		c.jobsEnqueued.Inc()
	}
}

func (c *Collector) RecordDispatch() {
	if c != nil {
		c.jobsDispatched.Inc()
	}
}

// ObserveDispatch records how long a dispatch held its slot.
func (c *Collector) ObserveDispatch(d time.Duration) {
	if c != nil {
		c.dispatchDuration.Observe(d.Seconds())
	}
}

func (c *Collector) RecordTransition(from, to types.JobStatus) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
	if to == types.StatusDeadLetter {
		c.deadLettered.Inc()
	}
}

func (c *Collector) RecordFailure(kind types.ErrorKind) {
	if c != nil {
		c.failures.WithLabelValues(string(kind)).Inc()
	}
}

func (c *Collector) RecordSourceFailure() {
	if c != nil {
		c.sourceFailures.Inc()
	}
}

func (c *Collector) RecordSlowTransfer() {
	if c != nil {
		c.slowTransfers.Inc()
	}
}

func (c *Collector) RecordNotificationDropped() {
	if c != nil {
		c.notificationsDrops.Inc()
	}
}

// UpdateQueueStats sets the working set and active slot gauges.
func (c *Collector) UpdateQueueStats(depth, active int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
	c.activeDispatches.Set(float64(active))
}

func (c *Collector) SetBlockedSources(n int) {
	if c != nil {
		c.blockedSources.Set(float64(n))
	}
}

func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c != nil {
		c.recoveryTime.Set(d.Seconds())
	}
}
