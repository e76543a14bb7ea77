// Package metrics holds the Prometheus collectors for snapshotting, dispatch
// and batch execution. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Cache lookup results.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
	CacheSkip = "skip"
)

// Collector groups every collector the server exports.
type Collector struct {
	cacheLookups     *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	reinjections     prometheus.Counter
	batchSteps       *prometheus.CounterVec
	snapshotElements prometheus.Histogram
	batchDuration    prometheus.Histogram

	logger *zap.Logger
}

// NewCollector registers the collectors on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.cacheLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Snapshot cache lookups by result",
		},
		[]string{"result"}, // hit, miss, skip
	)

	c.dispatches = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched actions by path",
		},
		[]string{"action", "path"}, // path: fast, fallback
	)

	c.reinjections = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_reinjections_total",
			Help:      "Extractions retried after reinjecting the payload",
		},
	)

	c.batchSteps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_steps_total",
			Help:      "Executed batch steps by tool and status",
		},
		[]string{"tool", "status"},
	)

	c.snapshotElements = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_elements",
			Help:      "Elements per rendered snapshot",
			Buckets:   []float64{0, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	c.batchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Batch execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	c.logger.Debug("collectors registered", zap.String("namespace", namespace))
	return c
}

// RecordCacheLookup counts one cache lookup.
func (c *Collector) RecordCacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordDispatch counts one dispatched action.
func (c *Collector) RecordDispatch(action, path string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(action, path).Inc()
}

// RecordReinjection counts one payload reinjection.
func (c *Collector) RecordReinjection() {
	if c == nil {
		return
	}
	c.reinjections.Inc()
}

// RecordBatchStep counts one executed step.
func (c *Collector) RecordBatchStep(tool, status string) {
	if c == nil {
		return
	}
	c.batchSteps.WithLabelValues(tool, status).Inc()
}

// ObserveSnapshot records the element count of a rendered snapshot.
func (c *Collector) ObserveSnapshot(elements int) {
	if c == nil {
		return
	}
	c.snapshotElements.Observe(float64(elements))
}

// ObserveBatch records a batch's wall time.
func (c *Collector) ObserveBatch(d time.Duration) {
	if c == nil {
		return
	}
	c.batchDuration.Observe(d.Seconds())
}
