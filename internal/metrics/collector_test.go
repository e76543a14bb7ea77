package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg, nil), reg
}

func TestCollector_CacheLookups(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordCacheLookup(CacheHit)
	c.RecordCacheLookup(CacheHit)
	c.RecordCacheLookup(CacheMiss)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues(CacheHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues(CacheMiss)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues(CacheSkip)))
}

func TestCollector_Dispatch(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordDispatch("click", "fast")
	c.RecordDispatch("click", "fallback")
	c.RecordDispatch("type", "fast")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("click", "fallback")))
	assert.Equal(t, 3, testutil.CollectAndCount(c.dispatches))
}

func TestCollector_BatchAndSnapshot(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordBatchStep("navigate", "ok")
	c.RecordReinjection()
	c.ObserveSnapshot(12)
	c.ObserveBatch(250 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.reinjections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchSteps.WithLabelValues("navigate", "ok")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"test_extraction_reinjections_total",
		"test_batch_steps_total",
		"test_snapshot_elements",
		"test_batch_duration_seconds",
	} {
		assert.True(t, names[want], want)
	}
	// Vectors without observations are not gathered.
	assert.False(t, names["test_dispatch_total"])
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordCacheLookup(CacheHit)
		c.RecordDispatch("click", "fast")
		c.RecordReinjection()
		c.RecordBatchStep("wait", "ok")
		c.ObserveSnapshot(1)
		c.ObserveBatch(time.Second)
	})
}
