package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/segcache/metric"
)

// metricsStatsCounter mirrors every recorded statistic into Prometheus while
// delegating snapshots to an inner counter.
type metricsStatsCounter struct {
	inner StatsCounter

	hits           prometheus.Counter
	misses         prometheus.Counter
	loadSuccess    prometheus.Counter
	loadException  prometheus.Counter
	loadDuration   prometheus.Histogram
	evictions      prometheus.Counter
	evictionWeight prometheus.Counter
}

// newMetricsStatsCounter creates and registers cache metrics with the
// registry. size is sampled at scrape time.
func newMetricsStatsCounter(
	registry *metric.MetricsRegistry, prefix string, inner StatsCounter, size func() float64,
) (*metricsStatsCounter, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "segcache",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &metricsStatsCounter{
		inner:         inner,
		hits:          counter("hits_total", "Total number of cache hits"),
		misses:        counter("misses_total", "Total number of cache misses"),
		loadSuccess:   counter("load_success_total", "Total number of successful loads"),
		loadException: counter("load_exception_total", "Total number of failed loads"),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "segcache",
			Subsystem:   "cache",
			Name:        "load_duration_seconds",
			ConstLabels: labels,
			Help:        "Time spent loading values",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		evictions:      counter("evictions_total", "Total number of entries evicted"),
		evictionWeight: counter("eviction_weight_total", "Total weight of evicted entries"),
	}
	sizeGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "segcache",
		Subsystem:   "cache",
		Name:        "size",
		ConstLabels: labels,
		Help:        "Current number of entries in cache",
	}, size)

	// On failure, roll back only what this call registered; the name may
	// belong to another live cache.
	var registered []string
	rollback := func(err error) (*metricsStatsCounter, error) {
		for _, name := range registered {
			registry.Unregister(prefix, name)
		}
		return nil, err
	}
	for _, c := range []struct {
		name    string
		counter prometheus.Counter
	}{
		{"cache_hits", m.hits},
		{"cache_misses", m.misses},
		{"cache_load_success", m.loadSuccess},
		{"cache_load_exception", m.loadException},
		{"cache_evictions", m.evictions},
		{"cache_eviction_weight", m.evictionWeight},
	} {
		if err := registry.RegisterCounter(prefix, c.name, c.counter); err != nil {
			return rollback(err)
		}
		registered = append(registered, c.name)
	}
	if err := registry.RegisterHistogram(prefix, "cache_load_duration", m.loadDuration); err != nil {
		return rollback(err)
	}
	registered = append(registered, "cache_load_duration")
	if err := registry.RegisterGaugeFunc(prefix, "cache_size", sizeGauge); err != nil {
		return rollback(err)
	}
	return m, nil
}

func (m *metricsStatsCounter) RecordHits(count int) {
	m.inner.RecordHits(count)
	m.hits.Add(float64(count))
}

func (m *metricsStatsCounter) RecordMisses(count int) {
	m.inner.RecordMisses(count)
	m.misses.Add(float64(count))
}

func (m *metricsStatsCounter) RecordLoadSuccess(loadTime time.Duration) {
	m.inner.RecordLoadSuccess(loadTime)
	m.loadSuccess.Inc()
	m.loadDuration.Observe(loadTime.Seconds())
}

func (m *metricsStatsCounter) RecordLoadException(loadTime time.Duration) {
	m.inner.RecordLoadException(loadTime)
	m.loadException.Inc()
	m.loadDuration.Observe(loadTime.Seconds())
}

func (m *metricsStatsCounter) RecordEviction(weight uint32) {
	m.inner.RecordEviction(weight)
	m.evictions.Inc()
	m.evictionWeight.Add(float64(weight))
}

func (m *metricsStatsCounter) Snapshot() Stats {
	return m.inner.Snapshot()
}
