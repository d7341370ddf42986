package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/segcache/metric"
)

func TestDumpMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "segcache", Subsystem: "cachebench", Name: "dumped_total", Help: "test counter",
	})
	require.NoError(t, registry.RegisterCounter("test", "dumped", counter))
	counter.Add(7)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, dumpMetrics(registry, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	parser := expfmt.TextParser{}
	families, err := parser.TextToMetricFamilies(f)
	require.NoError(t, err)

	mf, ok := families["segcache_cachebench_dumped_total"]
	require.True(t, ok)
	require.Len(t, mf.GetMetric(), 1)
	assert.InDelta(t, 7.0, mf.GetMetric()[0].GetCounter().GetValue(), 1e-9)
}

func TestDumpMetrics_BadPath(t *testing.T) {
	err := dumpMetrics(metric.NewMetricsRegistry(), filepath.Join(t.TempDir(), "missing", "metrics.prom"))
	assert.Error(t, err)
}

func TestRun_VersionAndValidate(t *testing.T) {
	require.NoError(t, run([]string{"-version"}))

	path := filepath.Join(t.TempDir(), "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maximum_size: 10\nexpire_after_write: 1m\n"), 0o600))
	require.NoError(t, run([]string{"-config", path, "-validate", "-log-format", "text", "-log-level", "error"}))

	assert.Error(t, run([]string{"-log-level", "loud"}))
}

func TestRun_ShortWorkload(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "metrics.prom")
	err := run([]string{
		"-duration", "100ms",
		"-workers", "2",
		"-keys", "100",
		"-load-latency", "0s",
		"-report-interval", "0s",
		"-metrics-port", "0",
		"-metrics-dump", dump,
		"-log-level", "error",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(data), "segcache_cache_hits_total")
	assert.Contains(t, string(data), "segcache_worker_pool_submitted_total")
}
