package main

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/segcache/errors"
	"github.com/c360/segcache/metric"
	"github.com/c360/segcache/pkg/cache"
)

func testWorkloadConfig() WorkloadConfig {
	return WorkloadConfig{
		Duration:        150 * time.Millisecond,
		Workers:         4,
		Keys:            500,
		Skew:            1.1,
		WriteRatio:      0.1,
		InvalidateRatio: 0.05,
		ReportInterval:  50 * time.Millisecond,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func boundedConfig(size int64) cache.Config {
	cfg := cache.DefaultConfig()
	cfg.MaximumSize = &size
	cfg.RecordStats = true
	return cfg
}

func metricNames(t *testing.T, registry *metric.MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestWorkloadConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*WorkloadConfig)
		wantErr bool
	}{
		{"valid", func(*WorkloadConfig) {}, false},
		{"zero duration", func(c *WorkloadConfig) { c.Duration = 0 }, true},
		{"no workers", func(c *WorkloadConfig) { c.Workers = 0 }, true},
		{"single key", func(c *WorkloadConfig) { c.Keys = 1 }, true},
		{"flat skew", func(c *WorkloadConfig) { c.Skew = 1 }, true},
		{"ratios above one", func(c *WorkloadConfig) { c.WriteRatio, c.InvalidateRatio = 0.8, 0.3 }, true},
		{"negative ratio", func(c *WorkloadConfig) { c.WriteRatio = -0.1 }, true},
		{"failure rate above one", func(c *WorkloadConfig) { c.FailureRate = 1.5 }, true},
		{"negative latency", func(c *WorkloadConfig) { c.LoadLatency = -time.Millisecond }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testWorkloadConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsInvalid(err), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNextOp_Mix(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	zipf := rand.NewZipf(rng, 1.1, 1, 99)

	cfg := testWorkloadConfig()
	cfg.WriteRatio, cfg.InvalidateRatio = 1, 0
	w := &Workload{cfg: cfg}
	for range 100 {
		assert.Equal(t, opPut, w.nextOp(rng, zipf).kind)
	}

	w.cfg.WriteRatio, w.cfg.InvalidateRatio = 0, 1
	for range 100 {
		assert.Equal(t, opInvalidate, w.nextOp(rng, zipf).kind)
	}

	w.cfg.WriteRatio, w.cfg.InvalidateRatio = 0, 0
	kinds := map[opKind]int{}
	for range 20000 {
		o := w.nextOp(rng, zipf)
		kinds[o.kind]++
		if o.kind == opGetAll {
			require.Len(t, o.keys, bulkSize)
		} else {
			require.NotEmpty(t, o.key)
		}
	}
	assert.Zero(t, kinds[opPut])
	assert.Zero(t, kinds[opInvalidate])
	assert.Positive(t, kinds[opRefresh])
	assert.Positive(t, kinds[opGetAll])
	assert.Greater(t, kinds[opGet], kinds[opGetAll])
}

func TestWorkload_Run(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	w, err := NewWorkload("run-1", boundedConfig(100), testWorkloadConfig(), registry, discardLogger())
	require.NoError(t, err)

	summary, err := w.Run(t.Context(), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "run-1", summary.RunID)
	assert.Positive(t, summary.Operations.Processed)
	assert.Equal(t, summary.Operations.Submitted, summary.Operations.Processed, "pools drain before returning")
	assert.Zero(t, summary.Operations.Failed)
	assert.Positive(t, summary.Stats.RequestCount())
	assert.Positive(t, summary.BackendLoads)
	assert.Zero(t, summary.BackendFailures)
	assert.LessOrEqual(t, summary.Size, 100)
	assert.Positive(t, summary.Throughput())

	names := metricNames(t, registry)
	assert.True(t, names["segcache_cache_hits_total"])
	assert.True(t, names["segcache_worker_pool_processed_total"])

	w.Close()
	names = metricNames(t, registry)
	assert.False(t, names["segcache_cache_hits_total"])
	assert.False(t, names["segcache_worker_pool_processed_total"])
}

func TestWorkload_RunWithoutRegistry(t *testing.T) {
	cfg := testWorkloadConfig()
	cfg.ReportInterval = 0
	w, err := NewWorkload("run-2", boundedConfig(50), cfg, nil, discardLogger())
	require.NoError(t, err)
	defer w.Close()

	summary, err := w.Run(t.Context(), 5*time.Second)
	require.NoError(t, err)
	assert.Positive(t, summary.Operations.Processed)
}

func TestWorkload_BackendFailuresSurfaceAsLoadErrors(t *testing.T) {
	cfg := testWorkloadConfig()
	cfg.FailureRate = 1
	cfg.WriteRatio, cfg.InvalidateRatio = 0, 0
	w, err := NewWorkload("run-3", boundedConfig(100), cfg, nil, discardLogger())
	require.NoError(t, err)
	defer w.Close()

	summary, err := w.Run(t.Context(), 5*time.Second)
	require.NoError(t, err)
	assert.Positive(t, summary.Operations.Failed)
	assert.Positive(t, summary.Stats.LoadExceptionCount)
	assert.Zero(t, summary.Stats.LoadSuccessCount)
	assert.Equal(t, 0, summary.Size)
	// Every cache load is attempted more than once before giving up.
	assert.Greater(t, summary.BackendFailures, int64(summary.Stats.LoadExceptionCount))
}

func TestWorkload_CancelledContextStopsEarly(t *testing.T) {
	cfg := testWorkloadConfig()
	cfg.Duration = time.Hour
	w, err := NewWorkload("run-4", boundedConfig(100), cfg, nil, discardLogger())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	summary, err := w.Run(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, summary.Elapsed, time.Minute)
}

func TestWorkload_WeightBoundedCacheGetsWeigher(t *testing.T) {
	weight := int64(2000)
	cacheCfg := cache.Config{MaximumWeight: &weight, RecordStats: true}

	w, err := NewWorkload("run-5", cacheCfg, testWorkloadConfig(), nil, discardLogger())
	require.NoError(t, err)
	defer w.Close()

	summary, err := w.Run(t.Context(), 5*time.Second)
	require.NoError(t, err)
	assert.Positive(t, summary.Size)
}

func TestNewWorkload_RejectsInvalidConfig(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	_, err := NewWorkload("run-6", cache.Config{InitialCapacity: -1}, testWorkloadConfig(), registry, discardLogger())
	require.ErrorIs(t, err, errors.ErrInvalidConfig)

	// A failed build leaves nothing registered.
	for name := range metricNames(t, registry) {
		assert.NotContains(t, name, "segcache_")
	}

	bad := testWorkloadConfig()
	bad.Workers = 0
	_, err = NewWorkload("run-7", boundedConfig(10), bad, registry, discardLogger())
	assert.True(t, errors.IsInvalid(err))
}

func TestWorkload_RateLimitsSubmissions(t *testing.T) {
	cfg := testWorkloadConfig()
	cfg.Duration = 200 * time.Millisecond
	cfg.Rate = 200
	w, err := NewWorkload("run-8", boundedConfig(100), cfg, nil, discardLogger())
	require.NoError(t, err)
	defer w.Close()

	summary, err := w.Run(t.Context(), 5*time.Second)
	require.NoError(t, err)
	assert.Positive(t, summary.Operations.Submitted)
	// A burst of 20 plus 200/s for 200ms, with slack for timer granularity.
	assert.LessOrEqual(t, summary.Operations.Submitted, int64(80))
}
