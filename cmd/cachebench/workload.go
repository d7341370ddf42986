package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/segcache/errors"
	"github.com/c360/segcache/metric"
	"github.com/c360/segcache/pkg/cache"
	"github.com/c360/segcache/pkg/retry"
	"github.com/c360/segcache/pkg/worker"
)

const (
	metricsComponent = "cachebench"
	clientPoolName   = "cachebench_clients"
	taskPoolName     = "cachebench_tasks"

	// Fixed shares of the operation mix on top of the configured ratios.
	refreshRatio = 0.005
	bulkRatio    = 0.02
	bulkSize     = 8
)

// WorkloadConfig shapes the synthetic traffic.
type WorkloadConfig struct {
	Duration        time.Duration
	Workers         int
	Keys            int
	Skew            float64
	WriteRatio      float64
	InvalidateRatio float64
	LoadLatency     time.Duration
	FailureRate     float64
	ReportInterval  time.Duration

	// Rate caps submitted operations per second. Zero is unthrottled.
	Rate float64
}

// Validate checks that the workload can be generated.
func (c WorkloadConfig) Validate() error {
	switch {
	case c.Duration <= 0:
		return errors.Invalidf("cachebench", "Validate", "duration must be positive, got %v", c.Duration)
	case c.Workers <= 0:
		return errors.Invalidf("cachebench", "Validate", "workers must be positive, got %d", c.Workers)
	case c.Keys < 2:
		return errors.Invalidf("cachebench", "Validate", "keys must be at least 2, got %d", c.Keys)
	case c.Skew <= 1:
		return errors.Invalidf("cachebench", "Validate", "skew must be greater than 1, got %v", c.Skew)
	case c.WriteRatio < 0 || c.InvalidateRatio < 0 || c.WriteRatio+c.InvalidateRatio > 1:
		return errors.Invalidf("cachebench", "Validate",
			"write and invalidate ratios must be non-negative and sum to at most 1, got %v and %v",
			c.WriteRatio, c.InvalidateRatio)
	case c.FailureRate < 0 || c.FailureRate > 1:
		return errors.Invalidf("cachebench", "Validate", "failure rate must be within [0, 1], got %v", c.FailureRate)
	case c.LoadLatency < 0 || c.ReportInterval < 0:
		return errors.Invalidf("cachebench", "Validate", "latency and report interval must be non-negative")
	case c.Rate < 0:
		return errors.Invalidf("cachebench", "Validate", "rate must be non-negative, got %v", c.Rate)
	}
	return nil
}

var errBackendUnavailable = errors.New("backend unavailable")

// backend is the slow system of record the cache fronts.
type backend struct {
	latency     time.Duration
	failureRate float64
	loads       atomic.Int64
	failures    atomic.Int64
}

func (b *backend) fetch(ctx context.Context, key string) (string, error) {
	b.loads.Add(1)
	if b.latency > 0 {
		timer := time.NewTimer(b.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if b.failureRate > 0 && rand.Float64() < b.failureRate {
		b.failures.Add(1)
		return "", errors.WrapTransient(errBackendUnavailable, "backend", "fetch", "load "+key)
	}
	return key + "@" + strconv.FormatInt(time.Now().UnixNano(), 36), nil
}

func (b *backend) Load(ctx context.Context, key string) (string, error) {
	return b.fetch(ctx, key)
}

func (b *backend) Reload(ctx context.Context, key string, _ string) (string, error) {
	return b.fetch(ctx, key)
}

func (b *backend) LoadAll(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := b.fetch(ctx, k)
		if err != nil {
			return nil, err
		}
		values[k] = v
	}
	return values, nil
}

type opKind int

const (
	opGet opKind = iota
	opGetAll
	opPut
	opInvalidate
	opRefresh
)

type op struct {
	kind opKind
	key  string
	keys []string
}

// Workload drives a loading cache with a skewed mix of reads, writes,
// invalidations and refreshes submitted to a pool of client workers.
type Workload struct {
	runID    string
	cfg      WorkloadConfig
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	backend  *backend
	limiter  *rate.Limiter
	cache    *cache.LoadingCache[string, string]
	clients  *worker.Pool[op]
	tasks    *worker.TaskPool
	removals [cache.CauseSize + 1]atomic.Int64
}

// NewWorkload builds the cache described by cacheCfg and the pools that
// drive it. registry may be nil.
func NewWorkload(
	runID string, cacheCfg cache.Config, cfg WorkloadConfig,
	registry *metric.MetricsRegistry, logger *slog.Logger,
) (*Workload, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Workload{
		runID:    runID,
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		backend:  &backend{latency: cfg.LoadLatency, failureRate: cfg.FailureRate},
	}
	if cfg.Rate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Rate/10)))
	}

	w.tasks = worker.NewTaskPool(cfg.Workers, 4096,
		worker.WithMetricsRegistry[worker.Task](registry, taskPoolName),
		worker.WithLogger[worker.Task](logger))
	w.clients = worker.NewPool(cfg.Workers, 1024, w.process,
		worker.WithMetricsRegistry[op](registry, clientPoolName),
		worker.WithLogger[op](logger))

	opts, err := cache.ConfigOptions[string, string](cacheCfg)
	if err != nil {
		w.Close()
		return nil, err
	}
	if cacheCfg.MaximumWeight != nil {
		opts = append(opts, cache.WithWeigher[string, string](func(k, v string) uint32 {
			return uint32(len(k) + len(v))
		}))
	}
	opts = append(opts,
		cache.WithLogger[string, string](logger),
		cache.WithMetrics[string, string](registry, metricsComponent),
		cache.WithRefreshExecutor[string, string](w.tasks),
		cache.WithAsyncRemovalListener[string, string](w.onRemoval, w.tasks),
	)

	loader := cache.RetryingLoader[string, string](w.backend, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    true,
		Retryable:    errors.IsTransient,
	})
	w.cache, err = cache.NewLoading(loader, opts...)
	if err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// Cache exposes the driven cache.
func (w *Workload) Cache() *cache.LoadingCache[string, string] {
	return w.cache
}

func (w *Workload) onRemoval(n cache.RemovalNotification[string, string]) {
	if int(n.Cause) < len(w.removals) {
		w.removals[n.Cause].Add(1)
	}
}

func (w *Workload) process(ctx context.Context, o op) error {
	switch o.kind {
	case opPut:
		return w.cache.Put(o.key, o.key+"@put")
	case opInvalidate:
		w.cache.Invalidate(o.key)
		return nil
	case opRefresh:
		// The buffered result is dropped; failures are logged by the cache.
		w.cache.Refresh(ctx, o.key)
		return nil
	case opGetAll:
		_, err := w.cache.GetAll(ctx, o.keys)
		return err
	default:
		_, err := w.cache.Get(ctx, o.key)
		return err
	}
}

func keyName(n uint64) string {
	return "key-" + strconv.FormatUint(n, 10)
}

func (w *Workload) nextOp(rng *rand.Rand, zipf *rand.Zipf) op {
	key := keyName(zipf.Uint64())
	p := rng.Float64()
	threshold := w.cfg.WriteRatio
	if p < threshold {
		return op{kind: opPut, key: key}
	}
	if threshold += w.cfg.InvalidateRatio; p < threshold {
		return op{kind: opInvalidate, key: key}
	}
	if threshold += refreshRatio; p < threshold {
		return op{kind: opRefresh, key: key}
	}
	if threshold += bulkRatio; p < threshold {
		keys := make([]string, 0, bulkSize)
		keys = append(keys, key)
		for len(keys) < bulkSize {
			keys = append(keys, keyName(zipf.Uint64()))
		}
		return op{kind: opGetAll, keys: keys}
	}
	return op{kind: opGet, key: key}
}

// Run generates traffic until the configured duration elapses or ctx is
// cancelled, then drains both pools within drainTimeout.
func (w *Workload) Run(ctx context.Context, drainTimeout time.Duration) (Summary, error) {
	// Queued work is drained on the way out rather than abandoned.
	poolCtx := context.WithoutCancel(ctx)
	if err := w.tasks.Start(poolCtx); err != nil {
		return Summary{}, errors.WrapFatal(err, "Workload", "Run", "start task pool")
	}
	if err := w.clients.Start(poolCtx); err != nil {
		_ = w.tasks.Stop(drainTimeout)
		return Summary{}, errors.WrapFatal(err, "Workload", "Run", "start client pool")
	}

	w.logger.Info("Workload started",
		"cache", w.cache.String(),
		"duration", w.cfg.Duration,
		"workers", w.cfg.Workers,
		"keys", w.cfg.Keys)

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Duration)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// Ending generation also ends the reporter.
		defer cancel()
		return w.generate(gctx)
	})
	if w.cfg.ReportInterval > 0 {
		g.Go(func() error {
			w.reportEvery(gctx, w.cfg.ReportInterval)
			return nil
		})
	}
	genErr := g.Wait()
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		w.logger.Info("Workload interrupted", "reason", context.Cause(ctx))
	}

	if err := w.clients.Stop(drainTimeout); err != nil {
		w.logger.Warn("Client pool did not drain", "error", err)
	}
	if err := w.tasks.Stop(drainTimeout); err != nil {
		w.logger.Warn("Task pool did not drain", "error", err)
	}
	w.cache.CleanUp()

	if genErr != nil {
		return Summary{}, genErr
	}
	return w.summary(elapsed), nil
}

// generate submits operations until ctx is done.
func (w *Workload) generate(ctx context.Context) error {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	zipf := rand.NewZipf(rng, w.cfg.Skew, 1, uint64(w.cfg.Keys-1))

	for ctx.Err() == nil {
		if w.limiter != nil {
			// Wait also fails when the next token lies past the deadline.
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		err := w.clients.Submit(w.nextOp(rng, zipf))
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrQueueFull):
			time.Sleep(50 * time.Microsecond)
		default:
			return errors.Wrap(err, "Workload", "generate", "submit operation")
		}
	}
	return nil
}

func (w *Workload) reportEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := w.cache.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = w.report(last)
		}
	}
}

func (w *Workload) report(last cache.Stats) cache.Stats {
	now := w.cache.Stats()
	delta := now.Minus(last)
	w.logger.Info("Cache statistics",
		"requests", delta.RequestCount(),
		"hit_rate", fmt.Sprintf("%.4f", delta.HitRate()),
		"loads", delta.LoadCount(),
		"load_failures", delta.LoadExceptionCount,
		"avg_load_penalty", delta.AverageLoadPenalty(),
		"evictions", delta.EvictionCount,
		"size", w.cache.Size())
	return now
}

// Summary is the outcome of one workload run.
type Summary struct {
	RunID           string           `json:"run_id"`
	Elapsed         time.Duration    `json:"elapsed"`
	Operations      worker.PoolStats `json:"operations"`
	Stats           cache.Stats      `json:"stats"`
	Size            int              `json:"size"`
	BackendLoads    int64            `json:"backend_loads"`
	BackendFailures int64            `json:"backend_failures"`
	Removals        map[string]int64 `json:"removals"`
}

func (w *Workload) summary(elapsed time.Duration) Summary {
	removals := make(map[string]int64, len(w.removals))
	for cause := range w.removals {
		if n := w.removals[cause].Load(); n > 0 {
			removals[cache.RemovalCause(cause).String()] = n
		}
	}
	return Summary{
		RunID:           w.runID,
		Elapsed:         elapsed,
		Operations:      w.clients.Stats(),
		Stats:           w.cache.Stats(),
		Size:            w.cache.Size(),
		BackendLoads:    w.backend.loads.Load(),
		BackendFailures: w.backend.failures.Load(),
		Removals:        removals,
	}
}

// Throughput is processed operations per second.
func (s Summary) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Operations.Processed) / s.Elapsed.Seconds()
}

// Close unregisters the workload's metrics so the registry can host
// another run.
func (w *Workload) Close() {
	if w.registry == nil {
		return
	}
	removed := w.registry.UnregisterComponent(metricsComponent)
	removed += w.registry.UnregisterComponent("worker_pool." + clientPoolName)
	removed += w.registry.UnregisterComponent("worker_pool." + taskPoolName)
	w.logger.Debug("Unregistered workload metrics", "count", removed)
}
