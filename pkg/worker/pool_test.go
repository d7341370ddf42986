package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/segcache/errors"
	"github.com/c360/segcache/metric"
)

type testWork struct {
	id   int
	fail bool
}

func (p *Pool[T]) isStopped() bool {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	return p.stopped
}

func TestNewPool_Defaults(t *testing.T) {
	processor := func(context.Context, testWork) error { return nil }

	pool := NewPool(5, 100, processor)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool = NewPool(0, 0, processor)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)
}

func TestNewPool_NilProcessor(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[testWork](5, 100, nil)
	})
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, testWork) error { return nil })
	err := pool.Submit(testWork{})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestPool_ProcessesWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(4, 100, func(_ context.Context, w testWork) error {
		processed.Add(1)
		if w.fail {
			return stderrors.New("failed")
		}
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%10 == 0}))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(50), processed.Load())
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	<-started // worker is busy with item 1
	require.NoError(t, pool.Submit(testWork{id: 2}))

	err := pool.Submit(testWork{id: 3})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_RecoversPanics(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	pool := NewPool(1, 10, func(_ context.Context, w testWork) error {
		if w.id == 0 {
			panic("boom")
		}
		mu.Lock()
		seen = append(seen, w.id)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{id: 0}))
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, []int{1}, seen)
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(2, 10, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "refresh"))
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))
	require.NoError(t, pool.Stop(time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, mf := range families {
		if len(mf.GetMetric()) > 0 && mf.GetMetric()[0].GetCounter() != nil {
			found[mf.GetName()] = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, found["segcache_worker_pool_submitted_total"])
	assert.Equal(t, 1.0, found["segcache_worker_pool_processed_total"])
}

func TestPool_DuplicateMetricsFailStart(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	noop := func(context.Context, testWork) error { return nil }
	NewPool(1, 1, noop, WithMetricsRegistry[testWork](registry, "dup"))
	second := NewPool(1, 1, noop, WithMetricsRegistry[testWork](registry, "dup"))

	err := second.Start(context.Background())
	assert.True(t, errors.IsInvalid(err))
}

func TestTaskPool_Execute(t *testing.T) {
	pool := NewTaskPool(2, 10)
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, pool.Execute(func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	require.NoError(t, pool.StopAndWait())
	assert.Equal(t, int64(5), ran.Load())
}

func TestPool_CancelledContextDrainsQueuedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var processed atomic.Int64
	pool := NewPool(1, 8, func(_ context.Context, w testWork) error {
		if w.id == 0 {
			started <- struct{}{}
			<-release
		}
		processed.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(ctx))

	require.NoError(t, pool.Submit(testWork{id: 0}))
	<-started
	for i := 1; i <= 3; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}
	cancel()
	close(release)

	require.Eventually(t, func() bool { return processed.Load() == 4 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, pool.isStopped, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, pool.Submit(testWork{id: 5}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_WorkSubmittingDuringStopDoesNotBlockIt(t *testing.T) {
	pool := NewTaskPool(1, 4)
	require.NoError(t, pool.Start(context.Background()))

	release := make(chan struct{})
	resubmit := make(chan error, 1)
	require.NoError(t, pool.Execute(func() {
		<-release
		resubmit <- pool.Execute(func() {})
	}))

	go func() {
		for !pool.isStopped() {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()

	require.NoError(t, pool.Stop(2*time.Second))
	assert.ErrorIs(t, <-resubmit, ErrPoolStopped)
}
