package cache

import (
	"bytes"
	"context"
	"fmt"
	"hash/maphash"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/segcache/errors"
	"github.com/c360/segcache/pkg/worker"
)

// recorder collects removal notifications.
type recorder[K comparable, V any] struct {
	mu  sync.Mutex
	got []RemovalNotification[K, V]
}

func (r *recorder[K, V]) listener() RemovalListener[K, V] {
	return func(n RemovalNotification[K, V]) {
		r.mu.Lock()
		r.got = append(r.got, n)
		r.mu.Unlock()
	}
}

func (r *recorder[K, V]) all() []RemovalNotification[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RemovalNotification[K, V](nil), r.got...)
}

func (r *recorder[K, V]) causes() []RemovalCause {
	var causes []RemovalCause
	for _, n := range r.all() {
		causes = append(causes, n.Cause)
	}
	return causes
}

func newTestCache[K comparable, V any](t *testing.T, opts ...Option[K, V]) *Cache[K, V] {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	return c
}

func TestCache_PutAndGet(t *testing.T) {
	c := newTestCache[string, int](t)

	_, ok := c.GetIfPresent("a")
	assert.False(t, ok)

	require.NoError(t, c.Put("a", 1))
	v, ok := c.GetIfPresent("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, c.Size())

	_, ok = c.GetIfPresent("b")
	assert.False(t, ok)
}

func TestCache_PutReplacesAndNotifies(t *testing.T) {
	rec := &recorder[string, int]{}
	c := newTestCache(t, WithRemovalListener(rec.listener()))

	require.NoError(t, c.Put("a", 1))
	require.NoError(t, c.Put("a", 2))

	v, ok := c.GetIfPresent("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, []RemovalNotification[string, int]{{Key: "a", Value: 1, Cause: CauseReplaced}}, rec.all())
	assert.False(t, rec.all()[0].WasEvicted())
}

func TestCache_Invalidate(t *testing.T) {
	rec := &recorder[string, int]{}
	c := newTestCache(t, WithRemovalListener(rec.listener()))

	require.NoError(t, c.Put("a", 1))
	c.Invalidate("a")
	c.Invalidate("missing")

	_, ok := c.GetIfPresent("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, []RemovalNotification[string, int]{{Key: "a", Value: 1, Cause: CauseExplicit}}, rec.all())
}

func TestCache_InvalidateKeysAndAll(t *testing.T) {
	rec := &recorder[string, int]{}
	c := newTestCache(t, WithRemovalListener(rec.listener()))

	for i := range 5 {
		require.NoError(t, c.Put(fmt.Sprintf("k%d", i), i))
	}
	c.InvalidateKeys("k0", "k1")
	assert.Equal(t, 3, c.Size())

	c.InvalidateAll()
	assert.Equal(t, 0, c.Size())
	assert.Len(t, rec.all(), 5)
	for _, cause := range rec.causes() {
		assert.Equal(t, CauseExplicit, cause)
	}
	for i := range 5 {
		_, ok := c.GetIfPresent(fmt.Sprintf("k%d", i))
		assert.False(t, ok)
	}
}

func TestCache_RejectsNilKeysAndValues(t *testing.T) {
	c := newTestCache[*string, *int](t)
	k, v := "k", 1

	err := c.Put(nil, &v)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNilKey)
	assert.True(t, errors.IsInvalid(err))

	err = c.Put(&k, nil)
	assert.ErrorIs(t, err, errors.ErrNilValue)

	_, ok := c.GetIfPresent(nil)
	assert.False(t, ok)

	_, err = c.GetOrLoad(context.Background(), nil, LoaderFunc[*string, *int](func(context.Context, *string) (*int, error) {
		return &v, nil
	}))
	assert.ErrorIs(t, err, errors.ErrNilKey)

	_, err = c.GetOrLoad(context.Background(), &k, nil)
	assert.ErrorIs(t, err, errors.ErrNoLoader)

	assert.Equal(t, 0, c.Size())
}

func TestCache_NilSliceValueRejected(t *testing.T) {
	c := newTestCache[string, []byte](t)
	assert.ErrorIs(t, c.Put("a", nil), errors.ErrNilValue)
	require.NoError(t, c.Put("a", []byte{}))
}

func TestCache_MaximumSizeEvictsLeastRecentlyUsed(t *testing.T) {
	rec := &recorder[string, int]{}
	c := newTestCache(t,
		WithMaximumSize[string, int](3),
		WithRemovalListener(rec.listener()),
	)
	require.Len(t, c.lc.segments, 1)

	require.NoError(t, c.Put("a", 1))
	require.NoError(t, c.Put("b", 2))
	require.NoError(t, c.Put("c", 3))
	_, ok := c.GetIfPresent("a")
	require.True(t, ok)

	require.NoError(t, c.Put("d", 4))

	assert.Equal(t, 3, c.Size())
	assert.Equal(t, []RemovalNotification[string, int]{{Key: "b", Value: 2, Cause: CauseSize}}, rec.all())
	assert.True(t, rec.all()[0].WasEvicted())
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.GetIfPresent(k)
		assert.True(t, ok, k)
	}
}

func TestCache_MaximumSizeZeroRetainsNothing(t *testing.T) {
	rec := &recorder[string, int]{}
	c := newTestCache(t, WithMaximumSize[string, int](0), WithRemovalListener(rec.listener()))

	require.NoError(t, c.Put("a", 1))
	_, ok := c.GetIfPresent("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, []RemovalCause{CauseSize}, rec.causes())
}

func TestCache_MaximumWeight(t *testing.T) {
	rec := &recorder[string, string]{}
	c := newTestCache(t,
		WithMaximumWeight[string, string](10),
		WithWeigher(func(_ string, v string) uint32 { return uint32(len(v)) }),
		WithRemovalListener(rec.listener()),
	)

	require.NoError(t, c.Put("a", "12345"))
	require.NoError(t, c.Put("b", "1234"))
	assert.Empty(t, rec.all())

	require.NoError(t, c.Put("c", "12"))
	assert.Equal(t, []RemovalNotification[string, string]{{Key: "a", Value: "12345", Cause: CauseSize}}, rec.all())

	// An entry heavier than the whole bound is evicted on arrival.
	require.NoError(t, c.Put("huge", "12345678901"))
	_, ok := c.GetIfPresent("huge")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, CauseSize, rec.all()[1].Cause)
	assert.Equal(t, "huge", rec.all()[1].Key)
}

func TestCache_ZeroWeightEntriesAreNotEvicted(t *testing.T) {
	c := newTestCache(t,
		WithMaximumWeight[string, int](1),
		WithWeigher(func(k string, _ int) uint32 {
			if k == "pinned" {
				return 0
			}
			return 1
		}),
	)

	require.NoError(t, c.Put("pinned", 0))
	require.NoError(t, c.Put("x", 1))
	require.NoError(t, c.Put("y", 2))

	_, ok := c.GetIfPresent("pinned")
	assert.True(t, ok)
	_, ok = c.GetIfPresent("x")
	assert.False(t, ok)
	_, ok = c.GetIfPresent("y")
	assert.True(t, ok)
}

func TestCache_WeigherPanicIsReported(t *testing.T) {
	c := newTestCache(t,
		WithMaximumWeight[string, int](10),
		WithWeigher(func(string, int) uint32 { panic("bad weigher") }),
	)

	err := c.Put("a", 1)
	require.Error(t, err)
	var pe *errors.PanicError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, c.Size())
}

func TestCache_ExpireAfterWrite(t *testing.T) {
	ticker := NewFakeTicker()
	rec := &recorder[string, int]{}
	c := newTestCache(t,
		WithExpireAfterWrite[string, int](time.Second),
		WithTicker[string, int](ticker),
		WithRemovalListener(rec.listener()),
	)

	require.NoError(t, c.Put("a", 1))
	ticker.Advance(600 * time.Millisecond)
	_, ok := c.GetIfPresent("a")
	require.True(t, ok)

	// Reads do not extend a write deadline.
	ticker.Advance(401 * time.Millisecond)
	_, ok = c.GetIfPresent("a")
	assert.False(t, ok)

	c.CleanUp()
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, []RemovalNotification[string, int]{{Key: "a", Value: 1, Cause: CauseExpired}}, rec.all())
}

func TestCache_ExpireAfterAccess(t *testing.T) {
	ticker := NewFakeTicker()
	c := newTestCache(t,
		WithExpireAfterAccess[string, int](time.Second),
		WithTicker[string, int](ticker),
	)

	require.NoError(t, c.Put("a", 1))
	ticker.Advance(600 * time.Millisecond)
	_, ok := c.GetIfPresent("a")
	require.True(t, ok)

	ticker.Advance(600 * time.Millisecond)
	_, ok = c.GetIfPresent("a")
	require.True(t, ok)

	ticker.Advance(1001 * time.Millisecond)
	_, ok = c.GetIfPresent("a")
	assert.False(t, ok)
}

func TestCache_LostReadDoesNotHoldBackExpiry(t *testing.T) {
	ticker := NewFakeTicker()
	rec := &recorder[string, int]{}
	c := newTestCache(t,
		WithExpireAfterAccess[string, int](time.Minute),
		WithConcurrencyLevel[string, int](1),
		WithTicker[string, int](ticker),
		WithRemovalListener(rec.listener()),
	)
	require.NoError(t, c.Put("a", 1))
	require.NoError(t, c.Put("b", 2))

	// A read of "a" whose recency record never reached the access queue.
	ticker.Advance(30 * time.Second)
	seg := c.lc.segments[0]
	seg.getEntry("a", c.lc.hash("a")).accessTime.Store(ticker.Read())

	ticker.Advance(40 * time.Second)
	c.CleanUp()

	assert.Equal(t, 1, c.Size())
	require.Len(t, rec.all(), 1)
	assert.Equal(t, "b", rec.all()[0].Key)
	assert.Equal(t, CauseExpired, rec.all()[0].Cause)
	v, ok := c.GetIfPresent("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestCache_ExpiryBoundaryIsExclusive(t *testing.T) {
	ticker := NewFakeTicker()
	c := newTestCache(t,
		WithExpireAfterWrite[string, int](time.Second),
		WithTicker[string, int](ticker),
	)

	require.NoError(t, c.Put("a", 1))
	ticker.Advance(time.Second)
	_, ok := c.GetIfPresent("a")
	assert.True(t, ok)

	ticker.Advance(time.Nanosecond)
	_, ok = c.GetIfPresent("a")
	assert.False(t, ok)
}

func TestCache_ZeroExpiryRetainsNothing(t *testing.T) {
	rec := &recorder[string, int]{}
	c := newTestCache(t,
		WithExpireAfterWrite[string, int](0),
		WithRemovalListener(rec.listener()),
	)

	require.NoError(t, c.Put("a", 1))
	_, ok := c.GetIfPresent("a")
	assert.False(t, ok)
	assert.Equal(t, []RemovalCause{CauseSize}, rec.causes())
}

func TestCache_CleanUpExpiresEverything(t *testing.T) {
	ticker := NewFakeTicker()
	c := newTestCache(t,
		WithExpireAfterWrite[int, int](time.Minute),
		WithConcurrencyLevel[int, int](1),
		WithTicker[int, int](ticker),
	)

	for i := range 3 * expireMax {
		require.NoError(t, c.Put(i, i))
	}
	ticker.Advance(2 * time.Minute)
	c.CleanUp()
	assert.Equal(t, 0, c.Size())
}

func TestCache_OptionValidation(t *testing.T) {
	weigher := func(string, int) uint32 { return 1 }
	tests := []struct {
		name string
		opts []Option[string, int]
	}{
		{"size and weight", []Option[string, int]{WithMaximumSize[string, int](1), WithMaximumWeight[string, int](1)}},
		{"size and weigher", []Option[string, int]{WithMaximumSize[string, int](1), WithWeigher(weigher)}},
		{"weigher without weight", []Option[string, int]{WithWeigher(weigher)}},
		{"weight without weigher", []Option[string, int]{WithMaximumWeight[string, int](1)}},
		{"refresh without loader", []Option[string, int]{WithRefreshAfterWrite[string, int](time.Second)}},
		{"repeated option", []Option[string, int]{WithMaximumSize[string, int](1), WithMaximumSize[string, int](2)}},
		{"negative size", []Option[string, int]{WithMaximumSize[string, int](-1)}},
		{"negative expiry", []Option[string, int]{WithExpireAfterWrite[string, int](-time.Second)}},
		{"zero concurrency", []Option[string, int]{WithConcurrencyLevel[string, int](0)}},
		{"nil listener", []Option[string, int]{WithRemovalListener[string, int](nil)}},
		{"nil ticker", []Option[string, int]{WithTicker[string, int](nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.opts...)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestCache_ValidationReportsEveryProblem(t *testing.T) {
	_, err := New(
		WithMaximumSize[string, int](1),
		WithMaximumWeight[string, int](1),
		WithConcurrencyLevel[string, int](-3),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum size can not be combined with maximum weight")
	assert.Contains(t, err.Error(), "concurrency level must be positive")
}

func TestCache_SegmentLayout(t *testing.T) {
	t.Run("unbounded follows concurrency", func(t *testing.T) {
		c := newTestCache(t, WithConcurrencyLevel[string, int](16))
		assert.Len(t, c.lc.segments, 16)
		assert.Equal(t, uint32(28), c.lc.segmentShift)
		assert.Equal(t, uint32(15), c.lc.segmentMask)
	})

	t.Run("concurrency rounds up to a power of two", func(t *testing.T) {
		c := newTestCache(t, WithConcurrencyLevel[string, int](5))
		assert.Len(t, c.lc.segments, 8)
	})

	t.Run("small bounds limit segments", func(t *testing.T) {
		c := newTestCache(t,
			WithConcurrencyLevel[string, int](16),
			WithMaximumSize[string, int](100),
		)
		require.Len(t, c.lc.segments, 8)

		var total int64
		for _, s := range c.lc.segments {
			total += s.maxWeight
		}
		assert.Equal(t, int64(100), total)
		assert.Equal(t, int64(13), c.lc.segments[0].maxWeight)
		assert.Equal(t, int64(13), c.lc.segments[3].maxWeight)
		assert.Equal(t, int64(12), c.lc.segments[4].maxWeight)
		assert.Equal(t, int64(12), c.lc.segments[7].maxWeight)
	})
}

func TestCache_TableExpands(t *testing.T) {
	c := newTestCache(t,
		WithConcurrencyLevel[int, int](1),
		WithInitialCapacity[int, int](1),
	)
	for i := range 1000 {
		require.NoError(t, c.Put(i, i))
	}
	assert.GreaterOrEqual(t, len(c.lc.segments[0].buckets.Load().slots), 1024)
	for i := range 1000 {
		v, ok := c.GetIfPresent(i)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestCache_PutAll(t *testing.T) {
	c := newTestCache[string, *int](t)
	one, two := 1, 2

	require.NoError(t, c.PutAll(map[string]*int{"a": &one, "b": &two}))
	assert.Equal(t, 2, c.Size())

	err := c.PutAll(map[string]*int{"c": &one, "d": nil})
	assert.ErrorIs(t, err, errors.ErrNilValue)
	_, ok := c.GetIfPresent("c")
	assert.False(t, ok)
}

func TestCache_GetAllPresent(t *testing.T) {
	c := newTestCache(t, WithRecordStats[string, int]())
	require.NoError(t, c.Put("a", 1))
	require.NoError(t, c.Put("b", 2))

	got := c.GetAllPresent([]string{"a", "b", "z"})
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, got)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.HitCount)
	assert.Equal(t, uint64(1), stats.MissCount)
}

func TestCache_Stats(t *testing.T) {
	t.Run("recording", func(t *testing.T) {
		c := newTestCache(t, WithRecordStats[string, int](), WithMaximumSize[string, int](1))
		require.NoError(t, c.Put("a", 1))
		c.GetIfPresent("a")
		c.GetIfPresent("b")
		require.NoError(t, c.Put("b", 2))

		stats := c.Stats()
		assert.Equal(t, uint64(1), stats.HitCount)
		assert.Equal(t, uint64(1), stats.MissCount)
		assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
		assert.Equal(t, uint64(1), stats.EvictionCount)
		assert.Equal(t, uint64(1), stats.EvictionWeight)
	})

	t.Run("disabled", func(t *testing.T) {
		c := newTestCache[string, int](t)
		require.NoError(t, c.Put("a", 1))
		c.GetIfPresent("a")
		assert.Equal(t, Stats{}, c.Stats())
	})

	t.Run("custom counter", func(t *testing.T) {
		counter := NewAtomicStatsCounter()
		c := newTestCache(t, WithStatsCounter[string, int](counter))
		c.GetIfPresent("a")
		assert.Equal(t, uint64(1), counter.Snapshot().MissCount)
	})
}

func TestCache_ListenerPanicIsRecovered(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{mu: &mu, w: &buf}, nil))
	c := newTestCache(t,
		WithRemovalListener(func(RemovalNotification[string, int]) { panic("listener failure") }),
		WithLogger[string, int](logger),
	)

	require.NoError(t, c.Put("a", 1))
	require.NotPanics(t, func() { require.NoError(t, c.Put("a", 2)) })

	v, ok := c.GetIfPresent("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), "Removal listener panicked")
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestCache_AsyncRemovalListener(t *testing.T) {
	pool := worker.NewTaskPool(2, 16)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.StopAndWait() })

	rec := &recorder[string, int]{}
	c := newTestCache(t, WithAsyncRemovalListener(rec.listener(), pool))

	require.NoError(t, c.Put("a", 1))
	require.NoError(t, c.Put("a", 2))
	c.Invalidate("a")

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []RemovalCause{CauseReplaced, CauseExplicit}, rec.causes())
}

func TestCache_AsyncListenerFallsBackInline(t *testing.T) {
	// An unstarted pool rejects every task.
	pool := worker.NewTaskPool(1, 1)
	rec := &recorder[string, int]{}
	c := newTestCache(t,
		WithAsyncRemovalListener(rec.listener(), pool),
		WithLogger[string, int](slog.New(slog.DiscardHandler)),
	)

	require.NoError(t, c.Put("a", 1))
	c.Invalidate("a")
	assert.Equal(t, []RemovalCause{CauseExplicit}, rec.causes())
}

func TestCache_KeyEquivalence(t *testing.T) {
	seed := maphash.MakeSeed()
	caseless := NewEquivalence(strings.EqualFold, func(s string) uint64 {
		return maphash.String(seed, strings.ToLower(s))
	})
	c := newTestCache(t, WithKeyEquivalence[string, int](caseless))

	require.NoError(t, c.Put("Hello", 1))
	v, ok := c.GetIfPresent("HELLO")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, c.Put("hello", 2))
	assert.Equal(t, 1, c.Size())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := newTestCache(t,
		WithMaximumSize[int, int](100),
		WithConcurrencyLevel[int, int](8),
		WithRecordStats[int, int](),
	)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 2000 {
				k := (g*31 + i) % 250
				switch i % 4 {
				case 0:
					assert.NoError(t, c.Put(k, i))
				case 3:
					c.Invalidate(k)
				default:
					c.GetIfPresent(k)
				}
			}
		}()
	}
	wg.Wait()
	c.CleanUp()

	assert.LessOrEqual(t, c.Size(), 100)
	count := 0
	for range c.AsMap().All() {
		count++
	}
	assert.Equal(t, c.Size(), count)
}

func TestCache_String(t *testing.T) {
	c := newTestCache(t, WithConcurrencyLevel[string, int](2))
	require.NoError(t, c.Put("a", 1))
	assert.Equal(t, "cache{segments=2, size=1}", c.String())
}
