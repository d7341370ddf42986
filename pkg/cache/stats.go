package cache

import (
	"sync/atomic"
	"time"
)

// StatsCounter accumulates cache statistics. Implementations must be safe for
// concurrent use; the cache calls them outside segment locks where possible.
type StatsCounter interface {
	RecordHits(count int)
	RecordMisses(count int)
	RecordLoadSuccess(loadTime time.Duration)
	RecordLoadException(loadTime time.Duration)
	RecordEviction(weight uint32)
	Snapshot() Stats
}

// Stats is an immutable snapshot of cache statistics.
type Stats struct {
	HitCount           uint64        `json:"hit_count"`
	MissCount          uint64        `json:"miss_count"`
	LoadSuccessCount   uint64        `json:"load_success_count"`
	LoadExceptionCount uint64        `json:"load_exception_count"`
	TotalLoadTime      time.Duration `json:"total_load_time"`
	EvictionCount      uint64        `json:"eviction_count"`
	EvictionWeight     uint64        `json:"eviction_weight"`
}

// RequestCount returns hits plus misses.
func (s Stats) RequestCount() uint64 {
	return s.HitCount + s.MissCount
}

// HitRate returns the ratio of hits to requests, or 1.0 with no requests.
func (s Stats) HitRate() float64 {
	requests := s.RequestCount()
	if requests == 0 {
		return 1.0
	}
	return float64(s.HitCount) / float64(requests)
}

// MissRate returns the ratio of misses to requests, or 0.0 with no requests.
func (s Stats) MissRate() float64 {
	requests := s.RequestCount()
	if requests == 0 {
		return 0.0
	}
	return float64(s.MissCount) / float64(requests)
}

// LoadCount returns successful plus failed loads.
func (s Stats) LoadCount() uint64 {
	return s.LoadSuccessCount + s.LoadExceptionCount
}

// LoadExceptionRate returns the ratio of failed loads to all loads.
func (s Stats) LoadExceptionRate() float64 {
	loads := s.LoadCount()
	if loads == 0 {
		return 0.0
	}
	return float64(s.LoadExceptionCount) / float64(loads)
}

// AverageLoadPenalty returns the mean time spent loading.
func (s Stats) AverageLoadPenalty() time.Duration {
	loads := s.LoadCount()
	if loads == 0 {
		return 0
	}
	return s.TotalLoadTime / time.Duration(loads)
}

// Minus returns the difference s - other, floored at zero per field.
func (s Stats) Minus(other Stats) Stats {
	sub := func(a, b uint64) uint64 {
		if a < b {
			return 0
		}
		return a - b
	}
	loadTime := s.TotalLoadTime - other.TotalLoadTime
	if loadTime < 0 {
		loadTime = 0
	}
	return Stats{
		HitCount:           sub(s.HitCount, other.HitCount),
		MissCount:          sub(s.MissCount, other.MissCount),
		LoadSuccessCount:   sub(s.LoadSuccessCount, other.LoadSuccessCount),
		LoadExceptionCount: sub(s.LoadExceptionCount, other.LoadExceptionCount),
		TotalLoadTime:      loadTime,
		EvictionCount:      sub(s.EvictionCount, other.EvictionCount),
		EvictionWeight:     sub(s.EvictionWeight, other.EvictionWeight),
	}
}

// Plus returns the sum s + other.
func (s Stats) Plus(other Stats) Stats {
	return Stats{
		HitCount:           s.HitCount + other.HitCount,
		MissCount:          s.MissCount + other.MissCount,
		LoadSuccessCount:   s.LoadSuccessCount + other.LoadSuccessCount,
		LoadExceptionCount: s.LoadExceptionCount + other.LoadExceptionCount,
		TotalLoadTime:      s.TotalLoadTime + other.TotalLoadTime,
		EvictionCount:      s.EvictionCount + other.EvictionCount,
		EvictionWeight:     s.EvictionWeight + other.EvictionWeight,
	}
}

// AtomicStatsCounter is the default StatsCounter, built on atomic counters.
type AtomicStatsCounter struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	loadSuccess   atomic.Uint64
	loadException atomic.Uint64
	totalLoadTime atomic.Int64
	evictions     atomic.Uint64
	evictedWeight atomic.Uint64
}

// NewAtomicStatsCounter returns a zeroed counter.
func NewAtomicStatsCounter() *AtomicStatsCounter {
	return &AtomicStatsCounter{}
}

func (c *AtomicStatsCounter) RecordHits(count int) {
	c.hits.Add(uint64(count))
}

func (c *AtomicStatsCounter) RecordMisses(count int) {
	c.misses.Add(uint64(count))
}

func (c *AtomicStatsCounter) RecordLoadSuccess(loadTime time.Duration) {
	c.loadSuccess.Add(1)
	c.totalLoadTime.Add(int64(loadTime))
}

func (c *AtomicStatsCounter) RecordLoadException(loadTime time.Duration) {
	c.loadException.Add(1)
	c.totalLoadTime.Add(int64(loadTime))
}

func (c *AtomicStatsCounter) RecordEviction(weight uint32) {
	c.evictions.Add(1)
	c.evictedWeight.Add(uint64(weight))
}

// Snapshot returns the current totals.
func (c *AtomicStatsCounter) Snapshot() Stats {
	return Stats{
		HitCount:           c.hits.Load(),
		MissCount:          c.misses.Load(),
		LoadSuccessCount:   c.loadSuccess.Load(),
		LoadExceptionCount: c.loadException.Load(),
		TotalLoadTime:      time.Duration(c.totalLoadTime.Load()),
		EvictionCount:      c.evictions.Load(),
		EvictionWeight:     c.evictedWeight.Load(),
	}
}

// IncrementBy adds every total from other into c.
func (c *AtomicStatsCounter) IncrementBy(other StatsCounter) {
	s := other.Snapshot()
	c.hits.Add(s.HitCount)
	c.misses.Add(s.MissCount)
	c.loadSuccess.Add(s.LoadSuccessCount)
	c.loadException.Add(s.LoadExceptionCount)
	c.totalLoadTime.Add(int64(s.TotalLoadTime))
	c.evictions.Add(s.EvictionCount)
	c.evictedWeight.Add(s.EvictionWeight)
}

type disabledStatsCounter struct{}

func (disabledStatsCounter) RecordHits(int)                    {}
func (disabledStatsCounter) RecordMisses(int)                  {}
func (disabledStatsCounter) RecordLoadSuccess(time.Duration)   {}
func (disabledStatsCounter) RecordLoadException(time.Duration) {}
func (disabledStatsCounter) RecordEviction(uint32)             {}
func (disabledStatsCounter) Snapshot() Stats                   { return Stats{} }
