package cache

import (
	"sync/atomic"
	"time"
)

// Ticker is a monotonic nanosecond time source used for expiration, refresh
// and load timing.
type Ticker interface {
	Read() int64
}

// TickerFunc adapts a function to the Ticker interface.
type TickerFunc func() int64

// Read returns the current reading of f.
func (f TickerFunc) Read() int64 { return f() }

var processStart = time.Now()

// SystemTicker returns a Ticker backed by the monotonic clock.
func SystemTicker() Ticker {
	return TickerFunc(func() int64 { return int64(time.Since(processStart)) })
}

// FakeTicker is a manually advanced Ticker for tests.
type FakeTicker struct {
	nanos         atomic.Int64
	autoIncrement atomic.Int64
}

// NewFakeTicker returns a FakeTicker starting at zero.
func NewFakeTicker() *FakeTicker {
	return &FakeTicker{}
}

// Advance moves the ticker forward by d.
func (t *FakeTicker) Advance(d time.Duration) *FakeTicker {
	t.nanos.Add(int64(d))
	return t
}

// SetAutoIncrement makes every Read advance the ticker by d afterwards.
func (t *FakeTicker) SetAutoIncrement(d time.Duration) *FakeTicker {
	t.autoIncrement.Store(int64(d))
	return t
}

// Read returns the current reading and applies any auto increment.
func (t *FakeTicker) Read() int64 {
	inc := t.autoIncrement.Load()
	return t.nanos.Add(inc) - inc
}
