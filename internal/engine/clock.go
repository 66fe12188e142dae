package engine

import (
	"sync/atomic"
	"time"
)

// TimeSource yields wall-clock time. testutil.ManualClock implements it for
// deterministic tests.
type TimeSource interface {
	Now() time.Time
}

// SystemTime is the real wall clock.
type SystemTime struct{}

// Now returns time.Now().
func (SystemTime) Now() time.Time { return time.Now() }

// Clock issues updatedAt stamps in unix milliseconds.
//
// Stamps are wall-clock based so they compare meaningfully across devices,
// and strictly increasing on one device so an edit made in the same
// millisecond as the previous one (or after the wall clock stepped back)
// still wins locally.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	src  TimeSource
	last atomic.Int64
}

// NewClock creates a clock over src (SystemTime if nil).
func NewClock(src TimeSource) *Clock {
	if src == nil {
		src = SystemTime{}
	}
	return &Clock{src: src}
}

// Now returns the source's current time.
func (c *Clock) Now() time.Time {
	return c.src.Now()
}

// Stamp returns a new updatedAt for a record whose current updatedAt is prev:
// the current time, raised if needed to exceed both prev and every stamp
// this clock has issued.
func (c *Clock) Stamp(prev int64) int64 {
	for {
		last := c.last.Load()
		next := c.src.Now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Current returns the last stamp issued, or 0.
func (c *Clock) Current() int64 {
	return c.last.Load()
}
