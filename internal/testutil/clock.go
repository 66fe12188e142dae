package testutil

import (
	"sync"
	"time"
)

// ManualClock is a wall clock that only moves when told to.
//
// It implements engine.TimeSource, so tests and scenarios control every
// updatedAt stamp and every "today" a calculator sees.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock reading t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// NewManualClockMillis creates a clock reading the given unix milliseconds (UTC).
// Scenarios use small values ("logical time 100") for readability.
func NewManualClockMillis(ms int64) *ManualClock {
	return NewManualClock(time.UnixMilli(ms).UTC())
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed; stamps stay
// monotonic because engine.Clock never issues a value below its last one.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// SetMillis moves the clock to the given unix milliseconds (UTC).
func (c *ManualClock) SetMillis(ms int64) {
	c.Set(time.UnixMilli(ms).UTC())
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
