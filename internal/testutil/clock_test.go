package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_OnlyMovesWhenTold(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now())

	clock.Advance(24 * time.Hour)
	assert.Equal(t, start.AddDate(0, 0, 1), clock.Now())

	clock.Set(start)
	assert.Equal(t, start, clock.Now())
}

func TestManualClock_Millis(t *testing.T) {
	clock := NewManualClockMillis(100)
	assert.Equal(t, int64(100), clock.Now().UnixMilli())

	clock.SetMillis(150)
	assert.Equal(t, int64(150), clock.Now().UnixMilli())
	assert.Equal(t, time.UTC, clock.Now().Location())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClockMillis(0)
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(numGoroutines), clock.Now().UnixMilli())
}

func TestSequenceGenerator(t *testing.T) {
	gen := NewSequenceGenerator("meal")
	assert.Equal(t, "meal-1", gen.Generate())
	assert.Equal(t, "meal-2", gen.Generate())

	gen.Reset()
	assert.Equal(t, "meal-1", gen.Generate())

	assert.Equal(t, "id-1", NewSequenceGenerator("").Generate())
}
