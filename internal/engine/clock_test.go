package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/calsync/internal/testutil"
)

func TestClock_StampFollowsWallClock(t *testing.T) {
	src := testutil.NewManualClockMillis(1_000)
	c := NewClock(src)

	assert.Equal(t, int64(1_000), c.Stamp(0))
	src.Advance(5 * time.Millisecond)
	assert.Equal(t, int64(1_005), c.Stamp(0))
	assert.Equal(t, int64(1_005), c.Current())
}

func TestClock_StampExceedsPrevAndLast(t *testing.T) {
	src := testutil.NewManualClockMillis(1_000)
	c := NewClock(src)

	assert.Equal(t, int64(1_000), c.Stamp(0))
	assert.Equal(t, int64(1_001), c.Stamp(0), "same millisecond")
	assert.Equal(t, int64(5_001), c.Stamp(5_000), "record stamped by a device running ahead")

	src.SetMillis(10)
	assert.Equal(t, int64(5_002), c.Stamp(0), "wall clock stepped back")
}

func TestClock_StampConcurrentUnique(t *testing.T) {
	c := NewClock(testutil.NewManualClockMillis(1_000))

	const n = 200
	stamps := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stamps <- c.Stamp(0)
		}()
	}
	wg.Wait()
	close(stamps)

	seen := make(map[int64]bool, n)
	for s := range stamps {
		require.False(t, seen[s], "duplicate stamp %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
