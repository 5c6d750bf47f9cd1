package delaybuf

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/aimlink/internal/frame"
)

func state(yaw float32) frame.StateFrame {
	return frame.StateFrame{Yaw: yaw}
}

func TestBuffer_EvictsOldest(t *testing.T) {
	const n = 4
	b := New(n)
	base := time.Unix(1000, 0)

	for i := 0; i <= n; i++ {
		b.Push(base.Add(time.Duration(i)*time.Millisecond), state(float32(i)))
	}

	require.Equal(t, n, b.Len())
	got := b.Snapshot()
	var yaws []float32
	for _, e := range got {
		yaws = append(yaws, e.State.Yaw)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, yaws); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, float32(4), latest.State.Yaw)
}

func TestBuffer_NeverExceedsCapacity(t *testing.T) {
	b := New(3)
	at := time.Unix(0, 0)
	for i := 0; i < 100; i++ {
		b.Push(at, state(float32(i)))
		assert.LessOrEqual(t, b.Len(), b.Cap())
	}
}

func delayFixture(now time.Time) *Buffer {
	b := New(8)
	b.Push(now.Add(-2*time.Second), state(1))
	b.Push(now.Add(-500*time.Millisecond), state(2))
	b.Push(now.Add(-50*time.Millisecond), state(3))
	return b
}

func TestBuffer_QueryPicksOldestYoungEnough(t *testing.T) {
	now := time.Unix(5000, 0)
	b := delayFixture(now)

	res, ok := b.Query(now, time.Second)
	require.True(t, ok)
	assert.False(t, res.Exhausted)
	assert.Equal(t, float32(2), res.State.Yaw, "expected the 0.5s-old sample")
	assert.Equal(t, now.Add(-500*time.Millisecond), res.At)
}

func TestBuffer_QueryExhaustedFallsBackToNewest(t *testing.T) {
	now := time.Unix(5000, 0)
	b := delayFixture(now)

	res, ok := b.Query(now, 10*time.Millisecond)
	require.True(t, ok)
	assert.True(t, res.Exhausted)
	assert.Equal(t, float32(3), res.State.Yaw)
}

func TestBuffer_QueryWithoutDelay(t *testing.T) {
	now := time.Unix(5000, 0)
	b := delayFixture(now)

	res, ok := b.Query(now, 0)
	require.True(t, ok)
	assert.False(t, res.Exhausted)
	assert.Equal(t, float32(3), res.State.Yaw)
}

func TestBuffer_QueryEmpty(t *testing.T) {
	b := New(2)
	_, ok := b.Query(time.Now(), time.Second)
	assert.False(t, ok)
	_, ok = b.Latest()
	assert.False(t, ok)
}

func TestBuffer_PushClampsBackwardsTime(t *testing.T) {
	b := New(4)
	at := time.Unix(100, 0)
	b.Push(at, state(1))
	b.Push(at.Add(-time.Second), state(2))

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, at, snap[1].At)
}

func TestBuffer_ConcurrentPushQuery(t *testing.T) {
	b := New(16)
	start := time.Unix(0, 0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Push(start.Add(time.Duration(i)*time.Millisecond), state(float32(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Query(start.Add(time.Second), 100*time.Millisecond)
		}
	}()
	wg.Wait()

	assert.Equal(t, 16, b.Len())
	snap := b.Snapshot()
	for i := 1; i < len(snap); i++ {
		assert.False(t, snap[i].At.Before(snap[i-1].At), "entries out of order at %d", i)
	}
}
