package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualClock lets tests advance limiter time without sleeping.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiter_Burst(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	assert.Equal(t, 3, allowN(t, m, "ip-1", 5))
	assert.Equal(t, 3, allowN(t, m, "ip-2", 3), "keys are independent")
}

func TestMemoryLimiter_RefillCapsAtBurst(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 3)
	assert.Equal(t, 3, allowN(t, m, "k", 3))

	clock.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k", 2))

	clock.advance(time.Hour)
	assert.Equal(t, 3, allowN(t, m, "k", 10))
}

func TestMemoryLimiter_RetryAfter(t *testing.T) {
	m, clock := newTestLimiter(t, 4, 1)
	assert.Zero(t, m.RetryAfter("k"))
	assert.Equal(t, 1, allowN(t, m, "k", 2))
	assert.Equal(t, 250*time.Millisecond, m.RetryAfter("k"))

	clock.advance(100 * time.Millisecond)
	assert.InDelta(t, float64(150*time.Millisecond), float64(m.RetryAfter("k")), float64(time.Millisecond))
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 50)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 10 {
				if ok, _ := m.Allow(context.Background(), "shared"); ok {
					allowed.Add(1)
				}
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiter_EvictStale(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 1)
	allowN(t, m, "old", 1)
	clock.advance(11 * time.Minute)
	allowN(t, m, "fresh", 1)

	m.evictStale()
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "old")
	assert.Contains(t, m.buckets, "fresh")
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	ok, err := l.Allow(context.Background(), "x")
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.NoError(t, l.Close())
}
