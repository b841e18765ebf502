package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a synthetic clock advanced manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, algorithm string, clock *fakeClock) *Registry {
	t.Helper()
	r, err := NewRegistry(Options{
		Algorithm: algorithm,
		Default:   Quota{Capacity: 5, Window: time.Second},
		Enabled:   true,
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	return r
}

func TestRegistry_FivePerSecond(t *testing.T) {
	for _, algorithm := range []string{AlgorithmWindow, AlgorithmBucket} {
		t.Run(algorithm, func(t *testing.T) {
			clock := newFakeClock()
			r := newTestRegistry(t, algorithm, clock)
			ctx := context.Background()
			q := Quota{Capacity: 5, Window: time.Second}

			for i := 0; i < 5; i++ {
				v := r.TryAcquire(ctx, "asset-a", q)
				assert.True(t, v.Allowed, "call %d", i+1)
			}
			v := r.TryAcquire(ctx, "asset-a", q)
			assert.False(t, v.Allowed, "6th call within the window is denied")
			assert.Equal(t, 0, v.Remaining)

			clock.Advance(time.Second)
			assert.True(t, r.TryAcquire(ctx, "asset-a", q).Allowed, "allowed after rollover")
		})
	}
}

func TestRegistry_ScopesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, AlgorithmWindow, clock)
	ctx := context.Background()
	q := Quota{Capacity: 1, Window: time.Second}

	assert.True(t, r.TryAcquire(ctx, "a", q).Allowed)
	assert.False(t, r.TryAcquire(ctx, "a", q).Allowed)
	assert.True(t, r.TryAcquire(ctx, "b", q).Allowed)
}

func TestRegistry_DenialDoesNotConsume(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, AlgorithmWindow, clock)
	ctx := context.Background()
	q := Quota{Capacity: 3, Window: time.Second}

	assert.True(t, r.TryAcquireN(ctx, "s", q, 2).Allowed)
	assert.False(t, r.TryAcquireN(ctx, "s", q, 2).Allowed, "2 more do not fit")
	v := r.TryAcquireN(ctx, "s", q, 1)
	assert.True(t, v.Allowed, "the denied request consumed nothing")
	assert.Equal(t, 0, v.Remaining)
}

func TestRegistry_ZeroQuotaUsesDefault(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, AlgorithmWindow, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, r.TryAcquire(ctx, "d", Quota{}).Allowed)
	}
	v := r.TryAcquire(ctx, "d", Quota{})
	assert.False(t, v.Allowed)
	assert.Equal(t, 5, v.Limit)
}

func TestRegistry_Disabled(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, AlgorithmWindow, clock)
	ctx := context.Background()
	q := Quota{Capacity: 1, Window: time.Second}

	r.SetEnabled(false)
	for i := 0; i < 10; i++ {
		assert.True(t, r.TryAcquire(ctx, "x", q).Allowed)
	}
	r.SetEnabled(true)
	assert.True(t, r.TryAcquire(ctx, "x", q).Allowed)
	assert.False(t, r.TryAcquire(ctx, "x", q).Allowed)
}

func TestRegistry_Reconfigure(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, AlgorithmWindow, clock)
	ctx := context.Background()
	small := Quota{Capacity: 1, Window: time.Second}

	assert.False(t, r.Reconfigure("missing", small))

	assert.True(t, r.TryAcquire(ctx, "x", small).Allowed)
	assert.False(t, r.TryAcquire(ctx, "x", small).Allowed)

	// A larger quota applies to the next acquisitions in the same window.
	large := Quota{Capacity: 3, Window: time.Second}
	assert.True(t, r.TryAcquire(ctx, "x", large).Allowed)
	assert.True(t, r.TryAcquire(ctx, "x", large).Allowed)
	assert.False(t, r.TryAcquire(ctx, "x", large).Allowed)

	assert.True(t, r.Reconfigure("x", small))
}

func TestRegistry_StaleClockReadCountsAgainstCurrentWindow(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, AlgorithmWindow, clock)
	ctx := context.Background()
	q := Quota{Capacity: 5, Window: time.Second}

	for i := 0; i < 5; i++ {
		require.True(t, r.TryAcquire(ctx, "x", q).Allowed)
	}

	// A caller that read the clock just before the window opened.
	clock.Advance(-time.Millisecond)
	assert.False(t, r.TryAcquire(ctx, "x", q).Allowed, "an earlier timestamp must not reopen the window")

	clock.Advance(500 * time.Millisecond)
	allowed := 0
	for i := 0; i < 10; i++ {
		if r.TryAcquire(ctx, "x", q).Allowed {
			allowed++
		}
	}
	assert.Zero(t, allowed)
}

func TestRegistry_LoweredCapacityNeverReportsNegativeRemaining(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, AlgorithmWindow, clock)
	ctx := context.Background()
	large := Quota{Capacity: 3, Window: time.Second}

	for i := 0; i < 3; i++ {
		require.True(t, r.TryAcquire(ctx, "x", large).Allowed)
	}
	v := r.TryAcquire(ctx, "x", Quota{Capacity: 1, Window: time.Second})
	assert.False(t, v.Allowed)
	assert.Equal(t, 0, v.Remaining)
	assert.Equal(t, 1, v.Limit)
}

func TestRegistry_ConcurrentWindowNeverOverAdmits(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, AlgorithmWindow, clock)
	ctx := context.Background()
	q := Quota{Capacity: 100, Window: time.Minute}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if r.TryAcquire(ctx, "hot", q).Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), admitted.Load())
}

func TestRegistry_Sweep(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, AlgorithmWindow, clock)
	ctx := context.Background()

	r.TryAcquire(ctx, "old", Quota{})
	clock.Advance(time.Minute)
	r.TryAcquire(ctx, "new", Quota{})

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, r.Sweep(30*time.Second))
	assert.Equal(t, 1, r.Len())
}

func TestNewRegistry_Errors(t *testing.T) {
	_, err := NewRegistry(Options{Default: Quota{}})
	assert.Error(t, err)

	_, err = NewRegistry(Options{Algorithm: "leaky", Default: Quota{Capacity: 1, Window: time.Second}})
	assert.Error(t, err)

	_, err = NewRegistry(Options{Algorithm: AlgorithmRedis, Default: Quota{Capacity: 1, Window: time.Second}})
	assert.Error(t, err)
}

func TestRegistry_Redis(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})

	r, err := NewRegistry(Options{
		Algorithm: AlgorithmRedis,
		Default:   Quota{Capacity: 5, Window: time.Second},
		Enabled:   true,
		Redis:     client,
	})
	require.NoError(t, err)
	ctx := context.Background()
	q := Quota{Capacity: 5, Window: time.Second}

	for i := 0; i < 5; i++ {
		require.True(t, r.TryAcquire(ctx, "asset-r", q).Allowed, "call %d", i+1)
	}
	v := r.TryAcquire(ctx, "asset-r", q)
	assert.False(t, v.Allowed)
	assert.NoError(t, v.Err)

	s.FastForward(time.Second)
	assert.True(t, r.TryAcquire(ctx, "asset-r", q).Allowed)
}

func TestRegistry_RedisFailurePolicy(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	ctx := context.Background()
	q := Quota{Capacity: 5, Window: time.Second}

	open, err := NewRegistry(Options{Algorithm: AlgorithmRedis, Default: q, Enabled: true, FailOpen: true, Redis: client})
	require.NoError(t, err)
	closed, err := NewRegistry(Options{Algorithm: AlgorithmRedis, Default: q, Enabled: true, FailOpen: false, Redis: client})
	require.NoError(t, err)

	s.Close()

	v := open.TryAcquire(ctx, "x", q)
	assert.True(t, v.Allowed)
	assert.Error(t, v.Err)

	v = closed.TryAcquire(ctx, "x", q)
	assert.False(t, v.Allowed)
	assert.Error(t, v.Err)
}
