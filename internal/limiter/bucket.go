package limiter

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// bucket refills Capacity tokens per Window continuously and allows bursts up
// to Capacity.
type bucket struct {
	limiter *rate.Limiter
	q       atomic.Pointer[Quota]
}

func newBucket(q Quota, _ time.Time) *bucket {
	b := &bucket{limiter: rate.NewLimiter(refillRate(q), q.Capacity)}
	b.q.Store(&q)
	return b
}

func refillRate(q Quota) rate.Limit {
	return rate.Limit(float64(q.Capacity) / q.Window.Seconds())
}

func (b *bucket) quota() Quota { return *b.q.Load() }

func (b *bucket) reconfigure(now time.Time, q Quota) {
	b.q.Store(&q)
	b.limiter.SetLimitAt(now, refillRate(q))
	b.limiter.SetBurstAt(now, q.Capacity)
}

func (b *bucket) tryAcquire(now time.Time, n int) (bool, int, time.Time) {
	allowed := b.limiter.AllowN(now, n)
	tokens := b.limiter.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now
	if missing := float64(b.limiter.Burst()) - tokens; missing > 0 {
		resetAt = now.Add(time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second)))
	}
	return allowed, remaining, resetAt
}
