package limiter

import (
	"sync/atomic"
	"time"
)

type windowState struct {
	start time.Time
	count int
}

// window is a fixed window counter. State transitions are published with
// compare-and-swap; a denied acquisition leaves the state untouched.
type window struct {
	state atomic.Pointer[windowState]
	q     atomic.Pointer[Quota]
}

func newWindow(q Quota, now time.Time) *window {
	w := &window{}
	w.q.Store(&q)
	w.state.Store(&windowState{start: now})
	return w
}

func (w *window) quota() Quota { return *w.q.Load() }

func (w *window) reconfigure(_ time.Time, q Quota) {
	w.q.Store(&q)
}

func (w *window) tryAcquire(now time.Time, n int) (bool, int, time.Time) {
	q := w.q.Load()
	for {
		cur := w.state.Load()
		next := &windowState{start: cur.start, count: cur.count}
		// A clock read taken before a concurrent rollover counts against the
		// current window.
		if now.Sub(cur.start) >= q.Window {
			next.start = now
			next.count = 0
		}
		resetAt := next.start.Add(q.Window)

		if next.count+n > q.Capacity {
			return false, max(q.Capacity-next.count, 0), resetAt
		}
		next.count += n
		if w.state.CompareAndSwap(cur, next) {
			return true, q.Capacity - next.count, resetAt
		}
	}
}
