// Package limiter implements per-scope request quotas.
//
// A scope is any string, usually an asset id optionally joined with a caller
// identity. Each scope owns an independent counter; no global lock is taken on
// the acquire path.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/vortex/internal/metrics"
)

// Algorithm names.
const (
	AlgorithmWindow = "window"
	AlgorithmBucket = "bucket"
	AlgorithmRedis  = "redis"
)

// Quota allows Capacity acquisitions per Window.
type Quota struct {
	Capacity int
	Window   time.Duration
}

// Valid reports whether q describes a usable quota.
func (q Quota) Valid() bool {
	return q.Capacity > 0 && q.Window > 0
}

// Verdict is the outcome of an acquisition.
type Verdict struct {
	Allowed   bool
	Scope     string
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Err is set when the backend failed and the verdict came from the fail-open/closed policy.
	Err error
}

// Clock returns the current time. Tests inject a synthetic clock.
type Clock func() time.Time

// counter is the per-scope state of one algorithm.
type counter interface {
	tryAcquire(now time.Time, n int) (allowed bool, remaining int, resetAt time.Time)
	reconfigure(now time.Time, q Quota)
	quota() Quota
}

type scopeEntry struct {
	counter  counter
	lastSeen atomic.Int64 // unix nanos
}

// Options configures a Registry.
type Options struct {
	Algorithm string
	Default   Quota
	Enabled   bool
	FailOpen  bool
	Clock     Clock
	Redis     redis.UniversalClient
	Logger    *slog.Logger
}

// Registry owns the counters of every scope.
type Registry struct {
	algorithm string
	enabled   atomic.Bool
	defaults  atomic.Pointer[Quota]
	failOpen  bool
	clock     Clock
	logger    *slog.Logger

	scopes sync.Map // scope -> *scopeEntry
	remote *RedisWindow
}

// NewRegistry creates a limiter registry.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmWindow
	}
	if !opts.Default.Valid() {
		return nil, fmt.Errorf("invalid default quota %+v", opts.Default)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{
		algorithm: opts.Algorithm,
		failOpen:  opts.FailOpen,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	r.enabled.Store(opts.Enabled)
	def := opts.Default
	r.defaults.Store(&def)

	switch opts.Algorithm {
	case AlgorithmWindow, AlgorithmBucket:
	case AlgorithmRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis algorithm requires a redis client")
		}
		r.remote = NewRedisWindow(opts.Redis, "vortex:limit:")
	default:
		return nil, fmt.Errorf("unknown limiter algorithm %q", opts.Algorithm)
	}
	return r, nil
}

// Algorithm returns the configured algorithm name.
func (r *Registry) Algorithm() string { return r.algorithm }

// Enabled reports whether limits are enforced.
func (r *Registry) Enabled() bool { return r.enabled.Load() }

// SetEnabled toggles enforcement. Counters are kept while disabled.
func (r *Registry) SetEnabled(enabled bool) { r.enabled.Store(enabled) }

// SetDefault replaces the quota used when a caller passes an invalid one.
func (r *Registry) SetDefault(q Quota) {
	if q.Valid() {
		r.defaults.Store(&q)
	}
}

// Default returns the fallback quota.
func (r *Registry) Default() Quota { return *r.defaults.Load() }

// TryAcquire takes one unit from scope. A zero quota falls back to the
// registry default; a different quota than the scope's current one is applied
// to future acquisitions. It never blocks on local algorithms.
func (r *Registry) TryAcquire(ctx context.Context, scope string, q Quota) Verdict {
	return r.TryAcquireN(ctx, scope, q, 1)
}

// TryAcquireN takes n units from scope, all or nothing.
func (r *Registry) TryAcquireN(ctx context.Context, scope string, q Quota, n int) Verdict {
	if !q.Valid() {
		q = r.Default()
	}
	if !r.Enabled() {
		return Verdict{Allowed: true, Scope: scope, Limit: q.Capacity, Remaining: q.Capacity}
	}

	now := r.clock()
	if r.remote != nil {
		return r.acquireRemote(ctx, scope, q, n, now)
	}

	entry := r.entry(scope, q, now)
	entry.lastSeen.Store(now.UnixNano())
	if entry.counter.quota() != q {
		entry.counter.reconfigure(now, q)
	}

	allowed, remaining, resetAt := entry.counter.tryAcquire(now, n)
	metrics.RateLimitDecisions.WithLabelValues(r.algorithm, decision(allowed)).Inc()
	return Verdict{
		Allowed:   allowed,
		Scope:     scope,
		Limit:     q.Capacity,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (r *Registry) acquireRemote(ctx context.Context, scope string, q Quota, n int, now time.Time) Verdict {
	v, err := r.remote.TryAcquire(ctx, scope, q, n, now)
	if err == nil {
		metrics.RateLimitDecisions.WithLabelValues(r.algorithm, decision(v.Allowed)).Inc()
		return v
	}

	action := "allow"
	if !r.failOpen {
		action = "deny"
	}
	metrics.RateLimiterBackendErrors.WithLabelValues(action).Inc()
	r.logger.Warn("distributed rate limiter check failed",
		"scope", scope,
		"error", err,
		"fail_open", r.failOpen,
		"action", action,
	)
	return Verdict{Allowed: r.failOpen, Scope: scope, Limit: q.Capacity, Err: err}
}

func (r *Registry) entry(scope string, q Quota, now time.Time) *scopeEntry {
	if v, ok := r.scopes.Load(scope); ok {
		return v.(*scopeEntry)
	}
	fresh := &scopeEntry{counter: r.newCounter(q, now)}
	v, _ := r.scopes.LoadOrStore(scope, fresh)
	return v.(*scopeEntry)
}

func (r *Registry) newCounter(q Quota, now time.Time) counter {
	if r.algorithm == AlgorithmBucket {
		return newBucket(q, now)
	}
	return newWindow(q, now)
}

// Reconfigure changes the quota of an existing scope for future acquisitions.
// It reports whether the scope existed.
func (r *Registry) Reconfigure(scope string, q Quota) bool {
	if !q.Valid() {
		return false
	}
	v, ok := r.scopes.Load(scope)
	if !ok {
		return false
	}
	v.(*scopeEntry).counter.reconfigure(r.clock(), q)
	return true
}

// Sweep evicts scopes idle for longer than idle and returns how many were removed.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.clock().Add(-idle).UnixNano()
	removed := 0
	r.scopes.Range(func(key, value any) bool {
		if value.(*scopeEntry).lastSeen.Load() < cutoff {
			r.scopes.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(idle); n > 0 {
				r.logger.Debug("evicted idle limiter scopes", "count", n)
			}
		}
	}
}

// Len returns the number of live local scopes.
func (r *Registry) Len() int {
	n := 0
	r.scopes.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func decision(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
