package strategy

import (
	"context"
	"time"

	"github.com/blueberrycongee/vortex/internal/limiter"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// RateLimit acquires quota for the resolved asset. Requests admitted by a
// firewall exception are not counted.
type RateLimit struct {
	Limiter *limiter.Registry
	// PerCaller gives every caller its own counter per asset.
	PerCaller bool
}

// Name implements Strategy.
func (s *RateLimit) Name() string { return "rate_limit" }

// Apply implements Strategy.
func (s *RateLimit) Apply(ctx context.Context, rc *Context) error {
	a := rc.Asset
	if a == nil {
		return gwerrors.NewInternal("rate limit evaluated before asset resolution", nil)
	}
	if rc.Exempt {
		return nil
	}

	scope := a.ID
	if s.PerCaller {
		scope += "|" + rc.Caller()
	}
	q := limiter.Quota{
		Capacity: a.RateCapacity,
		Window:   time.Duration(a.RateWindow) * time.Millisecond,
	}

	v := s.Limiter.TryAcquire(ctx, scope, q)
	rc.Verdict = &v
	if !v.Allowed {
		return gwerrors.NewRateLimitExceeded(a.Method)
	}
	return nil
}
