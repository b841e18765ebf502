package router

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/blueberrycongee/vortex/internal/metrics"
	"github.com/blueberrycongee/vortex/pkg/asset"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// DefaultCooldownPeriod keeps a failing replica out of rotation.
const DefaultCooldownPeriod = 30 * time.Second

// Balancer picks one replica among the assets sharing a method and version.
// Replicas that fail with a throttling or server-side status, or with a
// transport error, are cooled down for a fixed period.
type Balancer struct {
	mu       sync.Mutex
	current  map[string]int // smooth weighted round robin state per replica
	cooldown time.Duration
	store    CooldownStore
	now      func() time.Time
	intn     func(int) int
	logger   *slog.Logger
}

// BalancerOption configures a Balancer.
type BalancerOption func(*Balancer)

// WithCooldownStore shares cooldowns through store, for example across
// gateway instances.
func WithCooldownStore(store CooldownStore) BalancerOption {
	return func(b *Balancer) { b.store = store }
}

// WithBalancerClock sets the clock used for cooldown bookkeeping.
func WithBalancerClock(now func() time.Time) BalancerOption {
	return func(b *Balancer) { b.now = now }
}

// WithBalancerRand sets the random source of weighted random selection.
func WithBalancerRand(intn func(int) int) BalancerOption {
	return func(b *Balancer) { b.intn = intn }
}

// WithBalancerLogger sets the logger for store failures.
func WithBalancerLogger(logger *slog.Logger) BalancerOption {
	return func(b *Balancer) { b.logger = logger }
}

// NewBalancer creates a balancer with the given cooldown period.
func NewBalancer(cooldown time.Duration, opts ...BalancerOption) *Balancer {
	if cooldown <= 0 {
		cooldown = DefaultCooldownPeriod
	}
	b := &Balancer{
		current:  make(map[string]int),
		cooldown: cooldown,
		store:    NewMemoryCooldowns(),
		now:      time.Now,
		intn:     rand.IntN,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Pick selects a replica according to balance, skipping replicas in cooldown
// and those in exclude. When exclude would leave nothing, excluded replicas
// are considered again. It fails with a 503 UpstreamUnavailable when every
// replica is cooling down.
func (b *Balancer) Pick(ctx context.Context, replicas []*asset.Asset, balance string, exclude map[string]bool) (*asset.Asset, error) {
	if len(replicas) == 0 {
		return nil, gwerrors.NewNoReplica("empty replica set")
	}
	healthy := b.healthy(ctx, replicas)
	if len(healthy) == 0 {
		return nil, gwerrors.NewNoReplica(replicas[0].Method)
	}

	candidates := make([]*asset.Asset, 0, len(healthy))
	for _, a := range healthy {
		if !exclude[a.ID] {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		candidates = healthy
	}

	var picked *asset.Asset
	switch balance {
	case asset.BalanceFirst:
		picked = candidates[0]
	case asset.BalanceRoundRobin:
		picked = b.smoothWeighted(candidates)
	default:
		picked = b.weightedRandom(candidates)
	}
	metrics.ReplicaSelections.WithLabelValues(metrics.SanitizeLabel(picked.ID), balanceLabel(balance)).Inc()
	return picked, nil
}

func balanceLabel(balance string) string {
	switch balance {
	case asset.BalanceFirst, asset.BalanceRoundRobin:
		return balance
	default:
		return asset.BalanceRandom
	}
}

func (b *Balancer) healthy(ctx context.Context, replicas []*asset.Asset) []*asset.Asset {
	ids := make([]string, len(replicas))
	for i, a := range replicas {
		ids[i] = a.ID
	}
	cooling, err := b.store.Cooling(ctx, ids, b.now())
	if err != nil {
		// Store failures never block traffic.
		b.logger.Warn("cooldown store unavailable", "error", err)
		return replicas
	}
	out := make([]*asset.Asset, 0, len(replicas))
	for _, a := range replicas {
		if !cooling[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

func (b *Balancer) weightedRandom(candidates []*asset.Asset) *asset.Asset {
	total := 0
	for _, a := range candidates {
		total += a.EffectiveWeight()
	}
	b.mu.Lock()
	n := b.intn(total)
	b.mu.Unlock()
	for _, a := range candidates {
		n -= a.EffectiveWeight()
		if n < 0 {
			return a
		}
	}
	return candidates[len(candidates)-1]
}

// smoothWeighted is the nginx smooth weighted round robin: every candidate
// gains its weight, the largest wins and pays back the total.
func (b *Balancer) smoothWeighted(candidates []*asset.Asset) *asset.Asset {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	var best *asset.Asset
	for _, a := range candidates {
		w := a.EffectiveWeight()
		total += w
		b.current[a.ID] += w
		if best == nil || b.current[a.ID] > b.current[best.ID] {
			best = a
		}
	}
	b.current[best.ID] -= total
	return best
}

// ReportSuccess puts a replica back into rotation.
func (b *Balancer) ReportSuccess(ctx context.Context, a *asset.Asset) {
	if err := b.store.Clear(ctx, a.ID); err != nil {
		b.logger.Warn("clear replica cooldown", "asset", a.ID, "error", err)
	}
	metrics.RecordHealthy(a.ID)
}

// ReportFailure records a failed call. A zero statusCode means the call did
// not complete at the transport level. Throttling, server errors and
// transport failures cool the replica down; other statuses are ignored.
func (b *Balancer) ReportFailure(ctx context.Context, a *asset.Asset, statusCode int) {
	if statusCode != 0 && !gwerrors.IsCooldownRequired(statusCode) {
		return
	}
	until := b.now().Add(b.cooldown)
	if err := b.store.SetCooldown(ctx, a.ID, until); err != nil {
		b.logger.Warn("set replica cooldown", "asset", a.ID, "error", err)
		return
	}
	metrics.RecordCooldown(a.ID)
	b.logger.Info("replica cooling down", "asset", a.ID, "status", statusCode, "until", until)
}

// ReportCallFailure is ReportFailure for a call routed among replicas. The
// last replica still in rotation is never cooled down, so retries and later
// requests keep reaching the backend.
func (b *Balancer) ReportCallFailure(ctx context.Context, replicas []*asset.Asset, a *asset.Asset, statusCode int) {
	if statusCode != 0 && !gwerrors.IsCooldownRequired(statusCode) {
		return
	}
	for _, h := range b.healthy(ctx, replicas) {
		if h.ID != a.ID {
			b.ReportFailure(ctx, a, statusCode)
			return
		}
	}
	b.logger.Debug("last replica kept in rotation", "asset", a.ID, "status", statusCode)
}

// InCooldown reports whether the replica is currently out of rotation.
func (b *Balancer) InCooldown(ctx context.Context, id string) bool {
	cooling, err := b.store.Cooling(ctx, []string{id}, b.now())
	return err == nil && cooling[id]
}

// Forget drops round robin state of replicas that left the catalog.
func (b *Balancer) Forget(keep map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.current {
		if !keep[id] {
			delete(b.current, id)
		}
	}
}
