// Package strategy implements the ordered request-processing pipeline that
// runs before a request is routed.
//
// A Chain executes its strategies strictly in order. The first failing
// strategy stops the chain; its error is recorded on the Context and returned.
// Strategies never write to the client.
package strategy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/blueberrycongee/vortex/internal/metrics"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// Common chain errors.
var (
	ErrNilStrategy       = errors.New("strategy is nil")
	ErrDuplicateStrategy = errors.New("duplicate strategy name")
)

// Strategy is one stage of the chain.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, rc *Context) error
}

// Func adapts a function to the Strategy interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, rc *Context) error
}

// Name implements Strategy.
func (f Func) Name() string { return f.ID }

// Apply implements Strategy.
func (f Func) Apply(ctx context.Context, rc *Context) error { return f.Fn(ctx, rc) }

// Chain is an immutable ordered list of strategies.
type Chain struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewChain builds a chain. Names must be unique.
func NewChain(logger *slog.Logger, strategies ...Strategy) (*Chain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]struct{}, len(strategies))
	for _, s := range strategies {
		if s == nil {
			return nil, ErrNilStrategy
		}
		if _, dup := seen[s.Name()]; dup {
			return nil, ErrDuplicateStrategy
		}
		seen[s.Name()] = struct{}{}
	}
	return &Chain{
		strategies: append([]Strategy(nil), strategies...),
		logger:     logger,
	}, nil
}

// Names returns the strategy names in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Run applies every strategy in order. On failure the typed error is stored in
// rc.Err and returned; later strategies are not run.
func (c *Chain) Run(ctx context.Context, rc *Context) error {
	for _, s := range c.strategies {
		start := time.Now()
		err := s.Apply(ctx, rc)
		duration := time.Since(start)
		metrics.StrategyDuration.WithLabelValues(s.Name()).Observe(duration.Seconds())

		if err != nil {
			ge := gwerrors.From(err)
			rc.Err = ge
			c.logger.Debug("strategy rejected request",
				"strategy", s.Name(),
				"errcode", ge.Kind,
				"error", ge.Message,
				"duration", duration,
				"request_id", rc.RequestID,
			)
			return ge
		}
	}
	return nil
}
