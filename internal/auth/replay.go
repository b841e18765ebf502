package auth

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// ReplayGuard remembers accepted signatures until they fall out of the
// freshness window.
type ReplayGuard struct {
	seen *cache.Cache
}

// NewReplayGuard creates a guard whose entries live for ttl.
func NewReplayGuard(ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{seen: cache.New(ttl, ttl*2)}
}

// Accept records sig and reports whether it had not been seen before.
func (g *ReplayGuard) Accept(sig string, ttl time.Duration) bool {
	// Add fails when the key is present and unexpired, which makes the check atomic.
	return g.seen.Add(sig, struct{}{}, ttl) == nil
}

// Len returns the number of remembered signatures.
func (g *ReplayGuard) Len() int {
	return g.seen.ItemCount()
}
