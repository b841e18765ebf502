package router

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownStore records until when replicas are out of rotation.
// Implementations must be safe for concurrent use.
type CooldownStore interface {
	SetCooldown(ctx context.Context, id string, until time.Time) error
	Clear(ctx context.Context, id string) error
	// Cooling reports which of ids are cooling down at now.
	Cooling(ctx context.Context, ids []string, now time.Time) (map[string]bool, error)
}

// MemoryCooldowns keeps cooldowns in process.
type MemoryCooldowns struct {
	until sync.Map // id -> time.Time
}

// NewMemoryCooldowns creates an in-process cooldown store.
func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{}
}

// SetCooldown implements CooldownStore.
func (m *MemoryCooldowns) SetCooldown(_ context.Context, id string, until time.Time) error {
	m.until.Store(id, until)
	return nil
}

// Clear implements CooldownStore.
func (m *MemoryCooldowns) Clear(_ context.Context, id string) error {
	m.until.Delete(id)
	return nil
}

// Cooling implements CooldownStore.
func (m *MemoryCooldowns) Cooling(_ context.Context, ids []string, now time.Time) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		v, ok := m.until.Load(id)
		if !ok {
			continue
		}
		if now.Before(v.(time.Time)) {
			out[id] = true
		} else {
			m.until.CompareAndDelete(id, v)
		}
	}
	return out, nil
}

// DefaultCooldownKeyPrefix namespaces cooldown keys in Redis.
const DefaultCooldownKeyPrefix = "vortex:cooldown:"

// RedisCooldowns shares cooldowns between gateway instances. Each cooling
// replica is one key holding the expiry in unix milliseconds, with a TTL so
// that stale entries disappear on their own.
type RedisCooldowns struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCooldowns creates a Redis backed cooldown store.
func NewRedisCooldowns(client redis.UniversalClient, prefix string) *RedisCooldowns {
	if prefix == "" {
		prefix = DefaultCooldownKeyPrefix
	}
	return &RedisCooldowns{client: client, prefix: prefix}
}

func (r *RedisCooldowns) key(id string) string { return r.prefix + id }

// SetCooldown implements CooldownStore.
func (r *RedisCooldowns) SetCooldown(ctx context.Context, id string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return r.Clear(ctx, id)
	}
	if err := r.client.Set(ctx, r.key(id), until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set cooldown: %w", err)
	}
	return nil
}

// Clear implements CooldownStore.
func (r *RedisCooldowns) Clear(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("redis clear cooldown: %w", err)
	}
	return nil
}

// Cooling implements CooldownStore.
func (r *RedisCooldowns) Cooling(ctx context.Context, ids []string, now time.Time) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get cooldowns: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		if now.Before(time.UnixMilli(ms)) {
			out[ids[i]] = true
		}
	}
	return out, nil
}
