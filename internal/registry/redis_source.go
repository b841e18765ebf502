package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

// RedisSource reads the catalog from a Redis hash mapping asset id to a JSON document.
type RedisSource struct {
	client redis.UniversalClient
	key    string
}

// NewRedisSource creates a Redis-backed source.
func NewRedisSource(client redis.UniversalClient, key string) *RedisSource {
	return &RedisSource{client: client, key: key}
}

// Name implements Source.
func (s *RedisSource) Name() string { return "redis" }

// Load implements Source.
func (s *RedisSource) Load(ctx context.Context) ([]asset.Asset, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	assets := make([]asset.Asset, 0, len(entries))
	for _, id := range ids {
		var a asset.Asset
		if err := json.Unmarshal([]byte(entries[id]), &a); err != nil {
			return nil, fmt.Errorf("decode asset %s: %w", id, err)
		}
		if a.ID == "" {
			a.ID = id
		}
		assets = append(assets, a)
	}
	return assets, nil
}

// Put stores one asset document. It is used by operators and tests to seed the catalog.
func (s *RedisSource) Put(ctx context.Context, a asset.Asset) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, a.ID, data).Err()
}

// Delete removes one asset document.
func (s *RedisSource) Delete(ctx context.Context, id string) error {
	return s.client.HDel(ctx, s.key, id).Err()
}
