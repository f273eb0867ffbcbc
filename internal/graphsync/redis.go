package graphsync

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisHashStore persists a NodeHashCache as a single Redis hash so several
// sync workers can share drift state.
type RedisHashStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisHashStore(client redis.UniversalClient, key string) *RedisHashStore {
	if key == "" {
		key = "kgraph:node-hashes"
	}
	return &RedisHashStore{client: client, key: key}
}

// Save replaces the stored hash with the cache contents atomically.
func (s *RedisHashStore) Save(ctx context.Context, cache *NodeHashCache) error {
	snap := cache.Snapshot()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(snap) > 0 {
			pipe.HSet(ctx, s.key, fields(snap))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save hash cache: %w", err)
	}
	return nil
}

// Load returns a cache populated from Redis; a missing key yields an empty cache.
func (s *RedisHashStore) Load(ctx context.Context) (*NodeHashCache, error) {
	m, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load hash cache: %w", err)
	}
	c := NewNodeHashCache()
	c.Replace(m)
	return c, nil
}

// Put records hashes for the given ids without rewriting the whole cache.
func (s *RedisHashStore) Put(ctx context.Context, hashes map[string]string) error {
	if len(hashes) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, s.key, fields(hashes)).Err(); err != nil {
		return fmt.Errorf("put hashes: %w", err)
	}
	return nil
}

// Remove drops ids from the stored hash.
func (s *RedisHashStore) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, ids...).Err(); err != nil {
		return fmt.Errorf("remove hashes: %w", err)
	}
	return nil
}

func fields(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
