package graphsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// NodeHashCache maps node id to its last synced content hash. Safe for concurrent use.
type NodeHashCache struct {
	mu     sync.RWMutex
	hashes map[string]string
}

func NewNodeHashCache() *NodeHashCache {
	return &NodeHashCache{hashes: make(map[string]string)}
}

// FromStorage rebuilds a cache from every node currently stored.
func FromStorage(ctx context.Context, storage graphstore.Storage) (*NodeHashCache, error) {
	c := NewNodeHashCache()
	cursor := ""
	for {
		page, err := storage.QueryNodesPaginated(ctx, models.NodeFilter{}, models.PaginationOptions{
			Limit:  graphstore.MaxPageLimit,
			Cursor: cursor,
		})
		if err != nil {
			return nil, fmt.Errorf("load nodes for hash cache: %w", err)
		}
		for _, n := range page.Items {
			c.hashes[n.ID] = ComputeNodeHash(n)
		}
		if !page.HasMore {
			return c, nil
		}
		cursor = page.NextCursor
	}
}

func (c *NodeHashCache) Get(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.hashes[id]
	return h, ok
}

func (c *NodeHashCache) Set(id, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[id] = hash
}

func (c *NodeHashCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hashes, id)
}

func (c *NodeHashCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hashes)
}

// Snapshot returns a copy of the id -> hash map.
func (c *NodeHashCache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.hashes))
	for k, v := range c.hashes {
		out[k] = v
	}
	return out
}

// Replace swaps the cache contents for m.
func (c *NodeHashCache) Replace(m map[string]string) {
	next := make(map[string]string, len(m))
	for k, v := range m {
		next[k] = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes = next
}
