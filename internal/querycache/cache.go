package querycache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/metrics"
)

const (
	CategoryBlastRadius = "blast-radius"
	CategoryNeighbors   = "neighbors"
	CategoryStats       = "stats"
	CategoryCost        = "cost-attribution"
)

// Key identifies a cached query. NodeID is set for entries rooted at a node
// so InvalidateNode can find them without parsing.
type Key struct {
	Category string
	NodeID   string
	Detail   string
}

// Config for a QueryCache. A disabled cache turns every call into a no-op.
type Config struct {
	Enabled    bool
	MaxEntries int
	TTL        time.Duration
}

// CostAttribution is a cost rollup cached by label (team, environment, ...).
type CostAttribution struct {
	Label   string             `json:"label"`
	Total   float64            `json:"total"`
	ByValue map[string]float64 `json:"by_value"`
}

// Token is the invalidation generation a read started under. A store made
// with a token older than the latest invalidation is discarded.
type Token uint64

// QueryCache offers typed accessors over one LRUCache.
type QueryCache struct {
	enabled bool
	lru     *LRUCache[Key, any]
	loads   singleflight.Group
	gen     atomic.Uint64
}

func New(cfg Config, opts ...LRUOption[Key, any]) *QueryCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	evict := WithEvictHook[Key, any](func(Key, any) { metrics.QueryCacheEvictionsTotal.Inc() })
	return &QueryCache{
		enabled: cfg.Enabled,
		lru:     NewLRUCache[Key, any](cfg.MaxEntries, cfg.TTL, append([]LRUOption[Key, any]{evict}, opts...)...),
	}
}

// Disabled returns a cache that stores nothing.
func Disabled() *QueryCache {
	return New(Config{Enabled: false, MaxEntries: 1})
}

func (q *QueryCache) Enabled() bool { return q.enabled }

func (q *QueryCache) get(k Key) (any, bool) {
	if !q.enabled {
		return nil, false
	}
	v, ok := q.lru.Get(k)
	if ok {
		metrics.QueryCacheHitsTotal.WithLabelValues(k.Category).Inc()
	} else {
		metrics.QueryCacheMissesTotal.WithLabelValues(k.Category).Inc()
	}
	return v, ok
}

// Token must be taken before reading the data that will be stored.
func (q *QueryCache) Token() Token { return Token(q.gen.Load()) }

func (q *QueryCache) set(tok Token, k Key, v any, ttl ...time.Duration) {
	if !q.enabled {
		return
	}
	q.lru.Set(k, v, ttl...)
	// Invalidations bump gen before clearing, so either this check sees the
	// bump or the clear runs after the store.
	if Token(q.gen.Load()) != tok {
		q.lru.Delete(k)
	}
}

func (q *QueryCache) bump() { q.gen.Add(1) }

func blastKey(rootID string, depth int) Key {
	return Key{Category: CategoryBlastRadius, NodeID: rootID, Detail: fmt.Sprintf("%d", depth)}
}

func neighborsKey(nodeID string, depth int, dir models.Direction) Key {
	return Key{Category: CategoryNeighbors, NodeID: nodeID, Detail: fmt.Sprintf("%d/%s", depth, dir)}
}

var statsKey = Key{Category: CategoryStats}

func (q *QueryCache) GetBlastRadius(rootID string, depth int) (*models.SubgraphResult, bool) {
	v, ok := q.get(blastKey(rootID, depth))
	if !ok {
		return nil, false
	}
	return cloneSubgraph(v.(*models.SubgraphResult)), true
}

func (q *QueryCache) SetBlastRadius(tok Token, rootID string, depth int, r *models.SubgraphResult) {
	q.set(tok, blastKey(rootID, depth), cloneSubgraph(r))
}

func (q *QueryCache) GetNeighbors(nodeID string, depth int, dir models.Direction) (*models.SubgraphResult, bool) {
	v, ok := q.get(neighborsKey(nodeID, depth, dir))
	if !ok {
		return nil, false
	}
	return cloneSubgraph(v.(*models.SubgraphResult)), true
}

func (q *QueryCache) SetNeighbors(tok Token, nodeID string, depth int, dir models.Direction, r *models.SubgraphResult) {
	q.set(tok, neighborsKey(nodeID, depth, dir), cloneSubgraph(r))
}

// GetOrLoadNeighbors returns the cached neighbors or runs load once for all
// concurrent callers asking for the same key under the same token. The shared
// load does not inherit any caller's cancellation; a cancelled caller stops
// waiting and the others still get the result.
func (q *QueryCache) GetOrLoadNeighbors(ctx context.Context, nodeID string, depth int, dir models.Direction, load func(ctx context.Context) (*models.SubgraphResult, error)) (*models.SubgraphResult, error) {
	if r, ok := q.GetNeighbors(nodeID, depth, dir); ok {
		return r, nil
	}
	if !q.enabled {
		return load(ctx)
	}
	tok := q.Token()
	k := neighborsKey(nodeID, depth, dir)
	detached := context.WithoutCancel(ctx)
	ch := q.loads.DoChan(fmt.Sprintf("%s\x00%s\x00%s\x00%d", k.Category, k.NodeID, k.Detail, tok), func() (any, error) {
		r, err := load(detached)
		if err != nil {
			return nil, err
		}
		q.SetNeighbors(tok, nodeID, depth, dir, r)
		return r, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneSubgraph(res.Val.(*models.SubgraphResult)), nil
	}
}

func (q *QueryCache) GetStats() (*models.GraphStats, bool) {
	v, ok := q.get(statsKey)
	if !ok {
		return nil, false
	}
	return cloneStats(v.(*models.GraphStats)), true
}

func (q *QueryCache) SetStats(tok Token, s *models.GraphStats) {
	q.set(tok, statsKey, cloneStats(s))
}

func (q *QueryCache) GetCostAttribution(label string) (*CostAttribution, bool) {
	v, ok := q.get(Key{Category: CategoryCost, Detail: label})
	if !ok {
		return nil, false
	}
	c := *v.(*CostAttribution)
	c.ByValue = copyFloats(c.ByValue)
	return &c, true
}

func (q *QueryCache) SetCostAttribution(tok Token, label string, c *CostAttribution) {
	cp := *c
	cp.ByValue = copyFloats(c.ByValue)
	q.set(tok, Key{Category: CategoryCost, Detail: label}, &cp)
}

// Get and Set are the escape hatch for callers caching their own categories.
// Values are stored as given, so they should be treated as immutable.
func (q *QueryCache) Get(category, key string) (any, bool) {
	return q.get(Key{Category: category, Detail: key})
}

func (q *QueryCache) Set(category, key string, v any, ttl ...time.Duration) {
	q.set(q.Token(), Key{Category: category, Detail: key}, v, ttl...)
}

// InvalidateNode drops blast-radius and neighbor entries rooted at id.
func (q *QueryCache) InvalidateNode(id string) int {
	q.bump()
	return q.lru.InvalidateMatching(func(k Key) bool { return k.NodeID == id })
}

// InvalidateTraversals drops every blast-radius and neighbor entry.
func (q *QueryCache) InvalidateTraversals() int {
	q.bump()
	return q.lru.InvalidateMatching(func(k Key) bool {
		return k.Category == CategoryBlastRadius || k.Category == CategoryNeighbors
	})
}

func (q *QueryCache) InvalidateCategory(category string) int {
	q.bump()
	return q.lru.InvalidateMatching(func(k Key) bool { return k.Category == category })
}

func (q *QueryCache) InvalidateStats() {
	q.bump()
	q.lru.Delete(statsKey)
}

func (q *QueryCache) InvalidateAll() {
	q.bump()
	q.lru.Clear()
}

func (q *QueryCache) Prune() int { return q.lru.Prune() }

func (q *QueryCache) Stats() Stats { return q.lru.Stats() }

func cloneSubgraph(r *models.SubgraphResult) *models.SubgraphResult {
	if r == nil {
		return nil
	}
	out := &models.SubgraphResult{
		Nodes: make([]*models.GraphNode, len(r.Nodes)),
		Edges: make([]*models.GraphEdge, len(r.Edges)),
	}
	for i, n := range r.Nodes {
		out.Nodes[i] = n.Clone()
	}
	for i, e := range r.Edges {
		out.Edges[i] = e.Clone()
	}
	return out
}

func cloneStats(s *models.GraphStats) *models.GraphStats {
	if s == nil {
		return nil
	}
	c := *s
	c.NodesByProvider = copyInts(s.NodesByProvider)
	c.NodesByResourceType = copyInts(s.NodesByResourceType)
	c.EdgesByRelationshipType = copyInts(s.EdgesByRelationshipType)
	return &c
}

func copyInts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
