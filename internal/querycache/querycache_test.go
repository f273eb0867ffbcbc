package querycache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[string, int](3, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("d", 4)
	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))
	assert.Equal(t, uint64(1), c.Stats().Evictions)

	c = NewLRUCache[string, int](3, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Set("d", 4)
	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
}

func TestLRUSetDoesNotRefreshRecency(t *testing.T) {
	c := NewLRUCache[string, int](2, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)
	c.Set("c", 3)
	assert.False(t, c.Has("a"), "overwrite must not move a to the front")
	v, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestLRUTTL(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	c := NewLRUCache[string, string](10, time.Minute, WithClock[string, string](clk.now))
	c.Set("short", "x", time.Second)
	c.Set("default", "y")

	clk.t = clk.t.Add(2 * time.Second)
	_, ok := c.Get("short")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "expired entry is removed on access")

	v, ok := c.Get("default")
	require.True(t, ok)
	assert.Equal(t, "y", v)

	c.Set("other", "z", time.Second)
	clk.t = clk.t.Add(2 * time.Minute)
	assert.Equal(t, 2, c.Prune())
	assert.Zero(t, c.Len())
}

func TestLRUInvalidateAndStats(t *testing.T) {
	c := NewLRUCache[string, int](10, 0)
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("node:%d", i), i)
	}
	c.Set("stats", 99)
	assert.Equal(t, 5, c.InvalidateMatching(func(k string) bool { return len(k) > 5 && k[:5] == "node:" }))
	assert.True(t, c.Delete("stats"))
	assert.False(t, c.Delete("stats"))

	c.Set("k", 1)
	c.Get("k")
	c.Get("k")
	c.Get("k")
	c.Get("missing")
	s := c.Stats()
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, 10, s.Capacity)
	assert.Equal(t, uint64(3), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 0.75, s.HitRate, 1e-9)

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestLRUConcurrentAccess(t *testing.T) {
	c := NewLRUCache[int, int](50, 0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Set((w*500+i)%120, i)
				c.Get(i % 120)
				if i%50 == 0 {
					c.InvalidateMatching(func(k int) bool { return k%7 == 0 })
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

func subgraph(ids ...string) *models.SubgraphResult {
	r := &models.SubgraphResult{}
	for _, id := range ids {
		r.Nodes = append(r.Nodes, &models.GraphNode{ID: id})
	}
	return r
}

func TestQueryCacheTypedAccessors(t *testing.T) {
	q := New(Config{Enabled: true, MaxEntries: 100})

	q.SetBlastRadius(q.Token(), "aws:vm:a", 2, subgraph("aws:vm:a", "aws:vm:b"))
	q.SetNeighbors(q.Token(), "aws:vm:a", 1, models.DirectionDownstream, subgraph("aws:vm:a"))
	q.SetNeighbors(q.Token(), "aws:vm:b", 1, models.DirectionDownstream, subgraph("aws:vm:b"))
	q.SetStats(q.Token(), &models.GraphStats{TotalNodes: 2, NodesByProvider: map[string]int{"aws": 2}})
	q.SetCostAttribution(q.Token(), "team", &CostAttribution{Label: "team", Total: 10, ByValue: map[string]float64{"core": 10}})
	q.Set("custom", "k", "v")

	br, ok := q.GetBlastRadius("aws:vm:a", 2)
	require.True(t, ok)
	assert.Len(t, br.Nodes, 2)
	_, ok = q.GetBlastRadius("aws:vm:a", 3)
	assert.False(t, ok)
	_, ok = q.GetNeighbors("aws:vm:a", 1, models.DirectionUpstream)
	assert.False(t, ok)

	br.Nodes[0].ID = "mutated"
	again, _ := q.GetBlastRadius("aws:vm:a", 2)
	assert.Equal(t, "aws:vm:a", again.Nodes[0].ID, "cached values are isolated from callers")

	st, ok := q.GetStats()
	require.True(t, ok)
	assert.Equal(t, 2, st.TotalNodes)
	cost, ok := q.GetCostAttribution("team")
	require.True(t, ok)
	assert.InDelta(t, 10, cost.ByValue["core"], 1e-9)
	v, ok := q.Get("custom", "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	assert.Equal(t, 2, q.InvalidateNode("aws:vm:a"))
	_, ok = q.GetNeighbors("aws:vm:b", 1, models.DirectionDownstream)
	assert.True(t, ok)

	q.InvalidateStats()
	_, ok = q.GetStats()
	assert.False(t, ok)

	q.InvalidateAll()
	_, ok = q.Get("custom", "k")
	assert.False(t, ok)
}

func TestQueryCacheDisabled(t *testing.T) {
	q := New(Config{Enabled: false})
	q.SetStats(q.Token(), &models.GraphStats{TotalNodes: 1})
	_, ok := q.GetStats()
	assert.False(t, ok)
	q.Set("x", "y", 1)
	_, ok = q.Get("x", "y")
	assert.False(t, ok)
	assert.Zero(t, q.InvalidateNode("a"))

	calls := 0
	for i := 0; i < 2; i++ {
		_, err := q.GetOrLoadNeighbors(context.Background(), "a", 1, models.DirectionBoth, func(context.Context) (*models.SubgraphResult, error) {
			calls++
			return subgraph("a"), nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
}

func TestGetOrLoadNeighborsDeduplicates(t *testing.T) {
	q := New(Config{Enabled: true, MaxEntries: 10})
	var calls int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := q.GetOrLoadNeighbors(context.Background(), "a", 2, models.DirectionDownstream, func(context.Context) (*models.SubgraphResult, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return subgraph("a", "b"), nil
			})
			assert.NoError(t, err)
			assert.Len(t, r.Nodes, 2)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))

	_, ok := q.GetNeighbors("a", 2, models.DirectionDownstream)
	assert.True(t, ok)
}

func TestStoreAfterInvalidationIsDropped(t *testing.T) {
	q := New(Config{Enabled: true, MaxEntries: 10})

	tok := q.Token()
	q.InvalidateStats()
	q.SetStats(tok, &models.GraphStats{TotalNodes: 1})
	_, ok := q.GetStats()
	assert.False(t, ok, "stats read before the invalidation")

	q.SetStats(q.Token(), &models.GraphStats{TotalNodes: 2})
	st, ok := q.GetStats()
	require.True(t, ok)
	assert.Equal(t, 2, st.TotalNodes)

	r, err := q.GetOrLoadNeighbors(context.Background(), "a", 1, models.DirectionDownstream, func(context.Context) (*models.SubgraphResult, error) {
		q.InvalidateTraversals()
		return subgraph("a", "b"), nil
	})
	require.NoError(t, err)
	assert.Len(t, r.Nodes, 2)
	_, ok = q.GetNeighbors("a", 1, models.DirectionDownstream)
	assert.False(t, ok, "load overlapped a write")

	calls := 0
	for i := 0; i < 2; i++ {
		_, err = q.GetOrLoadNeighbors(context.Background(), "a", 1, models.DirectionDownstream, func(context.Context) (*models.SubgraphResult, error) {
			calls++
			return subgraph("a"), nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
}

func TestGetOrLoadNeighborsSurvivesCallerCancel(t *testing.T) {
	q := New(Config{Enabled: true, MaxEntries: 10})
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	load := func(ctx context.Context) (*models.SubgraphResult, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return subgraph("a", "b"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := q.GetOrLoadNeighbors(ctx, "a", 2, models.DirectionDownstream, load)
		firstErr <- err
	}()
	<-started

	type outcome struct {
		r   *models.SubgraphResult
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		r, err := q.GetOrLoadNeighbors(context.Background(), "a", 2, models.DirectionDownstream, load)
		second <- outcome{r, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	got := <-second
	require.NoError(t, got.err)
	assert.Len(t, got.r.Nodes, 2)
	_, ok := q.GetNeighbors("a", 2, models.DirectionDownstream)
	assert.True(t, ok)
}

func TestCachedStorage(t *testing.T) {
	ctx := context.Background()
	inner := graphstore.NewMemoryStorage()
	require.NoError(t, inner.Initialize(ctx))
	s := NewCachedStorage(inner, New(Config{Enabled: true, MaxEntries: 100}))

	mk := func(id string) *models.GraphNodeInput {
		return &models.GraphNodeInput{ID: id, Provider: "aws", ResourceType: "vm", Name: id}
	}
	require.NoError(t, s.UpsertNodes(ctx, []*models.GraphNodeInput{mk("a"), mk("b"), mk("c")}))
	require.NoError(t, s.UpsertEdge(ctx, &models.GraphEdgeInput{ID: "a-b", SourceNodeID: "a", TargetNodeID: "b", Confidence: 1}))

	r, err := s.GetNeighbors(ctx, "a", 5, models.DirectionDownstream, nil)
	require.NoError(t, err)
	assert.Len(t, r.Nodes, 2)
	_, cached := s.Cache().GetNeighbors("a", 5, models.DirectionDownstream)
	assert.True(t, cached)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalNodes)

	require.NoError(t, s.UpsertEdge(ctx, &models.GraphEdgeInput{ID: "b-c", SourceNodeID: "b", TargetNodeID: "c", Confidence: 1}))
	r, err = s.GetNeighbors(ctx, "a", 5, models.DirectionDownstream, nil)
	require.NoError(t, err)
	assert.Len(t, r.Nodes, 3, "edge write invalidates traversals rooted elsewhere")

	stats, err = s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEdges)

	require.NoError(t, s.AppendChange(ctx, &models.GraphChange{TargetID: "a", ChangeType: models.ChangeNodeUpdated}))
	stats, err = s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalChanges)
}
