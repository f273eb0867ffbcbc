package graphsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
)

func testNode(id string) *models.GraphNodeInput {
	return &models.GraphNodeInput{
		ID:           id,
		Provider:     "aws",
		ResourceType: "ec2-instance",
		NativeID:     "native-" + id,
		Name:         "node " + id,
		Region:       "us-east-1",
		Account:      "123456789012",
		Status:       models.StatusRunning,
		Tags:         map[string]string{"Environment": "prod", "Team": "core"},
		Metadata:     map[string]any{"instanceType": "t3.micro"},
		CostMonthly:  models.Float64Ptr(42),
		Owner:        models.StringPtr("platform"),
	}
}

func newStore(t *testing.T) graphstore.Storage {
	t.Helper()
	s := graphstore.NewMemoryStorage()
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestComputeNodeHash(t *testing.T) {
	base := testNode("a")
	h := ComputeNodeHash(base)
	assert.Len(t, h, 64)
	assert.Equal(t, h, ComputeNodeHash(base.Clone()))

	reordered := base.Clone()
	reordered.Tags = map[string]string{"Team": "core", "Environment": "prod"}
	assert.Equal(t, h, ComputeNodeHash(reordered), "tag order must not matter")

	mutations := map[string]func(n *models.GraphNode){
		"name":   func(n *models.GraphNode) { n.Name = "renamed" },
		"status": func(n *models.GraphNode) { n.Status = models.StatusStopped },
		"tags":   func(n *models.GraphNode) { n.Tags["Team"] = "edge" },
		"cost":   func(n *models.GraphNode) { n.CostMonthly = models.Float64Ptr(43) },
		"owner":  func(n *models.GraphNode) { n.Owner = nil },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			n := base.Clone()
			mutate(n)
			assert.NotEqual(t, h, ComputeNodeHash(n))
		})
	}

	t.Run("metadata is not hashed", func(t *testing.T) {
		n := base.Clone()
		n.Metadata["instanceType"] = "m5.large"
		assert.Equal(t, h, ComputeNodeHash(n))
	})

	t.Run("nil and empty tags hash alike", func(t *testing.T) {
		a, b := base.Clone(), base.Clone()
		a.Tags = nil
		b.Tags = map[string]string{}
		assert.Equal(t, ComputeNodeHash(a), ComputeNodeHash(b))
	})
}

func TestDiffNodeFields(t *testing.T) {
	existing := testNode("a")
	assert.Empty(t, DiffNodeFields(existing, existing.Clone()))

	incoming := existing.Clone()
	incoming.Name = "other"
	incoming.CostMonthly = models.Float64Ptr(99)
	incoming.Metadata = map[string]any{"instanceType": "m5.large"}
	incoming.Region = "eu-west-1"
	assert.Equal(t, []string{"name", "region", "costMonthly", "metadata"}, DiffNodeFields(existing, incoming))

	t.Run("numeric metadata survives storage round trip", func(t *testing.T) {
		a, b := existing.Clone(), existing.Clone()
		a.Metadata = map[string]any{"cpus": float64(2)}
		b.Metadata = map[string]any{"cpus": 2}
		assert.Empty(t, DiffNodeFields(a, b))
	})

	t.Run("owner set vs unset", func(t *testing.T) {
		a, b := existing.Clone(), existing.Clone()
		a.Owner = models.StringPtr("")
		b.Owner = nil
		assert.Equal(t, []string{"owner"}, DiffNodeFields(a, b))
	})
}

func TestIncrementalSyncClassification(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cache := NewNodeHashCache()

	res, err := IncrementalSync(ctx, store, []*models.GraphNodeInput{testNode("a")}, nil, cache, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, cache.Len())

	res, err = IncrementalSync(ctx, store, []*models.GraphNodeInput{testNode("a")}, nil, cache, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Created)
	assert.Zero(t, res.Updated)

	changed := testNode("a")
	changed.Status = models.StatusStopped
	res, err = IncrementalSync(ctx, store, []*models.GraphNodeInput{changed}, nil, cache, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []string{"a"}, res.UpdatedIDs)

	got, err := store.GetNode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	h, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, ComputeNodeHash(changed), h)
}

func TestIncrementalSyncUpsertsEdgesAlways(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cache := NewNodeHashCache()
	nodes := []*models.GraphNodeInput{testNode("a"), testNode("b")}
	edges := []*models.GraphEdgeInput{{ID: "a->b", SourceNodeID: "a", TargetNodeID: "b", RelationshipType: models.RelDependsOn, Confidence: 1}}

	_, err := IncrementalSync(ctx, store, nodes, edges, cache, SyncOptions{})
	require.NoError(t, err)
	res, err := IncrementalSync(ctx, store, nodes, edges, cache, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.EdgesUpserted)
}

func TestIncrementalSyncEmitsChanges(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cache := NewNodeHashCache()
	opts := SyncOptions{EmitChanges: true, CorrelationID: "run-1", InitiatorType: models.InitiatorSystem}

	res, err := IncrementalSync(ctx, store, []*models.GraphNodeInput{testNode("a")}, nil, cache, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changes)

	n := testNode("a")
	n.CostMonthly = models.Float64Ptr(80)
	res, err = IncrementalSync(ctx, store, []*models.GraphNodeInput{n}, nil, cache, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Changes)

	changes, err := store.GetChanges(ctx, models.ChangeFilter{TargetID: "a", CorrelationID: "run-1"})
	require.NoError(t, err)
	require.Len(t, changes, 3)
	types := map[models.ChangeType]*models.GraphChange{}
	for _, c := range changes {
		types[c.ChangeType] = c
	}
	require.Contains(t, types, models.ChangeCostChanged)
	assert.Equal(t, "42", *types[models.ChangeCostChanged].PreviousValue)
	assert.Equal(t, "80", *types[models.ChangeCostChanged].NewValue)
	assert.Equal(t, "costMonthly", *types[models.ChangeNodeUpdated].Field)
	assert.Contains(t, types, models.ChangeNodeCreated)
}

func TestIncrementalSyncFailedWriteLeavesCache(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cache := NewNodeHashCache()
	bad := testNode("b")
	bad.Provider = ""

	_, err := IncrementalSync(ctx, store, []*models.GraphNodeInput{testNode("a"), bad}, nil, cache, SyncOptions{})
	require.Error(t, err)
	assert.Zero(t, cache.Len())
}

func TestFromStorage(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.UpsertNodes(ctx, []*models.GraphNodeInput{testNode("a"), testNode("b")}))

	cache, err := FromStorage(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	res, err := IncrementalSync(ctx, store, []*models.GraphNodeInput{testNode("a")}, nil, cache, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
}

func TestReconcileSeen(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cache := NewNodeHashCache()
	_, err := IncrementalSync(ctx, store, []*models.GraphNodeInput{testNode("a"), testNode("b")}, nil, cache, SyncOptions{})
	require.NoError(t, err)

	res, err := Reconcile(ctx, store, cache, ReconcileOptions{Provider: "aws", Seen: map[string]bool{"a": true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Disappeared)

	b, err := store.GetNode(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisappeared, b.Status)
	_, cached := cache.Get("b")
	assert.False(t, cached)

	changes, err := store.GetChanges(ctx, models.ChangeFilter{ChangeTypes: []models.ChangeType{models.ChangeNodeDisappeared}})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "b", changes[0].TargetID)

	again, err := Reconcile(ctx, store, cache, ReconcileOptions{Provider: "aws", Seen: map[string]bool{"a": true}})
	require.NoError(t, err)
	assert.Empty(t, again.Disappeared)
}

func TestProcessBatched(t *testing.T) {
	items := make([]int, 23)
	for i := range items {
		items[i] = i
	}
	var inFlight, peak int32
	var progress []BatchProgress

	res, err := ProcessBatched(context.Background(), items, func(_ context.Context, batch []int, idx int) ([]int, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&inFlight, -1)
		time.Sleep(time.Duration(5-idx%5) * time.Millisecond)
		if idx == 2 {
			return nil, errors.New("throttled")
		}
		out := make([]int, len(batch))
		for i, v := range batch {
			out[i] = v * 10
		}
		return out, nil
	}, BatchOptions{BatchSize: 5, Concurrency: 2, OnBatchComplete: func(p BatchProgress) { progress = append(progress, p) }})
	require.NoError(t, err)

	assert.LessOrEqual(t, peak, int32(2))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 2, res.Failures[0].BatchIndex)
	assert.Equal(t, 5, res.Failures[0].Size)
	assert.Len(t, res.Results, 18)
	assert.Equal(t, []int{0, 10, 20, 30, 40}, res.Results[:5])
	assert.Equal(t, 150, res.Results[10], "batch 3 follows batch 1 once batch 2 failed")

	require.Len(t, progress, 5)
	last := progress[len(progress)-1]
	assert.Equal(t, 5, last.CompletedBatches)
	assert.Equal(t, 23, last.ProcessedItems)
}

func TestProcessBatchedAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := ProcessBatched(ctx, []int{1, 2, 3}, func(context.Context, []int, int) ([]int, error) {
		called = true
		return nil, nil
	}, BatchOptions{})
	require.ErrorIs(t, err, ErrAborted)
	assert.False(t, called)
}

func TestProcessBatchedCancelledMidFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var started int32
	res, err := ProcessBatched(ctx, make([]int, 10), func(context.Context, []int, int) ([]int, error) {
		if atomic.AddInt32(&started, 1) == 1 {
			cancel()
		}
		return []int{1}, nil
	}, BatchOptions{BatchSize: 1, Concurrency: 1})
	require.ErrorIs(t, err, ErrAborted)
	require.NotNil(t, res)
	assert.Less(t, len(res.Results), 10)
}

func TestProcessBatchedCancelledWhileWaitingForSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		<-started
		time.Sleep(20 * time.Millisecond)
		cancel()
		close(release)
	}()

	var calls int32
	res, err := ProcessBatched(ctx, []int{1, 2}, func(context.Context, []int, int) ([]int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return []int{1}, nil
	}, BatchOptions{BatchSize: 1, Concurrency: 1})
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, []int{1}, res.Results)
}

func TestProcessPooledKeepsOrder(t *testing.T) {
	items := []int{5, 1, 4, 2, 3}
	out, err := ProcessPooled(context.Background(), items, func(_ context.Context, v, _ int) (string, error) {
		time.Sleep(time.Duration(v) * time.Millisecond)
		return fmt.Sprintf("v%d", v), nil
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"v5", "v1", "v4", "v2", "v3"}, out)

	empty, err := ProcessPooled(context.Background(), []int{}, func(context.Context, int, int) (int, error) { return 0, nil }, 3)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestProcessPooledError(t *testing.T) {
	_, err := ProcessPooled(context.Background(), []int{1, 2, 3}, func(_ context.Context, v, _ int) (int, error) {
		if v == 2 {
			return 0, errors.New("boom")
		}
		return v, nil
	}, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCollectPaginated(t *testing.T) {
	pages := [][]string{{"a", "b"}, {"c"}, {"d", "e"}}
	fetch := func(_ context.Context, _ int, token string) (Page[string], error) {
		i := 0
		if token != "" {
			_, _ = fmt.Sscanf(token, "p%d", &i)
		}
		return Page[string]{Items: pages[i], NextToken: fmt.Sprintf("p%d", i+1), HasMore: i < len(pages)-1}, nil
	}

	all, err := CollectPaginated(context.Background(), fetch, PaginateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, all)

	capped, err := CollectPaginated(context.Background(), fetch, PaginateOptions{MaxPages: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, capped)
}

func TestDiscoverAllIsolatesFailures(t *testing.T) {
	units := []DiscoveryUnit{
		{Name: "ec2/us-east-1", Run: func(context.Context) (*DiscoveryBatch, error) {
			return &DiscoveryBatch{Nodes: []*models.GraphNodeInput{testNode("a")}}, nil
		}},
		{Name: "rds/us-east-1", Run: func(context.Context) (*DiscoveryBatch, error) {
			return nil, errors.New("access denied")
		}},
		{Name: "s3/global", Run: func(context.Context) (*DiscoveryBatch, error) {
			panic("adapter bug")
		}},
		{Name: "ec2/eu-west-1", Run: func(context.Context) (*DiscoveryBatch, error) {
			return &DiscoveryBatch{Nodes: []*models.GraphNodeInput{testNode("b")}}, nil
		}},
	}
	report := DiscoverAll(context.Background(), units, 2)
	assert.True(t, report.Success)
	require.Len(t, report.Nodes, 2)
	assert.Equal(t, "a", report.Nodes[0].ID)
	assert.Equal(t, "b", report.Nodes[1].ID)
	require.Len(t, report.Warnings, 2)
	assert.Equal(t, "rds/us-east-1", report.Warnings[0].Unit)
	assert.Equal(t, "s3/global", report.Warnings[1].Unit)
}

func TestRedisHashStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	store := NewRedisHashStore(client, "")

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Len())

	cache := NewNodeHashCache()
	cache.Set("a", "h1")
	cache.Set("b", "h2")
	require.NoError(t, store.Save(ctx, cache))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "h1", "b": "h2"}, loaded.Snapshot())

	cache.Delete("a")
	require.NoError(t, store.Save(ctx, cache))
	require.NoError(t, store.Put(ctx, map[string]string{"c": "h3"}))
	require.NoError(t, store.Remove(ctx, "b"))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c": "h3"}, loaded.Snapshot())
}

func TestEngineRunKeepsOtherProvidersEdges(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	az1, az2 := testNode("az1"), testNode("az2")
	az1.Provider, az2.Provider = "azure", "azure"
	require.NoError(t, store.UpsertNodes(ctx, []*models.GraphNodeInput{az1, az2, testNode("web"), testNode("db")}))
	stale := "2020-01-01T00:00:00.000Z"
	require.NoError(t, store.UpsertEdges(ctx, []*models.GraphEdgeInput{
		{ID: "az1->az2", SourceNodeID: "az1", TargetNodeID: "az2", Confidence: 1, LastSeenAt: stale},
		{ID: "web->db", SourceNodeID: "web", TargetNodeID: "db", Confidence: 1, LastSeenAt: stale},
	}))

	aws := DiscoveryUnit{Name: "ec2", Run: func(context.Context) (*DiscoveryBatch, error) {
		return &DiscoveryBatch{Nodes: []*models.GraphNodeInput{testNode("web"), testNode("db")}}, nil
	}}
	report, err := NewEngine(store, nil, EngineConfig{}).Run(ctx, "aws", []DiscoveryUnit{aws})
	require.NoError(t, err)
	require.NotNil(t, report.Reconcile)
	assert.Equal(t, 1, report.Reconcile.EdgesRemoved)
	assert.Empty(t, report.Reconcile.Disappeared)

	edges, err := store.GetEdgesForNode(ctx, "az1", models.DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
	edges, err = store.GetEdgesForNode(ctx, "web", models.DirectionBoth)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestEngineRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	hashes := NewRedisHashStore(client, "test:hashes")

	engine := NewEngine(store, nil, EngineConfig{BatchSize: 1, Concurrency: 2}, WithRedisHashStore(hashes))
	require.NoError(t, engine.Warm(ctx))

	unit := func(ids ...string) DiscoveryUnit {
		return DiscoveryUnit{Name: "ec2", Run: func(context.Context) (*DiscoveryBatch, error) {
			b := &DiscoveryBatch{}
			for _, id := range ids {
				b.Nodes = append(b.Nodes, testNode(id))
			}
			if len(ids) >= 2 {
				b.Edges = []*models.GraphEdgeInput{{ID: ids[0] + "->" + ids[1], SourceNodeID: ids[0], TargetNodeID: ids[1], Confidence: 0.9}}
			}
			return b, nil
		}}
	}

	report, err := engine.Run(ctx, "aws", []DiscoveryUnit{unit("a", "b", "c")})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sync.Created)
	assert.Equal(t, 1, report.Sync.EdgesUpserted)

	report, err = engine.Run(ctx, "aws", []DiscoveryUnit{unit("a", "b")})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sync.Skipped)
	require.NotNil(t, report.Reconcile)
	assert.Equal(t, []string{"c"}, report.Reconcile.Disappeared)

	saved, err := hashes.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Len())

	fresh := NewEngine(store, nil, EngineConfig{}, WithRedisHashStore(hashes))
	require.NoError(t, fresh.Warm(ctx))
	assert.Equal(t, 2, fresh.Cache().Len())
}
