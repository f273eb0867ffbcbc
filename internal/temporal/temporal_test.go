package temporal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/apperr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func (c *fakeClock) stamp() string { return models.FormatTime(c.t) }

type backend struct {
	name  string
	live  graphstore.Storage
	store Store
	clock *fakeClock
}

func forEachStore(t *testing.T, fn func(t *testing.T, b backend)) {
	t.Run("memory", func(t *testing.T) {
		live := graphstore.NewMemoryStorage()
		require.NoError(t, live.Initialize(context.Background()))
		clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		fn(t, backend{name: "memory", live: live, store: NewMemoryStore(live, WithClock(clock.now)), clock: clock})
	})
	t.Run("sqlite", func(t *testing.T) {
		live, err := graphstore.NewSQLiteStorage(filepath.Join(t.TempDir(), "graph.db"))
		require.NoError(t, err)
		require.NoError(t, live.Initialize(context.Background()))
		t.Cleanup(func() { _ = live.Close() })
		clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		store := NewStore(live, WithClock(clock.now))
		require.IsType(t, &SQLStore{}, store)
		fn(t, backend{name: "sqlite", live: live, store: store, clock: clock})
	})
}

func node(id, provider string, cost float64) *models.GraphNodeInput {
	return &models.GraphNodeInput{
		ID:           id,
		Provider:     provider,
		ResourceType: "vm",
		Name:         id,
		Region:       "us-east-1",
		Status:       models.StatusRunning,
		Tags:         map[string]string{"Environment": "prod"},
		CostMonthly:  models.Float64Ptr(cost),
	}
}

func TestGetSnapshotAtFallsBackToEarliest(t *testing.T) {
	forEachStore(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		_, err := b.store.GetSnapshotAt(ctx, b.clock.stamp())
		require.ErrorIs(t, err, ErrNoSnapshots)

		require.NoError(t, b.live.UpsertNode(ctx, node("a", "aws", 10)))
		first, err := b.store.CreateSnapshot(ctx, models.TriggerManual, "first", "")
		require.NoError(t, err)
		t0 := b.clock.stamp()
		b.clock.advance(time.Hour)
		second, err := b.store.CreateSnapshot(ctx, models.TriggerSync, "", "")
		require.NoError(t, err)

		got, err := b.store.GetSnapshotAt(ctx, "2025-06-01T00:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)

		got, err = b.store.GetSnapshotAt(ctx, t0)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)

		b.clock.advance(time.Minute)
		got, err = b.store.GetSnapshotAt(ctx, b.clock.stamp())
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)
		assert.Equal(t, models.TriggerSync, got.Trigger)
		assert.Nil(t, got.Label)
	})
}

func TestCreateSnapshotCaptures(t *testing.T) {
	forEachStore(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.live.UpsertNodes(ctx, []*models.GraphNodeInput{node("a", "aws", 100), node("b", "aws", 50), node("z", "gcp", 5)}))
		require.NoError(t, b.live.UpsertEdges(ctx, []*models.GraphEdgeInput{
			{ID: "a-b", SourceNodeID: "a", TargetNodeID: "b", RelationshipType: models.RelDependsOn, Confidence: 1},
			{ID: "a-z", SourceNodeID: "a", TargetNodeID: "z", RelationshipType: models.RelConnectsTo, Confidence: 1},
		}))

		snap, err := b.store.CreateSnapshot(ctx, "", "nightly", "")
		require.NoError(t, err)
		assert.Equal(t, models.TriggerManual, snap.Trigger)
		assert.Equal(t, 3, snap.NodeCount)
		assert.Equal(t, 2, snap.EdgeCount)
		assert.InDelta(t, 155, snap.TotalCostMonthly, 1e-9)
		assert.Positive(t, snap.SizeBytes)
		require.NotNil(t, snap.Label)
		assert.Equal(t, "nightly", *snap.Label)

		scoped, err := b.store.CreateSnapshot(ctx, models.TriggerSync, "", "aws")
		require.NoError(t, err)
		assert.Equal(t, 2, scoped.NodeCount)
		assert.Equal(t, 1, scoped.EdgeCount)
		require.NotNil(t, scoped.Provider)

		got, err := b.store.GetSnapshot(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, snap, got)

		missing, err := b.store.GetSnapshot(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		nodes, err := b.store.GetNodesAtSnapshot(ctx, snap.ID, &models.NodeFilter{MinCost: models.Float64Ptr(50)})
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "a", nodes[0].ID)
		assert.Equal(t, "b", nodes[1].ID)

		_, err = b.store.GetNodesAtSnapshot(ctx, snap.ID, &models.NodeFilter{Tags: map[string]string{"bad key'": "x"}})
		require.ErrorIs(t, err, graphstore.ErrInvalidTagKey)

		_, err = b.store.GetEdgesAtSnapshot(ctx, "nope")
		require.Error(t, err)
		assert.Equal(t, apperr.TypeNotFound, apperr.TypeOf(err))
	})
}

func TestSnapshotsAreImmutable(t *testing.T) {
	forEachStore(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.live.UpsertNode(ctx, node("a", "aws", 100)))
		snap, err := b.store.CreateSnapshot(ctx, models.TriggerManual, "", "")
		require.NoError(t, err)

		changed := node("a", "aws", 300)
		changed.Name = "renamed"
		require.NoError(t, b.live.UpsertNode(ctx, changed))

		nodes, err := b.store.GetNodesAtSnapshot(ctx, snap.ID, nil)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "a", nodes[0].Name)
		assert.InDelta(t, 100, nodes[0].Cost(), 1e-9)
	})
}

func TestDiffSnapshots(t *testing.T) {
	forEachStore(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.live.UpsertNodes(ctx, []*models.GraphNodeInput{node("a", "aws", 100), node("b", "aws", 50), node("gone", "aws", 20)}))
		t1, err := b.store.CreateSnapshot(ctx, models.TriggerSync, "", "")
		require.NoError(t, err)
		ts1 := b.clock.stamp()

		b.clock.advance(time.Hour)
		require.NoError(t, b.live.DeleteNode(ctx, "gone"))
		require.NoError(t, b.live.UpsertNodes(ctx, []*models.GraphNodeInput{node("b", "aws", 70), node("c", "aws", 30)}))
		require.NoError(t, b.live.UpsertEdge(ctx, &models.GraphEdgeInput{ID: "a-c", SourceNodeID: "a", TargetNodeID: "c", Confidence: 0.5}))
		t2, err := b.store.CreateSnapshot(ctx, models.TriggerSync, "", "")
		require.NoError(t, err)
		ts2 := b.clock.stamp()

		diff, err := b.store.DiffSnapshots(ctx, t1.ID, t2.ID)
		require.NoError(t, err)
		assert.Equal(t, t1.ID, diff.FromSnapshot.ID)
		assert.Equal(t, t2.ID, diff.ToSnapshot.ID)
		require.Len(t, diff.AddedNodes, 1)
		assert.Equal(t, "c", diff.AddedNodes[0].ID)
		require.Len(t, diff.RemovedNodes, 1)
		assert.Equal(t, "gone", diff.RemovedNodes[0].ID)
		require.Len(t, diff.ChangedNodes, 1)
		assert.Equal(t, "b", diff.ChangedNodes[0].NodeID)
		assert.Equal(t, []string{"costMonthly"}, diff.ChangedNodes[0].ChangedFields)
		assert.InDelta(t, 50, diff.ChangedNodes[0].Before.Cost(), 1e-9)
		assert.InDelta(t, 70, diff.ChangedNodes[0].After.Cost(), 1e-9)
		require.Len(t, diff.AddedEdges, 1)
		assert.Empty(t, diff.RemovedEdges)
		assert.InDelta(t, (100+70+30)-(100+50+20), diff.CostDelta, 1e-9)

		byTime, err := b.store.DiffTimestamps(ctx, ts1, ts2)
		require.NoError(t, err)
		assert.Equal(t, diff.CostDelta, byTime.CostDelta)
		assert.Len(t, byTime.ChangedNodes, 1)

		_, err = b.store.DiffSnapshots(ctx, t1.ID, "missing")
		require.Error(t, err)
	})
}

func TestNodeHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		for i, cost := range []float64{10, 20, 30} {
			require.NoError(t, b.live.UpsertNode(ctx, node("a", "aws", cost)))
			if i == 1 {
				require.NoError(t, b.live.UpsertNode(ctx, node("b", "aws", 1)))
			}
			_, err := b.store.CreateSnapshot(ctx, models.TriggerScheduled, "", "")
			require.NoError(t, err)
			b.clock.advance(time.Minute)
		}

		history, err := b.store.GetNodeHistory(ctx, "a", 0)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.InDelta(t, 30, history[0].Node.Cost(), 1e-9)
		assert.InDelta(t, 10, history[2].Node.Cost(), 1e-9)
		assert.Greater(t, history[0].CapturedAt, history[1].CapturedAt)

		limited, err := b.store.GetNodeHistory(ctx, "b", 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)

		none, err := b.store.GetNodeHistory(ctx, "missing", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestListPruneDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.live.UpsertNode(ctx, node("a", "aws", 1)))
		var ids []string
		for _, trig := range []models.SnapshotTrigger{models.TriggerSync, models.TriggerManual, models.TriggerSync, models.TriggerSync} {
			s, err := b.store.CreateSnapshot(ctx, trig, "", "")
			require.NoError(t, err)
			ids = append(ids, s.ID)
			b.clock.advance(24 * time.Hour)
		}

		all, err := b.store.ListSnapshots(ctx, SnapshotFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, ids[3], all[0].ID, "newest first")

		syncs, err := b.store.ListSnapshots(ctx, SnapshotFilter{Trigger: models.TriggerSync, Limit: 2})
		require.NoError(t, err)
		require.Len(t, syncs, 2)
		assert.Equal(t, ids[3], syncs[0].ID)
		assert.Equal(t, ids[2], syncs[1].ID)

		window, err := b.store.ListSnapshots(ctx, SnapshotFilter{Since: all[2].CreatedAt, Until: all[1].CreatedAt})
		require.NoError(t, err)
		assert.Len(t, window, 2)

		// clock is now 24h past the newest snapshot
		removed, err := b.store.PruneSnapshots(ctx, RetentionPolicy{MaxAge: 60 * time.Hour})
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		removed, err = b.store.PruneSnapshots(ctx, RetentionPolicy{MaxSnapshots: 1})
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		left, err := b.store.ListSnapshots(ctx, SnapshotFilter{})
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, ids[3], left[0].ID)

		ok, err := b.store.DeleteSnapshot(ctx, ids[3])
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = b.store.DeleteSnapshot(ctx, ids[3])
		require.NoError(t, err)
		assert.False(t, ok)

		history, err := b.store.GetNodeHistory(ctx, "a", 0)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}
