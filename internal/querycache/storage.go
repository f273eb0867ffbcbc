package querycache

import (
	"context"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// CachedStorage serves GetNeighbors and GetStats from a QueryCache and
// invalidates on every write. Other reads pass straight through.
type CachedStorage struct {
	graphstore.Storage
	cache *QueryCache
}

var _ graphstore.Storage = (*CachedStorage)(nil)

func NewCachedStorage(inner graphstore.Storage, cache *QueryCache) *CachedStorage {
	if cache == nil {
		cache = Disabled()
	}
	return &CachedStorage{Storage: inner, cache: cache}
}

func (s *CachedStorage) Cache() *QueryCache { return s.cache }

func (s *CachedStorage) GetNeighbors(ctx context.Context, nodeID string, depth int, direction models.Direction, edgeTypes []models.RelationshipType) (*models.SubgraphResult, error) {
	if len(edgeTypes) > 0 {
		return s.Storage.GetNeighbors(ctx, nodeID, depth, direction, edgeTypes)
	}
	depth = graphstore.ClampDepth(depth)
	return s.cache.GetOrLoadNeighbors(ctx, nodeID, depth, direction, func(ctx context.Context) (*models.SubgraphResult, error) {
		return s.Storage.GetNeighbors(ctx, nodeID, depth, direction, nil)
	})
}

func (s *CachedStorage) GetStats(ctx context.Context) (*models.GraphStats, error) {
	if st, ok := s.cache.GetStats(); ok {
		return st, nil
	}
	tok := s.cache.Token()
	st, err := s.Storage.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.SetStats(tok, st)
	return st, nil
}

// graphChanged drops everything that depends on topology or totals.
func (s *CachedStorage) graphChanged() {
	s.cache.InvalidateTraversals()
	s.cache.InvalidateCategory(CategoryCost)
	s.cache.InvalidateStats()
}

func (s *CachedStorage) UpsertNode(ctx context.Context, node *models.GraphNodeInput) error {
	defer s.graphChanged()
	return s.Storage.UpsertNode(ctx, node)
}

func (s *CachedStorage) UpsertNodes(ctx context.Context, nodes []*models.GraphNodeInput) error {
	defer s.graphChanged()
	return s.Storage.UpsertNodes(ctx, nodes)
}

func (s *CachedStorage) DeleteNode(ctx context.Context, id string) error {
	defer s.graphChanged()
	return s.Storage.DeleteNode(ctx, id)
}

func (s *CachedStorage) MarkNodesDisappeared(ctx context.Context, olderThan, provider string) ([]string, error) {
	defer s.graphChanged()
	return s.Storage.MarkNodesDisappeared(ctx, olderThan, provider)
}

func (s *CachedStorage) UpsertEdge(ctx context.Context, edge *models.GraphEdgeInput) error {
	defer s.graphChanged()
	return s.Storage.UpsertEdge(ctx, edge)
}

func (s *CachedStorage) UpsertEdges(ctx context.Context, edges []*models.GraphEdgeInput) error {
	defer s.graphChanged()
	return s.Storage.UpsertEdges(ctx, edges)
}

func (s *CachedStorage) DeleteEdge(ctx context.Context, id string) error {
	defer s.graphChanged()
	return s.Storage.DeleteEdge(ctx, id)
}

func (s *CachedStorage) DeleteStaleEdges(ctx context.Context, olderThan string, provider string) (int, error) {
	defer s.graphChanged()
	return s.Storage.DeleteStaleEdges(ctx, olderThan, provider)
}

func (s *CachedStorage) AppendChange(ctx context.Context, change *models.GraphChange) error {
	defer s.cache.InvalidateStats()
	return s.Storage.AppendChange(ctx, change)
}

func (s *CachedStorage) AppendChanges(ctx context.Context, changes []*models.GraphChange) error {
	defer s.cache.InvalidateStats()
	return s.Storage.AppendChanges(ctx, changes)
}

func (s *CachedStorage) UpsertGroup(ctx context.Context, group *models.GraphGroup) error {
	defer s.cache.InvalidateStats()
	return s.Storage.UpsertGroup(ctx, group)
}

func (s *CachedStorage) DeleteGroup(ctx context.Context, id string) error {
	defer s.cache.InvalidateStats()
	return s.Storage.DeleteGroup(ctx, id)
}
