package graphstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// MemoryStorage keeps the whole graph in process memory. Values handed in and
// out are copies, so callers never alias stored state.
type MemoryStorage struct {
	mu          sync.RWMutex
	initialized bool
	closed      bool

	nodes    map[string]*models.GraphNode
	native   map[string]string // provider|nativeID -> node id
	edges    map[string]*models.GraphEdge
	outgoing map[string]map[string]bool // node id -> edge ids
	incoming map[string]map[string]bool
	changes  []*models.GraphChange
	groups   map[string]*models.GraphGroup
	members  map[string]map[string]string // group id -> node id -> addedAt
}

// NewMemoryStorage returns an empty, uninitialized in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nodes:    make(map[string]*models.GraphNode),
		native:   make(map[string]string),
		edges:    make(map[string]*models.GraphEdge),
		outgoing: make(map[string]map[string]bool),
		incoming: make(map[string]map[string]bool),
		groups:   make(map[string]*models.GraphGroup),
		members:  make(map[string]map[string]string),
	}
}

func (s *MemoryStorage) Backend() string { return "memory" }

func (s *MemoryStorage) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.closed = false
	return nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStorage) ready() error {
	if s.closed {
		return ErrStorageClosed
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func nativeKey(provider, nativeID string) string {
	return provider + "|" + nativeID
}

// Nodes

func (s *MemoryStorage) UpsertNode(ctx context.Context, node *models.GraphNodeInput) error {
	return s.UpsertNodes(ctx, []*models.GraphNodeInput{node})
}

func (s *MemoryStorage) UpsertNodes(ctx context.Context, nodes []*models.GraphNodeInput) error {
	now := models.Now()
	prepared := make([]*models.GraphNode, 0, len(nodes))
	for _, n := range nodes {
		p, err := prepareNode(n, now)
		if err != nil {
			return err
		}
		prepared = append(prepared, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	for _, p := range prepared {
		existing := s.nodes[p.ID]
		if existing != nil && existing.NativeID != "" {
			delete(s.native, nativeKey(existing.Provider, existing.NativeID))
		}
		merged := mergeNode(existing, p)
		s.nodes[merged.ID] = merged
		if merged.NativeID != "" {
			s.native[nativeKey(merged.Provider, merged.NativeID)] = merged.ID
		}
	}
	return nil
}

func (s *MemoryStorage) GetNode(ctx context.Context, id string) (*models.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.nodes[id].Clone(), nil
}

func (s *MemoryStorage) GetNodeByNativeID(ctx context.Context, provider, nativeID string) (*models.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, ok := s.native[nativeKey(provider, nativeID)]
	if !ok {
		return nil, nil
	}
	return s.nodes[id].Clone(), nil
}

func (s *MemoryStorage) QueryNodes(ctx context.Context, filter models.NodeFilter) ([]*models.GraphNode, error) {
	if err := ValidateNodeFilter(filter); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.filterNodesLocked(filter), nil
}

func (s *MemoryStorage) filterNodesLocked(filter models.NodeFilter) []*models.GraphNode {
	out := make([]*models.GraphNode, 0)
	for _, n := range s.nodes {
		if MatchNode(n, filter) {
			out = append(out, n.Clone())
		}
	}
	sortNodes(out)
	return out
}

func (s *MemoryStorage) QueryNodesPaginated(ctx context.Context, filter models.NodeFilter, page models.PaginationOptions) (*models.PaginatedResult[*models.GraphNode], error) {
	if _, err := DecodeCursor(page.Cursor); err != nil {
		return nil, err
	}
	all, err := s.QueryNodes(ctx, filter)
	if err != nil {
		return nil, err
	}
	return paginateSlice(all, page)
}

// DeleteNode removes the node with its edges and group memberships. Changes are kept.
func (s *MemoryStorage) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	if n.NativeID != "" {
		delete(s.native, nativeKey(n.Provider, n.NativeID))
	}
	for eid := range s.outgoing[id] {
		s.deleteEdgeLocked(eid)
	}
	for eid := range s.incoming[id] {
		s.deleteEdgeLocked(eid)
	}
	for _, m := range s.members {
		delete(m, id)
	}
	delete(s.nodes, id)
	return nil
}

func (s *MemoryStorage) MarkNodesDisappeared(ctx context.Context, olderThan string, provider string) ([]string, error) {
	cutoff := models.NormalizeTime(olderThan)
	now := models.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for id, n := range s.nodes {
		if n.Status == models.StatusDisappeared || n.LastSeenAt >= cutoff {
			continue
		}
		if provider != "" && n.Provider != provider {
			continue
		}
		n.Status = models.StatusDisappeared
		n.UpdatedAt = now
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Edges

func (s *MemoryStorage) UpsertEdge(ctx context.Context, edge *models.GraphEdgeInput) error {
	return s.UpsertEdges(ctx, []*models.GraphEdgeInput{edge})
}

func (s *MemoryStorage) UpsertEdges(ctx context.Context, edges []*models.GraphEdgeInput) error {
	now := models.Now()
	prepared := make([]*models.GraphEdge, 0, len(edges))
	for _, e := range edges {
		p, err := prepareEdge(e, now)
		if err != nil {
			return err
		}
		prepared = append(prepared, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	for _, p := range prepared {
		if s.nodes[p.SourceNodeID] == nil || s.nodes[p.TargetNodeID] == nil {
			return ErrUnknownNode.WithCause(fmt.Errorf("edge %s: %s -> %s", p.ID, p.SourceNodeID, p.TargetNodeID))
		}
	}
	for _, p := range prepared {
		existing := s.edges[p.ID]
		if existing != nil {
			s.unindexEdgeLocked(existing)
		}
		merged := mergeEdge(existing, p)
		s.edges[merged.ID] = merged
		s.indexEdgeLocked(merged)
	}
	return nil
}

func (s *MemoryStorage) indexEdgeLocked(e *models.GraphEdge) {
	if s.outgoing[e.SourceNodeID] == nil {
		s.outgoing[e.SourceNodeID] = make(map[string]bool)
	}
	if s.incoming[e.TargetNodeID] == nil {
		s.incoming[e.TargetNodeID] = make(map[string]bool)
	}
	s.outgoing[e.SourceNodeID][e.ID] = true
	s.incoming[e.TargetNodeID][e.ID] = true
}

func (s *MemoryStorage) unindexEdgeLocked(e *models.GraphEdge) {
	delete(s.outgoing[e.SourceNodeID], e.ID)
	delete(s.incoming[e.TargetNodeID], e.ID)
}

func (s *MemoryStorage) deleteEdgeLocked(id string) {
	e, ok := s.edges[id]
	if !ok {
		return
	}
	s.unindexEdgeLocked(e)
	delete(s.edges, id)
}

func (s *MemoryStorage) GetEdge(ctx context.Context, id string) (*models.GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.edges[id].Clone(), nil
}

func (s *MemoryStorage) GetEdgesForNode(ctx context.Context, nodeID string, direction models.Direction) ([]*models.GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make([]*models.GraphEdge, 0)
	for _, e := range s.adjacentLocked(nodeID) {
		if len(stepTargets(e, nodeID, direction)) > 0 {
			out = append(out, e.Clone())
		}
	}
	sortEdges(out)
	return out, nil
}

// adjacentLocked returns every edge touching id, without copying.
func (s *MemoryStorage) adjacentLocked(id string) []*models.GraphEdge {
	out := make([]*models.GraphEdge, 0, len(s.outgoing[id])+len(s.incoming[id]))
	for eid := range s.outgoing[id] {
		out = append(out, s.edges[eid])
	}
	for eid := range s.incoming[id] {
		if !s.outgoing[id][eid] {
			out = append(out, s.edges[eid])
		}
	}
	sortEdges(out)
	return out
}

func (s *MemoryStorage) QueryEdges(ctx context.Context, filter models.EdgeFilter) ([]*models.GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make([]*models.GraphEdge, 0)
	for _, e := range s.edges {
		if MatchEdge(e, filter) {
			out = append(out, e.Clone())
		}
	}
	sortEdges(out)
	return out, nil
}

func (s *MemoryStorage) QueryEdgesPaginated(ctx context.Context, filter models.EdgeFilter, page models.PaginationOptions) (*models.PaginatedResult[*models.GraphEdge], error) {
	if _, err := DecodeCursor(page.Cursor); err != nil {
		return nil, err
	}
	all, err := s.QueryEdges(ctx, filter)
	if err != nil {
		return nil, err
	}
	return paginateSlice(all, page)
}

func (s *MemoryStorage) DeleteEdge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.deleteEdgeLocked(id)
	return nil
}

func (s *MemoryStorage) DeleteStaleEdges(ctx context.Context, olderThan string, provider string) (int, error) {
	cutoff := models.NormalizeTime(olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	count := 0
	for id, e := range s.edges {
		if e.LastSeenAt >= cutoff {
			continue
		}
		if provider != "" {
			src, ok := s.nodes[e.SourceNodeID]
			if !ok || src.Provider != provider {
				continue
			}
		}
		s.deleteEdgeLocked(id)
		count++
	}
	return count, nil
}

// Changes

func (s *MemoryStorage) AppendChange(ctx context.Context, change *models.GraphChange) error {
	return s.AppendChanges(ctx, []*models.GraphChange{change})
}

func (s *MemoryStorage) AppendChanges(ctx context.Context, changes []*models.GraphChange) error {
	now := models.Now()
	prepared := make([]*models.GraphChange, 0, len(changes))
	for _, c := range changes {
		p, err := prepareChange(c, now, uuid.NewString)
		if err != nil {
			return err
		}
		prepared = append(prepared, p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.changes = append(s.changes, prepared...)
	return nil
}

func (s *MemoryStorage) GetChanges(ctx context.Context, filter models.ChangeFilter) ([]*models.GraphChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := s.filterChangesLocked(filter)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStorage) filterChangesLocked(filter models.ChangeFilter) []*models.GraphChange {
	out := make([]*models.GraphChange, 0)
	for _, c := range s.changes {
		if MatchChange(c, filter) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortChangesNewestFirst(out)
	return out
}

func (s *MemoryStorage) GetChangesPaginated(ctx context.Context, filter models.ChangeFilter, page models.PaginationOptions) (*models.PaginatedResult[*models.GraphChange], error) {
	if _, err := DecodeCursor(page.Cursor); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return paginateSlice(s.filterChangesLocked(filter), page)
}

func (s *MemoryStorage) GetNodeTimeline(ctx context.Context, nodeID string, limit int) ([]*models.GraphChange, error) {
	return s.GetChanges(ctx, models.ChangeFilter{TargetID: nodeID, Limit: limit})
}

// Groups

func (s *MemoryStorage) UpsertGroup(ctx context.Context, group *models.GraphGroup) error {
	p, err := prepareGroup(group, models.Now(), uuid.NewString)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	if existing := s.groups[p.ID]; existing != nil {
		p.CreatedAt = existing.CreatedAt
	}
	s.groups[p.ID] = p
	group.ID = p.ID
	return nil
}

func (s *MemoryStorage) GetGroup(ctx context.Context, id string) (*models.GraphGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	return s.rollupLocked(g), nil
}

// rollupLocked copies g with CostMonthly summed over its members.
func (s *MemoryStorage) rollupLocked(g *models.GraphGroup) *models.GraphGroup {
	cp := *g
	cp.CostMonthly = 0
	for nid := range s.members[g.ID] {
		cp.CostMonthly += s.nodes[nid].Cost()
	}
	return &cp
}

func (s *MemoryStorage) ListGroups(ctx context.Context, filter models.GroupFilter) ([]*models.GraphGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make([]*models.GraphGroup, 0, len(s.groups))
	for _, g := range s.groups {
		if filter.GroupType != "" && g.GroupType != filter.GroupType {
			continue
		}
		if filter.Owner != "" && (g.Owner == nil || *g.Owner != filter.Owner) {
			continue
		}
		out = append(out, s.rollupLocked(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStorage) DeleteGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	delete(s.groups, id)
	delete(s.members, id)
	return nil
}

func (s *MemoryStorage) AddGroupMember(ctx context.Context, groupID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	if s.groups[groupID] == nil {
		return ErrUnknownGroup.WithCause(fmt.Errorf("group %s", groupID))
	}
	if s.nodes[nodeID] == nil {
		return ErrUnknownNode.WithCause(fmt.Errorf("node %s", nodeID))
	}
	if s.members[groupID] == nil {
		s.members[groupID] = make(map[string]string)
	}
	if _, ok := s.members[groupID][nodeID]; !ok {
		s.members[groupID][nodeID] = models.Now()
	}
	return nil
}

func (s *MemoryStorage) RemoveGroupMember(ctx context.Context, groupID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	delete(s.members[groupID], nodeID)
	return nil
}

func (s *MemoryStorage) GetGroupMembers(ctx context.Context, groupID string) ([]*models.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make([]*models.GraphNode, 0, len(s.members[groupID]))
	for nid := range s.members[groupID] {
		if n := s.nodes[nid]; n != nil {
			out = append(out, n.Clone())
		}
	}
	sortNodes(out)
	return out, nil
}

func (s *MemoryStorage) GetNodeGroups(ctx context.Context, nodeID string) ([]*models.GraphGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make([]*models.GraphGroup, 0)
	for gid, m := range s.members {
		if _, ok := m[nodeID]; ok && s.groups[gid] != nil {
			out = append(out, s.rollupLocked(s.groups[gid]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Traversal & stats

func (s *MemoryStorage) GetNeighbors(ctx context.Context, nodeID string, depth int, direction models.Direction, edgeTypes []models.RelationshipType) (*models.SubgraphResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	result := &models.SubgraphResult{Nodes: []*models.GraphNode{}, Edges: []*models.GraphEdge{}}
	if s.nodes[nodeID] == nil {
		return result, nil
	}

	ids := reachable(nodeID, depth, normalizeDirection(direction), edgeTypes, s.adjacentLocked)
	reached := make(map[string]bool, len(ids))
	var candidates []*models.GraphEdge
	for _, id := range ids {
		reached[id] = true
		if n := s.nodes[id]; n != nil {
			result.Nodes = append(result.Nodes, n.Clone())
		}
		for eid := range s.outgoing[id] {
			candidates = append(candidates, s.edges[eid])
		}
	}
	for _, e := range inducedEdges(candidates, reached, edgeTypes) {
		result.Edges = append(result.Edges, e.Clone())
	}
	sortNodes(result.Nodes)
	return result, nil
}

func (s *MemoryStorage) GetStats(ctx context.Context) (*models.GraphStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	stats := &models.GraphStats{
		TotalNodes:              len(s.nodes),
		TotalEdges:              len(s.edges),
		TotalChanges:            len(s.changes),
		TotalGroups:             len(s.groups),
		NodesByProvider:         map[string]int{},
		NodesByResourceType:     map[string]int{},
		EdgesByRelationshipType: map[string]int{},
	}
	for _, n := range s.nodes {
		stats.NodesByProvider[n.Provider]++
		stats.NodesByResourceType[n.ResourceType]++
		stats.TotalCostMonthly += n.Cost()
		if stats.LastSyncAt == nil || n.LastSeenAt > *stats.LastSyncAt {
			v := n.LastSeenAt
			stats.LastSyncAt = &v
		}
	}
	for _, e := range s.edges {
		stats.EdgesByRelationshipType[string(e.RelationshipType)]++
	}
	for _, c := range s.changes {
		if stats.OldestChange == nil || c.DetectedAt < *stats.OldestChange {
			v := c.DetectedAt
			stats.OldestChange = &v
		}
		if stats.NewestChange == nil || c.DetectedAt > *stats.NewestChange {
			v := c.DetectedAt
			stats.NewestChange = &v
		}
	}
	return stats, nil
}

var _ Storage = (*MemoryStorage)(nil)
