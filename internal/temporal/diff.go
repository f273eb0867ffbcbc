package temporal

import (
	"context"
	"sort"

	"github.com/kubilitics/kubilitics-graph/internal/graphsync"
	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// snapshotReader is the part of Store the diff needs.
type snapshotReader interface {
	GetSnapshot(ctx context.Context, id string) (*models.GraphSnapshot, error)
	GetSnapshotAt(ctx context.Context, ts string) (*models.GraphSnapshot, error)
	GetNodesAtSnapshot(ctx context.Context, snapshotID string, filter *models.NodeFilter) ([]*models.GraphNode, error)
	GetEdgesAtSnapshot(ctx context.Context, snapshotID string) ([]*models.GraphEdge, error)
}

func diffSnapshots(ctx context.Context, r snapshotReader, fromID, toID string) (*models.SnapshotDiff, error) {
	from, err := r.GetSnapshot(ctx, fromID)
	if err != nil {
		return nil, err
	}
	if from == nil {
		return nil, snapshotNotFound(fromID)
	}
	to, err := r.GetSnapshot(ctx, toID)
	if err != nil {
		return nil, err
	}
	if to == nil {
		return nil, snapshotNotFound(toID)
	}
	fromNodes, err := r.GetNodesAtSnapshot(ctx, fromID, nil)
	if err != nil {
		return nil, err
	}
	toNodes, err := r.GetNodesAtSnapshot(ctx, toID, nil)
	if err != nil {
		return nil, err
	}
	fromEdges, err := r.GetEdgesAtSnapshot(ctx, fromID)
	if err != nil {
		return nil, err
	}
	toEdges, err := r.GetEdgesAtSnapshot(ctx, toID)
	if err != nil {
		return nil, err
	}
	d := Diff(fromNodes, toNodes, fromEdges, toEdges)
	d.FromSnapshot = from
	d.ToSnapshot = to
	return d, nil
}

func diffTimestamps(ctx context.Context, r snapshotReader, from, to string) (*models.SnapshotDiff, error) {
	a, err := r.GetSnapshotAt(ctx, from)
	if err != nil {
		return nil, err
	}
	b, err := r.GetSnapshotAt(ctx, to)
	if err != nil {
		return nil, err
	}
	return diffSnapshots(ctx, r, a.ID, b.ID)
}

// Diff compares two graph states. Changed nodes use graphsync.DiffNodeFields;
// CostDelta is the difference of total cost over the full node sets.
func Diff(fromNodes, toNodes []*models.GraphNode, fromEdges, toEdges []*models.GraphEdge) *models.SnapshotDiff {
	d := &models.SnapshotDiff{
		AddedNodes:   []*models.GraphNode{},
		RemovedNodes: []*models.GraphNode{},
		ChangedNodes: []*models.NodeChangeDiff{},
		AddedEdges:   []*models.GraphEdge{},
		RemovedEdges: []*models.GraphEdge{},
	}
	before := make(map[string]*models.GraphNode, len(fromNodes))
	for _, n := range fromNodes {
		before[n.ID] = n
	}
	after := make(map[string]*models.GraphNode, len(toNodes))
	for _, n := range toNodes {
		after[n.ID] = n
	}
	for _, n := range toNodes {
		prev, ok := before[n.ID]
		if !ok {
			d.AddedNodes = append(d.AddedNodes, n)
			continue
		}
		if fields := graphsync.DiffNodeFields(prev, n); len(fields) > 0 {
			d.ChangedNodes = append(d.ChangedNodes, &models.NodeChangeDiff{NodeID: n.ID, Before: prev, After: n, ChangedFields: fields})
		}
	}
	for _, n := range fromNodes {
		if _, ok := after[n.ID]; !ok {
			d.RemovedNodes = append(d.RemovedNodes, n)
		}
	}

	beforeEdges := make(map[string]bool, len(fromEdges))
	for _, e := range fromEdges {
		beforeEdges[e.ID] = true
	}
	afterEdges := make(map[string]bool, len(toEdges))
	for _, e := range toEdges {
		afterEdges[e.ID] = true
		if !beforeEdges[e.ID] {
			d.AddedEdges = append(d.AddedEdges, e)
		}
	}
	for _, e := range fromEdges {
		if !afterEdges[e.ID] {
			d.RemovedEdges = append(d.RemovedEdges, e)
		}
	}

	d.CostDelta = totalCost(toNodes) - totalCost(fromNodes)
	sortNodesByID(d.AddedNodes)
	sortNodesByID(d.RemovedNodes)
	sortEdgesByID(d.AddedEdges)
	sortEdgesByID(d.RemovedEdges)
	sort.Slice(d.ChangedNodes, func(i, j int) bool { return d.ChangedNodes[i].NodeID < d.ChangedNodes[j].NodeID })
	return d
}
