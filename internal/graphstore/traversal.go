package graphstore

import (
	"sort"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// adjacencyFunc returns the edges touching id.
type adjacencyFunc func(id string) []*models.GraphEdge

// reachable runs a breadth-first search from root up to depth hops. A node is
// visited at most once, so cycles terminate. The result is in BFS order and
// always starts with root.
func reachable(root string, depth int, direction models.Direction, edgeTypes []models.RelationshipType, adjacent adjacencyFunc) []string {
	depth = ClampDepth(depth)
	allowed := edgeTypeSet(edgeTypes)

	visited := map[string]bool{root: true}
	order := []string{root}
	frontier := []string{root}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			for _, e := range adjacent(id) {
				if !allowed.permits(e.RelationshipType) {
					continue
				}
				for _, n := range stepTargets(e, id, direction) {
					if visited[n] {
						continue
					}
					visited[n] = true
					order = append(order, n)
					next = append(next, n)
				}
			}
		}
		frontier = next
	}
	return order
}

// normalizeDirection treats an unset direction as both.
func normalizeDirection(d models.Direction) models.Direction {
	if d == "" {
		return models.DirectionBoth
	}
	return d
}

// stepTargets returns the node(s) reachable from id over e in direction.
func stepTargets(e *models.GraphEdge, id string, direction models.Direction) []string {
	var out []string
	if (direction == models.DirectionDownstream || direction == models.DirectionBoth) && e.SourceNodeID == id {
		out = append(out, e.TargetNodeID)
	}
	if (direction == models.DirectionUpstream || direction == models.DirectionBoth) && e.TargetNodeID == id {
		out = append(out, e.SourceNodeID)
	}
	return out
}

type relSet map[models.RelationshipType]bool

func edgeTypeSet(types []models.RelationshipType) relSet {
	if len(types) == 0 {
		return nil
	}
	s := make(relSet, len(types))
	for _, t := range types {
		s[t] = true
	}
	return s
}

func (s relSet) permits(t models.RelationshipType) bool {
	return s == nil || s[t]
}

// inducedEdges keeps edges whose endpoints are both in reached and whose type is allowed,
// deduplicated and ordered by id.
func inducedEdges(candidates []*models.GraphEdge, reached map[string]bool, edgeTypes []models.RelationshipType) []*models.GraphEdge {
	allowed := edgeTypeSet(edgeTypes)
	seen := make(map[string]bool, len(candidates))
	out := make([]*models.GraphEdge, 0, len(candidates))
	for _, e := range candidates {
		if seen[e.ID] || !reached[e.SourceNodeID] || !reached[e.TargetNodeID] || !allowed.permits(e.RelationshipType) {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortNodes(nodes []*models.GraphNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func sortEdges(edges []*models.GraphEdge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}

func sortChangesNewestFirst(changes []*models.GraphChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].DetectedAt != changes[j].DetectedAt {
			return changes[i].DetectedAt > changes[j].DetectedAt
		}
		return changes[i].ID > changes[j].ID
	})
}
