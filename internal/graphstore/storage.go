// Package graphstore persists the infrastructure graph: nodes, directed edges,
// an append-only changelog and node groups. Every backend implements Storage
// with identical filter, pagination and traversal semantics.
package graphstore

import (
	"context"

	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/apperr"
)

const (
	// MaxTraversalDepth caps GetNeighbors regardless of the requested depth.
	MaxTraversalDepth = 10
	DefaultPageLimit  = 100
	MaxPageLimit      = 1000
)

var (
	ErrInvalidTagKey  = apperr.Validation("INVALID_TAG_KEY", "invalid tag key")
	ErrInvalidCursor  = apperr.Validation("INVALID_CURSOR", "invalid pagination cursor")
	ErrInvalidNode    = apperr.Validation("INVALID_NODE", "invalid node")
	ErrInvalidEdge    = apperr.Validation("INVALID_EDGE", "invalid edge")
	ErrInvalidGroup   = apperr.Validation("INVALID_GROUP", "invalid group")
	ErrUnknownNode    = apperr.Validation("UNKNOWN_NODE", "edge references unknown node")
	ErrUnknownGroup   = apperr.Validation("UNKNOWN_GROUP", "unknown group")
	ErrStorageClosed  = apperr.Unavailable("STORAGE_CLOSED", "storage is closed")
	ErrNotInitialized = apperr.Unavailable("STORAGE_NOT_INITIALIZED", "storage is not initialized")
)

// Storage is the graph persistence contract.
//
// Get* lookups return (nil, nil) when the record does not exist. Batch writes
// are atomic: either every item is applied or none is.
type Storage interface {
	Initialize(ctx context.Context) error
	Close() error
	// Backend names the implementation (memory, sqlite, postgres).
	Backend() string

	UpsertNode(ctx context.Context, node *models.GraphNodeInput) error
	UpsertNodes(ctx context.Context, nodes []*models.GraphNodeInput) error
	GetNode(ctx context.Context, id string) (*models.GraphNode, error)
	GetNodeByNativeID(ctx context.Context, provider, nativeID string) (*models.GraphNode, error)
	QueryNodes(ctx context.Context, filter models.NodeFilter) ([]*models.GraphNode, error)
	QueryNodesPaginated(ctx context.Context, filter models.NodeFilter, page models.PaginationOptions) (*models.PaginatedResult[*models.GraphNode], error)
	DeleteNode(ctx context.Context, id string) error
	MarkNodesDisappeared(ctx context.Context, olderThan string, provider string) ([]string, error)

	UpsertEdge(ctx context.Context, edge *models.GraphEdgeInput) error
	UpsertEdges(ctx context.Context, edges []*models.GraphEdgeInput) error
	GetEdge(ctx context.Context, id string) (*models.GraphEdge, error)
	GetEdgesForNode(ctx context.Context, nodeID string, direction models.Direction) ([]*models.GraphEdge, error)
	QueryEdges(ctx context.Context, filter models.EdgeFilter) ([]*models.GraphEdge, error)
	QueryEdgesPaginated(ctx context.Context, filter models.EdgeFilter, page models.PaginationOptions) (*models.PaginatedResult[*models.GraphEdge], error)
	DeleteEdge(ctx context.Context, id string) error
	// DeleteStaleEdges removes edges last seen before olderThan. With a
	// provider, only edges whose source node belongs to it are removed.
	DeleteStaleEdges(ctx context.Context, olderThan string, provider string) (int, error)

	AppendChange(ctx context.Context, change *models.GraphChange) error
	AppendChanges(ctx context.Context, changes []*models.GraphChange) error
	GetChanges(ctx context.Context, filter models.ChangeFilter) ([]*models.GraphChange, error)
	GetChangesPaginated(ctx context.Context, filter models.ChangeFilter, page models.PaginationOptions) (*models.PaginatedResult[*models.GraphChange], error)
	GetNodeTimeline(ctx context.Context, nodeID string, limit int) ([]*models.GraphChange, error)

	UpsertGroup(ctx context.Context, group *models.GraphGroup) error
	GetGroup(ctx context.Context, id string) (*models.GraphGroup, error)
	ListGroups(ctx context.Context, filter models.GroupFilter) ([]*models.GraphGroup, error)
	DeleteGroup(ctx context.Context, id string) error
	AddGroupMember(ctx context.Context, groupID, nodeID string) error
	RemoveGroupMember(ctx context.Context, groupID, nodeID string) error
	GetGroupMembers(ctx context.Context, groupID string) ([]*models.GraphNode, error)
	GetNodeGroups(ctx context.Context, nodeID string) ([]*models.GraphGroup, error)

	GetNeighbors(ctx context.Context, nodeID string, depth int, direction models.Direction, edgeTypes []models.RelationshipType) (*models.SubgraphResult, error)
	GetStats(ctx context.Context) (*models.GraphStats, error)
}

// ClampDepth bounds a requested traversal depth to [0, MaxTraversalDepth].
func ClampDepth(depth int) int {
	if depth < 0 {
		return 0
	}
	if depth > MaxTraversalDepth {
		return MaxTraversalDepth
	}
	return depth
}
