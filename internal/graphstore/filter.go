package graphstore

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

var tagKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

// ValidateTagKey rejects keys outside [a-zA-Z0-9_.-]. SQL backends interpolate
// validated keys into JSON path expressions.
func ValidateTagKey(key string) error {
	if !tagKeyPattern.MatchString(key) {
		return ErrInvalidTagKey.WithCause(fmt.Errorf("key %q contains characters outside [a-zA-Z0-9_.-]", key))
	}
	return nil
}

// ValidateNodeFilter checks every tag key in f.
func ValidateNodeFilter(f models.NodeFilter) error {
	for key := range f.Tags {
		if err := ValidateTagKey(key); err != nil {
			return err
		}
	}
	return nil
}

// MatchNode reports whether n satisfies every present field of f.
func MatchNode(n *models.GraphNode, f models.NodeFilter) bool {
	if f.Provider != "" && n.Provider != f.Provider {
		return false
	}
	if len(f.ResourceTypes) > 0 && !contains(f.ResourceTypes, n.ResourceType) {
		return false
	}
	if f.Region != "" && n.Region != f.Region {
		return false
	}
	if f.Account != "" && n.Account != f.Account {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, n.Status) {
		return false
	}
	if f.Owner != "" && n.OwnerOrEmpty() != f.Owner {
		return false
	}
	if f.NamePattern != "" && !strings.Contains(strings.ToLower(n.Name), strings.ToLower(f.NamePattern)) {
		return false
	}
	if f.MinCost != nil && (n.CostMonthly == nil || *n.CostMonthly < *f.MinCost) {
		return false
	}
	if f.MaxCost != nil && (n.CostMonthly == nil || *n.CostMonthly > *f.MaxCost) {
		return false
	}
	for k, v := range f.Tags {
		if got, ok := n.Tags[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// MatchEdge reports whether e satisfies every present field of f.
func MatchEdge(e *models.GraphEdge, f models.EdgeFilter) bool {
	if f.SourceNodeID != "" && e.SourceNodeID != f.SourceNodeID {
		return false
	}
	if f.TargetNodeID != "" && e.TargetNodeID != f.TargetNodeID {
		return false
	}
	if len(f.RelationshipTypes) > 0 && !contains(f.RelationshipTypes, e.RelationshipType) {
		return false
	}
	if f.MinConfidence != nil && e.Confidence < *f.MinConfidence {
		return false
	}
	if f.DiscoveredVia != "" && e.DiscoveredVia != f.DiscoveredVia {
		return false
	}
	return true
}

// MatchChange reports whether c satisfies f (Limit is ignored here).
func MatchChange(c *models.GraphChange, f models.ChangeFilter) bool {
	if f.TargetID != "" && c.TargetID != f.TargetID {
		return false
	}
	if len(f.ChangeTypes) > 0 && !contains(f.ChangeTypes, c.ChangeType) {
		return false
	}
	if f.Since != "" && c.DetectedAt < models.NormalizeTime(f.Since) {
		return false
	}
	if f.Until != "" && c.DetectedAt > models.NormalizeTime(f.Until) {
		return false
	}
	if f.DetectedVia != "" && c.DetectedVia != f.DetectedVia {
		return false
	}
	if f.CorrelationID != "" && (c.CorrelationID == nil || *c.CorrelationID != f.CorrelationID) {
		return false
	}
	if f.InitiatorType != "" && (c.InitiatorType == nil || *c.InitiatorType != f.InitiatorType) {
		return false
	}
	return true
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// prepareNode validates n and fills engine-managed timestamps. The caller's
// value is not mutated.
func prepareNode(n *models.GraphNodeInput, now string) (*models.GraphNode, error) {
	if n == nil || n.ID == "" {
		return nil, ErrInvalidNode.WithCause(fmt.Errorf("node id is required"))
	}
	if n.Provider == "" || n.ResourceType == "" {
		return nil, ErrInvalidNode.WithCause(fmt.Errorf("node %s: provider and resource type are required", n.ID))
	}
	for key := range n.Tags {
		if err := ValidateTagKey(key); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
	}
	out := n.Clone()
	if out.Status == "" {
		out.Status = models.StatusUnknown
	}
	if out.Tags == nil {
		out.Tags = map[string]string{}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	if out.DiscoveredAt == "" {
		out.DiscoveredAt = now
	} else {
		out.DiscoveredAt = models.NormalizeTime(out.DiscoveredAt)
	}
	if out.UpdatedAt == "" {
		out.UpdatedAt = now
	} else {
		out.UpdatedAt = models.NormalizeTime(out.UpdatedAt)
	}
	if out.LastSeenAt == "" {
		out.LastSeenAt = now
	} else {
		out.LastSeenAt = models.NormalizeTime(out.LastSeenAt)
	}
	if out.CreatedAt != nil {
		v := models.NormalizeTime(*out.CreatedAt)
		out.CreatedAt = &v
	}
	return out, nil
}

// mergeNode applies an incoming upsert onto the stored node: discoveredAt is
// kept from the first sighting and lastSeenAt never moves backwards.
func mergeNode(existing, incoming *models.GraphNode) *models.GraphNode {
	if existing == nil {
		return incoming
	}
	merged := incoming
	merged.DiscoveredAt = existing.DiscoveredAt
	if existing.LastSeenAt > merged.LastSeenAt {
		merged.LastSeenAt = existing.LastSeenAt
	}
	if merged.CreatedAt == nil {
		merged.CreatedAt = existing.CreatedAt
	}
	return merged
}

func prepareEdge(e *models.GraphEdgeInput, now string) (*models.GraphEdge, error) {
	if e == nil || e.ID == "" {
		return nil, ErrInvalidEdge.WithCause(fmt.Errorf("edge id is required"))
	}
	if e.SourceNodeID == "" || e.TargetNodeID == "" {
		return nil, ErrInvalidEdge.WithCause(fmt.Errorf("edge %s: source and target are required", e.ID))
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return nil, ErrInvalidEdge.WithCause(fmt.Errorf("edge %s: confidence %v outside [0,1]", e.ID, e.Confidence))
	}
	out := e.Clone()
	if out.RelationshipType == "" {
		out.RelationshipType = models.RelOther
	}
	if out.DiscoveredVia == "" {
		out.DiscoveredVia = models.DiscoveredViaAPIField
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	if out.CreatedAt == "" {
		out.CreatedAt = now
	} else {
		out.CreatedAt = models.NormalizeTime(out.CreatedAt)
	}
	if out.LastSeenAt == "" {
		out.LastSeenAt = now
	} else {
		out.LastSeenAt = models.NormalizeTime(out.LastSeenAt)
	}
	return out, nil
}

func mergeEdge(existing, incoming *models.GraphEdge) *models.GraphEdge {
	if existing == nil {
		return incoming
	}
	incoming.CreatedAt = existing.CreatedAt
	if existing.LastSeenAt > incoming.LastSeenAt {
		incoming.LastSeenAt = existing.LastSeenAt
	}
	return incoming
}

func prepareChange(c *models.GraphChange, now string, newID func() string) (*models.GraphChange, error) {
	if c == nil || c.TargetID == "" || c.ChangeType == "" {
		return nil, fmt.Errorf("change requires target id and change type")
	}
	out := *c
	if out.ID == "" {
		out.ID = newID()
	}
	if out.DetectedAt == "" {
		out.DetectedAt = now
	} else {
		out.DetectedAt = models.NormalizeTime(out.DetectedAt)
	}
	if out.DetectedVia == "" {
		out.DetectedVia = "sync"
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	return &out, nil
}

func prepareGroup(g *models.GraphGroup, now string, newID func() string) (*models.GraphGroup, error) {
	if g == nil || g.Name == "" {
		return nil, ErrInvalidGroup.WithCause(fmt.Errorf("group name is required"))
	}
	out := *g
	if out.ID == "" {
		out.ID = newID()
	}
	if out.Tags == nil {
		out.Tags = map[string]string{}
	}
	if out.CreatedAt == "" {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	return &out, nil
}
