// Package temporal captures immutable snapshots of the live graph and answers
// point-in-time and diff queries over them.
package temporal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/apperr"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/logger"
)

// ErrNoSnapshots is returned by point-in-time lookups when nothing was captured yet.
var ErrNoSnapshots = &apperr.AppError{Type: apperr.TypeNotFound, Code: "NO_SNAPSHOTS", Message: "no snapshots have been captured"}

// SnapshotFilter narrows ListSnapshots. Since and Until are inclusive.
type SnapshotFilter struct {
	Since   string
	Until   string
	Trigger models.SnapshotTrigger
	Limit   int
}

// RetentionPolicy bounds how many snapshots are kept. Zero values disable a bound.
type RetentionPolicy struct {
	MaxSnapshots int
	MaxAge       time.Duration
}

// Store is the snapshot contract shared by the memory and SQL backends.
//
// GetSnapshot returns (nil, nil) for unknown ids; every other lookup taking a
// snapshot id fails with a not-found error instead.
type Store interface {
	CreateSnapshot(ctx context.Context, trigger models.SnapshotTrigger, label, provider string) (*models.GraphSnapshot, error)
	GetSnapshot(ctx context.Context, id string) (*models.GraphSnapshot, error)
	// ListSnapshots returns newest first.
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*models.GraphSnapshot, error)
	// GetSnapshotAt returns the latest snapshot created at or before ts,
	// falling back to the earliest one.
	GetSnapshotAt(ctx context.Context, ts string) (*models.GraphSnapshot, error)
	GetNodesAtSnapshot(ctx context.Context, snapshotID string, filter *models.NodeFilter) ([]*models.GraphNode, error)
	GetEdgesAtSnapshot(ctx context.Context, snapshotID string) ([]*models.GraphEdge, error)
	// GetNodeHistory returns one version per snapshot containing the node, newest first.
	GetNodeHistory(ctx context.Context, nodeID string, limit int) ([]*models.NodeVersion, error)
	DiffSnapshots(ctx context.Context, fromID, toID string) (*models.SnapshotDiff, error)
	DiffTimestamps(ctx context.Context, from, to string) (*models.SnapshotDiff, error)
	PruneSnapshots(ctx context.Context, policy RetentionPolicy) (int, error)
	DeleteSnapshot(ctx context.Context, id string) (bool, error)
}

// Option configures either backend.
type Option func(*options)

type options struct {
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// WithClock sets the time source used for snapshot timestamps and retention.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, newID: uuid.NewString}
	for _, fn := range opts {
		fn(&o)
	}
	o.logger = logger.OrNop(o.logger).Named("temporal")
	return o
}

func snapshotNotFound(id string) error {
	return apperr.NotFound("snapshot", id)
}

// capture reads the live graph. With a provider, only that provider's nodes
// and the edges between them are kept.
type capture struct {
	nodes []*models.GraphNode
	edges []*models.GraphEdge
}

func captureLive(ctx context.Context, live graphstore.Storage, provider string) (*capture, error) {
	nodes, err := live.QueryNodes(ctx, models.NodeFilter{Provider: provider})
	if err != nil {
		return nil, fmt.Errorf("capture nodes: %w", err)
	}
	edges, err := live.QueryEdges(ctx, models.EdgeFilter{})
	if err != nil {
		return nil, fmt.Errorf("capture edges: %w", err)
	}
	if provider != "" {
		ids := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			ids[n.ID] = true
		}
		kept := edges[:0]
		for _, e := range edges {
			if ids[e.SourceNodeID] && ids[e.TargetNodeID] {
				kept = append(kept, e)
			}
		}
		edges = kept
	}
	return &capture{nodes: nodes, edges: edges}, nil
}

func (c *capture) snapshot(id, createdAt string, trigger models.SnapshotTrigger, label, provider string) *models.GraphSnapshot {
	s := &models.GraphSnapshot{
		ID:        id,
		CreatedAt: createdAt,
		Trigger:   trigger,
		NodeCount: len(c.nodes),
		EdgeCount: len(c.edges),
	}
	if label != "" {
		s.Label = models.StringPtr(label)
	}
	if provider != "" {
		s.Provider = models.StringPtr(provider)
	}
	s.TotalCostMonthly = totalCost(c.nodes)
	for _, n := range c.nodes {
		s.SizeBytes += jsonSize(n)
	}
	for _, e := range c.edges {
		s.SizeBytes += jsonSize(e)
	}
	return s
}

func jsonSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func totalCost(nodes []*models.GraphNode) float64 {
	var sum float64
	for _, n := range nodes {
		sum += n.Cost()
	}
	return sum
}

func normalizeTrigger(t models.SnapshotTrigger) models.SnapshotTrigger {
	if t == "" {
		return models.TriggerManual
	}
	return t
}

// matchSnapshot reports whether s passes f, excluding Limit.
func matchSnapshot(s *models.GraphSnapshot, f SnapshotFilter) bool {
	if f.Since != "" && s.CreatedAt < models.NormalizeTime(f.Since) {
		return false
	}
	if f.Until != "" && s.CreatedAt > models.NormalizeTime(f.Until) {
		return false
	}
	if f.Trigger != "" && s.Trigger != f.Trigger {
		return false
	}
	return true
}

// pruneCandidates picks ids to delete from snapshots ordered oldest first:
// everything older than MaxAge, then the oldest survivors beyond MaxSnapshots.
func pruneCandidates(oldestFirst []*models.GraphSnapshot, policy RetentionPolicy, now time.Time) []string {
	var (
		doomed []string
		kept   []*models.GraphSnapshot
	)
	cutoff := ""
	if policy.MaxAge > 0 {
		cutoff = models.FormatTime(now.Add(-policy.MaxAge))
	}
	for _, s := range oldestFirst {
		if cutoff != "" && s.CreatedAt < cutoff {
			doomed = append(doomed, s.ID)
			continue
		}
		kept = append(kept, s)
	}
	if policy.MaxSnapshots > 0 && len(kept) > policy.MaxSnapshots {
		for _, s := range kept[:len(kept)-policy.MaxSnapshots] {
			doomed = append(doomed, s.ID)
		}
	}
	return doomed
}

func filterNodes(nodes []*models.GraphNode, filter *models.NodeFilter) ([]*models.GraphNode, error) {
	if filter == nil {
		return nodes, nil
	}
	if err := graphstore.ValidateNodeFilter(*filter); err != nil {
		return nil, err
	}
	out := make([]*models.GraphNode, 0, len(nodes))
	for _, n := range nodes {
		if graphstore.MatchNode(n, *filter) {
			out = append(out, n)
		}
	}
	return out, nil
}

func sortNodesByID(nodes []*models.GraphNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func sortEdgesByID(edges []*models.GraphEdge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}
