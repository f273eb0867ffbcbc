package graphsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/metrics"
)

// SyncOptions controls IncrementalSync side effects.
type SyncOptions struct {
	// EmitChanges appends node-created / node-updated / cost-changed entries
	// to the changelog after the write succeeds.
	EmitChanges   bool
	DetectedVia   string
	CorrelationID string
	Initiator     string
	InitiatorType models.InitiatorType
	Logger        *zap.Logger
}

// SyncResult summarises one IncrementalSync call.
type SyncResult struct {
	Created       int      `json:"created"`
	Updated       int      `json:"updated"`
	Skipped       int      `json:"skipped"`
	EdgesUpserted int      `json:"edges_upserted"`
	Changes       int      `json:"changes"`
	CreatedIDs    []string `json:"created_ids,omitempty"`
	UpdatedIDs    []string `json:"updated_ids,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
}

type classified struct {
	node    *models.GraphNodeInput
	hash    string
	created bool
}

// IncrementalSync writes only nodes whose content hash differs from the cache.
// Nodes without a cache entry are created, nodes with a different hash are
// updated and matching hashes are skipped. Edges are always upserted. The
// cache is updated only after the node batch is committed.
func IncrementalSync(
	ctx context.Context,
	storage graphstore.Storage,
	nodes []*models.GraphNodeInput,
	edges []*models.GraphEdgeInput,
	cache *NodeHashCache,
	opts SyncOptions,
) (*SyncResult, error) {
	start := time.Now()
	log := logger.OrNop(opts.Logger)
	if cache == nil {
		cache = NewNodeHashCache()
	}
	res := &SyncResult{CorrelationID: opts.CorrelationID}

	pending := make([]classified, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		h := ComputeNodeHash(n)
		cached, ok := cache.Get(n.ID)
		switch {
		case ok && cached == h:
			res.Skipped++
		case ok:
			pending = append(pending, classified{node: n, hash: h})
		default:
			pending = append(pending, classified{node: n, hash: h, created: true})
		}
	}

	var changes []*models.GraphChange
	if opts.EmitChanges && len(pending) > 0 {
		var err error
		changes, err = buildChanges(ctx, storage, pending, opts, res)
		if err != nil {
			return nil, err
		}
	}

	if len(pending) > 0 {
		batch := make([]*models.GraphNodeInput, len(pending))
		for i, p := range pending {
			batch[i] = p.node
		}
		if err := storage.UpsertNodes(ctx, batch); err != nil {
			return nil, fmt.Errorf("upsert %d nodes: %w", len(batch), err)
		}
		for _, p := range pending {
			cache.Set(p.node.ID, p.hash)
			if p.created {
				res.Created++
				res.CreatedIDs = append(res.CreatedIDs, p.node.ID)
			} else {
				res.Updated++
				res.UpdatedIDs = append(res.UpdatedIDs, p.node.ID)
			}
		}
	}

	if len(edges) > 0 {
		if err := storage.UpsertEdges(ctx, edges); err != nil {
			return nil, fmt.Errorf("upsert %d edges: %w", len(edges), err)
		}
		res.EdgesUpserted = len(edges)
	}

	if len(changes) > 0 {
		if err := storage.AppendChanges(ctx, changes); err != nil {
			return nil, fmt.Errorf("append sync changes: %w", err)
		}
		res.Changes = len(changes)
	}

	metrics.SyncNodesTotal.WithLabelValues("created").Add(float64(res.Created))
	metrics.SyncNodesTotal.WithLabelValues("updated").Add(float64(res.Updated))
	metrics.SyncNodesTotal.WithLabelValues("skipped").Add(float64(res.Skipped))

	res.DurationMs = time.Since(start).Milliseconds()
	log.Debug("incremental sync complete",
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("edges", res.EdgesUpserted),
		zap.Int("changes", res.Changes),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res, nil
}

// buildChanges reads the stored version of each pending node to describe what
// the write is about to change. A cold cache can classify a stored node as
// created; the stored row wins and it is reported as an update.
func buildChanges(ctx context.Context, storage graphstore.Storage, pending []classified, opts SyncOptions, res *SyncResult) ([]*models.GraphChange, error) {
	if res.CorrelationID == "" {
		res.CorrelationID = uuid.NewString()
	}
	via := opts.DetectedVia
	if via == "" {
		via = "sync"
	}
	base := func(target string, t models.ChangeType) *models.GraphChange {
		c := &models.GraphChange{
			TargetID:      target,
			ChangeType:    t,
			DetectedVia:   via,
			CorrelationID: models.StringPtr(res.CorrelationID),
		}
		if opts.Initiator != "" {
			c.Initiator = models.StringPtr(opts.Initiator)
		}
		if opts.InitiatorType != "" {
			it := opts.InitiatorType
			c.InitiatorType = &it
		}
		return c
	}

	var out []*models.GraphChange
	for _, p := range pending {
		existing, err := storage.GetNode(ctx, p.node.ID)
		if err != nil {
			return nil, fmt.Errorf("load node %s: %w", p.node.ID, err)
		}
		if existing == nil {
			out = append(out, base(p.node.ID, models.ChangeNodeCreated))
			continue
		}
		fields := DiffNodeFields(existing, p.node)
		if len(fields) == 0 {
			continue
		}
		c := base(p.node.ID, models.ChangeNodeUpdated)
		c.Field = models.StringPtr(strings.Join(fields, ","))
		out = append(out, c)
		for _, f := range fields {
			if f != "costMonthly" {
				continue
			}
			cc := base(p.node.ID, models.ChangeCostChanged)
			cc.Field = models.StringPtr("costMonthly")
			cc.PreviousValue = costString(existing.CostMonthly)
			cc.NewValue = costString(p.node.CostMonthly)
			out = append(out, cc)
		}
	}
	return out, nil
}

func costString(v *float64) *string {
	if v == nil {
		return nil
	}
	return models.StringPtr(strconv.FormatFloat(*v, 'f', -1, 64))
}

// ReconcileOptions selects which nodes Reconcile marks disappeared.
type ReconcileOptions struct {
	Provider string
	// OlderThan marks nodes whose last_seen_at precedes it and prunes edges
	// not seen since. Ignored for nodes when Seen is set. Edge pruning is
	// limited to edges sourced from Provider's nodes when Provider is set.
	OlderThan string
	// Seen lists node ids observed in the current run. Unchanged nodes are
	// skipped by IncrementalSync and keep their old last_seen_at, so callers
	// syncing incrementally reconcile by id instead of by time.
	Seen map[string]bool
}

// ReconcileResult reports nodes marked disappeared and edges pruned.
type ReconcileResult struct {
	Disappeared  []string `json:"disappeared"`
	EdgesRemoved int      `json:"edges_removed"`
}

// Reconcile marks missing nodes as disappeared, records a node-disappeared
// change for each, drops them from cache and deletes stale edges.
func Reconcile(ctx context.Context, storage graphstore.Storage, cache *NodeHashCache, opts ReconcileOptions) (*ReconcileResult, error) {
	var (
		ids []string
		err error
	)
	if opts.Seen != nil {
		ids, err = markUnseen(ctx, storage, opts.Provider, opts.Seen)
	} else if opts.OlderThan != "" {
		ids, err = storage.MarkNodesDisappeared(ctx, opts.OlderThan, opts.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("mark disappeared: %w", err)
	}
	if len(ids) > 0 {
		changes := make([]*models.GraphChange, len(ids))
		for i, id := range ids {
			changes[i] = &models.GraphChange{
				TargetID:      id,
				ChangeType:    models.ChangeNodeDisappeared,
				Field:         models.StringPtr("status"),
				NewValue:      models.StringPtr(string(models.StatusDisappeared)),
				DetectedVia:   "sync",
				InitiatorType: ptr(models.InitiatorSystem),
			}
			if cache != nil {
				cache.Delete(id)
			}
		}
		if err := storage.AppendChanges(ctx, changes); err != nil {
			return nil, fmt.Errorf("record disappeared: %w", err)
		}
	}
	res := &ReconcileResult{Disappeared: ids}
	if opts.OlderThan != "" {
		removed, err := storage.DeleteStaleEdges(ctx, opts.OlderThan, opts.Provider)
		if err != nil {
			return nil, fmt.Errorf("delete stale edges: %w", err)
		}
		res.EdgesRemoved = removed
	}
	return res, nil
}

func markUnseen(ctx context.Context, storage graphstore.Storage, provider string, seen map[string]bool) ([]string, error) {
	nodes, err := storage.QueryNodes(ctx, models.NodeFilter{Provider: provider})
	if err != nil {
		return nil, err
	}
	var (
		ids    []string
		update []*models.GraphNodeInput
	)
	for _, n := range nodes {
		if seen[n.ID] || n.Status == models.StatusDisappeared {
			continue
		}
		c := n.Clone()
		c.Status = models.StatusDisappeared
		c.UpdatedAt = ""
		update = append(update, c)
		ids = append(ids, n.ID)
	}
	if len(update) == 0 {
		return nil, nil
	}
	if err := storage.UpsertNodes(ctx, update); err != nil {
		return nil, err
	}
	return ids, nil
}

func ptr[T any](v T) *T { return &v }
