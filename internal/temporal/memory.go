package temporal

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/metrics"
)

type memSnapshot struct {
	meta  *models.GraphSnapshot
	nodes []*models.GraphNode
	edges []*models.GraphEdge
}

// MemoryStore keeps snapshots in process, ordered by CreatedAt. Snapshots
// sharing a timestamp keep capture order.
type MemoryStore struct {
	live graphstore.Storage
	opts options

	mu    sync.RWMutex
	order []*memSnapshot
	byID  map[string]*memSnapshot
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(live graphstore.Storage, opts ...Option) *MemoryStore {
	return &MemoryStore{
		live: live,
		opts: buildOptions(opts),
		byID: make(map[string]*memSnapshot),
	}
}

func (m *MemoryStore) CreateSnapshot(ctx context.Context, trigger models.SnapshotTrigger, label, provider string) (*models.GraphSnapshot, error) {
	c, err := captureLive(ctx, m.live, provider)
	if err != nil {
		return nil, err
	}
	meta := c.snapshot(m.opts.newID(), models.FormatTime(m.opts.now()), normalizeTrigger(trigger), label, provider)
	rec := &memSnapshot{meta: meta, nodes: c.nodes, edges: c.edges}
	sortNodesByID(rec.nodes)
	sortEdgesByID(rec.edges)

	m.mu.Lock()
	idx := sort.Search(len(m.order), func(i int) bool { return m.order[i].meta.CreatedAt > meta.CreatedAt })
	m.order = append(m.order, nil)
	copy(m.order[idx+1:], m.order[idx:])
	m.order[idx] = rec
	m.byID[meta.ID] = rec
	m.mu.Unlock()

	metrics.SnapshotsCreatedTotal.Inc()
	m.opts.logger.Info("snapshot created",
		zap.String("id", meta.ID),
		zap.String("trigger", string(meta.Trigger)),
		zap.Int("nodes", meta.NodeCount),
		zap.Int("edges", meta.EdgeCount),
	)
	return cloneSnapshot(meta), nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, id string) (*models.GraphSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return cloneSnapshot(rec.meta), nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, filter SnapshotFilter) ([]*models.GraphSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.GraphSnapshot, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		s := m.order[i].meta
		if !matchSnapshot(s, filter) {
			continue
		}
		out = append(out, cloneSnapshot(s))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetSnapshotAt(_ context.Context, ts string) (*models.GraphSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return nil, ErrNoSnapshots
	}
	at := models.NormalizeTime(ts)
	idx := sort.Search(len(m.order), func(i int) bool { return m.order[i].meta.CreatedAt > at })
	if idx == 0 {
		return cloneSnapshot(m.order[0].meta), nil
	}
	return cloneSnapshot(m.order[idx-1].meta), nil
}

func (m *MemoryStore) GetNodesAtSnapshot(_ context.Context, snapshotID string, filter *models.NodeFilter) ([]*models.GraphNode, error) {
	m.mu.RLock()
	rec, ok := m.byID[snapshotID]
	m.mu.RUnlock()
	if !ok {
		return nil, snapshotNotFound(snapshotID)
	}
	nodes, err := filterNodes(rec.nodes, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*models.GraphNode, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out, nil
}

func (m *MemoryStore) GetEdgesAtSnapshot(_ context.Context, snapshotID string) ([]*models.GraphEdge, error) {
	m.mu.RLock()
	rec, ok := m.byID[snapshotID]
	m.mu.RUnlock()
	if !ok {
		return nil, snapshotNotFound(snapshotID)
	}
	out := make([]*models.GraphEdge, len(rec.edges))
	for i, e := range rec.edges {
		out[i] = e.Clone()
	}
	return out, nil
}

func (m *MemoryStore) GetNodeHistory(_ context.Context, nodeID string, limit int) ([]*models.NodeVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.NodeVersion, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.order[i]
		j := sort.Search(len(rec.nodes), func(k int) bool { return rec.nodes[k].ID >= nodeID })
		if j == len(rec.nodes) || rec.nodes[j].ID != nodeID {
			continue
		}
		out = append(out, &models.NodeVersion{
			NodeID:     nodeID,
			SnapshotID: rec.meta.ID,
			Node:       rec.nodes[j].Clone(),
			CapturedAt: rec.meta.CreatedAt,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) DiffSnapshots(ctx context.Context, fromID, toID string) (*models.SnapshotDiff, error) {
	return diffSnapshots(ctx, m, fromID, toID)
}

func (m *MemoryStore) DiffTimestamps(ctx context.Context, from, to string) (*models.SnapshotDiff, error) {
	return diffTimestamps(ctx, m, from, to)
}

func (m *MemoryStore) PruneSnapshots(_ context.Context, policy RetentionPolicy) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metas := make([]*models.GraphSnapshot, len(m.order))
	for i, rec := range m.order {
		metas[i] = rec.meta
	}
	doomed := pruneCandidates(metas, policy, m.opts.now())
	if len(doomed) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(doomed))
	for _, id := range doomed {
		drop[id] = true
		delete(m.byID, id)
	}
	kept := m.order[:0]
	for _, rec := range m.order {
		if !drop[rec.meta.ID] {
			kept = append(kept, rec)
		}
	}
	m.order = kept
	m.opts.logger.Info("snapshots pruned", zap.Int("removed", len(doomed)))
	return len(doomed), nil
}

func (m *MemoryStore) DeleteSnapshot(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return false, nil
	}
	delete(m.byID, id)
	for i, rec := range m.order {
		if rec.meta.ID == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func cloneSnapshot(s *models.GraphSnapshot) *models.GraphSnapshot {
	c := *s
	if s.Label != nil {
		c.Label = models.StringPtr(*s.Label)
	}
	if s.Provider != nil {
		c.Provider = models.StringPtr(*s.Provider)
	}
	return &c
}
