package temporal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/metrics"
)

// SQLStore persists snapshots in graph_snapshots and graph_*_versions on the
// database shared with graph storage. The tables are created by the graph
// storage migrations, so live.Initialize must have run first.
type SQLStore struct {
	db   *sqlx.DB
	live graphstore.Storage
	opts options
}

var _ Store = (*SQLStore)(nil)

// DBProvider is implemented by the SQL graph storage backends.
type DBProvider interface {
	DB() *sqlx.DB
}

func NewSQLStore(db *sqlx.DB, live graphstore.Storage, opts ...Option) *SQLStore {
	return &SQLStore{db: db, live: live, opts: buildOptions(opts)}
}

// NewStore picks the SQL store when live exposes a database, else a MemoryStore.
func NewStore(live graphstore.Storage, opts ...Option) Store {
	if p, ok := live.(DBProvider); ok {
		return NewSQLStore(p.DB(), live, opts...)
	}
	return NewMemoryStore(live, opts...)
}

const snapshotColumns = `id, created_at, trigger_kind, provider, label, node_count, edge_count, total_cost_monthly, size_bytes`

type snapshotRow struct {
	ID               string         `db:"id"`
	CreatedAt        string         `db:"created_at"`
	Trigger          string         `db:"trigger_kind"`
	Provider         sql.NullString `db:"provider"`
	Label            sql.NullString `db:"label"`
	NodeCount        int            `db:"node_count"`
	EdgeCount        int            `db:"edge_count"`
	TotalCostMonthly float64        `db:"total_cost_monthly"`
	SizeBytes        int            `db:"size_bytes"`
}

func (r snapshotRow) model() *models.GraphSnapshot {
	s := &models.GraphSnapshot{
		ID:               r.ID,
		CreatedAt:        r.CreatedAt,
		Trigger:          models.SnapshotTrigger(r.Trigger),
		NodeCount:        r.NodeCount,
		EdgeCount:        r.EdgeCount,
		TotalCostMonthly: r.TotalCostMonthly,
		SizeBytes:        r.SizeBytes,
	}
	if r.Provider.Valid {
		s.Provider = models.StringPtr(r.Provider.String)
	}
	if r.Label.Valid {
		s.Label = models.StringPtr(r.Label.String)
	}
	return s
}

type versionRow struct {
	SnapshotID string `db:"snapshot_id"`
	ID         string `db:"id"`
	Data       string `db:"data"`
	CapturedAt string `db:"captured_at"`
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func (s *SQLStore) CreateSnapshot(ctx context.Context, trigger models.SnapshotTrigger, label, provider string) (*models.GraphSnapshot, error) {
	c, err := captureLive(ctx, s.live, provider)
	if err != nil {
		return nil, err
	}
	meta := c.snapshot(s.opts.newID(), models.FormatTime(s.opts.now()), normalizeTrigger(trigger), label, provider)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO graph_snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		meta.ID, meta.CreatedAt, string(meta.Trigger), nullString(meta.Provider), nullString(meta.Label),
		meta.NodeCount, meta.EdgeCount, meta.TotalCostMonthly, meta.SizeBytes); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	nodeStmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO graph_node_versions (snapshot_id, node_id, data, captured_at) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return nil, fmt.Errorf("prepare node versions: %w", err)
	}
	defer nodeStmt.Close()
	for _, n := range c.nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return nil, fmt.Errorf("encode node %s: %w", n.ID, err)
		}
		if _, err := nodeStmt.ExecContext(ctx, meta.ID, n.ID, string(data), meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert node version %s: %w", n.ID, err)
		}
	}

	edgeStmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO graph_edge_versions (snapshot_id, edge_id, data, captured_at) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return nil, fmt.Errorf("prepare edge versions: %w", err)
	}
	defer edgeStmt.Close()
	for _, e := range c.edges {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode edge %s: %w", e.ID, err)
		}
		if _, err := edgeStmt.ExecContext(ctx, meta.ID, e.ID, string(data), meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert edge version %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}
	metrics.SnapshotsCreatedTotal.Inc()
	s.opts.logger.Info("snapshot created",
		zap.String("id", meta.ID),
		zap.String("trigger", string(meta.Trigger)),
		zap.Int("nodes", meta.NodeCount),
		zap.Int("edges", meta.EdgeCount),
	)
	return meta, nil
}

func (s *SQLStore) GetSnapshot(ctx context.Context, id string) (*models.GraphSnapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+snapshotColumns+` FROM graph_snapshots WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return row.model(), nil
}

func (s *SQLStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*models.GraphSnapshot, error) {
	q := `SELECT ` + snapshotColumns + ` FROM graph_snapshots WHERE 1=1`
	var args []any
	if filter.Since != "" {
		q += ` AND created_at >= ?`
		args = append(args, models.NormalizeTime(filter.Since))
	}
	if filter.Until != "" {
		q += ` AND created_at <= ?`
		args = append(args, models.NormalizeTime(filter.Until))
	}
	if filter.Trigger != "" {
		q += ` AND trigger_kind = ?`
		args = append(args, string(filter.Trigger))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]*models.GraphSnapshot, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (s *SQLStore) GetSnapshotAt(ctx context.Context, ts string) (*models.GraphSnapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+snapshotColumns+` FROM graph_snapshots
		WHERE created_at <= ? ORDER BY created_at DESC, id DESC LIMIT 1`), models.NormalizeTime(ts))
	if err == nil {
		return row.model(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot at %s: %w", ts, err)
	}
	err = s.db.GetContext(ctx, &row, `SELECT `+snapshotColumns+` FROM graph_snapshots ORDER BY created_at ASC, id ASC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshots
	}
	if err != nil {
		return nil, fmt.Errorf("earliest snapshot: %w", err)
	}
	return row.model(), nil
}

func (s *SQLStore) requireSnapshot(ctx context.Context, id string) error {
	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}
	if snap == nil {
		return snapshotNotFound(id)
	}
	return nil
}

func (s *SQLStore) GetNodesAtSnapshot(ctx context.Context, snapshotID string, filter *models.NodeFilter) ([]*models.GraphNode, error) {
	if filter != nil {
		if err := graphstore.ValidateNodeFilter(*filter); err != nil {
			return nil, err
		}
	}
	if err := s.requireSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}
	var rows []versionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT snapshot_id, node_id AS id, data, captured_at
		FROM graph_node_versions WHERE snapshot_id = ? ORDER BY node_id`), snapshotID); err != nil {
		return nil, fmt.Errorf("nodes at snapshot %s: %w", snapshotID, err)
	}
	nodes := make([]*models.GraphNode, 0, len(rows))
	for _, r := range rows {
		var n models.GraphNode
		if err := json.Unmarshal([]byte(r.Data), &n); err != nil {
			return nil, fmt.Errorf("decode node version %s: %w", r.ID, err)
		}
		nodes = append(nodes, &n)
	}
	return filterNodes(nodes, filter)
}

func (s *SQLStore) GetEdgesAtSnapshot(ctx context.Context, snapshotID string) ([]*models.GraphEdge, error) {
	if err := s.requireSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}
	var rows []versionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT snapshot_id, edge_id AS id, data, captured_at
		FROM graph_edge_versions WHERE snapshot_id = ? ORDER BY edge_id`), snapshotID); err != nil {
		return nil, fmt.Errorf("edges at snapshot %s: %w", snapshotID, err)
	}
	edges := make([]*models.GraphEdge, 0, len(rows))
	for _, r := range rows {
		var e models.GraphEdge
		if err := json.Unmarshal([]byte(r.Data), &e); err != nil {
			return nil, fmt.Errorf("decode edge version %s: %w", r.ID, err)
		}
		edges = append(edges, &e)
	}
	return edges, nil
}

func (s *SQLStore) GetNodeHistory(ctx context.Context, nodeID string, limit int) ([]*models.NodeVersion, error) {
	q := `SELECT snapshot_id, node_id AS id, data, captured_at FROM graph_node_versions
		WHERE node_id = ? ORDER BY captured_at DESC, snapshot_id DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	var rows []versionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), nodeID); err != nil {
		return nil, fmt.Errorf("node history %s: %w", nodeID, err)
	}
	out := make([]*models.NodeVersion, 0, len(rows))
	for _, r := range rows {
		var n models.GraphNode
		if err := json.Unmarshal([]byte(r.Data), &n); err != nil {
			return nil, fmt.Errorf("decode node version %s: %w", r.ID, err)
		}
		out = append(out, &models.NodeVersion{NodeID: r.ID, SnapshotID: r.SnapshotID, Node: &n, CapturedAt: r.CapturedAt})
	}
	return out, nil
}

func (s *SQLStore) DiffSnapshots(ctx context.Context, fromID, toID string) (*models.SnapshotDiff, error) {
	return diffSnapshots(ctx, s, fromID, toID)
}

func (s *SQLStore) DiffTimestamps(ctx context.Context, from, to string) (*models.SnapshotDiff, error) {
	return diffTimestamps(ctx, s, from, to)
}

func (s *SQLStore) PruneSnapshots(ctx context.Context, policy RetentionPolicy) (int, error) {
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+snapshotColumns+` FROM graph_snapshots ORDER BY created_at ASC, id ASC`); err != nil {
		return 0, fmt.Errorf("list snapshots for pruning: %w", err)
	}
	metas := make([]*models.GraphSnapshot, len(rows))
	for i, r := range rows {
		metas[i] = r.model()
	}
	doomed := pruneCandidates(metas, policy, s.opts.now())
	if len(doomed) == 0 {
		return 0, nil
	}
	if err := s.deleteSnapshots(ctx, doomed); err != nil {
		return 0, err
	}
	s.opts.logger.Info("snapshots pruned", zap.Int("removed", len(doomed)))
	return len(doomed), nil
}

func (s *SQLStore) DeleteSnapshot(ctx context.Context, id string) (bool, error) {
	snap, err := s.GetSnapshot(ctx, id)
	if err != nil || snap == nil {
		return false, err
	}
	if err := s.deleteSnapshots(ctx, []string{id}); err != nil {
		return false, err
	}
	return true, nil
}

// deleteSnapshots removes version rows explicitly so pruning does not depend
// on the connection having foreign keys enabled.
func (s *SQLStore) deleteSnapshots(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"graph_node_versions", "graph_edge_versions"} {
		q, args, err := sqlx.In(`DELETE FROM `+table+` WHERE snapshot_id IN (?)`, ids)
		if err != nil {
			return fmt.Errorf("expand delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	q, args, err := sqlx.In(`DELETE FROM graph_snapshots WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("expand delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}
