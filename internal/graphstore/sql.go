package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// sqlStore implements Storage over any sqlx database. Dialect differences are
// isolated in tagExpr; placeholders are written as ? and rebound per driver.
type sqlStore struct {
	db      *sqlx.DB
	backend string
	// tagExpr returns an expression extracting the tag value for a validated key.
	tagExpr func(key string) string
}

// DB exposes the underlying handle so the temporal store can share it.
func (s *sqlStore) DB() *sqlx.DB { return s.db }

func (s *sqlStore) Backend() string { return s.backend }

func (s *sqlStore) Initialize(ctx context.Context) error {
	return instrument(ctx, s.backend, "initialize", func(ctx context.Context) error {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping %s: %w", s.backend, err)
		}
		return migrate(ctx, s.db)
	})
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) in(query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("expand query: %w", err)
	}
	return s.db.Rebind(q), a, nil
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Rows

const nodeColumns = `id, provider, resource_type, native_id, name, region, account, status, tags, metadata,
	cost_monthly, owner, discovered_at, created_at, updated_at, last_seen_at`

type nodeRow struct {
	ID           string   `db:"id"`
	Provider     string   `db:"provider"`
	ResourceType string   `db:"resource_type"`
	NativeID     string   `db:"native_id"`
	Name         string   `db:"name"`
	Region       string   `db:"region"`
	Account      string   `db:"account"`
	Status       string   `db:"status"`
	Tags         string   `db:"tags"`
	Metadata     string   `db:"metadata"`
	CostMonthly  *float64 `db:"cost_monthly"`
	Owner        *string  `db:"owner"`
	DiscoveredAt string   `db:"discovered_at"`
	CreatedAt    *string  `db:"created_at"`
	UpdatedAt    string   `db:"updated_at"`
	LastSeenAt   string   `db:"last_seen_at"`
}

func (r *nodeRow) toModel() (*models.GraphNode, error) {
	n := &models.GraphNode{
		ID:           r.ID,
		Provider:     r.Provider,
		ResourceType: r.ResourceType,
		NativeID:     r.NativeID,
		Name:         r.Name,
		Region:       r.Region,
		Account:      r.Account,
		Status:       models.NodeStatus(r.Status),
		CostMonthly:  r.CostMonthly,
		Owner:        r.Owner,
		DiscoveredAt: r.DiscoveredAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		LastSeenAt:   r.LastSeenAt,
	}
	if err := json.Unmarshal([]byte(r.Tags), &n.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &n.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
	}
	return n, nil
}

func nodesFromRows(rows []nodeRow) ([]*models.GraphNode, error) {
	out := make([]*models.GraphNode, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

const edgeColumns = `id, source_node_id, target_node_id, relationship_type, confidence, discovered_via, metadata, created_at, last_seen_at`

type edgeRow struct {
	ID               string  `db:"id"`
	SourceNodeID     string  `db:"source_node_id"`
	TargetNodeID     string  `db:"target_node_id"`
	RelationshipType string  `db:"relationship_type"`
	Confidence       float64 `db:"confidence"`
	DiscoveredVia    string  `db:"discovered_via"`
	Metadata         string  `db:"metadata"`
	CreatedAt        string  `db:"created_at"`
	LastSeenAt       string  `db:"last_seen_at"`
}

func edgesFromRows(rows []edgeRow) ([]*models.GraphEdge, error) {
	out := make([]*models.GraphEdge, 0, len(rows))
	for _, r := range rows {
		e := &models.GraphEdge{
			ID:               r.ID,
			SourceNodeID:     r.SourceNodeID,
			TargetNodeID:     r.TargetNodeID,
			RelationshipType: models.RelationshipType(r.RelationshipType),
			Confidence:       r.Confidence,
			DiscoveredVia:    models.DiscoveryMethod(r.DiscoveredVia),
			CreatedAt:        r.CreatedAt,
			LastSeenAt:       r.LastSeenAt,
		}
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for edge %s: %w", r.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

const changeColumns = `id, target_id, change_type, field, previous_value, new_value, detected_at, detected_via,
	correlation_id, initiator, initiator_type, metadata`

type changeRow struct {
	ID            string  `db:"id"`
	TargetID      string  `db:"target_id"`
	ChangeType    string  `db:"change_type"`
	Field         *string `db:"field"`
	PreviousValue *string `db:"previous_value"`
	NewValue      *string `db:"new_value"`
	DetectedAt    string  `db:"detected_at"`
	DetectedVia   string  `db:"detected_via"`
	CorrelationID *string `db:"correlation_id"`
	Initiator     *string `db:"initiator"`
	InitiatorType *string `db:"initiator_type"`
	Metadata      string  `db:"metadata"`
}

func changesFromRows(rows []changeRow) ([]*models.GraphChange, error) {
	out := make([]*models.GraphChange, 0, len(rows))
	for _, r := range rows {
		c := &models.GraphChange{
			ID:            r.ID,
			TargetID:      r.TargetID,
			ChangeType:    models.ChangeType(r.ChangeType),
			Field:         r.Field,
			PreviousValue: r.PreviousValue,
			NewValue:      r.NewValue,
			DetectedAt:    r.DetectedAt,
			DetectedVia:   r.DetectedVia,
			CorrelationID: r.CorrelationID,
			Initiator:     r.Initiator,
		}
		if r.InitiatorType != nil {
			it := models.InitiatorType(*r.InitiatorType)
			c.InitiatorType = &it
		}
		if err := json.Unmarshal([]byte(r.Metadata), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for change %s: %w", r.ID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

const groupSelect = `SELECT g.id, g.name, g.group_type, g.description, g.owner, g.tags, g.created_at, g.updated_at,
	COALESCE((SELECT SUM(n.cost_monthly) FROM graph_group_members m JOIN graph_nodes n ON n.id = m.node_id
		WHERE m.group_id = g.id), 0) AS cost_monthly
	FROM graph_groups g`

type groupRow struct {
	ID          string  `db:"id"`
	Name        string  `db:"name"`
	GroupType   string  `db:"group_type"`
	Description string  `db:"description"`
	Owner       *string `db:"owner"`
	Tags        string  `db:"tags"`
	CreatedAt   string  `db:"created_at"`
	UpdatedAt   string  `db:"updated_at"`
	CostMonthly float64 `db:"cost_monthly"`
}

func groupsFromRows(rows []groupRow) ([]*models.GraphGroup, error) {
	out := make([]*models.GraphGroup, 0, len(rows))
	for _, r := range rows {
		g := &models.GraphGroup{
			ID:          r.ID,
			Name:        r.Name,
			GroupType:   r.GroupType,
			Description: r.Description,
			Owner:       r.Owner,
			CostMonthly: r.CostMonthly,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
		}
		if err := json.Unmarshal([]byte(r.Tags), &g.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for group %s: %w", r.ID, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Nodes

const upsertNodeSQL = `INSERT INTO graph_nodes (` + nodeColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	provider = excluded.provider,
	resource_type = excluded.resource_type,
	native_id = excluded.native_id,
	name = excluded.name,
	region = excluded.region,
	account = excluded.account,
	status = excluded.status,
	tags = excluded.tags,
	metadata = excluded.metadata,
	cost_monthly = excluded.cost_monthly,
	owner = excluded.owner,
	created_at = COALESCE(excluded.created_at, graph_nodes.created_at),
	updated_at = excluded.updated_at,
	last_seen_at = CASE WHEN excluded.last_seen_at > graph_nodes.last_seen_at
		THEN excluded.last_seen_at ELSE graph_nodes.last_seen_at END`

func (s *sqlStore) UpsertNode(ctx context.Context, node *models.GraphNodeInput) error {
	return s.UpsertNodes(ctx, []*models.GraphNodeInput{node})
}

func (s *sqlStore) UpsertNodes(ctx context.Context, nodes []*models.GraphNodeInput) error {
	now := models.Now()
	prepared := make([]*models.GraphNode, 0, len(nodes))
	for _, n := range nodes {
		p, err := prepareNode(n, now)
		if err != nil {
			return err
		}
		prepared = append(prepared, p)
	}
	if len(prepared) == 0 {
		return nil
	}
	return instrument(ctx, s.backend, "upsert_nodes", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			stmt, err := tx.PreparexContext(ctx, tx.Rebind(upsertNodeSQL))
			if err != nil {
				return fmt.Errorf("prepare node upsert: %w", err)
			}
			defer stmt.Close()
			for _, n := range prepared {
				if _, err := stmt.ExecContext(ctx,
					n.ID, n.Provider, n.ResourceType, n.NativeID, n.Name, n.Region, n.Account, string(n.Status),
					toJSON(n.Tags), toJSON(n.Metadata), n.CostMonthly, n.Owner,
					n.DiscoveredAt, n.CreatedAt, n.UpdatedAt, n.LastSeenAt,
				); err != nil {
					return fmt.Errorf("upsert node %s: %w", n.ID, err)
				}
			}
			return nil
		})
	})
}

func (s *sqlStore) getNodeWhere(ctx context.Context, op, where string, args ...any) (*models.GraphNode, error) {
	var out *models.GraphNode
	err := instrument(ctx, s.backend, op, func(ctx context.Context) error {
		var row nodeRow
		err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+nodeColumns+` FROM graph_nodes WHERE `+where), args...)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get node: %w", err)
		}
		out, err = row.toModel()
		return err
	})
	return out, err
}

func (s *sqlStore) GetNode(ctx context.Context, id string) (*models.GraphNode, error) {
	return s.getNodeWhere(ctx, "get_node", `id = ?`, id)
}

func (s *sqlStore) GetNodeByNativeID(ctx context.Context, provider, nativeID string) (*models.GraphNode, error) {
	return s.getNodeWhere(ctx, "get_node_by_native_id", `provider = ? AND native_id = ? ORDER BY id LIMIT 1`, provider, nativeID)
}

// nodeWhere renders f as a WHERE clause with ? placeholders and IN (?) slices.
func (s *sqlStore) nodeWhere(f models.NodeFilter) (string, []any, error) {
	if err := ValidateNodeFilter(f); err != nil {
		return "", nil, err
	}
	var conds []string
	var args []any
	if f.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, f.Provider)
	}
	if len(f.ResourceTypes) > 0 {
		conds = append(conds, "resource_type IN (?)")
		args = append(args, f.ResourceTypes)
	}
	if f.Region != "" {
		conds = append(conds, "region = ?")
		args = append(args, f.Region)
	}
	if f.Account != "" {
		conds = append(conds, "account = ?")
		args = append(args, f.Account)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, "status IN (?)")
		args = append(args, statuses)
	}
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.NamePattern != "" {
		conds = append(conds, `LOWER(name) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(f.NamePattern))+"%")
	}
	if f.MinCost != nil {
		conds = append(conds, "cost_monthly >= ?")
		args = append(args, *f.MinCost)
	}
	if f.MaxCost != nil {
		conds = append(conds, "cost_monthly <= ?")
		args = append(args, *f.MaxCost)
	}
	keys := make([]string, 0, len(f.Tags))
	for k := range f.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conds = append(conds, s.tagExpr(k)+" = ?")
		args = append(args, f.Tags[k])
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *sqlStore) QueryNodes(ctx context.Context, filter models.NodeFilter) ([]*models.GraphNode, error) {
	where, args, err := s.nodeWhere(filter)
	if err != nil {
		return nil, err
	}
	var out []*models.GraphNode
	err = instrument(ctx, s.backend, "query_nodes", func(ctx context.Context) error {
		q, a, err := s.in(`SELECT `+nodeColumns+` FROM graph_nodes`+where+` ORDER BY id`, args...)
		if err != nil {
			return err
		}
		var rows []nodeRow
		if err := s.db.SelectContext(ctx, &rows, q, a...); err != nil {
			return fmt.Errorf("query nodes: %w", err)
		}
		out, err = nodesFromRows(rows)
		return err
	})
	return out, err
}

func (s *sqlStore) QueryNodesPaginated(ctx context.Context, filter models.NodeFilter, page models.PaginationOptions) (*models.PaginatedResult[*models.GraphNode], error) {
	offset, limit, err := pageWindow(page)
	if err != nil {
		return nil, err
	}
	where, args, err := s.nodeWhere(filter)
	if err != nil {
		return nil, err
	}
	var out *models.PaginatedResult[*models.GraphNode]
	err = instrument(ctx, s.backend, "query_nodes_paginated", func(ctx context.Context) error {
		total, err := s.count(ctx, `SELECT COUNT(*) FROM graph_nodes`+where, args...)
		if err != nil {
			return err
		}
		q, a, err := s.in(`SELECT `+nodeColumns+` FROM graph_nodes`+where+` ORDER BY id LIMIT ? OFFSET ?`, append(args, limit, offset)...)
		if err != nil {
			return err
		}
		var rows []nodeRow
		if err := s.db.SelectContext(ctx, &rows, q, a...); err != nil {
			return fmt.Errorf("query nodes page: %w", err)
		}
		nodes, err := nodesFromRows(rows)
		if err != nil {
			return err
		}
		out = newPage(nodes, offset, limit, total)
		return nil
	})
	return out, err
}

func (s *sqlStore) count(ctx context.Context, query string, args ...any) (int, error) {
	q, a, err := s.in(query, args...)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, q, a...); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// DeleteNode removes the node; edges and memberships cascade. Changes are kept.
func (s *sqlStore) DeleteNode(ctx context.Context, id string) error {
	return instrument(ctx, s.backend, "delete_node", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM graph_edges WHERE source_node_id = ? OR target_node_id = ?`), id, id); err != nil {
				return fmt.Errorf("delete edges of node %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM graph_group_members WHERE node_id = ?`), id); err != nil {
				return fmt.Errorf("delete memberships of node %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM graph_nodes WHERE id = ?`), id); err != nil {
				return fmt.Errorf("delete node %s: %w", id, err)
			}
			return nil
		})
	})
}

func (s *sqlStore) MarkNodesDisappeared(ctx context.Context, olderThan string, provider string) ([]string, error) {
	cutoff := models.NormalizeTime(olderThan)
	where := `last_seen_at < ? AND status <> ?`
	args := []any{cutoff, string(models.StatusDisappeared)}
	if provider != "" {
		where += ` AND provider = ?`
		args = append(args, provider)
	}
	ids := make([]string, 0)
	err := instrument(ctx, s.backend, "mark_nodes_disappeared", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			if err := tx.SelectContext(ctx, &ids, tx.Rebind(`SELECT id FROM graph_nodes WHERE `+where+` ORDER BY id`), args...); err != nil {
				return fmt.Errorf("select stale nodes: %w", err)
			}
			if len(ids) == 0 {
				return nil
			}
			q, a, err := sqlx.In(`UPDATE graph_nodes SET status = ?, updated_at = ? WHERE id IN (?)`,
				string(models.StatusDisappeared), models.Now(), ids)
			if err != nil {
				return fmt.Errorf("expand query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), a...); err != nil {
				return fmt.Errorf("mark nodes disappeared: %w", err)
			}
			return nil
		})
	})
	return ids, err
}

// Edges

const upsertEdgeSQL = `INSERT INTO graph_edges (` + edgeColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	source_node_id = excluded.source_node_id,
	target_node_id = excluded.target_node_id,
	relationship_type = excluded.relationship_type,
	confidence = excluded.confidence,
	discovered_via = excluded.discovered_via,
	metadata = excluded.metadata,
	last_seen_at = CASE WHEN excluded.last_seen_at > graph_edges.last_seen_at
		THEN excluded.last_seen_at ELSE graph_edges.last_seen_at END`

func (s *sqlStore) UpsertEdge(ctx context.Context, edge *models.GraphEdgeInput) error {
	return s.UpsertEdges(ctx, []*models.GraphEdgeInput{edge})
}

func (s *sqlStore) UpsertEdges(ctx context.Context, edges []*models.GraphEdgeInput) error {
	now := models.Now()
	prepared := make([]*models.GraphEdge, 0, len(edges))
	endpoints := map[string]bool{}
	for _, e := range edges {
		p, err := prepareEdge(e, now)
		if err != nil {
			return err
		}
		prepared = append(prepared, p)
		endpoints[p.SourceNodeID] = true
		endpoints[p.TargetNodeID] = true
	}
	if len(prepared) == 0 {
		return nil
	}
	ids := make([]string, 0, len(endpoints))
	for id := range endpoints {
		ids = append(ids, id)
	}
	return instrument(ctx, s.backend, "upsert_edges", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			q, a, err := sqlx.In(`SELECT COUNT(*) FROM graph_nodes WHERE id IN (?)`, ids)
			if err != nil {
				return fmt.Errorf("expand query: %w", err)
			}
			var found int
			if err := tx.GetContext(ctx, &found, tx.Rebind(q), a...); err != nil {
				return fmt.Errorf("check edge endpoints: %w", err)
			}
			if found != len(ids) {
				return ErrUnknownNode.WithCause(fmt.Errorf("%d of %d endpoints missing", len(ids)-found, len(ids)))
			}
			stmt, err := tx.PreparexContext(ctx, tx.Rebind(upsertEdgeSQL))
			if err != nil {
				return fmt.Errorf("prepare edge upsert: %w", err)
			}
			defer stmt.Close()
			for _, e := range prepared {
				if _, err := stmt.ExecContext(ctx,
					e.ID, e.SourceNodeID, e.TargetNodeID, string(e.RelationshipType), e.Confidence,
					string(e.DiscoveredVia), toJSON(e.Metadata), e.CreatedAt, e.LastSeenAt,
				); err != nil {
					return fmt.Errorf("upsert edge %s: %w", e.ID, err)
				}
			}
			return nil
		})
	})
}

func (s *sqlStore) selectEdges(ctx context.Context, op, query string, args ...any) ([]*models.GraphEdge, error) {
	var out []*models.GraphEdge
	err := instrument(ctx, s.backend, op, func(ctx context.Context) error {
		q, a, err := s.in(query, args...)
		if err != nil {
			return err
		}
		var rows []edgeRow
		if err := s.db.SelectContext(ctx, &rows, q, a...); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		out, err = edgesFromRows(rows)
		return err
	})
	return out, err
}

func (s *sqlStore) GetEdge(ctx context.Context, id string) (*models.GraphEdge, error) {
	edges, err := s.selectEdges(ctx, "get_edge", `SELECT `+edgeColumns+` FROM graph_edges WHERE id = ?`, id)
	if err != nil || len(edges) == 0 {
		return nil, err
	}
	return edges[0], nil
}

func (s *sqlStore) GetEdgesForNode(ctx context.Context, nodeID string, direction models.Direction) ([]*models.GraphEdge, error) {
	var where string
	var args []any
	switch direction {
	case models.DirectionDownstream:
		where, args = `source_node_id = ?`, []any{nodeID}
	case models.DirectionUpstream:
		where, args = `target_node_id = ?`, []any{nodeID}
	default:
		where, args = `source_node_id = ? OR target_node_id = ?`, []any{nodeID, nodeID}
	}
	return s.selectEdges(ctx, "get_edges_for_node", `SELECT `+edgeColumns+` FROM graph_edges WHERE `+where+` ORDER BY id`, args...)
}

func edgeWhere(f models.EdgeFilter) (string, []any) {
	var conds []string
	var args []any
	if f.SourceNodeID != "" {
		conds = append(conds, "source_node_id = ?")
		args = append(args, f.SourceNodeID)
	}
	if f.TargetNodeID != "" {
		conds = append(conds, "target_node_id = ?")
		args = append(args, f.TargetNodeID)
	}
	if len(f.RelationshipTypes) > 0 {
		conds = append(conds, "relationship_type IN (?)")
		args = append(args, relTypeStrings(f.RelationshipTypes))
	}
	if f.MinConfidence != nil {
		conds = append(conds, "confidence >= ?")
		args = append(args, *f.MinConfidence)
	}
	if f.DiscoveredVia != "" {
		conds = append(conds, "discovered_via = ?")
		args = append(args, string(f.DiscoveredVia))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func relTypeStrings(types []models.RelationshipType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func (s *sqlStore) QueryEdges(ctx context.Context, filter models.EdgeFilter) ([]*models.GraphEdge, error) {
	where, args := edgeWhere(filter)
	return s.selectEdges(ctx, "query_edges", `SELECT `+edgeColumns+` FROM graph_edges`+where+` ORDER BY id`, args...)
}

func (s *sqlStore) QueryEdgesPaginated(ctx context.Context, filter models.EdgeFilter, page models.PaginationOptions) (*models.PaginatedResult[*models.GraphEdge], error) {
	offset, limit, err := pageWindow(page)
	if err != nil {
		return nil, err
	}
	where, args := edgeWhere(filter)
	total, err := s.count(ctx, `SELECT COUNT(*) FROM graph_edges`+where, args...)
	if err != nil {
		return nil, err
	}
	edges, err := s.selectEdges(ctx, "query_edges_paginated",
		`SELECT `+edgeColumns+` FROM graph_edges`+where+` ORDER BY id LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	return newPage(edges, offset, limit, total), nil
}

func (s *sqlStore) DeleteEdge(ctx context.Context, id string) error {
	return instrument(ctx, s.backend, "delete_edge", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM graph_edges WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete edge %s: %w", id, err)
		}
		return nil
	})
}

func (s *sqlStore) DeleteStaleEdges(ctx context.Context, olderThan string, provider string) (int, error) {
	q := `DELETE FROM graph_edges WHERE last_seen_at < ?`
	args := []any{models.NormalizeTime(olderThan)}
	if provider != "" {
		q += ` AND source_node_id IN (SELECT id FROM graph_nodes WHERE provider = ?)`
		args = append(args, provider)
	}
	var n int64
	err := instrument(ctx, s.backend, "delete_stale_edges", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
		if err != nil {
			return fmt.Errorf("delete stale edges: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// Changes

func (s *sqlStore) AppendChange(ctx context.Context, change *models.GraphChange) error {
	return s.AppendChanges(ctx, []*models.GraphChange{change})
}

func (s *sqlStore) AppendChanges(ctx context.Context, changes []*models.GraphChange) error {
	now := models.Now()
	prepared := make([]*models.GraphChange, 0, len(changes))
	for _, c := range changes {
		p, err := prepareChange(c, now, uuid.NewString)
		if err != nil {
			return err
		}
		prepared = append(prepared, p)
	}
	if len(prepared) == 0 {
		return nil
	}
	return instrument(ctx, s.backend, "append_changes", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			stmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO graph_changes (`+changeColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
			if err != nil {
				return fmt.Errorf("prepare change insert: %w", err)
			}
			defer stmt.Close()
			for _, c := range prepared {
				var initiatorType *string
				if c.InitiatorType != nil {
					v := string(*c.InitiatorType)
					initiatorType = &v
				}
				if _, err := stmt.ExecContext(ctx,
					c.ID, c.TargetID, string(c.ChangeType), c.Field, c.PreviousValue, c.NewValue,
					c.DetectedAt, c.DetectedVia, c.CorrelationID, c.Initiator, initiatorType, toJSON(c.Metadata),
				); err != nil {
					return fmt.Errorf("append change %s: %w", c.ID, err)
				}
			}
			return nil
		})
	})
}

func changeWhere(f models.ChangeFilter) (string, []any) {
	var conds []string
	var args []any
	if f.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if len(f.ChangeTypes) > 0 {
		types := make([]string, len(f.ChangeTypes))
		for i, t := range f.ChangeTypes {
			types[i] = string(t)
		}
		conds = append(conds, "change_type IN (?)")
		args = append(args, types)
	}
	if f.Since != "" {
		conds = append(conds, "detected_at >= ?")
		args = append(args, models.NormalizeTime(f.Since))
	}
	if f.Until != "" {
		conds = append(conds, "detected_at <= ?")
		args = append(args, models.NormalizeTime(f.Until))
	}
	if f.DetectedVia != "" {
		conds = append(conds, "detected_via = ?")
		args = append(args, f.DetectedVia)
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.InitiatorType != "" {
		conds = append(conds, "initiator_type = ?")
		args = append(args, string(f.InitiatorType))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqlStore) selectChanges(ctx context.Context, op, query string, args ...any) ([]*models.GraphChange, error) {
	var out []*models.GraphChange
	err := instrument(ctx, s.backend, op, func(ctx context.Context) error {
		q, a, err := s.in(query, args...)
		if err != nil {
			return err
		}
		var rows []changeRow
		if err := s.db.SelectContext(ctx, &rows, q, a...); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		out, err = changesFromRows(rows)
		return err
	})
	return out, err
}

func (s *sqlStore) GetChanges(ctx context.Context, filter models.ChangeFilter) ([]*models.GraphChange, error) {
	where, args := changeWhere(filter)
	q := `SELECT ` + changeColumns + ` FROM graph_changes` + where + ` ORDER BY detected_at DESC, id DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.selectChanges(ctx, "get_changes", q, args...)
}

func (s *sqlStore) GetChangesPaginated(ctx context.Context, filter models.ChangeFilter, page models.PaginationOptions) (*models.PaginatedResult[*models.GraphChange], error) {
	offset, limit, err := pageWindow(page)
	if err != nil {
		return nil, err
	}
	where, args := changeWhere(filter)
	total, err := s.count(ctx, `SELECT COUNT(*) FROM graph_changes`+where, args...)
	if err != nil {
		return nil, err
	}
	changes, err := s.selectChanges(ctx, "get_changes_paginated",
		`SELECT `+changeColumns+` FROM graph_changes`+where+` ORDER BY detected_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	return newPage(changes, offset, limit, total), nil
}

func (s *sqlStore) GetNodeTimeline(ctx context.Context, nodeID string, limit int) ([]*models.GraphChange, error) {
	return s.GetChanges(ctx, models.ChangeFilter{TargetID: nodeID, Limit: limit})
}

// Groups

func (s *sqlStore) UpsertGroup(ctx context.Context, group *models.GraphGroup) error {
	p, err := prepareGroup(group, models.Now(), uuid.NewString)
	if err != nil {
		return err
	}
	err = instrument(ctx, s.backend, "upsert_group", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO graph_groups
			(id, name, group_type, description, owner, tags, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				group_type = excluded.group_type,
				description = excluded.description,
				owner = excluded.owner,
				tags = excluded.tags,
				updated_at = excluded.updated_at`),
			p.ID, p.Name, p.GroupType, p.Description, p.Owner, toJSON(p.Tags), p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert group %s: %w", p.ID, err)
		}
		return nil
	})
	if err == nil {
		group.ID = p.ID
	}
	return err
}

func (s *sqlStore) selectGroups(ctx context.Context, op, query string, args ...any) ([]*models.GraphGroup, error) {
	var out []*models.GraphGroup
	err := instrument(ctx, s.backend, op, func(ctx context.Context) error {
		var rows []groupRow
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		var err error
		out, err = groupsFromRows(rows)
		return err
	})
	return out, err
}

func (s *sqlStore) GetGroup(ctx context.Context, id string) (*models.GraphGroup, error) {
	groups, err := s.selectGroups(ctx, "get_group", groupSelect+` WHERE g.id = ?`, id)
	if err != nil || len(groups) == 0 {
		return nil, err
	}
	return groups[0], nil
}

func (s *sqlStore) ListGroups(ctx context.Context, filter models.GroupFilter) ([]*models.GraphGroup, error) {
	var conds []string
	var args []any
	if filter.GroupType != "" {
		conds = append(conds, "g.group_type = ?")
		args = append(args, filter.GroupType)
	}
	if filter.Owner != "" {
		conds = append(conds, "g.owner = ?")
		args = append(args, filter.Owner)
	}
	q := groupSelect
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	return s.selectGroups(ctx, "list_groups", q+` ORDER BY g.id`, args...)
}

func (s *sqlStore) DeleteGroup(ctx context.Context, id string) error {
	return instrument(ctx, s.backend, "delete_group", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM graph_group_members WHERE group_id = ?`), id); err != nil {
				return fmt.Errorf("delete members of group %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM graph_groups WHERE id = ?`), id); err != nil {
				return fmt.Errorf("delete group %s: %w", id, err)
			}
			return nil
		})
	})
}

func (s *sqlStore) AddGroupMember(ctx context.Context, groupID, nodeID string) error {
	return instrument(ctx, s.backend, "add_group_member", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			var n int
			if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM graph_groups WHERE id = ?`), groupID); err != nil {
				return fmt.Errorf("check group: %w", err)
			}
			if n == 0 {
				return ErrUnknownGroup.WithCause(fmt.Errorf("group %s", groupID))
			}
			if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM graph_nodes WHERE id = ?`), nodeID); err != nil {
				return fmt.Errorf("check node: %w", err)
			}
			if n == 0 {
				return ErrUnknownNode.WithCause(fmt.Errorf("node %s", nodeID))
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO graph_group_members (group_id, node_id, added_at)
				VALUES (?, ?, ?) ON CONFLICT (group_id, node_id) DO NOTHING`), groupID, nodeID, models.Now()); err != nil {
				return fmt.Errorf("add group member: %w", err)
			}
			return nil
		})
	})
}

func (s *sqlStore) RemoveGroupMember(ctx context.Context, groupID, nodeID string) error {
	return instrument(ctx, s.backend, "remove_group_member", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM graph_group_members WHERE group_id = ? AND node_id = ?`), groupID, nodeID); err != nil {
			return fmt.Errorf("remove group member: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) GetGroupMembers(ctx context.Context, groupID string) ([]*models.GraphNode, error) {
	var out []*models.GraphNode
	err := instrument(ctx, s.backend, "get_group_members", func(ctx context.Context) error {
		var rows []nodeRow
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+nodeColumns+` FROM graph_nodes
			WHERE id IN (SELECT node_id FROM graph_group_members WHERE group_id = ?) ORDER BY id`), groupID); err != nil {
			return fmt.Errorf("get group members: %w", err)
		}
		var err error
		out, err = nodesFromRows(rows)
		return err
	})
	return out, err
}

func (s *sqlStore) GetNodeGroups(ctx context.Context, nodeID string) ([]*models.GraphGroup, error) {
	return s.selectGroups(ctx, "get_node_groups",
		groupSelect+` WHERE g.id IN (SELECT group_id FROM graph_group_members WHERE node_id = ?) ORDER BY g.id`, nodeID)
}

// Traversal

// reachSQL computes the reachable set with a recursive CTE. UNION deduplicates
// (id, depth) pairs and the depth bound guarantees termination on cycles.
func reachSQL(direction models.Direction, filterTypes bool) string {
	var next, join string
	switch direction {
	case models.DirectionDownstream:
		next, join = "e.target_node_id", "e.source_node_id = r.id"
	case models.DirectionUpstream:
		next, join = "e.source_node_id", "e.target_node_id = r.id"
	default:
		next = "CASE WHEN e.source_node_id = r.id THEN e.target_node_id ELSE e.source_node_id END"
		join = "(e.source_node_id = r.id OR e.target_node_id = r.id)"
	}
	typeClause := ""
	if filterTypes {
		typeClause = " AND e.relationship_type IN (?)"
	}
	return `WITH RECURSIVE reach(id, depth) AS (
	SELECT CAST(? AS TEXT), 0
	UNION
	SELECT ` + next + `, r.depth + 1 FROM reach r JOIN graph_edges e ON ` + join + `
	WHERE r.depth < ?` + typeClause + `
)
SELECT DISTINCT id FROM reach`
}

func (s *sqlStore) GetNeighbors(ctx context.Context, nodeID string, depth int, direction models.Direction, edgeTypes []models.RelationshipType) (*models.SubgraphResult, error) {
	result := &models.SubgraphResult{Nodes: []*models.GraphNode{}, Edges: []*models.GraphEdge{}}
	root, err := s.GetNode(ctx, nodeID)
	if err != nil || root == nil {
		return result, err
	}
	direction = normalizeDirection(direction)

	err = instrument(ctx, s.backend, "get_neighbors", func(ctx context.Context) error {
		args := []any{nodeID, ClampDepth(depth)}
		if len(edgeTypes) > 0 {
			args = append(args, relTypeStrings(edgeTypes))
		}
		q, a, err := s.in(reachSQL(direction, len(edgeTypes) > 0), args...)
		if err != nil {
			return err
		}
		var ids []string
		if err := s.db.SelectContext(ctx, &ids, q, a...); err != nil {
			return fmt.Errorf("traverse from %s: %w", nodeID, err)
		}

		q, a, err = s.in(`SELECT `+nodeColumns+` FROM graph_nodes WHERE id IN (?) ORDER BY id`, ids)
		if err != nil {
			return err
		}
		var nodeRows []nodeRow
		if err := s.db.SelectContext(ctx, &nodeRows, q, a...); err != nil {
			return fmt.Errorf("load reached nodes: %w", err)
		}
		if result.Nodes, err = nodesFromRows(nodeRows); err != nil {
			return err
		}

		q, a, err = s.in(`SELECT `+edgeColumns+` FROM graph_edges WHERE source_node_id IN (?) AND target_node_id IN (?) ORDER BY id`, ids, ids)
		if err != nil {
			return err
		}
		var edgeRows []edgeRow
		if err := s.db.SelectContext(ctx, &edgeRows, q, a...); err != nil {
			return fmt.Errorf("load induced edges: %w", err)
		}
		candidates, err := edgesFromRows(edgeRows)
		if err != nil {
			return err
		}
		reached := make(map[string]bool, len(ids))
		for _, id := range ids {
			reached[id] = true
		}
		result.Edges = inducedEdges(candidates, reached, edgeTypes)
		return nil
	})
	return result, err
}

// Stats

func (s *sqlStore) GetStats(ctx context.Context) (*models.GraphStats, error) {
	stats := &models.GraphStats{
		NodesByProvider:         map[string]int{},
		NodesByResourceType:     map[string]int{},
		EdgesByRelationshipType: map[string]int{},
	}
	err := instrument(ctx, s.backend, "get_stats", func(ctx context.Context) error {
		var totals struct {
			Nodes    int     `db:"nodes"`
			Cost     float64 `db:"cost"`
			LastSeen *string `db:"last_seen"`
		}
		if err := s.db.GetContext(ctx, &totals, `SELECT COUNT(*) AS nodes, COALESCE(SUM(cost_monthly), 0) AS cost,
			MAX(last_seen_at) AS last_seen FROM graph_nodes`); err != nil {
			return fmt.Errorf("node totals: %w", err)
		}
		stats.TotalNodes, stats.TotalCostMonthly, stats.LastSyncAt = totals.Nodes, totals.Cost, totals.LastSeen

		var changes struct {
			Total  int     `db:"total"`
			Oldest *string `db:"oldest"`
			Newest *string `db:"newest"`
		}
		if err := s.db.GetContext(ctx, &changes, `SELECT COUNT(*) AS total, MIN(detected_at) AS oldest,
			MAX(detected_at) AS newest FROM graph_changes`); err != nil {
			return fmt.Errorf("change totals: %w", err)
		}
		stats.TotalChanges, stats.OldestChange, stats.NewestChange = changes.Total, changes.Oldest, changes.Newest

		if err := s.db.GetContext(ctx, &stats.TotalEdges, `SELECT COUNT(*) FROM graph_edges`); err != nil {
			return fmt.Errorf("edge total: %w", err)
		}
		if err := s.db.GetContext(ctx, &stats.TotalGroups, `SELECT COUNT(*) FROM graph_groups`); err != nil {
			return fmt.Errorf("group total: %w", err)
		}

		type bucket struct {
			Key   string `db:"k"`
			Count int    `db:"c"`
		}
		breakdowns := []struct {
			query string
			into  map[string]int
		}{
			{`SELECT provider AS k, COUNT(*) AS c FROM graph_nodes GROUP BY provider`, stats.NodesByProvider},
			{`SELECT resource_type AS k, COUNT(*) AS c FROM graph_nodes GROUP BY resource_type`, stats.NodesByResourceType},
			{`SELECT relationship_type AS k, COUNT(*) AS c FROM graph_edges GROUP BY relationship_type`, stats.EdgesByRelationshipType},
		}
		for _, bd := range breakdowns {
			var buckets []bucket
			if err := s.db.SelectContext(ctx, &buckets, bd.query); err != nil {
				return fmt.Errorf("stats breakdown: %w", err)
			}
			for _, b := range buckets {
				bd.into[b.Key] = b.Count
			}
		}
		return nil
	})
	return stats, err
}
