package graphstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// migrations are portable across SQLite and PostgreSQL: TEXT timestamps in
// models.TimeFormat, JSON bags in TEXT columns. Version is tracked in schema_versions.
var migrations = []struct {
	version int
	sql     []string
}{
	{
		version: 1,
		sql: []string{
			`CREATE TABLE IF NOT EXISTS graph_nodes (
    id             TEXT PRIMARY KEY,
    provider       TEXT NOT NULL,
    resource_type  TEXT NOT NULL,
    native_id      TEXT NOT NULL DEFAULT '',
    name           TEXT NOT NULL DEFAULT '',
    region         TEXT NOT NULL DEFAULT '',
    account        TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'unknown',
    tags           TEXT NOT NULL DEFAULT '{}',
    metadata       TEXT NOT NULL DEFAULT '{}',
    cost_monthly   DOUBLE PRECISION,
    owner          TEXT,
    discovered_at  TEXT NOT NULL,
    created_at     TEXT,
    updated_at     TEXT NOT NULL,
    last_seen_at   TEXT NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_nodes_provider ON graph_nodes(provider)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_nodes_resource_type ON graph_nodes(resource_type)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_nodes_native ON graph_nodes(provider, native_id)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_nodes_last_seen ON graph_nodes(last_seen_at)`,
			`CREATE TABLE IF NOT EXISTS graph_edges (
    id                 TEXT PRIMARY KEY,
    source_node_id     TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
    target_node_id     TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
    relationship_type  TEXT NOT NULL,
    confidence         DOUBLE PRECISION NOT NULL DEFAULT 1,
    discovered_via     TEXT NOT NULL DEFAULT 'api-field',
    metadata           TEXT NOT NULL DEFAULT '{}',
    created_at         TEXT NOT NULL,
    last_seen_at       TEXT NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(source_node_id)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target_node_id)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_edges_type ON graph_edges(relationship_type)`,
			`CREATE TABLE IF NOT EXISTS graph_changes (
    id              TEXT PRIMARY KEY,
    target_id       TEXT NOT NULL,
    change_type     TEXT NOT NULL,
    field           TEXT,
    previous_value  TEXT,
    new_value       TEXT,
    detected_at     TEXT NOT NULL,
    detected_via    TEXT NOT NULL DEFAULT '',
    correlation_id  TEXT,
    initiator       TEXT,
    initiator_type  TEXT,
    metadata        TEXT NOT NULL DEFAULT '{}'
)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_changes_target ON graph_changes(target_id, detected_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_changes_detected ON graph_changes(detected_at DESC)`,
			`CREATE TABLE IF NOT EXISTS graph_groups (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    group_type   TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    owner        TEXT,
    tags         TEXT NOT NULL DEFAULT '{}',
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS graph_group_members (
    group_id  TEXT NOT NULL REFERENCES graph_groups(id) ON DELETE CASCADE,
    node_id   TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
    added_at  TEXT NOT NULL,
    PRIMARY KEY (group_id, node_id)
)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_group_members_node ON graph_group_members(node_id)`,
		},
	},
	// Migration 2: temporal snapshots
	{
		version: 2,
		sql: []string{
			`CREATE TABLE IF NOT EXISTS graph_snapshots (
    id                  TEXT PRIMARY KEY,
    created_at          TEXT NOT NULL,
    trigger_kind        TEXT NOT NULL,
    provider            TEXT,
    label               TEXT,
    node_count          INTEGER NOT NULL DEFAULT 0,
    edge_count          INTEGER NOT NULL DEFAULT 0,
    total_cost_monthly  DOUBLE PRECISION NOT NULL DEFAULT 0,
    size_bytes          INTEGER NOT NULL DEFAULT 0
)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_snapshots_created ON graph_snapshots(created_at)`,
			`CREATE TABLE IF NOT EXISTS graph_node_versions (
    snapshot_id  TEXT NOT NULL REFERENCES graph_snapshots(id) ON DELETE CASCADE,
    node_id      TEXT NOT NULL,
    data         TEXT NOT NULL,
    captured_at  TEXT NOT NULL,
    PRIMARY KEY (snapshot_id, node_id)
)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_node_versions_node ON graph_node_versions(node_id, captured_at DESC)`,
			`CREATE TABLE IF NOT EXISTS graph_edge_versions (
    snapshot_id  TEXT NOT NULL REFERENCES graph_snapshots(id) ON DELETE CASCADE,
    edge_id      TEXT NOT NULL,
    data         TEXT NOT NULL,
    captured_at  TEXT NOT NULL,
    PRIMARY KEY (snapshot_id, edge_id)
)`,
		},
	},
}

// migrate applies every migration not yet recorded in schema_versions.
func migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := db.GetContext(ctx, &count, db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.sql {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)`), m.version, models.Now()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
