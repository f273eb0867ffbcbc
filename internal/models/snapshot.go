package models

type SnapshotTrigger string

const (
	TriggerSync      SnapshotTrigger = "sync"
	TriggerManual    SnapshotTrigger = "manual"
	TriggerScheduled SnapshotTrigger = "scheduled"
)

// GraphSnapshot is an immutable capture of the graph at CreatedAt.
type GraphSnapshot struct {
	ID               string          `json:"id"`
	CreatedAt        string          `json:"created_at"`
	Trigger          SnapshotTrigger `json:"trigger"`
	Provider         *string         `json:"provider,omitempty"`
	Label            *string         `json:"label,omitempty"`
	NodeCount        int             `json:"node_count"`
	EdgeCount        int             `json:"edge_count"`
	TotalCostMonthly float64         `json:"total_cost_monthly"`
	SizeBytes        int             `json:"size_bytes"`
}

// NodeVersion is a node's state inside one snapshot.
type NodeVersion struct {
	NodeID     string     `json:"node_id"`
	SnapshotID string     `json:"snapshot_id"`
	Node       *GraphNode `json:"node"`
	CapturedAt string     `json:"captured_at"`
}

// EdgeVersion is an edge's state inside one snapshot.
type EdgeVersion struct {
	EdgeID     string     `json:"edge_id"`
	SnapshotID string     `json:"snapshot_id"`
	Edge       *GraphEdge `json:"edge"`
	CapturedAt string     `json:"captured_at"`
}

// NodeChangeDiff describes one node present in both sides of a diff.
type NodeChangeDiff struct {
	NodeID        string     `json:"node_id"`
	Before        *GraphNode `json:"before"`
	After         *GraphNode `json:"after"`
	ChangedFields []string   `json:"changed_fields"`
}

// SnapshotDiff is the delta between two snapshots.
type SnapshotDiff struct {
	FromSnapshot *GraphSnapshot    `json:"from_snapshot"`
	ToSnapshot   *GraphSnapshot    `json:"to_snapshot"`
	AddedNodes   []*GraphNode      `json:"added_nodes"`
	RemovedNodes []*GraphNode      `json:"removed_nodes"`
	ChangedNodes []*NodeChangeDiff `json:"changed_nodes"`
	AddedEdges   []*GraphEdge      `json:"added_edges"`
	RemovedEdges []*GraphEdge      `json:"removed_edges"`
	CostDelta    float64           `json:"cost_delta"`
}
