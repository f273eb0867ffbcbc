package models

type ChangeType string

const (
	ChangeNodeCreated     ChangeType = "node-created"
	ChangeNodeUpdated     ChangeType = "node-updated"
	ChangeNodeDeleted     ChangeType = "node-deleted"
	ChangeNodeDrifted     ChangeType = "node-drifted"
	ChangeNodeDisappeared ChangeType = "node-disappeared"
	ChangeEdgeCreated     ChangeType = "edge-created"
	ChangeEdgeDeleted     ChangeType = "edge-deleted"
	ChangeCostChanged     ChangeType = "cost-changed"
)

type InitiatorType string

const (
	InitiatorHuman   InitiatorType = "human"
	InitiatorAgent   InitiatorType = "agent"
	InitiatorSystem  InitiatorType = "system"
	InitiatorUnknown InitiatorType = "unknown"
)

// GraphChange is an append-only changelog entry.
type GraphChange struct {
	ID            string         `json:"id"`
	TargetID      string         `json:"target_id"`
	ChangeType    ChangeType     `json:"change_type"`
	Field         *string        `json:"field,omitempty"`
	PreviousValue *string        `json:"previous_value,omitempty"`
	NewValue      *string        `json:"new_value,omitempty"`
	DetectedAt    string         `json:"detected_at"`
	DetectedVia   string         `json:"detected_via"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	Initiator     *string        `json:"initiator,omitempty"`
	InitiatorType *InitiatorType `json:"initiator_type,omitempty"`
	Metadata      map[string]any `json:"metadata"`
}

// GraphGroup is a named logical grouping of nodes.
type GraphGroup struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	GroupType   string            `json:"group_type"`
	Description string            `json:"description"`
	Owner       *string           `json:"owner"`
	Tags        map[string]string `json:"tags"`
	CostMonthly float64           `json:"cost_monthly"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// GroupMember links a node to a group.
type GroupMember struct {
	GroupID string `json:"group_id"`
	NodeID  string `json:"node_id"`
	AddedAt string `json:"added_at"`
}

// SubgraphResult is the induced subgraph returned by traversal.
type SubgraphResult struct {
	Nodes []*GraphNode `json:"nodes"`
	Edges []*GraphEdge `json:"edges"`
}

// GraphStats aggregates the whole graph.
type GraphStats struct {
	TotalNodes              int            `json:"total_nodes"`
	TotalEdges              int            `json:"total_edges"`
	TotalChanges            int            `json:"total_changes"`
	TotalGroups             int            `json:"total_groups"`
	NodesByProvider         map[string]int `json:"nodes_by_provider"`
	NodesByResourceType     map[string]int `json:"nodes_by_resource_type"`
	EdgesByRelationshipType map[string]int `json:"edges_by_relationship_type"`
	TotalCostMonthly        float64        `json:"total_cost_monthly"`
	LastSyncAt              *string        `json:"last_sync_at"`
	OldestChange            *string        `json:"oldest_change"`
	NewestChange            *string        `json:"newest_change"`
}
