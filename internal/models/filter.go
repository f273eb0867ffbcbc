package models

// NodeFilter is an AND of every present field.
type NodeFilter struct {
	Provider      string            `json:"provider,omitempty"`
	ResourceTypes []string          `json:"resource_types,omitempty"`
	Region        string            `json:"region,omitempty"`
	Account       string            `json:"account,omitempty"`
	Statuses      []NodeStatus      `json:"statuses,omitempty"`
	Owner         string            `json:"owner,omitempty"`
	NamePattern   string            `json:"name_pattern,omitempty"`
	MinCost       *float64          `json:"min_cost,omitempty"`
	MaxCost       *float64          `json:"max_cost,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// EdgeFilter narrows edge queries.
type EdgeFilter struct {
	SourceNodeID      string             `json:"source_node_id,omitempty"`
	TargetNodeID      string             `json:"target_node_id,omitempty"`
	RelationshipTypes []RelationshipType `json:"relationship_types,omitempty"`
	MinConfidence     *float64           `json:"min_confidence,omitempty"`
	DiscoveredVia     DiscoveryMethod    `json:"discovered_via,omitempty"`
}

// ChangeFilter narrows changelog queries. Since/Until are inclusive ISO timestamps.
type ChangeFilter struct {
	TargetID      string        `json:"target_id,omitempty"`
	ChangeTypes   []ChangeType  `json:"change_types,omitempty"`
	Since         string        `json:"since,omitempty"`
	Until         string        `json:"until,omitempty"`
	DetectedVia   string        `json:"detected_via,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	InitiatorType InitiatorType `json:"initiator_type,omitempty"`
	Limit         int           `json:"limit,omitempty"`
}

// GroupFilter narrows group listing.
type GroupFilter struct {
	GroupType string `json:"group_type,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// PaginationOptions: Cursor is opaque, produced by a previous page.
type PaginationOptions struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// PaginatedResult is one page of T.
type PaginatedResult[T any] struct {
	Items      []T    `json:"items"`
	TotalCount int    `json:"total_count"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}
