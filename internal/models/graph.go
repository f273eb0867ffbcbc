package models

import "time"

// TimeFormat is the ISO-8601 layout used for every stored timestamp. Fixed
// millisecond precision keeps lexicographic and chronological order identical.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeFormat (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Now returns the current instant in TimeFormat.
func Now() string {
	return FormatTime(time.Now())
}

// ParseTime accepts TimeFormat, RFC3339 (with or without fraction) and plain dates.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeFormat, time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: TimeFormat, Value: s, Message: ": unrecognized timestamp"}
}

// NormalizeTime re-renders a parseable timestamp in TimeFormat; unparseable input is returned as is.
func NormalizeTime(s string) string {
	if s == "" {
		return s
	}
	t, err := ParseTime(s)
	if err != nil {
		return s
	}
	return FormatTime(t)
}

type NodeStatus string

const (
	StatusRunning     NodeStatus = "running"
	StatusStopped     NodeStatus = "stopped"
	StatusPending     NodeStatus = "pending"
	StatusCreating    NodeStatus = "creating"
	StatusDeleting    NodeStatus = "deleting"
	StatusDeleted     NodeStatus = "deleted"
	StatusError       NodeStatus = "error"
	StatusUnknown     NodeStatus = "unknown"
	StatusDisappeared NodeStatus = "disappeared"
)

type RelationshipType string

const (
	RelDependsOn    RelationshipType = "depends-on"
	RelRoutesTo     RelationshipType = "routes-to"
	RelIAMTrust     RelationshipType = "iam-trust"
	RelContains     RelationshipType = "contains"
	RelAttachedTo   RelationshipType = "attached-to"
	RelMemberOf     RelationshipType = "member-of"
	RelConnectsTo   RelationshipType = "connects-to"
	RelUses         RelationshipType = "uses"
	RelReplicatesTo RelationshipType = "replicates-to"
	RelPeersWith    RelationshipType = "peers-with"
	RelEncryptsWith RelationshipType = "encrypts-with"
	RelLogsTo       RelationshipType = "logs-to"
	RelRunsIn       RelationshipType = "runs-in"
	RelSecuredBy    RelationshipType = "secured-by"
	RelOther        RelationshipType = "other"
)

type DiscoveryMethod string

const (
	DiscoveredViaAPIField     DiscoveryMethod = "api-field"
	DiscoveredViaConfigScan   DiscoveryMethod = "config-scan"
	DiscoveredViaIaCParse     DiscoveryMethod = "iac-parse"
	DiscoveredViaRuntimeTrace DiscoveryMethod = "runtime-trace"
	DiscoveredViaManual       DiscoveryMethod = "manual"
	DiscoveredViaInferred     DiscoveryMethod = "inferred"
)

// Direction selects which way edges are followed during traversal.
type Direction string

const (
	DirectionDownstream Direction = "downstream"
	DirectionUpstream   Direction = "upstream"
	DirectionBoth       Direction = "both"
)

// GraphNode is a discovered resource.
type GraphNode struct {
	ID           string            `json:"id"`
	Provider     string            `json:"provider"`
	ResourceType string            `json:"resource_type"`
	NativeID     string            `json:"native_id"`
	Name         string            `json:"name"`
	Region       string            `json:"region"`
	Account      string            `json:"account"`
	Status       NodeStatus        `json:"status"`
	Tags         map[string]string `json:"tags"`
	Metadata     map[string]any    `json:"metadata"`
	CostMonthly  *float64          `json:"cost_monthly"`
	Owner        *string           `json:"owner"`
	DiscoveredAt string            `json:"discovered_at"`
	CreatedAt    *string           `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
	LastSeenAt   string            `json:"last_seen_at"`
}

// GraphNodeInput is what discovery adapters produce; bookkeeping timestamps are optional.
type GraphNodeInput = GraphNode

// Cost returns CostMonthly or 0 when unset.
func (n *GraphNode) Cost() float64 {
	if n == nil || n.CostMonthly == nil {
		return 0
	}
	return *n.CostMonthly
}

// OwnerOrEmpty returns Owner or "" when unset.
func (n *GraphNode) OwnerOrEmpty() string {
	if n == nil || n.Owner == nil {
		return ""
	}
	return *n.Owner
}

// Clone returns a deep copy of the node.
func (n *GraphNode) Clone() *GraphNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Tags != nil {
		c.Tags = make(map[string]string, len(n.Tags))
		for k, v := range n.Tags {
			c.Tags[k] = v
		}
	}
	c.Metadata = cloneMap(n.Metadata)
	if n.CostMonthly != nil {
		v := *n.CostMonthly
		c.CostMonthly = &v
	}
	if n.Owner != nil {
		v := *n.Owner
		c.Owner = &v
	}
	if n.CreatedAt != nil {
		v := *n.CreatedAt
		c.CreatedAt = &v
	}
	return &c
}

// GraphEdge is a directed relationship between two nodes.
type GraphEdge struct {
	ID               string           `json:"id"`
	SourceNodeID     string           `json:"source_node_id"`
	TargetNodeID     string           `json:"target_node_id"`
	RelationshipType RelationshipType `json:"relationship_type"`
	Confidence       float64          `json:"confidence"`
	DiscoveredVia    DiscoveryMethod  `json:"discovered_via"`
	Metadata         map[string]any   `json:"metadata"`
	CreatedAt        string           `json:"created_at"`
	LastSeenAt       string           `json:"last_seen_at"`
}

type GraphEdgeInput = GraphEdge

// Clone returns a deep copy of the edge.
func (e *GraphEdge) Clone() *GraphEdge {
	if e == nil {
		return nil
	}
	c := *e
	c.Metadata = cloneMap(e.Metadata)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Float64Ptr and StringPtr are helpers for nullable node fields.
func Float64Ptr(v float64) *float64 { return &v }

func StringPtr(v string) *string { return &v }
