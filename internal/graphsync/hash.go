// Package graphsync reconciles discovered resources with graph storage:
// content hashing for drift detection, incremental upserts, and bounded
// concurrency helpers for bulk discovery.
package graphsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// hashedNode is the drift allow-list. Metadata is not hashed; it is
// compared by DiffNodeFields for display but never changes classification.
type hashedNode struct {
	Name   string            `json:"name"`
	Status string            `json:"status"`
	Tags   map[string]string `json:"tags"`
	Cost   *float64          `json:"cost"`
	Owner  *string           `json:"owner"`
}

// ComputeNodeHash returns a SHA-256 hex digest over name, status, tags, cost and owner.
// encoding/json sorts map keys, so tag insertion order does not affect the result.
func ComputeNodeHash(n *models.GraphNode) string {
	h := hashedNode{
		Name:   n.Name,
		Status: string(n.Status),
		Tags:   n.Tags,
		Cost:   n.CostMonthly,
		Owner:  n.Owner,
	}
	if h.Tags == nil {
		h.Tags = map[string]string{}
	}
	b, _ := json.Marshal(h)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DiffNodeFields lists the fields that differ between existing and incoming.
func DiffNodeFields(existing, incoming *models.GraphNode) []string {
	changed := make([]string, 0)
	if existing.Name != incoming.Name {
		changed = append(changed, "name")
	}
	if existing.Status != incoming.Status {
		changed = append(changed, "status")
	}
	if existing.Region != incoming.Region {
		changed = append(changed, "region")
	}
	if existing.Account != incoming.Account {
		changed = append(changed, "account")
	}
	if existing.OwnerOrEmpty() != incoming.OwnerOrEmpty() || (existing.Owner == nil) != (incoming.Owner == nil) {
		changed = append(changed, "owner")
	}
	if !sameCost(existing.CostMonthly, incoming.CostMonthly) {
		changed = append(changed, "costMonthly")
	}
	if !sameTags(existing.Tags, incoming.Tags) {
		changed = append(changed, "tags")
	}
	if !sameMetadata(existing.Metadata, incoming.Metadata) {
		changed = append(changed, "metadata")
	}
	return changed
}

func sameCost(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameTags(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// sameMetadata compares through a JSON round trip so numbers decoded from
// storage (float64) equal the ints a discovery adapter may hand in.
func sameMetadata(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(m map[string]any) any {
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}
