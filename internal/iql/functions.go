package iql

import (
	"fmt"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

type function struct {
	name             string
	minArgs, maxArgs int
	call             func(e *evaluator, n *models.GraphNode, args []any) (bool, error)
}

func (f function) arity() string {
	if f.minArgs == f.maxArgs {
		return fmt.Sprintf("%d argument(s)", f.minArgs)
	}
	return fmt.Sprintf("%d to %d arguments", f.minArgs, f.maxArgs)
}

var functions map[string]function

func init() {
	functions = map[string]function{
		"tagged":         {name: "tagged", minArgs: 1, maxArgs: 2, call: fnTagged},
		"drifted_since":  {name: "drifted_since", minArgs: 1, maxArgs: 1, call: fnDriftedSince},
		"created_after":  {name: "created_after", minArgs: 1, maxArgs: 1, call: fnCreatedAfter},
		"created_before": {name: "created_before", minArgs: 1, maxArgs: 1, call: fnCreatedBefore},
		"has_edge":       {name: "has_edge", minArgs: 1, maxArgs: 1, call: fnHasEdge},
	}
}

// tagged(key) is true when the tag exists; tagged(key, value) also checks its value.
func fnTagged(_ *evaluator, n *models.GraphNode, args []any) (bool, error) {
	v, ok := n.Tags[stringify(args[0])]
	if !ok {
		return false, nil
	}
	if len(args) == 2 {
		return v == stringify(args[1]), nil
	}
	return true, nil
}

func fnDriftedSince(e *evaluator, n *models.GraphNode, args []any) (bool, error) {
	ids, err := e.changedSince(e.timestamp(args[0]))
	if err != nil {
		return false, err
	}
	return ids[n.ID], nil
}

// createdAt falls back to discoveredAt for resources whose provider reports no creation time.
func createdAt(n *models.GraphNode) string {
	if n.CreatedAt != nil && *n.CreatedAt != "" {
		return *n.CreatedAt
	}
	return n.DiscoveredAt
}

func fnCreatedAfter(e *evaluator, n *models.GraphNode, args []any) (bool, error) {
	return createdAt(n) > e.timestamp(args[0]), nil
}

func fnCreatedBefore(e *evaluator, n *models.GraphNode, args []any) (bool, error) {
	return createdAt(n) < e.timestamp(args[0]), nil
}

func fnHasEdge(e *evaluator, n *models.GraphNode, args []any) (bool, error) {
	ids, err := e.endpointsOf(models.RelationshipType(stringify(args[0])))
	if err != nil {
		return false, err
	}
	return ids[n.ID], nil
}
