package iql

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// evaluator applies a condition tree to nodes. Lookups needed by functions are
// fetched once per query and memoised.
type evaluator struct {
	ctx     context.Context
	storage graphstore.Storage
	now     func() time.Time

	patterns  map[string]*regexp.Regexp
	drift     map[string]map[string]bool
	endpoints map[models.RelationshipType]map[string]bool
}

func newEvaluator(ctx context.Context, storage graphstore.Storage, now func() time.Time) *evaluator {
	return &evaluator{
		ctx:       ctx,
		storage:   storage,
		now:       now,
		patterns:  map[string]*regexp.Regexp{},
		drift:     map[string]map[string]bool{},
		endpoints: map[models.RelationshipType]map[string]bool{},
	}
}

func (e *evaluator) filter(c Condition, nodes []*models.GraphNode) ([]*models.GraphNode, error) {
	if c == nil {
		return nodes, nil
	}
	out := make([]*models.GraphNode, 0, len(nodes))
	for _, n := range nodes {
		ok, err := e.eval(c, n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (e *evaluator) eval(c Condition, n *models.GraphNode) (bool, error) {
	switch c := c.(type) {
	case nil:
		return true, nil
	case *AndCondition:
		for _, child := range c.Conditions {
			ok, err := e.eval(child, n)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *OrCondition:
		for _, child := range c.Conditions {
			ok, err := e.eval(child, n)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *NotCondition:
		ok, err := e.eval(c.Inner, n)
		return !ok, err
	case *FunctionCondition:
		fn, ok := functions[c.Name]
		if !ok {
			return false, fmt.Errorf("unknown function %q", c.Name)
		}
		return fn.call(e, n, c.Args)
	case *FieldCondition:
		if isDepthField(c.Field) {
			// depth bounds the traversal; it is not a node attribute.
			return true, nil
		}
		actual, present := resolveField(n, c.Field)
		return e.compare(c.Op, actual, present, e.resolve(c.Value))
	}
	return false, fmt.Errorf("unsupported condition %T", c)
}

func isDepthField(f string) bool { return strings.EqualFold(f, "depth") }

// resolve substitutes NOW and walks IN lists.
func (e *evaluator) resolve(v any) any {
	switch v := v.(type) {
	case nowValue:
		return models.FormatTime(e.now())
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.resolve(item)
		}
		return out
	}
	return v
}

func (e *evaluator) timestamp(v any) string {
	return models.NormalizeTime(stringify(e.resolve(v)))
}

func (e *evaluator) compare(op Operator, actual any, present bool, expected any) (bool, error) {
	if op == OpNeq {
		return !present || !looseEqual(actual, expected), nil
	}
	if !present {
		return false, nil
	}
	switch op {
	case OpEq:
		return looseEqual(actual, expected), nil
	case OpGt, OpLt, OpGte, OpLte:
		cmp, ok := order(actual, expected)
		if !ok {
			return false, nil
		}
		switch op {
		case OpGt:
			return cmp > 0, nil
		case OpLt:
			return cmp < 0, nil
		case OpGte:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn:
		list, ok := expected.([]any)
		if !ok {
			list = []any{expected}
		}
		for _, item := range list {
			if looseEqual(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case OpLike:
		re, err := e.regex(likePattern(stringify(expected)))
		if err != nil {
			return false, err
		}
		return re.MatchString(stringify(actual)), nil
	case OpMatches:
		re, err := e.regex("(?i)" + stringify(expected))
		if err != nil {
			return false, fmt.Errorf("invalid MATCHES pattern %q: %w", stringify(expected), err)
		}
		return re.MatchString(stringify(actual)), nil
	}
	return false, fmt.Errorf("unsupported operator %s", op)
}

func (e *evaluator) regex(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.patterns[pattern] = re
	return re, nil
}

// likePattern turns SQL LIKE wildcards into an anchored case-insensitive regexp.
func likePattern(like string) string {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range like {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// changedSince returns ids of every change target detected at or after since.
func (e *evaluator) changedSince(since string) (map[string]bool, error) {
	if ids, ok := e.drift[since]; ok {
		return ids, nil
	}
	if e.storage == nil {
		return map[string]bool{}, nil
	}
	changes, err := e.storage.GetChanges(e.ctx, models.ChangeFilter{Since: since})
	if err != nil {
		return nil, fmt.Errorf("drifted_since: %w", err)
	}
	ids := make(map[string]bool, len(changes))
	for _, c := range changes {
		ids[c.TargetID] = true
	}
	e.drift[since] = ids
	return ids, nil
}

// endpointsOf returns ids of nodes touching at least one edge of type rel.
func (e *evaluator) endpointsOf(rel models.RelationshipType) (map[string]bool, error) {
	if ids, ok := e.endpoints[rel]; ok {
		return ids, nil
	}
	if e.storage == nil {
		return map[string]bool{}, nil
	}
	edges, err := e.storage.QueryEdges(e.ctx, models.EdgeFilter{RelationshipTypes: []models.RelationshipType{rel}})
	if err != nil {
		return nil, fmt.Errorf("has_edge: %w", err)
	}
	ids := make(map[string]bool, 2*len(edges))
	for _, edge := range edges {
		ids[edge.SourceNodeID] = true
		ids[edge.TargetNodeID] = true
	}
	e.endpoints[rel] = ids
	return ids, nil
}

// resolveField reads a top-level attribute, a tag (tag.X / tags.X) or a
// metadata path (metadata.a.b).
func resolveField(n *models.GraphNode, field string) (any, bool) {
	head, rest, dotted := strings.Cut(field, ".")
	if dotted {
		switch strings.ToLower(head) {
		case "tag", "tags":
			v, ok := n.Tags[rest]
			return v, ok
		case "metadata":
			return lookupPath(n.Metadata, strings.Split(rest, "."))
		}
		return nil, false
	}
	switch strings.ToLower(field) {
	case "id":
		return n.ID, true
	case "provider":
		return n.Provider, true
	case "resourcetype", "resource_type", "type":
		return n.ResourceType, true
	case "nativeid", "native_id":
		return n.NativeID, true
	case "name":
		return n.Name, true
	case "region":
		return n.Region, true
	case "account":
		return n.Account, true
	case "status":
		return string(n.Status), true
	case "owner":
		if n.Owner == nil {
			return nil, false
		}
		return *n.Owner, true
	case "cost", "costmonthly", "cost_monthly":
		if n.CostMonthly == nil {
			return nil, false
		}
		return *n.CostMonthly, true
	case "createdat", "created_at":
		if n.CreatedAt == nil {
			return nil, false
		}
		return *n.CreatedAt, true
	case "discoveredat", "discovered_at":
		return n.DiscoveredAt, true
	case "updatedat", "updated_at":
		return n.UpdatedAt, true
	case "lastseenat", "last_seen_at":
		return n.LastSeenAt, true
	}
	return nil, false
}

func lookupPath(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares directly, then numerically, then by string form, so 25 = "25".
func looseEqual(a, b any) bool {
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok && sa == sb {
			return true
		}
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	return stringify(a) == stringify(b)
}

// order compares numerically when both sides are numbers, else lexically.
func order(a, b any) (int, bool) {
	x, okA := toFloat(a)
	y, okB := toFloat(b)
	if okA && okB {
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	if a == nil || b == nil {
		return 0, false
	}
	return strings.Compare(stringify(a), stringify(b)), true
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}
