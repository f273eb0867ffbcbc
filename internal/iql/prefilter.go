package iql

import (
	"math"
	"strings"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// extractFilter lifts storage-pushable predicates out of the top-level AND
// chain. The result selects a superset of the matches; the evaluator still
// applies the full condition afterwards.
func extractFilter(c Condition) models.NodeFilter {
	var f models.NodeFilter
	for _, fc := range conjuncts(c) {
		field := strings.ToLower(fc.Field)
		if head, key, ok := strings.Cut(fc.Field, "."); ok {
			if h := strings.ToLower(head); (h == "tag" || h == "tags") && fc.Op == OpEq {
				if v, ok := plainString(fc.Value); ok && graphstore.ValidateTagKey(key) == nil {
					if f.Tags == nil {
						f.Tags = map[string]string{}
					}
					f.Tags[key] = v
				}
			}
			continue
		}
		switch field {
		case "provider", "region", "account", "owner":
			v, ok := plainString(fc.Value)
			if !ok || fc.Op != OpEq {
				continue
			}
			switch field {
			case "provider":
				f.Provider = v
			case "region":
				f.Region = v
			case "account":
				f.Account = v
			default:
				f.Owner = v
			}
		case "resourcetype", "resource_type", "type":
			if vals, ok := stringSet(fc); ok {
				f.ResourceTypes = intersect(f.ResourceTypes, vals)
			}
		case "status":
			if vals, ok := stringSet(fc); ok {
				var statuses []string
				for _, s := range f.Statuses {
					statuses = append(statuses, string(s))
				}
				f.Statuses = f.Statuses[:0]
				for _, s := range intersect(statuses, vals) {
					f.Statuses = append(f.Statuses, models.NodeStatus(s))
				}
			}
		case "name":
			if fc.Op != OpLike {
				continue
			}
			if v, ok := fc.Value.(string); ok {
				inner := strings.Trim(v, "%")
				if inner != "" && !strings.ContainsAny(inner, "%_") {
					f.NamePattern = inner
				}
			}
		case "cost", "costmonthly", "cost_monthly":
			n, ok := fc.Value.(float64)
			if !ok {
				continue
			}
			switch fc.Op {
			case OpGt, OpGte:
				if f.MinCost == nil || n > *f.MinCost {
					f.MinCost = models.Float64Ptr(n)
				}
			case OpLt, OpLte:
				if f.MaxCost == nil || n < *f.MaxCost {
					f.MaxCost = models.Float64Ptr(n)
				}
			}
		}
	}
	return f
}

// depthRange folds the depth conjuncts of c into an inclusive hop range. The
// upper bound falls back to def, raised to the lower bound when only one is given.
func depthRange(c Condition, def int) (lo, hi int) {
	lo, hi = 1, math.MaxInt
	for _, fc := range depthConjuncts(c) {
		d := int(fc.Value.(float64))
		switch fc.Op {
		case OpEq:
			lo, hi = max(lo, d), min(hi, d)
		case OpLt:
			hi = min(hi, d-1)
		case OpLte:
			hi = min(hi, d)
		case OpGt:
			lo = max(lo, d+1)
		case OpGte:
			lo = max(lo, d)
		}
	}
	if hi == math.MaxInt {
		hi = max(def, lo)
	}
	return lo, graphstore.ClampDepth(hi)
}

// atDepth reports whether a node hops away from the root satisfies every
// depth conjunct of c.
func atDepth(c Condition, hops int) bool {
	for _, fc := range depthConjuncts(c) {
		d := int(fc.Value.(float64))
		var ok bool
		switch fc.Op {
		case OpEq:
			ok = hops == d
		case OpNeq:
			ok = hops != d
		case OpLt:
			ok = hops < d
		case OpLte:
			ok = hops <= d
		case OpGt:
			ok = hops > d
		case OpGte:
			ok = hops >= d
		}
		if !ok {
			return false
		}
	}
	return true
}

func depthConjuncts(c Condition) []*FieldCondition {
	var out []*FieldCondition
	for _, fc := range conjuncts(c) {
		if isDepthField(fc.Field) {
			out = append(out, fc)
		}
	}
	return out
}

// checkDepth rejects depth conditions that are not plain numeric comparisons
// in the top-level AND chain.
func checkDepth(c Condition) error {
	var walk func(c Condition, top bool) error
	walk = func(c Condition, top bool) error {
		switch c := c.(type) {
		case *AndCondition:
			for _, child := range c.Conditions {
				if err := walk(child, top); err != nil {
					return err
				}
			}
		case *OrCondition:
			for _, child := range c.Conditions {
				if err := walk(child, false); err != nil {
					return err
				}
			}
		case *NotCondition:
			return walk(c.Inner, false)
		case *FieldCondition:
			if !isDepthField(c.Field) {
				return nil
			}
			if !top {
				return ErrDepthNotConjunct
			}
			if _, ok := c.Value.(float64); !ok {
				return ErrDepthNotNumeric
			}
			switch c.Op {
			case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
			default:
				return ErrDepthNotNumeric
			}
		}
		return nil
	}
	return walk(c, true)
}

// conjuncts returns the field conditions that must all hold for c to hold.
func conjuncts(c Condition) []*FieldCondition {
	switch c := c.(type) {
	case *FieldCondition:
		return []*FieldCondition{c}
	case *AndCondition:
		var out []*FieldCondition
		for _, child := range c.Conditions {
			out = append(out, conjuncts(child)...)
		}
		return out
	}
	return nil
}

// plainString accepts string values that looseEqual would not also match numerically.
func plainString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	if _, numeric := toFloat(s); numeric {
		return "", false
	}
	return s, true
}

func stringSet(fc *FieldCondition) ([]string, bool) {
	var raw []any
	switch fc.Op {
	case OpEq:
		raw = []any{fc.Value}
	case OpIn:
		list, ok := fc.Value.([]any)
		if !ok {
			return nil, false
		}
		raw = list
	default:
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := plainString(v)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, len(out) > 0
}

// intersect narrows prev by next; a nil prev means unconstrained.
func intersect(prev, next []string) []string {
	if prev == nil {
		return next
	}
	out := []string{}
	for _, p := range prev {
		for _, n := range next {
			if p == n {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
