package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

type ConditionType string

const (
	CondFieldEquals    ConditionType = "field_equals"
	CondFieldNotEquals ConditionType = "field_not_equals"
	CondFieldContains  ConditionType = "field_contains"
	CondFieldMatches   ConditionType = "field_matches"
	CondFieldGt        ConditionType = "field_gt"
	CondFieldLt        ConditionType = "field_lt"
	CondFieldIn        ConditionType = "field_in"
	CondFieldNotIn     ConditionType = "field_not_in"
	CondAnd            ConditionType = "and"
	CondOr             ConditionType = "or"
	CondNot            ConditionType = "not"
)

// Condition is a node of the rule condition tree. Leaves use Field with Value
// (or Values for the set kinds); and/or use Conditions; not uses Inner.
type Condition struct {
	Type       ConditionType `json:"type" yaml:"type"`
	Field      string        `json:"field,omitempty" yaml:"field,omitempty"`
	Value      any           `json:"value,omitempty" yaml:"value,omitempty"`
	Values     []any         `json:"values,omitempty" yaml:"values,omitempty"`
	Conditions []Condition   `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Inner      *Condition    `json:"condition,omitempty" yaml:"condition,omitempty"`
}

func FieldEquals(field string, v any) Condition {
	return Condition{Type: CondFieldEquals, Field: field, Value: v}
}

func FieldNotEquals(field string, v any) Condition {
	return Condition{Type: CondFieldNotEquals, Field: field, Value: v}
}

func FieldContains(field string, v any) Condition {
	return Condition{Type: CondFieldContains, Field: field, Value: v}
}

func FieldMatches(field, pattern string) Condition {
	return Condition{Type: CondFieldMatches, Field: field, Value: pattern}
}

func FieldGt(field string, v float64) Condition {
	return Condition{Type: CondFieldGt, Field: field, Value: v}
}

func FieldLt(field string, v float64) Condition {
	return Condition{Type: CondFieldLt, Field: field, Value: v}
}

func FieldIn(field string, values ...any) Condition {
	return Condition{Type: CondFieldIn, Field: field, Values: values}
}

func FieldNotIn(field string, values ...any) Condition {
	return Condition{Type: CondFieldNotIn, Field: field, Values: values}
}

func And(conds ...Condition) Condition { return Condition{Type: CondAnd, Conditions: conds} }

func Or(conds ...Condition) Condition { return Condition{Type: CondOr, Conditions: conds} }

func Not(c Condition) Condition { return Condition{Type: CondNot, Inner: &c} }

// Validate checks the tree shape and compiles every regex.
func (c Condition) Validate() error {
	switch c.Type {
	case CondFieldEquals, CondFieldNotEquals, CondFieldContains, CondFieldGt, CondFieldLt:
		if c.Field == "" {
			return fmt.Errorf("%s: field is required", c.Type)
		}
		if (c.Type == CondFieldGt || c.Type == CondFieldLt) && !isNumber(c.Value) {
			return fmt.Errorf("%s on %s: value must be numeric", c.Type, c.Field)
		}
	case CondFieldMatches:
		if c.Field == "" {
			return fmt.Errorf("%s: field is required", c.Type)
		}
		if _, err := regexp.Compile(stringify(c.Value)); err != nil {
			return fmt.Errorf("%s on %s: %w", c.Type, c.Field, err)
		}
	case CondFieldIn, CondFieldNotIn:
		if c.Field == "" {
			return fmt.Errorf("%s: field is required", c.Type)
		}
	case CondAnd, CondOr:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s: at least one condition is required", c.Type)
		}
		for _, child := range c.Conditions {
			if err := child.Validate(); err != nil {
				return err
			}
		}
	case CondNot:
		if c.Inner == nil {
			return fmt.Errorf("not: condition is required")
		}
		return c.Inner.Validate()
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

// view is the flattened input: every object and leaf addressable by dotted path.
type view map[string]any

func newView(input OpaInput) view {
	raw, err := json.Marshal(input)
	if err != nil {
		return view{}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return view{}
	}
	v := view{}
	v.add("", doc)
	return v
}

func (v view) add(prefix string, value any) {
	if prefix != "" {
		v[prefix] = value
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return
	}
	for k, child := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		v.add(key, child)
	}
}

func (v view) get(field string) (any, bool) {
	val, ok := v[field]
	return val, ok && val != nil
}

// matches evaluates c against v. A missing field fails every positive leaf
// and satisfies the negative ones.
func (c Condition) matches(v view, patterns map[string]*regexp.Regexp) bool {
	switch c.Type {
	case CondAnd:
		for _, child := range c.Conditions {
			if !child.matches(v, patterns) {
				return false
			}
		}
		return true
	case CondOr:
		for _, child := range c.Conditions {
			if child.matches(v, patterns) {
				return true
			}
		}
		return false
	case CondNot:
		return c.Inner != nil && !c.Inner.matches(v, patterns)
	}

	actual, present := v.get(c.Field)
	switch c.Type {
	case CondFieldEquals:
		return present && equal(actual, c.Value)
	case CondFieldNotEquals:
		return !present || !equal(actual, c.Value)
	case CondFieldContains:
		if !present {
			return false
		}
		if list, ok := actual.([]any); ok {
			for _, item := range list {
				if equal(item, c.Value) {
					return true
				}
			}
			return false
		}
		return strings.Contains(stringify(actual), stringify(c.Value))
	case CondFieldMatches:
		if !present {
			return false
		}
		pattern := stringify(c.Value)
		re, ok := patterns[pattern]
		if !ok {
			var err error
			if re, err = regexp.Compile(pattern); err != nil {
				return false
			}
			patterns[pattern] = re
		}
		return re.MatchString(stringify(actual))
	case CondFieldGt, CondFieldLt:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !present || !okA || !okB {
			return false
		}
		if c.Type == CondFieldGt {
			return a > b
		}
		return a < b
	case CondFieldIn:
		return present && member(actual, c.Values)
	case CondFieldNotIn:
		return !present || !member(actual, c.Values)
	}
	return false
}

func member(actual any, values []any) bool {
	for _, v := range values {
		if equal(actual, v) {
			return true
		}
	}
	return false
}

// equal compares numbers numerically and everything else by value.
func equal(a, b any) bool {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	return reflect.DeepEqual(a, b)
}

func isNumber(v any) bool {
	_, ok := toFloat(v)
	return ok
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
	case uint64:
		return float64(v), true
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
	}
	if x, ok := toFloat(v); ok {
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// interpolate replaces {{path}} with the resolved value or <path> when absent.
func interpolate(msg string, v view) string {
	return placeholder.ReplaceAllStringFunc(msg, func(m string) string {
		field := placeholder.FindStringSubmatch(m)[1]
		if val, ok := v.get(field); ok {
			return stringify(val)
		}
		return "<" + field + ">"
	})
}
