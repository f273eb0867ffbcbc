package iql

// Query is either *FindQuery or *SummarizeQuery.
type Query interface {
	queryKind() string
}

// Target is the FIND subject: ResourcesTarget, DownstreamTarget,
// UpstreamTarget or PathTarget.
type Target interface {
	targetKind() string
}

type ResourcesTarget struct{}

type DownstreamTarget struct {
	NodeID string
}

type UpstreamTarget struct {
	NodeID string
}

// PathTarget endpoints may contain * globs.
type PathTarget struct {
	From string
	To   string
}

func (ResourcesTarget) targetKind() string  { return "resources" }
func (DownstreamTarget) targetKind() string { return "downstream" }
func (UpstreamTarget) targetKind() string   { return "upstream" }
func (PathTarget) targetKind() string       { return "path" }

type FindQuery struct {
	Target Target
	// At is the point-in-time timestamp, empty for live queries.
	At    string
	Where Condition
	// Diff is set when DIFF WITH is present; DiffWith is empty for NOW.
	Diff     bool
	DiffWith string
	// Limit is 0 when no LIMIT clause was given; LIMIT itself must be positive.
	Limit int
}

type MetricFunc string

const (
	MetricSum   MetricFunc = "SUM"
	MetricAvg   MetricFunc = "AVG"
	MetricMin   MetricFunc = "MIN"
	MetricMax   MetricFunc = "MAX"
	MetricCount MetricFunc = "COUNT"
)

// Metric is the aggregate of a SUMMARIZE. Field is empty for COUNT.
type Metric struct {
	Func  MetricFunc
	Field string
}

type SummarizeQuery struct {
	Metric Metric
	By     []string
	Where  Condition
}

func (*FindQuery) queryKind() string      { return "find" }
func (*SummarizeQuery) queryKind() string { return "summarize" }

type Operator string

const (
	OpEq      Operator = "="
	OpNeq     Operator = "!="
	OpGt      Operator = ">"
	OpLt      Operator = "<"
	OpGte     Operator = ">="
	OpLte     Operator = "<="
	OpLike    Operator = "LIKE"
	OpIn      Operator = "IN"
	OpMatches Operator = "MATCHES"
)

// Condition is a WHERE tree node.
type Condition interface {
	conditionKind() string
}

// FieldCondition compares a field, possibly dotted (tag.Team), to Value.
// Value is a string, a float64, or []any for IN.
type FieldCondition struct {
	Field string
	Op    Operator
	Value any
}

type FunctionCondition struct {
	Name string
	Args []any
}

type NotCondition struct {
	Inner Condition
}

type AndCondition struct {
	Conditions []Condition
}

type OrCondition struct {
	Conditions []Condition
}

func (*FieldCondition) conditionKind() string    { return "field" }
func (*FunctionCondition) conditionKind() string { return "function" }
func (*NotCondition) conditionKind() string      { return "not" }
func (*AndCondition) conditionKind() string      { return "and" }
func (*OrCondition) conditionKind() string       { return "or" }
