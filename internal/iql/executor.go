package iql

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/apperr"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/tracing"
	"github.com/kubilitics/kubilitics-graph/internal/temporal"
)

const DefaultDepth = 3

var (
	ErrNoStorage   = apperr.Unavailable("IQL_NO_STORAGE", "no graph storage configured")
	ErrDiffNeedsAt = apperr.Validation("IQL_DIFF_REQUIRES_AT", "DIFF WITH requires an AT timestamp")

	ErrDepthNotConjunct = apperr.Validation("IQL_DEPTH_NOT_CONJUNCT", "depth can only be combined with AND")
	ErrDepthNotNumeric  = apperr.Validation("IQL_DEPTH_NOT_NUMERIC", "depth must be compared to a number")
)

// ExecutorOptions wires a query to its backends. Temporal is optional: without
// it AT is ignored and the query runs against live storage.
type ExecutorOptions struct {
	Storage      graphstore.Storage
	Temporal     temporal.Store
	DefaultDepth int
	// MaxResults caps returned nodes in addition to LIMIT; 0 disables the cap.
	MaxResults int
	Now        func() time.Time
	Logger     *zap.Logger
}

// Result is one of *FindResult, *PathResult, *DiffResult or *SummarizeResult.
type Result interface {
	ResultKind() string
}

type FindResult struct {
	Kind  string              `json:"kind"`
	Nodes []*models.GraphNode `json:"nodes"`
	// Edges is set for traversal targets: the edges among returned nodes and the root.
	Edges []*models.GraphEdge `json:"edges,omitempty"`
	// TotalCount and TotalCost describe the matches before LIMIT.
	TotalCount int     `json:"total_count"`
	TotalCost  float64 `json:"total_cost"`
	Truncated  bool    `json:"truncated"`
	SnapshotID string  `json:"snapshot_id,omitempty"`
}

type PathResult struct {
	Kind  string              `json:"kind"`
	Found bool                `json:"found"`
	From  string              `json:"from,omitempty"`
	To    string              `json:"to,omitempty"`
	Path  []string            `json:"path"`
	Hops  int                 `json:"hops"`
	Nodes []*models.GraphNode `json:"nodes"`
	Edges []*models.GraphEdge `json:"edges"`
}

type DiffResult struct {
	Kind      string               `json:"kind"`
	From      string               `json:"from"`
	To        string               `json:"to"`
	Added     int                  `json:"added"`
	Removed   int                  `json:"removed"`
	Changed   int                  `json:"changed"`
	CostDelta float64              `json:"cost_delta"`
	Diff      *models.SnapshotDiff `json:"diff"`
}

type SummaryGroup struct {
	Key   []string `json:"key"`
	Label string   `json:"label"`
	Value float64  `json:"value"`
	Count int      `json:"count"`
}

type SummarizeResult struct {
	Kind   string         `json:"kind"`
	Metric string         `json:"metric"`
	By     []string       `json:"by"`
	Groups []SummaryGroup `json:"groups"`
	Total  float64        `json:"total"`
}

func (*FindResult) ResultKind() string      { return "find" }
func (*PathResult) ResultKind() string      { return "path" }
func (*DiffResult) ResultKind() string      { return "diff" }
func (*SummarizeResult) ResultKind() string { return "summarize" }

// Executor runs IQL text against a fixed set of backends.
type Executor struct {
	opts ExecutorOptions
}

func NewExecutor(opts ExecutorOptions) *Executor {
	return &Executor{opts: opts}
}

func (x *Executor) Execute(ctx context.Context, text string) (Result, error) {
	return ExecuteString(ctx, text, x.opts)
}

// ExecuteString parses and executes text.
func ExecuteString(ctx context.Context, text string, opts ExecutorOptions) (Result, error) {
	q, err := ParseIQL(text)
	if err != nil {
		metrics.IQLQueriesTotal.WithLabelValues("invalid", "syntax_error").Inc()
		return nil, err
	}
	return Execute(ctx, q, opts)
}

// Execute runs a parsed query.
func Execute(ctx context.Context, q Query, opts ExecutorOptions) (res Result, err error) {
	if opts.Storage == nil {
		return nil, ErrNoStorage
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultDepth <= 0 {
		opts.DefaultDepth = DefaultDepth
	}
	log := logger.OrNop(opts.Logger)

	kind := queryLabel(q)
	ctx, span := tracing.StartSpan(ctx, "iql.execute", attribute.String("iql.kind", kind))
	start := time.Now()
	defer func() {
		tracing.End(span, err)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		if res != nil {
			kind = res.ResultKind()
		}
		metrics.IQLQueriesTotal.WithLabelValues(kind, outcome).Inc()
		metrics.IQLQueryDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		log.Debug("iql query executed", zap.String("kind", kind), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	}()

	x := &execution{ctx: ctx, opts: opts, eval: newEvaluator(ctx, opts.Storage, opts.Now)}
	switch q := q.(type) {
	case *FindQuery:
		if err := checkDepth(q.Where); err != nil {
			return nil, err
		}
		return x.find(q)
	case *SummarizeQuery:
		if err := checkDepth(q.Where); err != nil {
			return nil, err
		}
		return x.summarize(q)
	}
	return nil, fmt.Errorf("unsupported query %T", q)
}

func queryLabel(q Query) string {
	if f, ok := q.(*FindQuery); ok {
		if _, isPath := f.Target.(PathTarget); isPath {
			return "path"
		}
	}
	return q.queryKind()
}

type execution struct {
	ctx  context.Context
	opts ExecutorOptions
	eval *evaluator
}

func (x *execution) find(q *FindQuery) (Result, error) {
	switch t := q.Target.(type) {
	case ResourcesTarget:
		if q.Diff && x.opts.Temporal != nil {
			return x.diff(q)
		}
		return x.findResources(q)
	case DownstreamTarget:
		return x.traverse(q, t.NodeID, models.DirectionDownstream)
	case UpstreamTarget:
		return x.traverse(q, t.NodeID, models.DirectionUpstream)
	case PathTarget:
		return x.path(t)
	}
	return nil, fmt.Errorf("unsupported target %T", q.Target)
}

func (x *execution) findResources(q *FindQuery) (Result, error) {
	filter := extractFilter(q.Where)
	var (
		nodes      []*models.GraphNode
		snapshotID string
		err        error
	)
	if q.At != "" && x.opts.Temporal != nil {
		snap, serr := x.opts.Temporal.GetSnapshotAt(x.ctx, q.At)
		if serr != nil {
			return nil, serr
		}
		snapshotID = snap.ID
		nodes, err = x.opts.Temporal.GetNodesAtSnapshot(x.ctx, snap.ID, &filter)
	} else {
		nodes, err = x.opts.Storage.QueryNodes(x.ctx, filter)
	}
	if err != nil {
		return nil, err
	}
	matched, err := x.eval.filter(q.Where, nodes)
	if err != nil {
		return nil, err
	}
	res := x.page(matched, q.Limit)
	res.SnapshotID = snapshotID
	return res, nil
}

// page totals matches, then truncates to LIMIT and MaxResults.
func (x *execution) page(nodes []*models.GraphNode, limit int) *FindResult {
	res := &FindResult{Kind: "find", TotalCount: len(nodes), Nodes: nodes}
	for _, n := range nodes {
		res.TotalCost += n.Cost()
	}
	keep := limit
	if x.opts.MaxResults > 0 && (keep == 0 || x.opts.MaxResults < keep) {
		keep = x.opts.MaxResults
	}
	if keep > 0 && len(nodes) > keep {
		res.Nodes = nodes[:keep]
		res.Truncated = true
	}
	if res.Nodes == nil {
		res.Nodes = []*models.GraphNode{}
	}
	return res
}

func (x *execution) traverse(q *FindQuery, root string, dir models.Direction) (Result, error) {
	lo, hi := depthRange(q.Where, x.opts.DefaultDepth)
	sub, err := x.opts.Storage.GetNeighbors(x.ctx, root, hi, dir, nil)
	if err != nil {
		return nil, err
	}
	var candidates []*models.GraphNode
	if lo <= hi {
		hops := hopCounts(root, dir, sub.Edges)
		for _, n := range sub.Nodes {
			if d, ok := hops[n.ID]; ok && n.ID != root && atDepth(q.Where, d) {
				candidates = append(candidates, n)
			}
		}
	}
	matched, err := x.eval.filter(q.Where, candidates)
	if err != nil {
		return nil, err
	}
	res := x.page(matched, q.Limit)

	keep := map[string]bool{root: true}
	for _, n := range res.Nodes {
		keep[n.ID] = true
	}
	res.Edges = []*models.GraphEdge{}
	for _, e := range sub.Edges {
		if keep[e.SourceNodeID] && keep[e.TargetNodeID] {
			res.Edges = append(res.Edges, e)
		}
	}
	return res, nil
}

// hopCounts returns the BFS distance from root of every node reachable over
// edges in dir.
func hopCounts(root string, dir models.Direction, edges []*models.GraphEdge) map[string]int {
	next := map[string][]string{}
	for _, e := range edges {
		if dir != models.DirectionUpstream {
			next[e.SourceNodeID] = append(next[e.SourceNodeID], e.TargetNodeID)
		}
		if dir != models.DirectionDownstream {
			next[e.TargetNodeID] = append(next[e.TargetNodeID], e.SourceNodeID)
		}
	}
	hops := map[string]int{root: 0}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range next[cur] {
			if _, seen := hops[id]; !seen {
				hops[id] = hops[cur] + 1
				queue = append(queue, id)
			}
		}
	}
	return hops
}

func (x *execution) diff(q *FindQuery) (Result, error) {
	if q.At == "" {
		return nil, ErrDiffNeedsAt
	}
	to := q.DiffWith
	if to == "" {
		to = models.FormatTime(x.opts.Now())
	}
	fromSnap, err := x.opts.Temporal.GetSnapshotAt(x.ctx, q.At)
	if err != nil {
		return nil, err
	}
	toSnap, err := x.opts.Temporal.GetSnapshotAt(x.ctx, to)
	if err != nil {
		return nil, err
	}
	fromNodes, fromEdges, err := x.snapshotState(fromSnap.ID, q.Where)
	if err != nil {
		return nil, err
	}
	toNodes, toEdges, err := x.snapshotState(toSnap.ID, q.Where)
	if err != nil {
		return nil, err
	}
	d := temporal.Diff(fromNodes, toNodes, fromEdges, toEdges)
	d.FromSnapshot = fromSnap
	d.ToSnapshot = toSnap
	return &DiffResult{
		Kind:      "diff",
		From:      q.At,
		To:        to,
		Added:     len(d.AddedNodes),
		Removed:   len(d.RemovedNodes),
		Changed:   len(d.ChangedNodes),
		CostDelta: d.CostDelta,
		Diff:      d,
	}, nil
}

// snapshotState returns the nodes matching where in a snapshot and the edges among them.
func (x *execution) snapshotState(snapshotID string, where Condition) ([]*models.GraphNode, []*models.GraphEdge, error) {
	filter := extractFilter(where)
	nodes, err := x.opts.Temporal.GetNodesAtSnapshot(x.ctx, snapshotID, &filter)
	if err != nil {
		return nil, nil, err
	}
	nodes, err = x.eval.filter(where, nodes)
	if err != nil {
		return nil, nil, err
	}
	edges, err := x.opts.Temporal.GetEdgesAtSnapshot(x.ctx, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	if where == nil {
		return nodes, edges, nil
	}
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	kept := edges[:0]
	for _, e := range edges {
		if ids[e.SourceNodeID] && ids[e.TargetNodeID] {
			kept = append(kept, e)
		}
	}
	return nodes, kept, nil
}

func (x *execution) path(t PathTarget) (Result, error) {
	res := &PathResult{Kind: "path", Path: []string{}, Nodes: []*models.GraphNode{}, Edges: []*models.GraphEdge{}}
	froms, err := x.resolveGlob(t.From)
	if err != nil {
		return nil, err
	}
	tos, err := x.resolveGlob(t.To)
	if err != nil {
		return nil, err
	}
	for _, from := range froms {
		for _, to := range tos {
			ids, edges, found, err := x.shortestPath(from, to)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			res.Found = true
			res.From, res.To = from, to
			res.Path = ids
			res.Hops = len(ids) - 1
			res.Edges = edges
			for _, id := range ids {
				n, err := x.opts.Storage.GetNode(x.ctx, id)
				if err != nil {
					return nil, err
				}
				if n != nil {
					res.Nodes = append(res.Nodes, n)
				}
			}
			return res, nil
		}
	}
	return res, nil
}

// resolveGlob maps a pattern to node ids. * matches any run of non-colon
// characters; a pattern without * is a literal id.
func (x *execution) resolveGlob(pattern string) ([]string, error) {
	if !strings.Contains(pattern, "*") {
		n, err := x.opts.Storage.GetNode(x.ctx, pattern)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nil, nil
		}
		return []string{n.ID}, nil
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, "[^:]*") + "$")
	nodes, err := x.opts.Storage.QueryNodes(x.ctx, models.NodeFilter{})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, n := range nodes {
		if re.MatchString(n.ID) {
			ids = append(ids, n.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// shortestPath runs a downstream BFS from one node to another.
func (x *execution) shortestPath(from, to string) ([]string, []*models.GraphEdge, bool, error) {
	if from == to {
		return []string{from}, []*models.GraphEdge{}, true, nil
	}
	type step struct {
		prev string
		edge *models.GraphEdge
	}
	visited := map[string]step{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		edges, err := x.opts.Storage.GetEdgesForNode(x.ctx, cur, models.DirectionDownstream)
		if err != nil {
			return nil, nil, false, err
		}
		for _, e := range edges {
			next := e.TargetNodeID
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = step{prev: cur, edge: e}
			if next != to {
				queue = append(queue, next)
				continue
			}
			var (
				ids   []string
				trail []*models.GraphEdge
			)
			for id := to; id != from; id = visited[id].prev {
				ids = append(ids, id)
				trail = append(trail, visited[id].edge)
			}
			ids = append(ids, from)
			reverse(ids)
			reverse(trail)
			return ids, trail, true, nil
		}
	}
	return nil, nil, false, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func (x *execution) summarize(q *SummarizeQuery) (Result, error) {
	filter := extractFilter(q.Where)
	nodes, err := x.opts.Storage.QueryNodes(x.ctx, filter)
	if err != nil {
		return nil, err
	}
	nodes, err = x.eval.filter(q.Where, nodes)
	if err != nil {
		return nil, err
	}

	type acc struct {
		key   []string
		sum   float64
		min   float64
		max   float64
		count int
	}
	groups := map[string]*acc{}
	var order []string
	for _, n := range nodes {
		key := make([]string, len(q.By))
		for i, f := range q.By {
			key[i] = "unknown"
			if v, ok := resolveField(n, f); ok && stringify(v) != "" {
				key[i] = stringify(v)
			}
		}
		label := strings.Join(key, "/")
		g, ok := groups[label]
		if !ok {
			g = &acc{key: key}
			groups[label] = g
			order = append(order, label)
		}
		var v float64
		if q.Metric.Field != "" {
			if raw, ok := resolveField(n, q.Metric.Field); ok {
				v, _ = toFloat(raw)
			}
		}
		if g.count == 0 || v < g.min {
			g.min = v
		}
		if g.count == 0 || v > g.max {
			g.max = v
		}
		g.sum += v
		g.count++
	}

	res := &SummarizeResult{Kind: "summarize", Metric: metricLabel(q.Metric), By: q.By, Groups: make([]SummaryGroup, 0, len(groups))}
	for _, label := range order {
		g := groups[label]
		var value float64
		switch q.Metric.Func {
		case MetricCount:
			value = float64(g.count)
		case MetricAvg:
			value = g.sum / float64(g.count)
		case MetricMin:
			value = g.min
		case MetricMax:
			value = g.max
		default:
			value = g.sum
		}
		res.Groups = append(res.Groups, SummaryGroup{Key: g.key, Label: label, Value: value, Count: g.count})
		res.Total += value
	}
	sort.SliceStable(res.Groups, func(i, j int) bool {
		if res.Groups[i].Value != res.Groups[j].Value {
			return res.Groups[i].Value > res.Groups[j].Value
		}
		return res.Groups[i].Label < res.Groups[j].Label
	})
	return res, nil
}

func metricLabel(m Metric) string {
	if m.Func == MetricCount {
		return "count"
	}
	if m.Func == MetricSum && strings.EqualFold(m.Field, "cost") {
		return "cost"
	}
	return strings.ToLower(string(m.Func)) + "(" + m.Field + ")"
}
