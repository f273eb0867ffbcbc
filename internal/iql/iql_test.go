package iql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/temporal"
)

const (
	web    = "aws:ec2:web-1"
	db     = "aws:rds:db-main"
	logs   = "aws:s3:logs"
	worker = "aws:ec2:worker-1"
	azApp  = "azure:vm:app"
	gcp    = "gcp:gce:batch"
)

func fixtureNode(id, provider, rtype, name string, cost float64, tags map[string]string) *models.GraphNodeInput {
	return &models.GraphNodeInput{
		ID:           id,
		Provider:     provider,
		ResourceType: rtype,
		Name:         name,
		Region:       "us-east-1",
		Status:       models.StatusRunning,
		Tags:         tags,
		CostMonthly:  models.Float64Ptr(cost),
	}
}

func fixture(t *testing.T) graphstore.Storage {
	t.Helper()
	ctx := context.Background()
	s := graphstore.NewMemoryStorage()
	require.NoError(t, s.Initialize(ctx))

	a1 := fixtureNode(web, "aws", "ec2", "web-1", 250, map[string]string{"Owner": "alice", "Environment": "prod"})
	a1.Metadata = map[string]any{"port": float64(443)}
	a4 := fixtureNode(worker, "aws", "ec2", "worker-1", 150, nil)
	a4.Status = models.StatusStopped
	require.NoError(t, s.UpsertNodes(ctx, []*models.GraphNodeInput{
		a1,
		fixtureNode(db, "aws", "rds", "db-main", 400, map[string]string{"Environment": "prod"}),
		fixtureNode(logs, "aws", "s3", "logs-bucket", 20, nil),
		a4,
		fixtureNode(azApp, "azure", "vm", "az-app", 120, nil),
		fixtureNode(gcp, "gcp", "gce", "batch", 90, nil),
	}))
	require.NoError(t, s.UpsertEdges(ctx, []*models.GraphEdgeInput{
		{ID: "e1", SourceNodeID: web, TargetNodeID: db, RelationshipType: models.RelDependsOn, Confidence: 1, DiscoveredVia: models.DiscoveredViaAPIField},
		{ID: "e2", SourceNodeID: db, TargetNodeID: logs, RelationshipType: models.RelLogsTo, Confidence: 1, DiscoveredVia: models.DiscoveredViaAPIField},
		{ID: "e3", SourceNodeID: worker, TargetNodeID: db, RelationshipType: models.RelConnectsTo, Confidence: 0.8, DiscoveredVia: models.DiscoveredViaConfigScan},
	}))
	return s
}

func run(t *testing.T, opts ExecutorOptions, text string) Result {
	t.Helper()
	res, err := ExecuteString(context.Background(), text, opts)
	require.NoError(t, err, text)
	return res
}

func ids(nodes []*models.GraphNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestTokenize(t *testing.T) {
	toks, err := Tokenize(`find resources where cost > $200/mo and name like 'web-%' -- trailing`)
	require.NoError(t, err)

	kinds := make([]TokenKind, 0, len(toks))
	for _, tok := range toks {
		kinds = append(kinds, tok.Kind)
	}
	assert.Equal(t, []TokenKind{
		TokenKeyword, TokenKeyword, TokenKeyword, TokenIdent, TokenOperator, TokenNumber,
		TokenKeyword, TokenIdent, TokenKeyword, TokenString, TokenEOF,
	}, kinds)
	assert.Equal(t, "FIND", toks[0].Value)
	assert.Equal(t, float64(200), toks[5].Number)
	assert.Equal(t, "web-%", toks[9].Value)

	_, err = Tokenize(`name = 'open`)
	var syn *SyntaxError
	require.ErrorAs(t, err, &syn)
	assert.Equal(t, 7, syn.Offset)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		offset int
	}{
		{"unknown target", "FIND THINGS", 5},
		{"missing value", "FIND RESOURCES WHERE cost >", 27},
		{"unknown function", "FIND RESOURCES WHERE bogus('x')", 21},
		{"at on traversal", "FIND DOWNSTREAM OF 'x' AT '2026-01-01'", 23},
		{"negative limit", "FIND RESOURCES LIMIT -1", 21},
		{"zero limit", "FIND RESOURCES LIMIT 0", 21},
		{"fractional limit", "FIND RESOURCES LIMIT 1.5", 21},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseIQL(tt.src)
			var syn *SyntaxError
			require.ErrorAs(t, err, &syn)
			assert.Equal(t, tt.offset, syn.Offset)
			assert.NotEmpty(t, syn.Context)
			assert.Contains(t, syn.Error(), "syntax error at offset")
		})
	}
}

func TestParsePrecedence(t *testing.T) {
	q := MustParse(`FIND RESOURCES WHERE provider = 'aws' OR region = 'eu' AND NOT tagged('Owner')`)
	find, ok := q.(*FindQuery)
	require.True(t, ok)
	or, ok := find.Where.(*OrCondition)
	require.True(t, ok)
	require.Len(t, or.Conditions, 2)

	and, ok := or.Conditions[1].(*AndCondition)
	require.True(t, ok)
	require.Len(t, and.Conditions, 2)
	not, ok := and.Conditions[1].(*NotCondition)
	require.True(t, ok)
	fn, ok := not.Inner.(*FunctionCondition)
	require.True(t, ok)
	assert.Equal(t, "tagged", fn.Name)
}

func TestParseSummarize(t *testing.T) {
	q := MustParse(`SUMMARIZE AVG(cost) BY provider, region WHERE status = 'running'`)
	sum, ok := q.(*SummarizeQuery)
	require.True(t, ok)
	assert.Equal(t, Metric{Func: MetricAvg, Field: "cost"}, sum.Metric)
	assert.Equal(t, []string{"provider", "region"}, sum.By)
	assert.NotNil(t, sum.Where)

	count, ok := MustParse(`SUMMARIZE COUNT(*) BY type`).(*SummarizeQuery)
	require.True(t, ok)
	assert.Equal(t, MetricCount, count.Metric.Func)
}

func TestFindResources(t *testing.T) {
	opts := ExecutorOptions{Storage: fixture(t)}

	tests := []struct {
		query string
		want  []string
	}{
		{`FIND RESOURCES WHERE provider = 'aws'`, []string{web, db, logs, worker}},
		{`FIND RESOURCES WHERE cost > $200/mo`, []string{web, db}},
		{`FIND RESOURCES WHERE provider = 'aws' AND cost > 100 AND NOT tagged('Owner')`, []string{db, worker}},
		{`FIND RESOURCES WHERE tagged('Environment', 'prod')`, []string{web, db}},
		{`FIND RESOURCES WHERE tag.Owner = 'alice'`, []string{web}},
		{`FIND RESOURCES WHERE name LIKE 'db-%'`, []string{db}},
		{`FIND RESOURCES WHERE name LIKE '%-1'`, []string{web, worker}},
		{`FIND RESOURCES WHERE name MATCHES '^WEB'`, []string{web}},
		{`FIND RESOURCES WHERE type IN ('s3', 'rds')`, []string{db, logs}},
		{`FIND RESOURCES WHERE status != 'running'`, []string{worker}},
		{`FIND RESOURCES WHERE metadata.port = '443'`, []string{web}},
		{`FIND RESOURCES WHERE cost = '250'`, []string{web}},
		{`FIND RESOURCES WHERE owner = 'nobody'`, []string{}},
		{`FIND RESOURCES WHERE has_edge('logs-to')`, []string{db, logs}},
		{`FIND RESOURCES WHERE provider = 'azure' OR provider = 'gcp'`, []string{azApp, gcp}},
		{`FIND RESOURCES WHERE cost >= 90 AND cost <= 150`, []string{worker, azApp, gcp}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			res, ok := run(t, opts, tt.query).(*FindResult)
			require.True(t, ok)
			assert.ElementsMatch(t, tt.want, ids(res.Nodes))
			assert.Equal(t, len(tt.want), res.TotalCount)
		})
	}
}

func TestFindTotalsAndLimit(t *testing.T) {
	opts := ExecutorOptions{Storage: fixture(t)}

	res := run(t, opts, `FIND RESOURCES WHERE cost > $200/mo`).(*FindResult)
	assert.InDelta(t, 650, res.TotalCost, 0.001)

	res = run(t, opts, `FIND RESOURCES WHERE provider = 'aws' LIMIT 2`).(*FindResult)
	assert.Len(t, res.Nodes, 2)
	assert.Equal(t, 4, res.TotalCount)
	assert.InDelta(t, 820, res.TotalCost, 0.001)
	assert.True(t, res.Truncated)

	opts.MaxResults = 1
	res = run(t, opts, `FIND RESOURCES`).(*FindResult)
	assert.Len(t, res.Nodes, 1)
	assert.Equal(t, 6, res.TotalCount)
}

func TestDriftedSince(t *testing.T) {
	ctx := context.Background()
	s := fixture(t)
	require.NoError(t, s.AppendChange(ctx, &models.GraphChange{
		TargetID:   worker,
		ChangeType: models.ChangeNodeDrifted,
		DetectedAt: "2026-03-01T00:00:00.000Z",
	}))
	opts := ExecutorOptions{Storage: s}

	res := run(t, opts, `FIND RESOURCES WHERE drifted_since('2026-02-01')`).(*FindResult)
	assert.Equal(t, []string{worker}, ids(res.Nodes))

	res = run(t, opts, `FIND RESOURCES WHERE drifted_since('2026-04-01')`).(*FindResult)
	assert.Empty(t, res.Nodes)
}

func TestTraversal(t *testing.T) {
	opts := ExecutorOptions{Storage: fixture(t)}

	res := run(t, opts, `FIND DOWNSTREAM OF 'aws:ec2:worker-1'`).(*FindResult)
	assert.ElementsMatch(t, []string{db, logs}, ids(res.Nodes))
	assert.Len(t, res.Edges, 2)

	res = run(t, opts, `FIND DOWNSTREAM OF 'aws:ec2:worker-1' WHERE depth <= 1`).(*FindResult)
	assert.Equal(t, []string{db}, ids(res.Nodes))
	require.Len(t, res.Edges, 1)
	assert.Equal(t, "e3", res.Edges[0].ID)

	res = run(t, opts, `FIND UPSTREAM OF 'aws:s3:logs' WHERE type = 'ec2'`).(*FindResult)
	assert.ElementsMatch(t, []string{web, worker}, ids(res.Nodes))
	assert.InDelta(t, 400, res.TotalCost, 0.001)

	res = run(t, opts, `FIND DOWNSTREAM OF 'missing'`).(*FindResult)
	assert.Empty(t, res.Nodes)
	assert.Empty(t, res.Edges)
}

func TestTraversalDepthConditions(t *testing.T) {
	opts := ExecutorOptions{Storage: fixture(t)}

	cases := []struct {
		query string
		want  []string
	}{
		{`FIND DOWNSTREAM OF 'aws:ec2:worker-1' WHERE depth = 2`, []string{logs}},
		{`FIND DOWNSTREAM OF 'aws:ec2:worker-1' WHERE depth = 1`, []string{db}},
		{`FIND UPSTREAM OF 'aws:s3:logs' WHERE depth = 2 AND type = 'ec2'`, []string{web, worker}},
		{`FIND UPSTREAM OF 'aws:s3:logs' WHERE depth <= 1 AND type = 'ec2'`, nil},
		{`FIND UPSTREAM OF 'aws:s3:logs' WHERE type = 'rds' AND depth < 2`, []string{db}},
		{`FIND UPSTREAM OF 'aws:s3:logs' WHERE depth > 1`, []string{web, worker}},
		{`FIND UPSTREAM OF 'aws:s3:logs' WHERE depth != 1`, []string{web, worker}},
		{`FIND UPSTREAM OF 'aws:s3:logs' WHERE depth >= 1 AND depth <= 2`, []string{db, web, worker}},
		{`FIND DOWNSTREAM OF 'aws:ec2:worker-1' WHERE depth = 0`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			res := run(t, opts, tc.query).(*FindResult)
			assert.ElementsMatch(t, tc.want, ids(res.Nodes))
		})
	}

	res := run(t, opts, `FIND DOWNSTREAM OF 'aws:ec2:worker-1' WHERE depth = 2`).(*FindResult)
	assert.Empty(t, res.Edges)

	rejected := map[string]error{
		`FIND DOWNSTREAM OF 'aws:ec2:worker-1' WHERE NOT depth < 2`:           ErrDepthNotConjunct,
		`FIND UPSTREAM OF 'aws:s3:logs' WHERE depth < 1 OR type = 'rds'`:      ErrDepthNotConjunct,
		`FIND UPSTREAM OF 'aws:s3:logs' WHERE type = 'ec2' AND NOT depth = 1`: ErrDepthNotConjunct,
		`FIND DOWNSTREAM OF 'aws:ec2:worker-1' WHERE depth = 'two'`:           ErrDepthNotNumeric,
	}
	for query, want := range rejected {
		_, err := ExecuteString(context.Background(), query, opts)
		assert.ErrorIs(t, err, want, query)
	}
}

func TestPath(t *testing.T) {
	opts := ExecutorOptions{Storage: fixture(t)}

	res := run(t, opts, `FIND PATH FROM 'aws:ec2:web-1' TO 'aws:rds:db-main'`).(*PathResult)
	assert.True(t, res.Found)
	assert.Equal(t, 1, res.Hops)
	assert.Equal(t, []string{web, db}, res.Path)
	assert.Len(t, res.Nodes, 2)
	require.Len(t, res.Edges, 1)
	assert.Equal(t, "e1", res.Edges[0].ID)

	res = run(t, opts, `FIND PATH FROM 'aws:ec2:*' TO 'aws:s3:*'`).(*PathResult)
	assert.True(t, res.Found)
	assert.Equal(t, []string{web, db, logs}, res.Path)
	assert.Equal(t, 2, res.Hops)
	assert.Equal(t, web, res.From)

	res = run(t, opts, `FIND PATH FROM 'aws:ec2:web-1' TO 'gcp:gce:batch'`).(*PathResult)
	assert.False(t, res.Found)
	assert.Equal(t, []string{}, res.Path)

	// Edges are followed downstream only.
	res = run(t, opts, `FIND PATH FROM 'aws:s3:logs' TO 'aws:ec2:web-1'`).(*PathResult)
	assert.False(t, res.Found)

	res = run(t, opts, `FIND PATH FROM 'aws:s3:logs' TO 'aws:s3:logs'`).(*PathResult)
	assert.True(t, res.Found)
	assert.Equal(t, 0, res.Hops)
}

func TestSummarize(t *testing.T) {
	opts := ExecutorOptions{Storage: fixture(t)}

	res := run(t, opts, `SUMMARIZE cost BY provider`).(*SummarizeResult)
	require.Len(t, res.Groups, 3)
	assert.Equal(t, "aws", res.Groups[0].Label)
	assert.InDelta(t, 820, res.Groups[0].Value, 0.001)
	assert.Equal(t, 4, res.Groups[0].Count)
	assert.Equal(t, "azure", res.Groups[1].Label)
	assert.InDelta(t, 120, res.Groups[1].Value, 0.001)
	assert.Equal(t, "gcp", res.Groups[2].Label)
	assert.InDelta(t, 90, res.Groups[2].Value, 0.001)
	assert.InDelta(t, 1030, res.Total, 0.001)

	res = run(t, opts, `SUMMARIZE count BY tag.Environment`).(*SummarizeResult)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, "unknown", res.Groups[0].Label)
	assert.InDelta(t, 4, res.Groups[0].Value, 0.001)
	assert.Equal(t, "prod", res.Groups[1].Label)

	res = run(t, opts, `SUMMARIZE MAX(cost) BY provider WHERE provider = 'aws'`).(*SummarizeResult)
	require.Len(t, res.Groups, 1)
	assert.InDelta(t, 400, res.Groups[0].Value, 0.001)
}

func TestAtWithoutTemporalFallsBackToLive(t *testing.T) {
	opts := ExecutorOptions{Storage: fixture(t)}

	res := run(t, opts, `FIND RESOURCES AT '2020-01-01' WHERE provider = 'gcp'`).(*FindResult)
	assert.Equal(t, []string{gcp}, ids(res.Nodes))
	assert.Empty(t, res.SnapshotID)
}

func TestTimeTravelAndDiff(t *testing.T) {
	ctx := context.Background()
	live := fixture(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	store := temporal.NewMemoryStore(live, temporal.WithClock(now))

	first, err := store.CreateSnapshot(ctx, models.TriggerManual, "t1", "")
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	bumped := fixtureNode(db, "aws", "rds", "db-main", 450, map[string]string{"Environment": "prod"})
	require.NoError(t, live.UpsertNode(ctx, bumped))
	require.NoError(t, live.UpsertNode(ctx, fixtureNode("aws:lambda:fn", "aws", "lambda", "fn", 5, nil)))
	second, err := store.CreateSnapshot(ctx, models.TriggerManual, "t2", "")
	require.NoError(t, err)

	opts := ExecutorOptions{Storage: live, Temporal: store, Now: func() time.Time { return clock.Add(time.Minute) }}

	at := run(t, opts, `FIND RESOURCES AT '2026-01-01T00:30:00.000Z' WHERE type = 'lambda'`).(*FindResult)
	assert.Empty(t, at.Nodes)
	assert.Equal(t, first.ID, at.SnapshotID)

	diff := run(t, opts, `FIND RESOURCES AT '2026-01-01T00:30:00.000Z' DIFF WITH '2026-01-01T02:00:00.000Z'`).(*DiffResult)
	assert.Equal(t, 1, diff.Added)
	assert.Equal(t, 1, diff.Changed)
	assert.Equal(t, 0, diff.Removed)
	assert.InDelta(t, 55, diff.CostDelta, 0.001)
	assert.Equal(t, first.ID, diff.Diff.FromSnapshot.ID)
	assert.Equal(t, second.ID, diff.Diff.ToSnapshot.ID)
	require.Len(t, diff.Diff.ChangedNodes, 1)
	assert.Equal(t, []string{"costMonthly"}, diff.Diff.ChangedNodes[0].ChangedFields)

	scoped := run(t, opts, `FIND RESOURCES AT '2026-01-01T00:30:00.000Z' WHERE type = 'rds' DIFF WITH NOW`).(*DiffResult)
	assert.Equal(t, 0, scoped.Added)
	assert.Equal(t, 1, scoped.Changed)
	assert.InDelta(t, 50, scoped.CostDelta, 0.001)

	_, err = ExecuteString(ctx, `FIND RESOURCES DIFF WITH NOW`, opts)
	assert.True(t, errors.Is(err, ErrDiffNeedsAt))
}

func TestExecuteWithoutStorage(t *testing.T) {
	_, err := ExecuteString(context.Background(), `FIND RESOURCES`, ExecutorOptions{})
	assert.ErrorIs(t, err, ErrNoStorage)
}

func TestExtractFilter(t *testing.T) {
	find := MustParse(`FIND RESOURCES WHERE provider = 'aws' AND cost > 100 AND cost >= 150 AND cost < 500 AND tag.Team = 'core' AND name LIKE '%web%' AND status IN ('running', 'stopped')`).(*FindQuery)
	f := extractFilter(find.Where)
	assert.Equal(t, "aws", f.Provider)
	require.NotNil(t, f.MinCost)
	assert.Equal(t, float64(150), *f.MinCost)
	require.NotNil(t, f.MaxCost)
	assert.Equal(t, float64(500), *f.MaxCost)
	assert.Equal(t, map[string]string{"Team": "core"}, f.Tags)
	assert.Equal(t, "web", f.NamePattern)
	assert.Equal(t, []models.NodeStatus{models.StatusRunning, models.StatusStopped}, f.Statuses)

	// Nothing under OR is pushed down.
	find = MustParse(`FIND RESOURCES WHERE provider = 'aws' OR provider = 'gcp'`).(*FindQuery)
	assert.Equal(t, models.NodeFilter{}, extractFilter(find.Where))
}
