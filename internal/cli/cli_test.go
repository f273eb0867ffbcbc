package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inventoryDoc = `{
  "provider": "aws",
  "nodes": [
    {"id": "aws:ec2:web-1", "provider": "aws", "resource_type": "ec2", "name": "web-1", "region": "us-east-1", "status": "running", "cost_monthly": 120, "tags": {"team": "frontend"}},
    {"id": "aws:rds:db-main", "provider": "aws", "resource_type": "rds", "name": "db-main", "region": "us-east-1", "status": "running", "cost_monthly": 400, "tags": {"team": "backend"}}
  ],
  "edges": [
    {"id": "web-db", "source_node_id": "aws:ec2:web-1", "target_node_id": "aws:rds:db-main", "relationship_type": "depends-on", "confidence": 1}
  ],
  "units": [
    {"name": "s3/us-east-1", "nodes": [
      {"id": "aws:s3:logs", "provider": "aws", "resource_type": "s3", "name": "logs", "region": "us-east-1", "status": "running", "cost_monthly": 15}
    ]}
  ]
}`

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kgraph.yaml")
	body := "storage:\n  backend: sqlite\n  sqlite_path: " + filepath.Join(dir, "graph.db") + "\n" +
		"sync:\n  concurrency: 1\n" +
		"logging:\n  level: error\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, cfgPath, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	root := NewRootCommandWithIO(strings.NewReader(stdin), out, out)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestImportQueryAndStats(t *testing.T) {
	cfg := writeConfig(t, "")

	out, err := run(t, cfg, inventoryDoc, "import", "--label", "first")
	require.NoError(t, err, out)
	var imported struct {
		Report struct {
			Sync struct {
				Created       int `json:"created"`
				EdgesUpserted int `json:"edges_upserted"`
			} `json:"sync"`
		} `json:"report"`
		Snapshot struct {
			ID        string `json:"id"`
			Trigger   string `json:"trigger"`
			NodeCount int    `json:"node_count"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &imported))
	assert.Equal(t, 3, imported.Report.Sync.Created)
	assert.Equal(t, 1, imported.Report.Sync.EdgesUpserted)
	assert.Equal(t, "sync", imported.Snapshot.Trigger)
	assert.Equal(t, 3, imported.Snapshot.NodeCount)

	out, err = run(t, cfg, "", "query", "FIND RESOURCES WHERE provider = 'aws' AND cost > 100")
	require.NoError(t, err, out)
	var found struct {
		Kind       string  `json:"kind"`
		TotalCount int     `json:"total_count"`
		TotalCost  float64 `json:"total_cost"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	assert.Equal(t, "find", found.Kind)
	assert.Equal(t, 2, found.TotalCount)
	assert.Equal(t, 520.0, found.TotalCost)

	out, err = run(t, cfg, "", "query", "FIND", "UPSTREAM", "OF", "'aws:rds:db-main'")
	require.NoError(t, err, out)
	assert.Contains(t, out, "aws:ec2:web-1")

	out, err = run(t, cfg, "", "stats")
	require.NoError(t, err, out)
	var stats struct {
		TotalNodes int `json:"total_nodes"`
		TotalEdges int `json:"total_edges"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 3, stats.TotalNodes)
	assert.Equal(t, 1, stats.TotalEdges)

	_, err = run(t, cfg, "", "query", "FIND THINGS")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")
}

func TestImportReconcilesMissingNodes(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := run(t, cfg, inventoryDoc, "import")
	require.NoError(t, err)

	smaller := `{"provider": "aws", "nodes": [
	  {"id": "aws:ec2:web-1", "provider": "aws", "resource_type": "ec2", "name": "web-1", "status": "running", "cost_monthly": 120, "tags": {"team": "frontend"}}
	]}`
	out, err := run(t, cfg, smaller, "import", "--snapshot=false")
	require.NoError(t, err, out)
	assert.NotContains(t, out, `"snapshot"`)

	out, err = run(t, cfg, "", "query", "FIND RESOURCES WHERE status = 'disappeared'")
	require.NoError(t, err, out)
	assert.Contains(t, out, "aws:rds:db-main")
	assert.Contains(t, out, "aws:s3:logs")
}

func TestSnapshotCommands(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := run(t, cfg, inventoryDoc, "import", "--snapshot=false")
	require.NoError(t, err)

	out, err := run(t, cfg, "", "snapshot", "create", "--label", "before")
	require.NoError(t, err, out)
	var first struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.Equal(t, "before", first.Label)

	out, err = run(t, cfg, "", "snapshot", "create")
	require.NoError(t, err, out)
	var second struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &second))

	out, err = run(t, cfg, "", "snapshot", "list")
	require.NoError(t, err, out)
	var list []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list, 2)

	out, err = run(t, cfg, "", "snapshot", "diff", first.ID, second.ID)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"cost_delta": 0`)

	out, err = run(t, cfg, "", "snapshot", "history", "aws:rds:db-main")
	require.NoError(t, err, out)
	var versions []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &versions))
	assert.Len(t, versions, 2)

	out, err = run(t, cfg, "", "snapshot", "prune", "--max-snapshots", "1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pruned 1 snapshot(s)")

	_, err = run(t, cfg, "", "snapshot", "delete", first.ID)
	require.Error(t, err)

	out, err = run(t, cfg, "", "snapshot", "delete", second.ID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Deleted snapshot")
}

func TestSnapshotDisabled(t *testing.T) {
	cfg := writeConfig(t, "temporal:\n  enabled: false\n")
	_, err := run(t, cfg, "", "snapshot", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestPolicyEval(t *testing.T) {
	cfg := writeConfig(t, "")

	out, err := run(t, cfg, `{"id":"cr-1","initiator":"bot","initiatorType":"agent","targetResourceId":"aws:rds:db-main","action":"delete","metadata":{"environment":"production"}}`, "policy", "eval")
	require.ErrorIs(t, err, ErrChangeBlocked)
	assert.Contains(t, out, "no-production-delete")
	assert.Contains(t, out, "non-human-destructive")

	out, err = run(t, cfg, `{"id":"cr-2","initiator":"alice","initiatorType":"human","targetResourceId":"aws:ec2:web-1","action":"resize"}`, "policy", "eval", "-")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"allowed": true`)

	out, err = run(t, cfg, "", "policy", "rules")
	require.NoError(t, err, out)
	assert.Contains(t, out, "high-risk-approval")

	_, err = run(t, cfg, "not json", "policy", "eval")
	require.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	cfg := writeConfig(t, "policy:\n  type: magic\n")
	_, err := run(t, cfg, "", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy.type")
}
