package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

var evalTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func request(action string, meta map[string]any) OpaInput {
	return BuildOpaInput(ChangeRequest{
		ID:               "cr-1",
		Initiator:        "deploy-bot",
		InitiatorType:    models.InitiatorAgent,
		TargetResourceID: "aws:rds:db-main",
		ResourceType:     "rds",
		Provider:         "aws",
		Action:           action,
		RiskScore:        40,
		RiskLevel:        "medium",
		RiskFactors:      []string{"stateful", "shared"},
		Metadata:         meta,
	}, evalTime)
}

func TestBuildOpaInput(t *testing.T) {
	in := BuildOpaInput(ChangeRequest{ID: "x"}, evalTime)
	assert.Equal(t, "2026-03-01T12:00:00.000Z", in.Timestamp)
	assert.Equal(t, models.InitiatorUnknown, in.ChangeRequest.InitiatorType)
	assert.NotNil(t, in.ChangeRequest.Metadata)
	assert.NotNil(t, in.ChangeRequest.RiskFactors)

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"targetResourceId":""`)
}

func TestConditions(t *testing.T) {
	in := request("delete", map[string]any{"environment": "production", "replicas": 3, "team": map[string]any{"name": "core"}})
	v := newView(in)

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals", FieldEquals("changeRequest.action", "delete"), true},
		{"equals other action", FieldEquals("changeRequest.action", "update"), false},
		{"equals missing", FieldEquals("changeRequest.metadata.region", "eu"), false},
		{"not equals", FieldNotEquals("changeRequest.action", "update"), true},
		{"not equals missing", FieldNotEquals("changeRequest.metadata.region", "eu"), true},
		{"contains substring", FieldContains("changeRequest.targetResourceId", "rds"), true},
		{"contains list", FieldContains("changeRequest.riskFactors", "stateful"), true},
		{"contains list miss", FieldContains("changeRequest.riskFactors", "state"), false},
		{"matches", FieldMatches("changeRequest.initiator", "^deploy-"), true},
		{"gt", FieldGt("changeRequest.riskScore", 30), true},
		{"gt equal", FieldGt("changeRequest.riskScore", 40), false},
		{"lt", FieldLt("changeRequest.metadata.replicas", 5), true},
		{"lt non-numeric", FieldLt("changeRequest.action", 5), false},
		{"in", FieldIn("changeRequest.metadata.environment", "prod", "production"), true},
		{"in numeric", FieldIn("changeRequest.metadata.replicas", 1, 3), true},
		{"not in", FieldNotIn("changeRequest.provider", "gcp", "azure"), true},
		{"nested path", FieldEquals("changeRequest.metadata.team.name", "core"), true},
		{"timestamp", FieldMatches("timestamp", `^2026-03-01T`), true},
		{
			"compound",
			And(
				Or(FieldEquals("changeRequest.action", "update"), FieldEquals("changeRequest.action", "delete")),
				Not(FieldEquals("changeRequest.initiatorType", "human")),
			),
			true,
		},
		{
			"compound negated",
			And(
				Or(FieldEquals("changeRequest.action", "delete"), FieldEquals("changeRequest.provider", "gcp")),
				Not(FieldEquals("changeRequest.initiatorType", "agent")),
			),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.cond.Validate())
			assert.Equal(t, tt.want, tt.cond.matches(v, map[string]*regexp.Regexp{}))
		})
	}
}

func TestConditionValidate(t *testing.T) {
	assert.Error(t, Condition{Type: "bogus"}.Validate())
	assert.Error(t, FieldEquals("", "x").Validate())
	assert.Error(t, FieldMatches("a", "(").Validate())
	assert.Error(t, FieldGt("a", 1).withValue("x").Validate())
	assert.Error(t, And().Validate())
	assert.Error(t, Condition{Type: CondNot}.Validate())
}

func (c Condition) withValue(v any) Condition {
	c.Value = v
	return c
}

func TestInterpolate(t *testing.T) {
	v := newView(request("delete", map[string]any{"environment": "production"}))
	msg := interpolate("{{changeRequest.action}} of {{ changeRequest.targetResourceId }} in {{changeRequest.metadata.environment}} score {{changeRequest.riskScore}} by {{changeRequest.metadata.owner}}", v)
	assert.Equal(t, "delete of aws:rds:db-main in production score 40 by <changeRequest.metadata.owner>", msg)
}

func TestLocalEvaluator(t *testing.T) {
	ctx := context.Background()
	e, err := NewLocalEvaluator(nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.AddRule(Rule{
		ID:        "deny-delete",
		Package:   "test",
		Condition: FieldEquals("changeRequest.action", "delete"),
		Severity:  SeverityCritical,
		Action:    ActionDeny,
		Message:   "no deleting {{changeRequest.targetResourceId}}",
	}))
	require.NoError(t, e.AddRule(Rule{
		ID:        "warn-rds",
		Package:   "test",
		Condition: FieldEquals("changeRequest.resourceType", "rds"),
		Severity:  SeverityLow,
		Action:    ActionWarn,
		Message:   "databases are shared",
	}))

	res := e.Evaluate(ctx, request("delete", nil))
	assert.False(t, res.OK)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "deny-delete", res.Violations[0].RuleID)
	assert.Equal(t, "no deleting aws:rds:db-main", res.Violations[0].Message)
	assert.Equal(t, "warn-rds", res.Violations[1].RuleID)

	res = e.Evaluate(ctx, request("update", nil))
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "warn-rds", res.Violations[0].RuleID)

	assert.True(t, e.RemoveRule("warn-rds").Success)
	removed := e.RemoveRule("warn-rds")
	assert.False(t, removed.Success)
	assert.Equal(t, "NOT_FOUND", removed.Code)

	res = e.Evaluate(ctx, request("update", nil))
	assert.True(t, res.OK)
	assert.Empty(t, res.Violations)

	// Same id replaces in place.
	require.NoError(t, e.AddRule(Rule{ID: "deny-delete", Condition: FieldEquals("changeRequest.action", "update"), Severity: SeverityHigh, Action: ActionDeny}))
	require.Len(t, e.Rules(), 1)
	assert.False(t, e.Evaluate(ctx, request("update", nil)).OK)

	assert.Error(t, e.AddRule(Rule{ID: "bad", Condition: FieldEquals("a", 1), Severity: SeverityLow, Action: "explode"}))
	assert.True(t, e.HealthCheck(ctx))
}

func TestDefaultRulesAndGate(t *testing.T) {
	ctx := context.Background()
	e, err := NewLocalEvaluator(DefaultRules(), nil)
	require.NoError(t, err)

	d := Gate(ctx, e, request("delete", map[string]any{"environment": "production"}))
	assert.False(t, d.Allowed)
	require.Len(t, d.Blocking, 1)
	assert.Equal(t, "no-production-delete", d.Blocking[0].RuleID)
	assert.Equal(t, "Deleting aws:rds:db-main in production is not allowed", d.Blocking[0].Message)
	require.Len(t, d.RequiresApproval, 1)
	assert.Equal(t, "non-human-destructive", d.RequiresApproval[0].RuleID)

	d = Gate(ctx, e, request("update", map[string]any{"environment": "staging"}))
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Blocking)
	assert.True(t, d.Result.OK)
}

func TestLoadRulesYAML(t *testing.T) {
	doc := `
rules:
  - id: no-weekend-deletes
    package: ops
    severity: high
    action: deny
    message: "{{changeRequest.action}} blocked"
    condition:
      type: and
      conditions:
        - type: field_equals
          field: changeRequest.action
          value: delete
        - type: not
          condition:
            type: field_in
            field: changeRequest.provider
            values: [gcp]
  - id: risky
    package: ops
    severity: medium
    action: require_approval
    message: risky
    condition:
      type: field_gt
      field: changeRequest.riskScore
      value: 30
`
	rules, err := LoadRulesYAML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	e, err := NewLocalEvaluator(rules, nil)
	require.NoError(t, err)
	res := e.Evaluate(context.Background(), request("delete", nil))
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "delete blocked", res.Violations[0].Message)

	_, err = LoadRulesYAML(strings.NewReader("rules:\n  - id: x\n    severity: low\n    action: warn\n    condition: {type: nope}\n"))
	assert.Error(t, err)
	_, err = LoadRulesYAML(strings.NewReader("rules:\n  - id: x\n    unknown_key: 1\n"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	ev, err := NewEvaluator(EvaluatorConfig{Type: TypeLocal, Local: LocalConfig{RulesPath: path, IncludeDefaults: true}})
	require.NoError(t, err)
	assert.Len(t, ev.(*LocalEvaluator).Rules(), len(DefaultRules())+2)
}

func TestMockEvaluator(t *testing.T) {
	ctx := context.Background()
	deny := EvaluationResult{Violations: []Violation{{RuleID: "mock-deny", Action: ActionDeny, Severity: SeverityHigh}}}
	warn := EvaluationResult{Violations: []Violation{{RuleID: "mock-warn", Action: ActionWarn, Severity: SeverityLow}}}

	m := NewMockEvaluator().
		OnAction("delete", deny).
		OnRiskAbove(80, warn).
		OnResourceType("s3", EvaluationResult{OK: true})

	assert.Equal(t, "mock-deny", m.Evaluate(ctx, request("delete", nil)).Violations[0].RuleID)

	risky := request("update", nil)
	risky.ChangeRequest.RiskScore = 90
	assert.Equal(t, "mock-warn", m.Evaluate(ctx, risky).Violations[0].RuleID)

	res := m.Evaluate(ctx, request("update", nil))
	assert.True(t, res.OK)
	assert.NotNil(t, res.Violations)

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "delete", calls[0].ChangeRequest.Action)
	m.Reset()
	assert.Empty(t, m.Calls())

	m.SetHealthy(false)
	assert.False(t, m.HealthCheck(ctx))
}

func TestRemoteEvaluator(t *testing.T) {
	var gotPath string
	var gotBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"violations":[{"ruleId":"remote-1","package":"opa","message":"nope","severity":"high","action":"deny"}]}}`))
	}))
	defer srv.Close()

	e, err := NewRemoteEvaluator(RemoteConfig{BaseURL: srv.URL + "///", Path: "v1/data/policy"}, nil)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/v1/data/policy", e.URL())

	res := e.Evaluate(context.Background(), request("delete", nil))
	assert.Empty(t, res.Error)
	assert.False(t, res.OK)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "remote-1", res.Violations[0].RuleID)
	assert.Equal(t, "/v1/data/policy", gotPath)
	assert.Contains(t, gotBody, "input")
	assert.True(t, e.HealthCheck(context.Background()))
}

func TestRemoteEvaluatorDenySet(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
		want []Violation
	}{
		{"empty set", `{"result":[]}`, true, []Violation{}},
		{"messages", `{"result":["public bucket","no owner"]}`, false, []Violation{
			{RuleID: DeniedRuleID, Package: "kubilitics.remote", Message: "public bucket", Severity: SeverityHigh, Action: ActionDeny},
			{RuleID: DeniedRuleID, Package: "kubilitics.remote", Message: "no owner", Severity: SeverityHigh, Action: ActionDeny},
		}},
		{"objects", `{"result":[{"ruleId":"r1","message":"m","severity":"low","action":"warn"},{"message":"bare"}]}`, false, []Violation{
			{RuleID: "r1", Message: "m", Severity: SeverityLow, Action: ActionWarn},
			{RuleID: DeniedRuleID, Message: "bare", Severity: SeverityHigh, Action: ActionDeny},
		}},
		{"bare decision", `{"allow":true}`, true, []Violation{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			e, err := NewRemoteEvaluator(RemoteConfig{BaseURL: srv.URL}, nil)
			require.NoError(t, err)
			res := e.Evaluate(context.Background(), request("delete", nil))
			assert.Empty(t, res.Error)
			assert.Equal(t, tt.ok, res.OK)
			assert.Equal(t, tt.want, res.Violations)
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":[42]}`))
	}))
	defer srv.Close()
	e, err := NewRemoteEvaluator(RemoteConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	res := e.Evaluate(context.Background(), request("delete", nil))
	assert.Contains(t, res.Error, "deny set")
	require.Len(t, res.Violations, 1)
	assert.Equal(t, UnavailableRuleID, res.Violations[0].RuleID)
}

func TestRemoteFailModes(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()

	open, err := NewRemoteEvaluator(RemoteConfig{BaseURL: broken.URL, FailMode: FailOpen}, nil)
	require.NoError(t, err)
	res := open.Evaluate(context.Background(), request("delete", nil))
	assert.False(t, res.OK)
	assert.Empty(t, res.Violations)
	assert.Contains(t, res.Error, "500")
	assert.True(t, Gate(context.Background(), open, request("delete", nil)).Allowed)

	closed, err := NewRemoteEvaluator(RemoteConfig{BaseURL: broken.URL, FailMode: FailClosed}, nil)
	require.NoError(t, err)
	res = closed.Evaluate(context.Background(), request("delete", nil))
	assert.False(t, res.OK)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, UnavailableRuleID, res.Violations[0].RuleID)
	assert.Equal(t, SeverityCritical, res.Violations[0].Severity)
	assert.Equal(t, ActionDeny, res.Violations[0].Action)
	assert.False(t, Gate(context.Background(), closed, request("delete", nil)).Allowed)
	assert.False(t, closed.HealthCheck(context.Background()))

	_, err = NewRemoteEvaluator(RemoteConfig{BaseURL: broken.URL, FailMode: "sideways"}, nil)
	assert.Error(t, err)
	_, err = NewRemoteEvaluator(RemoteConfig{}, nil)
	assert.Error(t, err)
}

func TestRemoteTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	e, err := NewRemoteEvaluator(RemoteConfig{BaseURL: slow.URL, Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	start := time.Now()
	res := e.Evaluate(context.Background(), request("update", nil))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NotEmpty(t, res.Error)
	require.Len(t, res.Violations, 1, "default fail mode is closed")
	assert.False(t, e.HealthCheck(context.Background()))
}

func TestNewEvaluatorFactory(t *testing.T) {
	ev, err := NewEvaluator(EvaluatorConfig{Type: TypeMock})
	require.NoError(t, err)
	assert.Equal(t, TypeMock, ev.Type())

	ev, err = NewEvaluator(EvaluatorConfig{Type: TypeRemote, Remote: RemoteConfig{BaseURL: "http://policy.local"}})
	require.NoError(t, err)
	assert.Equal(t, TypeRemote, ev.Type())

	_, err = NewEvaluator(EvaluatorConfig{Type: "opa-wasm"})
	assert.Error(t, err)
}
