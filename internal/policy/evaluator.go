package policy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/config"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/metrics"
)

const (
	TypeLocal  = "local"
	TypeMock   = "mock"
	TypeRemote = "remote"
)

// Evaluator is the contract shared by every backend. Evaluate never returns an
// error; failures are reported in EvaluationResult.Error.
type Evaluator interface {
	Type() string
	Evaluate(ctx context.Context, input OpaInput) EvaluationResult
	HealthCheck(ctx context.Context) bool
}

var (
	_ Evaluator = (*LocalEvaluator)(nil)
	_ Evaluator = (*MockEvaluator)(nil)
	_ Evaluator = (*RemoteEvaluator)(nil)
)

// LocalConfig seeds the embedded evaluator. Rules from RulesPath follow the
// defaults (when enabled) and then Rules.
type LocalConfig struct {
	Rules           []Rule
	RulesPath       string
	IncludeDefaults bool
}

// EvaluatorConfig selects a backend by Type.
type EvaluatorConfig struct {
	Type   string
	Local  LocalConfig
	Mock   *MockEvaluator
	Remote RemoteConfig
	Logger *zap.Logger
}

func NewEvaluator(cfg EvaluatorConfig) (Evaluator, error) {
	switch cfg.Type {
	case TypeLocal, "":
		var rules []Rule
		if cfg.Local.IncludeDefaults {
			rules = append(rules, DefaultRules()...)
		}
		if cfg.Local.RulesPath != "" {
			loaded, err := LoadRulesFile(cfg.Local.RulesPath)
			if err != nil {
				return nil, err
			}
			rules = append(rules, loaded...)
		}
		rules = append(rules, cfg.Local.Rules...)
		return NewLocalEvaluator(rules, cfg.Logger)
	case TypeMock:
		if cfg.Mock != nil {
			return cfg.Mock, nil
		}
		return NewMockEvaluator(), nil
	case TypeRemote:
		return NewRemoteEvaluator(cfg.Remote, cfg.Logger)
	}
	return nil, fmt.Errorf("unknown policy evaluator type %q", cfg.Type)
}

// FromConfig maps the policy config section onto an evaluator. The local
// evaluator always carries the default rules.
func FromConfig(c config.PolicyConfig, log *zap.Logger) (Evaluator, error) {
	return NewEvaluator(EvaluatorConfig{
		Type:  c.Type,
		Local: LocalConfig{RulesPath: c.RulesPath, IncludeDefaults: true},
		Remote: RemoteConfig{
			BaseURL:  c.RemoteURL,
			Path:     c.RemotePath,
			Timeout:  time.Duration(c.TimeoutMs) * time.Millisecond,
			FailMode: FailMode(c.FailMode),
		},
		Logger: log,
	})
}

// Decision splits an evaluation into what blocks the change and what does not.
type Decision struct {
	Allowed          bool             `json:"allowed"`
	Blocking         []Violation      `json:"blocking"`
	RequiresApproval []Violation      `json:"requiresApproval"`
	Warnings         []Violation      `json:"warnings"`
	Result           EvaluationResult `json:"result"`
}

// Gate evaluates input and allows the change unless a deny violation matched.
func Gate(ctx context.Context, ev Evaluator, input OpaInput) Decision {
	res := ev.Evaluate(ctx, input)
	d := Decision{
		Blocking:         []Violation{},
		RequiresApproval: []Violation{},
		Warnings:         []Violation{},
		Result:           res,
	}
	for _, v := range res.Violations {
		switch v.Action {
		case ActionDeny:
			d.Blocking = append(d.Blocking, v)
		case ActionRequireApproval:
			d.RequiresApproval = append(d.RequiresApproval, v)
		default:
			d.Warnings = append(d.Warnings, v)
		}
	}
	d.Allowed = len(d.Blocking) == 0
	return d
}

func record(evaluator string, res EvaluationResult) {
	metrics.PolicyEvaluationsTotal.WithLabelValues(evaluator, outcome(res)).Inc()
}

func outcome(res EvaluationResult) string {
	if res.Error != "" {
		return "error"
	}
	for _, v := range res.Violations {
		if v.Action == ActionDeny {
			return "denied"
		}
	}
	if len(res.Violations) > 0 {
		return "flagged"
	}
	return "allowed"
}
