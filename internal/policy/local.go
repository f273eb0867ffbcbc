package policy

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/pkg/apperr"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/logger"
)

// LocalEvaluator holds an ordered rule list and reports every matching rule.
type LocalEvaluator struct {
	mu     sync.RWMutex
	rules  []Rule
	logger *zap.Logger
}

func NewLocalEvaluator(rules []Rule, log *zap.Logger) (*LocalEvaluator, error) {
	e := &LocalEvaluator{logger: logger.OrNop(log).Named("policy.local")}
	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *LocalEvaluator) Type() string { return TypeLocal }

// AddRule appends r, or replaces the rule with the same ID in place.
func (e *LocalEvaluator) AddRule(r Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == r.ID {
			e.rules[i] = r
			return nil
		}
	}
	e.rules = append(e.rules, r)
	return nil
}

func (e *LocalEvaluator) RemoveRule(id string) apperr.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return apperr.OK()
		}
	}
	return apperr.NotFoundResult("rule", id)
}

// Rules returns the rules in evaluation order.
func (e *LocalEvaluator) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

func (e *LocalEvaluator) Evaluate(_ context.Context, input OpaInput) EvaluationResult {
	start := time.Now()
	rules := e.Rules()

	v := newView(input)
	patterns := map[string]*regexp.Regexp{}
	violations := []Violation{}
	for _, r := range rules {
		if !r.Condition.matches(v, patterns) {
			continue
		}
		violations = append(violations, Violation{
			RuleID:   r.ID,
			Package:  r.Package,
			Message:  interpolate(r.Message, v),
			Severity: r.Severity,
			Action:   r.Action,
		})
	}
	res := EvaluationResult{
		OK:         len(violations) == 0,
		Violations: violations,
		DurationMs: time.Since(start).Milliseconds(),
	}
	record(TypeLocal, res)
	e.logger.Debug("policy evaluated",
		zap.String("change_request", input.ChangeRequest.ID),
		zap.Int("rules", len(rules)),
		zap.Int("violations", len(violations)))
	return res
}

func (e *LocalEvaluator) HealthCheck(context.Context) bool { return true }

func validateRule(r Rule) error {
	if r.ID == "" {
		return apperr.Validation("INVALID_RULE", "rule id is required")
	}
	switch r.Action {
	case ActionDeny, ActionWarn, ActionRequireApproval:
	default:
		return apperr.Validation("INVALID_RULE", fmt.Sprintf("rule %s: unknown action %q", r.ID, r.Action))
	}
	switch r.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return apperr.Validation("INVALID_RULE", fmt.Sprintf("rule %s: unknown severity %q", r.ID, r.Severity))
	}
	if err := r.Condition.Validate(); err != nil {
		return apperr.Validation("INVALID_RULE", fmt.Sprintf("rule %s: %v", r.ID, err))
	}
	return nil
}
