package policy

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultRules are the built-in safety rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "no-production-delete",
			Package:     "kubilitics.safety",
			Description: "Production resources cannot be deleted through automation.",
			Condition: And(
				FieldIn("changeRequest.action", "delete", "terminate", "destroy"),
				FieldIn("changeRequest.metadata.environment", "production", "prod"),
			),
			Severity: SeverityCritical,
			Action:   ActionDeny,
			Message:  "Deleting {{changeRequest.targetResourceId}} in {{changeRequest.metadata.environment}} is not allowed",
		},
		{
			ID:          "high-risk-approval",
			Package:     "kubilitics.safety",
			Description: "High risk changes need a human approval.",
			Condition: Or(
				FieldGt("changeRequest.riskScore", 70),
				FieldIn("changeRequest.riskLevel", "high", "critical"),
			),
			Severity: SeverityHigh,
			Action:   ActionRequireApproval,
			Message:  "Change {{changeRequest.id}} has risk score {{changeRequest.riskScore}} and requires approval",
		},
		{
			ID:          "non-human-destructive",
			Package:     "kubilitics.safety",
			Description: "Agents and systems may not run destructive actions unattended.",
			Condition: And(
				Not(FieldEquals("changeRequest.initiatorType", "human")),
				FieldIn("changeRequest.action", "delete", "terminate", "destroy", "scale-to-zero"),
			),
			Severity: SeverityHigh,
			Action:   ActionRequireApproval,
			Message:  "{{changeRequest.initiatorType}} {{changeRequest.initiator}} requested {{changeRequest.action}} on {{changeRequest.targetResourceId}}",
		},
	}
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesYAML reads a document of the form "rules: [...]" and validates every rule.
func LoadRulesYAML(r io.Reader) ([]Rule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f ruleFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse policy rules: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for _, rule := range f.Rules {
		if err := validateRule(rule); err != nil {
			return nil, err
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("parse policy rules: duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true
	}
	return f.Rules, nil
}

func LoadRulesFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy rules: %w", err)
	}
	defer f.Close()
	return LoadRulesYAML(f)
}
