// Package policy evaluates proposed infrastructure changes against rules and
// reports the violations that gate them. Evaluators are interchangeable: an
// embedded rule engine, a scripted double for tests and a remote HTTP service.
package policy

import (
	"time"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is what a matching rule asks of the change.
type Action string

const (
	ActionDeny            Action = "deny"
	ActionWarn            Action = "warn"
	ActionRequireApproval Action = "require_approval"
)

// Rule is one entry of the embedded evaluator.
type Rule struct {
	ID          string    `json:"id" yaml:"id"`
	Package     string    `json:"package" yaml:"package"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Condition   Condition `json:"condition" yaml:"condition"`
	Severity    Severity  `json:"severity" yaml:"severity"`
	Action      Action    `json:"action" yaml:"action"`
	// Message may reference input fields as {{changeRequest.metadata.environment}}.
	Message string `json:"message" yaml:"message"`
}

type Violation struct {
	RuleID   string         `json:"ruleId"`
	Package  string         `json:"package"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Action   Action         `json:"action"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EvaluationResult is the outcome of one evaluation. OK is true only when the
// evaluator produced a decision and no rule matched.
type EvaluationResult struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations"`
	DurationMs int64       `json:"durationMs"`
	Error      string      `json:"error,omitempty"`
}

// ChangeRequest is a proposed mutation of a graph resource.
type ChangeRequest struct {
	ID               string               `json:"id"`
	Initiator        string               `json:"initiator"`
	InitiatorType    models.InitiatorType `json:"initiatorType"`
	TargetResourceID string               `json:"targetResourceId"`
	ResourceType     string               `json:"resourceType"`
	Provider         string               `json:"provider"`
	Action           string               `json:"action"`
	Description      string               `json:"description"`
	RiskScore        float64              `json:"riskScore"`
	RiskLevel        string               `json:"riskLevel"`
	RiskFactors      []string             `json:"riskFactors"`
	Metadata         map[string]any       `json:"metadata"`
	CreatedAt        string               `json:"createdAt,omitempty"`
	Status           string               `json:"status,omitempty"`
}

// OpaChangeRequest is the projection of a ChangeRequest that rules see.
type OpaChangeRequest struct {
	ID               string               `json:"id"`
	Initiator        string               `json:"initiator"`
	InitiatorType    models.InitiatorType `json:"initiatorType"`
	TargetResourceID string               `json:"targetResourceId"`
	ResourceType     string               `json:"resourceType"`
	Provider         string               `json:"provider"`
	Action           string               `json:"action"`
	Description      string               `json:"description"`
	RiskScore        float64              `json:"riskScore"`
	RiskLevel        string               `json:"riskLevel"`
	RiskFactors      []string             `json:"riskFactors"`
	Metadata         map[string]any       `json:"metadata"`
}

// OpaInput is the document every evaluator receives.
type OpaInput struct {
	ChangeRequest OpaChangeRequest `json:"changeRequest"`
	Timestamp     string           `json:"timestamp"`
}

// BuildOpaInput projects cr into evaluator input stamped with now.
func BuildOpaInput(cr ChangeRequest, now time.Time) OpaInput {
	factors := cr.RiskFactors
	if factors == nil {
		factors = []string{}
	}
	meta := cr.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	initiatorType := cr.InitiatorType
	if initiatorType == "" {
		initiatorType = models.InitiatorUnknown
	}
	return OpaInput{
		ChangeRequest: OpaChangeRequest{
			ID:               cr.ID,
			Initiator:        cr.Initiator,
			InitiatorType:    initiatorType,
			TargetResourceID: cr.TargetResourceID,
			ResourceType:     cr.ResourceType,
			Provider:         cr.Provider,
			Action:           cr.Action,
			Description:      cr.Description,
			RiskScore:        cr.RiskScore,
			RiskLevel:        cr.RiskLevel,
			RiskFactors:      factors,
			Metadata:         meta,
		},
		Timestamp: models.FormatTime(now),
	}
}
