// Package policy evaluates change-request documents against a policy set.
// Three interchangeable backends exist: local rules (condition trees and
// CEL expressions), a remote policy service behind a circuit breaker, and a
// scriptable mock for tests. Evaluation never panics across the boundary;
// failures land in the Result.
package policy

import (
	"context"

	"github.com/stratoform/cartograph/pkg/model"
)

// Result is the outcome of one evaluation. OK reports backend health, not
// rule outcome: a healthy evaluation that found violations still has
// OK=true. Err carries the failure when OK is false.
type Result struct {
	OK         bool                    `json:"ok"`
	Violations []model.PolicyViolation `json:"violations,omitempty"`
	DurationMs int64                   `json:"durationMs"`
	Err        error                   `json:"-"`
}

// Denied reports whether any violation demands denial.
func (r Result) Denied() bool {
	for _, v := range r.Violations {
		if v.Action == model.ActionDeny {
			return true
		}
	}
	return false
}

// RequiresApproval reports whether any violation demands an approval gate.
func (r Result) RequiresApproval() bool {
	for _, v := range r.Violations {
		if v.Action == model.ActionRequireApproval {
			return true
		}
	}
	return false
}

// Evaluator is the backend capability set.
type Evaluator interface {
	Evaluate(ctx context.Context, input map[string]any) Result
	HealthCheck(ctx context.Context) bool
}

// Rule is one local policy rule. Exactly one of Condition or Expression
// must be set: Condition is a predicate tree, Expression a CEL program over
// the document's top-level fields.
type Rule struct {
	ID         string                `json:"id" yaml:"id"`
	Package    string                `json:"package,omitempty" yaml:"package,omitempty"`
	Severity   model.Severity        `json:"severity" yaml:"severity"`
	Action     model.ViolationAction `json:"action" yaml:"action"`
	Message    string                `json:"message" yaml:"message"`
	Condition  *Condition            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Expression string                `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Validate checks identity, vocabulary and predicate shape.
func (r Rule) Validate() error {
	if r.ID == "" {
		return model.NewError(model.KindInvalidInput, "rule-id", "rule requires an id")
	}
	switch r.Severity {
	case model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
	default:
		return model.NewError(model.KindInvalidInput, "rule-severity", "rule %s: unknown severity %q", r.ID, r.Severity)
	}
	switch r.Action {
	case model.ActionDeny, model.ActionRequireApproval, model.ActionWarn, model.ActionNotify:
	default:
		return model.NewError(model.KindInvalidInput, "rule-action", "rule %s: unknown action %q", r.ID, r.Action)
	}
	if (r.Condition == nil) == (r.Expression == "") {
		return model.NewError(model.KindInvalidInput, "rule-predicate", "rule %s: exactly one of condition or expression", r.ID)
	}
	if r.Condition != nil {
		if err := r.Condition.Validate(); err != nil {
			return model.WrapError(model.KindInvalidInput, "rule-condition", err, "rule %s", r.ID)
		}
	}
	return nil
}

// violation materializes the rule against a document.
func (r Rule) violation(doc map[string]any) model.PolicyViolation {
	return model.PolicyViolation{
		RuleID:   r.ID,
		Package:  r.Package,
		Severity: r.Severity,
		Action:   r.Action,
		Message:  interpolate(r.Message, doc),
	}
}
