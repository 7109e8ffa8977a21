package governance

import (
	"time"

	"github.com/stratoform/cartograph/pkg/model"
)

// StepTemplate describes one approval gate before instantiation.
type StepTemplate struct {
	Name              string        `json:"name" yaml:"name"`
	RequiredApprovals int           `json:"requiredApprovals" yaml:"requiredApprovals"`
	Approvers         []string      `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ChainTemplate routes requests to an approval chain. A template applies
// when its environment matches (empty matches any) and the assessed risk
// level is at least MinRiskLevel. Among applicable templates the most
// demanding MinRiskLevel wins; an environment-specific template beats a
// catch-all at the same level.
type ChainTemplate struct {
	ID           string            `json:"id" yaml:"id"`
	Environment  model.Environment `json:"environment,omitempty" yaml:"environment,omitempty"`
	MinRiskLevel model.RiskLevel    `json:"minRiskLevel" yaml:"minRiskLevel"`
	Mode         model.ApprovalMode `json:"mode" yaml:"mode"`
	Steps        []StepTemplate     `json:"steps" yaml:"steps"`
}

// DefaultTemplates routes production changes through the on-call ladder and
// staging through a single team-lead gate.
func DefaultTemplates() []ChainTemplate {
	return []ChainTemplate{
		{
			ID:           "prod-critical",
			Environment:  model.EnvProduction,
			MinRiskLevel: model.RiskHigh,
			Mode:         model.ApprovalSequential,
			Steps: []StepTemplate{
				{Name: "platform-oncall", RequiredApprovals: 1, Timeout: 4 * time.Hour},
				{Name: "engineering-lead", RequiredApprovals: 1, Timeout: 24 * time.Hour},
			},
		},
		{
			ID:           "prod-standard",
			Environment:  model.EnvProduction,
			MinRiskLevel: model.RiskMinimal,
			Mode:         model.ApprovalSequential,
			Steps: []StepTemplate{
				{Name: "platform-oncall", RequiredApprovals: 1, Timeout: 24 * time.Hour},
			},
		},
		{
			ID:           "staging-high",
			Environment:  model.EnvStaging,
			MinRiskLevel: model.RiskHigh,
			Mode:         model.ApprovalSequential,
			Steps: []StepTemplate{
				{Name: "team-lead", RequiredApprovals: 1, Timeout: 24 * time.Hour},
			},
		},
	}
}

// fallbackChain gates requests that demand approval but match no template.
func fallbackChain() *model.ApprovalChain {
	return &model.ApprovalChain{
		TemplateID: "default-approval",
		Mode:       model.ApprovalSequential,
		Steps: []model.ApprovalStep{
			{Name: "default-approval", RequiredApprovals: 1},
		},
	}
}

// selectTemplate picks the applicable template for an environment and risk
// level, or nil when none applies.
func selectTemplate(templates []ChainTemplate, env model.Environment, level model.RiskLevel) *ChainTemplate {
	var best *ChainTemplate
	for i := range templates {
		t := &templates[i]
		if t.Environment != "" && t.Environment != env {
			continue
		}
		if !level.AtLeast(t.MinRiskLevel) {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		switch {
		case t.MinRiskLevel != best.MinRiskLevel:
			if t.MinRiskLevel.AtLeast(best.MinRiskLevel) {
				best = t
			}
		case best.Environment == "" && t.Environment != "":
			best = t
		}
	}
	return best
}

// instantiate materializes the template into a chain with empty decision
// lists. Step start times are stamped when the step activates.
func (t *ChainTemplate) instantiate() *model.ApprovalChain {
	chain := &model.ApprovalChain{
		TemplateID: t.ID,
		Mode:       t.Mode,
		Steps:      make([]model.ApprovalStep, len(t.Steps)),
	}
	for i, s := range t.Steps {
		chain.Steps[i] = model.ApprovalStep{
			Name:              s.Name,
			RequiredApprovals: s.RequiredApprovals,
			Approvers:         append([]string(nil), s.Approvers...),
			Timeout:           s.Timeout,
		}
	}
	return chain
}
