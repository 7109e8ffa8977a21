package model

import (
	"time"

	"github.com/google/uuid"
)

// Environment is the deployment tier a change targets.
type Environment string

const (
	EnvDevelopment      Environment = "development"
	EnvStaging          Environment = "staging"
	EnvProduction       Environment = "production"
	EnvDisasterRecovery Environment = "disaster-recovery"
)

// RiskLevel is the categorical label derived from a numeric risk score.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskMinimal:  0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// AtLeast reports whether l is as severe as other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[l] >= riskRank[other]
}

// Severity labels drift findings, policy violations and anomalies.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskFactor is one weighted contribution to an assessment.
type RiskFactor struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
	Reason string  `json:"reason,omitempty"`
}

// RiskAssessment is the scored output of the risk engine for one request.
type RiskAssessment struct {
	Score            float64      `json:"score"`
	Level            RiskLevel    `json:"level"`
	Factors          []RiskFactor `json:"factors"`
	RequiresApproval bool         `json:"requiresApproval"`
	AssessedAt       time.Time    `json:"assessedAt"`
}

// ViolationAction is what a matched policy rule demands.
type ViolationAction string

const (
	ActionDeny            ViolationAction = "deny"
	ActionRequireApproval ViolationAction = "require_approval"
	ActionWarn            ViolationAction = "warn"
	ActionNotify          ViolationAction = "notify"
)

// PolicyViolation is one matched rule from a policy evaluation.
type PolicyViolation struct {
	RuleID   string          `json:"ruleId"`
	Package  string          `json:"package,omitempty"`
	Severity Severity        `json:"severity"`
	Action   ViolationAction `json:"action"`
	Message  string          `json:"message"`
}

// GovernanceState is the lifecycle state of a change request.
type GovernanceState string

const (
	StatePending          GovernanceState = "pending"
	StateRiskAssessed     GovernanceState = "risk-assessed"
	StatePolicyEvaluated  GovernanceState = "policy-evaluated"
	StateAwaitingApproval GovernanceState = "awaiting-approval"
	StateApproved         GovernanceState = "approved"
	StateRejected         GovernanceState = "rejected"
	StateExecuted         GovernanceState = "executed"
	StateCancelled        GovernanceState = "cancelled"
)

// Terminal reports whether no further transition may leave the state.
func (s GovernanceState) Terminal() bool {
	switch s {
	case StateRejected, StateExecuted, StateCancelled:
		return true
	}
	return false
}

// governanceTransitions is the forward-only edge set of the state machine.
// Rejection is reachable from every pre-terminal stage because risk or
// policy engine failures reject rather than crash.
var governanceTransitions = map[GovernanceState][]GovernanceState{
	StatePending:          {StateRiskAssessed, StateRejected},
	StateRiskAssessed:     {StatePolicyEvaluated, StateRejected},
	StatePolicyEvaluated:  {StateAwaitingApproval, StateApproved, StateRejected},
	StateAwaitingApproval: {StateApproved, StateRejected},
	StateApproved:         {StateExecuted},
}

// CanTransition reports whether the state machine permits from → to.
// Cancellation is allowed from any non-terminal state.
func CanTransition(from, to GovernanceState) bool {
	if to == StateCancelled {
		return !from.Terminal()
	}
	for _, next := range governanceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApprovalMode orders the steps of a chain.
type ApprovalMode string

const (
	ApprovalSequential ApprovalMode = "sequential"
	ApprovalParallel   ApprovalMode = "parallel"
)

// ApprovalDecision is one approver's recorded verdict on a step.
type ApprovalDecision struct {
	Approver  string    `json:"approver"`
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// ApprovalStep is one gate in a chain. A step completes when
// RequiredApprovals approving decisions have arrived; a single rejection
// fails the whole chain.
type ApprovalStep struct {
	Name              string             `json:"name"`
	RequiredApprovals int                `json:"requiredApprovals"`
	Approvers         []string           `json:"approvers,omitempty"`
	Timeout           time.Duration      `json:"timeout,omitempty"`
	StartedAt         time.Time          `json:"startedAt,omitempty"`
	Decisions         []ApprovalDecision `json:"decisions,omitempty"`
}

// Satisfied reports whether the step has collected enough approvals.
func (s *ApprovalStep) Satisfied() bool {
	approvals := 0
	for _, d := range s.Decisions {
		if d.Approved {
			approvals++
		}
	}
	return approvals >= s.RequiredApprovals
}

// Rejected reports whether any decision on the step was a rejection.
func (s *ApprovalStep) Rejected() bool {
	for _, d := range s.Decisions {
		if !d.Approved {
			return true
		}
	}
	return false
}

// ApprovalChain is the persisted approval pipeline for one request.
type ApprovalChain struct {
	TemplateID string         `json:"templateId,omitempty"`
	Mode       ApprovalMode   `json:"mode"`
	Steps      []ApprovalStep `json:"steps"`
}

// AuditEntry records one governance transition. Entries are append-only and
// their Details pass through redaction before persisting.
type AuditEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	FromState GovernanceState `json:"fromState"`
	ToState   GovernanceState `json:"toState"`
	Reason    string          `json:"reason,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
}

// ChangeRequest is a proposed mutation moving through governance.
type ChangeRequest struct {
	ID            string          `json:"id"`
	Initiator     string          `json:"initiator"`
	InitiatorType InitiatorType   `json:"initiatorType"`
	TargetID      string          `json:"targetId"`
	Action        string          `json:"action"`
	Dangerous     bool            `json:"dangerous,omitempty"`
	Params        map[string]any  `json:"params,omitempty"`
	Environment   Environment     `json:"environment"`
	ResourceIDs   []string        `json:"resourceIds,omitempty"`
	ResourceNames []string        `json:"resourceNames,omitempty"`
	Risk          *RiskAssessment `json:"risk,omitempty"`

	Violations []PolicyViolation `json:"violations,omitempty"`
	State      GovernanceState   `json:"state"`
	Chain      *ApprovalChain    `json:"chain,omitempty"`
	Audit      []AuditEntry      `json:"audit,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewChangeRequest builds a pending request with a fresh id.
func NewChangeRequest(initiator string, initiatorType InitiatorType, targetID, action string) *ChangeRequest {
	now := time.Now().UTC()
	return &ChangeRequest{
		ID:            uuid.NewString(),
		Initiator:     initiator,
		InitiatorType: initiatorType,
		TargetID:      targetID,
		Action:        action,
		State:         StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy safe for concurrent readers.
func (r *ChangeRequest) Clone() *ChangeRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Params != nil {
		c.Params = cloneAnyMap(r.Params)
	}
	c.ResourceIDs = append([]string(nil), r.ResourceIDs...)
	c.ResourceNames = append([]string(nil), r.ResourceNames...)
	if r.Risk != nil {
		risk := *r.Risk
		risk.Factors = append([]RiskFactor(nil), r.Risk.Factors...)
		c.Risk = &risk
	}
	c.Violations = append([]PolicyViolation(nil), r.Violations...)
	if r.Chain != nil {
		chain := *r.Chain
		chain.Steps = make([]ApprovalStep, len(r.Chain.Steps))
		for i, s := range r.Chain.Steps {
			step := s
			step.Approvers = append([]string(nil), s.Approvers...)
			step.Decisions = append([]ApprovalDecision(nil), s.Decisions...)
			chain.Steps[i] = step
		}
		c.Chain = &chain
	}
	c.Audit = make([]AuditEntry, len(r.Audit))
	for i, e := range r.Audit {
		entry := e
		if e.Details != nil {
			entry.Details = cloneAnyMap(e.Details)
		}
		c.Audit[i] = entry
	}
	return &c
}

// Document flattens the request into the map shape policy backends
// evaluate. Params are carried verbatim; redaction applies to persisted
// audit artifacts, not to policy input.
func (r *ChangeRequest) Document() map[string]any {
	doc := map[string]any{
		"id":            r.ID,
		"initiator":     r.Initiator,
		"initiatorType": string(r.InitiatorType),
		"targetId":      r.TargetID,
		"action":        r.Action,
		"dangerous":     r.Dangerous,
		"environment":   string(r.Environment),
		"state":         string(r.State),
	}
	if len(r.Params) > 0 {
		doc["params"] = cloneAnyMap(r.Params)
	}
	if len(r.ResourceIDs) > 0 {
		doc["resourceIds"] = append([]string(nil), r.ResourceIDs...)
	}
	if len(r.ResourceNames) > 0 {
		doc["resourceNames"] = append([]string(nil), r.ResourceNames...)
	}
	if r.Risk != nil {
		doc["risk"] = map[string]any{
			"score":            r.Risk.Score,
			"level":            string(r.Risk.Level),
			"requiresApproval": r.Risk.RequiresApproval,
		}
	}
	return doc
}
