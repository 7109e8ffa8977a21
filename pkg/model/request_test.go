package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestCanTransition_ForwardOnly(t *testing.T) {
	allowed := [][2]GovernanceState{
		{StatePending, StateRiskAssessed},
		{StateRiskAssessed, StatePolicyEvaluated},
		{StatePolicyEvaluated, StateAwaitingApproval},
		{StatePolicyEvaluated, StateApproved},
		{StatePolicyEvaluated, StateRejected},
		{StateAwaitingApproval, StateApproved},
		{StateAwaitingApproval, StateRejected},
		{StateApproved, StateExecuted},
		{StatePending, StateCancelled},
		{StateApproved, StateCancelled},
	}
	for _, tc := range allowed {
		if !CanTransition(tc[0], tc[1]) {
			t.Errorf("Expected %s -> %s to be allowed", tc[0], tc[1])
		}
	}

	denied := [][2]GovernanceState{
		{StateRiskAssessed, StatePending},
		{StateApproved, StateAwaitingApproval},
		{StateExecuted, StateCancelled},
		{StateRejected, StateApproved},
		{StateCancelled, StatePending},
		{StatePending, StateExecuted},
	}
	for _, tc := range denied {
		if CanTransition(tc[0], tc[1]) {
			t.Errorf("Expected %s -> %s to be denied", tc[0], tc[1])
		}
	}
}

func TestApprovalStep_Satisfaction(t *testing.T) {
	step := ApprovalStep{RequiredApprovals: 2}
	step.Decisions = append(step.Decisions, ApprovalDecision{Approver: "alice", Approved: true})
	if step.Satisfied() {
		t.Error("Expected step unsatisfied with 1 of 2 approvals")
	}
	step.Decisions = append(step.Decisions, ApprovalDecision{Approver: "bob", Approved: true})
	if !step.Satisfied() {
		t.Error("Expected step satisfied with 2 of 2 approvals")
	}
	if step.Rejected() {
		t.Error("Expected no rejection recorded")
	}

	step.Decisions = append(step.Decisions, ApprovalDecision{Approver: "carol", Approved: false})
	if !step.Rejected() {
		t.Error("Expected rejection to be sticky")
	}
}

func TestRiskLevel_AtLeast(t *testing.T) {
	if !RiskCritical.AtLeast(RiskMedium) {
		t.Error("Expected critical >= medium")
	}
	if RiskLow.AtLeast(RiskHigh) {
		t.Error("Expected low < high")
	}
	if !RiskMedium.AtLeast(RiskMedium) {
		t.Error("Expected medium >= medium")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	base := NewError(KindTransient, "io-timeout", "read timed out after %dms", 500)
	wrapped := fmt.Errorf("sync cycle: %w", base)

	if KindOf(wrapped) != KindTransient {
		t.Errorf("Expected transient through wrap chain, got %s", KindOf(wrapped))
	}
	if !Retryable(wrapped) {
		t.Error("Expected transient errors to be retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Error("Expected unclassified errors to default to permanent")
	}

	var e *Error
	if !errors.As(wrapped, &e) || e.Code != "io-timeout" {
		t.Errorf("Expected code io-timeout, got %+v", e)
	}
}

func TestChangeRequest_Document(t *testing.T) {
	req := NewChangeRequest("alice", InitiatorHuman, "node-1", "delete")
	req.Environment = EnvProduction
	req.Params = map[string]any{"force": true, "apiToken": "t"}
	req.Risk = &RiskAssessment{Score: 91, Level: RiskCritical}

	doc := req.Document()
	if doc["action"] != "delete" || doc["environment"] != "production" {
		t.Errorf("Unexpected document scalars: %+v", doc)
	}
	risk := doc["risk"].(map[string]any)
	if risk["level"] != "critical" {
		t.Errorf("Expected risk level in document, got %v", risk["level"])
	}
	// Policy input sees raw params; redaction is a persistence concern.
	if doc["params"].(map[string]any)["apiToken"] != "t" {
		t.Error("Expected document params unredacted")
	}
}
